package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/metrics"
)

// Error taxonomy: transient errors may be retried or routed to a fallback
// model, permanent errors (auth, bad request) are surfaced as-is.
var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Message is one turn of an OpenAI-style chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Model   string
	Content string
}

// Client talks to an OpenAI-compatible chat-completions endpoint. A
// configured fallback model is tried once when the primary model fails
// transiently (network error, 429, 5xx).
type Client struct {
	cfg      config.LLMConfig
	fallback string
	httpx    *http.Client
	pipeline *metrics.Pipeline
	pause    time.Duration
}

// NewClient builds a chat client from config. fallbackModel may be empty to
// disable fallback; pipeline may be nil.
func NewClient(cfg config.LLMConfig, fallbackModel string, pipeline *metrics.Pipeline) *Client {
	return &Client{
		cfg:      cfg,
		fallback: fallbackModel,
		httpx:    &http.Client{Timeout: 30 * time.Second},
		pipeline: pipeline,
		pause:    250 * time.Millisecond,
	}
}

// CreateChatCompletion resolves the model and token limits, posts the
// request, and routes transient failures to the fallback model once.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return ChatResponse{}, fmt.Errorf("%w: no model configured", ErrPermanent)
	}
	if req.MaxTokens <= 0 || (c.cfg.MaxTokens > 0 && req.MaxTokens > c.cfg.MaxTokens) {
		req.MaxTokens = c.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := c.complete(ctx, model, req)
	if err != nil && errors.Is(err, ErrTransient) && c.fallback != "" && c.fallback != model {
		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(c.pause):
		}
		resp, err = c.complete(ctx, c.fallback, req)
	}
	if err == nil && c.pipeline != nil {
		c.pipeline.LLMLatency.Observe(time.Since(start).Seconds())
	}
	return resp, err
}

func (c *Client) complete(ctx context.Context, model string, req ChatRequest) (ChatResponse, error) {
	payload := ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpx.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			Choices []struct {
				Message Message `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ChatResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		if len(out.Choices) == 0 {
			return ChatResponse{}, fmt.Errorf("%w: empty choices", ErrTransient)
		}
		return ChatResponse{Model: model, Content: out.Choices[0].Message.Content}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
}

// Ask is the single-question helper used by the slash commands: one system
// prompt, one user message.
func (c *Client) Ask(ctx context.Context, system, user string) (string, error) {
	resp, err := c.CreateChatCompletion(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
