package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/discord-voice-copilot/internal/audio"
	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/logging"
	"github.com/discord-voice-copilot/internal/metrics"
)

// ErrNotConfigured is returned when no recognizer URL is set; callers treat
// it like any other service failure.
var ErrNotConfigured = errors.New("stt: recognizer URL not configured")

const maxAttempts = 3

// Client sends captured PCM to a speech-recognition service and returns the
// transcript. Requests carry LINEAR16 audio base64-encoded in a JSON body;
// transient failures (transport errors, 5xx) are retried with exponential
// backoff, client errors are permanent.
type Client struct {
	cfg      config.STTConfig
	channels int
	gate     int

	httpClient *http.Client
	pipeline   *metrics.Pipeline
	backoff    time.Duration
}

// NewClient builds a recognizer client. channels and noiseGate come from the
// audio config: stereo captures are downmixed to mono and gated before
// upload. pipeline may be nil.
func NewClient(cfg config.STTConfig, audioCfg config.Audio, pipeline *metrics.Pipeline) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		channels:   audioCfg.Channels,
		gate:       audioCfg.NoiseGate,
		httpClient: &http.Client{Timeout: timeout},
		pipeline:   pipeline,
		backoff:    time.Second,
	}
}

type recognizeConfig struct {
	Encoding                 string   `json:"encoding"`
	SampleRateHertz          int      `json:"sampleRateHertz"`
	LanguageCode             string   `json:"languageCode"`
	AlternativeLanguageCodes []string `json:"alternativeLanguageCodes,omitempty"`
}

type recognizeRequest struct {
	Config recognizeConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Transcribe implements voice.Transcriber. The returned transcript is
// whitespace-trimmed; empty means the service heard nothing.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if c.cfg.URL == "" {
		return "", ErrNotConfigured
	}

	prepared := audio.Optimize(pcm, c.channels, c.gate)

	req := recognizeRequest{
		Config: recognizeConfig{
			Encoding:                 "LINEAR16",
			SampleRateHertz:          sampleRate,
			LanguageCode:             c.cfg.Language,
			AlternativeLanguageCodes: c.cfg.AltLanguages,
		},
	}
	req.Audio.Content = base64.StdEncoding.EncodeToString(prepared)
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("stt: encode request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		transcript, retryable, err := c.recognize(ctx, body)
		if err == nil {
			if c.pipeline != nil {
				c.pipeline.STTLatency.Observe(time.Since(start).Seconds())
			}
			return transcript, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		logging.Warnw("stt request failed; retrying", "attempt", attempt, "err", err)
	}
	return "", fmt.Errorf("stt: recognize: %w", lastErr)
}

func (c *Client) recognize(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", true, fmt.Errorf("server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}

	var parts []string
	for _, r := range out.Results {
		if len(r.Alternatives) > 0 {
			parts = append(parts, r.Alternatives[0].Transcript)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " ")), false, nil
}
