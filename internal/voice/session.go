package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-copilot/internal/audio"
	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/logging"
)

// Stream yields decoded PCM16LE blocks for one user's speech turn, in
// arrival order. Next returns io.EOF when the transport-level silence window
// elapses (the turn is over) and any other error on decode or stream
// failure. Implementations must be safe to Close more than once.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Transcriber converts a PCM buffer into text. Failures surface as errors
// and are treated as service failures, not as empty speech.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// State is the terminal state of a capture session.
type State int

const (
	StateRejected State = iota // no usable speech; resolved silently
	StateAccepted              // transcript ready
	StateFailed                // service failure; error propagated
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateFailed:
		return "failed"
	default:
		return "rejected"
	}
}

// Result is the outcome of one capture session. Buffer holds the finalized
// PCM handed to the Transcriber and is set for accepted captures only.
type Result struct {
	State      State
	Transcript string
	Reason     string
	Summary    audio.Summary
	Buffer     []byte
}

// Session owns one speech turn's lifecycle: block accumulation from a
// Stream, silence trimming, quality validation, and transcription handoff.
// A Session runs exactly once and holds no shared state; concurrent-session
// admission is the Guard's job.
type Session struct {
	userID        string
	correlationID string
	cfg           config.Audio
	stt           Transcriber
}

// NewSession builds a session around an immutable audio config snapshot.
func NewSession(userID string, cfg config.Audio, stt Transcriber) *Session {
	return &Session{
		userID:        userID,
		correlationID: uuid.NewString(),
		cfg:           cfg,
		stt:           stt,
	}
}

// CorrelationID identifies this capture in logs and STT requests.
func (s *Session) CorrelationID() string { return s.correlationID }

// Run drives the session from first block to a terminal state. Transport and
// decode errors resolve to StateRejected without an error: a broken stream
// means "no speech captured", not a failure worth surfacing. Only a
// Transcriber failure returns a non-nil error (with StateFailed), and the
// caller is expected to have its cleanup hooked before Run regardless of how
// it exits.
func (s *Session) Run(ctx context.Context, stream Stream) (Result, error) {
	defer stream.Close()

	start := time.Now()
	maxDur := s.cfg.MaxCaptureDuration()
	var blocks [][]byte

	for {
		block, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logging.Warnw("capture stream error; dropping turn",
				"user_id", s.userID, "correlation_id", s.correlationID, "err", err)
			return Result{State: StateRejected, Reason: fmt.Sprintf("stream error: %v", err)}, nil
		}
		blocks = append(blocks, block)
		if maxDur > 0 && time.Since(start) >= maxDur {
			// A turn can otherwise grow without bound while the user keeps
			// talking; force-finalize and process what we have.
			logging.Warnw("capture reached max duration; force finalizing",
				"user_id", s.userID, "correlation_id", s.correlationID, "max_ms", maxDur.Milliseconds())
			break
		}
	}
	elapsed := time.Since(start)

	if len(blocks) == 0 {
		logging.Debugw("capture ended with no audio",
			"user_id", s.userID, "correlation_id", s.correlationID)
		return Result{State: StateRejected, Reason: "no audio captured"}, nil
	}

	trimmed := audio.TrimLeadingSilence(blocks, s.cfg.MinVolume)
	buf := audio.Concat(trimmed)
	summary := audio.Summarize(blocks, s.cfg.SampleRate)
	logging.Debugw("capture finished",
		"user_id", s.userID, "correlation_id", s.correlationID,
		"blocks", summary.Count, "bytes", summary.TotalBytes,
		"avg_rms", summary.AverageRMS, "peak_rms", summary.PeakRMS,
		"est_duration_ms", summary.EstimatedDurationMs, "elapsed_ms", elapsed.Milliseconds())

	if res := audio.Validate(buf, elapsed, s.cfg); !res.OK {
		logging.Infow("capture rejected",
			"user_id", s.userID, "correlation_id", s.correlationID, "reason", res.Reason)
		return Result{State: StateRejected, Reason: res.Reason, Summary: summary}, nil
	}

	transcript, err := s.stt.Transcribe(ctx, buf, s.cfg.SampleRate)
	if err != nil {
		return Result{State: StateFailed, Summary: summary}, fmt.Errorf("transcribe capture %s: %w", s.correlationID, err)
	}
	transcript = strings.TrimSpace(transcript)
	if len([]rune(transcript)) <= 2 {
		// Same treatment as a quality rejection: silently dropped.
		logging.Infow("transcript too short; dropping",
			"user_id", s.userID, "correlation_id", s.correlationID, "transcript", transcript)
		return Result{State: StateRejected, Reason: "transcript empty or too short", Summary: summary}, nil
	}

	return Result{State: StateAccepted, Transcript: transcript, Summary: summary, Buffer: buf}, nil
}
