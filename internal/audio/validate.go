package audio

import (
	"fmt"
	"time"

	"github.com/discord-voice-copilot/internal/config"
)

// Result is the outcome of validating a finished capture. A rejected result
// carries a human-readable reason used for logging; the speaker is never told
// a rejection happened, so background noise doesn't spam the channel.
type Result struct {
	OK     bool
	Reason string
}

// Accepted is the passing validation result.
var Accepted = Result{OK: true, Reason: "audio passed all checks"}

// Validate applies the three accept/reject checks to a concatenated capture
// buffer, in fixed order, short-circuiting at the first failure:
//
//  1. buffer size against cfg.BufferThreshold
//  2. wall-clock recording duration against cfg.MinDuration
//  3. RMS loudness and estimated audio duration together
//
// The ordering matters for diagnostics (a tiny buffer reports the size
// reason, not the quality reason), not for correctness.
func Validate(buf []byte, elapsed time.Duration, cfg config.Audio) Result {
	if len(buf) < cfg.BufferThreshold {
		return Result{Reason: fmt.Sprintf("audio buffer too small: %d < %d bytes", len(buf), cfg.BufferThreshold)}
	}
	elapsedMs := elapsed.Milliseconds()
	if elapsedMs < int64(cfg.MinDuration) {
		return Result{Reason: fmt.Sprintf("recording too short: %dms < %dms", elapsedMs, cfg.MinDuration)}
	}
	rms := RMS(buf)
	durMs := DurationMs(buf, cfg.SampleRate)
	if rms <= cfg.MinVolume || durMs <= float64(cfg.MinDuration) {
		return Result{Reason: fmt.Sprintf("audio quality insufficient: rms=%.0f dur=%.0fms", rms, durMs)}
	}
	return Accepted
}
