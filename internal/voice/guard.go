package voice

import (
	"context"
	"sync"

	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/logging"
	"github.com/discord-voice-copilot/internal/metrics"
)

// Tracker is the set of users with a live capture session. It is handed to
// the Guard as an explicit dependency so admission is testable in isolation
// and swappable per voice connection. Invariant: a user ID is a member
// exactly while that user's session goroutine is running.
type Tracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]struct{})}
}

// TryAcquire marks userID as mid-capture. Returns false when a session is
// already live for that user.
func (t *Tracker) TryAcquire(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.active[userID]; busy {
		return false
	}
	t.active[userID] = struct{}{}
	return true
}

// Release clears userID's busy flag. Releasing an absent ID is a no-op.
func (t *Tracker) Release(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, userID)
}

// Active reports whether userID currently holds a capture slot.
func (t *Tracker) Active(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[userID]
	return ok
}

// Len returns the number of live capture sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Subscriber opens a decoded audio stream for one user's current speech
// turn. The stream ends (io.EOF) after the transport-level silence window.
type Subscriber interface {
	Subscribe(userID string) (Stream, error)
}

// Guard admits speaking-start events into capture sessions, holding the
// at-most-one-session-per-user invariant even when sessions end in panic-free
// error paths. Terminal outcomes are reported through the callbacks; the
// Guard itself never touches Discord.
type Guard struct {
	tracker *Tracker
	subs    Subscriber
	stt     Transcriber
	// snapshot supplies the audio config read once at session start, so
	// per-guild overrides apply to the next turn without racing a live one.
	snapshot func() config.Audio

	// OnTranscript receives accepted transcripts. OnError receives service
	// failures; implementations typically post one generic notice. Both may
	// be nil.
	OnTranscript func(userID, transcript string)
	OnError      func(userID string, err error)

	// Archive, when set, saves each accepted capture as a WAV file.
	Archive *Archiver

	pipeline *metrics.Pipeline
	wg       sync.WaitGroup
}

// NewGuard wires the admission tracker to the capture dependencies.
// pipeline may be nil to disable metrics.
func NewGuard(tracker *Tracker, subs Subscriber, stt Transcriber, snapshot func() config.Audio, pipeline *metrics.Pipeline) *Guard {
	return &Guard{
		tracker:  tracker,
		subs:     subs,
		stt:      stt,
		snapshot: snapshot,
		pipeline: pipeline,
	}
}

// HandleSpeakingStart is the entry point for per-user speaking-start events.
// Duplicate events for a user with a live session are ignored; otherwise a
// session goroutine starts, and the tracker slot is released on every exit
// path via a single deferred call.
func (g *Guard) HandleSpeakingStart(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if !g.tracker.TryAcquire(userID) {
		logging.Debugw("speaking start ignored; capture already live", "user_id", userID)
		if g.pipeline != nil {
			g.pipeline.DuplicateSpeakingEvents.Inc()
		}
		return
	}
	logging.Infow("starting capture", "user_id", userID)
	if g.pipeline != nil {
		g.pipeline.CapturesStarted.Inc()
		g.pipeline.ActiveCaptures.Inc()
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.tracker.Release(userID)
			if g.pipeline != nil {
				g.pipeline.ActiveCaptures.Dec()
			}
		}()
		g.runSession(ctx, userID)
	}()
}

func (g *Guard) runSession(ctx context.Context, userID string) {
	stream, err := g.subs.Subscribe(userID)
	if err != nil {
		// No subscription means no speech turn; treat like a transport error.
		logging.Warnw("subscribe failed; dropping turn", "user_id", userID, "err", err)
		if g.pipeline != nil {
			g.pipeline.CapturesRejected.Inc()
		}
		return
	}

	sess := NewSession(userID, g.snapshot(), g.stt)
	res, err := sess.Run(ctx, stream)
	if err != nil {
		logging.Errorw("capture failed",
			"user_id", userID, "correlation_id", sess.CorrelationID(), "err", err)
		if g.pipeline != nil {
			g.pipeline.CapturesFailed.Inc()
		}
		if g.OnError != nil {
			g.OnError(userID, err)
		}
		return
	}

	switch res.State {
	case StateAccepted:
		logging.Infow("capture accepted",
			"user_id", userID, "correlation_id", sess.CorrelationID(),
			"transcript_len", len(res.Transcript))
		if g.pipeline != nil {
			g.pipeline.CapturesAccepted.Inc()
		}
		if g.Archive != nil {
			if path, aerr := g.Archive.Save(userID, sess.CorrelationID(), res.Buffer); aerr != nil {
				logging.Warnw("capture archive failed", "user_id", userID, "err", aerr)
			} else {
				logging.Debugw("capture archived", "user_id", userID, "path", path)
			}
		}
		if g.OnTranscript != nil {
			g.OnTranscript(userID, res.Transcript)
		}
	default:
		// Rejections stay silent toward the user.
		if g.pipeline != nil {
			g.pipeline.CapturesRejected.Inc()
		}
	}
}

// Wait blocks until all in-flight sessions have finished. Used on shutdown.
func (g *Guard) Wait() {
	g.wg.Wait()
}
