package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/metrics"
)

func guardConfig() func() config.Audio {
	cfg := captureConfig()
	return func() config.Audio { return cfg }
}

// blockingStream stays open until released, then reports EOF.
type blockingStream struct {
	release chan struct{}
	once    sync.Once
}

func newBlockingStream() *blockingStream {
	return &blockingStream{release: make(chan struct{})}
}

func (b *blockingStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return nil, io.EOF
	}
}

func (b *blockingStream) Close() error { return nil }

func (b *blockingStream) finish() { b.once.Do(func() { close(b.release) }) }

// fakeSubscriber counts Subscribe calls and hands out scripted streams.
type fakeSubscriber struct {
	mu      sync.Mutex
	calls   int
	streams []Stream
	err     error
}

func (f *fakeSubscriber) Subscribe(userID string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.streams) == 0 {
		return &fakeStream{}, nil
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeSubscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestGuard(subs Subscriber, stt Transcriber) (*Guard, *Tracker) {
	tracker := NewTracker()
	pipeline := metrics.NewPipeline(prometheus.NewRegistry())
	return NewGuard(tracker, subs, stt, guardConfig(), pipeline), tracker
}

func TestTrackerMutualExclusion(t *testing.T) {
	tr := NewTracker()
	if !tr.TryAcquire("u1") {
		t.Fatal("first acquire refused")
	}
	if tr.TryAcquire("u1") {
		t.Fatal("second acquire for same user succeeded")
	}
	if !tr.TryAcquire("u2") {
		t.Fatal("unrelated user refused")
	}
	tr.Release("u1")
	if !tr.TryAcquire("u1") {
		t.Fatal("acquire after release refused")
	}
	tr.Release("missing") // no-op
}

func TestGuardDuplicateSpeakingStartIsNoOp(t *testing.T) {
	stream := newBlockingStream()
	subs := &fakeSubscriber{streams: []Stream{stream}}
	g, tracker := newTestGuard(subs, &fakeTranscriber{})

	g.HandleSpeakingStart(context.Background(), "u1")
	// Wait for the session goroutine to actually subscribe.
	waitFor(t, func() bool { return subs.callCount() == 1 })

	g.HandleSpeakingStart(context.Background(), "u1")
	g.HandleSpeakingStart(context.Background(), "u1")
	if got := subs.callCount(); got != 1 {
		t.Fatalf("duplicate speaking-start opened %d subscriptions, want 1", got)
	}

	stream.finish()
	g.Wait()
	if tracker.Active("u1") {
		t.Fatal("tracker still holds u1 after session end")
	}
}

func TestGuardReleasesOnAllOutcomes(t *testing.T) {
	cases := []struct {
		name string
		subs *fakeSubscriber
		stt  *fakeTranscriber
	}{
		{"rejected empty capture", &fakeSubscriber{}, &fakeTranscriber{}},
		{"subscribe failure", &fakeSubscriber{err: errors.New("not connected")}, &fakeTranscriber{}},
		{
			"transport error",
			&fakeSubscriber{streams: []Stream{&fakeStream{items: []item{{err: errors.New("stream broken")}}}}},
			&fakeTranscriber{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, tracker := newTestGuard(tc.subs, tc.stt)
			g.HandleSpeakingStart(context.Background(), "u1")
			g.Wait()
			if tracker.Active("u1") {
				t.Fatal("tracker slot leaked")
			}
			// A new speaking-start must admit a fresh session.
			g.HandleSpeakingStart(context.Background(), "u1")
			g.Wait()
			if tracker.Active("u1") {
				t.Fatal("tracker slot leaked on second run")
			}
		})
	}
}

func TestGuardServiceFailureReportsAndReleases(t *testing.T) {
	wantErr := errors.New("stt down")
	stream := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	subs := &fakeSubscriber{streams: []Stream{stream}}
	g, tracker := newTestGuard(subs, &fakeTranscriber{err: wantErr})

	var gotUser string
	var gotErr error
	var transcripts int32
	done := make(chan struct{})
	g.OnError = func(userID string, err error) {
		gotUser, gotErr = userID, err
		close(done)
	}
	g.OnTranscript = func(string, string) { atomic.AddInt32(&transcripts, 1) }

	g.HandleSpeakingStart(context.Background(), "u1")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnError never called")
	}
	g.Wait()

	if gotUser != "u1" || !errors.Is(gotErr, wantErr) {
		t.Fatalf("OnError(%q, %v), want u1 / %v", gotUser, gotErr, wantErr)
	}
	if tracker.Active("u1") {
		t.Fatal("tracker slot leaked after service failure")
	}
	if atomic.LoadInt32(&transcripts) != 0 {
		t.Fatal("transcript forwarded despite failure")
	}
}

func TestGuardForwardsAcceptedTranscript(t *testing.T) {
	stream := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	subs := &fakeSubscriber{streams: []Stream{stream}}
	g, _ := newTestGuard(subs, &fakeTranscriber{transcript: "turn it off and on again"})

	got := make(chan string, 1)
	g.OnTranscript = func(userID, transcript string) { got <- userID + "|" + transcript }

	g.HandleSpeakingStart(context.Background(), "u1")
	select {
	case v := <-got:
		if v != "u1|turn it off and on again" {
			t.Fatalf("unexpected forward: %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transcript never forwarded")
	}
	g.Wait()
}

func TestGuardIsolatesConcurrentUsers(t *testing.T) {
	s1 := newBlockingStream()
	stream2 := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	subs := &orderedSubscriber{streams: map[string]Stream{"u1": s1, "u2": stream2}}
	g, tracker := newTestGuard(subs, &fakeTranscriber{err: errors.New("stt down")})

	errs := make(chan string, 2)
	g.OnError = func(userID string, err error) { errs <- userID }

	g.HandleSpeakingStart(context.Background(), "u1")
	g.HandleSpeakingStart(context.Background(), "u2")

	// u2's failure must arrive while u1 is still mid-capture.
	select {
	case uid := <-errs:
		if uid != "u2" {
			t.Fatalf("unexpected failing user %q", uid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("u2 failure never reported")
	}
	if !tracker.Active("u1") {
		t.Fatal("u1 session ended prematurely")
	}

	s1.finish()
	g.Wait()
	if tracker.Len() != 0 {
		t.Fatalf("tracker not empty after shutdown: %d", tracker.Len())
	}
}

type orderedSubscriber struct {
	mu      sync.Mutex
	streams map[string]Stream
}

func (o *orderedSubscriber) Subscribe(userID string) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.streams[userID]
	if !ok {
		return &fakeStream{}, nil
	}
	return s, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
