package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/discord-voice-copilot/internal/config"
)

func captureConfig() config.Audio {
	return config.Audio{
		SampleRate:      48000,
		Channels:        2,
		MinDuration:     800,
		MinVolume:       500,
		BufferThreshold: 5000,
		SilenceDuration: 1500,
		MaxCapture:      120000,
	}
}

// fakeStream replays scripted items and reports whether it was closed.
type fakeStream struct {
	items  []item
	pos    int
	closed bool
}

func (f *fakeStream) Next(ctx context.Context) ([]byte, error) {
	if f.pos >= len(f.items) {
		return nil, io.EOF
	}
	it := f.items[f.pos]
	f.pos++
	return it.block, it.err
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// fakeTranscriber records calls and returns a scripted transcript or error.
type fakeTranscriber struct {
	calls      int
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	f.calls++
	return f.transcript, f.err
}

// loudBlocks returns enough loud audio to pass every validator check: one
// second of a 2000-amplitude sine at 48 kHz.
func loudBlocks() []item {
	var items []item
	for c := 0; c < 50; c++ {
		b := make([]byte, 960*2*2)
		for i := 0; i < 960*2; i++ {
			s := int16(2000 * math.Sin(2*math.Pi*float64(i)/32))
			binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
		}
		items = append(items, item{block: b})
	}
	return items
}

// delayedStream waits before reporting EOF so elapsed time passes the
// minimum speech duration.
type delayedStream struct {
	fakeStream
	delay time.Duration
}

func (d *delayedStream) Next(ctx context.Context) ([]byte, error) {
	if d.pos >= len(d.items) {
		time.Sleep(d.delay)
		return nil, io.EOF
	}
	return d.fakeStream.Next(ctx)
}

func TestSessionZeroBlocksRejectsWithoutTranscription(t *testing.T) {
	stt := &fakeTranscriber{transcript: "should not be used"}
	s := NewSession("u1", captureConfig(), stt)
	res, err := s.Run(context.Background(), &fakeStream{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("state = %v, want rejected", res.State)
	}
	if stt.calls != 0 {
		t.Fatalf("transcriber called %d times for empty capture", stt.calls)
	}
}

func TestSessionTransportErrorRejectsSilently(t *testing.T) {
	stt := &fakeTranscriber{}
	stream := &fakeStream{items: []item{{err: errors.New("udp reset")}}}
	s := NewSession("u1", captureConfig(), stt)
	res, err := s.Run(context.Background(), stream)
	if err != nil {
		t.Fatalf("transport errors must not propagate, got %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("state = %v, want rejected", res.State)
	}
	if !stream.closed {
		t.Fatal("stream not closed on transport error path")
	}
	if stt.calls != 0 {
		t.Fatal("transcriber called after transport error")
	}
}

func TestSessionAcceptsTranscript(t *testing.T) {
	stt := &fakeTranscriber{transcript: "  hello there  "}
	stream := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	s := NewSession("u1", captureConfig(), stt)
	res, err := s.Run(context.Background(), stream)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateAccepted {
		t.Fatalf("state = %v (reason %q), want accepted", res.State, res.Reason)
	}
	if res.Transcript != "hello there" {
		t.Fatalf("transcript = %q", res.Transcript)
	}
	if !stream.closed {
		t.Fatal("stream not closed after accept")
	}
}

func TestSessionShortTranscriptRejected(t *testing.T) {
	stt := &fakeTranscriber{transcript: " ok "}
	stream := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	s := NewSession("u1", captureConfig(), stt)
	res, err := s.Run(context.Background(), stream)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("state = %v, want rejected for 2-char transcript", res.State)
	}
}

func TestSessionTranscriberErrorPropagates(t *testing.T) {
	wantErr := errors.New("stt unavailable")
	stt := &fakeTranscriber{err: wantErr}
	stream := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	s := NewSession("u1", captureConfig(), stt)
	res, err := s.Run(context.Background(), stream)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	if !stream.closed {
		t.Fatal("stream not closed on failure path")
	}
}

func TestSessionQualityRejection(t *testing.T) {
	// Plenty of bytes and elapsed time, but silent audio.
	var items []item
	for c := 0; c < 50; c++ {
		items = append(items, item{block: make([]byte, 960*2*2)})
	}
	stt := &fakeTranscriber{}
	stream := &delayedStream{fakeStream: fakeStream{items: items}, delay: 850 * time.Millisecond}
	s := NewSession("u1", captureConfig(), stt)
	res, err := s.Run(context.Background(), stream)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("state = %v, want rejected", res.State)
	}
	if stt.calls != 0 {
		t.Fatal("transcriber called for rejected audio")
	}
}

// neverEndingStream produces blocks forever; only the max-capture cap can
// finish the session.
type neverEndingStream struct {
	fakeStream
	block []byte
}

func (n *neverEndingStream) Next(ctx context.Context) ([]byte, error) {
	time.Sleep(time.Millisecond)
	return n.block, nil
}

func TestSessionMaxCaptureCap(t *testing.T) {
	cfg := captureConfig()
	cfg.MinDuration = 10
	cfg.BufferThreshold = 10
	cfg.MaxCapture = 50

	block := make([]byte, 960*2*2)
	for i := 0; i < 960*2; i++ {
		binary.LittleEndian.PutUint16(block[i*2:], uint16(int16(2000*math.Sin(2*math.Pi*float64(i)/32))))
	}

	stt := &fakeTranscriber{transcript: "capped but fine"}
	s := NewSession("u1", cfg, stt)
	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		res, err = s.Run(context.Background(), &neverEndingStream{block: block})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finalize under max-capture cap")
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateAccepted {
		t.Fatalf("state = %v (reason %q), want accepted", res.State, res.Reason)
	}
}
