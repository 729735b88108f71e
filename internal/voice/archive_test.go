package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestArchiverWAVLayout(t *testing.T) {
	dir := t.TempDir()
	cfg := captureConfig()
	a := NewArchiver(dir, cfg)
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	path, err := a.Save("u1", "cap1", pcm)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := filepath.Base(path); got != "20260304-050607-u1-cap1.wav" {
		t.Fatalf("file name = %s", got)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(b) != 44+len(pcm) {
		t.Fatalf("archive size = %d, want %d", len(b), 44+len(pcm))
	}
	if string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers: % x", b[:12])
	}
	if got := binary.LittleEndian.Uint16(b[22:]); got != uint16(cfg.Channels) {
		t.Fatalf("channels = %d, want %d", got, cfg.Channels)
	}
	if got := binary.LittleEndian.Uint32(b[24:]); got != uint32(cfg.SampleRate) {
		t.Fatalf("sample rate = %d, want %d", got, cfg.SampleRate)
	}
	if got := binary.LittleEndian.Uint32(b[40:]); got != uint32(len(pcm)) {
		t.Fatalf("data length = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(b[44:], pcm) {
		t.Fatal("payload does not match the capture")
	}
}

func TestGuardArchivesAcceptedCapture(t *testing.T) {
	dir := t.TempDir()
	stream := &delayedStream{fakeStream: fakeStream{items: loudBlocks()}, delay: 850 * time.Millisecond}
	subs := &fakeSubscriber{streams: []Stream{stream}}
	g, _ := newTestGuard(subs, &fakeTranscriber{transcript: "check the build logs"})
	g.Archive = NewArchiver(dir, captureConfig())

	forwarded := make(chan struct{}, 1)
	g.OnTranscript = func(string, string) { forwarded <- struct{}{} }

	g.HandleSpeakingStart(context.Background(), "u1")
	select {
	case <-forwarded:
	case <-time.After(5 * time.Second):
		t.Fatal("transcript never forwarded")
	}
	g.Wait()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archived files = %d, want 1", len(entries))
	}
	b, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(b) <= 44 || string(b[:4]) != "RIFF" {
		t.Fatalf("archive is not a WAV file (%d bytes)", len(b))
	}
}

func TestGuardSkipsArchiveOnRejection(t *testing.T) {
	dir := t.TempDir()
	g, _ := newTestGuard(&fakeSubscriber{}, &fakeTranscriber{})
	g.Archive = NewArchiver(dir, captureConfig())

	g.HandleSpeakingStart(context.Background(), "u1")
	g.Wait()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected capture was archived: %v", entries)
	}
}
