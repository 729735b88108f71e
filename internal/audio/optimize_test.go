package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcm(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestDownmixToMonoAverages(t *testing.T) {
	// Two stereo frames: (100, 300) and (-200, -400).
	in := pcm(100, 300, -200, -400)
	got := DownmixToMono(in)
	want := pcm(200, -300)
	if !bytes.Equal(got, want) {
		t.Fatalf("downmix = %v, want %v", got, want)
	}
}

func TestDownmixToMonoShortBuffer(t *testing.T) {
	in := pcm(42)
	if got := DownmixToMono(in); !bytes.Equal(got, in) {
		t.Fatalf("short buffer should pass through, got %v", got)
	}
}

func TestApplyNoiseGate(t *testing.T) {
	in := pcm(100, -100, 600, -600)
	got := ApplyNoiseGate(in, 500)
	want := pcm(0, 0, 600, -600)
	if !bytes.Equal(got, want) {
		t.Fatalf("gated = %v, want %v", got, want)
	}
	// Input must be untouched.
	if !bytes.Equal(in, pcm(100, -100, 600, -600)) {
		t.Fatal("noise gate mutated its input")
	}
}

func TestOptimizeStereoPipeline(t *testing.T) {
	// Stereo frames averaging to 50 (gated) and 1000 (kept).
	in := pcm(40, 60, 900, 1100)
	got := Optimize(in, 2, 500)
	want := pcm(0, 1000)
	if !bytes.Equal(got, want) {
		t.Fatalf("optimized = %v, want %v", got, want)
	}
}

func TestBuildWAVHeader(t *testing.T) {
	data := pcm(1, 2, 3, 4)
	wav := BuildWAV(data, 48000, 1, 16)
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF header: %q", wav[:12])
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 48000 {
		t.Fatalf("sample rate in header = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != uint32(len(data)) {
		t.Fatalf("data length in header = %d, want %d", got, len(data))
	}
	if !bytes.Equal(wav[44:], data) {
		t.Fatal("payload mismatch")
	}
}
