package audio

import (
	"encoding/binary"
	"math"
)

// Analysis helpers for raw PCM16LE blocks as produced by the opus decoder.
// Blocks are treated as flat little-endian int16 sample arrays regardless of
// channel count; odd trailing bytes are ignored.

// RMS returns the root-mean-square amplitude of a PCM16LE block. Returns 0
// for an empty block.
func RMS(block []byte) float64 {
	samples := len(block) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(block); i += 2 {
		s := int16(binary.LittleEndian.Uint16(block[i:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(samples))
}

// DurationMs estimates the duration of a block in milliseconds at the given
// sample rate. Interleaved multi-channel audio is counted as flat samples, so
// the caller is responsible for any per-channel correction.
func DurationMs(block []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(block)/2) / (float64(sampleRate) / 1000)
}

// TrimLeadingSilence drops low-energy blocks preceding the first block whose
// RMS exceeds threshold, keeping 2 blocks of pre-roll so the first syllable
// is not clipped. When no block exceeds the threshold the input is returned
// unchanged; deciding whether such audio is worth keeping is the validator's
// job, not the trimmer's.
func TrimLeadingSilence(blocks [][]byte, threshold float64) [][]byte {
	start := 0
	for i, b := range blocks {
		if RMS(b) > threshold {
			start = i
			break
		}
	}
	if start > 2 {
		return blocks[start-2:]
	}
	return blocks
}

// Summary aggregates capture statistics for diagnostic logging.
type Summary struct {
	Count               int
	TotalBytes          int
	AverageRMS          float64
	PeakRMS             float64
	EstimatedDurationMs float64
}

// Summarize computes aggregate statistics over a block sequence. An empty
// sequence yields the zero Summary.
func Summarize(blocks [][]byte, sampleRate int) Summary {
	if len(blocks) == 0 {
		return Summary{}
	}
	var s Summary
	s.Count = len(blocks)
	var totalRMS float64
	for _, b := range blocks {
		s.TotalBytes += len(b)
		r := RMS(b)
		totalRMS += r
		if r > s.PeakRMS {
			s.PeakRMS = r
		}
	}
	s.AverageRMS = totalRMS / float64(len(blocks))
	if sampleRate > 0 {
		s.EstimatedDurationMs = float64(s.TotalBytes/2) / (float64(sampleRate) / 1000)
	}
	return s
}

// Concat joins a block sequence into one contiguous buffer.
func Concat(blocks [][]byte) []byte {
	total := 0
	for _, b := range blocks {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}
