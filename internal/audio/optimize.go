package audio

import "encoding/binary"

// Optimize prepares a validated capture buffer for upload: stereo input is
// downmixed to mono (halves the payload) and a noise gate zeroes samples
// below the configured amplitude threshold. A non-positive threshold skips
// the gate.
func Optimize(buf []byte, channels int, noiseGate int) []byte {
	out := buf
	if channels == 2 {
		out = DownmixToMono(out)
	}
	if noiseGate > 0 {
		out = ApplyNoiseGate(out, noiseGate)
	}
	return out
}

// DownmixToMono averages interleaved stereo int16 pairs into a mono buffer.
// Buffers too short to hold a stereo frame are returned unchanged.
func DownmixToMono(buf []byte) []byte {
	if len(buf) < 4 {
		return buf
	}
	frames := len(buf) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(buf[i*4:]))
		right := int16(binary.LittleEndian.Uint16(buf[i*4+2:]))
		mono := int16((int32(left) + int32(right)) / 2)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mono))
	}
	return out
}

// ApplyNoiseGate silences samples whose absolute amplitude is below
// threshold. The input buffer is not modified.
func ApplyNoiseGate(buf []byte, threshold int) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	for i := 0; i+1 < len(out); i += 2 {
		s := int16(binary.LittleEndian.Uint16(out[i:]))
		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		if abs < threshold {
			binary.LittleEndian.PutUint16(out[i:], 0)
		}
	}
	return out
}
