package vad

import "math"

// FrameBytes is the chunk size the detector consumes, 512 16-bit samples.
const FrameBytes = 1024

// Detector reports whether a frame of normalized samples contains speech.
type Detector interface {
	IsSpeech(frame []float32) bool
}

// EnergyDetector flags frames whose RMS energy crosses a fixed threshold.
// Good enough to gate barge-in; not a transcription-grade VAD.
type EnergyDetector struct {
	Threshold float64
}

func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = 0.02
	}
	return &EnergyDetector{Threshold: threshold}
}

func (d *EnergyDetector) IsSpeech(frame []float32) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return rms >= d.Threshold
}

// Int16ToFloat32 converts little-endian PCM16 bytes to samples in [-1, 1).
// A trailing odd byte is ignored.
func Int16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(s) / 32768.0
	}
	return out
}
