package vad

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmSine(samples int, amplitude float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*float64(i)/64))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestEnergyDetector(t *testing.T) {
	d := NewEnergyDetector(0.02)

	loud := Int16ToFloat32(pcmSine(512, 0.5))
	if !d.IsSpeech(loud) {
		t.Fatal("loud frame not flagged as speech")
	}

	quiet := Int16ToFloat32(pcmSine(512, 0.001))
	if d.IsSpeech(quiet) {
		t.Fatal("near-silent frame flagged as speech")
	}

	if d.IsSpeech(nil) {
		t.Fatal("empty frame flagged as speech")
	}
}

func TestInt16ToFloat32(t *testing.T) {
	pcm := make([]byte, 6)
	minSample := int16(-32768)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(minSample))
	binary.LittleEndian.PutUint16(pcm[2:], 0)
	binary.LittleEndian.PutUint16(pcm[4:], uint16(int16(16384)))

	out := Int16ToFloat32(pcm)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0] != -1.0 || out[1] != 0 || out[2] != 0.5 {
		t.Fatalf("samples = %v", out)
	}

	if got := Int16ToFloat32([]byte{0x01}); len(got) != 0 {
		t.Fatalf("odd trailing byte not ignored: %v", got)
	}
}
