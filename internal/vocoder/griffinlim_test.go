package vocoder

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-voicecraft/internal/audio"
	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		SampleRate: 8000,
		NFFT:       256,
		HopLength:  64,
		WinLength:  256,
		NMels:      40,
		MelFmin:    0,
		MelFmax:    4000,
	}
}

func sine(freq float64, sampleRate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// goertzel returns the power of a single frequency component.
func goertzel(samples []float32, freq float64, sampleRate int) float64 {
	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func TestNewRejectsNilRand(t *testing.T) {
	if _, err := New(testAudioConfig(), 10, nil); err == nil {
		t.Fatal("expected error for nil rng")
	}
}

func TestMelToAudioRecoversTone(t *testing.T) {
	cfg := testAudioConfig()

	feat, err := audio.NewFeaturizer(cfg)
	if err != nil {
		t.Fatalf("NewFeaturizer: %v", err)
	}

	const freq = 500.0
	original := sine(freq, cfg.SampleRate, 4096)

	mel, err := feat.MelSpectrogram(original)
	if err != nil {
		t.Fatalf("MelSpectrogram: %v", err)
	}

	gl, err := New(cfg, 30, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := gl.MelToAudio(mel)
	if err != nil {
		t.Fatalf("MelToAudio: %v", err)
	}

	if len(out) < 3000 {
		t.Fatalf("reconstruction has %d samples, want at least 3000", len(out))
	}

	// The tone should dominate a band well away from it.
	atTone := goertzel(out, freq, cfg.SampleRate)
	offTone := goertzel(out, 4*freq, cfg.SampleRate)
	if atTone < 10*offTone {
		t.Fatalf("tone power %g not dominant over %g", atTone, offTone)
	}
}

func TestMelToAudioRejectsBadInput(t *testing.T) {
	gl, err := New(testAudioConfig(), 5, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := gl.MelToAudio(nil); err == nil {
		t.Fatal("expected error for nil mel")
	}

	wrongBands := tensor.MustZeros([]int64{3, 10})
	if _, err := gl.MelToAudio(wrongBands); err == nil {
		t.Fatal("expected error for wrong band count")
	}

	empty := tensor.MustZeros([]int64{40, 0})
	if _, err := gl.MelToAudio(empty); err == nil {
		t.Fatal("expected error for empty mel")
	}
}
