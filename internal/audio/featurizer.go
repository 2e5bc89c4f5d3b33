package audio

import (
	"fmt"
	"math"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// logFloor keeps the log-mel transform away from -Inf on silent bins.
const logFloor = 1e-5

// Featurizer converts raw waveforms into normalized log-mel spectrograms
// under a single spectral configuration.
type Featurizer struct {
	cfg     config.AudioConfig
	melBank [][]float64
}

func NewFeaturizer(cfg config.AudioConfig) (*Featurizer, error) {
	if !isPowerOfTwo(cfg.NFFT) {
		return nil, fmt.Errorf("audio: n_fft must be a power of two, got %d", cfg.NFFT)
	}

	if cfg.NMels <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid featurizer config (n_mels=%d, sample_rate=%d)", cfg.NMels, cfg.SampleRate)
	}

	return &Featurizer{
		cfg:     cfg,
		melBank: MelFilterbank(cfg.NMels, cfg.NFFT, cfg.SampleRate, cfg.MelFmin, cfg.MelFmax),
	}, nil
}

// MelBank exposes the filterbank for the vocoder's pseudo-inverse.
func (f *Featurizer) MelBank() [][]float64 {
	return f.melBank
}

func (f *Featurizer) Config() config.AudioConfig {
	return f.cfg
}

// LoadAudio decodes a file, downmixes to mono and resamples to the
// configured rate.
func (f *Featurizer) LoadAudio(path string) ([]float32, error) {
	samples, rate, err := DecodeWAVFile(path)
	if err != nil {
		return nil, err
	}

	if rate != f.cfg.SampleRate {
		samples = Resample(samples, rate, f.cfg.SampleRate)
	}

	return samples, nil
}

// MelSpectrogram computes the floored log magnitude mel spectrogram,
// shaped [n_mels, T].
func (f *Featurizer) MelSpectrogram(samples []float32) (*tensor.Tensor, error) {
	re, im, err := STFT(samples, f.cfg.NFFT, f.cfg.HopLength, f.cfg.WinLength)
	if err != nil {
		return nil, err
	}

	nFrames := len(re)
	bins := f.cfg.NFFT/2 + 1
	nMels := f.cfg.NMels

	out, err := tensor.Zeros([]int64{int64(nMels), int64(nFrames)})
	if err != nil {
		return nil, err
	}

	data := out.RawData()
	mag := make([]float64, bins)

	for t := range nFrames {
		for k := range bins {
			mag[k] = math.Hypot(re[t][k], im[t][k])
		}

		for m := range nMels {
			var sum float64
			for k, w := range f.melBank[m] {
				sum += w * mag[k]
			}

			if sum < logFloor {
				sum = logFloor
			}

			data[m*nFrames+t] = float32(math.Log(sum))
		}
	}

	return out, nil
}

// NormalizeMel standardizes the spectrogram against its own mean and
// standard deviation. This is per-utterance normalization, not corpus
// statistics.
func (f *Featurizer) NormalizeMel(mel *tensor.Tensor) *tensor.Tensor {
	out := mel.Clone()
	data := out.RawData()

	if len(data) == 0 {
		return out
	}

	var mean float64
	for _, v := range data {
		mean += float64(v)
	}

	mean /= float64(len(data))

	var variance float64
	for _, v := range data {
		d := float64(v) - mean
		variance += d * d
	}

	variance /= float64(len(data))

	inv := 1.0 / (math.Sqrt(variance) + 1e-8)
	for i, v := range data {
		data[i] = float32((float64(v) - mean) * inv)
	}

	return out
}
