// Package vocoder reconstructs waveforms from log mel spectrograms with
// the Griffin-Lim phase estimation algorithm.
package vocoder

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-voicecraft/internal/audio"
	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

const (
	defaultIterations = 60

	// Linear magnitudes recovered through the mel pseudo-inverse can go
	// negative; they are clamped here before phase estimation.
	magnitudeFloor = 1e-10

	// Singular values below this fraction of the largest are treated as
	// zero when inverting the filterbank.
	pinvRCond = 1e-10
)

// GriffinLim converts log mel spectrograms back to audio. The mel
// filterbank is inverted once at construction via its Moore-Penrose
// pseudo-inverse; phase is estimated iteratively.
type GriffinLim struct {
	cfg        config.AudioConfig
	iterations int
	rng        *rand.Rand
	inv        *mat.Dense // [bins, nMels]
}

// New builds a vocoder for the given audio settings. rng seeds the
// initial random phase and must not be nil.
func New(cfg config.AudioConfig, iterations int, rng *rand.Rand) (*GriffinLim, error) {
	if rng == nil {
		return nil, errors.New("vocoder: rng must not be nil")
	}

	if iterations <= 0 {
		iterations = defaultIterations
	}

	// Synthesis inverts the exact filterbank the analysis side uses.
	feat, err := audio.NewFeaturizer(cfg)
	if err != nil {
		return nil, err
	}

	inv, err := pseudoInverse(feat.MelBank())
	if err != nil {
		return nil, fmt.Errorf("vocoder: invert mel filterbank: %w", err)
	}

	return &GriffinLim{
		cfg:        cfg,
		iterations: iterations,
		rng:        rng,
		inv:        inv,
	}, nil
}

// MelToAudio reconstructs a waveform from a [nMels, T] log mel
// spectrogram.
func (g *GriffinLim) MelToAudio(mel *tensor.Tensor) ([]float32, error) {
	if mel == nil || mel.Rank() != 2 {
		return nil, errors.New("vocoder: mel must be a rank-2 tensor")
	}

	nMels := int(mel.Dim(0))
	frames := int(mel.Dim(1))

	if nMels != g.cfg.NMels {
		return nil, fmt.Errorf("vocoder: mel has %d bands, filterbank expects %d", nMels, g.cfg.NMels)
	}

	if frames == 0 {
		return nil, errors.New("vocoder: mel has no frames")
	}

	// Undo the log, then map mel energies back to the linear
	// spectrogram through the pseudo-inverse.
	data := mel.RawData()
	melLin := mat.NewDense(nMels, frames, nil)
	for m := range nMels {
		for t := range frames {
			melLin.Set(m, t, math.Exp(float64(data[m*frames+t])))
		}
	}

	bins := g.cfg.NFFT/2 + 1
	var linear mat.Dense
	linear.Mul(g.inv, melLin)

	// Magnitudes indexed [frame][bin] to match the transform layout.
	magnitudes := make([][]float64, frames)
	for t := range frames {
		magnitudes[t] = make([]float64, bins)
		for k := range bins {
			magnitudes[t][k] = math.Max(magnitudeFloor, linear.At(k, t))
		}
	}

	return g.phaseEstimate(magnitudes)
}

// phaseEstimate runs the Griffin-Lim iteration: start from random
// phase, then alternate inverse and forward transforms, keeping the
// known magnitudes and the re-estimated phase each round.
func (g *GriffinLim) phaseEstimate(magnitudes [][]float64) ([]float32, error) {
	frames := len(magnitudes)
	bins := g.cfg.NFFT/2 + 1

	phRe := make([][]float64, frames)
	phIm := make([][]float64, frames)
	for t := range frames {
		phRe[t] = make([]float64, bins)
		phIm[t] = make([]float64, bins)
		for k := range bins {
			angle := 2 * math.Pi * g.rng.Float64()
			phRe[t][k] = math.Cos(angle)
			phIm[t][k] = math.Sin(angle)
		}
	}

	specRe := make([][]float64, frames)
	specIm := make([][]float64, frames)
	for t := range frames {
		specRe[t] = make([]float64, bins)
		specIm[t] = make([]float64, bins)
	}

	var samples []float32
	for range g.iterations {
		for t := range frames {
			for k := range bins {
				specRe[t][k] = magnitudes[t][k] * phRe[t][k]
				specIm[t][k] = magnitudes[t][k] * phIm[t][k]
			}
		}

		var err error
		samples, err = audio.ISTFT(specRe, specIm, g.cfg.NFFT, g.cfg.HopLength, g.cfg.WinLength, -1)
		if err != nil {
			return nil, fmt.Errorf("vocoder: istft: %w", err)
		}

		re, im, err := audio.STFT(samples, g.cfg.NFFT, g.cfg.HopLength, g.cfg.WinLength)
		if err != nil {
			return nil, fmt.Errorf("vocoder: stft: %w", err)
		}

		for t := range frames {
			if t >= len(re) {
				break
			}
			for k := range bins {
				mag := math.Hypot(re[t][k], im[t][k])
				if mag > 1e-12 {
					phRe[t][k] = re[t][k] / mag
					phIm[t][k] = im[t][k] / mag
				}
			}
		}
	}

	return samples, nil
}

// pseudoInverse computes the Moore-Penrose pseudo-inverse of the
// [nMels][bins] filterbank, returning a [bins, nMels] matrix.
func pseudoInverse(bank [][]float64) (*mat.Dense, error) {
	rows := len(bank)
	if rows == 0 || len(bank[0]) == 0 {
		return nil, errors.New("empty filterbank")
	}
	cols := len(bank[0])

	a := mat.NewDense(rows, cols, nil)
	for i := range rows {
		a.SetRow(i, bank[i])
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("svd factorization failed")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	// A+ = V S+ U^T with small singular values dropped.
	threshold := pinvRCond * values[0]
	sInv := mat.NewDiagDense(len(values), nil)
	for i, s := range values {
		if s > threshold {
			sInv.SetDiag(i, 1/s)
		}
	}

	inv := mat.NewDense(cols, rows, nil)
	var tmp mat.Dense
	tmp.Mul(&v, sInv)
	inv.Mul(&tmp, u.T())

	return inv, nil
}
