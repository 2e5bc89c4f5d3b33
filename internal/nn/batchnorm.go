package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

const (
	batchNormEps      = 1e-5
	batchNormMomentum = 0.1
)

// BatchNorm1D normalizes per-channel statistics over the batch and time
// axes of a [batch, channels, time] tensor. Running statistics are
// tracked with momentum 0.1 and used in eval mode.
type BatchNorm1D struct {
	Gamma *tensor.Tensor // [channels]
	Beta  *tensor.Tensor // [channels]

	RunningMean *tensor.Tensor // [channels], not trained
	RunningVar  *tensor.Tensor // [channels], not trained

	GradGamma *tensor.Tensor
	GradBeta  *tensor.Tensor

	channels int
}

func NewBatchNorm1D(channels int) (*BatchNorm1D, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("nn: batchnorm channels must be positive, got %d", channels)
	}

	shape := []int64{int64(channels)}

	gamma, err := tensor.Full(shape, 1)
	if err != nil {
		return nil, err
	}

	runVar, err := tensor.Full(shape, 1)
	if err != nil {
		return nil, err
	}

	return &BatchNorm1D{
		Gamma:       gamma,
		Beta:        tensor.MustZeros(shape),
		RunningMean: tensor.MustZeros(shape),
		RunningVar:  runVar,
		GradGamma:   tensor.MustZeros(shape),
		GradBeta:    tensor.MustZeros(shape),
		channels:    channels,
	}, nil
}

// Params includes the running statistics with a nil Grad so they are
// checkpointed but skipped by the optimizer.
func (bn *BatchNorm1D) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", Value: bn.Gamma, Grad: bn.GradGamma},
		{Name: prefix + ".bias", Value: bn.Beta, Grad: bn.GradBeta},
		{Name: prefix + ".running_mean", Value: bn.RunningMean},
		{Name: prefix + ".running_var", Value: bn.RunningVar},
	}
}

// BatchNorm1DCache holds the normalized activations and batch
// statistics needed for backward.
type BatchNorm1DCache struct {
	xHat   []float32 // normalized input, layout of x
	invStd []float64 // per channel
	shape  []int64
}

// Forward normalizes x [batch, channels, time]. In training mode the
// batch statistics are used and the running statistics updated; in eval
// mode the running statistics are used and no cache is produced.
func (bn *BatchNorm1D) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, *BatchNorm1DCache, error) {
	if bn == nil || bn.Gamma == nil {
		return nil, nil, errors.New("nn: batchnorm is not initialized")
	}

	if x == nil || x.Rank() != 3 {
		return nil, nil, fmt.Errorf("nn: batchnorm expects rank-3 input, got %v", x.Shape())
	}

	shape := x.Shape()
	if shape[1] != int64(bn.channels) {
		return nil, nil, fmt.Errorf("nn: batchnorm input channels %d, want %d", shape[1], bn.channels)
	}

	batch := int(shape[0])
	T := int(shape[2])
	n := batch * T

	out, err := tensor.Zeros(shape)
	if err != nil {
		return nil, nil, err
	}

	xData := x.RawData()
	outData := out.RawData()
	gamma := bn.Gamma.RawData()
	beta := bn.Beta.RawData()

	if !training {
		rm := bn.RunningMean.RawData()
		rv := bn.RunningVar.RawData()

		for ch := range bn.channels {
			mean := float64(rm[ch])
			invStd := 1.0 / math.Sqrt(float64(rv[ch])+batchNormEps)
			g := float64(gamma[ch])
			bt := float64(beta[ch])

			for b := range batch {
				base := (b*bn.channels + ch) * T
				for t := range T {
					outData[base+t] = float32((float64(xData[base+t])-mean)*invStd*g + bt)
				}
			}
		}

		return out, nil, nil
	}

	cache := &BatchNorm1DCache{
		xHat:   make([]float32, len(xData)),
		invStd: make([]float64, bn.channels),
		shape:  shape,
	}

	rm := bn.RunningMean.RawData()
	rv := bn.RunningVar.RawData()

	for ch := range bn.channels {
		var sum float64
		for b := range batch {
			base := (b*bn.channels + ch) * T
			for t := range T {
				sum += float64(xData[base+t])
			}
		}
		mean := sum / float64(n)

		var sqSum float64
		for b := range batch {
			base := (b*bn.channels + ch) * T
			for t := range T {
				d := float64(xData[base+t]) - mean
				sqSum += d * d
			}
		}
		variance := sqSum / float64(n)

		invStd := 1.0 / math.Sqrt(variance+batchNormEps)
		cache.invStd[ch] = invStd

		g := float64(gamma[ch])
		bt := float64(beta[ch])

		for b := range batch {
			base := (b*bn.channels + ch) * T
			for t := range T {
				xh := (float64(xData[base+t]) - mean) * invStd
				cache.xHat[base+t] = float32(xh)
				outData[base+t] = float32(xh*g + bt)
			}
		}

		rm[ch] = float32((1-batchNormMomentum)*float64(rm[ch]) + batchNormMomentum*mean)

		// Running variance uses the unbiased estimator.
		unbiased := variance
		if n > 1 {
			unbiased = sqSum / float64(n-1)
		}
		rv[ch] = float32((1-batchNormMomentum)*float64(rv[ch]) + batchNormMomentum*unbiased)
	}

	return out, cache, nil
}

// Backward accumulates gamma/beta gradients and returns the input
// gradient. Only valid after a training-mode forward.
func (bn *BatchNorm1D) Backward(cache *BatchNorm1DCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil {
		return nil, errors.New("nn: batchnorm backward without training forward cache")
	}

	if dy == nil || dy.ElemCount() != len(cache.xHat) {
		return nil, fmt.Errorf("nn: batchnorm backward dy elements, want %d", len(cache.xHat))
	}

	shape := cache.shape
	batch := int(shape[0])
	T := int(shape[2])
	n := float64(batch * T)

	dx, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	dyData := dy.RawData()
	dxData := dx.RawData()
	gamma := bn.Gamma.RawData()
	gGamma := bn.GradGamma.RawData()
	gBeta := bn.GradBeta.RawData()

	for ch := range bn.channels {
		var sumDy, sumDyXHat float64
		for b := range batch {
			base := (b*bn.channels + ch) * T
			for t := range T {
				g := float64(dyData[base+t])
				sumDy += g
				sumDyXHat += g * float64(cache.xHat[base+t])
			}
		}

		gGamma[ch] += float32(sumDyXHat)
		gBeta[ch] += float32(sumDy)

		scale := float64(gamma[ch]) * cache.invStd[ch]

		for b := range batch {
			base := (b*bn.channels + ch) * T
			for t := range T {
				g := float64(dyData[base+t])
				xh := float64(cache.xHat[base+t])
				dxData[base+t] = float32(scale * (g - sumDy/n - xh*sumDyXHat/n))
			}
		}
	}

	return dx, nil
}
