package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// Conv1D is a stride-1 one-dimensional convolution with same padding for
// odd kernels. Kernel shape is [out, in, k].
type Conv1D struct {
	Kernel *tensor.Tensor // [out, in, k]
	Bias   *tensor.Tensor // [out]

	GradKernel *tensor.Tensor
	GradBias   *tensor.Tensor

	inCh, outCh, k, pad int
}

// NewConv1D initializes the kernel from U(-1/sqrt(in*k), 1/sqrt(in*k)).
func NewConv1D(rng *rand.Rand, inCh, outCh, k int) (*Conv1D, error) {
	if inCh <= 0 || outCh <= 0 || k <= 0 {
		return nil, fmt.Errorf("nn: conv1d dims must be positive, got %d/%d/%d", inCh, outCh, k)
	}

	if k%2 == 0 {
		return nil, fmt.Errorf("nn: conv1d kernel size must be odd for same padding, got %d", k)
	}

	bound := 1.0 / math.Sqrt(float64(inCh*k))

	w, err := tensor.Uniform(rng, []int64{int64(outCh), int64(inCh), int64(k)}, bound)
	if err != nil {
		return nil, err
	}

	b, err := tensor.Uniform(rng, []int64{int64(outCh)}, bound)
	if err != nil {
		return nil, err
	}

	return &Conv1D{
		Kernel:     w,
		Bias:       b,
		GradKernel: tensor.MustZeros([]int64{int64(outCh), int64(inCh), int64(k)}),
		GradBias:   tensor.MustZeros([]int64{int64(outCh)}),
		inCh:       inCh,
		outCh:      outCh,
		k:          k,
		pad:        (k - 1) / 2,
	}, nil
}

func (c *Conv1D) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", Value: c.Kernel, Grad: c.GradKernel},
		{Name: prefix + ".bias", Value: c.Bias, Grad: c.GradBias},
	}
}

// Conv1DCache retains the forward input for backward.
type Conv1DCache struct {
	x *tensor.Tensor
}

// Forward applies the convolution to x [batch, in, time] producing
// [batch, out, time].
func (c *Conv1D) Forward(x *tensor.Tensor) (*tensor.Tensor, *Conv1DCache, error) {
	if c == nil || c.Kernel == nil {
		return nil, nil, errors.New("nn: conv1d is not initialized")
	}

	if x == nil || x.Rank() != 3 {
		return nil, nil, fmt.Errorf("nn: conv1d expects rank-3 input, got %v", x.Shape())
	}

	shape := x.Shape()
	if shape[1] != int64(c.inCh) {
		return nil, nil, fmt.Errorf("nn: conv1d input channels %d, want %d", shape[1], c.inCh)
	}

	batch := int(shape[0])
	T := int(shape[2])

	out, err := tensor.Zeros([]int64{int64(batch), int64(c.outCh), int64(T)})
	if err != nil {
		return nil, nil, err
	}

	xData := x.RawData()
	outData := out.RawData()
	kData := c.Kernel.RawData()
	bData := c.Bias.RawData()

	for b := range batch {
		for o := range c.outCh {
			outRow := outData[(b*c.outCh+o)*T : (b*c.outCh+o+1)*T]

			for t := range T {
				sum := bData[o]

				for ic := range c.inCh {
					xRow := xData[(b*c.inCh+ic)*T : (b*c.inCh+ic+1)*T]
					kRow := kData[(o*c.inCh+ic)*c.k : (o*c.inCh+ic+1)*c.k]

					for kx := range c.k {
						pos := t + kx - c.pad
						if pos < 0 || pos >= T {
							continue
						}

						sum += xRow[pos] * kRow[kx]
					}
				}

				outRow[t] = sum
			}
		}
	}

	return out, &Conv1DCache{x: x}, nil
}

// Backward accumulates kernel/bias gradients and returns the input
// gradient.
func (c *Conv1D) Backward(cache *Conv1DCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil || cache.x == nil {
		return nil, errors.New("nn: conv1d backward without forward cache")
	}

	x := cache.x
	shape := x.Shape()
	batch := int(shape[0])
	T := int(shape[2])

	if dy == nil || dy.ElemCount() != batch*c.outCh*T {
		return nil, fmt.Errorf("nn: conv1d backward dy elements %d, want %d", dy.ElemCount(), batch*c.outCh*T)
	}

	dx, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	xData := x.RawData()
	dxData := dx.RawData()
	dyData := dy.RawData()
	kData := c.Kernel.RawData()
	gk := c.GradKernel.RawData()
	gb := c.GradBias.RawData()

	for b := range batch {
		for o := range c.outCh {
			dyRow := dyData[(b*c.outCh+o)*T : (b*c.outCh+o+1)*T]

			for t := range T {
				g := dyRow[t]
				if g == 0 {
					continue
				}

				gb[o] += g

				for ic := range c.inCh {
					xRow := xData[(b*c.inCh+ic)*T : (b*c.inCh+ic+1)*T]
					dxRow := dxData[(b*c.inCh+ic)*T : (b*c.inCh+ic+1)*T]
					kRow := kData[(o*c.inCh+ic)*c.k : (o*c.inCh+ic+1)*c.k]
					gkRow := gk[(o*c.inCh+ic)*c.k : (o*c.inCh+ic+1)*c.k]

					for kx := range c.k {
						pos := t + kx - c.pad
						if pos < 0 || pos >= T {
							continue
						}

						gkRow[kx] += g * xRow[pos]
						dxRow[pos] += g * kRow[kx]
					}
				}
			}
		}
	}

	return dx, nil
}
