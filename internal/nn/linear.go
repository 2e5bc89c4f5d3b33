package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// Linear is a fully connected layer y = x W^T + b with weight shape
// [out, in].
type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]

	GradWeight *tensor.Tensor
	GradBias   *tensor.Tensor

	in, out int
}

// NewLinear initializes weights from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(rng *rand.Rand, in, out int, withBias bool) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("nn: linear dims must be positive, got %d/%d", in, out)
	}

	bound := 1.0 / math.Sqrt(float64(in))

	w, err := tensor.Uniform(rng, []int64{int64(out), int64(in)}, bound)
	if err != nil {
		return nil, err
	}

	l := &Linear{
		Weight:     w,
		GradWeight: tensor.MustZeros([]int64{int64(out), int64(in)}),
		in:         in,
		out:        out,
	}

	if withBias {
		b, err := tensor.Uniform(rng, []int64{int64(out)}, bound)
		if err != nil {
			return nil, err
		}

		l.Bias = b
		l.GradBias = tensor.MustZeros([]int64{int64(out)})
	}

	return l, nil
}

func (l *Linear) Params(prefix string) []Param {
	ps := []Param{{Name: prefix + ".weight", Value: l.Weight, Grad: l.GradWeight}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: prefix + ".bias", Value: l.Bias, Grad: l.GradBias})
	}

	return ps
}

// LinearCache retains the forward input for the backward pass.
type LinearCache struct {
	x *tensor.Tensor
}

// Forward applies the layer to x with shape [..., in]; leading dimensions
// are treated as a flat row batch.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, *LinearCache, error) {
	if l == nil || l.Weight == nil {
		return nil, nil, errors.New("nn: linear is not initialized")
	}

	if x == nil || x.Rank() < 1 {
		return nil, nil, errors.New("nn: linear requires rank >= 1 input")
	}

	xShape := x.Shape()
	if xShape[len(xShape)-1] != int64(l.in) {
		return nil, nil, fmt.Errorf("nn: linear input last dim %d, want %d", xShape[len(xShape)-1], l.in)
	}

	rows := x.ElemCount() / l.in

	outShape := append(xShape[:len(xShape)-1], int64(l.out))
	y, err := tensor.Zeros(outShape)
	if err != nil {
		return nil, nil, err
	}

	xData := x.RawData()
	yData := y.RawData()
	wData := l.Weight.RawData()

	for r := range rows {
		xRow := xData[r*l.in : (r+1)*l.in]
		yRow := yData[r*l.out : (r+1)*l.out]

		for o := range l.out {
			sum := tensor.DotProduct(xRow, wData[o*l.in:(o+1)*l.in])
			if l.Bias != nil {
				sum += l.Bias.RawData()[o]
			}

			yRow[o] = sum
		}
	}

	return y, &LinearCache{x: x}, nil
}

// Backward consumes the cached input, accumulates parameter gradients and
// returns the gradient with respect to the input.
func (l *Linear) Backward(cache *LinearCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil || cache.x == nil {
		return nil, errors.New("nn: linear backward without forward cache")
	}

	x := cache.x

	rows := x.ElemCount() / l.in
	if dy == nil || dy.ElemCount() != rows*l.out {
		return nil, fmt.Errorf("nn: linear backward dy elements %d, want %d", dy.ElemCount(), rows*l.out)
	}

	dx, err := tensor.Zeros(x.Shape())
	if err != nil {
		return nil, err
	}

	xData := x.RawData()
	dxData := dx.RawData()
	dyData := dy.RawData()
	wData := l.Weight.RawData()
	gw := l.GradWeight.RawData()

	for r := range rows {
		xRow := xData[r*l.in : (r+1)*l.in]
		dxRow := dxData[r*l.in : (r+1)*l.in]
		dyRow := dyData[r*l.out : (r+1)*l.out]

		for o := range l.out {
			g := dyRow[o]
			if g == 0 {
				continue
			}

			if l.GradBias != nil {
				l.GradBias.RawData()[o] += g
			}

			wRow := wData[o*l.in : (o+1)*l.in]
			gwRow := gw[o*l.in : (o+1)*l.in]

			for i := range l.in {
				gwRow[i] += g * xRow[i]
				dxRow[i] += g * wRow[i]
			}
		}
	}

	return dx, nil
}

// InDim returns the input feature dimension.
func (l *Linear) InDim() int { return l.in }

// OutDim returns the output feature dimension.
func (l *Linear) OutDim() int { return l.out }
