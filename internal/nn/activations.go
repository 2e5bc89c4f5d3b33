package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// ReLUCache records which elements passed through.
type ReLUCache struct {
	mask []bool
}

func ReLU(x *tensor.Tensor) (*tensor.Tensor, *ReLUCache, error) {
	if x == nil {
		return nil, nil, errors.New("nn: relu input is nil")
	}

	out, err := tensor.Zeros(x.Shape())
	if err != nil {
		return nil, nil, err
	}

	xData := x.RawData()
	outData := out.RawData()
	mask := make([]bool, len(xData))

	for i, v := range xData {
		if v > 0 {
			outData[i] = v
			mask[i] = true
		}
	}

	return out, &ReLUCache{mask: mask}, nil
}

func ReLUBackward(cache *ReLUCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil || dy == nil {
		return nil, errors.New("nn: relu backward needs a cache and a gradient")
	}

	if dy.ElemCount() != len(cache.mask) {
		return nil, fmt.Errorf("nn: relu backward gradient elements %d, want %d", dy.ElemCount(), len(cache.mask))
	}

	dx, err := tensor.Zeros(dy.Shape())
	if err != nil {
		return nil, err
	}

	dyData := dy.RawData()
	dxData := dx.RawData()

	for i, pass := range cache.mask {
		if pass {
			dxData[i] = dyData[i]
		}
	}

	return dx, nil
}

// TanhCache keeps the activation, whose square gives the derivative.
type TanhCache struct {
	y []float32
}

func Tanh(x *tensor.Tensor) (*tensor.Tensor, *TanhCache, error) {
	if x == nil {
		return nil, nil, errors.New("nn: tanh input is nil")
	}

	out, err := tensor.Zeros(x.Shape())
	if err != nil {
		return nil, nil, err
	}

	xData := x.RawData()
	outData := out.RawData()

	for i, v := range xData {
		outData[i] = float32(math.Tanh(float64(v)))
	}

	return out, &TanhCache{y: outData}, nil
}

func TanhBackward(cache *TanhCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil || dy == nil {
		return nil, errors.New("nn: tanh backward needs a cache and a gradient")
	}

	if dy.ElemCount() != len(cache.y) {
		return nil, fmt.Errorf("nn: tanh backward gradient elements %d, want %d", dy.ElemCount(), len(cache.y))
	}

	dx, err := tensor.Zeros(dy.Shape())
	if err != nil {
		return nil, err
	}

	dyData := dy.RawData()
	dxData := dx.RawData()

	for i, y := range cache.y {
		dxData[i] = dyData[i] * (1 - y*y)
	}

	return dx, nil
}
