package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// DropoutCache keeps the applied mask so backward zeroes the same
// positions.
type DropoutCache struct {
	mask []float32
}

// Dropout zeroes elements with probability p and scales survivors by
// 1/(1-p). With active=false the input is passed through unchanged and
// no cache is produced.
func Dropout(rng *rand.Rand, x *tensor.Tensor, p float64, active bool) (*tensor.Tensor, *DropoutCache, error) {
	if x == nil {
		return nil, nil, errors.New("nn: dropout input is nil")
	}

	if p < 0 || p >= 1 {
		return nil, nil, fmt.Errorf("nn: dropout probability must be in [0, 1), got %g", p)
	}

	if !active || p == 0 {
		return x, nil, nil
	}

	if rng == nil {
		return nil, nil, errors.New("nn: dropout requires a random source when active")
	}

	out, err := tensor.Zeros(x.Shape())
	if err != nil {
		return nil, nil, err
	}

	scale := float32(1.0 / (1.0 - p))
	xData := x.RawData()
	outData := out.RawData()
	mask := make([]float32, len(xData))

	for i := range xData {
		if rng.Float64() < p {
			continue
		}

		mask[i] = scale
		outData[i] = xData[i] * scale
	}

	return out, &DropoutCache{mask: mask}, nil
}

// DropoutBackward returns dy masked the same way as the forward pass.
// A nil cache means the forward was a pass-through.
func DropoutBackward(cache *DropoutCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if dy == nil {
		return nil, errors.New("nn: dropout backward gradient is nil")
	}

	if cache == nil {
		return dy, nil
	}

	if dy.ElemCount() != len(cache.mask) {
		return nil, fmt.Errorf("nn: dropout backward gradient elements %d, want %d", dy.ElemCount(), len(cache.mask))
	}

	dx, err := tensor.Zeros(dy.Shape())
	if err != nil {
		return nil, err
	}

	dyData := dy.RawData()
	dxData := dx.RawData()

	for i := range dyData {
		dxData[i] = dyData[i] * cache.mask[i]
	}

	return dx, nil
}
