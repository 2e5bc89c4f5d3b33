package model

import (
	"fmt"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// transposeLast2 swaps the last two axes of a rank-3 tensor, converting
// between [batch, time, channels] and [batch, channels, time] layouts.
func transposeLast2(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 3 {
		return nil, fmt.Errorf("model: transpose expects a rank-3 tensor, got %v", x.Shape())
	}

	shape := x.Shape()
	batch, a, b := int(shape[0]), int(shape[1]), int(shape[2])

	out, err := tensor.Zeros([]int64{int64(batch), int64(b), int64(a)})
	if err != nil {
		return nil, err
	}

	xData := x.RawData()
	outData := out.RawData()

	for n := range batch {
		for i := range a {
			for j := range b {
				outData[(n*b+j)*a+i] = xData[(n*a+i)*b+j]
			}
		}
	}

	return out, nil
}
