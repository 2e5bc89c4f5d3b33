package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// MSELoss returns the mean squared error over all elements and the
// gradient with respect to the prediction.
func MSELoss(pred, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if pred == nil || target == nil {
		return 0, nil, errors.New("nn: mse loss inputs are nil")
	}

	if !tensor.SameShape(pred.Shape(), target.Shape()) {
		return 0, nil, fmt.Errorf("nn: mse loss shape mismatch %v vs %v", pred.Shape(), target.Shape())
	}

	grad, err := tensor.Zeros(pred.Shape())
	if err != nil {
		return 0, nil, err
	}

	p := pred.RawData()
	t := target.RawData()
	g := grad.RawData()
	n := float64(len(p))

	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(t[i])
		sum += d * d
		g[i] = float32(2 * d / n)
	}

	return sum / n, grad, nil
}

// BCEWithLogitsLoss returns the mean binary cross-entropy computed from
// logits and the gradient with respect to the logits. Targets are
// expected in [0, 1].
func BCEWithLogitsLoss(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if logits == nil || target == nil {
		return 0, nil, errors.New("nn: bce loss inputs are nil")
	}

	if !tensor.SameShape(logits.Shape(), target.Shape()) {
		return 0, nil, fmt.Errorf("nn: bce loss shape mismatch %v vs %v", logits.Shape(), target.Shape())
	}

	grad, err := tensor.Zeros(logits.Shape())
	if err != nil {
		return 0, nil, err
	}

	z := logits.RawData()
	y := target.RawData()
	g := grad.RawData()
	n := float64(len(z))

	var sum float64
	for i := range z {
		zi := float64(z[i])
		yi := float64(y[i])

		// max(z, 0) - z*y + log(1 + exp(-|z|)) avoids overflow for
		// either sign of z.
		sum += math.Max(zi, 0) - zi*yi + math.Log1p(math.Exp(-math.Abs(zi)))

		sig := 1.0 / (1.0 + math.Exp(-zi))
		g[i] = float32((sig - yi) / n)
	}

	return sum / n, grad, nil
}
