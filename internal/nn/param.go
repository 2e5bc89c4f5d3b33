// Package nn provides the neural layers the sequence model is composed
// of. Every layer carries its own parameters and gradient accumulators
// and exposes an explicit Forward/Backward pair with analytic gradients;
// there is no hidden tape. Caches produced by Forward are consumed by the
// matching Backward call, so the same layer can be applied at many
// timesteps of an autoregressive loop.
package nn

import (
	"math"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// Param is one named tensor of model state. Trainable parameters carry a
// gradient accumulator; buffers (batch-norm running statistics) have a
// nil Grad and are skipped by the optimizer but still checkpointed.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func (p Param) Trainable() bool {
	return p.Grad != nil
}

// ZeroGrads resets every gradient accumulator in place.
func ZeroGrads(params []Param) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// GradNorm returns the global L2 norm over all trainable gradients.
func GradNorm(params []Param) float64 {
	var sum float64
	for _, p := range params {
		if p.Grad != nil {
			sum += p.Grad.SumSquares()
		}
	}

	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their global norm does not
// exceed maxNorm, and returns the pre-clip norm.
func ClipGradNorm(params []Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Scale(scale)
		}
	}

	return norm
}
