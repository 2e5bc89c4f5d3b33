package model

import (
	"errors"
	"math/rand"

	"github.com/example/go-voicecraft/internal/nn"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

const prenetDropoutP = 0.5

// Prenet is the two-layer bottleneck in front of the decoder. Its
// dropout stays active at inference time; that stochasticity is part of
// the model, not a training artifact.
type Prenet struct {
	L1 *nn.Linear
	L2 *nn.Linear
}

func NewPrenet(rng *rand.Rand, inDim, hiddenDim int) (*Prenet, error) {
	l1, err := nn.NewLinear(rng, inDim, hiddenDim, false)
	if err != nil {
		return nil, err
	}

	l2, err := nn.NewLinear(rng, hiddenDim, hiddenDim, false)
	if err != nil {
		return nil, err
	}

	return &Prenet{L1: l1, L2: l2}, nil
}

func (p *Prenet) Params(prefix string) []nn.Param {
	params := p.L1.Params(prefix + ".layers.0")
	return append(params, p.L2.Params(prefix+".layers.1")...)
}

// PrenetCache carries the per-layer caches for backward.
type PrenetCache struct {
	l1    *nn.LinearCache
	relu1 *nn.ReLUCache
	drop1 *nn.DropoutCache
	l2    *nn.LinearCache
	relu2 *nn.ReLUCache
	drop2 *nn.DropoutCache
}

// Forward maps x [batch, inDim] to [batch, hiddenDim]. rng must be
// non-nil; dropout is applied unconditionally.
func (p *Prenet) Forward(rng *rand.Rand, x *tensor.Tensor) (*tensor.Tensor, *PrenetCache, error) {
	if rng == nil {
		return nil, nil, errors.New("model: prenet requires a random source")
	}

	cache := &PrenetCache{}

	h, l1Cache, err := p.L1.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	cache.l1 = l1Cache

	h, cache.relu1, err = nn.ReLU(h)
	if err != nil {
		return nil, nil, err
	}

	h, cache.drop1, err = nn.Dropout(rng, h, prenetDropoutP, true)
	if err != nil {
		return nil, nil, err
	}

	h, cache.l2, err = p.L2.Forward(h)
	if err != nil {
		return nil, nil, err
	}

	h, cache.relu2, err = nn.ReLU(h)
	if err != nil {
		return nil, nil, err
	}

	h, cache.drop2, err = nn.Dropout(rng, h, prenetDropoutP, true)
	if err != nil {
		return nil, nil, err
	}

	return h, cache, nil
}

// Backward accumulates layer gradients and returns the input gradient.
func (p *Prenet) Backward(cache *PrenetCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil {
		return nil, errors.New("model: prenet backward without forward cache")
	}

	dy, err := nn.DropoutBackward(cache.drop2, dy)
	if err != nil {
		return nil, err
	}

	dy, err = nn.ReLUBackward(cache.relu2, dy)
	if err != nil {
		return nil, err
	}

	dy, err = p.L2.Backward(cache.l2, dy)
	if err != nil {
		return nil, err
	}

	dy, err = nn.DropoutBackward(cache.drop1, dy)
	if err != nil {
		return nil, err
	}

	dy, err = nn.ReLUBackward(cache.relu1, dy)
	if err != nil {
		return nil, err
	}

	return p.L1.Backward(cache.l1, dy)
}
