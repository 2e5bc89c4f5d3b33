package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/nn"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

const postnetDropoutP = 0.5

// Postnet refines the decoder's frames with a convolutional residual.
// Every layer but the last is followed by tanh.
type Postnet struct {
	Convs []*nn.Conv1D
	Norms []*nn.BatchNorm1D
}

func NewPostnet(rng *rand.Rand, nMels int, cfg config.ModelConfig) (*Postnet, error) {
	n := cfg.PostnetNConvs
	if n < 2 {
		return nil, fmt.Errorf("model: postnet needs at least 2 convolutions, got %d", n)
	}

	convs := make([]*nn.Conv1D, n)
	norms := make([]*nn.BatchNorm1D, n)

	for i := range n {
		in := cfg.PostnetEmbeddingDim
		out := cfg.PostnetEmbeddingDim
		if i == 0 {
			in = nMels
		}
		if i == n-1 {
			out = nMels
		}

		var err error
		convs[i], err = nn.NewConv1D(rng, in, out, cfg.PostnetKernelSize)
		if err != nil {
			return nil, err
		}

		norms[i], err = nn.NewBatchNorm1D(out)
		if err != nil {
			return nil, err
		}
	}

	return &Postnet{Convs: convs, Norms: norms}, nil
}

func (p *Postnet) Params(prefix string) []nn.Param {
	var params []nn.Param
	for i, conv := range p.Convs {
		params = append(params, conv.Params(fmt.Sprintf("%s.convs.%d.conv", prefix, i))...)
		params = append(params, p.Norms[i].Params(fmt.Sprintf("%s.convs.%d.norm", prefix, i))...)
	}
	return params
}

type postnetLayerCache struct {
	conv *nn.Conv1DCache
	norm *nn.BatchNorm1DCache
	tanh *nn.TanhCache
	drop *nn.DropoutCache
}

// PostnetCache holds each layer's forward state.
type PostnetCache struct {
	layers []postnetLayerCache
}

// Forward computes the residual for x [batch, nMels, steps]. The
// caller adds it to the decoder output.
func (p *Postnet) Forward(rng *rand.Rand, x *tensor.Tensor, training bool) (*tensor.Tensor, *PostnetCache, error) {
	if x == nil || x.Rank() != 3 {
		return nil, nil, errors.New("model: postnet expects a rank-3 input")
	}

	cache := &PostnetCache{layers: make([]postnetLayerCache, len(p.Convs))}
	last := len(p.Convs) - 1

	var err error
	for i, conv := range p.Convs {
		var c postnetLayerCache

		x, c.conv, err = conv.Forward(x)
		if err != nil {
			return nil, nil, err
		}

		x, c.norm, err = p.Norms[i].Forward(x, training)
		if err != nil {
			return nil, nil, err
		}

		if i < last {
			x, c.tanh, err = nn.Tanh(x)
			if err != nil {
				return nil, nil, err
			}
		}

		x, c.drop, err = nn.Dropout(rng, x, postnetDropoutP, training)
		if err != nil {
			return nil, nil, err
		}

		cache.layers[i] = c
	}

	return x, cache, nil
}

// Backward returns the gradient with respect to the postnet input.
func (p *Postnet) Backward(cache *PostnetCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil {
		return nil, errors.New("model: postnet backward without forward cache")
	}

	last := len(p.Convs) - 1

	var err error
	for i := last; i >= 0; i-- {
		c := cache.layers[i]

		dy, err = nn.DropoutBackward(c.drop, dy)
		if err != nil {
			return nil, err
		}

		if i < last {
			dy, err = nn.TanhBackward(c.tanh, dy)
			if err != nil {
				return nil, err
			}
		}

		dy, err = p.Norms[i].Backward(c.norm, dy)
		if err != nil {
			return nil, err
		}

		dy, err = p.Convs[i].Backward(c.conv, dy)
		if err != nil {
			return nil, err
		}
	}

	return dy, nil
}
