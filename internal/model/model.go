// Package model implements a sequence-to-sequence mel synthesizer: a
// convolutional-recurrent text encoder, a location-sensitive attention
// decoder with a learned stop gate, and a convolutional postnet
// residual. Every layer carries its own analytic backward pass; there
// is no tape.
package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/nn"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

type Model struct {
	Encoder *Encoder
	Decoder *Decoder
	Postnet *Postnet

	nMels           int
	maxDecoderSteps int
	gateThreshold   float64
}

func New(rng *rand.Rand, cfg config.Config) (*Model, error) {
	if rng == nil {
		return nil, errors.New("model: a random source is required for initialization")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encoder, err := NewEncoder(rng, cfg.VocabSize(), cfg.Model)
	if err != nil {
		return nil, err
	}

	decoder, err := NewDecoder(rng, cfg.Audio.NMels, encoder.OutDim(), cfg.Model)
	if err != nil {
		return nil, err
	}

	postnet, err := NewPostnet(rng, cfg.Audio.NMels, cfg.Model)
	if err != nil {
		return nil, err
	}

	return &Model{
		Encoder:         encoder,
		Decoder:         decoder,
		Postnet:         postnet,
		nMels:           cfg.Audio.NMels,
		maxDecoderSteps: cfg.Model.MaxDecoderSteps,
		gateThreshold:   cfg.Model.GateThreshold,
	}, nil
}

// Params returns every parameter with a stable fully qualified name.
func (m *Model) Params() []nn.Param {
	params := m.Encoder.Params("encoder")
	params = append(params, m.Decoder.Params("decoder")...)
	return append(params, m.Postnet.Params("postnet")...)
}

func (m *Model) ZeroGrads() {
	nn.ZeroGrads(m.Params())
}

// TrainingInput is one collated batch.
type TrainingInput struct {
	IDs         []int64 // [batch * maxT], padded row-major
	Batch       int
	MaxT        int
	TextLengths []int
	MelTarget   *tensor.Tensor // [batch, nMels, melSteps]
}

// TrainingOutput holds the frame predictions, the gate logits, and the
// per-step attention alignments. MelPost is MelPre plus the postnet
// residual.
type TrainingOutput struct {
	MelPre     *tensor.Tensor
	MelPost    *tensor.Tensor
	GateLogits *tensor.Tensor
	Alignments *tensor.Tensor // [batch, melSteps, maxT]
}

// TrainCache threads the forward state of all three stages.
type TrainCache struct {
	enc  *EncoderCache
	dec  *DecoderCache
	post *PostnetCache
}

// ForwardTraining runs the teacher-forced pass for one batch.
func (m *Model) ForwardTraining(rng *rand.Rand, in TrainingInput) (*TrainingOutput, *TrainCache, error) {
	if in.MelTarget == nil {
		return nil, nil, errors.New("model: training input has no mel target")
	}

	if len(in.TextLengths) != in.Batch {
		return nil, nil, fmt.Errorf("model: got %d text lengths for batch %d", len(in.TextLengths), in.Batch)
	}

	memory, encCache, err := m.Encoder.Forward(rng, in.IDs, in.Batch, in.MaxT, in.TextLengths, true)
	if err != nil {
		return nil, nil, err
	}

	melPre, gateLogits, alignments, decCache, err := m.Decoder.Forward(rng, memory, in.TextLengths, in.MelTarget, true)
	if err != nil {
		return nil, nil, err
	}

	residual, postCache, err := m.Postnet.Forward(rng, melPre, true)
	if err != nil {
		return nil, nil, err
	}

	melPost := melPre.Clone()
	if err := melPost.AddScaled(residual, 1); err != nil {
		return nil, nil, err
	}

	out := &TrainingOutput{MelPre: melPre, MelPost: melPost, GateLogits: gateLogits, Alignments: alignments}
	return out, &TrainCache{enc: encCache, dec: decCache, post: postCache}, nil
}

// Backward accumulates parameter gradients for one batch given the
// loss gradients on both frame predictions and the gate logits.
func (m *Model) Backward(cache *TrainCache, dMelPre, dMelPost, dGate *tensor.Tensor) error {
	if cache == nil {
		return errors.New("model: backward without forward cache")
	}

	dResidual, err := m.Postnet.Backward(cache.post, dMelPost)
	if err != nil {
		return err
	}

	// MelPost = MelPre + residual, so MelPre collects the direct loss
	// gradient, the residual-add passthrough, and the postnet chain.
	dMelTotal := dMelPre.Clone()
	if err := dMelTotal.AddScaled(dMelPost, 1); err != nil {
		return err
	}
	if err := dMelTotal.AddScaled(dResidual, 1); err != nil {
		return err
	}

	dMemory, err := m.Decoder.Backward(cache.dec, dMelTotal, dGate)
	if err != nil {
		return err
	}

	return m.Encoder.Backward(cache.enc, dMemory)
}

// Infer synthesizes the mel spectrogram for one encoded utterance.
// The returned mel includes the postnet refinement.
func (m *Model) Infer(rng *rand.Rand, ids []int64) (*InferResult, error) {
	if len(ids) == 0 {
		return nil, errors.New("model: cannot synthesize an empty id sequence")
	}

	memory, _, err := m.Encoder.Forward(rng, ids, 1, len(ids), []int{len(ids)}, false)
	if err != nil {
		return nil, err
	}

	res, err := m.Decoder.Infer(rng, memory, m.maxDecoderSteps, m.gateThreshold)
	if err != nil {
		return nil, err
	}

	residual, _, err := m.Postnet.Forward(rng, res.Mel, false)
	if err != nil {
		return nil, err
	}

	if err := res.Mel.AddScaled(residual, 1); err != nil {
		return nil, err
	}
	return res, nil
}
