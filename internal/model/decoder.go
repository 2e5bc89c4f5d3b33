package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/nn"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// Decoder predicts mel frames one at a time. Each step feeds the
// previous frame through the prenet, advances the attention recurrence,
// re-attends over the memory, advances the decoder recurrence, and
// projects out a frame and a stop logit.
type Decoder struct {
	Prenet    *Prenet
	AttRNN    *nn.LSTMCell
	Attention *Attention
	DecRNN    *nn.LSTMCell
	MelProj   *nn.Linear
	GateProj  *nn.Linear

	nMels, encDim           int
	attRNNDim, decRNNDim    int
	prenetDim               int
	pAttDropout, pDropout   float64
}

func NewDecoder(rng *rand.Rand, nMels, encDim int, cfg config.ModelConfig) (*Decoder, error) {
	prenet, err := NewPrenet(rng, nMels, cfg.PrenetDim)
	if err != nil {
		return nil, err
	}

	attRNN, err := nn.NewLSTMCell(rng, cfg.PrenetDim+encDim, cfg.AttentionRNNDim)
	if err != nil {
		return nil, err
	}

	attention, err := NewAttention(rng, cfg.AttentionRNNDim, encDim, cfg)
	if err != nil {
		return nil, err
	}

	decRNN, err := nn.NewLSTMCell(rng, cfg.AttentionRNNDim+encDim, cfg.DecoderRNNDim)
	if err != nil {
		return nil, err
	}

	melProj, err := nn.NewLinear(rng, cfg.DecoderRNNDim+encDim, nMels, true)
	if err != nil {
		return nil, err
	}

	gateProj, err := nn.NewLinear(rng, cfg.DecoderRNNDim+encDim, 1, true)
	if err != nil {
		return nil, err
	}

	return &Decoder{
		Prenet:      prenet,
		AttRNN:      attRNN,
		Attention:   attention,
		DecRNN:      decRNN,
		MelProj:     melProj,
		GateProj:    gateProj,
		nMels:       nMels,
		encDim:      encDim,
		attRNNDim:   cfg.AttentionRNNDim,
		decRNNDim:   cfg.DecoderRNNDim,
		prenetDim:   cfg.PrenetDim,
		pAttDropout: cfg.PAttentionDropout,
		pDropout:    cfg.PDecoderDropout,
	}, nil
}

func (d *Decoder) Params(prefix string) []nn.Param {
	params := d.Prenet.Params(prefix + ".prenet")
	params = append(params, d.AttRNN.Params(prefix+".attention_rnn")...)
	params = append(params, d.Attention.Params(prefix+".attention")...)
	params = append(params, d.DecRNN.Params(prefix+".decoder_rnn")...)
	params = append(params, d.MelProj.Params(prefix+".mel_proj")...)
	return append(params, d.GateProj.Params(prefix+".gate_proj")...)
}

// decoderState is the per-step recurrent state threaded explicitly
// through the decode loop.
type decoderState struct {
	attHidden  *tensor.Tensor // [batch, attRNNDim]
	attCell    *tensor.Tensor
	decHidden  *tensor.Tensor // [batch, decRNNDim]
	decCell    *tensor.Tensor
	context    *tensor.Tensor // [batch, encDim]
	weights    *tensor.Tensor // [batch, maxT]
	weightsCum *tensor.Tensor // [batch, maxT]
}

func (d *Decoder) initialState(batch, maxT int) *decoderState {
	attH, attC := d.AttRNN.ZeroState(batch)
	decH, decC := d.DecRNN.ZeroState(batch)

	wShape := []int64{int64(batch), int64(maxT)}
	return &decoderState{
		attHidden:  attH,
		attCell:    attC,
		decHidden:  decH,
		decCell:    decC,
		context:    tensor.MustZeros([]int64{int64(batch), int64(d.encDim)}),
		weights:    tensor.MustZeros(wShape),
		weightsCum: tensor.MustZeros(wShape),
	}
}

type decoderStepCache struct {
	prenet   *PrenetCache
	attRNN   *nn.LSTMCellCache
	attDrop  *nn.DropoutCache
	att      *AttentionCache
	decRNN   *nn.LSTMCellCache
	decDrop  *nn.DropoutCache
	melProj  *nn.LinearCache
	gateProj *nn.LinearCache
}

// DecoderCache holds the full unrolled forward state for backward.
type DecoderCache struct {
	steps    []decoderStepCache
	memKeys  *nn.LinearCache
	batch    int
	maxT     int
	melSteps int
}

// step advances the decoder by one frame. The returned state shares no
// tensors with the input state.
func (d *Decoder) step(rng *rand.Rand, frame, memory, keys *tensor.Tensor, lengths []int, st *decoderState, training bool) (*tensor.Tensor, *tensor.Tensor, *decoderState, *decoderStepCache, error) {
	cache := &decoderStepCache{}

	prenetOut, prenetCache, err := d.Prenet.Forward(rng, frame)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.prenet = prenetCache

	cellInput, err := concatRows(prenetOut, st.context)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	attHidden, attCell, attRNNCache, err := d.AttRNN.Forward(cellInput, st.attHidden, st.attCell)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.attRNN = attRNNCache

	attHidden, attDropCache, err := nn.Dropout(rng, attHidden, d.pAttDropout, training)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.attDrop = attDropCache

	context, weights, attCache, err := d.Attention.Forward(attHidden, keys, memory, st.weights, st.weightsCum, lengths)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.att = attCache

	weightsCum := st.weightsCum.Clone()
	if err := weightsCum.AddScaled(weights, 1); err != nil {
		return nil, nil, nil, nil, err
	}

	decInput, err := concatRows(attHidden, context)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	decHidden, decCell, decRNNCache, err := d.DecRNN.Forward(decInput, st.decHidden, st.decCell)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.decRNN = decRNNCache

	decHidden, decDropCache, err := nn.Dropout(rng, decHidden, d.pDropout, training)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.decDrop = decDropCache

	projInput, err := concatRows(decHidden, context)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	melFrame, melProjCache, err := d.MelProj.Forward(projInput)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.melProj = melProjCache

	gateLogit, gateProjCache, err := d.GateProj.Forward(projInput)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache.gateProj = gateProjCache

	next := &decoderState{
		attHidden:  attHidden,
		attCell:    attCell,
		decHidden:  decHidden,
		decCell:    decCell,
		context:    context,
		weights:    weights,
		weightsCum: weightsCum,
	}

	return melFrame, gateLogit, next, cache, nil
}

// Forward runs the decoder teacher-forced against melTarget, a
// [batch, nMels, melSteps] tensor. The frame fed at step t is the
// ground truth frame t-1; step 0 receives a zero frame. Returns the
// predicted frames [batch, nMels, melSteps], gate logits
// [batch, melSteps], and the attention alignments
// [batch, melSteps, maxT].
func (d *Decoder) Forward(rng *rand.Rand, memory *tensor.Tensor, lengths []int, melTarget *tensor.Tensor, training bool) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *DecoderCache, error) {
	if melTarget == nil || melTarget.Rank() != 3 || int(melTarget.Dim(1)) != d.nMels {
		return nil, nil, nil, nil, fmt.Errorf("model: decoder target must be [batch, %d, steps]", d.nMels)
	}

	batch := int(memory.Dim(0))
	maxT := int(memory.Dim(1))
	melSteps := int(melTarget.Dim(2))

	if int(melTarget.Dim(0)) != batch {
		return nil, nil, nil, nil, errors.New("model: decoder target batch mismatch")
	}

	keys, memKeysCache, err := d.Attention.PrepareMemory(memory)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	melOut, err := tensor.Zeros(melTarget.Shape())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	gateOut, err := tensor.Zeros([]int64{int64(batch), int64(melSteps)})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	alignOut, err := tensor.Zeros([]int64{int64(batch), int64(melSteps), int64(maxT)})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cache := &DecoderCache{
		steps:    make([]decoderStepCache, melSteps),
		memKeys:  memKeysCache,
		batch:    batch,
		maxT:     maxT,
		melSteps: melSteps,
	}

	st := d.initialState(batch, maxT)
	targetData := melTarget.RawData()
	melData := melOut.RawData()
	gateData := gateOut.RawData()
	alignData := alignOut.RawData()

	for t := range melSteps {
		frame := tensor.MustZeros([]int64{int64(batch), int64(d.nMels)})
		if t > 0 {
			fData := frame.RawData()
			for b := range batch {
				for m := range d.nMels {
					fData[b*d.nMels+m] = targetData[(b*d.nMels+m)*melSteps+t-1]
				}
			}
		}

		melFrame, gateLogit, next, stepCache, err := d.step(rng, frame, memory, keys, lengths, st, training)
		if err != nil {
			return nil, nil, nil, nil, err
		}

		mfData := melFrame.RawData()
		glData := gateLogit.RawData()
		wData := next.weights.RawData()
		for b := range batch {
			for m := range d.nMels {
				melData[(b*d.nMels+m)*melSteps+t] = mfData[b*d.nMels+m]
			}
			gateData[b*melSteps+t] = glData[b]
			copy(alignData[(b*melSteps+t)*maxT:(b*melSteps+t+1)*maxT], wData[b*maxT:(b+1)*maxT])
		}

		cache.steps[t] = *stepCache
		st = next
	}

	return melOut, gateOut, alignOut, cache, nil
}

// Backward propagates frame and gate gradients back through the
// unrolled decode and returns the memory gradient. Recurrent state
// gradients are threaded across steps in reverse.
func (d *Decoder) Backward(cache *DecoderCache, dMel, dGate *tensor.Tensor) (*tensor.Tensor, error) {
	if cache == nil {
		return nil, errors.New("model: decoder backward without forward cache")
	}

	batch := cache.batch
	maxT := cache.maxT
	melSteps := cache.melSteps

	if dMel == nil || dMel.ElemCount() != batch*d.nMels*melSteps {
		return nil, errors.New("model: decoder backward frame gradient shape mismatch")
	}
	if dGate == nil || dGate.ElemCount() != batch*melSteps {
		return nil, errors.New("model: decoder backward gate gradient shape mismatch")
	}

	dMemory, err := tensor.Zeros([]int64{int64(batch), int64(maxT), int64(d.encDim)})
	if err != nil {
		return nil, err
	}

	var dKeysTotal *tensor.Tensor

	wShape := []int64{int64(batch), int64(maxT)}
	dAttH := tensor.MustZeros([]int64{int64(batch), int64(d.attRNNDim)})
	dAttC := tensor.MustZeros([]int64{int64(batch), int64(d.attRNNDim)})
	dDecH := tensor.MustZeros([]int64{int64(batch), int64(d.decRNNDim)})
	dDecC := tensor.MustZeros([]int64{int64(batch), int64(d.decRNNDim)})
	dContext := tensor.MustZeros([]int64{int64(batch), int64(d.encDim)})
	dWeights := tensor.MustZeros(wShape)
	dWeightsCum := tensor.MustZeros(wShape)

	dMelData := dMel.RawData()
	dGateData := dGate.RawData()

	for t := melSteps - 1; t >= 0; t-- {
		step := cache.steps[t]

		dMelFrame := tensor.MustZeros([]int64{int64(batch), int64(d.nMels)})
		mf := dMelFrame.RawData()
		for b := range batch {
			for m := range d.nMels {
				mf[b*d.nMels+m] = dMelData[(b*d.nMels+m)*melSteps+t]
			}
		}

		dGateFrame := tensor.MustZeros([]int64{int64(batch), 1})
		gf := dGateFrame.RawData()
		for b := range batch {
			gf[b] = dGateData[b*melSteps+t]
		}

		dProjIn, err := d.MelProj.Backward(step.melProj, dMelFrame)
		if err != nil {
			return nil, err
		}

		dProjInGate, err := d.GateProj.Backward(step.gateProj, dGateFrame)
		if err != nil {
			return nil, err
		}
		if err := dProjIn.AddScaled(dProjInGate, 1); err != nil {
			return nil, err
		}

		// projInput = [decHidden, context]
		addSplitRows(dProjIn, dDecH, dContext, d.decRNNDim)

		dDecHCell, err := nn.DropoutBackward(step.decDrop, dDecH)
		if err != nil {
			return nil, err
		}

		dDecIn, dDecHPrev, dDecCPrev, err := d.DecRNN.Backward(step.decRNN, dDecHCell, dDecC)
		if err != nil {
			return nil, err
		}

		// decInput = [attHidden, context]
		addSplitRows(dDecIn, dAttH, dContext, d.attRNNDim)

		// Gradient into this step's fresh weights: the next step's
		// location channel plus the cumulative recurrence.
		dWExt := dWeights.Clone()
		if err := dWExt.AddScaled(dWeightsCum, 1); err != nil {
			return nil, err
		}

		dQuery, dKeysStep, dMemStep, dPrevW, dPrevCum, err := d.Attention.Backward(step.att, dContext, dWExt)
		if err != nil {
			return nil, err
		}

		if err := dMemory.AddScaled(dMemStep, 1); err != nil {
			return nil, err
		}
		if dKeysTotal == nil {
			dKeysTotal = dKeysStep
		} else {
			if err := dKeysTotal.AddScaled(dKeysStep, 1); err != nil {
				return nil, err
			}
		}

		dWeights = dPrevW
		if err := dWeightsCum.AddScaled(dPrevCum, 1); err != nil {
			return nil, err
		}

		if err := dAttH.AddScaled(dQuery, 1); err != nil {
			return nil, err
		}

		dAttHCell, err := nn.DropoutBackward(step.attDrop, dAttH)
		if err != nil {
			return nil, err
		}

		dCellIn, dAttHPrev, dAttCPrev, err := d.AttRNN.Backward(step.attRNN, dAttHCell, dAttC)
		if err != nil {
			return nil, err
		}

		// cellInput = [prenetOut, prevContext]
		dPrenetOut := tensor.MustZeros([]int64{int64(batch), int64(d.prenetDim)})
		dPrevContext := tensor.MustZeros([]int64{int64(batch), int64(d.encDim)})
		addSplitRows(dCellIn, dPrenetOut, dPrevContext, d.prenetDim)

		// Teacher-forced frames come from the target, so the prenet
		// input gradient is discarded after the weights accumulate.
		if _, err := d.Prenet.Backward(step.prenet, dPrenetOut); err != nil {
			return nil, err
		}

		dAttH = dAttHPrev
		dAttC = dAttCPrev
		dDecH = dDecHPrev
		dDecC = dDecCPrev
		dContext = dPrevContext
	}

	if dKeysTotal != nil {
		dMemFromKeys, err := d.Attention.MemoryLayer.Backward(cache.memKeys, dKeysTotal)
		if err != nil {
			return nil, err
		}
		if err := dMemory.AddScaled(dMemFromKeys, 1); err != nil {
			return nil, err
		}
	}

	return dMemory, nil
}

// InferResult is one decoded utterance.
type InferResult struct {
	Mel       *tensor.Tensor // [1, nMels, steps]
	Alignment [][]float32    // per step attention weights over the memory
	Truncated bool
}

// Infer decodes autoregressively for a single utterance until the stop
// gate fires or maxSteps frames have been produced. The prenet keeps
// its dropout active, so decoding is stochastic under rng.
func (d *Decoder) Infer(rng *rand.Rand, memory *tensor.Tensor, maxSteps int, gateThreshold float64) (*InferResult, error) {
	if memory == nil || memory.Rank() != 3 || memory.Dim(0) != 1 {
		return nil, errors.New("model: decoder inference expects a single-item memory")
	}

	if maxSteps <= 0 {
		return nil, fmt.Errorf("model: max decoder steps must be positive, got %d", maxSteps)
	}

	maxT := int(memory.Dim(1))
	lengths := []int{maxT}

	keys, _, err := d.Attention.PrepareMemory(memory)
	if err != nil {
		return nil, err
	}

	st := d.initialState(1, maxT)
	frame := tensor.MustZeros([]int64{1, int64(d.nMels)})

	var frames [][]float32
	var alignment [][]float32
	truncated := true

	for range maxSteps {
		melFrame, gateLogit, next, _, err := d.step(rng, frame, memory, keys, lengths, st, false)
		if err != nil {
			return nil, err
		}

		frames = append(frames, append([]float32(nil), melFrame.RawData()...))
		alignment = append(alignment, append([]float32(nil), next.weights.RawData()...))

		gate := 1.0 / (1.0 + math.Exp(-float64(gateLogit.RawData()[0])))
		if gate > gateThreshold {
			truncated = false
			break
		}

		frame = melFrame
		st = next
	}

	steps := len(frames)
	mel, err := tensor.Zeros([]int64{1, int64(d.nMels), int64(steps)})
	if err != nil {
		return nil, err
	}

	melData := mel.RawData()
	for t, f := range frames {
		for m := range d.nMels {
			melData[m*steps+t] = f[m]
		}
	}

	return &InferResult{Mel: mel, Alignment: alignment, Truncated: truncated}, nil
}

// concatRows joins a [batch, x] and a [batch, y] tensor into
// [batch, x+y].
func concatRows(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a == nil || b == nil || a.Rank() != 2 || b.Rank() != 2 || a.Dim(0) != b.Dim(0) {
		return nil, errors.New("model: concat expects two rank-2 tensors with equal batch")
	}

	batch := int(a.Dim(0))
	x := int(a.Dim(1))
	y := int(b.Dim(1))

	out, err := tensor.Zeros([]int64{int64(batch), int64(x + y)})
	if err != nil {
		return nil, err
	}

	aData := a.RawData()
	bData := b.RawData()
	outData := out.RawData()
	for i := range batch {
		copy(outData[i*(x+y):i*(x+y)+x], aData[i*x:(i+1)*x])
		copy(outData[i*(x+y)+x:(i+1)*(x+y)], bData[i*y:(i+1)*y])
	}

	return out, nil
}

// addSplitRows adds the two halves of src [batch, x+y] into dstA
// [batch, x] and dstB [batch, y].
func addSplitRows(src, dstA, dstB *tensor.Tensor, x int) {
	batch := int(src.Dim(0))
	total := int(src.Dim(1))
	y := total - x

	srcData := src.RawData()
	aData := dstA.RawData()
	bData := dstB.RawData()
	for i := range batch {
		for j := range x {
			aData[i*x+j] += srcData[i*total+j]
		}
		for j := range y {
			bData[i*y+j] += srcData[i*total+x+j]
		}
	}
}
