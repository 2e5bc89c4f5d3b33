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

// Attention scores each memory position against the current decoder
// query plus a convolutional view of where attention has already been.
// Padded memory positions are excluded before the softmax.
type Attention struct {
	Query         *nn.Linear // rnnDim -> attDim
	MemoryLayer   *nn.Linear // encDim -> attDim
	LocationConv  *nn.Conv1D // 2 -> nFilters
	LocationDense *nn.Linear // nFilters -> attDim
	V             *nn.Linear // attDim -> 1

	rnnDim, encDim, attDim, nFilters int
}

func NewAttention(rng *rand.Rand, rnnDim, encDim int, cfg config.ModelConfig) (*Attention, error) {
	query, err := nn.NewLinear(rng, rnnDim, cfg.AttentionDim, false)
	if err != nil {
		return nil, err
	}

	memoryLayer, err := nn.NewLinear(rng, encDim, cfg.AttentionDim, false)
	if err != nil {
		return nil, err
	}

	locationConv, err := nn.NewConv1D(rng, 2, cfg.AttentionLocationNFilters, cfg.AttentionLocationKernelSize)
	if err != nil {
		return nil, err
	}

	locationDense, err := nn.NewLinear(rng, cfg.AttentionLocationNFilters, cfg.AttentionDim, false)
	if err != nil {
		return nil, err
	}

	v, err := nn.NewLinear(rng, cfg.AttentionDim, 1, false)
	if err != nil {
		return nil, err
	}

	return &Attention{
		Query:         query,
		MemoryLayer:   memoryLayer,
		LocationConv:  locationConv,
		LocationDense: locationDense,
		V:             v,
		rnnDim:        rnnDim,
		encDim:        encDim,
		attDim:        cfg.AttentionDim,
		nFilters:      cfg.AttentionLocationNFilters,
	}, nil
}

func (a *Attention) Params(prefix string) []nn.Param {
	params := a.Query.Params(prefix + ".query")
	params = append(params, a.MemoryLayer.Params(prefix+".memory")...)
	params = append(params, a.LocationConv.Params(prefix+".location_conv")...)
	params = append(params, a.LocationDense.Params(prefix+".location_dense")...)
	return append(params, a.V.Params(prefix+".v")...)
}

// PrepareMemory projects the memory into key space once per decode.
func (a *Attention) PrepareMemory(memory *tensor.Tensor) (*tensor.Tensor, *nn.LinearCache, error) {
	if memory == nil || memory.Rank() != 3 || int(memory.Dim(2)) != a.encDim {
		return nil, nil, fmt.Errorf("model: attention memory must be [batch, time, %d]", a.encDim)
	}

	return a.MemoryLayer.Forward(memory)
}

// AttentionCache holds one step's forward state.
type AttentionCache struct {
	query   *nn.LinearCache
	conv    *nn.Conv1DCache
	dense   *nn.LinearCache
	tanh    *nn.TanhCache
	v       *nn.LinearCache
	weights []float32
	memory  *tensor.Tensor
	lengths []int
	batch   int
	maxT    int
}

// Forward produces the context vector and the fresh attention weights
// for one decoder step. prevWeights and prevCum are both [batch, maxT].
func (a *Attention) Forward(query, keys, memory, prevWeights, prevCum *tensor.Tensor, lengths []int) (*tensor.Tensor, *tensor.Tensor, *AttentionCache, error) {
	batch := int(memory.Dim(0))
	maxT := int(memory.Dim(1))

	if len(lengths) != batch {
		return nil, nil, nil, fmt.Errorf("model: attention got %d lengths for batch %d", len(lengths), batch)
	}

	cache := &AttentionCache{memory: memory, lengths: lengths, batch: batch, maxT: maxT}

	qProj, qCache, err := a.Query.Forward(query)
	if err != nil {
		return nil, nil, nil, err
	}
	cache.query = qCache

	// Location features: previous and cumulative weights stacked as
	// two channels.
	locIn, err := tensor.Zeros([]int64{int64(batch), 2, int64(maxT)})
	if err != nil {
		return nil, nil, nil, err
	}

	locData := locIn.RawData()
	pw := prevWeights.RawData()
	pc := prevCum.RawData()
	for b := range batch {
		copy(locData[b*2*maxT:b*2*maxT+maxT], pw[b*maxT:(b+1)*maxT])
		copy(locData[b*2*maxT+maxT:(b+1)*2*maxT], pc[b*maxT:(b+1)*maxT])
	}

	locConv, convCache, err := a.LocationConv.Forward(locIn)
	if err != nil {
		return nil, nil, nil, err
	}
	cache.conv = convCache

	locT, err := transposeLast2(locConv)
	if err != nil {
		return nil, nil, nil, err
	}

	locProj, denseCache, err := a.LocationDense.Forward(locT)
	if err != nil {
		return nil, nil, nil, err
	}
	cache.dense = denseCache

	// s[b,t] = qProj[b] + keys[b,t] + locProj[b,t], squashed by tanh.
	s, err := tensor.Zeros([]int64{int64(batch), int64(maxT), int64(a.attDim)})
	if err != nil {
		return nil, nil, nil, err
	}

	sData := s.RawData()
	qData := qProj.RawData()
	kData := keys.RawData()
	lData := locProj.RawData()
	for b := range batch {
		qRow := qData[b*a.attDim : (b+1)*a.attDim]
		for t := range maxT {
			base := (b*maxT + t) * a.attDim
			for j := range a.attDim {
				sData[base+j] = qRow[j] + kData[base+j] + lData[base+j]
			}
		}
	}

	tanhS, tanhCache, err := nn.Tanh(s)
	if err != nil {
		return nil, nil, nil, err
	}
	cache.tanh = tanhCache

	energies, vCache, err := a.V.Forward(tanhS)
	if err != nil {
		return nil, nil, nil, err
	}
	cache.v = vCache

	weights, err := tensor.Zeros([]int64{int64(batch), int64(maxT)})
	if err != nil {
		return nil, nil, nil, err
	}

	eData := energies.RawData()
	wData := weights.RawData()
	for b := range batch {
		n := lengths[b]

		maxE := math.Inf(-1)
		for t := range n {
			if e := float64(eData[b*maxT+t]); e > maxE {
				maxE = e
			}
		}

		var sum float64
		for t := range n {
			wData[b*maxT+t] = float32(math.Exp(float64(eData[b*maxT+t]) - maxE))
			sum += float64(wData[b*maxT+t])
		}

		for t := range n {
			wData[b*maxT+t] = float32(float64(wData[b*maxT+t]) / sum)
		}
	}

	cache.weights = wData

	context, err := tensor.Zeros([]int64{int64(batch), int64(a.encDim)})
	if err != nil {
		return nil, nil, nil, err
	}

	ctxData := context.RawData()
	memData := memory.RawData()
	for b := range batch {
		ctxRow := ctxData[b*a.encDim : (b+1)*a.encDim]
		for t := range lengths[b] {
			w := wData[b*maxT+t]
			memRow := memData[(b*maxT+t)*a.encDim : (b*maxT+t+1)*a.encDim]
			for j := range a.encDim {
				ctxRow[j] += w * memRow[j]
			}
		}
	}

	return context, weights, cache, nil
}

// Backward takes the gradients flowing into the context and into the
// produced weights and returns gradients for the query, the keys, the
// memory, and the two location channels of the previous step.
func (a *Attention) Backward(cache *AttentionCache, dContext, dWeightsExt *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	if cache == nil {
		return nil, nil, nil, nil, nil, errors.New("model: attention backward without forward cache")
	}

	batch := cache.batch
	maxT := cache.maxT

	dMemory, err := tensor.Zeros(cache.memory.Shape())
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	// Total weight gradient: the external path plus the context sum.
	dW := make([]float64, batch*maxT)
	if dWeightsExt != nil {
		ext := dWeightsExt.RawData()
		for i := range dW {
			dW[i] = float64(ext[i])
		}
	}

	ctxData := dContext.RawData()
	memData := cache.memory.RawData()
	dMemData := dMemory.RawData()
	for b := range batch {
		dCtxRow := ctxData[b*a.encDim : (b+1)*a.encDim]
		for t := range cache.lengths[b] {
			memRow := memData[(b*maxT+t)*a.encDim : (b*maxT+t+1)*a.encDim]
			dMemRow := dMemData[(b*maxT+t)*a.encDim : (b*maxT+t+1)*a.encDim]

			w := cache.weights[b*maxT+t]
			var dot float64
			for j := range a.encDim {
				dot += float64(dCtxRow[j]) * float64(memRow[j])
				dMemRow[j] += w * dCtxRow[j]
			}
			dW[b*maxT+t] += dot
		}
	}

	// Softmax backward per row over the unmasked prefix.
	dE, err := tensor.Zeros([]int64{int64(batch), int64(maxT), 1})
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	dEData := dE.RawData()
	for b := range batch {
		var inner float64
		for t := range cache.lengths[b] {
			inner += dW[b*maxT+t] * float64(cache.weights[b*maxT+t])
		}

		for t := range cache.lengths[b] {
			w := float64(cache.weights[b*maxT+t])
			dEData[b*maxT+t] = float32(w * (dW[b*maxT+t] - inner))
		}
	}

	dTanhS, err := a.V.Backward(cache.v, dE)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	dS, err := nn.TanhBackward(cache.tanh, dTanhS)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	// dS fans out to the query projection, the keys, and the location
	// projection.
	dQProj, err := tensor.Zeros([]int64{int64(batch), int64(a.attDim)})
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	dSData := dS.RawData()
	dQData := dQProj.RawData()
	for b := range batch {
		dQRow := dQData[b*a.attDim : (b+1)*a.attDim]
		for t := range maxT {
			base := (b*maxT + t) * a.attDim
			for j := range a.attDim {
				dQRow[j] += dSData[base+j]
			}
		}
	}

	dQuery, err := a.Query.Backward(cache.query, dQProj)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	dKeys := dS.Clone()

	dLocT, err := a.LocationDense.Backward(cache.dense, dS)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	dLocConv, err := transposeLast2(dLocT)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	dLocIn, err := a.LocationConv.Backward(cache.conv, dLocConv)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	shape := []int64{int64(batch), int64(maxT)}
	dPrevWeights := tensor.MustZeros(shape)
	dPrevCum := tensor.MustZeros(shape)

	dLocData := dLocIn.RawData()
	dpw := dPrevWeights.RawData()
	dpc := dPrevCum.RawData()
	for b := range batch {
		copy(dpw[b*maxT:(b+1)*maxT], dLocData[b*2*maxT:b*2*maxT+maxT])
		copy(dpc[b*maxT:(b+1)*maxT], dLocData[b*2*maxT+maxT:(b+1)*2*maxT])
	}

	return dQuery, dKeys, dMemory, dPrevWeights, dPrevCum, nil
}
