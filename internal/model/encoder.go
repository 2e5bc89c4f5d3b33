package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/nn"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

const encoderDropoutP = 0.5

// Encoder turns padded symbol id sequences into a memory of per-symbol
// feature vectors. Embedding, then a convolutional stack, then a
// bidirectional recurrence over the unpadded prefix of each sequence.
type Encoder struct {
	Embedding *nn.Embedding
	Convs     []*nn.Conv1D
	Norms     []*nn.BatchNorm1D
	LSTM      *nn.BiLSTM

	embDim int
}

func NewEncoder(rng *rand.Rand, vocabSize int64, cfg config.ModelConfig) (*Encoder, error) {
	if vocabSize < 2 {
		return nil, fmt.Errorf("model: encoder needs at least 2 symbols, got %d", vocabSize)
	}

	emb, err := nn.NewEmbedding(rng, int(vocabSize), cfg.EncoderEmbeddingDim)
	if err != nil {
		return nil, err
	}

	convs := make([]*nn.Conv1D, cfg.EncoderNConvs)
	norms := make([]*nn.BatchNorm1D, cfg.EncoderNConvs)
	for i := range cfg.EncoderNConvs {
		convs[i], err = nn.NewConv1D(rng, cfg.EncoderEmbeddingDim, cfg.EncoderEmbeddingDim, cfg.EncoderKernelSize)
		if err != nil {
			return nil, err
		}

		norms[i], err = nn.NewBatchNorm1D(cfg.EncoderEmbeddingDim)
		if err != nil {
			return nil, err
		}
	}

	lstm, err := nn.NewBiLSTM(rng, cfg.EncoderEmbeddingDim, cfg.EncoderEmbeddingDim/2)
	if err != nil {
		return nil, err
	}

	return &Encoder{
		Embedding: emb,
		Convs:     convs,
		Norms:     norms,
		LSTM:      lstm,
		embDim:    cfg.EncoderEmbeddingDim,
	}, nil
}

func (e *Encoder) Params(prefix string) []nn.Param {
	params := e.Embedding.Params(prefix + ".embedding")
	for i, conv := range e.Convs {
		params = append(params, conv.Params(fmt.Sprintf("%s.convs.%d.conv", prefix, i))...)
		params = append(params, e.Norms[i].Params(fmt.Sprintf("%s.convs.%d.norm", prefix, i))...)
	}
	return append(params, e.LSTM.Params(prefix+".lstm")...)
}

// OutDim is the width of each memory vector.
func (e *Encoder) OutDim() int { return e.embDim }

type encoderConvCache struct {
	conv *nn.Conv1DCache
	norm *nn.BatchNorm1DCache
	relu *nn.ReLUCache
	drop *nn.DropoutCache
}

// EncoderCache holds the forward state of every stage.
type EncoderCache struct {
	embedding *nn.EmbeddingCache
	convs     []encoderConvCache
	lstm      *nn.BiLSTMCache
	batch     int
	maxT      int
}

// Forward encodes ids, a row-major [batch, maxT] id matrix. lengths
// gives the unpadded symbol count per row. In training mode batch
// statistics drive the norms and dropout is active.
func (e *Encoder) Forward(rng *rand.Rand, ids []int64, batch, maxT int, lengths []int, training bool) (*tensor.Tensor, *EncoderCache, error) {
	if len(ids) != batch*maxT {
		return nil, nil, fmt.Errorf("model: encoder got %d ids for shape [%d, %d]", len(ids), batch, maxT)
	}

	embedded, embCache, err := e.Embedding.Forward(ids, batch, maxT)
	if err != nil {
		return nil, nil, err
	}

	// Convolutions run channels-first.
	x, err := transposeLast2(embedded)
	if err != nil {
		return nil, nil, err
	}

	cache := &EncoderCache{
		embedding: embCache,
		convs:     make([]encoderConvCache, len(e.Convs)),
		batch:     batch,
		maxT:      maxT,
	}

	for i, conv := range e.Convs {
		var c encoderConvCache

		x, c.conv, err = conv.Forward(x)
		if err != nil {
			return nil, nil, err
		}

		x, c.norm, err = e.Norms[i].Forward(x, training)
		if err != nil {
			return nil, nil, err
		}

		x, c.relu, err = nn.ReLU(x)
		if err != nil {
			return nil, nil, err
		}

		x, c.drop, err = nn.Dropout(rng, x, encoderDropoutP, training)
		if err != nil {
			return nil, nil, err
		}

		cache.convs[i] = c
	}

	x, err = transposeLast2(x)
	if err != nil {
		return nil, nil, err
	}

	memory, lstmCache, err := e.LSTM.Forward(x, lengths)
	if err != nil {
		return nil, nil, err
	}

	cache.lstm = lstmCache
	return memory, cache, nil
}

// Backward propagates the memory gradient down to the embedding table.
// Only valid after a training-mode forward.
func (e *Encoder) Backward(cache *EncoderCache, dMemory *tensor.Tensor) error {
	if cache == nil {
		return errors.New("model: encoder backward without forward cache")
	}

	dx, err := e.LSTM.Backward(cache.lstm, dMemory)
	if err != nil {
		return err
	}

	dx, err = transposeLast2(dx)
	if err != nil {
		return err
	}

	for i := len(e.Convs) - 1; i >= 0; i-- {
		c := cache.convs[i]

		dx, err = nn.DropoutBackward(c.drop, dx)
		if err != nil {
			return err
		}

		dx, err = nn.ReLUBackward(c.relu, dx)
		if err != nil {
			return err
		}

		dx, err = e.Norms[i].Backward(c.norm, dx)
		if err != nil {
			return err
		}

		dx, err = e.Convs[i].Backward(c.conv, dx)
		if err != nil {
			return err
		}
	}

	dx, err = transposeLast2(dx)
	if err != nil {
		return err
	}

	return e.Embedding.Backward(cache.embedding, dx)
}
