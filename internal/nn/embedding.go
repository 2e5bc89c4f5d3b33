package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// Embedding maps symbol indices to dense vectors. Weight shape is
// [vocab, dim]; the padding index participates like any other symbol.
type Embedding struct {
	Weight     *tensor.Tensor
	GradWeight *tensor.Tensor

	vocab, dim int
}

// NewEmbedding initializes rows from N(0, 1).
func NewEmbedding(rng *rand.Rand, vocab, dim int) (*Embedding, error) {
	if vocab <= 0 || dim <= 0 {
		return nil, fmt.Errorf("nn: embedding dims must be positive, got %d/%d", vocab, dim)
	}

	w, err := tensor.Randn(rng, []int64{int64(vocab), int64(dim)}, 1.0)
	if err != nil {
		return nil, err
	}

	return &Embedding{
		Weight:     w,
		GradWeight: tensor.MustZeros([]int64{int64(vocab), int64(dim)}),
		vocab:      vocab,
		dim:        dim,
	}, nil
}

func (e *Embedding) Params(prefix string) []Param {
	return []Param{{Name: prefix + ".weight", Value: e.Weight, Grad: e.GradWeight}}
}

// EmbeddingCache retains the looked-up indices for backward.
type EmbeddingCache struct {
	ids []int64
}

// Forward looks up a flat id slice shaped [b, t] and returns [b, t, dim].
func (e *Embedding) Forward(ids []int64, b, t int) (*tensor.Tensor, *EmbeddingCache, error) {
	if e == nil || e.Weight == nil {
		return nil, nil, errors.New("nn: embedding is not initialized")
	}

	if len(ids) != b*t {
		return nil, nil, fmt.Errorf("nn: embedding got %d ids for shape [%d %d]", len(ids), b, t)
	}

	out, err := tensor.Zeros([]int64{int64(b), int64(t), int64(e.dim)})
	if err != nil {
		return nil, nil, err
	}

	wData := e.Weight.RawData()
	outData := out.RawData()

	for i, id := range ids {
		if id < 0 || id >= int64(e.vocab) {
			return nil, nil, fmt.Errorf("nn: embedding id %d out of range [0, %d)", id, e.vocab)
		}

		copy(outData[i*e.dim:(i+1)*e.dim], wData[int(id)*e.dim:(int(id)+1)*e.dim])
	}

	return out, &EmbeddingCache{ids: append([]int64(nil), ids...)}, nil
}

// Backward scatters dy rows into the weight gradient.
func (e *Embedding) Backward(cache *EmbeddingCache, dy *tensor.Tensor) error {
	if cache == nil {
		return errors.New("nn: embedding backward without forward cache")
	}

	if dy == nil || dy.ElemCount() != len(cache.ids)*e.dim {
		return fmt.Errorf("nn: embedding backward dy elements %d, want %d", dy.ElemCount(), len(cache.ids)*e.dim)
	}

	dyData := dy.RawData()
	gw := e.GradWeight.RawData()

	for i, id := range cache.ids {
		row := gw[int(id)*e.dim : (int(id)+1)*e.dim]
		src := dyData[i*e.dim : (i+1)*e.dim]

		for j, v := range src {
			row[j] += v
		}
	}

	return nil
}

func (e *Embedding) Dim() int { return e.dim }
