package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

func tinyConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Characters = "abc "
	cfg.Audio.NMels = 3
	cfg.Model.EncoderEmbeddingDim = 8
	cfg.Model.EncoderNConvs = 2
	cfg.Model.EncoderKernelSize = 3
	cfg.Model.AttentionRNNDim = 6
	cfg.Model.AttentionDim = 5
	cfg.Model.AttentionLocationNFilters = 4
	cfg.Model.AttentionLocationKernelSize = 5
	cfg.Model.DecoderRNNDim = 6
	cfg.Model.PrenetDim = 4
	cfg.Model.MaxDecoderSteps = 12
	cfg.Model.PostnetEmbeddingDim = 8
	cfg.Model.PostnetKernelSize = 3
	cfg.Model.PostnetNConvs = 2
	return cfg
}

func tinyBatch(t *testing.T, nMels int) TrainingInput {
	t.Helper()

	melTarget, err := tensor.Randn(rand.New(rand.NewSource(99)), []int64{2, int64(nMels), 5}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	return TrainingInput{
		IDs:         []int64{1, 2, 3, 4, 2, 1, 0, 0},
		Batch:       2,
		MaxT:        4,
		TextLengths: []int{4, 2},
		MelTarget:   melTarget,
	}
}

func TestForwardTrainingShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	m, err := New(rng, tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, cache, err := m.ForwardTraining(rng, tinyBatch(t, 3))
	if err != nil {
		t.Fatalf("ForwardTraining: %v", err)
	}
	if cache == nil {
		t.Fatal("training forward must produce a cache")
	}

	wantMel := []int64{2, 3, 5}
	for i, d := range out.MelPre.Shape() {
		if d != wantMel[i] {
			t.Fatalf("MelPre shape %v, want %v", out.MelPre.Shape(), wantMel)
		}
	}
	for i, d := range out.MelPost.Shape() {
		if d != wantMel[i] {
			t.Fatalf("MelPost shape %v, want %v", out.MelPost.Shape(), wantMel)
		}
	}

	wantGate := []int64{2, 5}
	for i, d := range out.GateLogits.Shape() {
		if d != wantGate[i] {
			t.Fatalf("GateLogits shape %v, want %v", out.GateLogits.Shape(), wantGate)
		}
	}

	wantAlign := []int64{2, 5, 4}
	for i, d := range out.Alignments.Shape() {
		if d != wantAlign[i] {
			t.Fatalf("Alignments shape %v, want %v", out.Alignments.Shape(), wantAlign)
		}
	}
}

func TestForwardTrainingAlignments(t *testing.T) {
	rng := rand.New(rand.NewSource(8))

	m, err := New(rng, tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := tinyBatch(t, 3)
	out, _, err := m.ForwardTraining(rng, in)
	if err != nil {
		t.Fatalf("ForwardTraining: %v", err)
	}

	align := out.Alignments.RawData()
	melSteps := int(out.Alignments.Dim(1))
	maxT := int(out.Alignments.Dim(2))

	for b, length := range in.TextLengths {
		for step := range melSteps {
			row := align[(b*melSteps+step)*maxT : (b*melSteps+step+1)*maxT]

			var sum float64
			for _, w := range row {
				sum += float64(w)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Fatalf("alignment [%d,%d] sums to %g, want 1", b, step, sum)
			}

			// Attention never leaks onto padded positions.
			for pos := length; pos < maxT; pos++ {
				if row[pos] != 0 {
					t.Fatalf("alignment [%d,%d,%d] = %g on a padded position", b, step, pos, row[pos])
				}
			}
		}
	}
}

func TestBackwardReachesEveryTrainableParam(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	m, err := New(rng, tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, cache, err := m.ForwardTraining(rng, tinyBatch(t, 3))
	if err != nil {
		t.Fatalf("ForwardTraining: %v", err)
	}

	dMelPre, err := tensor.Full(out.MelPre.Shape(), 1)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	dMelPost, err := tensor.Full(out.MelPost.Shape(), 1)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	dGate, err := tensor.Full(out.GateLogits.Shape(), 1)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}

	if err := m.Backward(cache, dMelPre, dMelPost, dGate); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	for _, p := range m.Params() {
		if !p.Trainable() {
			continue
		}

		var nonzero bool
		for _, g := range p.Grad.RawData() {
			if g != 0 {
				nonzero = true
				break
			}
		}
		if !nonzero {
			t.Errorf("parameter %s received no gradient", p.Name)
		}
	}
}

// The full pipeline is checked end to end against finite differences
// for a sample of parameters. The forward closure reseeds its own rng
// so every dropout mask repeats exactly.
func TestEndToEndGradientCheck(t *testing.T) {
	initRNG := rand.New(rand.NewSource(3))

	m, err := New(initRNG, tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := tinyBatch(t, 3)

	scalarLoss := func() float64 {
		rng := rand.New(rand.NewSource(77))
		out, _, err := m.ForwardTraining(rng, in)
		if err != nil {
			t.Fatalf("ForwardTraining: %v", err)
		}

		var sum float64
		for _, v := range out.MelPost.RawData() {
			sum += float64(v)
		}
		for _, v := range out.GateLogits.RawData() {
			sum += float64(v)
		}
		return sum
	}

	rng := rand.New(rand.NewSource(77))
	out, cache, err := m.ForwardTraining(rng, in)
	if err != nil {
		t.Fatalf("ForwardTraining: %v", err)
	}

	dMelPre := tensor.MustZeros(out.MelPre.Shape())
	dMelPost, err := tensor.Full(out.MelPost.Shape(), 1)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	dGate, err := tensor.Full(out.GateLogits.Shape(), 1)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}

	if err := m.Backward(cache, dMelPre, dMelPost, dGate); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	checks := []struct {
		name string
		val  *tensor.Tensor
		grad *tensor.Tensor
		idx  []int
	}{
		{"mel_proj.weight", m.Decoder.MelProj.Weight, m.Decoder.MelProj.GradWeight, []int{0, 7, 13}},
		{"attention.v.weight", m.Decoder.Attention.V.Weight, m.Decoder.Attention.V.GradWeight, []int{0, 2, 4}},
		{"embedding.weight", m.Encoder.Embedding.Weight, m.Encoder.Embedding.GradWeight, []int{8, 9, 16}},
		{"attention_rnn.weight_hh", m.Decoder.AttRNN.WHH, m.Decoder.AttRNN.GradWHH, []int{0, 11}},
	}

	const eps = 1e-2
	for _, c := range checks {
		data := c.val.RawData()
		grads := c.grad.RawData()

		for _, i := range c.idx {
			orig := data[i]

			data[i] = orig + eps
			plus := scalarLoss()

			data[i] = orig - eps
			minus := scalarLoss()

			data[i] = orig
			want := (plus - minus) / (2 * eps)

			if math.Abs(float64(grads[i])-want) > 5e-2*math.Max(1, math.Abs(want)) {
				t.Errorf("%s[%d]: grad %g, numeric %g", c.name, i, grads[i], want)
			}
		}
	}
}

func TestInferStopsOnGate(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	m, err := New(rng, tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A strongly positive gate bias makes the stop fire immediately.
	m.Decoder.GateProj.Bias.RawData()[0] = 50

	res, err := m.Infer(rng, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if res.Truncated {
		t.Error("decode should have stopped on the gate")
	}
	if res.Mel.Dim(2) != 1 {
		t.Errorf("decoded %d frames, want 1", res.Mel.Dim(2))
	}
	if len(res.Alignment) != 1 || len(res.Alignment[0]) != 3 {
		t.Fatalf("alignment %dx%d, want 1x3", len(res.Alignment), len(res.Alignment[0]))
	}

	var sum float64
	for _, w := range res.Alignment[0] {
		if w < 0 {
			t.Errorf("negative attention weight %g", w)
		}
		sum += float64(w)
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Errorf("attention weights sum to %g", sum)
	}
}

func TestInferHitsStepCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	cfg := tinyConfig()
	m, err := New(rng, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A strongly negative gate bias never stops on its own.
	m.Decoder.GateProj.Bias.RawData()[0] = -50

	res, err := m.Infer(rng, []int64{1, 2})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if !res.Truncated {
		t.Error("decode should have hit the step ceiling")
	}
	if int(res.Mel.Dim(2)) != cfg.Model.MaxDecoderSteps {
		t.Errorf("decoded %d frames, want %d", res.Mel.Dim(2), cfg.Model.MaxDecoderSteps)
	}
}

func TestAttentionMasksPadding(t *testing.T) {
	rng := rand.New(rand.NewSource(6))

	cfg := tinyConfig()
	att, err := NewAttention(rng, cfg.Model.AttentionRNNDim, 8, cfg.Model)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}

	memory, err := tensor.Randn(rng, []int64{2, 4, 8}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	keys, _, err := att.PrepareMemory(memory)
	if err != nil {
		t.Fatalf("PrepareMemory: %v", err)
	}

	query, err := tensor.Randn(rng, []int64{2, int64(cfg.Model.AttentionRNNDim)}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	prev := tensor.MustZeros([]int64{2, 4})
	cum := tensor.MustZeros([]int64{2, 4})

	_, weights, _, err := att.Forward(query, keys, memory, prev, cum, []int{4, 2})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	w := weights.RawData()
	if w[1*4+2] != 0 || w[1*4+3] != 0 {
		t.Error("padded positions received attention weight")
	}

	for b := range 2 {
		var sum float64
		for t2 := range 4 {
			sum += float64(w[b*4+t2])
		}
		if math.Abs(sum-1) > 1e-4 {
			t.Errorf("row %d weights sum to %g", b, sum)
		}
	}
}

func TestPrenetDropoutAlwaysActive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	p, err := NewPrenet(rng, 4, 64)
	if err != nil {
		t.Fatalf("NewPrenet: %v", err)
	}

	x, err := tensor.Randn(rng, []int64{1, 4}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	a, _, err := p.Forward(rng, x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	b, _, err := p.Forward(rng, x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	same := true
	for i, v := range a.RawData() {
		if b.RawData()[i] != v {
			same = false
			break
		}
	}
	if same {
		t.Error("two prenet passes produced identical activations; dropout appears inactive")
	}

	if _, _, err := p.Forward(nil, x); err == nil {
		t.Error("expected an error without a random source")
	}
}
