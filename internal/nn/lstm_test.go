package nn

import (
	"math/rand"
	"testing"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

func TestLSTMCellGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(21))

	cell, err := NewLSTMCell(rng, 3, 2)
	if err != nil {
		t.Fatalf("NewLSTMCell: %v", err)
	}

	x, err := tensor.Randn(rng, []int64{2, 3}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	h, cs := cell.ZeroState(2)
	copy(h.RawData(), []float32{0.1, -0.2, 0.3, 0.05})
	copy(cs.RawData(), []float32{-0.1, 0.2, 0.0, 0.4})

	forward := func() *tensor.Tensor {
		hNew, _, _, err := cell.Forward(x, h, cs)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return hNew
	}

	hNew, cNew, cache, err := cell.Forward(x, h, cs)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	dh := ones(t, hNew.Shape())
	dc := tensor.MustZeros(cNew.Shape())

	dx, dhPrev, _, err := cell.Backward(cache, dh, dc)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	want := numericGrad(t, x, forward)
	got := dx.RawData()
	for i := range want {
		checkClose(t, "dx", got[i], want[i], 1e-2)
	}

	wantH := numericGrad(t, h, forward)
	gotH := dhPrev.RawData()
	for i := range wantH {
		checkClose(t, "dhPrev", gotH[i], wantH[i], 1e-2)
	}

	wantW := numericGrad(t, cell.WIH, forward)
	gotW := cell.GradWIH.RawData()
	for i := range wantW {
		checkClose(t, "dWih", gotW[i], wantW[i], 1e-2)
	}
}

func TestBiLSTMShapesAndMasking(t *testing.T) {
	rng := rand.New(rand.NewSource(33))

	lstm, err := NewBiLSTM(rng, 3, 4)
	if err != nil {
		t.Fatalf("NewBiLSTM: %v", err)
	}

	x, err := tensor.Randn(rng, []int64{2, 5, 3}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	out, cache, err := lstm.Forward(x, []int{5, 3})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	wantShape := []int64{2, 5, 8}
	for i, d := range out.Shape() {
		if d != wantShape[i] {
			t.Fatalf("output shape %v, want %v", out.Shape(), wantShape)
		}
	}

	// Steps past the second item's length must stay zero.
	data := out.RawData()
	for t2 := 3; t2 < 5; t2++ {
		for j := range 8 {
			if data[(1*5+t2)*8+j] != 0 {
				t.Fatalf("padded step %d has nonzero output", t2)
			}
		}
	}

	dx, err := lstm.Backward(cache, ones(t, out.Shape()))
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	// No gradient may flow into padded input steps.
	dxData := dx.RawData()
	for t2 := 3; t2 < 5; t2++ {
		for j := range 3 {
			if dxData[(1*5+t2)*3+j] != 0 {
				t.Fatalf("padded step %d received input gradient", t2)
			}
		}
	}
}

func TestBiLSTMGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(44))

	lstm, err := NewBiLSTM(rng, 2, 3)
	if err != nil {
		t.Fatalf("NewBiLSTM: %v", err)
	}

	x, err := tensor.Randn(rng, []int64{1, 4, 2}, 1)
	if err != nil {
		t.Fatalf("Randn: %v", err)
	}

	lengths := []int{4}

	forward := func() *tensor.Tensor {
		out, _, err := lstm.Forward(x, lengths)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return out
	}

	out, cache, err := lstm.Forward(x, lengths)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	dx, err := lstm.Backward(cache, ones(t, out.Shape()))
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	want := numericGrad(t, x, forward)
	got := dx.RawData()
	for i := range want {
		checkClose(t, "dx", got[i], want[i], 2e-2)
	}
}

func TestBiLSTMRejectsBadLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	lstm, err := NewBiLSTM(rng, 2, 2)
	if err != nil {
		t.Fatalf("NewBiLSTM: %v", err)
	}

	x := tensor.MustZeros([]int64{1, 3, 2})

	if _, _, err := lstm.Forward(x, []int{4}); err == nil {
		t.Fatal("expected error for length past sequence end")
	}
	if _, _, err := lstm.Forward(x, []int{0}); err == nil {
		t.Fatal("expected error for zero length")
	}
	if _, _, err := lstm.Forward(x, []int{1, 1}); err == nil {
		t.Fatal("expected error for lengths count mismatch")
	}
}
