package nn

import (
	"math"
	"testing"

	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

func TestMSELoss(t *testing.T) {
	pred, err := tensor.New([]float32{1, 2, 3, 4}, []int64{2, 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	target, err := tensor.New([]float32{1, 0, 3, 2}, []int64{2, 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loss, grad, err := MSELoss(pred, target)
	if err != nil {
		t.Fatalf("MSELoss: %v", err)
	}

	if math.Abs(loss-2) > 1e-6 {
		t.Errorf("loss = %g, want 2", loss)
	}

	g := grad.RawData()
	checkClose(t, "grad[1]", g[1], 1, 1e-6)
	checkClose(t, "grad[0]", g[0], 0, 1e-6)
}

func TestBCEWithLogitsLoss(t *testing.T) {
	logits, err := tensor.New([]float32{0, 100}, []int64{2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	target, err := tensor.New([]float32{0, 1}, []int64{2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loss, grad, err := BCEWithLogitsLoss(logits, target)
	if err != nil {
		t.Fatalf("BCEWithLogitsLoss: %v", err)
	}

	// First element contributes log(2), second essentially zero.
	if math.Abs(loss-math.Ln2/2) > 1e-4 {
		t.Errorf("loss = %g, want %g", loss, math.Ln2/2)
	}

	g := grad.RawData()
	checkClose(t, "grad[0]", g[0], 0.25, 1e-4)
	checkClose(t, "grad[1]", g[1], 0, 1e-4)
}

func TestBCEWithLogitsStableForLargeNegative(t *testing.T) {
	logits, err := tensor.New([]float32{-500}, []int64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	target, err := tensor.New([]float32{1}, []int64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loss, _, err := BCEWithLogitsLoss(logits, target)
	if err != nil {
		t.Fatalf("BCEWithLogitsLoss: %v", err)
	}

	if math.IsInf(loss, 0) || math.IsNaN(loss) {
		t.Fatalf("loss overflowed: %g", loss)
	}
}

func TestLossShapeMismatch(t *testing.T) {
	a := tensor.MustZeros([]int64{2})
	b := tensor.MustZeros([]int64{3})

	if _, _, err := MSELoss(a, b); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if _, _, err := BCEWithLogitsLoss(a, b); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestClipGradNorm(t *testing.T) {
	grad, err := tensor.New([]float32{3, 4}, []int64{2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := []Param{{Name: "w", Value: tensor.MustZeros([]int64{2}), Grad: grad}}

	norm := ClipGradNorm(params, 1)
	if math.Abs(norm-5) > 1e-5 {
		t.Errorf("pre-clip norm = %g, want 5", norm)
	}

	g := grad.RawData()
	clipped := math.Sqrt(float64(g[0])*float64(g[0]) + float64(g[1])*float64(g[1]))
	if math.Abs(clipped-1) > 1e-3 {
		t.Errorf("post-clip norm = %g, want 1", clipped)
	}

	// Norms under the threshold are left alone.
	norm = ClipGradNorm(params, 10)
	if math.Abs(norm-clipped) > 1e-3 {
		t.Errorf("second pass norm = %g, want %g", norm, clipped)
	}
	if math.Abs(float64(g[0])-0.6) > 1e-2 {
		t.Errorf("gradient changed below threshold")
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	value, err := tensor.New([]float32{5}, []int64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	grad := tensor.MustZeros([]int64{1})

	params := []Param{{Name: "x", Value: value, Grad: grad}}

	opt, err := NewAdam(0.1, 0)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}

	// Minimize (x - 2)^2 by hand-computed gradient steps.
	for range 500 {
		grad.RawData()[0] = 2 * (value.RawData()[0] - 2)
		if err := opt.Step(params); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	if math.Abs(float64(value.RawData()[0])-2) > 1e-2 {
		t.Errorf("converged to %g, want 2", value.RawData()[0])
	}
}

func TestAdamSkipsUntrainedParams(t *testing.T) {
	value, err := tensor.New([]float32{3}, []int64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := []Param{{Name: "running_mean", Value: value}}

	opt, err := NewAdam(0.1, 0)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}

	if err := opt.Step(params); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if value.RawData()[0] != 3 {
		t.Errorf("nil-grad parameter was updated to %g", value.RawData()[0])
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	value, err := tensor.New([]float32{5}, []int64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	grad, err := tensor.New([]float32{1}, []int64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := []Param{{Name: "x", Value: value, Grad: grad}}

	a, err := NewAdam(0.01, 1e-4)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}
	for range 3 {
		if err := a.Step(params); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	b, err := NewAdam(1, 0)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}
	if err := b.ImportState(a.ExportState()); err != nil {
		t.Fatalf("ImportState: %v", err)
	}

	if b.StepCount() != 3 {
		t.Errorf("step count = %d, want 3", b.StepCount())
	}
	if b.LearningRate() != 0.01 {
		t.Errorf("learning rate = %g, want 0.01", b.LearningRate())
	}

	// Both optimizers must now produce identical updates.
	valA := value.Clone()
	gradA := grad.Clone()
	if err := a.Step([]Param{{Name: "x", Value: valA, Grad: gradA}}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	valB := value.Clone()
	gradB := grad.Clone()
	if err := b.Step([]Param{{Name: "x", Value: valB, Grad: gradB}}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if valA.RawData()[0] != valB.RawData()[0] {
		t.Errorf("restored optimizer diverged: %g vs %g", valA.RawData()[0], valB.RawData()[0])
	}
}

func TestReduceOnPlateau(t *testing.T) {
	opt, err := NewAdam(0.1, 0)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}

	sched, err := NewReduceOnPlateau(opt, 0.5, 2)
	if err != nil {
		t.Fatalf("NewReduceOnPlateau: %v", err)
	}

	if sched.Observe(1.0) {
		t.Fatal("first observation must not reduce")
	}

	// Two stalls within patience keep the rate.
	sched.Observe(1.5)
	sched.Observe(1.2)
	if opt.LearningRate() != 0.1 {
		t.Fatalf("rate reduced within patience window")
	}

	// Third stall exceeds patience 2.
	if !sched.Observe(1.1) {
		t.Fatal("expected reduction after patience exhausted")
	}
	if math.Abs(opt.LearningRate()-0.05) > 1e-9 {
		t.Errorf("learning rate = %g, want 0.05", opt.LearningRate())
	}

	// Improvement resets the stall counter.
	if sched.Observe(0.5) {
		t.Fatal("improvement must not reduce")
	}
}

func TestReduceOnPlateauStateRoundTrip(t *testing.T) {
	opt, err := NewAdam(0.1, 0)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}

	a, err := NewReduceOnPlateau(opt, 0.5, 10)
	if err != nil {
		t.Fatalf("NewReduceOnPlateau: %v", err)
	}

	a.Observe(1.0)
	a.Observe(2.0)

	b, err := NewReduceOnPlateau(opt, 0.5, 10)
	if err != nil {
		t.Fatalf("NewReduceOnPlateau: %v", err)
	}
	b.ImportState(a.ExportState())

	st := b.ExportState()
	if st.Best != 1.0 || st.BadRuns != 1 || !st.HasBest {
		t.Errorf("restored state = %+v", st)
	}
}
