package nn

import (
	"errors"
	"fmt"
	"math"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// Adam implements the Adam optimizer with decoupled-from-nothing L2
// weight decay added straight into the gradient, matching the classic
// formulation. Moment buffers are keyed by parameter name so they
// survive a checkpoint round trip.
type Adam struct {
	lr          float64
	weightDecay float64
	step        int

	m map[string][]float32
	v map[string][]float32
}

func NewAdam(lr, weightDecay float64) (*Adam, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("nn: adam learning rate must be positive, got %g", lr)
	}

	if weightDecay < 0 {
		return nil, fmt.Errorf("nn: adam weight decay must not be negative, got %g", weightDecay)
	}

	return &Adam{
		lr:          lr,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}, nil
}

func (a *Adam) LearningRate() float64 { return a.lr }

func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

func (a *Adam) StepCount() int { return a.step }

// Step applies one update to every trainable parameter. Parameters
// with a nil gradient are skipped.
func (a *Adam) Step(params []Param) error {
	if a == nil || a.m == nil {
		return errors.New("nn: adam is not initialized")
	}

	a.step++
	bc1 := 1 - math.Pow(adamBeta1, float64(a.step))
	bc2 := 1 - math.Pow(adamBeta2, float64(a.step))

	for _, p := range params {
		if !p.Trainable() {
			continue
		}

		n := p.Value.ElemCount()
		if p.Grad.ElemCount() != n {
			return fmt.Errorf("nn: adam parameter %q grad size mismatch", p.Name)
		}

		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float32, n)
			a.m[p.Name] = m
			a.v[p.Name] = make([]float32, n)
		}
		v := a.v[p.Name]

		if len(m) != n {
			return fmt.Errorf("nn: adam moment buffer for %q has %d elements, want %d", p.Name, len(m), n)
		}

		val := p.Value.RawData()
		grad := p.Grad.RawData()

		for i := range n {
			g := float64(grad[i]) + a.weightDecay*float64(val[i])

			mi := adamBeta1*float64(m[i]) + (1-adamBeta1)*g
			vi := adamBeta2*float64(v[i]) + (1-adamBeta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			val[i] -= float32(a.lr * (mi / bc1) / (math.Sqrt(vi/bc2) + adamEps))
		}
	}

	return nil
}

// AdamState is the serializable optimizer state.
type AdamState struct {
	LearningRate float64
	WeightDecay  float64
	Step         int
	M            map[string][]float32
	V            map[string][]float32
}

func (a *Adam) ExportState() AdamState {
	m := make(map[string][]float32, len(a.m))
	v := make(map[string][]float32, len(a.v))

	for name, buf := range a.m {
		m[name] = append([]float32(nil), buf...)
	}
	for name, buf := range a.v {
		v[name] = append([]float32(nil), buf...)
	}

	return AdamState{
		LearningRate: a.lr,
		WeightDecay:  a.weightDecay,
		Step:         a.step,
		M:            m,
		V:            v,
	}
}

func (a *Adam) ImportState(st AdamState) error {
	if st.LearningRate <= 0 {
		return errors.New("nn: adam state has a non-positive learning rate")
	}

	a.lr = st.LearningRate
	a.weightDecay = st.WeightDecay
	a.step = st.Step
	a.m = make(map[string][]float32, len(st.M))
	a.v = make(map[string][]float32, len(st.V))

	for name, buf := range st.M {
		a.m[name] = append([]float32(nil), buf...)
	}
	for name, buf := range st.V {
		a.v[name] = append([]float32(nil), buf...)
	}

	return nil
}
