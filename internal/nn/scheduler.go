package nn

import "fmt"

// ReduceOnPlateau halves the learning rate when the tracked loss has
// not improved for a number of consecutive epochs.
type ReduceOnPlateau struct {
	opt      *Adam
	factor   float64
	patience int

	best    float64
	badRuns int
	hasBest bool
}

func NewReduceOnPlateau(opt *Adam, factor float64, patience int) (*ReduceOnPlateau, error) {
	if opt == nil {
		return nil, fmt.Errorf("nn: plateau scheduler requires an optimizer")
	}

	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("nn: plateau factor must be in (0, 1), got %g", factor)
	}

	if patience < 0 {
		return nil, fmt.Errorf("nn: plateau patience must not be negative, got %d", patience)
	}

	return &ReduceOnPlateau{opt: opt, factor: factor, patience: patience}, nil
}

// Observe records one epoch loss. It returns true when the learning
// rate was just reduced.
func (s *ReduceOnPlateau) Observe(loss float64) bool {
	if !s.hasBest || loss < s.best {
		s.best = loss
		s.hasBest = true
		s.badRuns = 0
		return false
	}

	s.badRuns++
	if s.badRuns <= s.patience {
		return false
	}

	s.opt.SetLearningRate(s.opt.LearningRate() * s.factor)
	s.badRuns = 0
	return true
}

// PlateauState is the serializable scheduler state.
type PlateauState struct {
	Factor   float64
	Patience int
	Best     float64
	BadRuns  int
	HasBest  bool
}

func (s *ReduceOnPlateau) ExportState() PlateauState {
	return PlateauState{
		Factor:   s.factor,
		Patience: s.patience,
		Best:     s.best,
		BadRuns:  s.badRuns,
		HasBest:  s.hasBest,
	}
}

func (s *ReduceOnPlateau) ImportState(st PlateauState) {
	if st.Factor > 0 && st.Factor < 1 {
		s.factor = st.Factor
	}
	if st.Patience >= 0 {
		s.patience = st.Patience
	}
	s.best = st.Best
	s.badRuns = st.BadRuns
	s.hasBest = st.HasBest
}
