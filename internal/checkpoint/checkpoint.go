// Package checkpoint persists model weights, optimizer state, and the
// producing configuration as a single safetensors file. Training
// progress and the config snapshot ride in the header metadata, so a
// checkpoint is self-describing.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/nn"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
)

// ErrIncompatibleCheckpoint marks a checkpoint whose architecture does
// not match the running configuration.
var ErrIncompatibleCheckpoint = errors.New("checkpoint: incompatible with current configuration")

const (
	optimMPrefix = "optim.m."
	optimVPrefix = "optim.v."

	metaConfig     = "config"
	metaEpoch      = "epoch"
	metaGlobalStep = "global_step"
	metaBestLoss   = "best_loss"
	metaOptimizer  = "optimizer"
	metaScheduler  = "scheduler"
)

// State is everything a checkpoint carries.
type State struct {
	Config     config.Config
	Epoch      int
	GlobalStep int
	BestLoss   float64

	Params map[string]Tensor

	Optimizer *nn.AdamState
	Scheduler *nn.PlateauState
}

type optimizerMeta struct {
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	Step         int     `json:"step"`
}

// Save writes the state to path. Optimizer moment buffers are stored
// as additional tensors under a reserved prefix.
func Save(path string, st State) error {
	if len(st.Params) == 0 {
		return errors.New("checkpoint: state has no parameters")
	}

	tensors := make([]Tensor, 0, len(st.Params))
	for name, t := range st.Params {
		if t.Name != "" && t.Name != name {
			return fmt.Errorf("checkpoint: parameter key %q disagrees with tensor name %q", name, t.Name)
		}
		tensors = append(tensors, Tensor{Name: name, Shape: t.Shape, Data: t.Data})
	}

	metadata := map[string]string{
		metaEpoch:      strconv.Itoa(st.Epoch),
		metaGlobalStep: strconv.Itoa(st.GlobalStep),
		metaBestLoss:   strconv.FormatFloat(st.BestLoss, 'g', -1, 64),
	}

	cfgJSON, err := json.Marshal(st.Config)
	if err != nil {
		return fmt.Errorf("checkpoint: encode config: %w", err)
	}
	metadata[metaConfig] = string(cfgJSON)

	if st.Optimizer != nil {
		meta := optimizerMeta{
			LearningRate: st.Optimizer.LearningRate,
			WeightDecay:  st.Optimizer.WeightDecay,
			Step:         st.Optimizer.Step,
		}

		optJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("checkpoint: encode optimizer state: %w", err)
		}
		metadata[metaOptimizer] = string(optJSON)

		for name, buf := range st.Optimizer.M {
			tensors = append(tensors, Tensor{
				Name:  optimMPrefix + name,
				Shape: []int64{int64(len(buf))},
				Data:  buf,
			})
		}
		for name, buf := range st.Optimizer.V {
			tensors = append(tensors, Tensor{
				Name:  optimVPrefix + name,
				Shape: []int64{int64(len(buf))},
				Data:  buf,
			})
		}
	}

	if st.Scheduler != nil {
		schedJSON, err := json.Marshal(st.Scheduler)
		if err != nil {
			return fmt.Errorf("checkpoint: encode scheduler state: %w", err)
		}
		metadata[metaScheduler] = string(schedJSON)
	}

	return WriteFile(path, tensors, metadata)
}

// Load reads a checkpoint back into a State.
func Load(path string) (*State, error) {
	tensors, metadata, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	st := &State{Params: make(map[string]Tensor)}

	var optM, optV map[string][]float32
	for name, t := range tensors {
		switch {
		case strings.HasPrefix(name, optimMPrefix):
			if optM == nil {
				optM = make(map[string][]float32)
			}
			optM[strings.TrimPrefix(name, optimMPrefix)] = t.Data
		case strings.HasPrefix(name, optimVPrefix):
			if optV == nil {
				optV = make(map[string][]float32)
			}
			optV[strings.TrimPrefix(name, optimVPrefix)] = t.Data
		default:
			st.Params[name] = t
		}
	}

	if len(st.Params) == 0 {
		return nil, errors.New("checkpoint: file contains no model parameters")
	}

	if raw, ok := metadata[metaConfig]; ok {
		if err := json.Unmarshal([]byte(raw), &st.Config); err != nil {
			return nil, fmt.Errorf("checkpoint: decode config snapshot: %w", err)
		}
	} else {
		return nil, errors.New("checkpoint: file carries no config snapshot")
	}

	if raw, ok := metadata[metaEpoch]; ok {
		if st.Epoch, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("checkpoint: decode epoch: %w", err)
		}
	}

	if raw, ok := metadata[metaGlobalStep]; ok {
		if st.GlobalStep, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("checkpoint: decode global step: %w", err)
		}
	}

	if raw, ok := metadata[metaBestLoss]; ok {
		if st.BestLoss, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("checkpoint: decode best loss: %w", err)
		}
	}

	if raw, ok := metadata[metaOptimizer]; ok {
		var meta optimizerMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("checkpoint: decode optimizer state: %w", err)
		}

		st.Optimizer = &nn.AdamState{
			LearningRate: meta.LearningRate,
			WeightDecay:  meta.WeightDecay,
			Step:         meta.Step,
			M:            optM,
			V:            optV,
		}
	}

	if raw, ok := metadata[metaScheduler]; ok {
		st.Scheduler = &nn.PlateauState{}
		if err := json.Unmarshal([]byte(raw), st.Scheduler); err != nil {
			return nil, fmt.Errorf("checkpoint: decode scheduler state: %w", err)
		}
	}

	return st, nil
}

// Snapshot captures the current parameter values of a model.
func Snapshot(params []nn.Param) map[string]Tensor {
	out := make(map[string]Tensor, len(params))
	for _, p := range params {
		out[p.Name] = Tensor{
			Name:  p.Name,
			Shape: p.Value.Shape(),
			Data:  p.Value.Data(),
		}
	}

	return out
}

// Restore copies the stored parameters into the given model
// parameters. Every model parameter must be present with a matching
// shape.
func Restore(params []nn.Param, stored map[string]Tensor) error {
	for _, p := range params {
		t, ok := stored[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint: parameter %q missing from checkpoint", p.Name)
		}

		if !tensor.SameShape(p.Value.Shape(), t.Shape) {
			return fmt.Errorf("checkpoint: parameter %q has shape %v, checkpoint has %v", p.Name, p.Value.Shape(), t.Shape)
		}

		copy(p.Value.RawData(), t.Data)
	}

	return nil
}

// Compatible reports whether a checkpoint's architecture can be loaded
// under the given configuration. Vocabulary size and mel band count
// determine tensor shapes end to end.
func Compatible(st *State, cfg config.Config) error {
	if st == nil {
		return errors.New("checkpoint: no state to compare")
	}

	if st.Config.VocabSize() != cfg.VocabSize() {
		return fmt.Errorf("%w: vocabulary size %d vs %d", ErrIncompatibleCheckpoint, st.Config.VocabSize(), cfg.VocabSize())
	}

	if st.Config.Audio.NMels != cfg.Audio.NMels {
		return fmt.Errorf("%w: mel bands %d vs %d", ErrIncompatibleCheckpoint, st.Config.Audio.NMels, cfg.Audio.NMels)
	}

	return nil
}
