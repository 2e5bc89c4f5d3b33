// Package trainer runs the supervised training loop: teacher-forced
// forward passes, analytic backward passes, Adam updates with global
// gradient clipping, plateau learning rate scheduling, and periodic
// safetensors checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/example/go-voicecraft/internal/checkpoint"
	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/dataset"
	"github.com/example/go-voicecraft/internal/model"
	"github.com/example/go-voicecraft/internal/nn"
)

const (
	plateauFactor   = 0.5
	plateauPatience = 10
)

// Trainer owns the model and optimization state for one training run.
type Trainer struct {
	cfg   config.Config
	rng   *rand.Rand
	model *model.Model
	opt   *nn.Adam
	sched *nn.ReduceOnPlateau

	epoch      int
	globalStep int
	bestLoss   float64
}

// TrainOptions selects the run length and checkpoint cadence.
type TrainOptions struct {
	Epochs          int
	MaxSamples      int
	CheckpointEvery int
	Resume          string
}

// New builds a fresh model, optimizer, and scheduler from the
// configuration and creates the checkpoint and output directories.
func New(cfg config.Config, rng *rand.Rand) (*Trainer, error) {
	if rng == nil {
		return nil, errors.New("trainer: a random source is required")
	}

	m, err := model.New(rng, cfg)
	if err != nil {
		return nil, err
	}

	opt, err := nn.NewAdam(cfg.Train.LearningRate, cfg.Train.WeightDecay)
	if err != nil {
		return nil, err
	}

	sched, err := nn.NewReduceOnPlateau(opt, plateauFactor, plateauPatience)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Paths.CheckpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("trainer: create checkpoint dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("trainer: create output dir: %w", err)
	}

	return &Trainer{
		cfg:      cfg,
		rng:      rng,
		model:    m,
		opt:      opt,
		sched:    sched,
		bestLoss: math.Inf(1),
	}, nil
}

// Model exposes the trained model, mainly for tests.
func (t *Trainer) Model() *model.Model { return t.model }

// resume restores model weights, optimizer moments, scheduler state,
// and progress counters from a checkpoint.
func (t *Trainer) resume(path string) error {
	st, err := checkpoint.Load(path)
	if err != nil {
		return err
	}

	if err := checkpoint.Compatible(st, t.cfg); err != nil {
		return err
	}

	if err := checkpoint.Restore(t.model.Params(), st.Params); err != nil {
		return err
	}

	if st.Optimizer != nil {
		if err := t.opt.ImportState(*st.Optimizer); err != nil {
			return err
		}
	}

	if st.Scheduler != nil {
		t.sched.ImportState(*st.Scheduler)
	}

	t.epoch = st.Epoch
	t.globalStep = st.GlobalStep
	t.bestLoss = st.BestLoss

	slog.Info("resumed from checkpoint",
		"path", path,
		"epoch", t.epoch,
		"global_step", t.globalStep,
		"best_loss", t.bestLoss,
	)
	return nil
}

func (t *Trainer) state() checkpoint.State {
	optState := t.opt.ExportState()
	schedState := t.sched.ExportState()

	return checkpoint.State{
		Config:     t.cfg,
		Epoch:      t.epoch,
		GlobalStep: t.globalStep,
		BestLoss:   t.bestLoss,
		Params:     checkpoint.Snapshot(t.model.Params()),
		Optimizer:  &optState,
		Scheduler:  &schedState,
	}
}

// stepLosses are the per-batch loss components.
type stepLosses struct {
	Total      float64
	Mel        float64
	MelPostnet float64
	Gate       float64
}

// trainStep runs one batch: forward, loss, backward, clip, update.
func (t *Trainer) trainStep(batch *dataset.Batch) (stepLosses, error) {
	var losses stepLosses

	out, cache, err := t.model.ForwardTraining(t.rng, model.TrainingInput{
		IDs:         batch.IDs,
		Batch:       batch.Size,
		MaxT:        batch.MaxText,
		TextLengths: batch.TextLengths,
		MelTarget:   batch.Mel,
	})
	if err != nil {
		return losses, err
	}

	melLoss, dMelPre, err := nn.MSELoss(out.MelPre, batch.Mel)
	if err != nil {
		return losses, err
	}

	postLoss, dMelPost, err := nn.MSELoss(out.MelPost, batch.Mel)
	if err != nil {
		return losses, err
	}

	gateLoss, dGate, err := nn.BCEWithLogitsLoss(out.GateLogits, batch.Gate)
	if err != nil {
		return losses, err
	}

	losses = stepLosses{
		Total:      melLoss + postLoss + gateLoss,
		Mel:        melLoss,
		MelPostnet: postLoss,
		Gate:       gateLoss,
	}

	t.model.ZeroGrads()
	if err := t.model.Backward(cache, dMelPre, dMelPost, dGate); err != nil {
		return losses, err
	}

	params := t.model.Params()
	nn.ClipGradNorm(params, t.cfg.Train.GradClipThresh)

	if err := t.opt.Step(params); err != nil {
		return losses, err
	}

	t.globalStep++
	return losses, nil
}

// Train runs the full loop. Cancellation is observed at batch
// boundaries: an unconditional checkpoint is written before the
// context error is returned. It returns the mean loss of each
// completed epoch.
func (t *Trainer) Train(ctx context.Context, opts TrainOptions) ([]float64, error) {
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("trainer: epochs must be positive, got %d", opts.Epochs)
	}

	checkpointEvery := opts.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = t.cfg.Train.CheckpointEvery
	}

	if opts.Resume != "" {
		if err := t.resume(opts.Resume); err != nil {
			return nil, err
		}
	}

	ds, err := dataset.New(t.cfg.Paths.DataPath, t.cfg, opts.MaxSamples)
	if err != nil {
		return nil, err
	}

	slog.Info("training",
		"epochs", opts.Epochs,
		"samples", ds.Len(),
		"batch_size", t.cfg.Train.BatchSize,
		"start_epoch", t.epoch,
	)

	var epochLosses []float64
	for epoch := t.epoch; epoch < opts.Epochs; epoch++ {
		t.epoch = epoch

		var sum float64
		var batches int
		for _, indices := range ds.Batches(t.rng, t.cfg.Train.BatchSize) {
			if err := ctx.Err(); err != nil {
				return epochLosses, t.interrupt(err)
			}

			batch, err := ds.LoadBatch(indices)
			if err != nil {
				return epochLosses, err
			}

			losses, err := t.trainStep(batch)
			if err != nil {
				return epochLosses, err
			}

			sum += losses.Total
			batches++

			slog.Debug("batch",
				"epoch", epoch+1,
				"step", t.globalStep,
				"loss", losses.Total,
				"mel", losses.Mel,
				"gate", losses.Gate,
			)
		}

		avgLoss := sum / float64(batches)
		epochLosses = append(epochLosses, avgLoss)

		if t.sched.Observe(avgLoss) {
			slog.Info("learning rate reduced", "lr", t.opt.LearningRate())
		}

		slog.Info("epoch",
			"epoch", epoch+1,
			"epochs", opts.Epochs,
			"loss", avgLoss,
			"lr", t.opt.LearningRate(),
		)

		isBest := avgLoss < t.bestLoss
		if isBest {
			t.bestLoss = avgLoss
		}

		// Checkpoints written here record the epoch as completed, so a
		// resumed run picks up with the next one. The interrupt path
		// keeps the in-progress epoch instead.
		t.epoch = epoch + 1

		if (epoch+1)%checkpointEvery == 0 || isBest {
			path := filepath.Join(t.cfg.Paths.CheckpointDir, fmt.Sprintf("checkpoint_epoch_%d.safetensors", epoch+1))
			if err := t.saveCheckpoint(path, isBest); err != nil {
				return epochLosses, err
			}
		}
	}

	finalPath := filepath.Join(t.cfg.Paths.OutputDir, "final_model.safetensors")
	if err := t.saveCheckpoint(finalPath, false); err != nil {
		return epochLosses, err
	}
	slog.Info("training complete", "final_model", finalPath)

	if err := t.plotLoss(epochLosses); err != nil {
		return epochLosses, err
	}

	return epochLosses, nil
}

// interrupt writes the cancellation checkpoint and passes the context
// error through.
func (t *Trainer) interrupt(cause error) error {
	path := filepath.Join(t.cfg.Paths.CheckpointDir, "checkpoint_interrupted.safetensors")
	if err := t.saveCheckpoint(path, false); err != nil {
		slog.Error("failed to write interrupt checkpoint", "path", path, "error", err)
		return errors.Join(cause, err)
	}

	slog.Info("interrupted, checkpoint written", "path", path)
	return cause
}

func (t *Trainer) saveCheckpoint(path string, isBest bool) error {
	st := t.state()
	if err := checkpoint.Save(path, st); err != nil {
		return err
	}

	if isBest {
		bestPath := filepath.Join(t.cfg.Paths.OutputDir, "best_model.safetensors")
		if err := checkpoint.Save(bestPath, st); err != nil {
			return err
		}
		slog.Info("saved best model", "path", bestPath, "loss", t.bestLoss)
	}

	return nil
}

// plotLoss renders the per-epoch loss curve to output_dir.
func (t *Trainer) plotLoss(losses []float64) error {
	if len(losses) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = "Training Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(losses))
	for i, l := range losses {
		pts[i].X = float64(i + 1)
		pts[i].Y = l
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("trainer: build loss curve: %w", err)
	}
	p.Add(line)

	path := filepath.Join(t.cfg.Paths.OutputDir, "loss_curve.png")
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("trainer: save loss curve: %w", err)
	}

	slog.Info("loss curve saved", "path", path)
	return nil
}
