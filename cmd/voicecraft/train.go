package main

import (
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-voicecraft/internal/trainer"
)

func newTrainCmd() *cobra.Command {
	var manifest string
	var epochs int
	var batchSize int
	var learningRate float64
	var maxSamples int
	var checkpointEvery int
	var resume string
	var seed int64

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a pipe-delimited manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := activeCfg
			if manifest != "" {
				cfg.Paths.DataPath = manifest
			}
			if batchSize > 0 {
				cfg.Train.BatchSize = batchSize
			}
			if learningRate > 0 {
				cfg.Train.LearningRate = learningRate
			}
			if epochs <= 0 {
				epochs = cfg.Train.Epochs
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			rng := rand.New(rand.NewSource(seed))

			tr, err := trainer.New(cfg, rng)
			if err != nil {
				return err
			}

			// SIGINT and SIGTERM cancel at the next batch boundary; the
			// trainer writes a checkpoint before returning.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, err = tr.Train(ctx, trainer.TrainOptions{
				Epochs:          epochs,
				MaxSamples:      maxSamples,
				CheckpointEvery: checkpointEvery,
				Resume:          resume,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&manifest, "manifest", "", "Training manifest path (overrides paths-data-path)")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "Number of epochs (0 uses the configured value)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Batch size (0 uses the configured value)")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 0, "Adam learning rate (0 uses the configured value)")
	cmd.Flags().IntVar(&maxSamples, "max-samples", 0, "Cap on manifest lines considered (0 means all)")
	cmd.Flags().IntVar(&checkpointEvery, "checkpoint-every", 0, "Checkpoint interval in epochs (0 uses the configured value)")
	cmd.Flags().StringVar(&resume, "resume", "", "Checkpoint to resume from")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 seeds from the clock)")

	return cmd
}
