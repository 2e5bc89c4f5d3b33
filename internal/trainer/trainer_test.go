package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-voicecraft/internal/audio"
	"github.com/example/go-voicecraft/internal/checkpoint"
	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/dataset"
	"github.com/example/go-voicecraft/internal/model"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Audio.SampleRate = 8000
	cfg.Audio.NFFT = 256
	cfg.Audio.HopLength = 64
	cfg.Audio.WinLength = 256
	cfg.Audio.NMels = 8
	cfg.Audio.MelFmax = 4000

	cfg.Model.EncoderEmbeddingDim = 8
	cfg.Model.EncoderNConvs = 1
	cfg.Model.EncoderKernelSize = 3
	cfg.Model.AttentionRNNDim = 6
	cfg.Model.AttentionDim = 5
	cfg.Model.AttentionLocationNFilters = 2
	cfg.Model.AttentionLocationKernelSize = 3
	cfg.Model.DecoderRNNDim = 6
	cfg.Model.PrenetDim = 4
	cfg.Model.MaxDecoderSteps = 20
	cfg.Model.PostnetEmbeddingDim = 8
	cfg.Model.PostnetKernelSize = 3
	cfg.Model.PostnetNConvs = 2

	cfg.Characters = "abc "
	cfg.PadToken = "_"

	cfg.Train.BatchSize = 2
	cfg.Train.LearningRate = 1e-3
	cfg.Train.WeightDecay = 0
	cfg.Train.GradClipThresh = 1.0
	cfg.Train.CheckpointEvery = 1

	cfg.Paths.DataPath = writeDataset(t, dir)
	cfg.Paths.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Paths.OutputDir = filepath.Join(dir, "output")

	return cfg
}

func writeDataset(t *testing.T, dir string) string {
	t.Helper()

	manifest := ""
	for i, transcript := range []string{"abc", "cab a", "bca"} {
		samples := make([]float32, 512+128*i)
		for j := range samples {
			samples[j] = float32(0.3 * math.Sin(2*math.Pi*300*float64(j)/8000))
		}

		path := filepath.Join(dir, fmt.Sprintf("clip%d.wav", i))
		if err := audio.WriteWAVFile(path, samples, 8000); err != nil {
			t.Fatalf("WriteWAVFile: %v", err)
		}
		manifest += path + "|" + transcript + "\n"
	}

	manifestPath := filepath.Join(dir, "manifest.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return manifestPath
}

func TestTrainSmoke(t *testing.T) {
	cfg := testConfig(t)

	tr, err := New(cfg, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	losses, err := tr.Train(context.Background(), TrainOptions{Epochs: 2, CheckpointEvery: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	if len(losses) != 2 {
		t.Fatalf("len(losses) = %d, want 2", len(losses))
	}
	for i, l := range losses {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			t.Fatalf("loss[%d] = %g", i, l)
		}
	}

	for _, name := range []string{"checkpoint_epoch_1.safetensors", "checkpoint_epoch_2.safetensors"} {
		if _, err := os.Stat(filepath.Join(cfg.Paths.CheckpointDir, name)); err != nil {
			t.Fatalf("missing checkpoint %s: %v", name, err)
		}
	}

	for _, name := range []string{"best_model.safetensors", "final_model.safetensors", "loss_curve.png"} {
		if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, name)); err != nil {
			t.Fatalf("missing output %s: %v", name, err)
		}
	}

	st, err := checkpoint.Load(filepath.Join(cfg.Paths.OutputDir, "final_model.safetensors"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Config.VocabSize() != cfg.VocabSize() {
		t.Fatalf("checkpoint vocab size = %d, want %d", st.Config.VocabSize(), cfg.VocabSize())
	}
	if st.Epoch != 2 {
		t.Fatalf("checkpoint epoch = %d, want 2", st.Epoch)
	}
	if st.Optimizer == nil || st.Optimizer.Step == 0 {
		t.Fatal("checkpoint carries no optimizer progress")
	}
}

func TestTrainLossDecreases(t *testing.T) {
	if testing.Short() {
		t.Skip("long optimization run")
	}

	cfg := testConfig(t)

	tr, err := New(cfg, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	losses, err := tr.Train(context.Background(), TrainOptions{
		Epochs:          30,
		MaxSamples:      1,
		CheckpointEvery: 100,
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	head := (losses[0] + losses[1] + losses[2]) / 3
	n := len(losses)
	tail := (losses[n-3] + losses[n-2] + losses[n-1]) / 3
	if tail >= head {
		t.Fatalf("mean loss did not decrease: first epochs %g, last epochs %g", head, tail)
	}
}

func TestGateLearnsStopBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("long optimization run")
	}

	cfg := testConfig(t)
	rng := rand.New(rand.NewSource(17))

	tr, err := New(cfg, rng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := tr.Train(context.Background(), TrainOptions{Epochs: 60, CheckpointEvery: 1000}); err != nil {
		t.Fatalf("Train: %v", err)
	}

	ds, err := dataset.New(cfg.Paths.DataPath, cfg, 0)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}

	batch, err := ds.LoadBatch([]int{0, 1, 2})
	if err != nil {
		t.Fatalf("LoadBatch: %v", err)
	}

	out, _, err := tr.Model().ForwardTraining(rng, model.TrainingInput{
		IDs:         batch.IDs,
		Batch:       batch.Size,
		MaxT:        batch.MaxText,
		TextLengths: batch.TextLengths,
		MelTarget:   batch.Mel,
	})
	if err != nil {
		t.Fatalf("ForwardTraining: %v", err)
	}

	// After training, the logit at each sample's true final frame
	// should sit above its mid-utterance logits more often than chance.
	logits := out.GateLogits.RawData()
	maxMel := int(out.GateLogits.Dim(1))

	var endSum, midSum float64
	var midCount int
	separated := 0
	for i, melLen := range batch.MelLengths {
		row := logits[i*maxMel : (i+1)*maxMel]
		end := float64(row[melLen-1])
		endSum += end

		var mid float64
		for j := range melLen - 1 {
			mid += float64(row[j])
		}
		midSum += mid
		midCount += melLen - 1

		if end > mid/float64(melLen-1) {
			separated++
		}
	}

	if separated < 2 {
		t.Fatalf("gate separates end from mid frames in %d of %d samples", separated, batch.Size)
	}
	if endSum/float64(batch.Size) <= midSum/float64(midCount) {
		t.Fatalf("mean end logit %g not above mean mid logit %g", endSum/float64(batch.Size), midSum/float64(midCount))
	}
}

func TestTrainCancellation(t *testing.T) {
	cfg := testConfig(t)

	tr, err := New(cfg, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tr.Train(ctx, TrainOptions{Epochs: 5})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	interrupted := filepath.Join(cfg.Paths.CheckpointDir, "checkpoint_interrupted.safetensors")
	if _, err := os.Stat(interrupted); err != nil {
		t.Fatalf("missing interrupt checkpoint: %v", err)
	}
}

func TestTrainResume(t *testing.T) {
	cfg := testConfig(t)

	tr, err := New(cfg, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := tr.Train(context.Background(), TrainOptions{Epochs: 1, CheckpointEvery: 1}); err != nil {
		t.Fatalf("Train: %v", err)
	}

	resumed, err := New(cfg, rand.New(rand.NewSource(6)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ckpt := filepath.Join(cfg.Paths.CheckpointDir, "checkpoint_epoch_1.safetensors")
	losses, err := resumed.Train(context.Background(), TrainOptions{
		Epochs:          2,
		CheckpointEvery: 1,
		Resume:          ckpt,
	})
	if err != nil {
		t.Fatalf("resumed Train: %v", err)
	}

	// One completed epoch in the checkpoint leaves one to run.
	if len(losses) != 1 {
		t.Fatalf("len(losses) = %d, want 1", len(losses))
	}
	if resumed.opt.StepCount() <= 2 {
		t.Fatalf("optimizer step = %d, want continuation past the first epoch", resumed.opt.StepCount())
	}
}

func TestTrainResumeIncompatible(t *testing.T) {
	cfg := testConfig(t)

	tr, err := New(cfg, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := tr.Train(context.Background(), TrainOptions{Epochs: 1, CheckpointEvery: 1}); err != nil {
		t.Fatalf("Train: %v", err)
	}

	other := cfg
	other.Characters = "xyz"
	other.Paths.CheckpointDir = t.TempDir()
	other.Paths.OutputDir = t.TempDir()

	mismatched, err := New(other, rand.New(rand.NewSource(10)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ckpt := filepath.Join(cfg.Paths.CheckpointDir, "checkpoint_epoch_1.safetensors")
	_, err = mismatched.Train(context.Background(), TrainOptions{Epochs: 2, Resume: ckpt})
	if !errors.Is(err, checkpoint.ErrIncompatibleCheckpoint) {
		t.Fatalf("err = %v, want ErrIncompatibleCheckpoint", err)
	}
}
