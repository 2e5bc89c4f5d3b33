// Package synth is the text-to-waveform surface: it loads a trained
// checkpoint and turns text into audio through the model and the
// Griffin-Lim vocoder.
package synth

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/example/go-voicecraft/internal/audio"
	"github.com/example/go-voicecraft/internal/checkpoint"
	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/model"
	"github.com/example/go-voicecraft/internal/text"
	"github.com/example/go-voicecraft/internal/vocoder"
)

const peakTarget = 0.9

// Synthesizer generates speech for text using a trained model.
type Synthesizer struct {
	cfg   config.Config
	rng   *rand.Rand
	model *model.Model
	vocab *text.Vocabulary
	voc   *vocoder.GriffinLim
}

// Result is one synthesized utterance.
type Result struct {
	Samples    []float32
	SampleRate int
	Alignment  [][]float32
	Truncated  bool
}

// ClipInfo describes one written output file.
type ClipInfo struct {
	Text      string
	AudioPath string
	Duration  float64
}

// NewSynthesizer loads the checkpoint at path and builds the model,
// vocabulary, and vocoder under the given configuration. The
// checkpoint must be architecturally compatible; rng drives both the
// prenet dropout and the vocoder's initial phase.
func NewSynthesizer(checkpointPath string, cfg config.Config, rng *rand.Rand) (*Synthesizer, error) {
	if rng == nil {
		return nil, errors.New("synth: a random source is required")
	}

	st, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return nil, err
	}

	if err := checkpoint.Compatible(st, cfg); err != nil {
		return nil, err
	}

	m, err := model.New(rng, cfg)
	if err != nil {
		return nil, err
	}

	if err := checkpoint.Restore(m.Params(), st.Params); err != nil {
		return nil, err
	}

	vocab, err := text.NewVocabulary(cfg.Characters, cfg.PadToken)
	if err != nil {
		return nil, err
	}

	voc, err := vocoder.New(cfg.Audio, 0, rng)
	if err != nil {
		return nil, err
	}

	slog.Info("model loaded", "checkpoint", checkpointPath, "epoch", st.Epoch)

	return &Synthesizer{
		cfg:   cfg,
		rng:   rng,
		model: m,
		vocab: vocab,
		voc:   voc,
	}, nil
}

// Synthesize generates a peak-normalized waveform for one text.
func (s *Synthesizer) Synthesize(input string) (*Result, error) {
	ids := s.vocab.Encode(input)
	if len(ids) == 0 {
		return nil, fmt.Errorf("synth: text %q has no encodable characters", input)
	}

	res, err := s.model.Infer(s.rng, ids)
	if err != nil {
		return nil, err
	}

	if res.Truncated {
		slog.Warn("decoding hit the step ceiling before the gate fired", "text", input)
	}

	mel, err := res.Mel.Reshape([]int64{res.Mel.Dim(1), res.Mel.Dim(2)})
	if err != nil {
		return nil, err
	}

	samples, err := s.voc.MelToAudio(mel)
	if err != nil {
		return nil, err
	}

	samples = audio.PeakNormalize(samples, peakTarget)

	return &Result{
		Samples:    samples,
		SampleRate: s.cfg.Audio.SampleRate,
		Alignment:  res.Alignment,
		Truncated:  res.Truncated,
	}, nil
}

// SynthesizeAll writes one WAV per text into outDir, named
// output_0000.wav onward, and reports each clip's duration.
func (s *Synthesizer) SynthesizeAll(texts []string, outDir string) ([]ClipInfo, error) {
	if len(texts) == 0 {
		return nil, errors.New("synth: no texts to synthesize")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("synth: create output dir: %w", err)
	}

	clips := make([]ClipInfo, 0, len(texts))
	for i, input := range texts {
		res, err := s.Synthesize(input)
		if err != nil {
			return clips, fmt.Errorf("synth: text %d: %w", i, err)
		}

		path := filepath.Join(outDir, fmt.Sprintf("output_%04d.wav", i))
		if err := audio.WriteWAVFile(path, res.Samples, res.SampleRate); err != nil {
			return clips, err
		}

		duration := float64(len(res.Samples)) / float64(res.SampleRate)
		slog.Info("clip written", "path", path, "duration_s", duration)

		clips = append(clips, ClipInfo{
			Text:      input,
			AudioPath: path,
			Duration:  duration,
		})
	}

	return clips, nil
}
