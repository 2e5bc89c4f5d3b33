package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-voicecraft/internal/audio"
	"github.com/example/go-voicecraft/internal/synth"
)

func newSynthCmd() *cobra.Command {
	var modelPath string
	var text string
	var textFile string
	var out string
	var outDir string
	var seed int64

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize speech from text with a trained model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}

			texts, err := collectTexts(text, textFile)
			if err != nil {
				return err
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			rng := rand.New(rand.NewSource(seed))

			s, err := synth.NewSynthesizer(modelPath, activeCfg, rng)
			if err != nil {
				return err
			}

			if len(texts) == 1 && outDir == "" {
				res, err := s.Synthesize(texts[0])
				if err != nil {
					return err
				}

				if err := audio.WriteWAVFile(out, res.Samples, res.SampleRate); err != nil {
					return err
				}

				duration := float64(len(res.Samples)) / float64(res.SampleRate)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.2fs\n", out, duration)
				return nil
			}

			if outDir == "" {
				outDir = "."
			}

			clips, err := s.SynthesizeAll(texts, outDir)
			if err != nil {
				return err
			}

			for _, clip := range clips {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.2fs\n", clip.AudioPath, clip.Duration)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Trained model checkpoint (safetensors)")
	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize")
	cmd.Flags().StringVar(&textFile, "text-file", "", "File with one text per line for batch synthesis")
	cmd.Flags().StringVar(&out, "out", "output.wav", "Output WAV path for single-text mode")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Output directory for batch mode")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 seeds from the clock)")

	return cmd
}

// collectTexts resolves the synthesis inputs from --text or
// --text-file, exactly one of which must be given.
func collectTexts(text, textFile string) ([]string, error) {
	switch {
	case text != "" && textFile != "":
		return nil, fmt.Errorf("--text and --text-file are mutually exclusive")
	case text != "":
		return []string{text}, nil
	case textFile != "":
		f, err := os.Open(textFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var texts []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				texts = append(texts, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		if len(texts) == 0 {
			return nil, fmt.Errorf("%s contains no texts", textFile)
		}
		return texts, nil
	default:
		return nil, fmt.Errorf("either --text or --text-file is required")
	}
}
