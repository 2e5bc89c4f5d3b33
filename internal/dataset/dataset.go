// Package dataset loads a pipe-delimited training manifest and turns
// its rows into padded, collated training batches.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/example/go-voicecraft/internal/audio"
	"github.com/example/go-voicecraft/internal/config"
	"github.com/example/go-voicecraft/internal/runtime/tensor"
	"github.com/example/go-voicecraft/internal/text"
)

// ErrManifestNotFound marks a missing manifest file.
var ErrManifestNotFound = errors.New("dataset: manifest not found")

// sample is one manifest row: an audio path and its transcript.
type sample struct {
	audioPath string
	text      string
}

// Item is one fully processed sample.
type Item struct {
	IDs       []int64
	Mel       *tensor.Tensor // [nMels, melLen]
	MelLength int
	AudioPath string
}

// Batch is a collated, padded group of items ready for the model.
type Batch struct {
	IDs         []int64 // [size * maxText], zero padded
	Size        int
	MaxText     int
	TextLengths []int
	Mel         *tensor.Tensor // [size, nMels, maxMel]
	MelLengths  []int
	Gate        *tensor.Tensor // [size, maxMel], 1 from the last real frame on
}

// Dataset reads samples lazily; audio is decoded and featurized on
// access, never cached.
type Dataset struct {
	samples []sample
	vocab   *text.Vocabulary
	feat    *audio.Featurizer
}

// New parses the manifest at path. Rows are "audio_path|transcript";
// rows with fewer than two fields are ignored, and rows whose audio
// file does not exist are skipped. maxSamples > 0 caps how many
// manifest lines are considered.
func New(manifestPath string, cfg config.Config, maxSamples int) (*Dataset, error) {
	vocab, err := text.NewVocabulary(cfg.Characters, cfg.PadToken)
	if err != nil {
		return nil, err
	}

	feat, err := audio.NewFeaturizer(cfg.Audio)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, manifestPath)
		}
		return nil, fmt.Errorf("dataset: open manifest: %w", err)
	}
	defer f.Close()

	var samples []sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		if maxSamples > 0 && line >= maxSamples {
			break
		}
		line++

		fields := strings.Split(scanner.Text(), "|")
		if len(fields) < 2 {
			continue
		}

		audioPath, transcript := fields[0], fields[1]
		if _, err := os.Stat(audioPath); err != nil {
			slog.Debug("skipping sample with missing audio", "path", audioPath)
			continue
		}

		samples = append(samples, sample{audioPath: audioPath, text: transcript})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read manifest: %w", err)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset: manifest %s yields no usable samples", manifestPath)
	}

	slog.Info("dataset loaded", "manifest", manifestPath, "samples", len(samples))

	return &Dataset{
		samples: samples,
		vocab:   vocab,
		feat:    feat,
	}, nil
}

func (d *Dataset) Len() int { return len(d.samples) }

// Get processes sample i: encode the transcript, decode and resample
// the audio, compute and normalize the mel spectrogram.
func (d *Dataset) Get(i int) (*Item, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, fmt.Errorf("dataset: index %d out of range [0, %d)", i, len(d.samples))
	}

	s := d.samples[i]

	ids := d.vocab.Encode(s.text)
	if len(ids) == 0 {
		return nil, fmt.Errorf("dataset: sample %s has no encodable characters", s.audioPath)
	}

	samples, err := d.feat.LoadAudio(s.audioPath)
	if err != nil {
		return nil, fmt.Errorf("dataset: sample %s: %w", s.audioPath, err)
	}

	mel, err := d.feat.MelSpectrogram(samples)
	if err != nil {
		return nil, fmt.Errorf("dataset: sample %s: %w", s.audioPath, err)
	}

	mel = d.feat.NormalizeMel(mel)

	return &Item{
		IDs:       ids,
		Mel:       mel,
		MelLength: int(mel.Dim(1)),
		AudioPath: s.audioPath,
	}, nil
}

// Collate pads items to common lengths. The gate target is 1 from each
// item's final real frame through the end of the padded axis.
func Collate(items []*Item, nMels int) (*Batch, error) {
	if len(items) == 0 {
		return nil, errors.New("dataset: cannot collate an empty batch")
	}

	maxText, maxMel := 0, 0
	for _, it := range items {
		if it == nil {
			return nil, errors.New("dataset: cannot collate a nil item")
		}
		maxText = max(maxText, len(it.IDs))
		maxMel = max(maxMel, it.MelLength)
	}

	size := len(items)
	batch := &Batch{
		IDs:         make([]int64, size*maxText),
		Size:        size,
		MaxText:     maxText,
		TextLengths: make([]int, size),
		MelLengths:  make([]int, size),
	}

	mel, err := tensor.Zeros([]int64{int64(size), int64(nMels), int64(maxMel)})
	if err != nil {
		return nil, err
	}

	gate, err := tensor.Zeros([]int64{int64(size), int64(maxMel)})
	if err != nil {
		return nil, err
	}

	melData := mel.RawData()
	gateData := gate.RawData()

	for i, it := range items {
		copy(batch.IDs[i*maxText:], it.IDs)
		batch.TextLengths[i] = len(it.IDs)
		batch.MelLengths[i] = it.MelLength

		itemData := it.Mel.RawData()
		for m := range nMels {
			copy(
				melData[(i*nMels+m)*maxMel:(i*nMels+m)*maxMel+it.MelLength],
				itemData[m*it.MelLength:(m+1)*it.MelLength],
			)
		}

		for t := it.MelLength - 1; t < maxMel; t++ {
			gateData[i*maxMel+t] = 1
		}
	}

	batch.Mel = mel
	batch.Gate = gate
	return batch, nil
}

// Batches shuffles the dataset and splits the indices into groups of
// batchSize. The final short group is kept.
func (d *Dataset) Batches(rng *rand.Rand, batchSize int) [][]int {
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, len(d.samples))
	for i := range indices {
		indices[i] = i
	}

	if rng != nil {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	var groups [][]int
	for start := 0; start < len(indices); start += batchSize {
		end := min(start+batchSize, len(indices))
		groups = append(groups, indices[start:end])
	}

	return groups
}

const loadWorkers = 4

// LoadBatch processes the given samples concurrently and collates
// them.
func (d *Dataset) LoadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("dataset: cannot load an empty batch")
	}

	items := make([]*Item, len(indices))
	errs := make([]error, len(indices))

	var wg sync.WaitGroup
	sem := make(chan struct{}, loadWorkers)

	for slot, idx := range indices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			items[slot], errs[slot] = d.Get(idx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return Collate(items, d.feat.Config().NMels)
}
