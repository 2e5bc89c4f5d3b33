package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cwbudde/wav"
)

// DecodeWAV decodes WAV bytes into mono float32 samples plus the source
// sample rate. Multi-channel audio is downmixed by averaging channels.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("audio: empty WAV input")
	}

	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("audio: invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: reading PCM data: %w", err)
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, 0, fmt.Errorf("audio: invalid channel count %d", channels)
	}

	samples := buf.Data
	if channels == 1 {
		return samples, int(dec.SampleRate), nil
	}

	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}

		mono[i] = sum / float32(channels)
	}

	return mono, int(dec.SampleRate), nil
}

// DecodeWAVFile decodes a WAV file from disk.
func DecodeWAVFile(path string) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read %s: %w", path, err)
	}

	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode %s: %w", path, err)
	}

	return samples, rate, nil
}
