package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const dtypeF32 = "F32"

// Tensor is a single named float32 tensor in a safetensors payload.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// EncodeTensors serializes float32 tensors and a metadata string map
// into safetensors format: 8-byte LE header length, JSON header, raw
// data. Metadata goes under the reserved __metadata__ key.
func EncodeTensors(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("checkpoint: no tensors to encode")
	}

	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	header := make(map[string]any, len(sorted)+1)
	var raw []byte

	for _, tensor := range sorted {
		name := strings.TrimSpace(tensor.Name)
		if name == "" {
			return nil, errors.New("checkpoint: tensor name must not be empty")
		}

		if name == "__metadata__" {
			return nil, errors.New("checkpoint: tensor name __metadata__ is reserved")
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("checkpoint: duplicate tensor name %q", name)
		}

		elemCount, err := shapeElementCount(tensor.Shape)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}

		if int64(len(tensor.Data)) != elemCount {
			return nil, fmt.Errorf(
				"checkpoint: tensor %q shape %v expects %d elements, got %d",
				name, tensor.Shape, elemCount, len(tensor.Data),
			)
		}

		start := len(raw)
		raw = append(raw, make([]byte, len(tensor.Data)*4)...)
		for i, v := range tensor.Data {
			binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
		}

		header[name] = headerEntry{
			DType:   dtypeF32,
			Shape:   append([]int64(nil), tensor.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(raw))
	lenPrefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenPrefix, uint64(len(headerJSON)))
	out = append(out, lenPrefix...)
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// DecodeTensors parses a safetensors payload, returning the tensors
// keyed by name and the metadata map (nil when absent).
func DecodeTensors(data []byte) (map[string]Tensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("checkpoint: payload shorter than the header length prefix")
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("checkpoint: header length %d exceeds payload size %d", headerLen, len(data))
	}

	headerEnd := 8 + int(headerLen)

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("checkpoint: decode header: %w", err)
	}

	var metadata map[string]string
	tensors := make(map[string]Tensor, len(rawHeader))

	for name, rawEntry := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(rawEntry, &metadata); err != nil {
				return nil, nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
			}
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			return nil, nil, fmt.Errorf("checkpoint: decode header entry %q: %w", name, err)
		}

		if !strings.EqualFold(entry.DType, dtypeF32) {
			return nil, nil, fmt.Errorf("checkpoint: tensor %q has unsupported dtype %q", name, entry.DType)
		}

		elemCount, err := shapeElementCount(entry.Shape)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}

		start := headerEnd + entry.Offsets[0]
		end := headerEnd + entry.Offsets[1]
		if start < headerEnd || end < start || end > len(data) {
			return nil, nil, fmt.Errorf("checkpoint: tensor %q data [%d:%d] exceeds payload size %d", name, start, end, len(data))
		}

		if int64(end-start) != elemCount*4 {
			return nil, nil, fmt.Errorf("checkpoint: tensor %q needs %d bytes but has %d", name, elemCount*4, end-start)
		}

		values := make([]float32, elemCount)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[start+i*4:]))
		}

		tensors[name] = Tensor{
			Name:  name,
			Shape: append([]int64(nil), entry.Shape...),
			Data:  values,
		}
	}

	if len(tensors) == 0 {
		return nil, nil, errors.New("checkpoint: no tensors found")
	}

	return tensors, metadata, nil
}

// WriteFile encodes and writes a safetensors file.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) error {
	data, err := EncodeTensors(tensors, metadata)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}

	return nil
}

// ReadFile reads and decodes a safetensors file.
func ReadFile(path string) (map[string]Tensor, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	return DecodeTensors(data)
}

func shapeElementCount(shape []int64) (int64, error) {
	count := int64(1)
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("negative dimension %d in shape %v", dim, shape)
		}
		count *= dim
	}

	return count, nil
}
