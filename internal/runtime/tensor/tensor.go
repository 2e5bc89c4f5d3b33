package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense, row-major float32 tensor shared by the model layers,
// the optimizer and the checkpoint store.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]float32(nil), data...)

	return &Tensor{shape: s, data: d}, nil
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

// MustZeros is Zeros for shapes already validated by the caller; it panics
// on an invalid shape and exists for model construction paths where the
// dimensions come straight from a validated configuration.
func MustZeros(shape []int64) *Tensor {
	t, err := Zeros(shape)
	if err != nil {
		panic(err)
	}

	return t
}

// Full creates a tensor filled with value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

// Randn creates a tensor with entries drawn from N(0, std^2) using the
// provided source, so weight initialization is reproducible in tests.
func Randn(rng *rand.Rand, shape []int64, std float64) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64() * std)
	}

	return t, nil
}

// Uniform creates a tensor with entries drawn from U(-bound, bound).
func Uniform(rng *rand.Rand, shape []int64, bound float64) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = float32((rng.Float64()*2 - 1) * bound)
	}

	return t, nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int64 {
	if t == nil || i < 0 || i >= len(t.shape) {
		return 0
	}

	return t.shape[i]
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice. The slice aliases the
// tensor's storage; parameter updates and gradient accumulation mutate it
// in place.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	dup, _ := New(t.data, t.shape)

	return dup
}

// Reshape returns a tensor with a new shape and copied values.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return &Tensor{shape: append([]int64(nil), shape...), data: append([]float32(nil), t.data...)}, nil
}

// Zero resets every element to 0 in place.
func (t *Tensor) Zero() {
	if t == nil {
		return
	}

	for i := range t.data {
		t.data[i] = 0
	}
}

// AddScaled adds alpha*other to t in place. Shapes must match exactly.
func (t *Tensor) AddScaled(other *Tensor, alpha float32) error {
	if t == nil || other == nil {
		return errors.New("tensor: addscaled requires non-nil tensors")
	}

	if !SameShape(t.shape, other.shape) {
		return fmt.Errorf("tensor: addscaled shape mismatch %v vs %v", t.shape, other.shape)
	}

	for i, v := range other.data {
		t.data[i] += alpha * v
	}

	return nil
}

// Scale multiplies every element by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	if t == nil {
		return
	}

	for i := range t.data {
		t.data[i] *= alpha
	}
}

// SumSquares returns the sum of squared elements, accumulated in float64.
func (t *Tensor) SumSquares() float64 {
	if t == nil {
		return 0
	}

	var sum float64
	for _, v := range t.data {
		sum += float64(v) * float64(v)
	}

	return sum
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// DotProduct computes the float32 dot product of two equal-length slices.
func DotProduct(a, b []float32) float32 {
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}

	return sum
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		total *= d
		if total > math.MaxInt32 {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}
	}

	return int(total), nil
}
