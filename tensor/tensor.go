// Package tensor provides the flat float32 n-dimensional array used by the
// model and optimizer. All compute runs on the CPU; data is stored row-major.
package tensor

import (
	"fmt"
	"math/rand"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // scalar
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s) }

// Equal checks if two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string { return fmt.Sprintf("%v", []int(s)) }

// Tensor is a dense row-major float32 array with an optional gradient buffer
// of the same size. The gradient is allocated on first use.
type Tensor struct {
	Data  []float32
	shape Shape
	grad  []float32
}

// New creates a zero-filled tensor.
func New(shape ...int) *Tensor {
	s := Shape(shape).Clone()
	return &Tensor{Data: make([]float32, s.NumElements()), shape: s}
}

// FromSlice creates a tensor that takes ownership of data.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if len(data) != s.NumElements() {
		return nil, fmt.Errorf("data length %d != shape elements %d", len(data), s.NumElements())
	}
	return &Tensor{Data: data, shape: s.Clone()}, nil
}

// Randn creates a tensor with values drawn from N(0, std²).
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// Full creates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func (t *Tensor) Shape() Shape     { return t.shape }
func (t *Tensor) NDim() int        { return len(t.shape) }
func (t *Tensor) NumElements() int { return len(t.Data) }

// Grad returns the gradient buffer, allocating it on first access.
func (t *Tensor) Grad() []float32 {
	if t.grad == nil {
		t.grad = make([]float32, len(t.Data))
	}
	return t.grad
}

// HasGrad reports whether a gradient buffer has been allocated.
func (t *Tensor) HasGrad() bool { return t.grad != nil }

// ZeroGrad clears the gradient buffer if one exists.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumGrad adds g elementwise into the gradient buffer.
func (t *Tensor) AccumGrad(g []float32) {
	grad := t.Grad()
	for i, v := range g {
		grad[i] += v
	}
}

// Clone returns a deep copy of the tensor data (gradient not copied).
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.Data, t.Data)
	return c
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, n=%d, grad=%v)", t.shape, len(t.Data), t.grad != nil)
}

// Add computes a + b elementwise into a new tensor.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.shape, b.shape)
	}
	out := New(a.shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Mul computes a * b elementwise into a new tensor.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.shape, b.shape)
	}
	out := New(a.shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}
