package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor is a dense row-major float32 array with an explicit shape.
//
// The leading axis is the batch axis for every tensor that flows through the
// sampler: latents are [batch, channels, height, width] and embeddings are
// [batch, sequence, dim]. Views returned by Batch share Data with the parent.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor. It panics on a negative dimension.
func New(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: cloneShape(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps data without copying. The length of data must match shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Shape: cloneShape(shape), Data: data}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// ZerosLike returns a zero tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

func (t *Tensor) Numel() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: cloneShape(t.Shape), Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapeEqual(t.Shape, o.Shape)
}

// Equal reports bit-for-bit equality of shape and contents.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.SameShape(o) {
		return false
	}
	for i, v := range t.Data {
		if math.Float32bits(v) != math.Float32bits(o.Data[i]) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	if t == nil {
		return "tensor<nil>"
	}
	parts := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		parts[i] = fmt.Sprint(d)
	}
	return "tensor[" + strings.Join(parts, " ") + "]"
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v to %v", t.Shape, shape)
	}
	return &Tensor{Shape: cloneShape(shape), Data: t.Data}, nil
}

// BatchStride is the number of elements in one entry of the leading axis.
func (t *Tensor) BatchStride() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return len(t.Data) / t.Shape[0]
}

// Batch returns a view of entry i along the leading axis, keeping the axis
// with size 1.
func (t *Tensor) Batch(i int) *Tensor {
	if i < 0 || i >= t.Shape[0] {
		panic(fmt.Sprintf("tensor: batch index %d out of range for %v", i, t.Shape))
	}
	stride := t.BatchStride()
	shape := cloneShape(t.Shape)
	shape[0] = 1
	return &Tensor{Shape: shape, Data: t.Data[i*stride : (i+1)*stride]}
}

// Concat joins tensors along the leading axis. Trailing dimensions must agree.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: concat of zero tensors")
	}
	first := ts[0]
	if first.Rank() == 0 {
		return nil, fmt.Errorf("tensor: concat of scalar")
	}
	batch := 0
	for _, t := range ts {
		if t.Rank() != first.Rank() || !ShapeEqual(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("tensor: concat shape mismatch %v vs %v", t.Shape, first.Shape)
		}
		batch += t.Shape[0]
	}
	shape := cloneShape(first.Shape)
	shape[0] = batch
	out := New(shape...)
	off := 0
	for _, t := range ts {
		off += copy(out.Data[off:], t.Data)
	}
	return out, nil
}

// Repeat tiles t n times along the leading axis: [a b] becomes [a b a b].
func Repeat(t *Tensor, n int) *Tensor {
	shape := cloneShape(t.Shape)
	shape[0] *= n
	out := New(shape...)
	for i := 0; i < n; i++ {
		copy(out.Data[i*len(t.Data):], t.Data)
	}
	return out
}

// RepeatInterleave repeats every batch entry n times in place: [a b] becomes
// [a a b b].
func RepeatInterleave(t *Tensor, n int) *Tensor {
	shape := cloneShape(t.Shape)
	shape[0] *= n
	out := New(shape...)
	stride := t.BatchStride()
	off := 0
	for b := 0; b < t.Shape[0]; b++ {
		src := t.Data[b*stride : (b+1)*stride]
		for i := 0; i < n; i++ {
			off += copy(out.Data[off:], src)
		}
	}
	return out
}

func ShapeEqual(a, b []int) bool {
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

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errNegativeDim
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, errTooLarge
		}
		n *= d
	}
	return n, nil
}

func cloneShape(shape []int) []int {
	return append([]int(nil), shape...)
}

var (
	errNegativeDim = fmtError("tensor: negative dimension")
	errTooLarge    = fmtError("tensor: shape too large")
	errShape       = fmtError("tensor: shape mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
