package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

func vec(d []float32) blas32.Vector {
	return blas32.Vector{N: len(d), Inc: 1, Data: d}
}

// Scale multiplies t by s in place and returns t.
func (t *Tensor) Scale(s float32) *Tensor {
	if len(t.Data) > 0 {
		blas32.Scal(s, vec(t.Data))
	}
	return t
}

// AddScaled computes t += alpha*x in place.
func (t *Tensor) AddScaled(alpha float32, x *Tensor) error {
	if !t.SameShape(x) {
		return fmt.Errorf("%w: %v vs %v", errShape, t.Shape, x.Shape)
	}
	if len(t.Data) > 0 {
		blas32.Axpy(alpha, vec(x.Data), vec(t.Data))
	}
	return nil
}

// Lincomb returns a*x + b*y as a new tensor.
func Lincomb(a float32, x *Tensor, b float32, y *Tensor) (*Tensor, error) {
	if !x.SameShape(y) {
		return nil, fmt.Errorf("%w: %v vs %v", errShape, x.Shape, y.Shape)
	}
	out := x.Clone().Scale(a)
	if err := out.AddScaled(b, y); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply replaces every element with fn(v) in place and returns t.
func (t *Tensor) Apply(fn func(float32) float32) *Tensor {
	for i, v := range t.Data {
		t.Data[i] = fn(v)
	}
	return t
}

// Clamp limits every element to [lo, hi] in place and returns t.
func (t *Tensor) Clamp(lo, hi float32) *Tensor {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
	return t
}

// MaxAbsDiff returns the largest elementwise absolute difference. Shapes must
// match; a mismatch reports +Inf.
func MaxAbsDiff(a, b *Tensor) float64 {
	if !a.SameShape(b) {
		return math.Inf(1)
	}
	var m float64
	for i, v := range a.Data {
		d := math.Abs(float64(v) - float64(b.Data[i]))
		if d > m || math.IsNaN(d) {
			m = d
		}
	}
	return m
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	return blas32.Dot(vec(a), vec(b))
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LayerNorm normalises src to zero mean and unit variance into dst.
func LayerNorm(dst, src []float32, eps float32) {
	if len(src) == 0 {
		return
	}
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v) - mean) * inv)
	}
}

func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}
