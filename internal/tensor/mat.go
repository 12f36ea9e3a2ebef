package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Mat represents a dense row-major weight matrix of float32 values.
//
// R and C are the number of rows and columns; Data holds R*C values.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zero-initialised matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// MatFromTensor views a rank-2 tensor as a matrix.
func MatFromTensor(t *Tensor) (Mat, error) {
	if t.Rank() != 2 {
		return Mat{}, fmtError("tensor: matrix requires a rank-2 tensor, got " + t.String())
	}
	return Mat{R: t.Shape[0], C: t.Shape[1], Data: t.Data}, nil
}

func (m Mat) Tensor() *Tensor {
	return &Tensor{Shape: []int{m.R, m.C}, Data: m.Data}
}

func (m Mat) Row(i int) []float32 {
	return m.Data[i*m.C : (i+1)*m.C]
}

// MulVec computes dst = m·x. len(x) must be C and len(dst) must be R.
func (m Mat) MulVec(dst, x []float32) {
	if len(x) != m.C || len(dst) != m.R {
		panic("matvec dimension mismatch")
	}
	if m.R == 0 || m.C == 0 {
		return
	}
	blas32.Gemv(blas.NoTrans, 1, m.general(), vec(x), 0, vec(dst))
}

// MulVecAdd computes dst += alpha·m·x.
func (m Mat) MulVecAdd(dst []float32, alpha float32, x []float32) {
	if len(x) != m.C || len(dst) != m.R {
		panic("matvec dimension mismatch")
	}
	if m.R == 0 || m.C == 0 {
		return
	}
	blas32.Gemv(blas.NoTrans, alpha, m.general(), vec(x), 1, vec(dst))
}

func (m Mat) general() blas32.General {
	return blas32.General{Rows: m.R, Cols: m.C, Stride: m.C, Data: m.Data}
}
