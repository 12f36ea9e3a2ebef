package tensor

import (
	"math"
	"testing"
)

func TestConcatAndBatchViews(t *testing.T) {
	t.Parallel()

	a, _ := FromData([]float32{1, 2, 3, 4}, 1, 2, 2)
	b, _ := FromData([]float32{5, 6, 7, 8}, 1, 2, 2)
	c, err := Concat(a, b)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if !ShapeEqual(c.Shape, []int{2, 2, 2}) {
		t.Fatalf("shape = %v", c.Shape)
	}
	if !c.Batch(1).Equal(b) {
		t.Fatalf("batch(1) = %v, want %v", c.Batch(1).Data, b.Data)
	}
	c.Batch(0).Data[0] = 42
	if c.Data[0] != 42 {
		t.Fatalf("batch view does not share storage")
	}

	if _, err := Concat(a, New(1, 3, 2)); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestRepeatOrdering(t *testing.T) {
	t.Parallel()

	x, _ := FromData([]float32{1, 2}, 2, 1)
	if got := Repeat(x, 2).Data; !equalSlices(got, []float32{1, 2, 1, 2}) {
		t.Fatalf("repeat = %v", got)
	}
	if got := RepeatInterleave(x, 2).Data; !equalSlices(got, []float32{1, 1, 2, 2}) {
		t.Fatalf("repeat interleave = %v", got)
	}
}

func TestLincombAndAddScaled(t *testing.T) {
	t.Parallel()

	x, _ := FromData([]float32{1, 2, 3}, 3)
	y, _ := FromData([]float32{4, 5, 6}, 3)
	z, err := Lincomb(2, x, -1, y)
	if err != nil {
		t.Fatalf("lincomb: %v", err)
	}
	if !equalSlices(z.Data, []float32{-2, -1, 0}) {
		t.Fatalf("lincomb = %v", z.Data)
	}
	if err := z.AddScaled(1, New(4)); err == nil {
		t.Fatalf("expected shape error")
	}
}

func TestMatMulVec(t *testing.T) {
	t.Parallel()

	m := NewMat(2, 3)
	copy(m.Data, []float32{1, 0, 2, 0, 1, -1})
	dst := make([]float32, 2)
	m.MulVec(dst, []float32{1, 2, 3})
	if !equalSlices(dst, []float32{7, -1}) {
		t.Fatalf("mulvec = %v", dst)
	}
	m.MulVecAdd(dst, 2, []float32{1, 1, 1})
	if !equalSlices(dst, []float32{13, -1}) {
		t.Fatalf("mulvecadd = %v", dst)
	}
}

func TestRandnDeterministic(t *testing.T) {
	t.Parallel()

	a := Randn(NewGenerator(42), 2, 4, 8, 8)
	b := Randn(NewGenerator(42), 2, 4, 8, 8)
	if !a.Equal(b) {
		t.Fatalf("same seed produced different samples")
	}
	c := Randn(NewGenerator(43), 2, 4, 8, 8)
	if a.Equal(c) {
		t.Fatalf("different seeds produced identical samples")
	}
}

func TestRandnBatchPerSampleGenerators(t *testing.T) {
	t.Parallel()

	gens := []*Generator{NewGenerator(1), NewGenerator(2)}
	x, err := RandnBatch(gens, 2, 3)
	if err != nil {
		t.Fatalf("randn batch: %v", err)
	}
	want := Randn(NewGenerator(2), 1, 3)
	if !x.Batch(1).Equal(want) {
		t.Fatalf("entry 1 not drawn from its own generator")
	}
	if _, err := RandnBatch(gens, 3, 3); err == nil {
		t.Fatalf("expected generator count error")
	}
}

func TestRoundToPrecision(t *testing.T) {
	t.Parallel()

	x, _ := FromData([]float32{1.0001, 3.14159265, -2.5e-8}, 3)
	h := x.Clone().RoundTo(F16)
	if h.Data[0] != 1 {
		t.Fatalf("f16 round of 1.0001 = %v", h.Data[0])
	}
	bf := x.Clone().RoundTo(BF16)
	if math.Abs(float64(bf.Data[1])-3.14159265) > 0.02 {
		t.Fatalf("bf16 value too far: %v", bf.Data[1])
	}
	if !x.Clone().RoundTo(F32).Equal(x) {
		t.Fatalf("f32 rounding changed values")
	}
	if _, err := ParsePrecision("fp8"); err == nil {
		t.Fatalf("expected error for unknown precision")
	}
}

func equalSlices(a, b []float32) bool {
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
