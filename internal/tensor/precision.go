package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Precision is the element precision a device computes in. Tensors stay
// float32 in memory; RoundTo quantises values so they carry exactly the
// information the device precision would.
type Precision string

const (
	F32  Precision = "f32"
	F16  Precision = "f16"
	BF16 Precision = "bf16"
)

func ParsePrecision(s string) (Precision, error) {
	switch Precision(strings.ToLower(strings.TrimSpace(s))) {
	case "", F32, "fp32", "float32":
		return F32, nil
	case F16, "fp16", "float16":
		return F16, nil
	case BF16, "bfloat16":
		return BF16, nil
	}
	return "", fmt.Errorf("unknown precision %q", s)
}

// RoundTo quantises t in place to precision p and returns t.
func (t *Tensor) RoundTo(p Precision) *Tensor {
	switch p {
	case F16:
		for i, v := range t.Data {
			t.Data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range t.Data {
			t.Data[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	}
	return t
}
