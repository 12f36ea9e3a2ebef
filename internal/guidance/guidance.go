// Package guidance combines conditional and unconditional noise predictions
// with classifier-free guidance.
package guidance

import (
	"fmt"

	"github.com/samcharles93/drape/internal/tensor"
)

// Enabled reports whether scale turns guidance on. Exactly 1.0 is off.
func Enabled(scale float64) bool {
	return scale > 1.0
}

// Combine returns uncond + scale*(cond - uncond). When guidance is disabled
// the result is an exact copy of cond and uncond may be nil.
func Combine(uncond, cond *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	out := tensor.ZerosLike(cond)
	if err := CombineInto(out, uncond, cond, scale); err != nil {
		return nil, err
	}
	return out, nil
}

// CombineInto writes the guided prediction into dst without allocating.
func CombineInto(dst, uncond, cond *tensor.Tensor, scale float64) error {
	if cond == nil {
		return fmt.Errorf("guidance: missing conditional prediction")
	}
	if !dst.SameShape(cond) {
		return fmt.Errorf("guidance: destination %v does not match prediction %v", dst.Shape, cond.Shape)
	}
	if !Enabled(scale) {
		copy(dst.Data, cond.Data)
		return nil
	}
	if uncond == nil {
		return fmt.Errorf("guidance: scale %v requires an unconditional prediction", scale)
	}
	if !uncond.SameShape(cond) {
		return fmt.Errorf("guidance: unconditional %v does not match conditional %v", uncond.Shape, cond.Shape)
	}
	// dst = (1-s)*uncond + s*cond, ordered so dst may alias either input.
	s := float32(scale)
	if aliases(dst, cond) {
		dst.Scale(s)
		return dst.AddScaled(1-s, uncond)
	}
	if !aliases(dst, uncond) {
		copy(dst.Data, uncond.Data)
	}
	dst.Scale(1 - s)
	return dst.AddScaled(s, cond)
}

func aliases(a, b *tensor.Tensor) bool {
	return len(a.Data) > 0 && len(b.Data) > 0 && &a.Data[0] == &b.Data[0]
}
