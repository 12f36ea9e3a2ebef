package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

// TextEncoder is a residual stack over a causal running mean of the token
// embeddings. Every layer output is exposed so callers can skip final layers.
type TextEncoder struct {
	embed   tensor.Mat // [vocabBuckets, TextDim]
	pos     tensor.Mat // [MaxTokens, TextDim]
	layers  []tensor.Mat
	useMask bool
}

func NewTextEncoder(seed int64, useMask bool) *TextEncoder {
	g := tensor.NewGenerator(seed + 11)
	e := &TextEncoder{
		embed:   seededMat(g, vocabBuckets, TextDim),
		pos:     seededMat(g, MaxTokens, TextDim),
		useMask: useMask,
	}
	for range textLayers {
		e.layers = append(e.layers, seededMat(g, TextDim, TextDim))
	}
	return e
}

func (e *TextEncoder) UsesAttentionMask() bool { return e.useMask }

func (e *TextEncoder) Forward(ctx context.Context, ids []int, mask []int) (*model.TextOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(ids)
	if n == 0 || n > MaxTokens {
		return nil, fmt.Errorf("toy text encoder: %d tokens, want 1..%d", n, MaxTokens)
	}
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("toy text encoder: mask has %d entries for %d tokens", len(mask), n)
	}

	h := tensor.New(1, n, TextDim)
	for s, id := range ids {
		row := h.Data[s*TextDim : (s+1)*TextDim]
		copy(row, e.embed.Row(((id%vocabBuckets)+vocabBuckets)%vocabBuckets))
		for i, v := range e.pos.Row(s) {
			row[i] += v
		}
	}
	out := &model.TextOutput{Hidden: []*tensor.Tensor{h}}

	running := make([]float32, TextDim)
	mixed := make([]float32, TextDim)
	for _, w := range e.layers {
		next := h.Clone()
		clear(running)
		count := 0
		for s := 0; s < n; s++ {
			if !e.useMask || mask == nil || mask[s] != 0 {
				for i, v := range h.Data[s*TextDim : (s+1)*TextDim] {
					running[i] += v
				}
				count++
			}
			if count == 0 {
				continue
			}
			w.MulVec(mixed, running)
			row := next.Data[s*TextDim : (s+1)*TextDim]
			inv := 1 / float32(count)
			for i := range row {
				row[i] += tensor.Tanh(mixed[i] * inv)
			}
		}
		out.Hidden = append(out.Hidden, next)
		h = next
	}
	out.Last = e.FinalLayerNorm(h)
	return out, nil
}

// FinalLayerNorm normalises every position of h to zero mean and unit
// variance.
func (e *TextEncoder) FinalLayerNorm(h *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(h)
	d := h.Dim(-1)
	for off := 0; off+d <= len(h.Data); off += d {
		tensor.LayerNorm(out.Data[off:off+d], h.Data[off:off+d], 1e-5)
	}
	return out
}
