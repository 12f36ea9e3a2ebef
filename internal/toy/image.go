package toy

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/drape/internal/checkpoint"
	"github.com/samcharles93/drape/internal/tensor"
)

// ImageEncoder pools the image into a patchGrid×patchGrid grid of mean
// colours, prepends a class token and runs a short residual stack.
type ImageEncoder struct {
	patch  tensor.Mat // [VisionDim, 3]
	pos    tensor.Mat // [1+patchGrid², VisionDim]
	cls    []float32
	layers []visionLayer
}

type visionLayer struct {
	self, pool tensor.Mat
}

func NewImageEncoder(seed int64) *ImageEncoder {
	g := tensor.NewGenerator(seed + 21)
	e := &ImageEncoder{
		patch: seededMat(g, VisionDim, 3),
		pos:   seededMat(g, 1+patchGrid*patchGrid, VisionDim),
		cls:   tensor.Randn(g, VisionDim).Data,
	}
	for range visionLayers {
		e.layers = append(e.layers, visionLayer{
			self: seededMat(g, VisionDim, VisionDim),
			pool: seededMat(g, VisionDim, VisionDim),
		})
	}
	return e
}

// Tokens is the sequence length of every hidden state.
func (e *ImageEncoder) Tokens() int { return 1 + patchGrid*patchGrid }

// Penultimate returns the hidden state before the last layer, [B, Tokens, VisionDim].
func (e *ImageEncoder) Penultimate(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pixels.Rank() != 4 || pixels.Shape[1] != 3 {
		return nil, fmt.Errorf("toy image encoder: want [B 3 H W], got %v", pixels)
	}
	b, hgt, wid := pixels.Shape[0], pixels.Shape[2], pixels.Shape[3]
	if hgt < patchGrid || wid < patchGrid {
		return nil, fmt.Errorf("toy image encoder: image %dx%d smaller than patch grid", wid, hgt)
	}
	seq := e.Tokens()
	hidden := []*tensor.Tensor{tensor.New(b, seq, VisionDim)}
	h := hidden[0]
	plane := hgt * wid
	rgb := make([]float32, 3)
	for n := 0; n < b; n++ {
		img := pixels.Data[n*3*plane : (n+1)*3*plane]
		base := n * seq * VisionDim
		copy(h.Data[base:base+VisionDim], e.cls)
		for py := 0; py < patchGrid; py++ {
			for px := 0; px < patchGrid; px++ {
				y0, y1 := py*hgt/patchGrid, (py+1)*hgt/patchGrid
				x0, x1 := px*wid/patchGrid, (px+1)*wid/patchGrid
				count := float32((y1 - y0) * (x1 - x0))
				for c := 0; c < 3; c++ {
					var sum float32
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							sum += img[c*plane+y*wid+x]
						}
					}
					rgb[c] = sum / count
				}
				tok := 1 + py*patchGrid + px
				e.patch.MulVec(h.Data[base+tok*VisionDim:base+(tok+1)*VisionDim], rgb)
			}
		}
		for tok := 0; tok < seq; tok++ {
			row := h.Data[base+tok*VisionDim : base+(tok+1)*VisionDim]
			for i, v := range e.pos.Row(tok) {
				row[i] += v
			}
		}
	}

	mean := make([]float32, VisionDim)
	mix := make([]float32, VisionDim)
	for _, l := range e.layers {
		next := h.Clone()
		for n := 0; n < b; n++ {
			seqData := h.Data[n*seq*VisionDim : (n+1)*seq*VisionDim]
			meanRows(mean, seqData, VisionDim)
			for tok := 0; tok < seq; tok++ {
				l.self.MulVec(mix, seqData[tok*VisionDim:(tok+1)*VisionDim])
				l.pool.MulVecAdd(mix, 1, mean)
				tanhInto(mix)
				row := next.Data[n*seq*VisionDim+tok*VisionDim:]
				for i, v := range mix {
					row[i] += v
				}
			}
		}
		hidden = append(hidden, next)
		h = next
	}
	return hidden[len(hidden)-2], nil
}

// Projector resamples image hidden states into ProjTokens text-width tokens
// with a single learned-query attention.
type Projector struct {
	queries tensor.Mat // [ProjTokens, VisionDim]
	out     tensor.Mat // [TextDim, VisionDim]
}

func projWeights(g *tensor.Generator) checkpoint.Weights {
	return checkpoint.Weights{
		"queries":         seeded(g, ProjTokens, VisionDim),
		"proj_out.weight": seeded(g, TextDim, VisionDim),
	}
}

func NewProjector(w checkpoint.Weights) (*Projector, error) {
	q, err := loadMat(w, "queries", ProjTokens, VisionDim)
	if err != nil {
		return nil, err
	}
	o, err := loadMat(w, "proj_out.weight", TextDim, VisionDim)
	if err != nil {
		return nil, err
	}
	return &Projector{queries: q, out: o}, nil
}

// Project maps [B, S, VisionDim] to [B, ProjTokens, TextDim].
func (p *Projector) Project(ctx context.Context, hidden *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hidden.Rank() != 3 || hidden.Shape[2] != VisionDim {
		return nil, fmt.Errorf("toy projector: want [B S %d], got %v", VisionDim, hidden)
	}
	b, seq := hidden.Shape[0], hidden.Shape[1]
	out := tensor.New(b, ProjTokens, TextDim)
	scores := make([]float32, seq)
	ctxVec := make([]float32, VisionDim)
	inv := float32(1 / math.Sqrt(VisionDim))
	for n := 0; n < b; n++ {
		rows := hidden.Data[n*seq*VisionDim : (n+1)*seq*VisionDim]
		for q := 0; q < ProjTokens; q++ {
			query := p.queries.Row(q)
			for s := 0; s < seq; s++ {
				scores[s] = tensor.Dot(query, rows[s*VisionDim:(s+1)*VisionDim]) * inv
			}
			tensor.Softmax(scores)
			clear(ctxVec)
			for s, a := range scores {
				for i, v := range rows[s*VisionDim : (s+1)*VisionDim] {
					ctxVec[i] += a * v
				}
			}
			dst := out.Data[(n*ProjTokens+q)*TextDim : (n*ProjTokens+q+1)*TextDim]
			p.out.MulVec(dst, ctxVec)
		}
	}
	return out, nil
}
