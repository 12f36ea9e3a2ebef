package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/checkpoint"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

// UNet is a per-position denoiser with one attention block per entry of
// Blocks. Each block mixes in the mean of its own sequence (self-attention),
// the mean of the encoder context (cross-attention) and, when reference
// features are supplied, the mean of the captured reference sequence.
//
// The same type serves as the reference net: Capture reports each block's
// self-attention input and discards the prediction.
type UNet struct {
	convIn   tensor.Mat // [HiddenDim, LatentChannels]
	convOut  tensor.Mat // [LatentChannels, HiddenDim]
	timeProj tensor.Mat // [HiddenDim, 2*timeFreqs]
	skip     float32
	blocks   []unetBlock
}

type unetBlock struct {
	layer string
	self  tensor.Mat // [HiddenDim, HiddenDim]
	cross tensor.Mat // [HiddenDim, TextDim]
	ref   *tensor.Mat
}

func attnWeight(block, attn string) string {
	return block + ".attentions.0.transformer_blocks.0." + attn + ".to_out.0.weight"
}

func adapterWeight(i int) string {
	return fmt.Sprintf("%d.to_out_ref.weight", i)
}

func unetWeights(g *tensor.Generator) checkpoint.Weights {
	w := checkpoint.Weights{
		"conv_in.weight":        seeded(g, HiddenDim, LatentChannels),
		"conv_out.weight":       seeded(g, LatentChannels, HiddenDim),
		"time_embedding.weight": seeded(g, HiddenDim, 2*timeFreqs),
		"skip":                  tensor.Full(0.5, 1),
	}
	for _, b := range Blocks {
		w[attnWeight(b, "attn1")] = seeded(g, HiddenDim, HiddenDim)
		w[attnWeight(b, "attn2")] = seeded(g, HiddenDim, TextDim)
	}
	return w
}

func adapterWeights(g *tensor.Generator) checkpoint.Weights {
	w := checkpoint.Weights{}
	for i := range Blocks {
		w[adapterWeight(i)] = seeded(g, HiddenDim, HiddenDim)
	}
	return w
}

// NewUNet loads a UNet from its weight group. adapter holds the reference
// injection projections and may be nil for a net that never receives
// reference features.
func NewUNet(w, adapter checkpoint.Weights) (*UNet, error) {
	u := &UNet{}
	var err error
	if u.convIn, err = loadMat(w, "conv_in.weight", HiddenDim, LatentChannels); err != nil {
		return nil, err
	}
	if u.convOut, err = loadMat(w, "conv_out.weight", LatentChannels, HiddenDim); err != nil {
		return nil, err
	}
	if u.timeProj, err = loadMat(w, "time_embedding.weight", HiddenDim, 2*timeFreqs); err != nil {
		return nil, err
	}
	if u.skip, err = loadScalar(w, "skip"); err != nil {
		return nil, err
	}
	for i, name := range Blocks {
		blk := unetBlock{layer: LayerName(name)}
		if blk.self, err = loadMat(w, attnWeight(name, "attn1"), HiddenDim, HiddenDim); err != nil {
			return nil, err
		}
		if blk.cross, err = loadMat(w, attnWeight(name, "attn2"), HiddenDim, TextDim); err != nil {
			return nil, err
		}
		if len(adapter) > 0 {
			m, err := loadMat(adapter, adapterWeight(i), HiddenDim, HiddenDim)
			if err != nil {
				return nil, fmt.Errorf("adapter: %w", err)
			}
			blk.ref = &m
		}
		u.blocks = append(u.blocks, blk)
	}
	return u, nil
}

// Layers lists the self-attention layer names in evaluation order.
func (u *UNet) Layers() []string {
	out := make([]string, len(u.blocks))
	for i, b := range u.blocks {
		out[i] = b.layer
	}
	return out
}

func (u *UNet) Forward(ctx context.Context, latent *tensor.Tensor, sc model.StepContext) (*tensor.Tensor, error) {
	return u.run(ctx, latent, sc.Timestep, sc.Encoder, sc.Reference, sc.ImageScale, sc.Control, nil)
}

func (u *UNet) Capture(ctx context.Context, latent *tensor.Tensor, timestep float64, encoder *tensor.Tensor, sink model.FeatureSink) error {
	if sink == nil {
		return fmt.Errorf("toy unet: nil feature sink")
	}
	_, err := u.run(ctx, latent, timestep, encoder, nil, 0, nil, sink)
	return err
}

func (u *UNet) run(
	ctx context.Context,
	latent *tensor.Tensor,
	timestep float64,
	encoder *tensor.Tensor,
	ref model.ReferenceFeatures,
	imageScale float32,
	control *model.ControlResiduals,
	sink model.FeatureSink,
) (*tensor.Tensor, error) {
	if latent.Rank() != 4 || latent.Shape[1] != LatentChannels {
		return nil, fmt.Errorf("toy unet: want latent [B %d h w], got %v", LatentChannels, latent)
	}
	b := latent.Shape[0]
	seq := latent.Shape[2] * latent.Shape[3]
	if encoder == nil || encoder.Rank() != 3 || encoder.Shape[2] != TextDim {
		return nil, fmt.Errorf("toy unet: want encoder [B S %d], got %v", TextDim, encoder)
	}
	if encoder.Shape[0] != b && encoder.Shape[0] != 1 {
		return nil, fmt.Errorf("toy unet: encoder batch %d does not match latent batch %d", encoder.Shape[0], b)
	}

	enc := make([][]float32, b)
	for n := range enc {
		e := n
		if encoder.Shape[0] == 1 {
			e = 0
		}
		enc[n] = make([]float32, TextDim)
		meanRows(enc[n], encoder.Batch(e).Data, TextDim)
	}
	temb := make([]float32, HiddenDim)
	u.timeProj.MulVec(temb, timeFeatures(timestep))

	h := tensor.New(b, seq, HiddenDim)
	x := make([]float32, LatentChannels)
	for n := 0; n < b; n++ {
		for p := 0; p < seq; p++ {
			for c := range x {
				x[c] = latent.Data[(n*LatentChannels+c)*seq+p]
			}
			row := h.Data[(n*seq+p)*HiddenDim : (n*seq+p+1)*HiddenDim]
			copy(row, temb)
			u.convIn.MulVecAdd(row, 1, x)
		}
	}

	mean := make([]float32, HiddenDim)
	shift := make([]float32, HiddenDim)
	for k, blk := range u.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sink != nil {
			if err := sink.Capture(blk.layer, h); err != nil {
				return nil, err
			}
		}
		var refMean []float32
		if ref != nil {
			r, ok := ref.Get(blk.layer)
			if !ok {
				return nil, fmt.Errorf("toy unet: no reference features for %s", blk.layer)
			}
			if blk.ref == nil {
				return nil, fmt.Errorf("toy unet: %s has no reference adapter", blk.layer)
			}
			if r.Rank() != 3 || r.Shape[0] != 1 || r.Shape[2] != HiddenDim {
				return nil, fmt.Errorf("toy unet: reference features for %s have shape %v", blk.layer, r.Shape)
			}
			refMean = make([]float32, HiddenDim)
			meanRows(refMean, r.Data, HiddenDim)
		}
		for n := 0; n < b; n++ {
			rows := h.Data[n*seq*HiddenDim : (n+1)*seq*HiddenDim]
			meanRows(mean, rows, HiddenDim)
			blk.self.MulVec(shift, mean)
			blk.cross.MulVecAdd(shift, 1, enc[n])
			if refMean != nil {
				blk.ref.MulVecAdd(shift, imageScale, refMean)
			}
			for off := 0; off < len(rows); off += HiddenDim {
				row := rows[off : off+HiddenDim]
				for i := range row {
					row[i] += shift[i]
				}
				tanhInto(row)
			}
		}
		if control != nil {
			var res *tensor.Tensor
			switch {
			case k == 0 && len(control.Down) > 0:
				res = control.Down[0]
			case blk.layer == LayerName("mid_block"):
				res = control.Mid
			}
			if res != nil {
				if err := addResidual(h, res); err != nil {
					return nil, fmt.Errorf("toy unet: %s: %w", blk.layer, err)
				}
			}
		}
	}

	out := tensor.New(latent.Shape...)
	eps := make([]float32, LatentChannels)
	for n := 0; n < b; n++ {
		for p := 0; p < seq; p++ {
			u.convOut.MulVec(eps, h.Data[(n*seq+p)*HiddenDim:(n*seq+p+1)*HiddenDim])
			for c, v := range eps {
				idx := (n*LatentChannels+c)*seq + p
				out.Data[idx] = v + u.skip*latent.Data[idx]
			}
		}
	}
	return out, nil
}

// addResidual adds res, shaped [B or 1, seq, HiddenDim], into h.
func addResidual(h, res *tensor.Tensor) error {
	if res.Rank() != 3 || !tensor.ShapeEqual(res.Shape[1:], h.Shape[1:]) {
		return fmt.Errorf("control residual %v does not match hidden %v", res.Shape, h.Shape)
	}
	if res.Shape[0] != h.Shape[0] && res.Shape[0] != 1 {
		return fmt.Errorf("control residual batch %d does not match %d", res.Shape[0], h.Shape[0])
	}
	stride := h.BatchStride()
	for n := 0; n < h.Shape[0]; n++ {
		src := res.Data
		if res.Shape[0] != 1 {
			src = res.Data[n*stride : (n+1)*stride]
		}
		dst := h.Data[n*stride : (n+1)*stride]
		for i := range dst {
			dst[i] += src[i]
		}
	}
	return nil
}
