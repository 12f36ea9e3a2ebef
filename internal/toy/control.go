package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

// ControlNet pools the control image onto the latent grid and projects each
// cell, together with the noisy latent and timestep, into one residual per
// down block plus one for the mid block.
type ControlNet struct {
	down, mid controlHead
}

type controlHead struct {
	image  tensor.Mat // [HiddenDim, 3]
	latent tensor.Mat // [HiddenDim, LatentChannels]
	time   tensor.Mat // [HiddenDim, 2*timeFreqs]
}

func newControlHead(g *tensor.Generator) controlHead {
	return controlHead{
		image:  seededMat(g, HiddenDim, 3),
		latent: seededMat(g, HiddenDim, LatentChannels),
		time:   seededMat(g, HiddenDim, 2*timeFreqs),
	}
}

func NewControlNet(seed int64) *ControlNet {
	g := tensor.NewGenerator(seed + 31)
	return &ControlNet{down: newControlHead(g), mid: newControlHead(g)}
}

// Residuals expects control as [1 or B, 3, h*Downscale, w*Downscale] in [0, 1].
// The encoder context is not used.
func (cn *ControlNet) Residuals(ctx context.Context, latent *tensor.Tensor, timestep float64, _ *tensor.Tensor, control *tensor.Tensor, scale float32) (*model.ControlResiduals, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if latent.Rank() != 4 || latent.Shape[1] != LatentChannels {
		return nil, fmt.Errorf("toy controlnet: want latent [B %d h w], got %v", LatentChannels, latent)
	}
	b, lh, lw := latent.Shape[0], latent.Shape[2], latent.Shape[3]
	if control == nil || control.Rank() != 4 || control.Shape[1] != 3 {
		return nil, fmt.Errorf("toy controlnet: want control image [B 3 H W], got %v", control)
	}
	if control.Shape[2] != lh*Downscale || control.Shape[3] != lw*Downscale {
		return nil, fmt.Errorf("toy controlnet: control image %dx%d does not match latent grid %dx%d",
			control.Shape[3], control.Shape[2], lw, lh)
	}
	if control.Shape[0] != 1 && control.Shape[0] != b {
		return nil, fmt.Errorf("toy controlnet: control batch %d does not match latent batch %d", control.Shape[0], b)
	}

	// Block means of the control image have the same layout as the first
	// three channels of a box-encoded latent.
	pooled, err := BoxCodec{}.Encode(ctx, control)
	if err != nil {
		return nil, err
	}
	tf := timeFeatures(timestep)
	seq := lh * lw
	res := &model.ControlResiduals{
		Down: []*tensor.Tensor{tensor.New(b, seq, HiddenDim)},
		Mid:  tensor.New(b, seq, HiddenDim),
	}
	for _, pair := range []struct {
		head controlHead
		out  *tensor.Tensor
	}{{cn.down, res.Down[0]}, {cn.mid, res.Mid}} {
		temb := make([]float32, HiddenDim)
		pair.head.time.MulVec(temb, tf)
		rgb := make([]float32, 3)
		x := make([]float32, LatentChannels)
		for n := 0; n < b; n++ {
			cb := n
			if pooled.Shape[0] == 1 {
				cb = 0
			}
			for p := 0; p < seq; p++ {
				for c := range rgb {
					rgb[c] = pooled.Data[(cb*LatentChannels+c)*seq+p]
				}
				for c := range x {
					x[c] = latent.Data[(n*LatentChannels+c)*seq+p]
				}
				row := pair.out.Data[(n*seq+p)*HiddenDim : (n*seq+p+1)*HiddenDim]
				copy(row, temb)
				pair.head.image.MulVecAdd(row, 1, rgb)
				pair.head.latent.MulVecAdd(row, 1, x)
				for i := range row {
					row[i] = scale * tensor.Tanh(row[i])
				}
			}
		}
	}
	return res, nil
}
