package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/tensor"
)

// BoxCodec encodes each Downscale×Downscale pixel block as its mean colour
// plus its mean luminance, and decodes by nearest-neighbour upsampling of the
// colour channels. Images that are constant on every block round-trip
// exactly.
type BoxCodec struct{}

func (BoxCodec) Downscale() int         { return Downscale }
func (BoxCodec) LatentChannels() int    { return LatentChannels }
func (BoxCodec) ScalingFactor() float32 { return ScalingFactor }

func (BoxCodec) Encode(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pixels.Rank() != 4 || pixels.Shape[1] != 3 {
		return nil, fmt.Errorf("box codec: want [B 3 H W], got %v", pixels)
	}
	b, hgt, wid := pixels.Shape[0], pixels.Shape[2], pixels.Shape[3]
	if hgt%Downscale != 0 || wid%Downscale != 0 || hgt == 0 || wid == 0 {
		return nil, fmt.Errorf("box codec: %dx%d is not a multiple of %d", wid, hgt, Downscale)
	}
	lh, lw := hgt/Downscale, wid/Downscale
	out := tensor.New(b, LatentChannels, lh, lw)
	plane, lplane := hgt*wid, lh*lw
	inv := float32(1) / (Downscale * Downscale)
	for n := 0; n < b; n++ {
		img := pixels.Data[n*3*plane:]
		lat := out.Data[n*LatentChannels*lplane:]
		for by := 0; by < lh; by++ {
			for bx := 0; bx < lw; bx++ {
				var rgb [3]float32
				for c := 0; c < 3; c++ {
					var sum float32
					for y := by * Downscale; y < (by+1)*Downscale; y++ {
						row := img[c*plane+y*wid:]
						for x := bx * Downscale; x < (bx+1)*Downscale; x++ {
							sum += row[x]
						}
					}
					rgb[c] = sum * inv
					lat[c*lplane+by*lw+bx] = rgb[c]
				}
				lat[3*lplane+by*lw+bx] = 0.299*rgb[0] + 0.587*rgb[1] + 0.114*rgb[2]
			}
		}
	}
	return out, nil
}

func (BoxCodec) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if latent.Rank() != 4 || latent.Shape[1] != LatentChannels {
		return nil, fmt.Errorf("box codec: want [B %d h w], got %v", LatentChannels, latent)
	}
	b, lh, lw := latent.Shape[0], latent.Shape[2], latent.Shape[3]
	hgt, wid := lh*Downscale, lw*Downscale
	out := tensor.New(b, 3, hgt, wid)
	plane, lplane := hgt*wid, lh*lw
	for n := 0; n < b; n++ {
		lat := latent.Data[n*LatentChannels*lplane:]
		img := out.Data[n*3*plane:]
		for c := 0; c < 3; c++ {
			for y := 0; y < hgt; y++ {
				src := lat[c*lplane+(y/Downscale)*lw:]
				dst := img[c*plane+y*wid : c*plane+(y+1)*wid]
				for x := range dst {
					dst[x] = src[x/Downscale]
				}
			}
		}
	}
	return out, nil
}
