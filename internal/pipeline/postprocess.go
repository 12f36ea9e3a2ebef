package pipeline

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/imageio"
	"github.com/samcharles93/drape/internal/tensor"
	"golang.org/x/sync/errgroup"
)

// decode turns the final latents into the requested output. Samples are
// decoded one at a time unless the pipeline is parallel.
func (r *run) decode(ctx context.Context, latents *tensor.Tensor) (*Result, error) {
	res := &Result{Latents: latents}
	if r.req.Output == OutputLatent {
		return res, nil
	}

	codec := r.p.comps.Codec
	scaled := latents.Clone().Scale(1 / codec.ScalingFactor())
	n := scaled.Shape[0]
	parts := make([]*tensor.Tensor, n)

	g, gctx := errgroup.WithContext(ctx)
	if !r.p.opts.Parallel {
		g.SetLimit(1)
	}
	for i := range n {
		g.Go(func() error {
			out, err := codec.Decode(gctx, scaled.Batch(i))
			if err != nil {
				return fmt.Errorf("decode sample %d: %w", i, err)
			}
			parts[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	pixels, err := tensor.Concat(parts...)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	pixels.Apply(func(v float32) float32 { return v/2 + 0.5 }).Clamp(0, 1)
	res.Pixels = pixels

	if r.req.Output == OutputTensor {
		r.log.Debug("decoded", "samples", n, "shape", fmt.Sprint(pixels.Shape))
		return res, nil
	}
	if res.Images, err = imageio.Images(pixels); err != nil {
		return nil, err
	}
	r.log.Debug("decoded", "samples", n, "width", pixels.Shape[3], "height", pixels.Shape[2])
	return res, nil
}
