package pipeline

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/attncache"
	"github.com/samcharles93/drape/internal/tensor"
)

// reference is everything the reference conditioning pass consumes.
type reference struct {
	// latent is the reference image latent, doubled along the batch axis
	// when guidance is on.
	latent *tensor.Tensor
	// context is [unconditional; conditional] with guidance and the
	// conditional half alone without.
	context *tensor.Tensor
}

// slot is the batch index of the conditional half.
func (ref *reference) slot() int { return ref.latent.Shape[0] - 1 }

func (r *run) encodeReference(ctx context.Context, text *conditioning) (*reference, error) {
	req, comps := r.req, r.p.comps
	mean, err := comps.Codec.Encode(ctx, req.ReferenceImage)
	if err != nil {
		return nil, fmt.Errorf("encode reference image: %w", err)
	}
	latent := r.p.opts.Device.Place(mean.Scale(ReferenceLatentScale))

	var uncond, cond *tensor.Tensor
	if req.ReferenceClipImage != nil {
		cond, uncond, err = r.garmentEmbeds(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		cond = text.null
		if r.guided {
			uncond = text.negative.Batch(0)
		}
	}

	ref := &reference{latent: latent, context: cond}
	if r.guided {
		ref.latent = tensor.Repeat(latent, 2)
		if ref.context, err = tensor.Concat(uncond, cond); err != nil {
			return nil, fmt.Errorf("reference context: %w", err)
		}
	}
	return ref, nil
}

// garmentEmbeds projects the reference CLIP image and an all-zero image of
// the same shape.
func (r *run) garmentEmbeds(ctx context.Context) (garment, null *tensor.Tensor, err error) {
	comps := r.p.comps
	project := func(pixels *tensor.Tensor) (*tensor.Tensor, error) {
		hidden, err := comps.ImageEncoder.Penultimate(ctx, pixels)
		if err != nil {
			return nil, fmt.Errorf("image encoder: %w", err)
		}
		out, err := comps.Projector.Project(ctx, hidden)
		if err != nil {
			return nil, fmt.Errorf("image projector: %w", err)
		}
		return r.p.opts.Device.Place(out), nil
	}
	if garment, err = project(r.req.ReferenceClipImage); err != nil {
		return nil, nil, err
	}
	if null, err = project(tensor.ZerosLike(r.req.ReferenceClipImage)); err != nil {
		return nil, nil, err
	}
	return garment.Batch(0), null.Batch(0), nil
}

// warm runs the reference net once and keeps the conditional half of every
// self-attention input.
func (r *run) warm(ctx context.Context, ref *reference) error {
	err := r.cache.Warm(ref.slot(), func(sink attncache.Sink) error {
		return r.p.comps.Reference.Capture(ctx, ref.latent, 0, ref.context, sink)
	})
	if err != nil {
		return fmt.Errorf("reference pass: %w", err)
	}
	fp, err := r.cache.Fingerprint()
	if err != nil {
		return err
	}
	r.stats.CacheLayers = len(r.cache.Layers())
	r.stats.CacheFingerprint = fp
	r.log.Debug("attention cache warm", "layers", r.stats.CacheLayers, "slot", ref.slot(), "fingerprint", fp)
	return nil
}
