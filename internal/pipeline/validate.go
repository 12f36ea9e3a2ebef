package pipeline

import (
	"math"

	"github.com/samcharles93/drape/internal/tensor"
)

// validate checks every request field that can be checked without running a
// network and returns the prompt batch size.
func (p *Pipeline) validate(req *Request) (batch int, err error) {
	if req == nil {
		return 0, invalid("request", "nil")
	}
	f := p.comps.Codec.Downscale()

	switch {
	case !req.Prompt.IsZero() && req.PromptEmbeds != nil:
		return 0, invalid("prompt", "give either prompt or prompt_embeds, not both")
	case req.Prompt.IsZero() && req.PromptEmbeds == nil:
		return 0, invalid("prompt", "one of prompt or prompt_embeds is required")
	case req.PromptEmbeds != nil:
		if req.PromptEmbeds.Rank() != 3 || req.PromptEmbeds.Shape[0] == 0 {
			return 0, invalid("prompt_embeds", "want [batch seq dim], got %v", req.PromptEmbeds)
		}
		batch = req.PromptEmbeds.Shape[0]
	default:
		batch = req.Prompt.Len()
		if batch == 0 {
			return 0, invalid("prompt", "empty prompt batch")
		}
	}

	if !req.NegativePrompt.IsZero() && req.NegativePromptEmbeds != nil {
		return 0, invalid("negative_prompt", "give either negative_prompt or negative_prompt_embeds, not both")
	}
	if !req.NegativePrompt.IsZero() {
		if req.PromptEmbeds == nil && req.NegativePrompt.IsBatch() != req.Prompt.IsBatch() {
			return 0, invalid("negative_prompt", "must be the same kind as prompt (single or batch)")
		}
		if req.NegativePrompt.Len() != batch {
			return 0, invalid("negative_prompt", "has %d entries for a prompt batch of %d", req.NegativePrompt.Len(), batch)
		}
	}
	if req.NegativePromptEmbeds != nil {
		if req.PromptEmbeds != nil && !req.NegativePromptEmbeds.SameShape(req.PromptEmbeds) {
			return 0, invalid("negative_prompt_embeds", "shape %v does not match prompt_embeds %v", req.NegativePromptEmbeds.Shape, req.PromptEmbeds.Shape)
		}
		if req.NegativePromptEmbeds.Rank() != 3 || req.NegativePromptEmbeds.Shape[0] != batch {
			return 0, invalid("negative_prompt_embeds", "want [%d seq dim], got %v", batch, req.NegativePromptEmbeds)
		}
	}

	if err := checkImage("reference_image", req.ReferenceImage, f); err != nil {
		return 0, err
	}
	if req.ReferenceImage.Shape[0] != 1 {
		return 0, invalid("reference_image", "want a single image, got batch %d", req.ReferenceImage.Shape[0])
	}
	if req.ReferenceClipImage != nil {
		if err := checkImage("reference_clip_image", req.ReferenceClipImage, 1); err != nil {
			return 0, err
		}
		if p.comps.ImageEncoder == nil || p.comps.Projector == nil {
			return 0, invalid("reference_clip_image", "pipeline has no image encoder")
		}
	}

	if req.Width <= 0 || req.Height <= 0 || req.Width%f != 0 || req.Height%f != 0 {
		return 0, invalid("size", "%dx%d must be positive multiples of %d", req.Width, req.Height, f)
	}
	if req.Steps < 1 {
		return 0, invalid("steps", "%d, want at least 1", req.Steps)
	}
	if math.IsNaN(req.GuidanceScale) || req.GuidanceScale < 0 {
		return 0, invalid("guidance_scale", "%v, want >= 0", req.GuidanceScale)
	}
	if req.SamplesPerPrompt < 0 {
		return 0, invalid("samples_per_prompt", "%d, want at least 1", req.SamplesPerPrompt)
	}
	if math.IsNaN(req.Eta) || req.Eta < 0 || req.Eta > 1 {
		return 0, invalid("eta", "%v, want within [0, 1]", req.Eta)
	}
	if req.ClipSkip < 0 {
		return 0, invalid("clip_skip", "%d, want >= 0", req.ClipSkip)
	}
	if req.CallbackSteps < 0 {
		return 0, invalid("callback_steps", "%d, want at least 1", req.CallbackSteps)
	}
	if !req.Output.valid() {
		return 0, invalid("output", "unknown output type %q", req.Output)
	}

	total := batch * max(req.SamplesPerPrompt, 1)
	if n := len(req.Generators); n > 0 {
		if n != total {
			return 0, invalid("generators", "got %d generators for a batch of %d", n, total)
		}
		for i, g := range req.Generators {
			if g == nil {
				return 0, invalid("generators", "generator %d is nil", i)
			}
		}
	}
	if req.Latents != nil {
		want := []int{total, p.comps.Codec.LatentChannels(), req.Height / f, req.Width / f}
		if !tensor.ShapeEqual(req.Latents.Shape, want) {
			return 0, invalid("latents", "shape %v, want %v", req.Latents.Shape, want)
		}
	}

	if req.ControlImage != nil {
		if p.comps.Control == nil {
			return 0, invalid("control_image", "pipeline has no controlnet")
		}
		if err := checkImage("control_image", req.ControlImage, 1); err != nil {
			return 0, err
		}
		c := req.ControlImage
		if c.Shape[2] != req.Height || c.Shape[3] != req.Width {
			return 0, invalid("control_image", "is %dx%d, want %dx%d", c.Shape[3], c.Shape[2], req.Width, req.Height)
		}
		if c.Shape[0] != 1 && c.Shape[0] != total {
			return 0, invalid("control_image", "batch %d, want 1 or %d", c.Shape[0], total)
		}
		end := req.ControlGuidanceEnd
		if end == 0 {
			end = 1
		}
		if req.ControlGuidanceStart < 0 || end > 1 || req.ControlGuidanceStart >= end {
			return 0, invalid("control_guidance", "window [%v, %v] must satisfy 0 <= start < end <= 1", req.ControlGuidanceStart, end)
		}
	}
	return batch, nil
}

func checkImage(field string, t *tensor.Tensor, multiple int) error {
	if t == nil {
		return invalid(field, "required")
	}
	if t.Rank() != 4 || t.Shape[1] != 3 || t.Shape[0] < 1 {
		return invalid(field, "want [B 3 H W], got %v", t)
	}
	if t.Shape[2] == 0 || t.Shape[3] == 0 || t.Shape[2]%multiple != 0 || t.Shape[3]%multiple != 0 {
		return invalid(field, "%dx%d must be a non-empty multiple of %d", t.Shape[3], t.Shape[2], multiple)
	}
	return nil
}
