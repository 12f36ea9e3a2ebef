package pipeline

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/logger"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

// TextConditioner turns prompts into cross-attention embeddings.
type TextConditioner struct {
	tok    model.Tokenizer
	enc    model.TextEncoder
	device model.Device
}

func NewTextConditioner(tok model.Tokenizer, enc model.TextEncoder, device model.Device) *TextConditioner {
	return &TextConditioner{tok: tok, enc: enc, device: device}
}

// Tokenize pads or truncates text to the tokenizer's maximum length. The end
// marker survives truncation. The mask marks real tokens.
func (tc *TextConditioner) Tokenize(log logger.Logger, text string) (ids, mask []int, err error) {
	ids, err = tc.tok.Encode(text)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenize: %w", err)
	}
	limit := tc.tok.MaxLength()
	if limit < 2 {
		return nil, nil, fmt.Errorf("tokenizer max length %d is too small", limit)
	}
	if len(ids) > limit {
		dropped := ids[limit-1 : len(ids)-1]
		log.Warn("prompt truncated to tokenizer limit",
			"limit", limit,
			"dropped_tokens", len(dropped),
			"dropped_text", tc.tok.Decode(dropped))
		ids = append(ids[:limit-1:limit-1], ids[len(ids)-1])
	}
	mask = make([]int, limit)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < limit {
		ids = append(ids, tc.tok.PadID())
	}
	return ids, mask, nil
}

// EncodeText returns the embedding of one prompt, [1, seq, dim]. A positive
// clipSkip takes the hidden state that many layers before the last and
// applies the encoder's final normalisation to it.
func (tc *TextConditioner) EncodeText(ctx context.Context, log logger.Logger, text string, clipSkip int) (*tensor.Tensor, error) {
	ids, mask, err := tc.Tokenize(log, text)
	if err != nil {
		return nil, err
	}
	if !tc.enc.UsesAttentionMask() {
		mask = nil
	}
	out, err := tc.enc.Forward(ctx, ids, mask)
	if err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}
	if clipSkip <= 0 {
		return out.Last, nil
	}
	idx := len(out.Hidden) - 1 - clipSkip
	if idx < 0 {
		return nil, invalid("clip_skip", "%d exceeds the encoder's %d hidden states", clipSkip, len(out.Hidden))
	}
	return tc.enc.FinalLayerNorm(out.Hidden[idx]), nil
}

// Encode embeds each text, stacks them along the batch axis and repeats
// every row samples times in place. The result is cast to the device
// precision.
func (tc *TextConditioner) Encode(ctx context.Context, log logger.Logger, texts []string, clipSkip, samples int) (*tensor.Tensor, error) {
	rows := make([]*tensor.Tensor, len(texts))
	for i, text := range texts {
		e, err := tc.EncodeText(ctx, log, text, clipSkip)
		if err != nil {
			return nil, err
		}
		rows[i] = e
	}
	stacked, err := tensor.Concat(rows...)
	if err != nil {
		return nil, err
	}
	return tc.device.Place(tensor.RepeatInterleave(stacked, samples)), nil
}

// Expand repeats precomputed embeddings per sample and casts them.
func (tc *TextConditioner) Expand(embeds *tensor.Tensor, samples int) *tensor.Tensor {
	return tc.device.Place(tensor.RepeatInterleave(embeds, samples))
}

// conditioning holds the text embeddings of one run.
type conditioning struct {
	cond     *tensor.Tensor // [B*samples, seq, dim]
	negative *tensor.Tensor // same shape as cond; nil without guidance
	null     *tensor.Tensor // [1, seq, dim]; nil with a reference CLIP image
}

func (r *run) encodePrompts(ctx context.Context) (*conditioning, error) {
	req, tc := r.req, r.p.text
	c := &conditioning{}
	var err error
	if req.PromptEmbeds != nil {
		c.cond = tc.Expand(req.PromptEmbeds, r.samples)
	} else if c.cond, err = tc.Encode(ctx, r.log, req.Prompt.Texts(), req.ClipSkip, r.samples); err != nil {
		return nil, err
	}

	if r.guided {
		switch {
		case req.NegativePromptEmbeds != nil:
			c.negative = tc.Expand(req.NegativePromptEmbeds, r.samples)
		default:
			negs := req.NegativePrompt.Texts()
			if req.NegativePrompt.IsZero() {
				negs = make([]string, r.batch)
			}
			if c.negative, err = tc.Encode(ctx, r.log, negs, req.ClipSkip, r.samples); err != nil {
				return nil, err
			}
		}
		if !c.negative.SameShape(c.cond) {
			return nil, invalid("negative_prompt_embeds", "shape %v does not match prompt embeddings %v", c.negative.Shape, c.cond.Shape)
		}
	}

	if req.ReferenceClipImage == nil {
		if c.null, err = tc.Encode(ctx, r.log, []string{req.NullPrompt}, req.ClipSkip, 1); err != nil {
			return nil, err
		}
	}
	return c, nil
}
