// Package model defines the contracts of the networks the sampler drives.
//
// The networks are opaque tensor functions. Implementations must be safe for
// concurrent calls: the sampler may evaluate the conditional and
// unconditional branches of a step at the same time.
package model

import (
	"context"

	"github.com/samcharles93/drape/internal/tensor"
)

// ReferenceFeatures is the read side of the attention feature cache.
type ReferenceFeatures interface {
	Get(layer string) (*tensor.Tensor, bool)
}

// FeatureSink receives self-attention hidden states during the reference
// pass. hidden is shaped [batch, seq, dim] and is only valid for the duration
// of the call.
type FeatureSink interface {
	Capture(layer string, hidden *tensor.Tensor) error
}

// StepContext is everything a denoiser evaluation needs besides the latent.
// It is passed by value; a nil Reference means no feature injection.
type StepContext struct {
	Timestep float64
	// Encoder is the cross-attention context, [batch, seq, dim].
	Encoder    *tensor.Tensor
	Reference  ReferenceFeatures
	ImageScale float32
	Control    *ControlResiduals
}

// Denoiser predicts noise for a latent at a timestep.
type Denoiser interface {
	Forward(ctx context.Context, latent *tensor.Tensor, sc StepContext) (*tensor.Tensor, error)
}

// ReferenceNet runs the denoiser architecture over a reference latent and
// reports each self-attention layer's input hidden state to sink.
type ReferenceNet interface {
	Capture(ctx context.Context, latent *tensor.Tensor, timestep float64, encoder *tensor.Tensor, sink FeatureSink) error
}

// ControlResiduals are added to the denoiser's block outputs. Down holds one
// residual per down block in order.
type ControlResiduals struct {
	Down []*tensor.Tensor
	Mid  *tensor.Tensor
}

// ControlNet turns a control image into per-step residuals.
type ControlNet interface {
	Residuals(ctx context.Context, latent *tensor.Tensor, timestep float64, encoder, control *tensor.Tensor, scale float32) (*ControlResiduals, error)
}

// LatentCodec maps pixels in [-1, 1] to latents and back.
type LatentCodec interface {
	// Encode returns the mean of the latent distribution.
	Encode(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error)
	Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error)
	Downscale() int
	LatentChannels() int
	// ScalingFactor is divided out of latents before Decode.
	ScalingFactor() float32
}

// Tokenizer turns text into ids. Encode must not truncate; callers apply
// MaxLength themselves so they can report what was dropped.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	MaxLength() int
	PadID() int
}

// TextOutput holds the final hidden state and every intermediate layer
// output, first to last.
type TextOutput struct {
	Last   *tensor.Tensor
	Hidden []*tensor.Tensor
}

type TextEncoder interface {
	Forward(ctx context.Context, ids []int, mask []int) (*TextOutput, error)
	// FinalLayerNorm applies the encoder's output normalisation to an
	// intermediate hidden state.
	FinalLayerNorm(h *tensor.Tensor) *tensor.Tensor
	UsesAttentionMask() bool
}

// ImageEncoder returns the penultimate hidden layer of an image encoder,
// not its pooled embedding.
type ImageEncoder interface {
	Penultimate(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error)
}

// ImageProjector maps image encoder hidden states into the denoiser's
// cross-attention space.
type ImageProjector interface {
	Project(ctx context.Context, hidden *tensor.Tensor) (*tensor.Tensor, error)
}

// Components bundles the collaborators a pipeline is built from. Control is
// optional; the image encoder and projector are needed only when a request
// carries a reference CLIP image.
type Components struct {
	Tokenizer    Tokenizer
	TextEncoder  TextEncoder
	ImageEncoder ImageEncoder
	Projector    ImageProjector
	Codec        LatentCodec
	Reference    ReferenceNet
	Denoiser     Denoiser
	Control      ControlNet
}
