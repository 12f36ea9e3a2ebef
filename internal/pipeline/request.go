package pipeline

import (
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/tensor"
)

// Prompt is either a single text or a batch of texts. The distinction
// matters: a batch prompt needs a batch negative prompt of the same length.
type Prompt struct {
	texts []string
	batch bool
}

func Single(text string) Prompt { return Prompt{texts: []string{text}} }

func Batch(texts ...string) Prompt {
	return Prompt{texts: append([]string(nil), texts...), batch: true}
}

func (p Prompt) Texts() []string { return p.texts }
func (p Prompt) IsBatch() bool   { return p.batch }
func (p Prompt) Len() int        { return len(p.texts) }

// IsZero reports whether no prompt was given.
func (p Prompt) IsZero() bool { return p.texts == nil }

// OutputType selects what Run returns.
type OutputType string

const (
	OutputImage  OutputType = "image"
	OutputTensor OutputType = "tensor"
	OutputLatent OutputType = "latent"
)

func (o OutputType) valid() bool {
	switch o {
	case "", OutputImage, OutputTensor, OutputLatent:
		return true
	}
	return false
}

// ProgressFunc observes the run after a scheduler step. step counts
// completed inference steps. latents is a copy. A non-nil error stops the
// run with ErrStopped.
type ProgressFunc func(step int, timestep float64, latents *tensor.Tensor) error

// Default generation parameters.
const (
	DefaultWidth          = 512
	DefaultHeight         = 640
	DefaultSteps          = 50
	DefaultGuidanceScale  = 7.5
	DefaultImageScale     = 1.0
	DefaultSeed           = 42
	DefaultPrompt         = "A beautiful woman, best quality, high quality"
	DefaultNegativePrompt = "bare, naked, nude, undressed, monochrome, lowres, bad anatomy, worst quality, low quality"

	// ReferenceLatentScale multiplies the codec mean of the reference image.
	ReferenceLatentScale = 0.18215
)

// Request describes one sampling run.
type Request struct {
	// Prompt and PromptEmbeds are mutually exclusive; exactly one is given.
	Prompt       Prompt
	PromptEmbeds *tensor.Tensor
	// NegativePrompt must match Prompt in kind and length. Zero means empty
	// negatives.
	NegativePrompt       Prompt
	NegativePromptEmbeds *tensor.Tensor
	// NullPrompt conditions the reference pass when there is no reference
	// CLIP image.
	NullPrompt string

	// ReferenceImage is the garment, [1, 3, H, W] in [-1, 1].
	ReferenceImage *tensor.Tensor
	// ReferenceClipImage is the garment prepared for the image encoder.
	ReferenceClipImage *tensor.Tensor

	Width, Height    int
	Steps            int
	GuidanceScale    float64
	SamplesPerPrompt int // zero means one
	// ImageScale weights the injected reference features.
	ImageScale float32

	Seed int64
	// Generators, when set, hold one generator per output latent and take
	// precedence over Seed.
	Generators []*tensor.Generator
	// Eta is honoured only by schedulers that accept it.
	Eta      float64
	ClipSkip int

	// ControlImage is [1 or B, 3, Height, Width] in [0, 1].
	ControlImage *tensor.Tensor
	ControlScale float32
	// The residuals apply on steps whose position in the schedule lies
	// within [ControlGuidanceStart, ControlGuidanceEnd]. A zero end means 1.
	ControlGuidanceStart float64
	ControlGuidanceEnd   float64

	Output        OutputType
	Callback      ProgressFunc
	CallbackSteps int // zero means every step

	// Latents replaces random initialisation. They are scaled by the
	// scheduler's initial sigma like random ones.
	Latents *tensor.Tensor

	// Scheduler overrides the pipeline's default variant for this run.
	Scheduler schedule.Variant
}

// DefaultRequest returns a request populated with the default generation
// parameters. The reference image still has to be set.
func DefaultRequest() *Request {
	return &Request{
		Prompt:             Single(DefaultPrompt),
		NegativePrompt:     Single(DefaultNegativePrompt),
		Width:              DefaultWidth,
		Height:             DefaultHeight,
		Steps:              DefaultSteps,
		GuidanceScale:      DefaultGuidanceScale,
		SamplesPerPrompt:   1,
		ImageScale:         DefaultImageScale,
		Seed:               DefaultSeed,
		ControlScale:       1,
		ControlGuidanceEnd: 1,
		Output:             OutputImage,
		CallbackSteps:      1,
	}
}
