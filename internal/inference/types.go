package inference

import (
	"context"
	"image"

	"github.com/samcharles93/drape/internal/pipeline"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/tensor"
)

// Progress reports one completed denoising step.
type Progress struct {
	Step     int
	Total    int
	Timestep float64
}

type ProgressFunc func(Progress)

type Engine interface {
	Generate(ctx context.Context, req *Request, progress ProgressFunc) (*Result, error)
	Schedulers() []schedule.Entry
	Close() error
}

// Request is a fully resolved generation request in image terms. The engine
// preprocesses the images before handing them to the pipeline.
type Request struct {
	Prompts         []string
	NegativePrompts []string
	NullPrompt      string

	Reference image.Image
	// UseImageEncoder conditions the reference pass on the garment image
	// embedding instead of the null prompt.
	UseImageEncoder bool
	Control         image.Image
	ControlScale    float32
	ControlStart    float64
	ControlEnd      float64

	Width, Height    int
	Steps            int
	GuidanceScale    float64
	ImageScale       float32
	SamplesPerPrompt int
	Seed             int64
	Eta              float64
	ClipSkip         int
	Scheduler        schedule.Variant
}

type Result struct {
	Images []image.Image
	// Latents are the final latents before decoding.
	Latents *tensor.Tensor
	// Seed is the seed actually used, which differs from the request when it
	// asked for a random one.
	Seed  int64
	Stats pipeline.Stats
}
