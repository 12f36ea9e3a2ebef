package inference

import (
	"github.com/samcharles93/drape/internal/pipeline"
	"github.com/samcharles93/drape/internal/schedule"
)

// RequestOptions carries caller overrides. Nil fields fall back to the
// checkpoint's defaults and then to the built-in ones.
type RequestOptions struct {
	Prompts         []string
	NegativePrompts []string
	NullPrompt      *string

	UseImageEncoder *bool
	ControlScale    *float32
	ControlStart    *float64
	ControlEnd      *float64

	Width            *int
	Height           *int
	Steps            *int
	GuidanceScale    *float64
	ImageScale       *float32
	SamplesPerPrompt *int
	Seed             *int64
	Eta              *float64
	ClipSkip         *int
	Scheduler        *string
}

// GenDefaults are generation defaults shipped with a checkpoint.
type GenDefaults struct {
	Steps         *int     `json:"num_inference_steps"`
	GuidanceScale *float64 `json:"guidance_scale"`
	ImageScale    *float32 `json:"image_scale"`
	Width         *int     `json:"width"`
	Height        *int     `json:"height"`
	Scheduler     *string  `json:"scheduler"`
}

// ResolveRequest fills every field of a Request. Images are not part of the
// options and are set by the caller afterwards. Scheduler names accept the
// aliases ParseVariant understands; an unknown one is a *pipeline.ValidationError.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) (Request, error) {
	req := Request{
		Prompts:          []string{pipeline.DefaultPrompt},
		NegativePrompts:  []string{pipeline.DefaultNegativePrompt},
		ControlScale:     1,
		ControlEnd:       1,
		Width:            pipeline.DefaultWidth,
		Height:           pipeline.DefaultHeight,
		Steps:            pipeline.DefaultSteps,
		GuidanceScale:    pipeline.DefaultGuidanceScale,
		ImageScale:       pipeline.DefaultImageScale,
		SamplesPerPrompt: 1,
		Seed:             pipeline.DefaultSeed,
	}

	if defaults.Steps != nil && *defaults.Steps > 0 {
		req.Steps = *defaults.Steps
	}
	if defaults.GuidanceScale != nil && *defaults.GuidanceScale >= 0 {
		req.GuidanceScale = *defaults.GuidanceScale
	}
	if defaults.ImageScale != nil {
		req.ImageScale = *defaults.ImageScale
	}
	if defaults.Width != nil && *defaults.Width > 0 {
		req.Width = *defaults.Width
	}
	if defaults.Height != nil && *defaults.Height > 0 {
		req.Height = *defaults.Height
	}
	if defaults.Scheduler != nil {
		v, err := parseScheduler(*defaults.Scheduler)
		if err != nil {
			return Request{}, err
		}
		req.Scheduler = v
	}

	if len(opts.Prompts) > 0 {
		req.Prompts = SanitizePrompts(opts.Prompts)
		// A custom prompt batch gets empty negatives unless told otherwise.
		req.NegativePrompts = make([]string, len(req.Prompts))
	}
	if opts.NegativePrompts != nil {
		req.NegativePrompts = SanitizePrompts(opts.NegativePrompts)
	}
	if opts.NullPrompt != nil {
		req.NullPrompt = SanitizePrompt(*opts.NullPrompt)
	}
	if opts.UseImageEncoder != nil {
		req.UseImageEncoder = *opts.UseImageEncoder
	}
	if opts.ControlScale != nil {
		req.ControlScale = *opts.ControlScale
	}
	if opts.ControlStart != nil {
		req.ControlStart = *opts.ControlStart
	}
	if opts.ControlEnd != nil {
		req.ControlEnd = *opts.ControlEnd
	}
	if opts.Width != nil {
		req.Width = *opts.Width
	}
	if opts.Height != nil {
		req.Height = *opts.Height
	}
	if opts.Steps != nil {
		req.Steps = *opts.Steps
	}
	if opts.GuidanceScale != nil {
		req.GuidanceScale = *opts.GuidanceScale
	}
	if opts.ImageScale != nil {
		req.ImageScale = *opts.ImageScale
	}
	if opts.SamplesPerPrompt != nil {
		req.SamplesPerPrompt = *opts.SamplesPerPrompt
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.Eta != nil {
		req.Eta = *opts.Eta
	}
	if opts.ClipSkip != nil {
		req.ClipSkip = *opts.ClipSkip
	}
	if opts.Scheduler != nil {
		v, err := parseScheduler(*opts.Scheduler)
		if err != nil {
			return Request{}, err
		}
		req.Scheduler = v
	}
	return req, nil
}

func parseScheduler(name string) (schedule.Variant, error) {
	v, err := schedule.ParseVariant(name)
	if err != nil {
		return "", &pipeline.ValidationError{Field: "scheduler", Msg: err.Error()}
	}
	return v, nil
}
