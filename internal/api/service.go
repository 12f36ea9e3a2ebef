package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/drape/internal/inference"
	"github.com/samcharles93/drape/internal/pipeline"
)

// GenerationService turns API requests into engine calls.
type GenerationService struct {
	provider EngineProvider
}

func NewGenerationService(provider EngineProvider) *GenerationService {
	return &GenerationService{provider: provider}
}

type generationOutcome struct {
	Data  []ImageData
	Seed  int64
	Usage *GenerationUsage
}

func (s *GenerationService) Generate(ctx context.Context, req *GenerationRequest, progress inference.ProgressFunc) (*generationOutcome, error) {
	if req.ReferenceImage == "" {
		return nil, newInvalidParam("reference_image", "reference_image is required")
	}
	ref, err := decodeImageField("reference_image", req.ReferenceImage)
	if err != nil {
		return nil, err
	}
	control, err := decodeImageField("control_image", req.ControlImage)
	if err != nil {
		return nil, err
	}

	var out *generationOutcome
	err = s.provider.WithEngine(ctx, req.Model, func(engine inference.Engine, defaults inference.GenDefaults) error {
		ireq, err := toInferenceRequest(req, defaults)
		if err != nil {
			return err
		}
		ireq.Reference = ref
		ireq.Control = control
		result, genErr := engine.Generate(ctx, &ireq, progress)
		if genErr != nil {
			return genErr
		}
		data, encErr := encodeImages(result.Images)
		if encErr != nil {
			return encErr
		}
		out = &generationOutcome{
			Data: data,
			Seed: result.Seed,
			Usage: &GenerationUsage{
				Scheduler:    string(result.Stats.Scheduler),
				Timesteps:    result.Stats.Timesteps,
				ModelCalls:   result.Stats.CondCalls + result.Stats.UncondCalls,
				ControlCalls: result.Stats.ControlCalls,
				DurationMS:   result.Stats.Duration.Milliseconds(),
			},
		}
		return nil
	})
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			return nil, newInvalidParam(ve.Field, ve.Error())
		}
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("engine produced no result")
	}
	return out, nil
}

func toInferenceRequest(req *GenerationRequest, defaults inference.GenDefaults) (inference.Request, error) {
	opts := inference.RequestOptions{
		Prompts:          req.Prompt.Texts(),
		NegativePrompts:  req.NegativePrompt.Texts(),
		NullPrompt:       req.NullPrompt,
		UseImageEncoder:  req.UseImageEncoder,
		ControlScale:     req.ControlScale,
		ControlStart:     req.ControlGuidanceStart,
		ControlEnd:       req.ControlGuidanceEnd,
		Width:            req.Width,
		Height:           req.Height,
		Steps:            req.Steps,
		GuidanceScale:    req.GuidanceScale,
		ImageScale:       req.ImageScale,
		SamplesPerPrompt: req.N,
		Seed:             req.Seed,
		Eta:              req.Eta,
		ClipSkip:         req.ClipSkip,
		Scheduler:        req.Scheduler,
	}
	return inference.ResolveRequest(opts, defaults)
}
