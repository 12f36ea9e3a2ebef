package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/samcharles93/drape/internal/imageio"
	"github.com/samcharles93/drape/internal/pipeline"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/tensor"
)

var ErrClosed = errors.New("engine is closed")

// EngineImpl adapts a pipeline to image-level requests. It is safe for
// concurrent use.
type EngineImpl struct {
	pipe   *pipeline.Pipeline
	closed atomic.Bool
}

func NewEngine(p *pipeline.Pipeline) *EngineImpl {
	return &EngineImpl{pipe: p}
}

func (e *EngineImpl) Close() error {
	if e == nil {
		return nil
	}
	e.closed.Store(true)
	return nil
}

func (e *EngineImpl) Schedulers() []schedule.Entry { return schedule.Entries() }

func (e *EngineImpl) Generate(ctx context.Context, req *Request, progress ProgressFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	preq, seed := e.prepare(req)
	if progress != nil {
		// Multistep schedulers report grouped indices that need not start at
		// zero, so progress counts callbacks instead.
		total, done := req.Steps, 0
		preq.Callback = func(_ int, t float64, _ *tensor.Tensor) error {
			done++
			progress(Progress{Step: done, Total: total, Timestep: t})
			return nil
		}
	}

	res, err := safeRun(ctx, e.pipe, preq)
	if err != nil {
		return nil, err
	}
	return &Result{
		Images:  res.Images,
		Latents: res.Latents,
		Seed:    seed,
		Stats:   res.Stats,
	}, nil
}

// prepare turns images into pipeline tensors. A negative seed picks a random
// one, which is returned.
func (e *EngineImpl) prepare(req *Request) (*pipeline.Request, int64) {
	seed := req.Seed
	if seed < 0 {
		seed = rand.Int64N(math.MaxInt32)
	}
	pr := &pipeline.Request{
		Prompt:               prompt(req.Prompts, len(req.Prompts) > 1),
		NegativePrompt:       prompt(req.NegativePrompts, len(req.Prompts) > 1),
		NullPrompt:           req.NullPrompt,
		Width:                req.Width,
		Height:               req.Height,
		Steps:                req.Steps,
		GuidanceScale:        req.GuidanceScale,
		SamplesPerPrompt:     req.SamplesPerPrompt,
		ImageScale:           req.ImageScale,
		Seed:                 seed,
		Eta:                  req.Eta,
		ClipSkip:             req.ClipSkip,
		ControlScale:         req.ControlScale,
		ControlGuidanceStart: req.ControlStart,
		ControlGuidanceEnd:   req.ControlEnd,
		Output:               pipeline.OutputImage,
		Scheduler:            req.Scheduler,
	}
	if req.Reference != nil {
		fitted := imageio.FitReference(req.Reference)
		pr.ReferenceImage = imageio.ToTensor(fitted, imageio.StandardMean, imageio.StandardStd)
		if req.UseImageEncoder {
			pr.ReferenceClipImage = imageio.ClipPixels(req.Reference)
		}
	}
	if req.Control != nil && req.Width > 0 && req.Height > 0 {
		resized := imageio.Resize(req.Control, req.Width, req.Height)
		pr.ControlImage = imageio.ToTensor(resized, imageio.UnitMean, imageio.UnitStd)
	}
	return pr, seed
}

func prompt(texts []string, batch bool) pipeline.Prompt {
	switch {
	case len(texts) == 0:
		return pipeline.Prompt{}
	case batch || len(texts) > 1:
		return pipeline.Batch(texts...)
	default:
		return pipeline.Single(texts[0])
	}
}

func safeRun(ctx context.Context, p *pipeline.Pipeline, req *pipeline.Request) (res *pipeline.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in pipeline run: %v", rec)
		}
	}()
	return p.Run(ctx, req)
}
