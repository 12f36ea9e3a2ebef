package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/samcharles93/drape/internal/attncache"
	"github.com/samcharles93/drape/internal/guidance"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/tensor"
	"golang.org/x/sync/errgroup"
)

func (r *run) execute(ctx context.Context) (*Result, error) {
	if err := r.init(); err != nil {
		return nil, err
	}

	text, err := r.encodePrompts(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.m.to(StatePromptEncoded); err != nil {
		return nil, err
	}

	ref, err := r.encodeReference(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := r.m.to(StateReferenceEncoded); err != nil {
		return nil, err
	}

	latents, err := r.prepareLatents()
	if err != nil {
		return nil, err
	}
	if latents, err = r.denoise(ctx, text, ref, latents); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := r.decode(ctx, latents)
	if err != nil {
		return nil, err
	}
	if err := r.m.to(StateDecoded); err != nil {
		return nil, err
	}
	if err := r.m.to(StateDone); err != nil {
		return nil, err
	}
	return res, nil
}

// init validates the request and fixes the schedule and batch of the run.
func (r *run) init() error {
	req := r.req
	batch, err := r.p.validate(req)
	if err != nil {
		return err
	}
	r.batch = batch
	r.samples = max(req.SamplesPerPrompt, 1)
	r.guided = guidance.Enabled(req.GuidanceScale)

	variant := r.p.opts.Scheduler
	if req.Scheduler != "" {
		variant = req.Scheduler
	}
	if r.sched, r.caps, err = schedule.New(variant, r.p.opts.SchedulerConfig); err != nil {
		return invalid("scheduler", "%v", err)
	}
	if r.timesteps, err = r.sched.SetTimesteps(req.Steps); err != nil {
		return fmt.Errorf("set timesteps: %w", err)
	}
	r.stats.Scheduler = variant
	r.stats.Timesteps = len(r.timesteps)

	total := r.batch * r.samples
	if len(req.Generators) > 0 {
		r.gens = req.Generators
	} else {
		r.gens = []*tensor.Generator{tensor.NewGenerator(req.Seed)}
	}
	if req.ControlImage != nil {
		r.control = r.p.opts.Device.Place(req.ControlImage.Clone())
	}
	r.cache = attncache.New(req.ImageScale)
	r.log.Debug("run initialised",
		"scheduler", string(variant),
		"timesteps", len(r.timesteps),
		"batch", total,
		"guidance", r.guided,
		"size", fmt.Sprintf("%dx%d", req.Width, req.Height))
	return nil
}

// prepareLatents draws the initial noise, or takes the caller's latents, and
// scales it by the scheduler's initial sigma.
func (r *run) prepareLatents() (*tensor.Tensor, error) {
	req, codec := r.req, r.p.comps.Codec
	f := codec.Downscale()
	shape := []int{r.batch * r.samples, codec.LatentChannels(), req.Height / f, req.Width / f}
	var latents *tensor.Tensor
	if req.Latents != nil {
		latents = req.Latents.Clone()
	} else {
		var err error
		if latents, err = tensor.RandnBatch(r.gens, shape...); err != nil {
			return nil, err
		}
	}
	latents.Scale(float32(r.sched.InitNoiseSigma()))
	return r.p.opts.Device.Place(latents), nil
}

func (r *run) denoise(ctx context.Context, text *conditioning, ref *reference, latents *tensor.Tensor) (*tensor.Tensor, error) {
	req := r.req
	steps := r.timesteps
	order := r.sched.Order()
	warmup := len(steps) - req.Steps*order
	every := max(req.CallbackSteps, 1)
	shape := append([]int(nil), latents.Shape...)
	opts := r.caps.Filter(schedule.StepOptions{Eta: req.Eta, Generator: r.gens[0]})

	for i, t := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i == 0 {
			if err := r.m.to(StateCacheWarm); err != nil {
				return nil, err
			}
			if err := r.warm(ctx, ref); err != nil {
				return nil, err
			}
		}
		if err := r.m.to(StateDenoiseStep); err != nil {
			return nil, err
		}

		in, err := r.sched.ScaleModelInput(latents, t)
		if err != nil {
			return nil, fmt.Errorf("step %d: scale input: %w", i, err)
		}
		control, err := r.controlResiduals(ctx, i, in, t, text.cond)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		cond, uncond, err := r.evaluate(ctx, in, t, text, control)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		noise, err := guidance.Combine(uncond, cond, req.GuidanceScale)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		next, err := r.sched.Step(noise, t, latents, opts)
		if err != nil {
			return nil, fmt.Errorf("step %d: scheduler: %w", i, err)
		}
		if !tensor.ShapeEqual(next.Shape, shape) {
			return nil, fmt.Errorf("step %d: latent shape changed from %v to %v", i, shape, next.Shape)
		}
		latents = r.p.opts.Device.Place(next)

		if i == len(steps)-1 || (i+1 > warmup && (i+1)%order == 0) {
			r.stats.ProgressSteps++
			if req.Callback != nil && i%every == 0 {
				if err := req.Callback(i/order, t, next.Clone()); err != nil {
					return nil, fmt.Errorf("%w at step %d: %w", ErrStopped, i/order, err)
				}
			}
		}
	}
	return latents, nil
}

// evaluate runs the conditional branch with reference injection and, with
// guidance, the unconditional branch without it.
func (r *run) evaluate(ctx context.Context, latent *tensor.Tensor, t float64, text *conditioning, control *model.ControlResiduals) (cond, uncond *tensor.Tensor, err error) {
	den := r.p.comps.Denoiser
	// The cache serves only the image scale it was warmed for.
	if !r.cache.ValidFor(r.req.ImageScale) {
		return nil, nil, fmt.Errorf("reference features at image scale %v: %w", r.req.ImageScale, attncache.ErrStale)
	}
	condCtx := model.StepContext{
		Timestep:   t,
		Encoder:    text.cond,
		Reference:  r.cache,
		ImageScale: r.req.ImageScale,
		Control:    control,
	}
	uncondCtx := model.StepContext{
		Timestep: t,
		Encoder:  text.negative,
		Control:  control,
	}
	var calls, uncondCalls atomic.Int64
	evalCond := func(ctx context.Context) error {
		out, err := den.Forward(ctx, latent, condCtx)
		if err != nil {
			return fmt.Errorf("denoiser: %w", err)
		}
		calls.Add(1)
		cond = out
		return nil
	}
	evalUncond := func(ctx context.Context) error {
		out, err := den.Forward(ctx, latent, uncondCtx)
		if err != nil {
			return fmt.Errorf("unconditional denoiser: %w", err)
		}
		uncondCalls.Add(1)
		uncond = out
		return nil
	}

	switch {
	case !r.guided:
		err = evalCond(ctx)
	case r.p.opts.Parallel:
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return evalCond(gctx) })
		g.Go(func() error { return evalUncond(gctx) })
		err = g.Wait()
	default:
		if err = evalCond(ctx); err == nil {
			err = evalUncond(ctx)
		}
	}
	r.stats.CondCalls += int(calls.Load())
	r.stats.UncondCalls += int(uncondCalls.Load())
	if err != nil {
		return nil, nil, err
	}
	return cond, uncond, nil
}
