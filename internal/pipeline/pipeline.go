// Package pipeline runs reference-conditioned latent diffusion.
//
// A run encodes the prompts, encodes the garment image, fills a run-scoped
// attention cache with one reference pass and then denoises from pure noise,
// injecting the cached features into the conditional branch of every step.
// Pipelines are immutable after New and safe for concurrent Run calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/samcharles93/drape/internal/attncache"
	"github.com/samcharles93/drape/internal/logger"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/tensor"
)

// Options configures a pipeline.
type Options struct {
	// Scheduler is the default variant; requests may override it.
	Scheduler       schedule.Variant
	SchedulerConfig schedule.Config
	Device          model.Device
	// Parallel evaluates the two guidance branches concurrently and decodes
	// samples concurrently.
	Parallel bool
	// Logger overrides the logger carried by the run context.
	Logger logger.Logger
}

func DefaultOptions() Options {
	return Options{
		Scheduler:       schedule.DDIM,
		SchedulerConfig: schedule.DefaultConfig(),
		Device:          model.CPU(),
	}
}

type Pipeline struct {
	comps model.Components
	opts  Options
	text  *TextConditioner
}

func New(comps model.Components, opts Options) (*Pipeline, error) {
	switch {
	case comps.Tokenizer == nil || comps.TextEncoder == nil:
		return nil, errors.New("pipeline: text tokenizer and encoder are required")
	case comps.Codec == nil:
		return nil, errors.New("pipeline: latent codec is required")
	case comps.Reference == nil || comps.Denoiser == nil:
		return nil, errors.New("pipeline: reference net and denoiser are required")
	}
	if opts.Scheduler == "" {
		opts.Scheduler = schedule.DDIM
	}
	if _, ok := schedule.Lookup(opts.Scheduler); !ok {
		return nil, fmt.Errorf("pipeline: unknown scheduler %q", opts.Scheduler)
	}
	if opts.SchedulerConfig.NumTrainTimesteps == 0 {
		opts.SchedulerConfig = schedule.DefaultConfig()
	}
	if err := opts.SchedulerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.Device.Name == "" {
		opts.Device = model.CPU()
	}
	return &Pipeline{
		comps: comps,
		opts:  opts,
		text:  NewTextConditioner(comps.Tokenizer, comps.TextEncoder, opts.Device),
	}, nil
}

func (p *Pipeline) Components() model.Components { return p.comps }
func (p *Pipeline) Options() Options             { return p.opts }

// Stats describes a finished or failed run.
type Stats struct {
	Scheduler     schedule.Variant
	Timesteps     int
	CondCalls     int
	UncondCalls   int
	ControlCalls  int
	ProgressSteps int
	// CacheLayers and CacheFingerprint describe the attention cache at the
	// moment it was warmed.
	CacheLayers      int
	CacheFingerprint uint64
	Duration         time.Duration
	States           []State
}

// Result is the output of a run.
type Result struct {
	// Images is set for OutputImage.
	Images []image.Image
	// Pixels is [B, 3, H, W] in [0, 1]; set unless the output is latent.
	Pixels *tensor.Tensor
	// Latents is the final latent, before decoding.
	Latents *tensor.Tensor
	// NSFWContentDetected is kept for API compatibility. No safety checker
	// runs, so it is always nil.
	NSFWContentDetected []bool
	Stats               Stats
}

// run is the state of one call to Run. It is never reused.
type run struct {
	p   *Pipeline
	req *Request
	log logger.Logger
	m   *machine

	sched     schedule.Scheduler
	caps      schedule.Capabilities
	timesteps []float64
	guided    bool
	batch     int
	samples   int
	gens      []*tensor.Generator
	cache     *attncache.Cache
	control   *tensor.Tensor
	stats     Stats
}

// Run samples images for req.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	log := p.opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	r := &run{p: p, req: req, log: log, m: newMachine(log)}
	start := time.Now()
	res, err := r.execute(ctx)
	r.stats.Duration = time.Since(start)
	r.stats.States = r.m.trace
	if r.cache != nil {
		r.cache.Discard()
	}
	if err != nil {
		err = r.m.fail(err)
		log.Debug("run failed", "error", err)
		return nil, err
	}
	res.Stats = r.stats
	log.Info("run complete",
		"scheduler", string(r.stats.Scheduler),
		"steps", req.Steps,
		"batch", res.Latents.Shape[0],
		"duration", r.stats.Duration.Round(time.Millisecond).String())
	return res, nil
}
