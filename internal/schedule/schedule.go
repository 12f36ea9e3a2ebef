// Package schedule implements the noise schedules that turn a noise prediction
// and the current latent into the latent of the previous timestep.
//
// Every variant follows the same contract: SetTimesteps fixes the run's
// timestep sequence and resets all history, then Step is called exactly once
// per returned timestep. Optional per-step parameters are declared up front in
// a capability table so callers never pass a variant something it does not
// accept.
package schedule

import (
	"errors"
	"fmt"

	"github.com/samcharles93/drape/internal/tensor"
)

// Variant names a registered schedule algorithm.
type Variant string

const (
	DDIM               Variant = "ddim"
	PNDM               Variant = "pndm"
	LMS                Variant = "lms"
	Euler              Variant = "euler"
	EulerAncestral     Variant = "euler_ancestral"
	DPMSolverMultistep Variant = "dpmsolver_multistep"
)

var (
	ErrUnsupportedOption = errors.New("schedule: option not accepted by variant")
	ErrScheduleExhausted = errors.New("schedule: no timesteps remaining")
	ErrNotInitialised    = errors.New("schedule: timesteps not set")
)

// Scheduler is the uniform step contract shared by all variants.
type Scheduler interface {
	Name() Variant
	// SetTimesteps fixes the timestep sequence for a run and resets state.
	SetTimesteps(numSteps int) ([]float64, error)
	Timesteps() []float64
	// InitNoiseSigma is the factor applied to the initial latent noise.
	InitNoiseSigma() float64
	// ScaleModelInput returns the denoiser input for timestep t. Variants
	// without input scaling return x unchanged.
	ScaleModelInput(x *tensor.Tensor, t float64) (*tensor.Tensor, error)
	Step(noisePred *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error)
	// Order is the number of Step calls that make up one logical step.
	Order() int
}

// StepOptions carries the optional per-step parameters. A variant rejects
// any option its Capabilities do not list.
type StepOptions struct {
	Eta       float64
	Generator *tensor.Generator
}

// Capabilities lists the optional Step parameters a variant accepts.
type Capabilities struct {
	Eta       bool `json:"eta"`
	Generator bool `json:"generator"`
}

// Filter drops every option the variant does not accept.
func (c Capabilities) Filter(opts StepOptions) StepOptions {
	var out StepOptions
	if c.Eta {
		out.Eta = opts.Eta
	}
	if c.Generator {
		out.Generator = opts.Generator
	}
	return out
}

func (c Capabilities) check(opts StepOptions) error {
	if opts.Eta != 0 && !c.Eta {
		return fmt.Errorf("%w: eta", ErrUnsupportedOption)
	}
	if opts.Generator != nil && !c.Generator {
		return fmt.Errorf("%w: generator", ErrUnsupportedOption)
	}
	return nil
}

// base holds the bookkeeping every variant shares.
type base struct {
	cfg       Config
	variant   Variant
	caps      Capabilities
	numSteps  int
	timesteps []float64
	calls     int
}

func (b *base) Name() Variant { return b.variant }

func (b *base) Timesteps() []float64 { return b.timesteps }

func (b *base) Order() int { return 1 }

func (b *base) reset(n int, ts []float64) {
	b.numSteps = n
	b.timesteps = ts
	b.calls = 0
}

// begin validates a Step call against the schedule state and capabilities.
func (b *base) begin(eps, x *tensor.Tensor, opts StepOptions) error {
	if b.timesteps == nil {
		return ErrNotInitialised
	}
	if b.calls >= len(b.timesteps) {
		return ErrScheduleExhausted
	}
	if !eps.SameShape(x) {
		return fmt.Errorf("schedule: noise prediction %v does not match sample %v", eps.Shape, x.Shape)
	}
	return b.caps.check(opts)
}

// indexFor returns the position of t in the timestep sequence, preferring the
// position of the next expected call.
func (b *base) indexFor(t float64) (int, error) {
	if b.timesteps == nil {
		return 0, ErrNotInitialised
	}
	if b.calls < len(b.timesteps) && b.timesteps[b.calls] == t {
		return b.calls, nil
	}
	for i, v := range b.timesteps {
		if v == t {
			return i, nil
		}
	}
	return 0, fmt.Errorf("schedule: timestep %v not in schedule", t)
}

// predictOriginal converts a model output into (x0, eps) for a sample
// x = alpha*x0 + sigma*eps.
func predictOriginal(kind string, out, x *tensor.Tensor, alpha, sigma float64) (x0, eps *tensor.Tensor, err error) {
	switch kind {
	case PredictEpsilon:
		x0, err = tensor.Lincomb(float32(1/alpha), x, float32(-sigma/alpha), out)
		if err != nil {
			return nil, nil, err
		}
		return x0, out, nil
	case PredictV:
		x0, err = tensor.Lincomb(float32(alpha), x, float32(-sigma), out)
		if err != nil {
			return nil, nil, err
		}
		eps, err = tensor.Lincomb(float32(alpha), out, float32(sigma), x)
		if err != nil {
			return nil, nil, err
		}
		return x0, eps, nil
	}
	return nil, nil, fmt.Errorf("schedule: unsupported prediction type %q", kind)
}
