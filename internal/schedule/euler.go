package schedule

import (
	"fmt"
	"math"

	"github.com/samcharles93/drape/internal/tensor"
)

// EulerScheduler integrates the probability-flow ODE with first-order Euler
// steps. It declares the generator capability for interface parity with the
// churn variant, but with zero churn no noise is drawn.
type EulerScheduler struct {
	sigmaSchedule
}

func NewEuler(cfg Config) (*EulerScheduler, error) {
	ss, err := newSigmaSchedule(cfg, Euler)
	if err != nil {
		return nil, err
	}
	return &EulerScheduler{sigmaSchedule: ss}, nil
}

func (s *EulerScheduler) SetTimesteps(n int) ([]float64, error) {
	return s.setSigmas(n)
}

func (s *EulerScheduler) Step(out *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error) {
	if err := s.begin(out, x, opts); err != nil {
		return nil, err
	}
	i, err := s.indexFor(t)
	if err != nil {
		return nil, err
	}
	sigma, sigmaNext := s.sigmas[i], s.sigmas[i+1]
	_, d, err := s.denoised(out, x, sigma)
	if err != nil {
		return nil, err
	}
	next := x.Clone()
	if err := next.AddScaled(float32(sigmaNext-sigma), d); err != nil {
		return nil, err
	}
	s.calls++
	return next, nil
}

// EulerAncestralScheduler takes an Euler step down to sigma_down and then
// re-injects fresh noise of scale sigma_up.
type EulerAncestralScheduler struct {
	sigmaSchedule
}

func NewEulerAncestral(cfg Config) (*EulerAncestralScheduler, error) {
	ss, err := newSigmaSchedule(cfg, EulerAncestral)
	if err != nil {
		return nil, err
	}
	return &EulerAncestralScheduler{sigmaSchedule: ss}, nil
}

func (s *EulerAncestralScheduler) SetTimesteps(n int) ([]float64, error) {
	return s.setSigmas(n)
}

func (s *EulerAncestralScheduler) Step(out *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error) {
	if err := s.begin(out, x, opts); err != nil {
		return nil, err
	}
	i, err := s.indexFor(t)
	if err != nil {
		return nil, err
	}
	from, to := s.sigmas[i], s.sigmas[i+1]
	up := math.Sqrt(to * to * (from*from - to*to) / (from * from))
	down := math.Sqrt(math.Max(to*to-up*up, 0))

	_, d, err := s.denoised(out, x, from)
	if err != nil {
		return nil, err
	}
	next := x.Clone()
	if err := next.AddScaled(float32(down-from), d); err != nil {
		return nil, err
	}
	if up > 0 {
		if opts.Generator == nil {
			return nil, fmt.Errorf("schedule: euler ancestral step requires a generator")
		}
		if err := next.AddScaled(float32(up), tensor.Randn(opts.Generator, x.Shape...)); err != nil {
			return nil, err
		}
	}
	s.calls++
	return next, nil
}
