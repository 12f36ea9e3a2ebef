package schedule

import (
	"fmt"
	"math"

	"github.com/samcharles93/drape/internal/tensor"
)

// DDIMScheduler is the deterministic implicit sampler. With eta > 0 it mixes
// in fresh noise drawn from the step generator.
type DDIMScheduler struct {
	base
	alphasCumprod []float64
	finalAlpha    float64
	stepRatio     int
}

func NewDDIM(cfg Config) (*DDIMScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ac := alphasCumprod(cfg)
	final := ac[0]
	if cfg.SetAlphaToOne {
		final = 1
	}
	return &DDIMScheduler{
		base:          base{cfg: cfg, variant: DDIM, caps: capabilities[DDIM]},
		alphasCumprod: ac,
		finalAlpha:    final,
	}, nil
}

func (s *DDIMScheduler) SetTimesteps(n int) ([]float64, error) {
	if err := checkSteps(s.cfg, n); err != nil {
		return nil, err
	}
	ts := spacedTimesteps(s.cfg, s.cfg.spacing(SpacingLeading), n, true)
	s.stepRatio = s.cfg.NumTrainTimesteps / n
	s.reset(n, ts)
	return ts, nil
}

func (s *DDIMScheduler) InitNoiseSigma() float64 { return 1 }

func (s *DDIMScheduler) ScaleModelInput(x *tensor.Tensor, _ float64) (*tensor.Tensor, error) {
	return x, nil
}

func (s *DDIMScheduler) alphaAt(t int) float64 {
	if t < 0 {
		return s.finalAlpha
	}
	return s.alphasCumprod[t]
}

// alphaSigma returns the signal and noise coefficients at timestep t.
func (s *DDIMScheduler) alphaSigma(t float64) (float64, float64) {
	a := s.alphaAt(int(t))
	return math.Sqrt(a), math.Sqrt(1 - a)
}

func (s *DDIMScheduler) Step(out *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error) {
	if err := s.begin(out, x, opts); err != nil {
		return nil, err
	}
	ti := int(t)
	if ti < 0 || ti >= len(s.alphasCumprod) {
		return nil, fmt.Errorf("schedule: ddim timestep %v out of range", t)
	}
	prev := ti - s.stepRatio
	at := s.alphaAt(ti)
	ap := s.alphaAt(prev)

	x0, eps, err := predictOriginal(s.cfg.PredictionType, out, x, math.Sqrt(at), math.Sqrt(1-at))
	if err != nil {
		return nil, err
	}
	if s.cfg.ClipSample {
		r := float32(s.cfg.ClipSampleRange)
		x0.Clamp(-r, r)
		// eps must be recomputed from the clipped x0 to stay consistent.
		eps, err = tensor.Lincomb(float32(1/math.Sqrt(1-at)), x, float32(-math.Sqrt(at)/math.Sqrt(1-at)), x0)
		if err != nil {
			return nil, err
		}
	}

	variance := (1 - ap) / (1 - at) * (1 - at/ap)
	std := opts.Eta * math.Sqrt(variance)
	dir := math.Sqrt(math.Max(1-ap-std*std, 0))

	next, err := tensor.Lincomb(float32(math.Sqrt(ap)), x0, float32(dir), eps)
	if err != nil {
		return nil, err
	}
	if opts.Eta > 0 {
		if opts.Generator == nil {
			return nil, fmt.Errorf("schedule: ddim eta %v requires a generator", opts.Eta)
		}
		noise := tensor.Randn(opts.Generator, x.Shape...)
		if err := next.AddScaled(float32(std), noise); err != nil {
			return nil, err
		}
	}
	s.calls++
	return next, nil
}
