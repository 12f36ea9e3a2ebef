package schedule

import (
	"math"

	"github.com/samcharles93/drape/internal/tensor"
	"gonum.org/v1/gonum/integrate/quad"
)

const lmsOrder = 4

// sigmaSchedule is the shared state of the variants that work in the
// x = x0 + sigma*eps parameterisation and scale the model input.
type sigmaSchedule struct {
	base
	trainSigmas []float64
	sigmas      []float64
	initSigma   float64
}

func newSigmaSchedule(cfg Config, v Variant) (sigmaSchedule, error) {
	if err := cfg.Validate(); err != nil {
		return sigmaSchedule{}, err
	}
	return sigmaSchedule{
		base:        base{cfg: cfg, variant: v, caps: capabilities[v]},
		trainSigmas: karrasSigmas(alphasCumprod(cfg)),
	}, nil
}

func (s *sigmaSchedule) setSigmas(n int) ([]float64, error) {
	if err := checkSteps(s.cfg, n); err != nil {
		return nil, err
	}
	spacing := s.cfg.spacing(SpacingLinspace)
	ts := spacedTimesteps(s.cfg, spacing, n, false)
	s.sigmas = make([]float64, n+1)
	maxSigma := 0.0
	for i, t := range ts {
		s.sigmas[i] = interp(t, s.trainSigmas)
		maxSigma = math.Max(maxSigma, s.sigmas[i])
	}
	if spacing == SpacingLinspace || spacing == SpacingTrailing {
		s.initSigma = maxSigma
	} else {
		s.initSigma = math.Sqrt(maxSigma*maxSigma + 1)
	}
	s.reset(n, ts)
	return ts, nil
}

func (s *sigmaSchedule) InitNoiseSigma() float64 { return s.initSigma }

func (s *sigmaSchedule) ScaleModelInput(x *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	i, err := s.indexFor(t)
	if err != nil {
		return nil, err
	}
	sigma := s.sigmas[i]
	return x.Clone().Scale(float32(1 / math.Sqrt(sigma*sigma+1))), nil
}

func (s *sigmaSchedule) sigmaAt(t float64) (float64, error) {
	i, err := s.indexFor(t)
	if err != nil {
		return 0, err
	}
	return s.sigmas[i], nil
}

// denoised returns the x0 estimate and the ODE derivative (x - x0)/sigma.
func (s *sigmaSchedule) denoised(out, x *tensor.Tensor, sigma float64) (x0, d *tensor.Tensor, err error) {
	switch s.cfg.PredictionType {
	case PredictV:
		c := sigma*sigma + 1
		x0, err = tensor.Lincomb(float32(-sigma/math.Sqrt(c)), out, float32(1/c), x)
	default:
		x0, err = tensor.Lincomb(1, x, float32(-sigma), out)
	}
	if err != nil {
		return nil, nil, err
	}
	d, err = tensor.Lincomb(float32(1/sigma), x, float32(-1/sigma), x0)
	if err != nil {
		return nil, nil, err
	}
	return x0, d, nil
}

// LMSScheduler is the linear multistep sampler. It keeps the last four ODE
// derivatives and integrates their Lagrange interpolant over each sigma
// interval.
type LMSScheduler struct {
	sigmaSchedule
	derivatives []*tensor.Tensor
}

func NewLMS(cfg Config) (*LMSScheduler, error) {
	ss, err := newSigmaSchedule(cfg, LMS)
	if err != nil {
		return nil, err
	}
	return &LMSScheduler{sigmaSchedule: ss}, nil
}

func (s *LMSScheduler) SetTimesteps(n int) ([]float64, error) {
	s.derivatives = s.derivatives[:0]
	return s.setSigmas(n)
}

func (s *LMSScheduler) Step(out *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error) {
	if err := s.begin(out, x, opts); err != nil {
		return nil, err
	}
	i, err := s.indexFor(t)
	if err != nil {
		return nil, err
	}
	_, d, err := s.denoised(out, x, s.sigmas[i])
	if err != nil {
		return nil, err
	}
	s.derivatives = append(s.derivatives, d)
	if len(s.derivatives) > lmsOrder {
		s.derivatives = s.derivatives[len(s.derivatives)-lmsOrder:]
	}

	order := min(i+1, lmsOrder)
	next := x.Clone()
	for k := 0; k < order; k++ {
		coeff := s.coefficient(order, i, k)
		if err := next.AddScaled(float32(coeff), s.derivatives[len(s.derivatives)-1-k]); err != nil {
			return nil, err
		}
	}
	s.calls++
	return next, nil
}

// coefficient integrates the Lagrange basis polynomial for derivative k over
// [sigma_i, sigma_{i+1}].
func (s *LMSScheduler) coefficient(order, i, k int) float64 {
	basis := func(tau float64) float64 {
		prod := 1.0
		for j := 0; j < order; j++ {
			if j == k {
				continue
			}
			prod *= (tau - s.sigmas[i-j]) / (s.sigmas[i-k] - s.sigmas[i-j])
		}
		return prod
	}
	a, b := s.sigmas[i], s.sigmas[i+1]
	// The basis has degree < lmsOrder, so an 8-point Legendre rule is exact.
	if a > b {
		return -quad.Fixed(basis, b, a, 8, nil, 0)
	}
	return quad.Fixed(basis, a, b, 8, nil, 0)
}
