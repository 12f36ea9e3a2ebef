package schedule

import (
	"fmt"
	"math"

	"github.com/samcharles93/drape/internal/tensor"
)

// DPMSolverScheduler is DPM-Solver++ in its multistep form with the midpoint
// second-order update. It keeps the last two data predictions.
type DPMSolverScheduler struct {
	base
	alphasCumprod []float64
	order         int

	outputs   [2]*tensor.Tensor
	lowerNums int
}

func NewDPMSolver(cfg Config) (*DPMSolverScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	order := cfg.SolverOrder
	if order == 0 {
		order = 2
	}
	return &DPMSolverScheduler{
		base:          base{cfg: cfg, variant: DPMSolverMultistep, caps: capabilities[DPMSolverMultistep]},
		alphasCumprod: alphasCumprod(cfg),
		order:         order,
	}, nil
}

func (s *DPMSolverScheduler) SetTimesteps(n int) ([]float64, error) {
	if err := checkSteps(s.cfg, n); err != nil {
		return nil, err
	}
	var ts []float64
	if sp := s.cfg.spacing(SpacingLinspace); sp == SpacingLinspace {
		// n+1 rounded points from T-1 down to 0 with the final 0 dropped.
		ts = spacedTimesteps(s.cfg, sp, n+1, true)[:n]
	} else {
		ts = spacedTimesteps(s.cfg, sp, n, true)
	}
	s.outputs = [2]*tensor.Tensor{}
	s.lowerNums = 0
	s.reset(n, ts)
	return ts, nil
}

func (s *DPMSolverScheduler) InitNoiseSigma() float64 { return 1 }

func (s *DPMSolverScheduler) ScaleModelInput(x *tensor.Tensor, _ float64) (*tensor.Tensor, error) {
	return x, nil
}

func (s *DPMSolverScheduler) alphaSigma(t float64) (float64, float64) {
	a := s.alphasCumprod[int(t)]
	return math.Sqrt(a), math.Sqrt(1 - a)
}

func (s *DPMSolverScheduler) lambda(t float64) float64 {
	alpha, sigma := s.alphaSigma(t)
	return math.Log(alpha) - math.Log(sigma)
}

func (s *DPMSolverScheduler) Step(out *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error) {
	if err := s.begin(out, x, opts); err != nil {
		return nil, err
	}
	i, err := s.indexFor(t)
	if err != nil {
		return nil, err
	}
	if int(t) < 0 || int(t) >= len(s.alphasCumprod) {
		return nil, fmt.Errorf("schedule: dpm timestep %v out of range", t)
	}
	prevT := 0.0
	if i < len(s.timesteps)-1 {
		prevT = s.timesteps[i+1]
	}
	lowerFinal := i == len(s.timesteps)-1 && s.cfg.LowerOrderFinal && len(s.timesteps) < 15

	alpha, sigma := s.alphaSigma(t)
	x0, _, err := predictOriginal(s.cfg.PredictionType, out, x, alpha, sigma)
	if err != nil {
		return nil, err
	}
	s.outputs[0], s.outputs[1] = s.outputs[1], x0

	var next *tensor.Tensor
	if s.order == 1 || s.lowerNums < 1 || lowerFinal {
		next, err = s.firstOrder(x0, t, prevT, x)
	} else {
		next, err = s.secondOrder(s.timesteps[i-1], t, prevT, x)
	}
	if err != nil {
		return nil, err
	}
	if s.lowerNums < s.order {
		s.lowerNums++
	}
	s.calls++
	return next, nil
}

func (s *DPMSolverScheduler) firstOrder(x0 *tensor.Tensor, t, prevT float64, x *tensor.Tensor) (*tensor.Tensor, error) {
	alphaT, sigmaT := s.alphaSigma(prevT)
	_, sigmaS := s.alphaSigma(t)
	h := s.lambda(prevT) - s.lambda(t)
	return tensor.Lincomb(float32(sigmaT/sigmaS), x, float32(-alphaT*(math.Exp(-h)-1)), x0)
}

func (s *DPMSolverScheduler) secondOrder(s1, s0, t float64, x *tensor.Tensor) (*tensor.Tensor, error) {
	m0, m1 := s.outputs[1], s.outputs[0]
	alphaT, sigmaT := s.alphaSigma(t)
	_, sigmaS0 := s.alphaSigma(s0)
	lt, l0, l1 := s.lambda(t), s.lambda(s0), s.lambda(s1)
	h := lt - l0
	r0 := (l0 - l1) / h

	// D1 = (m0 - m1) / r0; the midpoint update adds 0.5*D1 to D0 = m0.
	d, err := tensor.Lincomb(float32(1+0.5/r0), m0, float32(-0.5/r0), m1)
	if err != nil {
		return nil, err
	}
	return tensor.Lincomb(float32(sigmaT/sigmaS0), x, float32(-alphaT*(math.Exp(-h)-1)), d)
}
