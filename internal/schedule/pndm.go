package schedule

import (
	"fmt"
	"math"

	"github.com/samcharles93/drape/internal/tensor"
)

// PNDMScheduler runs pseudo linear multistep (PLMS) updates with the
// Runge-Kutta warmup skipped. The second timestep is repeated so the first
// two calls form a Heun-style pair.
type PNDMScheduler struct {
	base
	alphasCumprod []float64
	finalAlpha    float64
	stepRatio     int

	ets       []*tensor.Tensor
	curSample *tensor.Tensor
}

func NewPNDM(cfg Config) (*PNDMScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ac := alphasCumprod(cfg)
	final := ac[0]
	if cfg.SetAlphaToOne {
		final = 1
	}
	return &PNDMScheduler{
		base:          base{cfg: cfg, variant: PNDM, caps: capabilities[PNDM]},
		alphasCumprod: ac,
		finalAlpha:    final,
	}, nil
}

func (s *PNDMScheduler) SetTimesteps(n int) ([]float64, error) {
	if err := checkSteps(s.cfg, n); err != nil {
		return nil, err
	}
	desc := spacedTimesteps(s.cfg, s.cfg.spacing(SpacingLeading), n, true)
	ts := make([]float64, 0, n+1)
	if n == 1 {
		ts = append(ts, desc[0])
	} else {
		ts = append(ts, desc[0], desc[1])
		ts = append(ts, desc[1:]...)
	}
	s.stepRatio = s.cfg.NumTrainTimesteps / n
	s.ets = s.ets[:0]
	s.curSample = nil
	s.reset(n, ts)
	return ts, nil
}

func (s *PNDMScheduler) InitNoiseSigma() float64 { return 1 }

func (s *PNDMScheduler) ScaleModelInput(x *tensor.Tensor, _ float64) (*tensor.Tensor, error) {
	return x, nil
}

func (s *PNDMScheduler) alphaAt(t int) float64 {
	if t < 0 {
		return s.finalAlpha
	}
	return s.alphasCumprod[t]
}

func (s *PNDMScheduler) alphaSigma(t float64) (float64, float64) {
	a := s.alphaAt(int(t))
	return math.Sqrt(a), math.Sqrt(1 - a)
}

func (s *PNDMScheduler) Step(out *tensor.Tensor, t float64, x *tensor.Tensor, opts StepOptions) (*tensor.Tensor, error) {
	if err := s.begin(out, x, opts); err != nil {
		return nil, err
	}
	cur := int(t)
	prev := cur - s.stepRatio
	if s.calls != 1 {
		if len(s.ets) > 3 {
			s.ets = s.ets[len(s.ets)-3:]
		}
		s.ets = append(s.ets, out)
	} else {
		prev = cur
		cur += s.stepRatio
	}
	if cur < 0 || cur >= len(s.alphasCumprod) {
		return nil, fmt.Errorf("schedule: pndm timestep %d out of range", cur)
	}

	var (
		eps *tensor.Tensor
		err error
	)
	e := s.ets
	n := len(e)
	switch {
	case n == 1 && s.calls == 0:
		eps = out
		s.curSample = x
	case n == 1 && s.calls == 1:
		eps, err = tensor.Lincomb(0.5, out, 0.5, e[n-1])
		x = s.curSample
		s.curSample = nil
	case n == 2:
		eps, err = tensor.Lincomb(1.5, e[n-1], -0.5, e[n-2])
	case n == 3:
		eps, err = combine([]float32{23, -16, 5}, 12, e[n-1], e[n-2], e[n-3])
	default:
		eps, err = combine([]float32{55, -59, 37, -9}, 24, e[n-1], e[n-2], e[n-3], e[n-4])
	}
	if err != nil {
		return nil, err
	}

	next, err := s.prevSample(x, cur, prev, eps)
	if err != nil {
		return nil, err
	}
	s.calls++
	return next, nil
}

func (s *PNDMScheduler) prevSample(x *tensor.Tensor, t, prev int, out *tensor.Tensor) (*tensor.Tensor, error) {
	a := s.alphaAt(t)
	ap := s.alphaAt(prev)
	b := 1 - a
	bp := 1 - ap
	if s.cfg.PredictionType == PredictV {
		var err error
		out, err = tensor.Lincomb(float32(math.Sqrt(a)), out, float32(math.Sqrt(b)), x)
		if err != nil {
			return nil, err
		}
	}
	sampleCoeff := math.Sqrt(ap / a)
	denom := a*math.Sqrt(bp) + math.Sqrt(a*b*ap)
	return tensor.Lincomb(float32(sampleCoeff), x, float32(-(ap-a)/denom), out)
}

// combine returns sum(w[i]*ts[i]) / div.
func combine(w []float32, div float32, ts ...*tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.ZerosLike(ts[0])
	for i, t := range ts {
		if err := out.AddScaled(w[i]/div, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}
