package schedule

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/drape/internal/tensor"
)

type alphaSigmaer interface {
	alphaSigma(t float64) (float64, float64)
}

type sigmaer interface {
	sigmaAt(t float64) (float64, error)
}

func TestDefaultTimesteps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		variant     Variant
		wantLen     int
		wantHead    []float64
		wantLast    float64
		wantInitSig float64
	}{
		{DDIM, 50, []float64{981, 961, 941}, 1, 1},
		{PNDM, 51, []float64{981, 961, 961, 941}, 1, 1},
		{LMS, 50, []float64{999}, 0, 14.614641},
		{Euler, 50, []float64{999}, 0, 14.614641},
		{EulerAncestral, 50, []float64{999}, 0, 14.614641},
		{DPMSolverMultistep, 50, []float64{999, 979, 959}, 20, 1},
	}
	for _, tc := range cases {
		s, _, err := New(tc.variant, DefaultConfig())
		if err != nil {
			t.Fatalf("%s: new: %v", tc.variant, err)
		}
		ts, err := s.SetTimesteps(50)
		if err != nil {
			t.Fatalf("%s: set timesteps: %v", tc.variant, err)
		}
		if len(ts) != tc.wantLen {
			t.Fatalf("%s: len = %d, want %d", tc.variant, len(ts), tc.wantLen)
		}
		for i, want := range tc.wantHead {
			if ts[i] != want {
				t.Fatalf("%s: ts[%d] = %v, want %v", tc.variant, i, ts[i], want)
			}
		}
		if last := ts[len(ts)-1]; last != tc.wantLast {
			t.Fatalf("%s: last = %v, want %v", tc.variant, last, tc.wantLast)
		}
		if d := math.Abs(s.InitNoiseSigma() - tc.wantInitSig); d > 1e-4 {
			t.Fatalf("%s: init sigma = %v, want %v", tc.variant, s.InitNoiseSigma(), tc.wantInitSig)
		}
		for i := 1; i < len(ts); i++ {
			if ts[i] > ts[i-1] {
				t.Fatalf("%s: timesteps not descending at %d: %v", tc.variant, i, ts)
			}
		}
	}
}

func TestAlphasCumprodEndpoints(t *testing.T) {
	t.Parallel()

	ac := alphasCumprod(DefaultConfig())
	if math.Abs(ac[0]-0.99915) > 1e-12 {
		t.Fatalf("ac[0] = %v", ac[0])
	}
	if math.Abs(ac[999]-0.0046600985) > 1e-9 {
		t.Fatalf("ac[999] = %v", ac[999])
	}
}

// Every variant driven by an oracle denoiser that knows the clean sample must
// land on that sample (or on the final-alpha mix of it for the variants that
// stop at timestep 0).
func TestOracleDenoiserReachesCleanSample(t *testing.T) {
	t.Parallel()

	for _, e := range Entries() {
		t.Run(string(e.Variant), func(t *testing.T) {
			t.Parallel()

			s, caps, err := New(e.Variant, DefaultConfig())
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			ts, err := s.SetTimesteps(25)
			if err != nil {
				t.Fatalf("set timesteps: %v", err)
			}
			gen := tensor.NewGenerator(7)
			x0 := tensor.Randn(gen, 1, 4, 4, 4).Scale(0.5)
			noise := tensor.Randn(gen, 1, 4, 4, 4)

			var x, target *tensor.Tensor
			switch sch := s.(type) {
			case sigmaer:
				x, _ = tensor.Lincomb(1, x0, float32(s.InitNoiseSigma()), noise)
				target = x0
			case alphaSigmaer:
				a, sg := sch.alphaSigma(ts[0])
				x, _ = tensor.Lincomb(float32(a), x0, float32(sg), noise)
				fa, fs := sch.alphaSigma(0)
				target, _ = tensor.Lincomb(float32(fa), x0, float32(fs), noise)
			default:
				t.Fatalf("variant %s exposes no noise level", e.Variant)
			}

			opts := caps.Filter(StepOptions{Eta: 0.5, Generator: tensor.NewGenerator(1)})
			opts.Eta = 0
			for _, step := range ts {
				eps := oracleEps(t, s, x, x0, step)
				x, err = s.Step(eps, step, x, opts)
				if err != nil {
					t.Fatalf("step %v: %v", step, err)
				}
			}
			if d := tensor.MaxAbsDiff(x, target); d > 2e-3 {
				t.Fatalf("final sample off by %v", d)
			}
		})
	}
}

func oracleEps(t *testing.T, s Scheduler, x, x0 *tensor.Tensor, step float64) *tensor.Tensor {
	t.Helper()
	switch sch := s.(type) {
	case sigmaer:
		sigma, err := sch.sigmaAt(step)
		if err != nil {
			t.Fatalf("sigma: %v", err)
		}
		eps, _ := tensor.Lincomb(float32(1/sigma), x, float32(-1/sigma), x0)
		return eps
	case alphaSigmaer:
		a, sg := sch.alphaSigma(step)
		eps, _ := tensor.Lincomb(float32(1/sg), x, float32(-a/sg), x0)
		return eps
	}
	t.Fatalf("no oracle for %T", s)
	return nil
}

func TestStepPastEndIsExhausted(t *testing.T) {
	t.Parallel()

	for _, e := range Entries() {
		s, caps, err := New(e.Variant, DefaultConfig())
		if err != nil {
			t.Fatalf("%s: %v", e.Variant, err)
		}
		x := tensor.Randn(tensor.NewGenerator(3), 1, 4, 2, 2)
		if _, err := s.Step(x, 0, x, StepOptions{}); !errors.Is(err, ErrNotInitialised) {
			t.Fatalf("%s: step before set = %v", e.Variant, err)
		}
		ts, _ := s.SetTimesteps(3)
		opts := caps.Filter(StepOptions{Generator: tensor.NewGenerator(4)})
		for _, step := range ts {
			out := tensor.ZerosLike(x)
			next, err := s.Step(out, step, x, opts)
			if err != nil {
				t.Fatalf("%s: step %v: %v", e.Variant, step, err)
			}
			if !next.SameShape(x) {
				t.Fatalf("%s: step changed shape to %v", e.Variant, next.Shape)
			}
			x = next
		}
		if _, err := s.Step(x, ts[len(ts)-1], x, opts); !errors.Is(err, ErrScheduleExhausted) {
			t.Fatalf("%s: extra step = %v, want exhausted", e.Variant, err)
		}
	}
}

func TestCapabilitiesGuardOptions(t *testing.T) {
	t.Parallel()

	for _, e := range Entries() {
		s, caps, err := New(e.Variant, DefaultConfig())
		if err != nil {
			t.Fatalf("%s: %v", e.Variant, err)
		}
		if caps != e.Caps {
			t.Fatalf("%s: caps mismatch", e.Variant)
		}
		ts, _ := s.SetTimesteps(4)
		x := tensor.Randn(tensor.NewGenerator(5), 1, 1, 2, 2)
		opts := StepOptions{Eta: 0.3}
		if caps.Generator {
			opts.Generator = tensor.NewGenerator(1)
		}
		_, err = s.Step(x, ts[0], x, opts)
		if caps.Eta && err != nil {
			t.Fatalf("%s: eta rejected: %v", e.Variant, err)
		}
		if !caps.Eta && !errors.Is(err, ErrUnsupportedOption) {
			t.Fatalf("%s: eta accepted by a variant without the capability", e.Variant)
		}
		filtered := caps.Filter(StepOptions{Eta: 0.3, Generator: tensor.NewGenerator(1)})
		if !caps.Eta && filtered.Eta != 0 {
			t.Fatalf("%s: filter kept eta", e.Variant)
		}
		if !caps.Generator && filtered.Generator != nil {
			t.Fatalf("%s: filter kept generator", e.Variant)
		}
	}
}

func TestConstructorsAgreeWithTable(t *testing.T) {
	t.Parallel()

	for _, e := range Entries() {
		s, err := e.New(DefaultConfig())
		if err != nil {
			t.Fatalf("%s: %v", e.Variant, err)
		}
		ts, err := s.SetTimesteps(4)
		if err != nil {
			t.Fatalf("%s: set timesteps: %v", e.Variant, err)
		}
		x := tensor.Randn(tensor.NewGenerator(5), 1, 1, 2, 2)
		_, err = s.Step(x, ts[0], x, StepOptions{Generator: tensor.NewGenerator(1)})
		if e.Caps.Generator != (err == nil) {
			t.Fatalf("%s: table says generator=%v but Step returned %v", e.Variant, e.Caps.Generator, err)
		}
		if err != nil && !errors.Is(err, ErrUnsupportedOption) {
			t.Fatalf("%s: unexpected error %v", e.Variant, err)
		}
	}
}

func TestDDIMEtaIsSeeded(t *testing.T) {
	t.Parallel()

	run := func() *tensor.Tensor {
		s, err := NewDDIM(DefaultConfig())
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		ts, _ := s.SetTimesteps(10)
		gen := tensor.NewGenerator(11)
		x := tensor.Randn(gen, 1, 4, 4, 4)
		for _, step := range ts {
			eps := x.Clone().Scale(0.1)
			x, err = s.Step(eps, step, x, StepOptions{Eta: 1, Generator: gen})
			if err != nil {
				t.Fatalf("step: %v", err)
			}
		}
		return x
	}
	if !run().Equal(run()) {
		t.Fatalf("ddim with eta is not reproducible for a fixed seed")
	}
}

func TestSetTimestepsResetsHistory(t *testing.T) {
	t.Parallel()

	s, err := NewPNDM(DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := tensor.Randn(tensor.NewGenerator(9), 1, 2, 2, 2)
	eps := tensor.Randn(tensor.NewGenerator(10), 1, 2, 2, 2)
	first := func() *tensor.Tensor {
		ts, _ := s.SetTimesteps(5)
		var out *tensor.Tensor
		cur := x
		for _, step := range ts[:3] {
			cur, err = s.Step(eps, step, cur, StepOptions{})
			if err != nil {
				t.Fatalf("step: %v", err)
			}
			out = cur
		}
		return out
	}
	if !first().Equal(first()) {
		t.Fatalf("second run after SetTimesteps saw stale history")
	}
}

func TestLMSCoefficientsSumToInterval(t *testing.T) {
	t.Parallel()

	s, err := NewLMS(DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.SetTimesteps(20); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i := 0; i < 20; i++ {
		order := min(i+1, lmsOrder)
		var sum float64
		for k := 0; k < order; k++ {
			sum += s.coefficient(order, i, k)
		}
		want := s.sigmas[i+1] - s.sigmas[i]
		if math.Abs(sum-want) > 1e-6*math.Max(1, math.Abs(want)) {
			t.Fatalf("step %d: coefficient sum %v, want %v", i, sum, want)
		}
	}
}

func TestParseVariantAliases(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Variant{
		"DDIMScheduler":               DDIM,
		"k_euler_a":                   EulerAncestral,
		" dpmsolver_multistep ":       DPMSolverMultistep,
		"DPMSolverMultistepScheduler": DPMSolverMultistep,
		"plms":                        PNDM,
	} {
		got, err := ParseVariant(in)
		if err != nil || got != want {
			t.Fatalf("ParseVariant(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseVariant("heun"); err == nil {
		t.Fatalf("expected error for unregistered variant")
	}
}
