package schedule

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

func betas(cfg Config) []float64 {
	n := cfg.NumTrainTimesteps
	out := make([]float64, n)
	switch cfg.BetaSchedule {
	case BetaLinear:
		linspace(out, cfg.BetaStart, cfg.BetaEnd)
	case BetaScaledLinear:
		linspace(out, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		for i, v := range out {
			out[i] = v * v
		}
	case BetaSquaredCos:
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range out {
			t1 := float64(i) / float64(n)
			t2 := float64(i+1) / float64(n)
			out[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	}
	return out
}

func alphasCumprod(cfg Config) []float64 {
	b := betas(cfg)
	alphas := make([]float64, len(b))
	for i, beta := range b {
		alphas[i] = 1 - beta
	}
	return floats.CumProd(make([]float64, len(alphas)), alphas)
}

// karrasSigmas converts cumulative alphas to the sigma parameterisation
// x = x0 + sigma*eps.
func karrasSigmas(ac []float64) []float64 {
	out := make([]float64, len(ac))
	for i, a := range ac {
		out[i] = math.Sqrt((1 - a) / a)
	}
	return out
}

func checkSteps(cfg Config, n int) error {
	if n <= 0 {
		return fmt.Errorf("schedule: num inference steps must be positive, got %d", n)
	}
	if n > cfg.NumTrainTimesteps {
		return fmt.Errorf("schedule: %d inference steps exceed %d training timesteps", n, cfg.NumTrainTimesteps)
	}
	return nil
}

// spacedTimesteps returns n descending timesteps under the given spacing rule.
// Leading and trailing spacing produce integers; linspace keeps fractional
// values unless round is set.
func spacedTimesteps(cfg Config, spacing string, n int, round bool) []float64 {
	T := cfg.NumTrainTimesteps
	out := make([]float64, n)
	switch spacing {
	case SpacingLeading:
		ratio := T / n
		for i := range out {
			out[i] = float64((n-1-i)*ratio + cfg.StepsOffset)
		}
	case SpacingTrailing:
		ratio := float64(T) / float64(n)
		for i := range out {
			out[i] = math.RoundToEven(float64(T)-float64(i)*ratio) - 1
		}
	default:
		asc := make([]float64, n)
		linspace(asc, 0, float64(T-1))
		for i := range out {
			v := asc[n-1-i]
			if round {
				v = math.RoundToEven(v)
			}
			out[i] = v
		}
	}
	return out
}

// interp is numpy.interp over the integer grid 0..len(fp)-1.
func interp(x float64, fp []float64) float64 {
	if x <= 0 {
		return fp[0]
	}
	last := len(fp) - 1
	if x >= float64(last) {
		return fp[last]
	}
	lo := int(math.Floor(x))
	frac := x - float64(lo)
	return fp[lo]*(1-frac) + fp[lo+1]*frac
}

// linspace fills dst with evenly spaced values from l to u inclusive. A single
// element holds l, matching numpy.
func linspace(dst []float64, l, u float64) {
	switch len(dst) {
	case 0:
	case 1:
		dst[0] = l
	default:
		floats.Span(dst, l, u)
		dst[len(dst)-1] = u
	}
}
