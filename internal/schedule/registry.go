package schedule

import (
	"fmt"
	"sort"
	"strings"
)

// Entry is one row of the variant table.
type Entry struct {
	Variant     Variant
	Description string
	Caps        Capabilities
	New         func(Config) (Scheduler, error)
}

// capabilities records which optional Step parameters each variant accepts.
var capabilities = map[Variant]Capabilities{
	DDIM:               {Eta: true, Generator: true},
	PNDM:               {},
	LMS:                {},
	Euler:              {Generator: true},
	EulerAncestral:     {Generator: true},
	DPMSolverMultistep: {Generator: true},
}

var registry = map[Variant]Entry{
	DDIM: {
		Variant:     DDIM,
		Description: "denoising diffusion implicit models",
		New:         func(c Config) (Scheduler, error) { return NewDDIM(c) },
	},
	PNDM: {
		Variant:     PNDM,
		Description: "pseudo numerical methods (PLMS, no Runge-Kutta warmup)",
		New:         func(c Config) (Scheduler, error) { return NewPNDM(c) },
	},
	LMS: {
		Variant:     LMS,
		Description: "linear multistep, order 4",
		New:         func(c Config) (Scheduler, error) { return NewLMS(c) },
	},
	Euler: {
		Variant:     Euler,
		Description: "Euler probability-flow ODE",
		New:         func(c Config) (Scheduler, error) { return NewEuler(c) },
	},
	EulerAncestral: {
		Variant:     EulerAncestral,
		Description: "Euler with ancestral noise injection",
		New:         func(c Config) (Scheduler, error) { return NewEulerAncestral(c) },
	},
	DPMSolverMultistep: {
		Variant:     DPMSolverMultistep,
		Description: "DPM-Solver++ 2M multistep",
		New:         func(c Config) (Scheduler, error) { return NewDPMSolver(c) },
	},
}

// Lookup returns the table entry for v.
func Lookup(v Variant) (Entry, bool) {
	e, ok := registry[v]
	e.Caps = capabilities[v]
	return e, ok
}

// New constructs a fresh scheduler of variant v and reports its capabilities.
func New(v Variant, cfg Config) (Scheduler, Capabilities, error) {
	e, ok := registry[v]
	if !ok {
		return nil, Capabilities{}, fmt.Errorf("unknown scheduler %q", v)
	}
	s, err := e.New(cfg)
	if err != nil {
		return nil, Capabilities{}, err
	}
	return s, capabilities[v], nil
}

// Entries lists the table sorted by variant name.
func Entries() []Entry {
	out := make([]Entry, 0, len(registry))
	for v, e := range registry {
		e.Caps = capabilities[v]
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out
}

// ParseVariant accepts a registry key or one of the diffusers class names.
func ParseVariant(s string) (Variant, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "ddimscheduler":
		key = string(DDIM)
	case "pndmscheduler", "plms":
		key = string(PNDM)
	case "lmsdiscretescheduler", "k_lms":
		key = string(LMS)
	case "eulerdiscretescheduler", "k_euler":
		key = string(Euler)
	case "eulerancestraldiscretescheduler", "k_euler_a", "euler_a":
		key = string(EulerAncestral)
	case "dpmsolvermultistepscheduler", "dpm++2m", "dpmpp_2m":
		key = string(DPMSolverMultistep)
	}
	v := Variant(key)
	if _, ok := registry[v]; !ok {
		return "", fmt.Errorf("unknown scheduler %q", s)
	}
	return v, nil
}
