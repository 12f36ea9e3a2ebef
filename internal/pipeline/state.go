package pipeline

import (
	"fmt"

	"github.com/samcharles93/drape/internal/logger"
)

// State is a phase of a single run.
type State int

const (
	StateInit State = iota
	StatePromptEncoded
	StateReferenceEncoded
	StateCacheWarm
	StateDenoiseStep
	StateDecoded
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:             "init",
	StatePromptEncoded:    "prompt_encoded",
	StateReferenceEncoded: "reference_encoded",
	StateCacheWarm:        "cache_warm",
	StateDenoiseStep:      "denoise_step",
	StateDecoded:          "decoded",
	StateDone:             "done",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

var transitions = map[State][]State{
	StateInit:             {StatePromptEncoded},
	StatePromptEncoded:    {StateReferenceEncoded},
	StateReferenceEncoded: {StateCacheWarm},
	StateCacheWarm:        {StateDenoiseStep},
	StateDenoiseStep:      {StateDenoiseStep, StateDecoded},
	StateDecoded:          {StateDone},
}

// machine tracks the state of one run. Every non-terminal state may move to
// StateFailed.
type machine struct {
	state State
	trace []State
	log   logger.Logger
}

func newMachine(log logger.Logger) *machine {
	return &machine{state: StateInit, trace: []State{StateInit}, log: log}
}

func (m *machine) to(next State) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, m.state)
	}
	if next != StateFailed {
		ok := false
		for _, s := range transitions[m.state] {
			if s == next {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
		}
	}
	// Repeated denoise steps are not worth a log line each.
	if next != m.state {
		m.log.Debug("pipeline state", "from", m.state.String(), "to", next.String())
		m.trace = append(m.trace, next)
	}
	m.state = next
	return nil
}

// fail moves to StateFailed and wraps err with the state it failed in.
func (m *machine) fail(err error) error {
	at := m.state
	if !at.Terminal() {
		m.state = StateFailed
		m.trace = append(m.trace, StateFailed)
	}
	return fmt.Errorf("%s: %w", at, err)
}
