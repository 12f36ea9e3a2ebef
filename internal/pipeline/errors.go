package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is the root of every validation failure. Validation
	// happens before any network is evaluated.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStopped is returned when the progress callback asks the run to stop.
	ErrStopped = errors.New("run stopped")
	// ErrIllegalTransition reports a state machine misuse.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
