package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity marks aggregation bugs such as double dispatch.
	ErrIntegrity = errors.New("aggregation integrity violated")
	// ErrInterrupted is returned with a partial result when the run context ends early.
	ErrInterrupted = errors.New("run interrupted")
)

// IntegrityError describes a broken aggregation invariant.
type IntegrityError struct {
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrIntegrity, e.Reason)
	}
	return fmt.Sprintf("%s: index %d: %s", ErrIntegrity, e.Index, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}
