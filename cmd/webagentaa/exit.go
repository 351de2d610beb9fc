package main

import (
	"context"
	"errors"
	"fmt"

	"webagentaa/internal/dispatch"
	"webagentaa/internal/exitcodes"
	"webagentaa/internal/runner"
)

// exitError carries an explicit exit code. A nil err means the outcome was
// already reported and nothing more needs printing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func configError(err error) error {
	return &exitError{code: exitcodes.ConfigErr, err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitcodes.Success
	}
	var (
		exitErr   *exitError
		sourceErr *runner.SourceError
		reportErr *runner.ReportError
	)
	switch {
	case errors.As(err, &exitErr):
		return exitErr.code
	case errors.As(err, &sourceErr):
		return exitcodes.SourceErr
	case errors.Is(err, dispatch.ErrIntegrity), errors.As(err, &reportErr):
		return exitcodes.RuntimeErr
	case errors.Is(err, dispatch.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitcodes.TaskFailure
	default:
		return exitcodes.RuntimeErr
	}
}
