package cli

import (
	"errors"

	"github.com/Paintersrp/stallwatch/internal/task"
)

// Exit codes returned by the stallwatch binary.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// ExitCodeError carries the process exit code for an error. A nil Err exits
// silently: the outcome was already reported.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

func usageError(err error) error {
	return &ExitCodeError{Code: ExitUsage, Err: err}
}

// exitCode maps an error returned by a command to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var inputErr *task.InputError
	if errors.As(err, &inputErr) {
		return ExitUsage
	}
	return ExitError
}
