package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1 // invalid definition, config or usage
	exitRuntime      = 2
	exitFileNotFound = 3
	exitBudget       = 4 // only with --strict-budget
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError formats like fmt.Errorf, so %w keeps the cause inspectable.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps the error returned by Execute to a process exit code.
// Errors raised by cobra itself, such as unknown flags, are usage errors.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitValidation
}
