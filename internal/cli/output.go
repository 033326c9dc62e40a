package cli

import (
	"errors"

	"github.com/GrandmasterTash/openrec/internal/engine"
)

// Exit codes surfaced to the orchestrator.
const (
	ExitSuccess     = 0 // Job completed and the report was committed.
	ExitConfigError = 1 // Charter failed to parse or validate.
	ExitDataError   = 2 // Schema mismatch, unknown type or bad cell data.
	ExitJobAborted  = 3 // Script failure, group size limit or cancellation.
	ExitIOError     = 4 // Filesystem or lookup-file failure.
)

// ExitError carries an exit code alongside an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError attaches an explicit exit code.
func WrapExitError(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// WrapJobError maps an engine failure onto its exit code.
func WrapJobError(err error) *ExitError {
	code := ExitIOError

	switch engine.CodeOf(err) {
	case engine.ErrCodeConfig:
		code = ExitConfigError
	case engine.ErrCodeSchemaMismatch, engine.ErrCodeUnknownType, engine.ErrCodeDataType:
		code = ExitDataError
	case engine.ErrCodeScript, engine.ErrCodeGroupTooLarge, engine.ErrCodeCancelled:
		code = ExitJobAborted
	case engine.ErrCodeLookup, engine.ErrCodeIO:
		code = ExitIOError
	}

	return &ExitError{Code: code, Err: err}
}

// GetExitCode extracts the exit code from an error; untyped errors are
// treated as I/O failures.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitIOError
}
