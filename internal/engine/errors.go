package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/GrandmasterTash/openrec/internal/changeset"
	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/instructions"
	"github.com/GrandmasterTash/openrec/internal/lookup"
	"github.com/GrandmasterTash/openrec/internal/script"
	"github.com/GrandmasterTash/openrec/internal/sorter"
)

// JobErrorCode categorises job failures for the controller and the CLI's
// exit-code mapping.
type JobErrorCode string

const (
	// ErrCodeConfig indicates a charter that failed to parse or validate.
	ErrCodeConfig JobErrorCode = "CONFIG_ERROR"

	// ErrCodeSchemaMismatch indicates files of one pattern whose schemas
	// disagree.
	ErrCodeSchemaMismatch JobErrorCode = "SCHEMA_MISMATCH"

	// ErrCodeUnknownType indicates an instruction referenced a ?? column.
	ErrCodeUnknownType JobErrorCode = "UNKNOWN_TYPE"

	// ErrCodeDataType indicates a cell failed to parse or coerce.
	ErrCodeDataType JobErrorCode = "DATA_TYPE_ERROR"

	// ErrCodeScript indicates a projection, filter or constraint script
	// failed at runtime.
	ErrCodeScript JobErrorCode = "SCRIPT_ERROR"

	// ErrCodeGroupTooLarge indicates a candidate group breached the group
	// size limit.
	ErrCodeGroupTooLarge JobErrorCode = "GROUP_TOO_LARGE"

	// ErrCodeLookup indicates a missing lookup file.
	ErrCodeLookup JobErrorCode = "LOOKUP_ERROR"

	// ErrCodeIO indicates a filesystem operation failed.
	ErrCodeIO JobErrorCode = "IO_ERROR"

	// ErrCodeCancelled indicates the controller cancelled the job.
	ErrCodeCancelled JobErrorCode = "CANCELLED"
)

// JobError is the structured failure surfaced to the controller. The
// matching folder is left untouched so an operator can intervene.
type JobError struct {
	Code  JobErrorCode
	Phase Phase
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s in phase %s: %v", e.Code, e.Phase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// CodeOf extracts the job error code, defaulting to IO for untyped errors.
func CodeOf(err error) JobErrorCode {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Code
	}
	return ErrCodeIO
}

// classify wraps an error from any phase with its job error code.
func classify(phase Phase, err error) *JobError {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	code := ErrCodeIO

	var (
		mismatch   *grid.SchemaMismatchError
		unknown    *grid.UnknownTypeError
		cell       *grid.CellError
		parse      *datatype.ParseError
		eval       *script.EvalError
		derive     *instructions.EvalError
		tooLarge   *sorter.GroupTooLargeError
		missing    *lookup.MissingFileError
		changesetE *changeset.ParseError
	)

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeCancelled
	case errors.As(err, &tooLarge):
		code = ErrCodeGroupTooLarge
	case errors.As(err, &unknown):
		code = ErrCodeUnknownType
	case errors.As(err, &mismatch):
		code = ErrCodeSchemaMismatch
	case errors.As(err, &cell), errors.As(err, &parse), errors.As(err, &changesetE):
		code = ErrCodeDataType
	case errors.As(err, &missing):
		code = ErrCodeLookup
	case errors.As(err, &eval), errors.As(err, &derive):
		code = ErrCodeScript
	}

	return &JobError{Code: code, Phase: phase, Err: err}
}
