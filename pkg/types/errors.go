package types

// ============================================================================
// Error Definitions
// Purpose: error kinds returned by the job model and the data.json codec
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors, matched with errors.Is
var (
	// ErrMalformedDocument indicates structurally invalid input or a missing field
	ErrMalformedDocument = errors.New("malformed job document")

	// ErrInvalidTransition indicates a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateTaskID indicates a task id collision within one job
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrTaskNotFound indicates a lookup by task id that matched nothing
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownStatus indicates a status name outside the closed set
	ErrUnknownStatus = errors.New("unknown status")

	// ErrUnencodable indicates a value that data.json cannot carry losslessly
	ErrUnencodable = errors.New("value cannot be encoded losslessly")

	// ErrInvalidFrameRange indicates a frame range or chunk size that cannot be split
	ErrInvalidFrameRange = errors.New("invalid frame range")

	// ErrMergeConflict indicates two copies of a job whose histories diverged
	ErrMergeConflict = errors.New("merge conflict")
)

// TransitionError describes a rejected status change.
// Current is set when the change did not start from the current status.
type TransitionError struct {
	From    Status
	To      Status
	Current Status
}

func (e *TransitionError) Error() string {
	if e.Current != "" && e.Current != e.From {
		return fmt.Sprintf("invalid status transition %s -> %s: current status is %s", e.From, e.To, e.Current)
	}
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// DuplicateTaskIDError names the colliding task id.
type DuplicateTaskIDError struct {
	ID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.ID)
}

func (e *DuplicateTaskIDError) Unwrap() error {
	return ErrDuplicateTaskID
}

// malformed wraps ErrMalformedDocument with location context.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDocument, fmt.Sprintf(format, args...))
}
