// Package types defines the render job domain model: the Job aggregate, its
// Tasks, the shared Status state machine, the append-only History of status
// transitions, and the canonical data.json codec that round-trips all of it.
//
// The package does no locking. Callers sharing a Job between goroutines must
// serialize mutations themselves (see internal/jobmanager).
package types

import "fmt"

// Status is the lifecycle state shared by jobs and tasks.
type Status string

// Status values. The string form is what data.json stores.
const (
	StatusIdle     Status = "idle"     // created, not yet submitted
	StatusQueued   Status = "queued"   // waiting for a render slot
	StatusRunning  Status = "running"  // being rendered
	StatusFinished Status = "finished" // terminal: rendered successfully
	StatusErrored  Status = "errored"  // terminal: failed
	StatusAborted  Status = "aborted"  // terminal: cancelled
)

// InitialStatus is the status of anything with an empty history.
const InitialStatus = StatusIdle

var allStatuses = []Status{
	StatusIdle,
	StatusQueued,
	StatusRunning,
	StatusFinished,
	StatusErrored,
	StatusAborted,
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a data.json status name into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusErrored, StatusAborted:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether the state machine allows from -> to:
//
//	idle -> queued -> running -> {finished | errored | aborted}
//
// Self transitions and anything leaving a terminal state are rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusIdle:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusFinished || to == StatusErrored || to == StatusAborted
	default:
		return false
	}
}
