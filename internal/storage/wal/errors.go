package wal

// ============================================================================
// Journal Error Definitions
// Purpose: Define all journal-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates the journal cannot be parsed
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the journal holds no events
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates the journal is closed
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed
	ErrSyncFailed = errors.New("wal: sync to disk failed")

	// ErrSequenceGap indicates seq numbers that are not consecutive
	ErrSequenceGap = errors.New("wal: sequence gap")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents journal corruption at a known position
type CorruptionError struct {
	Seq    uint64 // Sequence number of the last good event
	Offset int64  // Byte offset in file
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
