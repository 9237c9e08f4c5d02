package wal

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: event records of the transition journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventJobCreated EventType = "JOB_CREATED" // Job registered; Payload holds its data.json
	EventTaskAdded  EventType = "TASK_ADDED"  // Task appended; Payload holds its descriptor
	EventJobStatus  EventType = "JOB_STATUS"  // Job status transition
	EventTaskStatus EventType = "TASK_STATUS" // Task status transition
)

// Event represents one journal record, written as a JSON line.
type Event struct {
	Seq       uint64       `json:"seq"`               // Sequence number (monotonically increasing)
	Type      EventType    `json:"type"`              // Event type
	JobID     string       `json:"job_id"`            // Job the event belongs to
	TaskID    string       `json:"task_id,omitempty"` // Task, for TASK_* events
	From      types.Status `json:"from,omitempty"`    // Previous status, for *_STATUS events
	To        types.Status `json:"to,omitempty"`      // New status, for *_STATUS events
	Timestamp time.Time    `json:"timestamp"`         // Transition time
	Payload   string       `json:"payload,omitempty"` // Type dependent, see EventType
	Checksum  uint32       `json:"checksum"`          // CRC32 checksum
}

// String renders the event on one line for dumps and logs.
func (e Event) String() string {
	subject := e.JobID
	if e.TaskID != "" {
		subject += "/" + e.TaskID
	}
	s := fmt.Sprintf("[Seq:%d] %s %s at %s", e.Seq, e.Type, subject, e.Timestamp.UTC().Format(time.RFC3339Nano))
	if e.From != "" || e.To != "" {
		s += fmt.Sprintf(" %s -> %s", e.From, e.To)
	}
	return s + fmt.Sprintf(" (checksum:0x%08x)", e.Checksum)
}

// EventHandler is the function type for processing journal events.
// Replay stops at the first handler error.
type EventHandler func(event Event) error

// Stats summarizes a journal file.
type Stats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
	FirstTime   time.Time
	LastTime    time.Time
}
