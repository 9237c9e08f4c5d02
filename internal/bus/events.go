package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

const (
	// StatusSubjectPrefix is followed by the job id, and the task id for
	// task transitions.
	StatusSubjectPrefix = "renderjob.status"
	// StatusSubjectAll matches every status event.
	StatusSubjectAll = StatusSubjectPrefix + ".>"
)

// Kinds of StatusChanged events.
const (
	KindJobCreated = "job_created"
	KindTaskAdded  = "task_added"
	KindJobStatus  = "job_status"
	KindTaskStatus = "task_status"
)

// StatusChanged announces a change to a job.
type StatusChanged struct {
	Kind      string       `json:"kind"`
	JobID     string       `json:"job_id"`
	TaskID    string       `json:"task_id,omitempty"`
	From      types.Status `json:"from,omitempty"`
	To        types.Status `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
}

// Subject returns renderjob.status.<job>[.<task>]. Characters NATS treats
// as token separators or wildcards are replaced with '_'.
func (e StatusChanged) Subject() string {
	s := StatusSubjectPrefix + "." + subjectToken(e.JobID)
	if e.TaskID != "" {
		s += "." + subjectToken(e.TaskID)
	}
	return s
}

func (e StatusChanged) String() string {
	subject := e.JobID
	if e.TaskID != "" {
		subject += "/" + e.TaskID
	}
	if e.From == "" {
		return fmt.Sprintf("%s %s -> %s", e.Kind, subject, e.To)
	}
	return fmt.Sprintf("%s %s %s -> %s", e.Kind, subject, e.From, e.To)
}

// DecodeStatusChanged parses a published event.
func DecodeStatusChanged(data []byte) (StatusChanged, error) {
	var ev StatusChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		return StatusChanged{}, fmt.Errorf("bus: decode status event: %w", err)
	}
	if ev.JobID == "" {
		return StatusChanged{}, fmt.Errorf("bus: decode status event: missing job_id")
	}
	return ev, nil
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
