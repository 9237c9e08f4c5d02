package types

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Task is one schedulable unit of rendering work inside a Job.
// Its status is always the current status of its own History.
type Task struct {
	id         string
	descriptor string
	history    History
	output     []string
	data       map[string]string
}

// NewTask creates an idle task with an empty history and no output.
func NewTask(id, descriptor string) *Task {
	return &Task{id: id, descriptor: descriptor}
}

// NewTaskID returns a fresh random task id.
func NewTaskID() string {
	return uuid.New().String()
}

func (t *Task) ID() string {
	return t.id
}

// Descriptor returns the opaque description of the work, e.g. a frame range
// or a render command line.
func (t *Task) Descriptor() string {
	return t.descriptor
}

func (t *Task) Status() Status {
	return t.history.Current()
}

// History returns a copy of the task's transition log.
func (t *Task) History() History {
	return t.history.clone()
}

// Output returns a copy of the recorded output locations.
func (t *Task) Output() []string {
	if len(t.output) == 0 {
		return []string{}
	}
	out := make([]string, len(t.output))
	copy(out, t.output)
	return out
}

// Data returns a copy of the task's key/value data.
func (t *Task) Data() map[string]string {
	if len(t.data) == 0 {
		return map[string]string{}
	}
	return maps.Clone(t.data)
}

// DataValue looks up one data key.
func (t *Task) DataValue(key string) (string, bool) {
	v, ok := t.data[key]
	return v, ok
}

// SetStatus moves the task to status at ts.
// Returns a *TransitionError if the state machine forbids the change.
func (t *Task) SetStatus(status Status, ts time.Time) error {
	return t.history.Append(t.Status(), status, ts)
}

// AddOutput records an output location (e.g. a rendered frame).
func (t *Task) AddOutput(path string) {
	t.output = append(t.output, path)
}

func (t *Task) SetData(key, value string) {
	if t.data == nil {
		t.data = make(map[string]string)
	}
	t.data[key] = value
}

// IsEnded reports whether the task reached a terminal status.
func (t *Task) IsEnded() bool {
	return t.Status().IsTerminal()
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := &Task{
		id:         t.id,
		descriptor: t.descriptor,
		history:    t.history.clone(),
	}
	if len(t.output) > 0 {
		c.output = make([]string, len(t.output))
		copy(c.output, t.output)
	}
	if len(t.data) > 0 {
		c.data = maps.Clone(t.data)
	}
	return c
}

// Equal compares every field. Nil and empty output/data are equal.
func (t *Task) Equal(o *Task) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.id != o.id || t.descriptor != o.descriptor {
		return false
	}
	if !t.history.equal(o.history) {
		return false
	}
	if len(t.output) != len(o.output) {
		return false
	}
	for i := range t.output {
		if t.output[i] != o.output[i] {
			return false
		}
	}
	return maps.Equal(t.data, o.data)
}

// String formats the task as "Task [id: <id>][status: <status>] <descriptor>".
func (t *Task) String() string {
	return fmt.Sprintf("Task [id: %s][status: %s] %s", t.id, t.Status(), t.descriptor)
}
