package types

import (
	"fmt"
	"maps"
	"time"
)

// Job is the root aggregate of a render request: its paths, its status
// history and its ordered tasks.
//
// A Job exclusively owns its Tasks and History. Tasks go in and come out as
// copies; nothing outside the Job can mutate its state.
type Job struct {
	id        string
	paths     Paths
	history   History
	tasks     []*Task
	data      map[string]string
	createdAt time.Time
	updatedAt time.Time

	clock func() time.Time
}

// Option configures a new Job.
type Option func(*Job)

// WithClock sets the time source used for created_at and for mutations that
// take no explicit timestamp.
func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		if now != nil {
			j.clock = now
		}
	}
}

// NewJob creates an idle job with no tasks, an empty history and
// created_at = updated_at = now.
func NewJob(id string, paths Paths, opts ...Option) *Job {
	j := &Job{id: id, paths: paths, clock: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	j.createdAt = normalizeTime(j.clock())
	j.updatedAt = j.createdAt
	return j
}

// ============================================================================
// Accessors
// ============================================================================

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Paths() Paths {
	return j.paths
}

func (j *Job) Status() Status {
	return j.history.Current()
}

// History returns a copy of the job's transition log.
func (j *Job) History() History {
	return j.history.clone()
}

func (j *Job) CreatedAt() time.Time {
	return j.createdAt
}

func (j *Job) UpdatedAt() time.Time {
	return j.updatedAt
}

// Data returns a copy of the job's key/value data.
func (j *Job) Data() map[string]string {
	if len(j.data) == 0 {
		return map[string]string{}
	}
	return maps.Clone(j.data)
}

func (j *Job) DataValue(key string) (string, bool) {
	v, ok := j.data[key]
	return v, ok
}

// IsEnded reports whether the job reached a terminal status.
func (j *Job) IsEnded() bool {
	return j.Status().IsTerminal()
}

// ============================================================================
// Mutations
// ============================================================================

// SetStatus moves the job to status at ts. updated_at only moves forward: a
// ts at or before the current updated_at is recorded in the history but
// leaves updated_at as it was. On error the job is unchanged.
func (j *Job) SetStatus(status Status, ts time.Time) error {
	if err := j.history.Append(j.Status(), status, ts); err != nil {
		return fmt.Errorf("job %q: %w", j.id, err)
	}
	j.touch(ts)
	return nil
}

// AddTask appends a copy of task, preserving insertion order.
// Returns a *DuplicateTaskIDError if a task with the same id exists.
func (j *Job) AddTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("job %q: add task: nil task", j.id)
	}
	if j.indexOf(task.id) >= 0 {
		return fmt.Errorf("job %q: %w", j.id, &DuplicateTaskIDError{ID: task.id})
	}
	j.tasks = append(j.tasks, task.Clone())
	j.touch(j.now())
	return nil
}

// Atomize splits frames into chunks of at most chunkSize frames and appends
// one idle task per chunk, described by the chunk's String form. It returns
// the generated task ids in frame order. On error no task is added.
func (j *Job) Atomize(frames FrameRange, chunkSize int) ([]string, error) {
	chunks, err := frames.Chunks(chunkSize)
	if err != nil {
		return nil, fmt.Errorf("job %q: atomize: %w", j.id, err)
	}
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		ids[i] = NewTaskID()
		j.tasks = append(j.tasks, NewTask(ids[i], chunk.String()))
	}
	j.touch(j.now())
	return ids, nil
}

// SetTaskStatus moves the task with taskID to status at ts. The job's
// updated_at advances to ts only if ts is later.
func (j *Job) SetTaskStatus(taskID string, status Status, ts time.Time) error {
	i := j.indexOf(taskID)
	if i < 0 {
		return fmt.Errorf("job %q: %w: %q", j.id, ErrTaskNotFound, taskID)
	}
	if err := j.tasks[i].SetStatus(status, ts); err != nil {
		return fmt.Errorf("job %q: task %q: %w", j.id, taskID, err)
	}
	j.touch(ts)
	return nil
}

// AddTaskOutput records an output location on the task with taskID.
func (j *Job) AddTaskOutput(taskID, path string) error {
	i := j.indexOf(taskID)
	if i < 0 {
		return fmt.Errorf("job %q: %w: %q", j.id, ErrTaskNotFound, taskID)
	}
	j.tasks[i].AddOutput(path)
	j.touch(j.now())
	return nil
}

func (j *Job) SetData(key, value string) {
	if j.data == nil {
		j.data = make(map[string]string)
	}
	j.data[key] = value
	j.touch(j.now())
}

// touch advances updated_at to ts; it never moves backwards.
func (j *Job) touch(ts time.Time) {
	ts = normalizeTime(ts)
	if ts.After(j.updatedAt) {
		j.updatedAt = ts
	}
}

// SetClock replaces the time source of an existing job. nil restores
// time.Now.
func (j *Job) SetClock(now func() time.Time) {
	j.clock = now
}

func (j *Job) now() time.Time {
	if j.clock == nil {
		return time.Now()
	}
	return j.clock()
}

// ============================================================================
// Task queue queries
// ============================================================================

func (j *Job) indexOf(taskID string) int {
	for i, t := range j.tasks {
		if t.id == taskID {
			return i
		}
	}
	return -1
}

// Task returns a copy of the task with the given id.
func (j *Job) Task(id string) (*Task, bool) {
	i := j.indexOf(id)
	if i < 0 {
		return nil, false
	}
	return j.tasks[i].Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (j *Job) Tasks() []*Task {
	out := make([]*Task, len(j.tasks))
	for i, t := range j.tasks {
		out[i] = t.Clone()
	}
	return out
}

func (j *Job) TaskCount() int {
	return len(j.tasks)
}

// CountTasksByStatus returns the number of tasks in each status.
// Every status is present in the result, zero counts included.
func (j *Job) CountTasksByStatus() map[Status]int {
	counts := make(map[Status]int, len(allStatuses))
	for _, s := range allStatuses {
		counts[s] = 0
	}
	for _, t := range j.tasks {
		counts[t.Status()]++
	}
	return counts
}

// NextIdleTask returns a copy of the first task still idle.
func (j *Job) NextIdleTask() (*Task, bool) {
	for _, t := range j.tasks {
		if t.Status() == StatusIdle {
			return t.Clone(), true
		}
	}
	return nil, false
}

// AllTasksEnded reports whether every task is terminal.
// A job without tasks reports true.
func (j *Job) AllTasksEnded() bool {
	for _, t := range j.tasks {
		if !t.IsEnded() {
			return false
		}
	}
	return true
}

func (j *Job) AnyTaskErrored() bool {
	for _, t := range j.tasks {
		if t.Status() == StatusErrored {
			return true
		}
	}
	return false
}

// ============================================================================
// Comparison and copying
// ============================================================================

// Clone returns a deep copy sharing nothing with j.
func (j *Job) Clone() *Job {
	c := &Job{
		id:        j.id,
		paths:     j.paths,
		history:   j.history.clone(),
		createdAt: j.createdAt,
		updatedAt: j.updatedAt,
		clock:     j.clock,
	}
	if len(j.tasks) > 0 {
		c.tasks = make([]*Task, len(j.tasks))
		for i, t := range j.tasks {
			c.tasks[i] = t.Clone()
		}
	}
	if len(j.data) > 0 {
		c.data = maps.Clone(j.data)
	}
	return c
}

// Equal reports whether j and o hold the same persisted state.
// The clock is not part of that state.
func (j *Job) Equal(o *Job) bool {
	if j == nil || o == nil {
		return j == o
	}
	if j.id != o.id || j.paths != o.paths {
		return false
	}
	if !j.createdAt.Equal(o.createdAt) || !j.updatedAt.Equal(o.updatedAt) {
		return false
	}
	if !j.history.equal(o.history) || !maps.Equal(j.data, o.data) {
		return false
	}
	if len(j.tasks) != len(o.tasks) {
		return false
	}
	for i := range j.tasks {
		if !j.tasks[i].Equal(o.tasks[i]) {
			return false
		}
	}
	return true
}

// String formats the job as "Job [id: <id>][status: <status>]".
func (j *Job) String() string {
	return fmt.Sprintf("Job [id: %s][status: %s]", j.id, j.Status())
}
