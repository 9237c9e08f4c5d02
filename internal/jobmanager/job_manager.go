// ============================================================================
// renderjob job registry
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: the in-memory set of render jobs shared by the controller, the
// gRPC service and the HTTP API.
//
// Design:
//   types.Job does no locking of its own. The registry serializes every
//   mutation behind one RWMutex and never hands out its internal pointers:
//   readers get clones or run a callback under RLock, writers mutate a clone
//   that replaces the stored job only if the whole mutation succeeded.
//
//   jobs map[string]*types.Job - single source of truth
//   byStatus map[Status]map[id] - index for Stats and IDsByStatus
//
// Snapshots:
//   Snapshot() - every job as its data.json document
//   Restore()  - replace the registry from such documents
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrJobNotFound  = errors.New("job not found")
)

// JobManager is a concurrency-safe registry of jobs keyed by id.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[string]*types.Job
	byStatus map[types.Status]map[string]struct{}
}

// NewJobManager creates an empty registry.
func NewJobManager() *JobManager {
	jm := &JobManager{
		jobs:     make(map[string]*types.Job),
		byStatus: make(map[types.Status]map[string]struct{}),
	}
	for _, s := range types.Statuses() {
		jm.byStatus[s] = make(map[string]struct{})
	}
	return jm
}

// ============================================================================
// Registration
// ============================================================================

// Add registers a copy of job.
func (jm *JobManager) Add(job *types.Job) error {
	if job == nil {
		return errors.New("jobmanager: nil job")
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, job.ID())
	}
	jm.putLocked(job.Clone())
	return nil
}

// Put registers or replaces job.
func (jm *JobManager) Put(job *types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.putLocked(job.Clone())
}

// Remove drops a job from the registry.
func (jm *JobManager) Remove(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	delete(jm.byStatus[job.Status()], id)
	delete(jm.jobs, id)
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// Has reports whether a job with id is registered.
func (jm *JobManager) Has(id string) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, ok := jm.jobs[id]
	return ok
}

// GetJob returns a copy of the job, or nil.
func (jm *JobManager) GetJob(id string) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil
	}
	return job.Clone()
}

// View runs fn on the stored job under the read lock. fn must not retain
// or mutate the job.
func (jm *JobManager) View(id string, fn func(*types.Job) error) error {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	return fn(job)
}

// Document returns the job's data.json bytes.
func (jm *JobManager) Document(id string) ([]byte, error) {
	var doc []byte
	err := jm.View(id, func(job *types.Job) error {
		var err error
		doc, err = job.ToDocument()
		return err
	})
	return doc, err
}

// IDs returns every registered id in sorted order.
func (jm *JobManager) IDs() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]string, 0, len(jm.jobs))
	for id := range jm.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDsByStatus returns the sorted ids of jobs currently in status.
func (jm *JobManager) IDsByStatus(status types.Status) []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]string, 0, len(jm.byStatus[status]))
	for id := range jm.byStatus[status] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered jobs.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats returns the number of jobs per status, keyed by status name.
// Every status is present, zero counts included.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[string]int, len(jm.byStatus))
	for status, ids := range jm.byStatus {
		stats[string(status)] = len(ids)
	}
	return stats
}

// ============================================================================
// Mutations
// ============================================================================

// Update applies fn to a clone of the job and stores the clone only if fn
// returns nil, so a failed mutation never leaves a half-applied job behind.
func (jm *JobManager) Update(id string, fn func(*types.Job) error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	working := job.Clone()
	if err := fn(working); err != nil {
		return err
	}
	jm.putLocked(working)
	return nil
}

// SetStatus moves a job to status at ts.
func (jm *JobManager) SetStatus(id string, status types.Status, ts time.Time) error {
	return jm.Update(id, func(job *types.Job) error {
		return job.SetStatus(status, ts)
	})
}

// SetTaskStatus moves one task of a job to status at ts.
func (jm *JobManager) SetTaskStatus(id, taskID string, status types.Status, ts time.Time) error {
	return jm.Update(id, func(job *types.Job) error {
		return job.SetTaskStatus(taskID, status, ts)
	})
}

// AddTask appends a task to a job.
func (jm *JobManager) AddTask(id string, task *types.Task) error {
	return jm.Update(id, func(job *types.Job) error {
		return job.AddTask(task)
	})
}

// ============================================================================
// Snapshots
// ============================================================================

// Snapshot returns every job as its data.json document, keyed by id.
func (jm *JobManager) Snapshot() (map[string][]byte, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	docs := make(map[string][]byte, len(jm.jobs))
	for id, job := range jm.jobs {
		doc, err := job.ToDocument()
		if err != nil {
			return nil, err
		}
		docs[id] = doc
	}
	return docs, nil
}

// Restore replaces the registry with the given documents. Nothing changes
// unless every document parses and its id matches its key.
func (jm *JobManager) Restore(docs map[string][]byte) error {
	jobs := make([]*types.Job, 0, len(docs))
	for id, doc := range docs {
		job, err := types.FromDocument(doc)
		if err != nil {
			return fmt.Errorf("restore %q: %w", id, err)
		}
		if job.ID() != id {
			return fmt.Errorf("restore %q: %w: document id is %q", id, types.ErrMalformedDocument, job.ID())
		}
		jobs = append(jobs, job)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[string]*types.Job, len(jobs))
	for status := range jm.byStatus {
		jm.byStatus[status] = make(map[string]struct{})
	}
	for _, job := range jobs {
		jm.putLocked(job)
	}
	return nil
}

// putLocked stores job and re-indexes it; the caller holds the write lock.
func (jm *JobManager) putLocked(job *types.Job) {
	if old, ok := jm.jobs[job.ID()]; ok {
		delete(jm.byStatus[old.Status()], job.ID())
	}
	jm.jobs[job.ID()] = job
	jm.byStatus[job.Status()][job.ID()] = struct{}{}
}
