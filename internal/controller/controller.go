// ============================================================================
// renderjob controller - durable job store
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: own the in-memory jobs, journal every change before applying it,
// and keep each job's data.json on disk up to date.
//
// Components:
//   - JobManager: the registry of jobs
//   - WAL: transition journal, written before the registry changes
//   - snapshot.Manager: atomic data.json writes, one per job
//   - worker.Pool: verifies every data.json concurrently at startup
//
// Storage layout:
//
//   <DataDir>/<job id>/data.json   canonical document of each job
//   <JournalPath>                  events since the last flush
//
// Crash recovery (Start):
//   1. loadDocuments() - parse every <DataDir>/*/data.json
//   2. replayJournal() - apply journal events the documents do not reflect
//   3. flushLoop       - periodically write changed documents, rotate journal
//
// Idempotence:
//   A crash between writing the documents and rotating the journal leaves
//   events that are already part of the documents. Replay recognizes them
//   (job exists, task exists, history already holds the transition) and
//   skips them.
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/renderjob/internal/bus"
	"github.com/ChuLiYu/renderjob/internal/jobmanager"
	"github.com/ChuLiYu/renderjob/internal/metrics"
	"github.com/ChuLiYu/renderjob/internal/snapshot"
	"github.com/ChuLiYu/renderjob/internal/storage/wal"
	"github.com/ChuLiYu/renderjob/internal/worker"
	"github.com/ChuLiYu/renderjob/pkg/types"
)

var log = slog.Default()

var (
	// ErrInvalidJobID is returned for ids that cannot name a directory.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrReplayMismatch means a journal event conflicts with the documents.
	ErrReplayMismatch = errors.New("journal does not match data.json")
	// ErrStopped is returned by mutations after Stop.
	ErrStopped = errors.New("controller stopped")
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultWorkers       = 4
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls where and how often jobs are persisted.
type Config struct {
	DataDir          string        // one sub-directory per job
	JournalPath      string        // defaults to <DataDir>/journal.wal
	SnapshotInterval time.Duration // flush period, defaults to 5s
	SyncOnAppend     bool          // fsync the journal on every event
	Workers          int           // startup verification workers
}

func (c Config) withDefaults() Config {
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(c.DataDir, "journal.wal")
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaultFlushInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

// Publisher receives an event for every applied change.
type Publisher interface {
	PublishStatus(ev bus.StatusChanged) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithClock sets the time source for transitions.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// ============================================================================
// Controller
// ============================================================================

// Controller serializes every change to the job store.
type Controller struct {
	mu         sync.Mutex // orders journal appends with registry updates
	jobManager *jobmanager.JobManager
	wal        *wal.WAL
	config     Config
	metrics    *metrics.Collector
	publisher  Publisher
	now        func() time.Time

	stopCh    chan struct{}
	stopped   bool
	started   bool
	startTime time.Time
	loopWg    sync.WaitGroup

	lastFlush time.Time
	replayed  int
}

// NewController opens the journal. Nothing is loaded until Start.
func NewController(config Config, opts ...Option) (*Controller, error) {
	if config.DataDir == "" {
		return nil, errors.New("controller: data dir is required")
	}
	config = config.withDefaults()

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	journal, err := wal.NewWAL(config.JournalPath, config.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	c := &Controller{
		jobManager: jobmanager.NewJobManager(),
		wal:        journal,
		config:     config,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start recovers the jobs from disk and starts the flush loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	c.startTime = time.Now()
	log.Info("Starting recovery...", "data_dir", c.config.DataDir)

	if err := c.loadDocuments(); err != nil {
		return fmt.Errorf("loadDocuments failed: %w", err)
	}
	if err := c.replayJournal(); err != nil {
		return fmt.Errorf("replayJournal failed: %w", err)
	}

	recovery := time.Since(c.startTime)
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(recovery.Seconds())
		c.metrics.UpdateJobStats(c.jobManager.Stats())
	}
	log.Info("Recovery completed",
		"duration", recovery,
		"jobs", c.jobManager.Len(),
		"replayed_events", c.replayed)

	c.loopWg.Add(1)
	go c.flushLoop()
	return nil
}

// DocumentPath returns where the job's data.json is stored.
func (c *Controller) DocumentPath(id string) string {
	return filepath.Join(c.config.DataDir, id, types.DataFileName)
}

// ============================================================================
// Recovery
// ============================================================================

// loadDocuments verifies every stored data.json on the worker pool and
// registers the jobs. Any unreadable document aborts the load.
func (c *Controller) loadDocuments() error {
	paths, err := filepath.Glob(filepath.Join(c.config.DataDir, "*", types.DataFileName))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	pool := worker.NewPool(len(paths))
	if err := pool.Start(min(c.config.Workers, len(paths))); err != nil {
		return err
	}
	defer pool.Stop()

	tasks := make([]worker.Task, len(paths))
	for i, p := range paths {
		tasks[i] = worker.Task{Path: p}
	}
	results, err := pool.VerifyAll(tasks)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range results {
		if !r.Success {
			c.recordDocumentError(r.Error)
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.Error))
			continue
		}
		c.recordDecoded()

		// the directory name is the storage key
		dirID := filepath.Base(filepath.Dir(r.Path))
		if dirID != r.JobID {
			errs = append(errs, fmt.Errorf("%s: %w: id %q stored under %q",
				r.Path, types.ErrMalformedDocument, r.JobID, dirID))
			continue
		}
		if !r.Canonical {
			log.Warn("data.json is not canonical, it will be rewritten on flush", "path", r.Path)
		}
		if err := c.jobManager.Add(r.Job); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	log.Info("Documents loaded", "jobs", len(results))
	return nil
}

// replayJournal applies journal events on top of the loaded documents.
func (c *Controller) replayJournal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	handler := func(event wal.Event) error {
		applied, err := c.replayEvent(event)
		if err != nil {
			return fmt.Errorf("event %d: %w", event.Seq, err)
		}
		if applied {
			c.replayed++
		}
		return nil
	}
	return c.wal.Replay(handler)
}

// replayEvent applies one event, or reports false if the documents already
// contain it.
func (c *Controller) replayEvent(event wal.Event) (bool, error) {
	switch event.Type {
	case wal.EventJobCreated:
		if c.jobManager.Has(event.JobID) {
			return false, nil
		}
		job, err := types.FromDocument([]byte(event.Payload))
		if err != nil {
			return false, err
		}
		return true, c.jobManager.Add(job)

	case wal.EventTaskAdded:
		job := c.jobManager.GetJob(event.JobID)
		if job == nil {
			return false, fmt.Errorf("%w: %w: %q", ErrReplayMismatch, jobmanager.ErrJobNotFound, event.JobID)
		}
		if _, ok := job.Task(event.TaskID); ok {
			return false, nil
		}
		if err := applyAddTask(job, event); err != nil {
			return false, err
		}
		c.jobManager.Put(job)
		return true, nil

	case wal.EventJobStatus:
		job := c.jobManager.GetJob(event.JobID)
		if job == nil {
			return false, fmt.Errorf("%w: %w: %q", ErrReplayMismatch, jobmanager.ErrJobNotFound, event.JobID)
		}
		if hasEntry(job.History(), event) {
			return false, nil
		}
		if err := job.SetStatus(event.To, event.Timestamp); err != nil {
			return false, fmt.Errorf("%w: %w", ErrReplayMismatch, err)
		}
		c.jobManager.Put(job)
		return true, nil

	case wal.EventTaskStatus:
		job := c.jobManager.GetJob(event.JobID)
		if job == nil {
			return false, fmt.Errorf("%w: %w: %q", ErrReplayMismatch, jobmanager.ErrJobNotFound, event.JobID)
		}
		task, ok := job.Task(event.TaskID)
		if !ok {
			return false, fmt.Errorf("%w: %w: %q", ErrReplayMismatch, types.ErrTaskNotFound, event.TaskID)
		}
		if hasEntry(task.History(), event) {
			return false, nil
		}
		if err := job.SetTaskStatus(event.TaskID, event.To, event.Timestamp); err != nil {
			return false, fmt.Errorf("%w: %w", ErrReplayMismatch, err)
		}
		c.jobManager.Put(job)
		return true, nil

	default:
		log.Warn("Skipping unknown journal event", "type", event.Type, "seq", event.Seq)
		return false, nil
	}
}

// hasEntry reports whether h already records the event's transition.
func hasEntry(h types.History, event wal.Event) bool {
	for _, e := range h.Entries() {
		if e.From == event.From && e.To == event.To && e.Timestamp.Equal(event.Timestamp) {
			return true
		}
	}
	return false
}

// applyAddTask adds the task with the event time as updated_at, so the
// live path and replay produce the same document.
func applyAddTask(job *types.Job, event wal.Event) error {
	job.SetClock(func() time.Time { return event.Timestamp })
	defer job.SetClock(nil)
	return job.AddTask(types.NewTask(event.TaskID, event.Payload))
}

// ============================================================================
// Mutations
// ============================================================================

// CreateJob registers a job. The job is journaled with its full document.
func (c *Controller) CreateJob(job *types.Job) error {
	if job == nil {
		return errors.New("controller: nil job")
	}
	if err := validateID(job.ID()); err != nil {
		return err
	}
	doc, err := job.ToDocument()
	if err != nil {
		c.recordDocumentError(err)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.jobManager.Has(job.ID()) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", jobmanager.ErrDuplicateJob, job.ID())
	}
	event, err := c.wal.Append(wal.Event{
		Type:      wal.EventJobCreated,
		JobID:     job.ID(),
		Timestamp: job.UpdatedAt(),
		Payload:   string(doc),
	}, false)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to append JOB_CREATED event: %w", err)
	}
	if err := c.jobManager.Add(job); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.recordEncoded()
	c.publish(bus.StatusChanged{
		Kind:      bus.KindJobCreated,
		JobID:     job.ID(),
		To:        job.Status(),
		Timestamp: event.Timestamp,
	})
	return nil
}

// SubmitDocument parses doc and registers the job it describes.
func (c *Controller) SubmitDocument(doc []byte) (string, error) {
	job, err := types.FromDocument(doc)
	if err != nil {
		c.recordDocumentError(err)
		return "", err
	}
	c.recordDecoded()
	if err := c.CreateJob(job); err != nil {
		return "", err
	}
	return job.ID(), nil
}

// AddTask appends an idle task to a job. An empty taskID gets a generated
// one. The id of the new task is returned.
func (c *Controller) AddTask(jobID, taskID, descriptor string) (string, error) {
	if taskID == "" {
		taskID = types.NewTaskID()
	}

	ts := c.timestamp()
	event := wal.Event{
		Type:      wal.EventTaskAdded,
		JobID:     jobID,
		TaskID:    taskID,
		Timestamp: ts,
		Payload:   descriptor,
	}
	applied, err := c.mutate(jobID, event, func(job *types.Job) error {
		return applyAddTask(job, event)
	})
	if err != nil {
		return "", err
	}

	c.publish(bus.StatusChanged{
		Kind:      bus.KindTaskAdded,
		JobID:     jobID,
		TaskID:    taskID,
		To:        types.InitialStatus,
		Timestamp: applied.Timestamp,
	})
	return taskID, nil
}

// Atomize splits frames into chunks of at most chunkSize frames and adds one
// idle task per chunk, journaled as one TASK_ADDED event each. Either every
// task is added or none is. The new task ids are returned in frame order.
func (c *Controller) Atomize(jobID string, frames types.FrameRange, chunkSize int) ([]string, error) {
	chunks, err := frames.Chunks(chunkSize)
	if err != nil {
		return nil, err
	}

	ts := c.timestamp()
	events := make([]wal.Event, len(chunks))
	for i, chunk := range chunks {
		events[i] = wal.Event{
			Type:      wal.EventTaskAdded,
			JobID:     jobID,
			TaskID:    types.NewTaskID(),
			Timestamp: ts,
			Payload:   chunk.String(),
		}
	}
	applied, err := c.mutateAll(jobID, events, func(job *types.Job) error {
		for _, event := range events {
			if err := applyAddTask(job, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(applied))
	for i, event := range applied {
		ids[i] = event.TaskID
		c.publish(bus.StatusChanged{
			Kind:      bus.KindTaskAdded,
			JobID:     jobID,
			TaskID:    event.TaskID,
			To:        types.InitialStatus,
			Timestamp: event.Timestamp,
		})
	}
	log.Info("Job atomized", "job_id", jobID, "frames", frames.String(), "tasks", len(ids))
	return ids, nil
}

// SetStatus moves a job to status.
func (c *Controller) SetStatus(jobID string, status types.Status) error {
	event := wal.Event{
		Type:      wal.EventJobStatus,
		JobID:     jobID,
		To:        status,
		Timestamp: c.timestamp(),
	}
	applied, err := c.mutate(jobID, event, func(job *types.Job) error {
		return job.SetStatus(status, event.Timestamp)
	})
	if err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			c.recordRejected(metrics.ScopeJob)
		}
		return err
	}

	c.recordTransition(metrics.ScopeJob, status)
	c.publish(bus.StatusChanged{
		Kind:      bus.KindJobStatus,
		JobID:     jobID,
		From:      applied.From,
		To:        status,
		Timestamp: applied.Timestamp,
	})
	return nil
}

// SetTaskStatus moves one task of a job to status.
func (c *Controller) SetTaskStatus(jobID, taskID string, status types.Status) error {
	event := wal.Event{
		Type:      wal.EventTaskStatus,
		JobID:     jobID,
		TaskID:    taskID,
		To:        status,
		Timestamp: c.timestamp(),
	}
	applied, err := c.mutate(jobID, event, func(job *types.Job) error {
		return job.SetTaskStatus(taskID, status, event.Timestamp)
	})
	if err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			c.recordRejected(metrics.ScopeTask)
		}
		return err
	}

	c.recordTransition(metrics.ScopeTask, status)
	c.publish(bus.StatusChanged{
		Kind:      bus.KindTaskStatus,
		JobID:     jobID,
		TaskID:    taskID,
		From:      applied.From,
		To:        status,
		Timestamp: applied.Timestamp,
	})
	return nil
}

// mutate runs fn on a copy of the job first. Only if fn succeeds is the
// event journaled and the copy committed. From is filled in from the state
// fn started with.
func (c *Controller) mutate(jobID string, event wal.Event, fn func(*types.Job) error) (wal.Event, error) {
	stored, err := c.mutateAll(jobID, []wal.Event{event}, fn)
	if err != nil {
		return wal.Event{}, err
	}
	return stored[0], nil
}

// mutateAll is mutate for a change journaled as several events. The events
// are appended in order and the copy is committed once all of them are.
func (c *Controller) mutateAll(jobID string, events []wal.Event, fn func(*types.Job) error) ([]wal.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, ErrStopped
	}

	job := c.jobManager.GetJob(jobID)
	if job == nil {
		return nil, fmt.Errorf("%w: %q", jobmanager.ErrJobNotFound, jobID)
	}

	for i, event := range events {
		switch event.Type {
		case wal.EventJobStatus:
			events[i].From = job.Status()
		case wal.EventTaskStatus:
			if task, ok := job.Task(event.TaskID); ok {
				events[i].From = task.Status()
			}
		}
	}

	if err := fn(job); err != nil {
		return nil, err
	}
	// a change that could not be flushed must not reach the journal
	if _, err := job.ToDocument(); err != nil {
		c.recordDocumentError(err)
		return nil, err
	}

	stored := make([]wal.Event, len(events))
	for i, event := range events {
		var err error
		if stored[i], err = c.wal.Append(event, false); err != nil {
			return nil, fmt.Errorf("failed to append %s event: %w", event.Type, err)
		}
	}
	c.jobManager.Put(job)
	return stored, nil
}

// ============================================================================
// Persistence
// ============================================================================

func (c *Controller) flushLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Flush loop stopped")
			return

		case <-ticker.C:
			if _, err := c.Flush(); err != nil {
				log.Error("Failed to flush jobs", "error", err)
			}
		}
	}
}

// Flush writes every job whose document changed and then rotates the
// journal. It returns the number of documents written.
func (c *Controller) Flush() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Controller) flushLocked() (int, error) {
	start := time.Now()

	written := 0
	for _, id := range c.jobManager.IDs() {
		job := c.jobManager.GetJob(id)
		if job == nil {
			continue
		}
		wrote, err := snapshot.NewManager(c.DocumentPath(id)).WriteIfChanged(job)
		if err != nil {
			// keep the journal; it still holds what failed to reach disk
			return written, fmt.Errorf("failed to write %s: %w", id, err)
		}
		if wrote {
			written++
			c.recordEncoded()
		}
	}

	if c.wal.GetLastSeq() > 0 {
		if err := c.wal.Rotate(); err != nil {
			return written, fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	c.lastFlush = time.Now()
	if c.metrics != nil {
		c.metrics.ObserveFlush(time.Since(start).Seconds())
		c.metrics.UpdateJobStats(c.jobManager.Stats())
	}
	if written > 0 {
		log.Info("Jobs flushed",
			"duration", time.Since(start),
			"written", written)
	}
	return written, nil
}

// ============================================================================
// Queries
// ============================================================================

// Job returns a copy of the job, or nil.
func (c *Controller) Job(id string) *types.Job {
	return c.jobManager.GetJob(id)
}

// Document returns the job's current data.json bytes.
func (c *Controller) Document(id string) ([]byte, error) {
	doc, err := c.jobManager.Document(id)
	if err == nil {
		c.recordEncoded()
	}
	return doc, err
}

// JobIDs returns the sorted ids of all jobs.
func (c *Controller) JobIDs() []string {
	return c.jobManager.IDs()
}

// Stats counts jobs per status.
func (c *Controller) Stats() map[string]int {
	return c.jobManager.Stats()
}

// GetStatus summarizes the controller for status endpoints.
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := map[string]interface{}{
		"uptime":          time.Since(c.startTime).String(),
		"jobs":            c.jobManager.Len(),
		"by_status":       c.jobManager.Stats(),
		"journal_seq":     c.wal.GetLastSeq(),
		"replayed_events": c.replayed,
		"data_dir":        c.config.DataDir,
	}
	if !c.lastFlush.IsZero() {
		status["last_flush"] = c.lastFlush.UTC().Format(time.RFC3339)
	}
	return status
}

// Stop ends the flush loop, writes every changed document and closes the
// journal.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()

	if _, err := c.Flush(); err != nil {
		log.Error("Failed to flush on stop", "error", err)
	}
	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}
	log.Info("Controller stopped")
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Controller) timestamp() time.Time {
	return c.now().UTC().Round(0)
}

// validateID rejects ids that are not a single path element.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return nil
}

func (c *Controller) publish(ev bus.StatusChanged) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishStatus(ev); err != nil {
		log.Warn("Failed to publish event", "event", ev.String(), "error", err)
	}
}

func (c *Controller) recordTransition(scope string, to types.Status) {
	if c.metrics != nil {
		c.metrics.RecordTransition(scope, to)
	}
}

func (c *Controller) recordRejected(scope string) {
	if c.metrics != nil {
		c.metrics.RecordRejected(scope)
	}
}

func (c *Controller) recordEncoded() {
	if c.metrics != nil {
		c.metrics.RecordEncoded()
	}
}

func (c *Controller) recordDecoded() {
	if c.metrics != nil {
		c.metrics.RecordDecoded()
	}
}

func (c *Controller) recordDocumentError(err error) {
	if c.metrics != nil && err != nil {
		c.metrics.RecordDocumentError(err)
	}
}
