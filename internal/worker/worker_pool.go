// ============================================================================
// renderjob verification pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: check many data.json documents concurrently
//
// Layout:
//
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()          - allocate channels
//   2. Start(n)           - launch n worker goroutines
//   3. Submit(task)       - queue a document for verification
//   4. ReceiveResult()    - collect one result
//   5. Stop()             - signal workers and wait for them to exit
//
// Stop closes stopCh only. taskCh is never closed, so a Submit racing
// with Stop returns ErrPoolClosed instead of panicking.
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	// ErrPoolClosed is returned once the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs a fixed number of verification workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex // guards workers, started, stopped
}

// NewPool creates a pool whose task and result channels hold bufferSize items.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers. A pool starts once.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit queues a task. It blocks while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a result is available or the pool stops.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop signals every worker and waits for them to return. Tasks still
// buffered are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	log.Debug("Worker pool stopped")
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// VerifyAll checks every document in tasks on a started pool and returns
// one result per task, in completion order. Submission runs alongside
// collection so more tasks than the buffer holds cannot deadlock.
func (p *Pool) VerifyAll(tasks []Task) ([]Result, error) {
	if !p.IsStarted() {
		return nil, ErrPoolNotStarted
	}

	submitErr := make(chan error, 1)
	go func() {
		for _, task := range tasks {
			if err := p.Submit(task); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	results := make([]Result, 0, len(tasks))
	for len(results) < len(tasks) {
		r, err := p.ReceiveResult()
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, <-submitErr
}
