package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ErrNotIdempotent means a document parsed but did not survive a second
// serialize/parse cycle unchanged.
var ErrNotIdempotent = errors.New("document does not round-trip")

// Worker verifies documents taken from the pool's task channel.
type Worker struct {
	id       int           // Worker identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run processes tasks until the pool stops.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.process(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

func (w *Worker) process(task Task) Result {
	start := time.Now()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := w.execute(ctx, task.Path)
	result.Path = task.Path
	result.Duration = time.Since(start)
	return result
}

// execute runs the verification and gives up when ctx expires.
func (w *Worker) execute(ctx context.Context, path string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Error: fmt.Errorf("verify %s: %w", path, err)}
	}

	done := make(chan Result, 1)
	go func() {
		done <- Verify(path)
	}()

	select {
	case <-ctx.Done():
		return Result{Error: fmt.Errorf("verify %s: %w", path, ctx.Err())}
	case r := <-done:
		return r
	}
}

// Verify reads the document at path, parses it, and checks that
// serializing and parsing again yields the same bytes and the same job.
func Verify(path string) Result {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{Error: err}
	}
	return VerifyBytes(raw)
}

// VerifyBytes is Verify for a document already in memory.
func VerifyBytes(raw []byte) Result {
	job, err := types.FromDocument(raw)
	if err != nil {
		return Result{Error: err}
	}
	result := Result{JobID: job.ID()}

	first, err := job.ToDocument()
	if err != nil {
		result.Error = err
		return result
	}
	again, err := types.FromDocument(first)
	if err != nil {
		result.Error = fmt.Errorf("%w: reparse: %w", ErrNotIdempotent, err)
		return result
	}
	second, err := again.ToDocument()
	if err != nil {
		result.Error = err
		return result
	}
	if !bytes.Equal(first, second) || !job.Equal(again) {
		result.Error = ErrNotIdempotent
		return result
	}

	result.Success = true
	result.Canonical = bytes.Equal(raw, first)
	result.Job = job
	return result
}
