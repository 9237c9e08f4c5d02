package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify document checks, timeouts, concurrency, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// writeJob writes the canonical document of a small job under dir/id
func writeJob(t testing.TB, dir, id string) string {
	t.Helper()
	job := types.NewJob(id, types.PathsFromUploadDir(filepath.Join(dir, "uploads", id), "scene.blend"),
		types.WithClock(func() time.Time { return t0 }))
	require.NoError(t, job.AddTask(types.NewTask("t1", "frames 1-10")))
	require.NoError(t, job.SetStatus(types.StatusQueued, t0.Add(time.Second)))
	job.SetData("priority", "3")

	doc, err := job.ToDocument()
	require.NoError(t, err)

	path := filepath.Join(dir, id, types.DataFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, doc, 0o644))
	return path
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

// TestWorkerExecution tests verifying documents on a single worker
func TestWorkerExecution(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		path := writeJob(t, dir, fmt.Sprintf("job-%d", i))
		require.NoError(t, pool.Submit(Task{Path: path, Timeout: time.Second}))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Len(t, results, taskCount)
	for id, r := range results {
		assert.True(t, r.Success, id)
		assert.True(t, r.Canonical, id)
		assert.NoError(t, r.Error, id)
		require.NotNil(t, r.Job, id)
		assert.Equal(t, id, r.Job.ID())
		assert.Equal(t, types.StatusQueued, r.Job.Status())
	}
}

// TestTimeout tests the per-document deadline
func TestTimeout(t *testing.T) {
	path := writeJob(t, t.TempDir(), "job1")
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Path: path, Timeout: time.Nanosecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
	assert.Equal(t, path, result.Path)
}

// ============================================================================
// Verification
// ============================================================================

// TestVerifyNonCanonical tests a valid document that is not byte-canonical
func TestVerifyNonCanonical(t *testing.T) {
	path := writeJob(t, t.TempDir(), "job1")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// same content, different whitespace
	compact := strings.ReplaceAll(string(raw), "\n", "")
	compact = strings.ReplaceAll(compact, "  ", "")

	r := VerifyBytes([]byte(compact))
	require.NoError(t, r.Error)
	assert.True(t, r.Success)
	assert.False(t, r.Canonical)
	assert.Equal(t, "job1", r.JobID)
}

// TestVerifyFailures tests missing and malformed documents
func TestVerifyFailures(t *testing.T) {
	dir := t.TempDir()

	r := Verify(filepath.Join(dir, "missing", types.DataFileName))
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"id": "x"`), 0o644))
	r = Verify(bad)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, types.ErrMalformedDocument)
	assert.Empty(t, r.JobID)
	assert.Nil(t, r.Job)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests many workers sharing the task channel
func TestConcurrency(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(100)
	workerCount := 8
	taskCount := 100

	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	paths := make([]string, taskCount)
	for i := range paths {
		paths[i] = writeJob(t, dir, fmt.Sprintf("job-%03d", i))
	}

	for _, p := range paths {
		require.NoError(t, pool.Submit(Task{Path: p, Timeout: 2 * time.Second}))
	}

	successCount := 0
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		if result.Success {
			successCount++
		}
	}
	assert.Equal(t, taskCount, successCount)
}

// TestConcurrentSubmit tests submitting from several goroutines
func TestConcurrentSubmit(t *testing.T) {
	path := writeJob(t, t.TempDir(), "shared")
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	submitters := 5
	perSubmitter := 10

	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				assert.NoError(t, pool.Submit(Task{Path: path}))
			}
		}()
	}

	for i := 0; i < submitters*perSubmitter; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success)
	}
	wg.Wait()
}

// TestVerifyAll tests more tasks than the buffer holds
func TestVerifyAll(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(2)
	require.NoError(t, pool.Start(3))
	defer pool.Stop()

	var tasks []Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, Task{Path: writeJob(t, dir, fmt.Sprintf("job-%d", i))})
	}
	tasks = append(tasks, Task{Path: filepath.Join(dir, "nope", types.DataFileName)})

	results, err := pool.VerifyAll(tasks)
	require.NoError(t, err)
	require.Len(t, results, len(tasks))

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			assert.ErrorIs(t, r.Error, os.ErrNotExist)
		}
	}
	assert.Equal(t, 1, failed)
}

// TestVerifyAllBeforeStart tests VerifyAll on an idle pool
func TestVerifyAllBeforeStart(t *testing.T) {
	pool := NewPool(1)
	_, err := pool.VerifyAll([]Task{{Path: "x"}})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests that Stop returns and releases every worker
func TestGracefulShutdown(t *testing.T) {
	path := writeJob(t, t.TempDir(), "job1")
	before := runtime.NumGoroutine()

	pool := NewPool(10)
	require.NoError(t, pool.Start(4))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(Task{Path: path}))
	}

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestStopBeforeStart tests stopping an idle pool
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, pool.Stop)
	assert.False(t, pool.IsStarted())
}

// TestSubmitAfterStop tests submitting to a stopped pool
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(Task{Path: "x"}), ErrPoolClosed)
}

// TestSubmitBeforeStart tests submitting to an idle pool
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.ErrorIs(t, pool.Submit(Task{Path: "x"}), ErrPoolNotStarted)
}

// TestReceiveResultAfterStop tests receiving from a stopped pool
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestSubmitRacesStop tests that Submit never panics while Stop runs
func TestSubmitRacesStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := pool.Submit(Task{Path: "missing"}); err != nil {
					assert.ErrorIs(t, err, ErrPoolClosed)
					return
				}
			}
		}()
	}
	pool.Stop()
	wg.Wait()
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkVerifyBytes(b *testing.B) {
	path := writeJob(b, b.TempDir(), "bench")
	raw, err := os.ReadFile(path)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = VerifyBytes(raw)
	}
}

func BenchmarkPoolThroughput(b *testing.B) {
	path := writeJob(b, b.TempDir(), "bench")
	pool := NewPool(100)
	require.NoError(b, pool.Start(runtime.NumCPU()))
	defer pool.Stop()

	tasks := make([]Task, b.N)
	for i := range tasks {
		tasks[i] = Task{Path: path}
	}
	b.ResetTimer()
	_, _ = pool.VerifyAll(tasks)
}
