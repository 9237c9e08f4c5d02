package jobmanager

import (
	"fmt"
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

// newTestJob creates a job with two idle tasks
func newTestJob(t testing.TB, id string) *types.Job {
	t.Helper()
	job := types.NewJob(id, types.PathsFromUploadDir("/srv/uploads/"+id, "scene.blend"))
	require.NoError(t, job.AddTask(types.NewTask("t1", "frames 1-10")))
	require.NoError(t, job.AddTask(types.NewTask("t2", "frames 11-20")))
	return job
}

// newPopulatedManager registers jobs job-0 .. job-(n-1)
func newPopulatedManager(t testing.TB, n int) *JobManager {
	t.Helper()
	jm := NewJobManager()
	for i := 0; i < n; i++ {
		require.NoError(t, jm.Add(newTestJob(t, fmt.Sprintf("job-%d", i))))
	}
	return jm
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	assert.Equal(t, 0, jm.Len())
	assert.Empty(t, jm.IDs())
	stats := jm.Stats()
	assert.Len(t, stats, len(types.Statuses()))
	for _, n := range stats {
		assert.Equal(t, 0, n)
	}
}

func TestAdd(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob(t, "job1")

	require.NoError(t, jm.Add(job))
	assert.True(t, jm.Has("job1"))
	assert.ErrorIs(t, jm.Add(job), ErrDuplicateJob)
	assert.Error(t, jm.Add(nil))

	// the registry keeps its own copy
	require.NoError(t, job.SetStatus(types.StatusQueued, t0))
	assert.Equal(t, types.StatusIdle, jm.GetJob("job1").Status())
}

func TestGetJobReturnsCopy(t *testing.T) {
	jm := newPopulatedManager(t, 1)

	job := jm.GetJob("job-0")
	require.NotNil(t, job)
	require.NoError(t, job.SetStatus(types.StatusQueued, t0))

	assert.Equal(t, types.StatusIdle, jm.GetJob("job-0").Status())
	assert.Nil(t, jm.GetJob("missing"))
}

func TestSetStatus(t *testing.T) {
	jm := newPopulatedManager(t, 1)

	require.NoError(t, jm.SetStatus("job-0", types.StatusQueued, t0))
	assert.Equal(t, types.StatusQueued, jm.GetJob("job-0").Status())
	assert.Equal(t, []string{"job-0"}, jm.IDsByStatus(types.StatusQueued))
	assert.Empty(t, jm.IDsByStatus(types.StatusIdle))

	err := jm.SetStatus("job-0", types.StatusFinished, t0)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StatusQueued, jm.GetJob("job-0").Status())

	assert.ErrorIs(t, jm.SetStatus("missing", types.StatusQueued, t0), ErrJobNotFound)
}

func TestSetTaskStatus(t *testing.T) {
	jm := newPopulatedManager(t, 1)

	require.NoError(t, jm.SetTaskStatus("job-0", "t2", types.StatusQueued, t0))
	task, ok := jm.GetJob("job-0").Task("t2")
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, task.Status())

	assert.ErrorIs(t, jm.SetTaskStatus("job-0", "t9", types.StatusQueued, t0), types.ErrTaskNotFound)
	assert.ErrorIs(t, jm.SetTaskStatus("job-0", "t1", types.StatusRunning, t0), types.ErrInvalidTransition)
}

func TestAddTask(t *testing.T) {
	jm := newPopulatedManager(t, 1)

	require.NoError(t, jm.AddTask("job-0", types.NewTask("t3", "frames 21-30")))
	assert.Equal(t, 3, jm.GetJob("job-0").TaskCount())
	assert.ErrorIs(t, jm.AddTask("job-0", types.NewTask("t1", "dup")), types.ErrDuplicateTaskID)
	assert.Equal(t, 3, jm.GetJob("job-0").TaskCount())
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	jm := newPopulatedManager(t, 1)
	before, err := jm.Document("job-0")
	require.NoError(t, err)

	err = jm.Update("job-0", func(job *types.Job) error {
		if err := job.SetStatus(types.StatusQueued, t0); err != nil {
			return err
		}
		// second step fails, first must not stick
		return job.SetStatus(types.StatusFinished, t0)
	})
	require.ErrorIs(t, err, types.ErrInvalidTransition)

	after, err := jm.Document("job-0")
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, 1, jm.Stats()["idle"])
}

func TestRemove(t *testing.T) {
	jm := newPopulatedManager(t, 2)

	require.NoError(t, jm.Remove("job-0"))
	assert.Equal(t, []string{"job-1"}, jm.IDs())
	assert.Equal(t, 1, jm.Stats()["idle"])
	assert.ErrorIs(t, jm.Remove("job-0"), ErrJobNotFound)
}

func TestStats(t *testing.T) {
	jm := newPopulatedManager(t, 4)
	require.NoError(t, jm.SetStatus("job-0", types.StatusQueued, t0))
	require.NoError(t, jm.SetStatus("job-1", types.StatusQueued, t0))
	require.NoError(t, jm.SetStatus("job-1", types.StatusRunning, t0))

	stats := jm.Stats()
	assert.Equal(t, 2, stats["idle"])
	assert.Equal(t, 1, stats["queued"])
	assert.Equal(t, 1, stats["running"])
	assert.Equal(t, 0, stats["finished"])
}

func TestIDsSorted(t *testing.T) {
	jm := NewJobManager()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, jm.Add(newTestJob(t, id)))
	}
	assert.Equal(t, []string{"a", "b", "c"}, jm.IDs())
}

func TestView(t *testing.T) {
	jm := newPopulatedManager(t, 1)

	var status types.Status
	require.NoError(t, jm.View("job-0", func(job *types.Job) error {
		status = job.Status()
		return nil
	}))
	assert.Equal(t, types.StatusIdle, status)
	assert.ErrorIs(t, jm.View("missing", func(*types.Job) error { return nil }), ErrJobNotFound)
}

// ============================================================================
// Snapshot / Restore
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	jm := newPopulatedManager(t, 3)
	require.NoError(t, jm.SetStatus("job-1", types.StatusQueued, t0))

	docs, err := jm.Snapshot()
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	restored := NewJobManager()
	require.NoError(t, restored.Restore(docs))
	assert.Equal(t, jm.IDs(), restored.IDs())
	assert.Equal(t, jm.Stats(), restored.Stats())
	for _, id := range jm.IDs() {
		assert.True(t, jm.GetJob(id).Equal(restored.GetJob(id)), id)
	}
}

func TestRestoreIsAtomic(t *testing.T) {
	jm := newPopulatedManager(t, 2)

	good, err := newTestJob(t, "x").ToDocument()
	require.NoError(t, err)

	err = jm.Restore(map[string][]byte{"x": good, "y": []byte("{")})
	assert.ErrorIs(t, err, types.ErrMalformedDocument)
	assert.Equal(t, []string{"job-0", "job-1"}, jm.IDs())

	err = jm.Restore(map[string][]byte{"other": good})
	assert.ErrorIs(t, err, types.ErrMalformedDocument)
	assert.Equal(t, 2, jm.Len())
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentOperations(t *testing.T) {
	jm := newPopulatedManager(t, 20)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("job-%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			for _, s := range []types.Status{types.StatusQueued, types.StatusRunning, types.StatusFinished} {
				assert.NoError(t, jm.SetStatus(id, s, time.Now()))
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, jm.SetTaskStatus(id, "t1", types.StatusQueued, time.Now()))
		}()
		go func() {
			defer wg.Done()
			_, err := jm.Document(id)
			assert.NoError(t, err)
			_ = jm.Stats()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, jm.Stats()["finished"])
	for _, id := range jm.IDs() {
		task, _ := jm.GetJob(id).Task("t1")
		assert.Equal(t, types.StatusQueued, task.Status())
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkAdd(b *testing.B) {
	jm := NewJobManager()
	job := newTestJob(b, "bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := job.Clone()
		_ = jm.Add(c)
		_ = jm.Remove(c.ID())
	}
}

func BenchmarkDocument(b *testing.B) {
	jm := newPopulatedManager(b, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = jm.Document("job-0")
	}
}
