// ============================================================================
// renderjob Recovery Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end crash recovery through the HTTP and gRPC front ends
//
// TestEndToEndRecovery:
//   - submit 20 jobs over HTTP, add tasks over gRPC
//   - flush half way, then keep changing jobs
//   - copy the data directory as it is on disk (the crash image)
//   - start a second controller on the copy
//   - every recovered data.json must equal the live one byte for byte
//
// The journal is synced on every append, so the crash image holds every
// acknowledged change even though the second half never reached data.json.
//
// ============================================================================

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/renderjob/internal/controller"
	"github.com/ChuLiYu/renderjob/internal/httpapi"
	"github.com/ChuLiYu/renderjob/internal/server"
	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// generateTestJobs builds count idle jobs with distinct upload directories.
func generateTestJobs(count int) []*types.Job {
	jobs := make([]*types.Job, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("job-%03d", i)
		created := epoch.Add(time.Duration(i) * time.Second)
		job := types.NewJob(id, types.PathsFromUploadDir("/srv/render/uploads/"+id, "scene.blend"),
			types.WithClock(func() time.Time { return created }))
		job.SetData("priority", fmt.Sprint(i%3))
		jobs[i] = job
	}
	return jobs
}

func newController(t testing.TB, dir string) *controller.Controller {
	t.Helper()
	ctrl, err := controller.NewController(controller.Config{
		DataDir:          dir,
		SnapshotInterval: time.Hour, // flush only when asked
		SyncOnAppend:     true,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	return ctrl
}

// newGRPCClient serves ctrl over an in-memory listener.
func newGRPCClient(t *testing.T, ctrl *controller.Controller) *server.Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	server.NewServer(ctrl).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return server.NewClient(conn)
}

// crashImage copies dir as it is on disk right now.
func crashImage(t testing.TB, dir string) string {
	t.Helper()
	image := filepath.Join(t.TempDir(), "crash")
	require.NoError(t, os.CopyFS(image, os.DirFS(dir)))
	return image
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ============================================================================
// Tests
// ============================================================================

func TestEndToEndRecovery(t *testing.T) {
	dir := t.TempDir()
	ctrl := newController(t, dir)
	defer ctrl.Stop()

	api := httptest.NewServer(httpapi.NewRouter(ctrl))
	defer api.Close()
	client := newGRPCClient(t, ctrl)
	ctx := context.Background()

	jobs := generateTestJobs(20)

	// Phase 1: submit over HTTP, add two tasks each over gRPC
	for _, job := range jobs {
		doc, err := job.ToDocument()
		require.NoError(t, err)
		resp := postJSON(t, api.URL+"/jobs", doc)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		for n := 1; n <= 2; n++ {
			_, err := client.AddTask(ctx, job.ID(), fmt.Sprintf("t%d", n), fmt.Sprintf("frames %d-%d", n*10-9, n*10))
			require.NoError(t, err)
		}
	}
	written, err := ctrl.Flush()
	require.NoError(t, err)
	assert.Equal(t, len(jobs), written)

	// Phase 2: changes that only reach the journal
	for i, job := range jobs {
		_, err := client.SetStatus(ctx, job.ID(), "", types.StatusQueued)
		require.NoError(t, err)

		body, _ := json.Marshal(map[string]string{"status": "queued", "task_id": "t1"})
		resp := postJSON(t, api.URL+"/jobs/"+job.ID()+"/status", body)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		if i%2 == 0 {
			_, err := client.SetStatus(ctx, job.ID(), "", types.StatusRunning)
			require.NoError(t, err)
		}
	}
	late := generateTestJobs(25)[20:]
	for _, job := range late {
		doc, err := job.ToDocument()
		require.NoError(t, err)
		_, err = client.SubmitDocument(ctx, doc)
		require.NoError(t, err)
	}

	// Rejected changes must not survive either
	_, err = client.SetStatus(ctx, jobs[0].ID(), "", types.StatusIdle)
	require.Error(t, err)

	live := make(map[string][]byte)
	for _, id := range ctrl.JobIDs() {
		doc, err := ctrl.Document(id)
		require.NoError(t, err)
		live[id] = doc
	}
	require.Len(t, live, 25)

	image := crashImage(t, dir)

	// Phase 3: recover from the crash image
	recovered := newController(t, image)
	defer recovered.Stop()

	assert.Equal(t, ctrl.JobIDs(), recovered.JobIDs())
	for id, want := range live {
		got, err := recovered.Document(id)
		require.NoError(t, err, id)
		assert.Equal(t, string(want), string(got), "job %s", id)
	}

	status := recovered.GetStatus()
	assert.Equal(t, 25, status["jobs"])
	replayed, ok := status["replayed_events"].(int)
	require.True(t, ok)
	assert.Greater(t, replayed, 0)
	t.Logf("Recovered %d jobs, replayed %d events", status["jobs"], replayed)
}

func TestRecoveryAfterCleanStop(t *testing.T) {
	dir := t.TempDir()
	ctrl := newController(t, dir)

	for _, job := range generateTestJobs(5) {
		require.NoError(t, ctrl.CreateJob(job))
		require.NoError(t, ctrl.SetStatus(job.ID(), types.StatusQueued))
	}
	before := make(map[string][]byte)
	for _, id := range ctrl.JobIDs() {
		before[id], _ = ctrl.Document(id)
	}
	ctrl.Stop()

	// Every document is on disk and the journal is empty
	for id, want := range before {
		onDisk, err := os.ReadFile(filepath.Join(dir, id, "data.json"))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(onDisk))
	}

	again := newController(t, dir)
	defer again.Stop()
	assert.Equal(t, 0, again.GetStatus()["replayed_events"])
	assert.Len(t, again.JobIDs(), 5)
}
