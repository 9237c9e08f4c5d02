package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

func TestStatusSubject(t *testing.T) {
	tests := []struct {
		ev   StatusChanged
		want string
	}{
		{StatusChanged{JobID: "job1"}, "renderjob.status.job1"},
		{StatusChanged{JobID: "job1", TaskID: "t1"}, "renderjob.status.job1.t1"},
		{StatusChanged{JobID: "a.b*c>d e"}, "renderjob.status.a_b_c_d_e"},
		{StatusChanged{}, "renderjob.status._"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.Subject())
	}
}

func TestDecodeStatusChanged(t *testing.T) {
	ts := time.Date(2024, 6, 1, 8, 0, 0, 5, time.UTC)
	data := []byte(`{"kind":"task_status","job_id":"job1","task_id":"t1","from":"queued","to":"running","timestamp":"2024-06-01T08:00:00.000000005Z"}`)

	ev, err := DecodeStatusChanged(data)
	require.NoError(t, err)
	assert.Equal(t, KindTaskStatus, ev.Kind)
	assert.Equal(t, "job1", ev.JobID)
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, types.StatusQueued, ev.From)
	assert.Equal(t, types.StatusRunning, ev.To)
	assert.True(t, ts.Equal(ev.Timestamp))
	assert.Equal(t, "task_status job1/t1 queued -> running", ev.String())

	_, err = DecodeStatusChanged([]byte(`{"kind":"job_status"}`))
	assert.Error(t, err)
	_, err = DecodeStatusChanged([]byte(`not json`))
	assert.Error(t, err)
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1")
	assert.Error(t, err)
}
