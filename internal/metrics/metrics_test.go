package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg), reg
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.transitions)
	assert.NotNil(t, collector.transitionsRejected)
	assert.NotNil(t, collector.documentsEncoded)
	assert.NotNil(t, collector.documentsDecoded)
	assert.NotNil(t, collector.documentErrors)
	assert.NotNil(t, collector.flushDuration)
	assert.NotNil(t, collector.jobs)
	assert.NotNil(t, collector.recoveryTime)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg)
	assert.Panics(t, func() { NewCollectorWith(reg) })
}

func TestRecordTransition(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTransition(ScopeJob, types.StatusQueued)
	c.RecordTransition(ScopeJob, types.StatusQueued)
	c.RecordTransition(ScopeTask, types.StatusFinished)
	c.RecordRejected(ScopeTask)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues(ScopeJob, "queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues(ScopeTask, "finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsRejected.WithLabelValues(ScopeTask)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.transitionsRejected.WithLabelValues(ScopeJob)))
}

func TestRecordDocuments(t *testing.T) {
	c, _ := newTestCollector(t)

	for i := 0; i < 3; i++ {
		c.RecordEncoded()
	}
	c.RecordDecoded()
	c.RecordDocumentError(fmt.Errorf("load: %w", types.ErrMalformedDocument))
	c.RecordDocumentError(&types.TransitionError{From: types.StatusIdle, To: types.StatusRunning})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.documentsEncoded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.documentsDecoded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.documentErrors.WithLabelValues(KindMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.documentErrors.WithLabelValues(KindInvalidTransition)))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{types.ErrMalformedDocument, KindMalformed},
		{&types.TransitionError{}, KindInvalidTransition},
		{&types.DuplicateTaskIDError{ID: "t1"}, KindDuplicateTaskID},
		{errors.New("disk full"), KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), tt.err.Error())
	}
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateJobStats(map[string]int{"idle": 2, "running": 1})
	c.SetRecoveryTime(0.25)
	c.ObserveFlush(0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("running")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.recoveryTime))

	c.UpdateJobStats(map[string]int{"idle": 0})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobs.WithLabelValues("idle")))
}

func TestMetricsExposed(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordTransition(ScopeJob, types.StatusRunning)
	c.UpdateJobStats(map[string]int{"running": 1})

	count, err := testutil.GatherAndCount(reg, "renderjob_transitions_total", "renderjob_jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
