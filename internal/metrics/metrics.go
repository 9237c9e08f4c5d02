// ============================================================================
// renderjob metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: count status transitions and data.json traffic, expose them on
// /metrics for Prometheus.
//
// Metrics:
//
//   1. Counters:
//      - renderjob_transitions_total{scope,to}: accepted transitions
//        (scope is "job" or "task")
//      - renderjob_transitions_rejected_total{scope}: refused transitions
//      - renderjob_documents_encoded_total: data.json documents written
//      - renderjob_documents_decoded_total: data.json documents parsed
//      - renderjob_document_errors_total{kind}: parse failures by error kind
//
//   2. Histogram:
//      - renderjob_flush_duration_seconds: time to write changed jobs to disk
//
//   3. Gauges:
//      - renderjob_jobs{status}: jobs currently in each status
//      - renderjob_recovery_time_seconds: duration of the last startup recovery
//
// Example queries:
//
//   # rejected transitions per minute
//   rate(renderjob_transitions_rejected_total[1m])
//
//   # jobs still in the pipeline
//   sum(renderjob_jobs{status=~"queued|running"})
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// Scopes of a status transition.
const (
	ScopeJob  = "job"
	ScopeTask = "task"
)

// Error kinds reported by RecordDocumentError.
const (
	KindMalformed         = "malformed"
	KindInvalidTransition = "invalid_transition"
	KindDuplicateTaskID   = "duplicate_task_id"
	KindOther             = "other"
)

// Collector holds the Prometheus metrics of one process.
type Collector struct {
	transitions         *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	documentsEncoded    prometheus.Counter
	documentsDecoded    prometheus.Counter
	documentErrors      *prometheus.CounterVec

	flushDuration prometheus.Histogram

	jobs         *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector creates a collector registered on the default registerer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderjob_transitions_total",
			Help: "Total number of accepted status transitions",
		}, []string{"scope", "to"}),
		transitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderjob_transitions_rejected_total",
			Help: "Total number of refused status transitions",
		}, []string{"scope"}),
		documentsEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderjob_documents_encoded_total",
			Help: "Total number of data.json documents written",
		}),
		documentsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderjob_documents_decoded_total",
			Help: "Total number of data.json documents parsed",
		}),
		documentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderjob_document_errors_total",
			Help: "Total number of data.json documents rejected, by error kind",
		}, []string{"kind"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "renderjob_flush_duration_seconds",
			Help:    "Time taken to write changed jobs to disk",
			Buckets: prometheus.DefBuckets,
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "renderjob_jobs",
			Help: "Current number of jobs in each status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderjob_recovery_time_seconds",
			Help: "Time taken by the last startup recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.transitions,
		c.transitionsRejected,
		c.documentsEncoded,
		c.documentsDecoded,
		c.documentErrors,
		c.flushDuration,
		c.jobs,
		c.recoveryTime,
	)
	return c
}

// RecordTransition counts an accepted transition.
func (c *Collector) RecordTransition(scope string, to types.Status) {
	c.transitions.WithLabelValues(scope, string(to)).Inc()
}

// RecordRejected counts a refused transition.
func (c *Collector) RecordRejected(scope string) {
	c.transitionsRejected.WithLabelValues(scope).Inc()
}

func (c *Collector) RecordEncoded() {
	c.documentsEncoded.Inc()
}

func (c *Collector) RecordDecoded() {
	c.documentsDecoded.Inc()
}

// RecordDocumentError counts a rejected document under the kind of err.
func (c *Collector) RecordDocumentError(err error) {
	c.documentErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// ObserveFlush records the duration of one flush.
func (c *Collector) ObserveFlush(seconds float64) {
	c.flushDuration.Observe(seconds)
}

// SetRecoveryTime sets the duration of the last recovery.
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateJobStats sets the per-status job gauge from a status -> count map.
func (c *Collector) UpdateJobStats(stats map[string]int) {
	for status, n := range stats {
		c.jobs.WithLabelValues(status).Set(float64(n))
	}
}

// ErrorKind maps a codec error to its metric label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, types.ErrDuplicateTaskID):
		return KindDuplicateTaskID
	case errors.Is(err, types.ErrMalformedDocument):
		return KindMalformed
	default:
		return KindOther
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on port. It blocks like http.ListenAndServe.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
