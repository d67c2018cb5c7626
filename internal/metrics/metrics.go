// Package metrics counts import session activity and writes it in the
// Prometheus text format for the node-exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "importguard"

// Recorder owns a private registry. All methods are safe on a nil Recorder,
// so components can take one optionally.
type Recorder struct {
	registry *prometheus.Registry

	sessions      *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	chunkRetries  *prometheus.CounterVec
	rowsCommitted *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	probeChecks   *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Import sessions by final state.",
		}, []string{"table", "state"}),
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunk import calls by outcome.",
		}, []string{"table", "outcome"}),
		chunkRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk import retries after transient failures.",
		}, []string{"table"}),
		rowsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_committed_total",
			Help:      "Rows confirmed written by the destination.",
		}, []string{"table"}),
		anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Verification anomalies by type and level.",
		}, []string{"table", "type", "level"}),
		probeChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_checks_total",
			Help:      "Row existence checks issued by the cursor probe.",
		}, []string{"table"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Trial rollbacks by outcome.",
		}, []string{"table", "outcome"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed import per table.",
		}, []string{"table"}),
	}
}

func (r *Recorder) SessionFinished(table, state string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(table, state).Inc()
	if state == "done" {
		r.lastSuccess.WithLabelValues(table).SetToCurrentTime()
	}
}

func (r *Recorder) ChunkSent(table, outcome string) {
	if r == nil {
		return
	}
	r.chunks.WithLabelValues(table, outcome).Inc()
}

func (r *Recorder) ChunkRetried(table string) {
	if r == nil {
		return
	}
	r.chunkRetries.WithLabelValues(table).Inc()
}

func (r *Recorder) RowsCommitted(table string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.rowsCommitted.WithLabelValues(table).Add(float64(n))
}

func (r *Recorder) Anomaly(table, anomalyType, level string) {
	if r == nil {
		return
	}
	r.anomalies.WithLabelValues(table, anomalyType, level).Inc()
}

func (r *Recorder) ProbeChecks(table string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.probeChecks.WithLabelValues(table).Add(float64(n))
}

func (r *Recorder) Rollback(table string, success bool) {
	if r == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	r.rollbacks.WithLabelValues(table, outcome).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile atomically writes all metrics to path. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
