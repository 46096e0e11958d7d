// Package metrics defines the Prometheus instruments for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesAppended *prometheus.CounterVec
	Merges           *prometheus.CounterVec
	Conflicts        *prometheus.CounterVec
	Followups        *prometheus.CounterVec
	DiffDuration     *prometheus.HistogramVec
}

// New registers every instrument on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convohub_messages_appended_total",
			Help: "Messages appended, by role.",
		}, []string{"role"}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convohub_merges_total",
			Help: "Merge attempts, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convohub_conflicts_total",
			Help: "Optimistic concurrency conflicts, by operation.",
		}, []string{"operation"}),
		Followups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convohub_followups_total",
			Help: "Follow-up executions, by kind and final status.",
		}, []string{"kind", "status"}),
		DiffDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convohub_diff_duration_seconds",
			Help:    "Diff latency, by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}
