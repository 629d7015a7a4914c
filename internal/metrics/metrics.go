// Package metrics records Prometheus metrics for one training run and writes
// them to a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "abuseguard"

// Metrics holds the collectors of a single run.
type Metrics struct {
	registry *prometheus.Registry

	Samples       *prometheus.GaugeVec     // Training rows per source bucket
	StageDuration *prometheus.HistogramVec // Wall time per pipeline stage
	Trees         prometheus.Gauge         // Trees in the trained forest
	Nodes         prometheus.Gauge         // Nodes across all trees
	AnomalyShare  prometheus.Gauge         // Training rows predicted as outliers
	ScoreMin      prometheus.Gauge         // Lowest raw training score
	ScoreMax      prometheus.Gauge         // Highest raw training score
	ArtifactBytes prometheus.Gauge         // Size of the exported model
	Probes        *prometheus.CounterVec   // Probe assessments per tier
	ProbeRisk     prometheus.Histogram     // Risk distribution of probes
	LastSuccess   prometheus.Gauge         // Unix time of the last completed run
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Samples: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_samples",
			Help:      "Training rows per source bucket",
		}, []string{"bucket"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each pipeline stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		Trees: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forest_trees",
			Help:      "Number of trees in the trained forest",
		}),
		Nodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forest_nodes",
			Help:      "Number of nodes across all trees",
		}),
		AnomalyShare: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_anomaly_share",
			Help:      "Share of training rows predicted as outliers",
		}),
		ScoreMin: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_score_min",
			Help:      "Lowest raw anomaly score over the training set",
		}),
		ScoreMax: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_score_max",
			Help:      "Highest raw anomaly score over the training set",
		}),
		ArtifactBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of the exported model in bytes",
		}),
		Probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_assessments_total",
			Help:      "Probe vectors assessed, by tier",
		}, []string{"tier"}),
		ProbeRisk: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_risk",
			Help:      "Distribution of probe risk values",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records the time elapsed since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile atomically writes every collected metric to path in the text
// exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
