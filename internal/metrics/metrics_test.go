package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestRecord(t *testing.T) {
	m := New()
	m.Samples.WithLabelValues("normal").Set(4000)
	m.Samples.WithLabelValues("ddos").Set(334)
	m.Probes.WithLabelValues("BLOCK").Inc()
	m.Probes.WithLabelValues("BLOCK").Inc()
	m.ProbeRisk.Observe(0.95)
	m.ObserveStage("train", time.Now().Add(-time.Second))

	samples := family(t, m, "abuseguard_training_samples")
	assert.Equal(t, dto.MetricType_GAUGE, samples.GetType())
	assert.Len(t, samples.GetMetric(), 2)

	probes := family(t, m, "abuseguard_probe_assessments_total")
	require.Len(t, probes.GetMetric(), 1)
	assert.Equal(t, 2.0, probes.GetMetric()[0].GetCounter().GetValue())

	stage := family(t, m, "abuseguard_stage_duration_seconds")
	h := stage.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), h.GetSampleCount())
	assert.GreaterOrEqual(t, h.GetSampleSum(), 1.0)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Trees.Set(100)
	m.ArtifactBytes.Set(123456)

	path := filepath.Join(t.TempDir(), "abuseguard.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# TYPE abuseguard_forest_trees gauge")
	assert.Contains(t, text, "abuseguard_forest_trees 100")
	assert.Contains(t, text, "abuseguard_artifact_bytes 123456")
}

func TestWriteTextfileMissingDir(t *testing.T) {
	m := New()
	err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "abuseguard.prom"))
	assert.Error(t, err)
}

func TestRegistriesIsolated(t *testing.T) {
	a, b := New(), New()
	a.Trees.Set(10)
	assert.Equal(t, 0.0, family(t, b, "abuseguard_forest_trees").GetMetric()[0].GetGauge().GetValue())
}
