package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/abuseguard/internal/config"
	"github.com/hed1ad/abuseguard/internal/metrics"
	"github.com/hed1ad/abuseguard/pkg/detectors"
	"github.com/hed1ad/abuseguard/pkg/detectors/iforest"
	"github.com/hed1ad/abuseguard/pkg/exporter"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
	"github.com/hed1ad/abuseguard/pkg/io/csv"
	"github.com/hed1ad/abuseguard/pkg/risk"
	"github.com/hed1ad/abuseguard/pkg/traffic"
)

func smallConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Samples = 1000
	cfg.Forest.Trees = 20
	cfg.Output = filepath.Join(t.TempDir(), "models", "abuse_detector.onnx")
	return cfg
}

func quiet() Option {
	return WithLogger(zerolog.Nop())
}

func TestRunDefaultScenario(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Output = filepath.Join(dir, "models", "abuse_detector.onnx")
	cfg.Metrics.File = filepath.Join(dir, "abuseguard.prom")

	s, err := New(cfg, quiet()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SourceSynthetic, s.Source)
	assert.Equal(t, traffic.Counts{Normal: 4000, Bot: 333, Burst: 333, DDoS: 334}, s.Counts)
	assert.Equal(t, 100, s.Forest.Trees)
	assert.Equal(t, 256, s.SampleSize)
	assert.InDelta(t, 0.15, s.AnomalyShare(), 0.02)
	assert.Less(t, s.Statistics.Min, s.Statistics.Max)

	info, err := os.Stat(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), s.Artifact.Bytes)
	assert.Equal(t, cfg.Metrics.File, s.MetricsFile)

	require.Len(t, s.Probes, len(Probes))
	normal, suspicious, ddos := s.Probes[0], s.Probes[2], s.Probes[5]

	assert.Equal(t, risk.Allow, normal.Assessment.Tier)
	assert.Greater(t, suspicious.Assessment.Risk, normal.Assessment.Risk)
	assert.Greater(t, ddos.Assessment.Risk, normal.Assessment.Risk)
	assert.Greater(t, ddos.Assessment.Risk, suspicious.Assessment.Risk)
	assert.NotEqual(t, risk.Allow, ddos.Assessment.Tier)
	assert.GreaterOrEqual(t, ddos.Rank, 0.9)
	t.Logf("suspicious: risk %.3f %s, ddos: risk %.3f %s rank %.3f",
		suspicious.Assessment.Risk, suspicious.Assessment.Tier,
		ddos.Assessment.Risk, ddos.Assessment.Tier, ddos.Rank)

	// the written artifact reproduces the in-memory assessments
	art, err := exporter.Load(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, s.Statistics, art.Statistics)
	scorer, err := art.Scorer()
	require.NoError(t, err)
	for _, p := range s.Probes {
		a, err := scorer.Assess(p.Vector)
		require.NoError(t, err)
		assert.InDelta(t, p.Assessment.Risk, a.Risk, 1e-3, p.Name)
	}

	prom, err := os.ReadFile(cfg.Metrics.File)
	require.NoError(t, err)
	text := string(prom)
	assert.Contains(t, text, `abuseguard_training_samples{bucket="normal"} 4000`)
	assert.Contains(t, text, "abuseguard_forest_trees 100")
	for _, stage := range []Stage{StagePreflight, StageGenerate, StageTrain, StageCalibrate, StageEvaluate, StageExport} {
		assert.Contains(t, text, `stage="`+string(stage)+`"`)
	}
}

func TestRunDeterministic(t *testing.T) {
	cfg := smallConfig(t)
	a, err := New(cfg, quiet()).Run(context.Background())
	require.NoError(t, err)
	first, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)

	cfg.Forest.Workers = 1
	b, err := New(cfg, quiet()).Run(context.Background())
	require.NoError(t, err)
	second, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)

	assert.Equal(t, a.Statistics, b.Statistics)
	assert.Equal(t, first, second)
}

func TestRunCSV(t *testing.T) {
	data, err := traffic.Generate(600, traffic.NewSource(3))
	require.NoError(t, err)
	input := filepath.Join(t.TempDir(), "data.csv")
	n, err := WriteDataset(input, data)
	require.NoError(t, err)
	assert.Positive(t, n)

	cfg := smallConfig(t)
	cfg.Input.CSV = input

	m := metrics.New()
	s, err := New(cfg, quiet(), WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, input, s.Source)
	assert.Equal(t, traffic.Counts{Normal: 600}, s.Counts)
	assert.Equal(t, data.Ranges(), s.Ranges)
	assert.Same(t, m, New(cfg, WithMetrics(m)).Metrics())
}

func TestRunStageErrors(t *testing.T) {
	writeCSV := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "input.csv")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	tests := []struct {
		name   string
		mutate func(*testing.T, *config.Config)
		stage  Stage
		check  func(*testing.T, error)
	}{
		{
			name:   "invalid config",
			mutate: func(_ *testing.T, c *config.Config) { c.Forest.Trees = 0 },
			stage:  StagePreflight,
			check: func(t *testing.T, err error) {
				var cerr *detectors.ConfigurationError
				assert.ErrorAs(t, err, &cerr)
			},
		},
		{
			name: "missing csv",
			mutate: func(t *testing.T, c *config.Config) {
				c.Input.CSV = filepath.Join(t.TempDir(), "absent.csv")
			},
			stage: StagePreflight,
			check: func(t *testing.T, err error) {
				var derr *DependencyMissingError
				assert.ErrorAs(t, err, &derr)
				assert.ErrorIs(t, err, os.ErrNotExist)
			},
		},
		{
			name: "missing capture",
			mutate: func(t *testing.T, c *config.Config) {
				c.Input.PCAP = filepath.Join(t.TempDir(), "absent.pcap")
			},
			stage: StagePreflight,
			check: func(t *testing.T, err error) {
				var derr *DependencyMissingError
				require.ErrorAs(t, err, &derr)
				assert.Equal(t, "capture", derr.Name)
			},
		},
		{
			name:   "empty csv",
			mutate: func(t *testing.T, c *config.Config) { c.Input.CSV = writeCSV(t, "rps,burstiness\n") },
			stage:  StageLoad,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoData) },
		},
		{
			name:   "bad csv header",
			mutate: func(t *testing.T, c *config.Config) { c.Input.CSV = writeCSV(t, "a,b\n1,2\n") },
			stage:  StageLoad,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, csv.ErrHeader) },
		},
		{
			name: "constant data",
			mutate: func(t *testing.T, c *config.Config) {
				c.Input.CSV = writeCSV(t, "rps,burstiness\n5,100\n5,100\n5,100\n5,100\n")
			},
			stage: StageCalibrate,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, risk.ErrDegenerateModel)
				var derr *risk.DegenerateModelError
				assert.ErrorAs(t, err, &derr)
			},
		},
		{
			name: "unwritable output",
			mutate: func(t *testing.T, c *config.Config) {
				file := filepath.Join(t.TempDir(), "file")
				require.NoError(t, os.WriteFile(file, nil, 0o644))
				c.Output = filepath.Join(file, "model.onnx")
			},
			stage: StageExport,
			check: func(t *testing.T, err error) {
				var eerr *exporter.ExportError
				require.ErrorAs(t, err, &eerr)
				assert.Equal(t, "mkdir", eerr.Op)
			},
		},
		{
			name: "unwritable metrics",
			mutate: func(t *testing.T, c *config.Config) {
				c.Metrics.File = filepath.Join(t.TempDir(), "missing", "run.prom")
			},
			stage: StageMetrics,
			check: func(t *testing.T, err error) { assert.Error(t, err) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig(t)
			tt.mutate(t, &cfg)

			_, err := New(cfg, quiet()).Run(context.Background())
			require.Error(t, err)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, tt.stage, StageOf(err))
			assert.True(t, strings.HasPrefix(err.Error(), string(tt.stage)+": "), err.Error())
			tt.check(t, err)
		})
	}
}

func TestRunVerifyFailureKeepsPreviousArtifact(t *testing.T) {
	cfg := smallConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Output), 0o755))
	previous := []byte("previous model")
	require.NoError(t, os.WriteFile(cfg.Output, previous, 0o644))

	// a negative tolerance rejects any encoding
	_, err := New(cfg, quiet(), WithVerifyTolerance(-1)).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerify)
	assert.Equal(t, StageExport, StageOf(err))

	got, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, previous, got)
	entries, err := os.ReadDir(filepath.Dir(cfg.Output))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	fresh := smallConfig(t)
	_, err = New(fresh, quiet(), WithVerifyTolerance(-1)).Run(context.Background())
	assert.ErrorIs(t, err, ErrVerify)
	assert.NoFileExists(t, fresh.Output)
}

func TestRunFailureLeavesReportingToCaller(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Input.CSV = filepath.Join(t.TempDir(), "missing.csv")

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	_, err := New(cfg, WithLogger(logger)).Run(context.Background())
	require.Error(t, err)
	assert.NotContains(t, buf.String(), `"level":"error"`)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(smallConfig(t), quiet()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StagePreflight, StageOf(err))
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, Stage(""), StageOf(errors.New("plain")))
	assert.Equal(t, StageTrain, StageOf(fail(StageTrain, errors.New("boom"))))
}

func TestRequireFile(t *testing.T) {
	dir := t.TempDir()
	err := RequireFile("csv input", dir)
	var derr *DependencyMissingError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dir, derr.Path)
	assert.Contains(t, err.Error(), "not a regular file")

	file := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(file, []byte("rps,burstiness\n"), 0o644))
	assert.NoError(t, RequireFile("csv input", file))
}

func trainedScorer(t *testing.T) *risk.Scorer {
	t.Helper()
	data, err := traffic.Generate(1000, traffic.NewSource(1))
	require.NoError(t, err)
	cfg := detectors.NewConfig(detectors.WithTrees(20), detectors.WithSeed(1))
	f, err := iforest.Fit(context.Background(), data.Rows(), cfg)
	require.NoError(t, err)
	stats, err := risk.Calibrate(f, data.Rows())
	require.NoError(t, err)
	scorer, err := risk.NewScorer(f, stats, risk.DefaultThresholds())
	require.NoError(t, err)
	return scorer
}

func TestEvaluateProbes(t *testing.T) {
	scorer := trainedScorer(t)

	results, err := EvaluateProbes(scorer, Probes, nil)
	require.NoError(t, err)
	require.Len(t, results, len(Probes))
	for i, r := range results {
		assert.Equal(t, Probes[i].Name, r.Name)
		assert.Equal(t, Probes[i].Vector, r.Assessment.Features)
		assert.Zero(t, r.Rank)
	}

	results, err = EvaluateProbes(scorer, Probes[:1], []float64{0, 0, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, results[0].Rank, 1e-12)
}

func TestInspect(t *testing.T) {
	scorer := trainedScorer(t)

	src, err := csv.FromReader(strings.NewReader("rps,burstiness\n3,250\n120,2800\n8,500\nbad,row\n45,800\n"))
	require.NoError(t, err)
	var buf bytes.Buffer
	dst := csv.NewWriter(&buf)

	counts, err := Inspect(context.Background(), scorer, src, dst)
	require.NoError(t, err)
	require.NoError(t, dst.Close())

	assert.Equal(t, 4, counts.Total())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, strings.Join(csv.ResultHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], ",,3,250,"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], ",,120,2800,"), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], ",,8,500,"), lines[3])
	assert.True(t, strings.HasPrefix(lines[4], ",,45,800,"), lines[4])
}

func TestInspectReadError(t *testing.T) {
	scorer := trainedScorer(t)

	src, err := csv.FromReader(strings.NewReader("rps,burstiness\n3,250\n1,2\"x\n120,2800\n8,500\n"))
	require.NoError(t, err)
	var buf bytes.Buffer
	dst := csv.NewWriter(&buf)

	counts, err := Inspect(context.Background(), scorer, src, dst)
	require.Error(t, err)
	assert.ErrorContains(t, err, `bare "`)
	assert.Equal(t, 1, counts.Total())
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(dataio.Result) error {
	w.writes++
	return errors.New("disk full")
}

func (w *failingWriter) WriteAll([]dataio.Result) error { return errors.New("disk full") }
func (w *failingWriter) Close() error                   { return nil }

func TestInspectWriteError(t *testing.T) {
	scorer := trainedScorer(t)
	var b strings.Builder
	b.WriteString("rps,burstiness\n")
	for i := 0; i < 500; i++ {
		b.WriteString("1,2\n")
	}
	src, err := csv.FromReader(strings.NewReader(b.String()))
	require.NoError(t, err)

	w := &failingWriter{}
	_, err = Inspect(context.Background(), scorer, src, w)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, w.writes)
}

func TestSummaryWrite(t *testing.T) {
	cfg := smallConfig(t)
	s, err := New(cfg, quiet()).Run(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf))
	out := buf.String()
	assert.Contains(t, out, "Training data (synthetic)")
	assert.Contains(t, out, "total samples:   1000")
	assert.Contains(t, out, "rps:")
	assert.Contains(t, out, "burstiness:")
	assert.Contains(t, out, "score range:")
	assert.Contains(t, out, "normal user (low rps)")
	assert.Contains(t, out, cfg.Output)
}
