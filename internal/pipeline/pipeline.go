// Package pipeline runs a training session end to end: acquire feature data,
// fit the forest, calibrate the risk score, probe the model, export it and
// record run metrics. Every failure is reported as a *StageError.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hed1ad/abuseguard/internal/config"
	"github.com/hed1ad/abuseguard/internal/metrics"
	"github.com/hed1ad/abuseguard/pkg/detectors/iforest"
	"github.com/hed1ad/abuseguard/pkg/exporter"
	"github.com/hed1ad/abuseguard/pkg/features"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
	"github.com/hed1ad/abuseguard/pkg/io/csv"
	"github.com/hed1ad/abuseguard/pkg/io/pcap"
	"github.com/hed1ad/abuseguard/pkg/risk"
	"github.com/hed1ad/abuseguard/pkg/traffic"
)

// SourceSynthetic labels generated training data.
const SourceSynthetic = "synthetic"

// DefaultVerifyTolerance bounds the raw score drift between the in-memory
// forest and the float32 artifact.
const DefaultVerifyTolerance = 1e-3

var (
	// ErrNoData is returned when an input yields no usable feature rows.
	ErrNoData = errors.New("no usable feature rows")
	// ErrVerify is returned when the written artifact disagrees with the
	// trained forest.
	ErrVerify = errors.New("artifact verification failed")
)

// Summary reports what a run produced.
type Summary struct {
	Source      string
	Counts      traffic.Counts
	Ranges      []traffic.Range
	Forest      iforest.Stats
	SampleSize  int
	Offset      float64
	Anomalies   int
	Statistics  risk.Statistics
	Thresholds  risk.Thresholds
	Probes      []ProbeResult
	Artifact    exporter.Result
	MetricsFile string
	Elapsed     time.Duration
}

// AnomalyShare is the fraction of training rows predicted as outliers.
func (s Summary) AnomalyShare() float64 {
	if n := s.Counts.Total(); n > 0 {
		return float64(s.Anomalies) / float64(n)
	}
	return 0
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithProbes replaces the default probe set.
func WithProbes(probes []Probe) Option {
	return func(r *Runner) { r.probes = probes }
}

// WithVerifyTolerance sets the largest raw score difference accepted between
// the forest and its encoded artifact.
func WithVerifyTolerance(tol float64) Option {
	return func(r *Runner) { r.tolerance = tol }
}

// Runner executes training runs for one configuration.
type Runner struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	probes    []Probe
	tolerance float64
}

// New creates a runner. cfg is expected to be validated; Run checks it again
// during preflight.
func New(cfg config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:       cfg,
		logger:    log.Logger,
		probes:    Probes,
		tolerance: DefaultVerifyTolerance,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	return r
}

// Metrics returns the collectors the runner records into.
func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}

// run carries intermediate results between stages.
type run struct {
	data    traffic.Dataset
	rows    [][]float64
	forest  *iforest.Forest
	stats   risk.Statistics
	summary Summary
}

// Run executes every stage in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	begin := time.Now()
	st := &run{}

	if err := r.stage(ctx, StagePreflight, r.preflight); err != nil {
		return Summary{}, err
	}

	acquire, stage := r.generate, StageGenerate
	if r.cfg.Input.CSV != "" || r.cfg.Input.PCAP != "" {
		acquire, stage = r.load, StageLoad
	}
	steps := []struct {
		stage Stage
		fn    func(context.Context, *run) error
	}{
		{stage, acquire},
		{StageTrain, r.train},
		{StageCalibrate, r.calibrate},
		{StageEvaluate, r.evaluate},
		{StageExport, r.export},
	}
	for _, s := range steps {
		if err := r.stage(ctx, s.stage, func() error { return s.fn(ctx, st) }); err != nil {
			return Summary{}, err
		}
	}

	st.summary.Elapsed = time.Since(begin)
	if err := r.stage(ctx, StageMetrics, func() error { return r.writeMetrics(st) }); err != nil {
		return Summary{}, err
	}
	return st.summary, nil
}

func (r *Runner) stage(ctx context.Context, stage Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fail(stage, err)
	}
	start := time.Now()
	if err := fn(); err != nil {
		// the caller reports the failure; this only traces it
		r.logger.Debug().Err(err).Str("stage", string(stage)).Msg("stage failed")
		return fail(stage, err)
	}
	r.metrics.ObserveStage(string(stage), start)
	r.logger.Debug().Str("stage", string(stage)).Dur("elapsed", time.Since(start)).Msg("stage complete")
	return nil
}

func (r *Runner) preflight() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	if p := r.cfg.Input.CSV; p != "" {
		if err := RequireFile("csv input", p); err != nil {
			return err
		}
	}
	if p := r.cfg.Input.PCAP; p != "" {
		if err := RequireFile("capture", p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) generate(_ context.Context, st *run) error {
	data, err := traffic.Generate(r.cfg.Samples, traffic.NewSource(r.cfg.Seed))
	if err != nil {
		return err
	}
	r.accept(st, SourceSynthetic, data)
	return nil
}

func (r *Runner) load(_ context.Context, st *run) error {
	var (
		reader dataio.Reader
		source string
		err    error
	)
	switch {
	case r.cfg.Input.CSV != "":
		source = r.cfg.Input.CSV
		reader, err = csv.NewReader(source)
	default:
		source = r.cfg.Input.PCAP
		reader, err = pcap.NewFileReader(source, r.cfg.PcapOptions()...)
	}
	if err != nil {
		return err
	}
	defer reader.Close()

	obs, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}

	switch rd := reader.(type) {
	case *csv.Reader:
		if n := rd.Skipped(); n > 0 {
			r.logger.Warn().Str("source", source).Int("skipped", n).Msg("skipped malformed rows")
		}
	case *pcap.Reader:
		s := rd.Extractor().Stats()
		r.logger.Info().
			Str("source", source).
			Int("packets", s.Packets).
			Int("requests", s.Requests).
			Int("windows", s.Windows).
			Msg("capture processed")
	}

	if len(obs) == 0 {
		return fmt.Errorf("%s: %w", source, ErrNoData)
	}
	r.accept(st, source, traffic.NewDataset(features.Rows(dataio.Vectors(obs))))
	return nil
}

func (r *Runner) accept(st *run, source string, data traffic.Dataset) {
	st.data = data
	st.rows = data.Rows()
	st.summary.Source = source
	st.summary.Counts = data.Counts()
	st.summary.Ranges = data.Ranges()

	for _, b := range traffic.Buckets {
		r.metrics.Samples.WithLabelValues(b.String()).Set(float64(st.summary.Counts.Of(b)))
	}
	r.logger.Info().
		Str("source", source).
		Int("samples", data.Len()).
		Int("abuse", st.summary.Counts.Abuse()).
		Msg("training data ready")
}

func (r *Runner) train(ctx context.Context, st *run) error {
	cfg, err := r.cfg.Detector()
	if err != nil {
		return err
	}
	forest, err := iforest.Fit(ctx, st.rows, cfg)
	if err != nil {
		return err
	}
	st.forest = forest
	st.summary.Forest = forest.Stats()
	st.summary.SampleSize = forest.SampleSize()
	st.summary.Offset = forest.Offset()

	r.metrics.Trees.Set(float64(st.summary.Forest.Trees))
	r.metrics.Nodes.Set(float64(st.summary.Forest.Nodes))
	r.logger.Info().
		Int("trees", st.summary.Forest.Trees).
		Int("nodes", st.summary.Forest.Nodes).
		Int("max_depth", st.summary.Forest.MaxDepth).
		Int("sample_size", st.summary.SampleSize).
		Float64("offset", st.summary.Offset).
		Msg("forest trained")
	return nil
}

func (r *Runner) calibrate(_ context.Context, st *run) error {
	stats, err := risk.Calibrate(st.forest, st.rows)
	if err != nil {
		return err
	}
	labels, err := st.forest.Predict(st.rows)
	if err != nil {
		return err
	}
	anomalies := 0
	for _, l := range labels {
		if l == iforest.Outlier {
			anomalies++
		}
	}

	st.stats = stats
	st.summary.Statistics = stats
	st.summary.Anomalies = anomalies

	r.metrics.ScoreMin.Set(stats.Min)
	r.metrics.ScoreMax.Set(stats.Max)
	r.metrics.AnomalyShare.Set(st.summary.AnomalyShare())
	r.logger.Info().
		Float64("score_min", stats.Min).
		Float64("score_max", stats.Max).
		Int("anomalies", anomalies).
		Msg("scores calibrated")
	return nil
}

func (r *Runner) evaluate(_ context.Context, st *run) error {
	thresholds := r.cfg.Thresholds()
	scorer, err := risk.NewScorer(st.forest, st.stats, thresholds)
	if err != nil {
		return err
	}
	vs, err := st.data.Vectors()
	if err != nil {
		return err
	}
	training, err := scorer.AssessAll(vs)
	if err != nil {
		return err
	}
	probes, err := EvaluateProbes(scorer, r.probes, risk.Risks(training))
	if err != nil {
		return err
	}

	st.summary.Thresholds = thresholds
	st.summary.Probes = probes

	for _, p := range probes {
		r.metrics.Probes.WithLabelValues(p.Assessment.Tier.String()).Inc()
		r.metrics.ProbeRisk.Observe(p.Assessment.Risk)
		r.logger.Debug().
			Str("probe", p.Name).
			Float64("risk", p.Assessment.Risk).
			Stringer("tier", p.Assessment.Tier).
			Float64("rank", p.Rank).
			Msg("probe assessed")
	}
	return nil
}

func (r *Runner) export(_ context.Context, st *run) error {
	data, err := exporter.Encode(st.forest, st.stats, r.cfg.Contract())
	if err != nil {
		return err
	}
	// nothing reaches the output path unless the encoded bytes score like
	// the forest
	if err := r.verify(st, data); err != nil {
		return err
	}

	n, err := exporter.WriteFile(r.cfg.Output, data)
	if err != nil {
		return err
	}
	res := exporter.NewResult(r.cfg.Output, n, st.forest)
	st.summary.Artifact = res
	r.metrics.ArtifactBytes.Set(float64(res.Bytes))
	r.logger.Info().
		Str("path", res.Path).
		Int64("bytes", res.Bytes).
		Int("nodes", res.Nodes).
		Msg("artifact written")
	return nil
}

// verify decodes the serialized artifact and rescores the probes through it.
func (r *Runner) verify(st *run, data []byte) error {
	art, err := exporter.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerify, err)
	}
	scorer, err := art.Scorer()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerify, err)
	}
	for _, p := range st.summary.Probes {
		a, err := scorer.Assess(p.Vector)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrVerify, err)
		}
		if d := math.Abs(a.RawScore - p.Assessment.RawScore); d > r.tolerance {
			return fmt.Errorf("%w: probe %q scores %g in the artifact and %g in memory",
				ErrVerify, p.Name, a.RawScore, p.Assessment.RawScore)
		}
	}
	return nil
}

func (r *Runner) writeMetrics(st *run) error {
	r.metrics.LastSuccess.SetToCurrentTime()
	path := r.cfg.Metrics.File
	if path == "" {
		return nil
	}
	if err := r.metrics.WriteTextfile(path); err != nil {
		return err
	}
	st.summary.MetricsFile = path
	r.logger.Debug().Str("path", path).Msg("metrics written")
	return nil
}

// WriteDataset atomically writes d as a feature CSV and returns its size.
func WriteDataset(path string, d traffic.Dataset) (int64, error) {
	vs, err := d.Vectors()
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := csv.WriteVectors(&buf, vs); err != nil {
		return 0, err
	}
	return exporter.WriteFile(path, buf.Bytes())
}
