// Package detectors provides the configuration and scoring contract shared by
// unsupervised anomaly detectors and the runtimes that evaluate them.
package detectors

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Detector scores samples. More negative scores are more anomalous.
type Detector interface {
	// ScoreSample returns the raw anomaly score for a single sample.
	ScoreSample(sample []float64) (float64, error)

	// ScoreSamples returns raw anomaly scores for each row of data.
	ScoreSamples(data [][]float64) ([]float64, error)

	// NumFeatures is the expected row width.
	NumFeatures() int
}

// ErrInvalidData is returned when training rows are empty, ragged or not finite.
var ErrInvalidData = errors.New("invalid training data")

// ConfigurationError reports an invalid trainer parameter.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// SampleSize is the per-tree subsample policy. The zero value selects
// min(256, n).
type SampleSize struct {
	count    int
	fraction float64
}

// AutoSamples returns the default policy.
func AutoSamples() SampleSize { return SampleSize{} }

// Samples draws a fixed number of rows per tree, capped at n.
func Samples(count int) SampleSize { return SampleSize{count: count} }

// SampleFraction draws a fraction of n per tree.
func SampleFraction(f float64) SampleSize { return SampleSize{fraction: f} }

// IsAuto reports whether the default policy is selected.
func (s SampleSize) IsAuto() bool { return s.count == 0 && s.fraction == 0 }

func (s SampleSize) String() string {
	switch {
	case s.count != 0:
		return fmt.Sprintf("%d", s.count)
	case s.fraction != 0:
		return fmt.Sprintf("%g", s.fraction)
	}
	return "auto"
}

// ParseSampleSize reads "auto", a row count such as "256" or a fraction such
// as "0.5".
func ParseSampleSize(s string) (SampleSize, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return AutoSamples(), nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return SampleSize{}, &ConfigurationError{Field: "max_samples", Value: s, Reason: "must be positive"}
		}
		return Samples(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !(f > 0 && f <= 1) {
		return SampleSize{}, &ConfigurationError{Field: "max_samples", Value: s, Reason: `want "auto", a row count or a fraction in (0, 1]`}
	}
	return SampleFraction(f), nil
}

func (s SampleSize) validate() error {
	if s.count != 0 && s.fraction != 0 {
		return &ConfigurationError{Field: "max_samples", Value: s, Reason: "count and fraction are exclusive"}
	}
	if s.count < 0 {
		return &ConfigurationError{Field: "max_samples", Value: s.count, Reason: "must be positive"}
	}
	if s.fraction < 0 || s.fraction > 1 || math.IsNaN(s.fraction) {
		return &ConfigurationError{Field: "max_samples", Value: s.fraction, Reason: "fraction must be in (0, 1]"}
	}
	return nil
}

// Resolve returns the subsample size for n rows.
func (s SampleSize) Resolve(n int) int {
	var size int
	switch {
	case s.count > 0:
		size = s.count
	case s.fraction > 0:
		size = int(s.fraction * float64(n))
	default:
		size = 256
	}
	if size > n {
		size = n
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Config holds trainer configuration. It is passed by value and never mutated
// after validation.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	// It only calibrates the decision offset.
	Contamination float64
	// Estimators is the number of trees.
	Estimators int
	// MaxSamples is the per-tree subsample policy.
	MaxSamples SampleSize
	// MaxFeatures is the number of features each tree may split on. Zero
	// means all features.
	MaxFeatures int
	// Bootstrap draws subsamples with replacement.
	Bootstrap bool
	// RandomSeed for reproducibility.
	RandomSeed uint64
	// Workers bounds parallel tree construction. Zero means GOMAXPROCS.
	Workers int
}

// Option configures a Config.
type Option func(*Config)

// WithTrees sets the number of trees.
func WithTrees(n int) Option {
	return func(c *Config) { c.Estimators = n }
}

// WithSampleSize sets the per-tree subsample policy.
func WithSampleSize(s SampleSize) Option {
	return func(c *Config) { c.MaxSamples = s }
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(f float64) Option {
	return func(c *Config) { c.Contamination = f }
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed uint64) Option {
	return func(c *Config) { c.RandomSeed = seed }
}

// WithMaxFeatures limits the features each tree may split on.
func WithMaxFeatures(n int) Option {
	return func(c *Config) { c.MaxFeatures = n }
}

// WithBootstrap toggles sampling with replacement.
func WithBootstrap(b bool) Option {
	return func(c *Config) { c.Bootstrap = b }
}

// WithWorkers bounds parallel tree construction.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// DefaultConfig returns the configuration used for the gateway model.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.15,
		Estimators:    100,
		MaxSamples:    AutoSamples(),
		MaxFeatures:   0,
		Bootstrap:     false,
		RandomSeed:    42,
	}
}

// NewConfig applies opts on top of DefaultConfig.
func NewConfig(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate checks the configuration against a dataset of nFeatures columns.
func (c Config) Validate(nFeatures int) error {
	if c.Estimators < 1 {
		return &ConfigurationError{Field: "n_estimators", Value: c.Estimators, Reason: "must be at least 1"}
	}
	if c.MaxFeatures < 0 {
		return &ConfigurationError{Field: "max_features", Value: c.MaxFeatures, Reason: "must not be negative"}
	}
	if c.MaxFeatures > nFeatures {
		return &ConfigurationError{
			Field:  "max_features",
			Value:  c.MaxFeatures,
			Reason: fmt.Sprintf("exceeds the %d features in the training set", nFeatures),
		}
	}
	if !(c.Contamination > 0 && c.Contamination <= 0.5) {
		return &ConfigurationError{Field: "contamination", Value: c.Contamination, Reason: "must be in (0, 0.5]"}
	}
	if c.Workers < 0 {
		return &ConfigurationError{Field: "workers", Value: c.Workers, Reason: "must not be negative"}
	}
	return c.MaxSamples.validate()
}

// FeatureCount resolves MaxFeatures for nFeatures columns.
func (c Config) FeatureCount(nFeatures int) int {
	if c.MaxFeatures == 0 {
		return nFeatures
	}
	return c.MaxFeatures
}
