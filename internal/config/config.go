// Package config loads abuseguard settings from defaults, an optional YAML
// file, an optional .env file and ABUSEGUARD_* environment variables, in
// increasing order of precedence. Command-line flags are applied on top by the
// CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/abuseguard/pkg/detectors"
	"github.com/hed1ad/abuseguard/pkg/exporter"
	"github.com/hed1ad/abuseguard/pkg/features"
	"github.com/hed1ad/abuseguard/pkg/io/pcap"
	"github.com/hed1ad/abuseguard/pkg/risk"
	"github.com/hed1ad/abuseguard/pkg/traffic"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ABUSEGUARD_"

// DefaultOutput is where the trained artifact is written.
const DefaultOutput = "models/abuse_detector.onnx"

// Config is the complete run configuration. It is treated as immutable once
// validated.
type Config struct {
	Samples int    `yaml:"samples"`
	Seed    uint64 `yaml:"seed"`
	Output  string `yaml:"output"`

	Input   Input   `yaml:"input"`
	Forest  Forest  `yaml:"forest"`
	Risk    Risk    `yaml:"risk"`
	Export  Export  `yaml:"export"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Input selects recorded traffic instead of synthetic data.
type Input struct {
	CSV         string        `yaml:"csv"`
	PCAP        string        `yaml:"pcap"`
	Port        uint16        `yaml:"port"`
	Window      time.Duration `yaml:"window"`
	MinRequests int           `yaml:"minRequests"`
}

// Forest holds trainer parameters.
type Forest struct {
	Trees         int     `yaml:"trees"`
	MaxSamples    string  `yaml:"maxSamples"`
	Contamination float64 `yaml:"contamination"`
	MaxFeatures   int     `yaml:"maxFeatures"`
	Bootstrap     bool    `yaml:"bootstrap"`
	Workers       int     `yaml:"workers"`
}

// Risk holds the tier cut-offs.
type Risk struct {
	Warn  float64 `yaml:"warn"`
	Block float64 `yaml:"block"`
}

// Export names the artifact's tensors.
type Export struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

// Log configures the global logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the run metrics textfile.
type Metrics struct {
	File string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := detectors.DefaultConfig()
	t := risk.DefaultThresholds()
	c := exporter.DefaultContract()
	return Config{
		Samples: traffic.DefaultSamples,
		Seed:    d.RandomSeed,
		Output:  DefaultOutput,
		Input: Input{
			Window:      pcap.DefaultWindow,
			MinRequests: 1,
		},
		Forest: Forest{
			Trees:         d.Estimators,
			MaxSamples:    d.MaxSamples.String(),
			Contamination: d.Contamination,
			MaxFeatures:   d.MaxFeatures,
			Bootstrap:     d.Bootstrap,
			Workers:       d.Workers,
		},
		Risk:   Risk{Warn: t.Warn, Block: t.Block},
		Export: Export{Input: c.Input, Output: c.Output},
		Log:    Log{Level: "info", Format: "console"},
	}
}

// Load builds a Config from defaults, the YAML file at path and the .env file
// at envFile, then applies environment overrides and validates the result.
// Empty paths are skipped. Variables already set in the process environment
// win over the .env file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read env file %s: %w", envFile, err)
		}
		if m != nil {
			dotenv = m
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from ABUSEGUARD_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.int("SAMPLES", &c.Samples)
	e.uint64("SEED", &c.Seed)
	e.string("OUTPUT", &c.Output)

	e.string("INPUT_CSV", &c.Input.CSV)
	e.string("INPUT_PCAP", &c.Input.PCAP)
	e.uint16("PCAP_PORT", &c.Input.Port)
	e.duration("PCAP_WINDOW", &c.Input.Window)
	e.int("PCAP_MIN_REQUESTS", &c.Input.MinRequests)

	e.int("TREES", &c.Forest.Trees)
	e.string("MAX_SAMPLES", &c.Forest.MaxSamples)
	e.float("CONTAMINATION", &c.Forest.Contamination)
	e.int("MAX_FEATURES", &c.Forest.MaxFeatures)
	e.bool("BOOTSTRAP", &c.Forest.Bootstrap)
	e.int("WORKERS", &c.Forest.Workers)

	e.float("RISK_WARN", &c.Risk.Warn)
	e.float("RISK_BLOCK", &c.Risk.Block)

	e.string("EXPORT_INPUT", &c.Export.Input)
	e.string("EXPORT_OUTPUT", &c.Export.Output)

	e.string("LOG_LEVEL", &c.Log.Level)
	e.string("LOG_FORMAT", &c.Log.Format)
	e.string("METRICS_FILE", &c.Metrics.File)

	return e.err
}

// Validate rejects settings that would fail later stages.
func (c Config) Validate() error {
	if c.Samples < 1 {
		return fmt.Errorf("samples must be positive, got %d", c.Samples)
	}
	if c.Output == "" {
		return errors.New("output path is required")
	}
	if c.Input.CSV != "" && c.Input.PCAP != "" {
		return errors.New("input.csv and input.pcap are mutually exclusive")
	}
	if c.Input.Window <= 0 {
		return fmt.Errorf("input.window must be positive, got %s", c.Input.Window)
	}

	d, err := c.Detector()
	if err != nil {
		return fmt.Errorf("forest: %w", err)
	}
	if err := d.Validate(features.Dim); err != nil {
		return fmt.Errorf("forest: %w", err)
	}
	if err := c.Contract().Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Detector converts the forest section to trainer configuration.
func (c Config) Detector() (detectors.Config, error) {
	size, err := detectors.ParseSampleSize(c.Forest.MaxSamples)
	if err != nil {
		return detectors.Config{}, err
	}
	return detectors.NewConfig(
		detectors.WithTrees(c.Forest.Trees),
		detectors.WithSampleSize(size),
		detectors.WithContamination(c.Forest.Contamination),
		detectors.WithMaxFeatures(c.Forest.MaxFeatures),
		detectors.WithBootstrap(c.Forest.Bootstrap),
		detectors.WithWorkers(c.Forest.Workers),
		detectors.WithSeed(c.Seed),
	), nil
}

// Thresholds returns the risk tier cut-offs.
func (c Config) Thresholds() risk.Thresholds {
	return risk.Thresholds{Warn: c.Risk.Warn, Block: c.Risk.Block}
}

// Contract returns the artifact's tensor contract.
func (c Config) Contract() exporter.Contract {
	contract := exporter.DefaultContract()
	contract.Input = c.Export.Input
	contract.Output = c.Export.Output
	contract.Thresholds = c.Thresholds()
	return contract
}

// PcapOptions returns the capture extractor settings.
func (c Config) PcapOptions() []pcap.Option {
	return []pcap.Option{
		pcap.WithPort(c.Input.Port),
		pcap.WithWindow(c.Input.Window),
		pcap.WithMinRequests(c.Input.MinRequests),
	}
}

// envReader parses overrides and keeps the first failure.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, value string, err error) {
	e.err = fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, value, err)
}

func (e *envReader) string(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint64(name string, dst *uint64) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint16(name string, dst *uint16) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = uint16(n)
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}
