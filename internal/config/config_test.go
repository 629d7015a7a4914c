package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/abuseguard/pkg/detectors"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5000, cfg.Samples)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, DefaultOutput, cfg.Output)
	assert.Equal(t, 60*time.Second, cfg.Input.Window)
	assert.Equal(t, "auto", cfg.Forest.MaxSamples)
	assert.Equal(t, risk.DefaultThresholds(), cfg.Thresholds())

	d, err := cfg.Detector()
	require.NoError(t, err)
	assert.Equal(t, detectors.DefaultConfig(), d)
}

func TestLoadNoFiles(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "abuseguard.yaml", `
samples: 800
seed: 7
output: out/model.onnx
input:
  pcap: traffic.pcap
  port: 8080
  window: 30s
  minRequests: 3
forest:
  trees: 50
  maxSamples: 128
  contamination: 0.1
risk:
  warn: 0.4
  block: 0.9
log:
  level: debug
  format: json
metrics:
  file: run.prom
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.Samples)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, "out/model.onnx", cfg.Output)
	assert.Equal(t, Input{PCAP: "traffic.pcap", Port: 8080, Window: 30 * time.Second, MinRequests: 3}, cfg.Input)
	assert.Equal(t, risk.Thresholds{Warn: 0.4, Block: 0.9}, cfg.Thresholds())
	assert.Equal(t, Log{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, "run.prom", cfg.Metrics.File)

	d, err := cfg.Detector()
	require.NoError(t, err)
	assert.Equal(t, 50, d.Estimators)
	assert.Equal(t, detectors.Samples(128), d.MaxSamples)
	assert.Equal(t, 0.1, d.Contamination)
	assert.Equal(t, uint64(7), d.RandomSeed)

	contract := cfg.Contract()
	assert.Equal(t, cfg.Thresholds(), contract.Thresholds)
	assert.Len(t, cfg.PcapOptions(), 3)
}

func TestLoadEnvPrecedence(t *testing.T) {
	path := writeFile(t, "abuseguard.yaml", "samples: 800\nforest:\n  trees: 50\n")
	envFile := writeFile(t, ".env", "ABUSEGUARD_SAMPLES=900\nABUSEGUARD_TREES=60\nABUSEGUARD_LOG_LEVEL=warn\n")
	t.Setenv("ABUSEGUARD_SAMPLES", "1000")
	t.Setenv("ABUSEGUARD_MAX_SAMPLES", "0.5")
	t.Setenv("ABUSEGUARD_PCAP_WINDOW", "10s")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Samples, "process env wins over .env")
	assert.Equal(t, 60, cfg.Forest.Trees, ".env wins over yaml")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "0.5", cfg.Forest.MaxSamples)
	assert.Equal(t, 10*time.Second, cfg.Input.Window)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "bad.yaml", "samples: [1, 2"), "")
	assert.Error(t, err)

	t.Setenv("ABUSEGUARD_TREES", "many")
	_, err = Load("", "")
	assert.ErrorContains(t, err, "ABUSEGUARD_TREES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantCfg bool
	}{
		{"samples", func(c *Config) { c.Samples = 0 }, false},
		{"output", func(c *Config) { c.Output = "" }, false},
		{"both inputs", func(c *Config) { c.Input.CSV, c.Input.PCAP = "a.csv", "b.pcap" }, false},
		{"window", func(c *Config) { c.Input.Window = 0 }, false},
		{"trees", func(c *Config) { c.Forest.Trees = 0 }, true},
		{"contamination", func(c *Config) { c.Forest.Contamination = 0.7 }, true},
		{"max samples", func(c *Config) { c.Forest.MaxSamples = "1.5" }, true},
		{"max features", func(c *Config) { c.Forest.MaxFeatures = 3 }, true},
		{"thresholds", func(c *Config) { c.Risk.Warn, c.Risk.Block = 0.9, 0.5 }, false},
		{"tensor names", func(c *Config) { c.Export.Input = "" }, false},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.wantCfg {
				var cerr *detectors.ConfigurationError
				assert.ErrorAs(t, err, &cerr)
			}
		})
	}
}
