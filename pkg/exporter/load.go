package exporter

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hed1ad/abuseguard/pkg/onnx"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

// Artifact is a decoded model file ready for evaluation.
type Artifact struct {
	Model         *onnx.Model
	Session       *onnx.Session
	Statistics    risk.Statistics
	Thresholds    risk.Thresholds
	Offset        float64
	Contamination float64
	Estimators    int
	MaxSamples    int
	Features      []string
}

// Load reads and decodes the artifact at path.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", path, err)
	}
	return a, nil
}

// Decode parses a serialized artifact.
func Decode(data []byte) (*Artifact, error) {
	m, err := onnx.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if m.ProducerName != Producer {
		return nil, fmt.Errorf("artifact produced by %q, want %q", m.ProducerName, Producer)
	}

	sess, err := onnx.NewSession(m)
	if err != nil {
		return nil, err
	}

	md := metadata{model: m}
	a := &Artifact{
		Model:   m,
		Session: sess,
		Statistics: risk.Statistics{
			Min: md.float(MetaScoreMin),
			Max: md.float(MetaScoreMax),
		},
		Thresholds: risk.Thresholds{
			Warn:  md.float(MetaRiskWarn),
			Block: md.float(MetaRiskBlock),
		},
		Offset:        md.float(MetaOffset),
		Contamination: md.float(MetaContamination),
		Estimators:    md.integer(MetaEstimators),
		MaxSamples:    md.integer(MetaMaxSamples),
	}
	if names := md.text(MetaFeatures); names != "" {
		a.Features = strings.Split(names, ",")
	}
	if md.err != nil {
		return nil, md.err
	}
	if len(a.Features) != sess.NumFeatures() {
		return nil, fmt.Errorf("artifact lists %d feature names for a %d-wide input", len(a.Features), sess.NumFeatures())
	}
	return a, nil
}

// Scorer binds the artifact's evaluator to its embedded statistics and
// thresholds.
func (a *Artifact) Scorer() (*risk.Scorer, error) {
	return risk.NewScorer(a.Session, a.Statistics, a.Thresholds)
}

// metadata reads typed metadata_props values, keeping the first error.
type metadata struct {
	model *onnx.Model
	err   error
}

func (md *metadata) text(key string) string {
	v, ok := md.model.MetadataValue(key)
	if !ok && md.err == nil {
		md.err = fmt.Errorf("artifact metadata lacks %s", key)
	}
	return v
}

func (md *metadata) float(key string) float64 {
	s := md.text(key)
	if md.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		md.err = fmt.Errorf("artifact metadata %s: %w", key, err)
	}
	return v
}

func (md *metadata) integer(key string) int {
	s := md.text(key)
	if md.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		md.err = fmt.Errorf("artifact metadata %s: %w", key, err)
	}
	return v
}
