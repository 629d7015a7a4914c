// Package io provides the ingestion and reporting surfaces for traffic
// feature data.
package io

import (
	"context"
	"time"

	"github.com/hed1ad/abuseguard/pkg/features"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

// Observation is one feature vector together with where it came from.
type Observation struct {
	// Source identifies the client, e.g. its IP address. Empty for tabular
	// input.
	Source string `json:"source,omitempty"`
	// Start is the beginning of the observation window, zero when unknown.
	Start  time.Time       `json:"start,omitempty"`
	Vector features.Vector `json:"features"`
}

// Reader is the interface for reading observations from various sources.
type Reader interface {
	// Read returns every observation in the source.
	Read() ([]Observation, error)

	// Stream returns a channel of observations for incremental processing.
	Stream(ctx context.Context) (<-chan Observation, error)

	// Err reports why the stream ended: nil at end of input, the read
	// error, or the context error. Valid once the stream channel is closed.
	Err() error

	// Close releases resources.
	Close() error
}

// FeatureExtractor turns raw events into observations.
type FeatureExtractor interface {
	// Extract consumes one raw event and returns any observations it
	// completes.
	Extract(data any) ([]Observation, error)

	// Flush returns the observations still buffered.
	Flush() []Observation

	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// Writer is the interface for writing assessments.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result is an assessed observation.
type Result struct {
	Source   string    `json:"source,omitempty"`
	Start    time.Time `json:"start,omitempty"`
	RawScore float64   `json:"raw_score"`
	Risk     float64   `json:"risk"`
	Tier     risk.Tier `json:"tier"`

	Features features.Vector `json:"features"`
}

// NewResult pairs an observation with its assessment.
func NewResult(o Observation, a risk.Assessment) Result {
	return Result{
		Source:   o.Source,
		Start:    o.Start,
		RawScore: a.RawScore,
		Risk:     a.Risk,
		Tier:     a.Tier,
		Features: a.Features,
	}
}

// Vectors strips observations down to their feature vectors.
func Vectors(obs []Observation) []features.Vector {
	out := make([]features.Vector, len(obs))
	for i, o := range obs {
		out[i] = o.Vector
	}
	return out
}
