package pipeline

import (
	"github.com/hed1ad/abuseguard/pkg/features"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

// Probe is a labelled feature vector assessed after training.
type Probe struct {
	Name   string
	Vector features.Vector
}

// Probes covers one client of each kind the model should separate.
var Probes = []Probe{
	{Name: "normal user (low rps)", Vector: features.Vector{RPS: 3, Burstiness: 250}},
	{Name: "moderate user", Vector: features.Vector{RPS: 8, Burstiness: 500}},
	{Name: "suspicious (high rps)", Vector: features.Vector{RPS: 45, Burstiness: 800}},
	{Name: "bot-like (high rps, low burst)", Vector: features.Vector{RPS: 85, Burstiness: 150}},
	{Name: "burst attack", Vector: features.Vector{RPS: 30, Burstiness: 3500}},
	{Name: "ddos", Vector: features.Vector{RPS: 120, Burstiness: 2800}},
}

// ProbeResult is a probe's assessment.
type ProbeResult struct {
	Probe
	Assessment risk.Assessment
	// Rank is the share of the training population with lower risk. It is
	// zero when no population was given.
	Rank float64
}

// EvaluateProbes assesses probes with scorer and ranks each against
// population, a set of risk values.
func EvaluateProbes(scorer *risk.Scorer, probes []Probe, population []float64) ([]ProbeResult, error) {
	vs := make([]features.Vector, len(probes))
	for i, p := range probes {
		vs[i] = p.Vector
	}
	as, err := scorer.AssessAll(vs)
	if err != nil {
		return nil, err
	}

	out := make([]ProbeResult, len(probes))
	for i, p := range probes {
		out[i] = ProbeResult{
			Probe:      p,
			Assessment: as[i],
			Rank:       risk.Rank(as[i].Risk, population),
		}
	}
	return out, nil
}
