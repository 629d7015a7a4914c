// Package risk turns raw anomaly scores into a bounded risk value and a
// gateway decision tier.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hed1ad/abuseguard/pkg/features"
)

// ErrDegenerateModel matches every *DegenerateModelError.
var ErrDegenerateModel = errors.New("degenerate model")

// DegenerateModelError reports that the training scores collapse to a single
// value so no risk range can be derived.
type DegenerateModelError struct {
	Score float64
}

func (e *DegenerateModelError) Error() string {
	return fmt.Sprintf("degenerate model: every training score equals %g, risk normalization is undefined", e.Score)
}

// Is matches ErrDegenerateModel.
func (e *DegenerateModelError) Is(target error) bool {
	return target == ErrDegenerateModel
}

// Model is the scoring surface the scorer needs. Both the trained forest and
// the exported graph evaluator satisfy it.
type Model interface {
	ScoreSample(sample []float64) (float64, error)
	ScoreSamples(data [][]float64) ([]float64, error)
}

// Statistics bounds the raw scores observed on the training set.
type Statistics struct {
	Min float64 `json:"min_score"`
	Max float64 `json:"max_score"`
}

// Validate fails for statistics that cannot normalize a score.
func (s Statistics) Validate() error {
	if math.IsNaN(s.Min) || math.IsNaN(s.Max) || math.IsInf(s.Min, 0) || math.IsInf(s.Max, 0) {
		return fmt.Errorf("score statistics are not finite: min=%g max=%g", s.Min, s.Max)
	}
	if s.Max == s.Min {
		return &DegenerateModelError{Score: s.Min}
	}
	if s.Max < s.Min {
		return fmt.Errorf("score statistics inverted: min=%g max=%g", s.Min, s.Max)
	}
	return nil
}

// Calibrate scores the training rows once and records their range.
func Calibrate(m Model, rows [][]float64) (Statistics, error) {
	if len(rows) == 0 {
		return Statistics{}, errors.New("calibrate: no training rows")
	}
	scores, err := m.ScoreSamples(rows)
	if err != nil {
		return Statistics{}, fmt.Errorf("calibrate: %w", err)
	}
	s := Statistics{Min: scores[0], Max: scores[0]}
	for _, x := range scores[1:] {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	if err := s.Validate(); err != nil {
		return Statistics{}, err
	}
	return s, nil
}

// Normalize maps a raw score into [0, 1] with higher meaning riskier. Scores
// outside the training range are clipped.
func (s Statistics) Normalize(raw float64) float64 {
	r := 1 - (raw-s.Min)/(s.Max-s.Min)
	return math.Max(0, math.Min(1, r))
}

// Tier is the gateway decision for a request source.
type Tier int

const (
	Allow Tier = iota
	Warn
	Block
)

var tierNames = [...]string{"ALLOW", "WARN", "BLOCK"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier reconstructs a tier from its name.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if s == name {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("invalid tier %q", s)
}

// Thresholds are the risk cut-offs: risk above Block blocks, risk above Warn
// warns, anything else is allowed.
type Thresholds struct {
	Warn  float64 `json:"warn" yaml:"warn"`
	Block float64 `json:"block" yaml:"block"`
}

// DefaultThresholds returns the gateway's cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 0.5, Block: 0.8}
}

// Validate requires 0 <= Warn < Block <= 1.
func (t Thresholds) Validate() error {
	if !(t.Warn >= 0 && t.Warn < t.Block && t.Block <= 1) {
		return fmt.Errorf("risk thresholds must satisfy 0 <= warn < block <= 1, got warn=%g block=%g", t.Warn, t.Block)
	}
	return nil
}

// Tier buckets a risk value.
func (t Thresholds) Tier(risk float64) Tier {
	switch {
	case risk > t.Block:
		return Block
	case risk > t.Warn:
		return Warn
	default:
		return Allow
	}
}

// Assessment is the scorer's verdict for one feature vector.
type Assessment struct {
	Features features.Vector `json:"features"`
	RawScore float64         `json:"raw_score"`
	Risk     float64         `json:"risk"`
	Tier     Tier            `json:"tier"`
}

// Scorer assesses feature vectors against a model and its statistics.
type Scorer struct {
	model      Model
	stats      Statistics
	thresholds Thresholds
}

// NewScorer validates stats and thresholds and binds them to m.
func NewScorer(m Model, stats Statistics, thresholds Thresholds) (*Scorer, error) {
	if m == nil {
		return nil, errors.New("risk scorer requires a model")
	}
	if err := stats.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{model: m, stats: stats, thresholds: thresholds}, nil
}

// Statistics returns the normalization range.
func (s *Scorer) Statistics() Statistics {
	return s.stats
}

// Thresholds returns the tier cut-offs.
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Assess scores v and derives its risk and tier.
func (s *Scorer) Assess(v features.Vector) (Assessment, error) {
	raw, err := s.model.ScoreSample(v.Values())
	if err != nil {
		return Assessment{}, fmt.Errorf("score %s: %w", v, err)
	}
	return s.assessRaw(v, raw)
}

func (s *Scorer) assessRaw(v features.Vector, raw float64) (Assessment, error) {
	if math.IsNaN(raw) {
		return Assessment{}, fmt.Errorf("score %s: model returned NaN", v)
	}
	if err := s.stats.Validate(); err != nil {
		return Assessment{}, err
	}
	r := s.stats.Normalize(raw)
	return Assessment{
		Features: v,
		RawScore: raw,
		Risk:     r,
		Tier:     s.thresholds.Tier(r),
	}, nil
}

// AssessAll assesses a batch in order.
func (s *Scorer) AssessAll(vs []features.Vector) ([]Assessment, error) {
	raws, err := s.model.ScoreSamples(features.Rows(vs))
	if err != nil {
		return nil, fmt.Errorf("score batch: %w", err)
	}
	out := make([]Assessment, len(vs))
	for i, v := range vs {
		a, err := s.assessRaw(v, raws[i])
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// AssessStream assesses vectors from input until it is closed or ctx ends.
// Assessment errors abort the stream.
func (s *Scorer) AssessStream(ctx context.Context, input <-chan features.Vector, output chan<- Assessment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-input:
			if !ok {
				return nil
			}

			a, err := s.Assess(v)
			if err != nil {
				return err
			}

			select {
			case output <- a:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Rank returns the fraction of population strictly below risk, in [0, 1].
func Rank(risk float64, population []float64) float64 {
	if len(population) == 0 {
		return 0
	}
	sorted := append([]float64(nil), population...)
	sort.Float64s(sorted)
	below := sort.SearchFloat64s(sorted, risk)
	return float64(below) / float64(len(sorted))
}

// Risks extracts the risk values of assessments.
func Risks(as []Assessment) []float64 {
	out := make([]float64, len(as))
	for i, a := range as {
		out[i] = a.Risk
	}
	return out
}
