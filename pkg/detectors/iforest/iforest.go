// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/abuseguard/pkg/detectors"
)

// Labels returned by Predict.
const (
	Inlier  = 1
	Outlier = -1
)

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649015329

// ErrDimension is returned when a sample does not match the training width.
var ErrDimension = errors.New("sample dimension mismatch")

var _ detectors.Detector = (*Forest)(nil)

// Forest is a trained isolation forest. It is immutable and safe for
// concurrent use.
type Forest struct {
	cfg        detectors.Config
	trees      []Tree
	nFeatures  int
	sampleSize int
	norm       float64
	offset     float64
}

// Fit trains an isolation forest on data. Identical data and configuration
// produce an identical forest regardless of cfg.Workers.
func Fit(ctx context.Context, data [][]float64, cfg detectors.Config) (*Forest, error) {
	if err := validateData(data); err != nil {
		return nil, err
	}

	nFeatures := len(data[0])
	if err := cfg.Validate(nFeatures); err != nil {
		return nil, err
	}

	sampleSize := cfg.MaxSamples.Resolve(len(data))
	f := &Forest{
		cfg:        cfg,
		trees:      make([]Tree, cfg.Estimators),
		nFeatures:  nFeatures,
		sampleSize: sampleSize,
		norm:       AveragePathLength(sampleSize),
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range f.trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b := &builder{
				data:     data,
				rng:      rand.New(rand.NewPCG(cfg.RandomSeed, uint64(i))),
				maxDepth: int(math.Ceil(math.Log2(float64(sampleSize)))),
			}
			f.trees[i] = b.build(sampleSize, cfg.FeatureCount(nFeatures), cfg.Bootstrap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build trees: %w", err)
	}

	// Offset places the contamination share of training rows below zero.
	scores := f.scoreAll(data)
	sort.Float64s(scores)
	f.offset = stat.Quantile(cfg.Contamination, stat.LinInterp, scores, nil)

	return f, nil
}

func validateData(data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty training data", detectors.ErrInvalidData)
	}
	width := len(data[0])
	if width == 0 {
		return fmt.Errorf("%w: rows have no features", detectors.ErrInvalidData)
	}
	for i, row := range data {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", detectors.ErrInvalidData, i, len(row), width)
		}
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("%w: row %d feature %d is not finite", detectors.ErrInvalidData, i, j)
			}
		}
	}
	return nil
}

// ScoreSample returns the raw anomaly score of one sample: the negated
// 2^(-E[h(x)]/c(ψ)). Values lie in [-1, 0); lower is more anomalous.
func (f *Forest) ScoreSample(sample []float64) (float64, error) {
	if err := f.check(sample); err != nil {
		return 0, err
	}
	return f.score(sample), nil
}

// ScoreSamples returns raw anomaly scores for each row.
func (f *Forest) ScoreSamples(data [][]float64) ([]float64, error) {
	for i, row := range data {
		if err := f.check(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return f.scoreAll(data), nil
}

// DecisionFunction returns score minus offset. Negative values are outliers.
func (f *Forest) DecisionFunction(data [][]float64) ([]float64, error) {
	scores, err := f.ScoreSamples(data)
	if err != nil {
		return nil, err
	}
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores, nil
}

// Predict labels each row Outlier or Inlier.
func (f *Forest) Predict(data [][]float64) ([]int, error) {
	decision, err := f.DecisionFunction(data)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(decision))
	for i, d := range decision {
		if d < 0 {
			labels[i] = Outlier
		} else {
			labels[i] = Inlier
		}
	}
	return labels, nil
}

func (f *Forest) check(sample []float64) error {
	if len(sample) != f.nFeatures {
		return fmt.Errorf("%w: got %d features, want %d", ErrDimension, len(sample), f.nFeatures)
	}
	for _, x := range sample {
		if math.IsNaN(x) {
			return fmt.Errorf("%w: NaN feature", ErrDimension)
		}
	}
	return nil
}

func (f *Forest) scoreAll(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	return scores
}

func (f *Forest) score(sample []float64) float64 {
	return -math.Pow(2, -f.ratio(f.MeanPathLength(sample)))
}

func (f *Forest) ratio(meanPath float64) float64 {
	// A single-row subsample has c(ψ) = 0; every path is then zero and the
	// ratio is fixed at one.
	if f.norm == 0 {
		return 1
	}
	return meanPath / f.norm
}

// MeanPathLength averages the isolation depth of sample across all trees.
func (f *Forest) MeanPathLength(sample []float64) float64 {
	var total float64
	for i := range f.trees {
		total += f.trees[i].PathLength(sample)
	}
	return total / float64(len(f.trees))
}

// Offset is the decision threshold on raw scores.
func (f *Forest) Offset() float64 {
	return f.offset
}

// Config returns the configuration the forest was trained with.
func (f *Forest) Config() detectors.Config {
	return f.cfg
}

// NumFeatures is the training row width.
func (f *Forest) NumFeatures() int {
	return f.nFeatures
}

// SampleSize is the resolved per-tree subsample size ψ.
func (f *Forest) SampleSize() int {
	return f.sampleSize
}

// Normalizer is c(ψ), the expected path length for the subsample size.
func (f *Forest) Normalizer() float64 {
	return f.norm
}

// Trees returns a copy of the ensemble.
func (f *Forest) Trees() []Tree {
	out := make([]Tree, len(f.trees))
	for i, t := range f.trees {
		out[i] = Tree{Nodes: append([]Node(nil), t.Nodes...)}
	}
	return out
}

// Stats summarizes the ensemble's shape.
type Stats struct {
	Trees    int
	Nodes    int
	Leaves   int
	MaxDepth int
}

// Stats returns node counts and the deepest leaf across all trees.
func (f *Forest) Stats() Stats {
	s := Stats{Trees: len(f.trees)}
	for _, t := range f.trees {
		s.Nodes += len(t.Nodes)
		for _, n := range t.Nodes {
			if n.IsLeaf() {
				s.Leaves++
				if n.Depth > s.MaxDepth {
					s.MaxDepth = n.Depth
				}
			}
		}
	}
	return s
}

// AveragePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n nodes.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
