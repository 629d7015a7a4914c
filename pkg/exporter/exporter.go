// Package exporter serializes a trained isolation forest into a portable ONNX
// artifact and loads such artifacts back for verification.
package exporter

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hed1ad/abuseguard/pkg/detectors/iforest"
	"github.com/hed1ad/abuseguard/pkg/features"
	"github.com/hed1ad/abuseguard/pkg/onnx"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

// Producer identifies artifacts written by this package.
const Producer = "abuseguard"

// Metadata keys embedded in every artifact.
const (
	MetaScoreMin      = "abuseguard.score_min"
	MetaScoreMax      = "abuseguard.score_max"
	MetaOffset        = "abuseguard.offset"
	MetaContamination = "abuseguard.contamination"
	MetaEstimators    = "abuseguard.n_estimators"
	MetaMaxSamples    = "abuseguard.max_samples"
	MetaRiskWarn      = "abuseguard.risk_warn"
	MetaRiskBlock     = "abuseguard.risk_block"
	MetaFeatures      = "abuseguard.features"
)

// Graph value names.
const (
	pathLengthValue = "path_length"
	ratioValue      = "path_ratio"
	negRatioValue   = "neg_ratio"
	isolationValue  = "isolation"
	normalizerInit  = "normalizer"
	baseInit        = "two"
)

// ErrUnrepresentable is wrapped by export errors for forests that the artifact
// format cannot express.
var ErrUnrepresentable = errors.New("model not representable")

// ExportError reports a failed export step.
type ExportError struct {
	Op   string
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("export %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// Contract is the tensor interface consumers of the artifact rely on.
type Contract struct {
	Input      string
	Output     string
	BatchDim   string
	Features   []string
	Thresholds risk.Thresholds
}

// DefaultContract is the gateway's interface: float_input [batch, 2] in,
// score [batch, 1] out.
func DefaultContract() Contract {
	return Contract{
		Input:      "float_input",
		Output:     "score",
		BatchDim:   "batch",
		Features:   append([]string(nil), features.Names...),
		Thresholds: risk.DefaultThresholds(),
	}
}

// Width is the number of input features.
func (c Contract) Width() int {
	return len(c.Features)
}

// Validate checks that the contract names a usable interface.
func (c Contract) Validate() error {
	if c.Input == "" || c.Output == "" {
		return errors.New("contract needs input and output names")
	}
	if c.Input == c.Output {
		return fmt.Errorf("contract input and output share the name %q", c.Input)
	}
	if c.Width() == 0 {
		return errors.New("contract declares no features")
	}
	return c.Thresholds.Validate()
}

// Result describes a written artifact.
type Result struct {
	Path  string
	Bytes int64
	Trees int
	Nodes int
}

// Export builds the artifact for f and atomically writes it to path.
func Export(path string, f *iforest.Forest, stats risk.Statistics, contract Contract) (Result, error) {
	data, err := Encode(f, stats, contract)
	if err != nil {
		return Result{}, err
	}

	n, err := WriteFile(path, data)
	if err != nil {
		return Result{}, err
	}
	return NewResult(path, n, f), nil
}

// Encode builds the artifact for f and serializes it.
func Encode(f *iforest.Forest, stats risk.Statistics, contract Contract) ([]byte, error) {
	m, err := Build(f, stats, contract)
	if err != nil {
		return nil, err
	}
	data, err := onnx.Marshal(m)
	if err != nil {
		return nil, &ExportError{Op: "encode", Err: err}
	}
	return data, nil
}

// NewResult describes n bytes written to path for f.
func NewResult(path string, n int64, f *iforest.Forest) Result {
	s := f.Stats()
	return Result{Path: path, Bytes: n, Trees: s.Trees, Nodes: s.Nodes}
}

// Build translates f into an ONNX model without touching the filesystem.
func Build(f *iforest.Forest, stats risk.Statistics, contract Contract) (*onnx.Model, error) {
	fail := func(err error) (*onnx.Model, error) {
		return nil, &ExportError{Op: "build", Err: err}
	}

	if f == nil {
		return fail(fmt.Errorf("%w: nil forest", ErrUnrepresentable))
	}
	if err := contract.Validate(); err != nil {
		return fail(err)
	}
	if err := stats.Validate(); err != nil {
		return fail(err)
	}
	if f.NumFeatures() != contract.Width() {
		return fail(fmt.Errorf("%w: forest takes %d features, contract declares %d", ErrUnrepresentable, f.NumFeatures(), contract.Width()))
	}
	norm := f.Normalizer()
	if norm == 0 {
		return fail(fmt.Errorf("%w: subsample size %d has zero expected path length", ErrUnrepresentable, f.SampleSize()))
	}

	ensemble, err := ensembleNode(f.Trees(), contract.Width())
	if err != nil {
		return fail(err)
	}
	ensemble.Inputs = []string{contract.Input}

	cfg := f.Config()
	meta := []onnx.StringEntry{
		{Key: MetaScoreMin, Value: formatFloat(stats.Min)},
		{Key: MetaScoreMax, Value: formatFloat(stats.Max)},
		{Key: MetaOffset, Value: formatFloat(f.Offset())},
		{Key: MetaContamination, Value: formatFloat(cfg.Contamination)},
		{Key: MetaEstimators, Value: strconv.Itoa(cfg.Estimators)},
		{Key: MetaMaxSamples, Value: strconv.Itoa(f.SampleSize())},
		{Key: MetaRiskWarn, Value: formatFloat(contract.Thresholds.Warn)},
		{Key: MetaRiskBlock, Value: formatFloat(contract.Thresholds.Block)},
		{Key: MetaFeatures, Value: strings.Join(contract.Features, ",")},
	}

	return &onnx.Model{
		IRVersion: onnx.IRVersion,
		OpsetImports: []onnx.OperatorSet{
			{Domain: onnx.DomainDefault, Version: onnx.DefaultOpset},
			{Domain: onnx.DomainML, Version: onnx.MLOpset},
		},
		ProducerName:    Producer,
		ProducerVersion: "1",
		DocString:       "isolation forest API abuse detector; output is the anomaly score, lower is more anomalous",
		Graph: onnx.Graph{
			Name: "abuse_detector",
			Nodes: []onnx.Node{
				ensemble,
				{Name: "normalize", OpType: "Div", Inputs: []string{pathLengthValue, normalizerInit}, Outputs: []string{ratioValue}},
				{Name: "negate_ratio", OpType: "Neg", Inputs: []string{ratioValue}, Outputs: []string{negRatioValue}},
				{Name: "isolation", OpType: "Pow", Inputs: []string{baseInit, negRatioValue}, Outputs: []string{isolationValue}},
				{Name: "score", OpType: "Neg", Inputs: []string{isolationValue}, Outputs: []string{contract.Output}},
			},
			Initializers: []onnx.Tensor{
				onnx.ScalarFloat(normalizerInit, float32(norm)),
				onnx.ScalarFloat(baseInit, 2),
			},
			Inputs: []onnx.ValueInfo{{
				Name:     contract.Input,
				ElemType: onnx.Float,
				Shape:    []onnx.Dimension{{Param: contract.BatchDim}, {Value: int64(contract.Width())}},
			}},
			Outputs: []onnx.ValueInfo{{
				Name:     contract.Output,
				ElemType: onnx.Float,
				Shape:    []onnx.Dimension{{Param: contract.BatchDim}, {Value: 1}},
			}},
		},
		Metadata: meta,
	}, nil
}

// ensembleNode encodes the trees as one averaged TreeEnsembleRegressor whose
// leaves carry their path length.
func ensembleNode(trees []iforest.Tree, width int) (onnx.Node, error) {
	if len(trees) == 0 {
		return onnx.Node{}, fmt.Errorf("%w: forest has no trees", ErrUnrepresentable)
	}

	var (
		treeIDs, nodeIDs, featureIDs, trueIDs, falseIDs []int64
		values                                          []float32
		modes                                           []string
		targetTrees, targetNodes, targetIDs             []int64
		weights                                         []float32
	)

	for t, tree := range trees {
		for id, n := range tree.Nodes {
			treeIDs = append(treeIDs, int64(t))
			nodeIDs = append(nodeIDs, int64(id))

			if n.IsLeaf() {
				featureIDs = append(featureIDs, 0)
				values = append(values, 0)
				modes = append(modes, "LEAF")
				trueIDs = append(trueIDs, 0)
				falseIDs = append(falseIDs, 0)

				targetTrees = append(targetTrees, int64(t))
				targetNodes = append(targetNodes, int64(id))
				targetIDs = append(targetIDs, 0)
				weights = append(weights, float32(n.PathLength()))
				continue
			}

			if n.Feature >= width {
				return onnx.Node{}, fmt.Errorf("%w: tree %d node %d splits on feature %d of %d", ErrUnrepresentable, t, id, n.Feature, width)
			}
			if math.IsNaN(n.Threshold) || math.Abs(n.Threshold) > math.MaxFloat32 {
				return onnx.Node{}, fmt.Errorf("%w: tree %d node %d threshold %g does not fit float32", ErrUnrepresentable, t, id, n.Threshold)
			}
			featureIDs = append(featureIDs, int64(n.Feature))
			values = append(values, float32(n.Threshold))
			modes = append(modes, "BRANCH_LT")
			trueIDs = append(trueIDs, int64(n.Left))
			falseIDs = append(falseIDs, int64(n.Right))
		}
	}

	return onnx.Node{
		Name:    "isolation_trees",
		OpType:  "TreeEnsembleRegressor",
		Domain:  onnx.DomainML,
		Outputs: []string{pathLengthValue},
		Attributes: []onnx.Attribute{
			onnx.IntsAttr("nodes_treeids", treeIDs),
			onnx.IntsAttr("nodes_nodeids", nodeIDs),
			onnx.IntsAttr("nodes_featureids", featureIDs),
			onnx.FloatsAttr("nodes_values", values),
			onnx.StringsAttr("nodes_modes", modes),
			onnx.IntsAttr("nodes_truenodeids", trueIDs),
			onnx.IntsAttr("nodes_falsenodeids", falseIDs),
			onnx.IntsAttr("target_treeids", targetTrees),
			onnx.IntsAttr("target_nodeids", targetNodes),
			onnx.IntsAttr("target_ids", targetIDs),
			onnx.FloatsAttr("target_weights", weights),
			onnx.IntAttr("n_targets", 1),
			onnx.StringAttr("aggregate_function", "AVERAGE"),
			onnx.StringAttr("post_transform", "NONE"),
		},
	}, nil
}

// WriteFile writes data next to path under a temporary name, syncs it and
// renames it into place. Readers never observe a partial file.
func WriteFile(path string, data []byte) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &ExportError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, &ExportError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpName)
		return 0, &ExportError{Op: op, Path: path, Err: err}
	}

	n, err := tmp.Write(data)
	if err != nil {
		return fail("write", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, &ExportError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, &ExportError{Op: "rename", Path: path, Err: err}
	}
	return int64(n), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
