package onnx

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupported is returned for graphs using operators or attributes the
	// session cannot evaluate.
	ErrUnsupported = errors.New("onnx: unsupported graph")
	// ErrInput is returned for batches that do not match the graph input.
	ErrInput = errors.New("onnx: invalid input")
)

// value is a dense float tensor flowing between nodes.
type value struct {
	shape []int
	data  []float32
}

func (v value) size() int {
	n := 1
	for _, d := range v.shape {
		n *= d
	}
	return n
}

// Session evaluates a single-input single-output float graph built from
// TreeEnsembleRegressor and elementwise arithmetic.
type Session struct {
	model     *Model
	input     string
	output    string
	width     int
	inits     map[string]value
	ensembles map[int]*ensemble
}

// NewSession checks that every node of m is supported and compiles tree
// ensembles for evaluation.
func NewSession(m *Model) (*Session, error) {
	g := &m.Graph
	if len(g.Inputs) != 1 || len(g.Outputs) != 1 {
		return nil, fmt.Errorf("%w: want one input and one output, got %d and %d", ErrUnsupported, len(g.Inputs), len(g.Outputs))
	}
	in := g.Inputs[0]
	if in.ElemType != Float {
		return nil, fmt.Errorf("%w: input %q has element type %d, want float", ErrUnsupported, in.Name, in.ElemType)
	}
	if len(in.Shape) != 2 || in.Shape[1].Param != "" || in.Shape[1].Value < 1 {
		return nil, fmt.Errorf("%w: input %q must be [batch, features] with a fixed feature count", ErrUnsupported, in.Name)
	}

	s := &Session{
		model:     m,
		input:     in.Name,
		output:    g.Outputs[0].Name,
		width:     int(in.Shape[1].Value),
		inits:     make(map[string]value, len(g.Initializers)),
		ensembles: make(map[int]*ensemble),
	}

	for _, t := range g.Initializers {
		if t.DataType != Float {
			return nil, fmt.Errorf("%w: initializer %q has data type %d", ErrUnsupported, t.Name, t.DataType)
		}
		shape := make([]int, len(t.Dims))
		for i, d := range t.Dims {
			shape[i] = int(d)
		}
		v := value{shape: shape, data: t.FloatData}
		if v.size() != len(v.data) {
			return nil, fmt.Errorf("%w: initializer %q holds %d values for shape %v", ErrUnsupported, t.Name, len(v.data), t.Dims)
		}
		s.inits[t.Name] = v
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.OpType {
		case "TreeEnsembleRegressor":
			if n.Domain != DomainML {
				return nil, fmt.Errorf("%w: %s in domain %q", ErrUnsupported, n.OpType, n.Domain)
			}
			e, err := compileEnsemble(n)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", n.Name, err)
			}
			s.ensembles[i] = e
		case "Identity", "Neg":
			if len(n.Inputs) != 1 {
				return nil, fmt.Errorf("%w: %s takes one input", ErrUnsupported, n.OpType)
			}
		case "Add", "Sub", "Mul", "Div", "Pow":
			if len(n.Inputs) != 2 {
				return nil, fmt.Errorf("%w: %s takes two inputs", ErrUnsupported, n.OpType)
			}
		default:
			return nil, fmt.Errorf("%w: operator %q", ErrUnsupported, n.OpType)
		}
		if len(n.Outputs) != 1 {
			return nil, fmt.Errorf("%w: node %q has %d outputs", ErrUnsupported, n.Name, len(n.Outputs))
		}
	}
	return s, nil
}

// Model returns the graph the session evaluates.
func (s *Session) Model() *Model {
	return s.model
}

// NumFeatures returns the input width.
func (s *Session) NumFeatures() int {
	return s.width
}

// InputName returns the graph input name.
func (s *Session) InputName() string {
	return s.input
}

// OutputName returns the graph output name.
func (s *Session) OutputName() string {
	return s.output
}

// Run evaluates the graph on batch and returns one output value per row.
func (s *Session) Run(batch [][]float32) ([]float32, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInput)
	}
	in := value{shape: []int{len(batch), s.width}, data: make([]float32, 0, len(batch)*s.width)}
	for i, row := range batch {
		if len(row) != s.width {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrInput, i, len(row), s.width)
		}
		in.data = append(in.data, row...)
	}

	env := make(map[string]value, len(s.inits)+len(s.model.Graph.Nodes)+1)
	for k, v := range s.inits {
		env[k] = v
	}
	env[s.input] = in

	for i := range s.model.Graph.Nodes {
		n := &s.model.Graph.Nodes[i]
		args := make([]value, len(n.Inputs))
		for j, name := range n.Inputs {
			v, ok := env[name]
			if !ok {
				return nil, fmt.Errorf("%w: node %q reads undefined value %q", ErrUnsupported, n.Name, name)
			}
			args[j] = v
		}

		out, err := s.apply(i, n, args)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		env[n.Outputs[0]] = out
	}

	out, ok := env[s.output]
	if !ok {
		return nil, fmt.Errorf("%w: output %q is never produced", ErrUnsupported, s.output)
	}
	if len(out.data) != len(batch) {
		return nil, fmt.Errorf("%w: output %q has %d values for %d rows", ErrUnsupported, s.output, len(out.data), len(batch))
	}
	return out.data, nil
}

func (s *Session) apply(i int, n *Node, args []value) (value, error) {
	switch n.OpType {
	case "TreeEnsembleRegressor":
		return s.ensembles[i].eval(args[0])
	case "Identity":
		return args[0], nil
	case "Neg":
		out := value{shape: args[0].shape, data: make([]float32, len(args[0].data))}
		for j, x := range args[0].data {
			out.data[j] = -x
		}
		return out, nil
	case "Add":
		return broadcast(args[0], args[1], func(a, b float32) float32 { return a + b })
	case "Sub":
		return broadcast(args[0], args[1], func(a, b float32) float32 { return a - b })
	case "Mul":
		return broadcast(args[0], args[1], func(a, b float32) float32 { return a * b })
	case "Div":
		return broadcast(args[0], args[1], func(a, b float32) float32 { return a / b })
	case "Pow":
		return broadcast(args[0], args[1], func(a, b float32) float32 {
			return float32(math.Pow(float64(a), float64(b)))
		})
	}
	return value{}, fmt.Errorf("%w: operator %q", ErrUnsupported, n.OpType)
}

// broadcast applies op elementwise. Operands must share a shape or one of them
// must hold a single element.
func broadcast(a, b value, op func(a, b float32) float32) (value, error) {
	switch {
	case len(b.data) == 1:
		out := value{shape: a.shape, data: make([]float32, len(a.data))}
		for i, x := range a.data {
			out.data[i] = op(x, b.data[0])
		}
		return out, nil
	case len(a.data) == 1:
		out := value{shape: b.shape, data: make([]float32, len(b.data))}
		for i, x := range b.data {
			out.data[i] = op(a.data[0], x)
		}
		return out, nil
	case sameShape(a.shape, b.shape):
		out := value{shape: a.shape, data: make([]float32, len(a.data))}
		for i := range a.data {
			out.data[i] = op(a.data[i], b.data[i])
		}
		return out, nil
	}
	return value{}, fmt.Errorf("%w: cannot broadcast %v with %v", ErrUnsupported, a.shape, b.shape)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ScoreSample evaluates one sample. Inputs are narrowed to float32 as a
// runtime feeding the graph would.
func (s *Session) ScoreSample(sample []float64) (float64, error) {
	out, err := s.ScoreSamples([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// ScoreSamples evaluates a batch of samples.
func (s *Session) ScoreSamples(data [][]float64) ([]float64, error) {
	batch := make([][]float32, len(data))
	for i, row := range data {
		batch[i] = make([]float32, len(row))
		for j, x := range row {
			if math.IsNaN(x) {
				return nil, fmt.Errorf("%w: row %d feature %d is NaN", ErrInput, i, j)
			}
			batch[i][j] = float32(x)
		}
	}
	out, err := s.Run(batch)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(out))
	for i, x := range out {
		scores[i] = float64(x)
	}
	return scores, nil
}
