// Package traffic generates synthetic API traffic feature matrices that mix
// normal clients with three abuse archetypes.
package traffic

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hed1ad/abuseguard/pkg/features"
)

// DefaultSamples is the training set size used when none is configured.
const DefaultSamples = 5000

// ErrSampleCount is returned for a non-positive sample count.
var ErrSampleCount = errors.New("sample count must be positive")

// Bucket identifies the archetype a generated row was drawn from.
type Bucket int

const (
	Normal Bucket = iota
	Bot
	Burst
	DDoS
)

var bucketNames = [...]string{"normal", "bot", "burst", "ddos"}

// Buckets lists all archetypes in generation order.
var Buckets = []Bucket{Normal, Bot, Burst, DDoS}

func (b Bucket) String() string {
	if b < 0 || int(b) >= len(bucketNames) {
		return fmt.Sprintf("bucket(%d)", int(b))
	}
	return bucketNames[b]
}

// Gamma is a shifted gamma distribution: Gamma(Shape, Scale) + Offset.
type Gamma struct {
	Shape  float64
	Scale  float64
	Offset float64
}

// Profile is the per-feature distribution of one archetype.
type Profile struct {
	RPS        Gamma
	Burstiness Gamma
}

// Profiles holds the distribution parameters for each archetype. Normal
// clients are slow with moderate jitter, bots are fast and regular, burst
// attackers are spiky, and DDoS sources are both fast and spiky.
var Profiles = map[Bucket]Profile{
	Normal: {RPS: Gamma{Shape: 2, Scale: 2}, Burstiness: Gamma{Shape: 3, Scale: 200}},
	Bot:    {RPS: Gamma{Shape: 10, Scale: 8, Offset: 50}, Burstiness: Gamma{Shape: 1.5, Scale: 50}},
	Burst:  {RPS: Gamma{Shape: 5, Scale: 5, Offset: 20}, Burstiness: Gamma{Shape: 2, Scale: 1500, Offset: 2000}},
	DDoS:   {RPS: Gamma{Shape: 15, Scale: 10, Offset: 80}, Burstiness: Gamma{Shape: 3, Scale: 1000, Offset: 1000}},
}

// Counts is the number of rows drawn from each archetype.
type Counts struct {
	Normal int `json:"normal"`
	Bot    int `json:"bot"`
	Burst  int `json:"burst"`
	DDoS   int `json:"ddos"`
}

// Total returns the sum over all buckets.
func (c Counts) Total() int {
	return c.Normal + c.Bot + c.Burst + c.DDoS
}

// Abuse returns the rows drawn from abuse archetypes.
func (c Counts) Abuse() int {
	return c.Bot + c.Burst + c.DDoS
}

// Of returns the count for a bucket.
func (c Counts) Of(b Bucket) int {
	switch b {
	case Normal:
		return c.Normal
	case Bot:
		return c.Bot
	case Burst:
		return c.Burst
	case DDoS:
		return c.DDoS
	}
	return 0
}

// Split allocates n rows: 80% normal, the rest shared by the three abuse
// buckets with the remainder going to DDoS.
func Split(n int) Counts {
	normal := n * 4 / 5
	abuse := n - normal
	bot := abuse / 3
	burst := abuse / 3
	return Counts{
		Normal: normal,
		Bot:    bot,
		Burst:  burst,
		DDoS:   abuse - bot - burst,
	}
}

// Dataset is an immutable training matrix. Bucket membership is kept for
// reporting only and is not exposed per row.
type Dataset struct {
	rows   [][]float64
	counts Counts
}

// NewDataset wraps rows that did not come from the generator, such as
// imported CSV files or packet captures. Counts are reported as all normal.
func NewDataset(rows [][]float64) Dataset {
	return Dataset{rows: copyRows(rows), counts: Counts{Normal: len(rows)}}
}

// Len returns the number of rows.
func (d Dataset) Len() int {
	return len(d.rows)
}

// Counts returns the per-bucket row counts.
func (d Dataset) Counts() Counts {
	return d.counts
}

// Rows returns a copy of the feature matrix.
func (d Dataset) Rows() [][]float64 {
	return copyRows(d.rows)
}

// Range is the observed span of one feature.
type Range struct {
	Min float64
	Max float64
}

// Ranges returns the per-column min and max. An empty dataset yields nil.
func (d Dataset) Ranges() []Range {
	if len(d.rows) == 0 {
		return nil
	}
	width := len(d.rows[0])
	out := make([]Range, width)
	col := make([]float64, len(d.rows))
	for j := 0; j < width; j++ {
		for i, row := range d.rows {
			col[i] = row[j]
		}
		out[j] = Range{Min: floats.Min(col), Max: floats.Max(col)}
	}
	return out
}

// Generate draws n rows using src. Rows are laid out bucket by bucket in the
// order normal, bot, burst, ddos, and the same seed yields the same matrix.
func Generate(n int, src rand.Source) (Dataset, error) {
	if n < 1 {
		return Dataset{}, fmt.Errorf("%w: got %d", ErrSampleCount, n)
	}
	if src == nil {
		return Dataset{}, errors.New("random source is required")
	}

	counts := Split(n)
	rows := make([][]float64, 0, n)
	for _, b := range Buckets {
		p := Profiles[b]
		k := counts.Of(b)
		rps := draw(p.RPS, k, src)
		burst := draw(p.Burstiness, k, src)
		for i := 0; i < k; i++ {
			rows = append(rows, []float64{rps[i], burst[i]})
		}
	}

	return Dataset{rows: rows, counts: counts}, nil
}

// NewSource returns the default seeded source used by the CLI.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

func draw(g Gamma, n int, src rand.Source) []float64 {
	dist := distuv.Gamma{Alpha: g.Shape, Beta: 1 / g.Scale, Src: src}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand() + g.Offset
	}
	return out
}

func copyRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Vectors converts the dataset into feature vectors. It fails if any row does
// not match the feature contract.
func (d Dataset) Vectors() ([]features.Vector, error) {
	out := make([]features.Vector, len(d.rows))
	for i, row := range d.rows {
		v, err := features.FromValues(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
