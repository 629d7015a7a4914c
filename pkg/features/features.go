// Package features defines the traffic feature vector shared by the generator,
// the trainer, the risk scorer and the exported model's tensor contract.
package features

import (
	"errors"
	"fmt"
	"math"
)

// Dim is the width of a feature row.
const Dim = 2

// Column indices within a feature row.
const (
	RPS = iota
	Burstiness
)

// Names lists the feature columns in tensor order.
var Names = []string{"rps", "burstiness"}

// ErrInvalidVector is returned when a row cannot be turned into a Vector.
var ErrInvalidVector = errors.New("invalid feature vector")

// Vector is one observation of a client's traffic.
type Vector struct {
	// RPS is the request rate in requests per second.
	RPS float64 `json:"rps"`
	// Burstiness is the variance of request inter-arrival times in ms².
	Burstiness float64 `json:"burstiness"`
}

// Values returns the vector as a row in tensor order.
func (v Vector) Values() []float64 {
	return []float64{v.RPS, v.Burstiness}
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	return fmt.Sprintf("rps=%.1f burst=%.1f", v.RPS, v.Burstiness)
}

// FromValues builds a Vector from a row in tensor order.
func FromValues(row []float64) (Vector, error) {
	if len(row) != Dim {
		return Vector{}, fmt.Errorf("%w: want %d values, got %d", ErrInvalidVector, Dim, len(row))
	}
	for i, x := range row {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Vector{}, fmt.Errorf("%w: %s is not finite", ErrInvalidVector, Names[i])
		}
		if x < 0 {
			return Vector{}, fmt.Errorf("%w: %s is negative", ErrInvalidVector, Names[i])
		}
	}
	return Vector{RPS: row[RPS], Burstiness: row[Burstiness]}, nil
}

// Rows converts vectors into a row matrix.
func Rows(vs []Vector) [][]float64 {
	rows := make([][]float64, len(vs))
	for i, v := range vs {
		rows[i] = v.Values()
	}
	return rows
}
