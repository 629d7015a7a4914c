package features

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates request timestamps for one client over a fixed span and
// derives the same rate and burstiness figures the gateway computes online.
type Window struct {
	span  time.Duration
	times []time.Time
}

// NewWindow creates a window covering span.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Add records a request. Timestamps must be added in order.
func (w *Window) Add(ts time.Time) {
	w.times = append(w.times, ts)
}

// Len returns the number of requests recorded.
func (w *Window) Len() int {
	return len(w.times)
}

// Reset drops all recorded requests.
func (w *Window) Reset() {
	w.times = w.times[:0]
}

// RPS is the request count divided by the window span in seconds.
func (w *Window) RPS() float64 {
	secs := w.span.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(len(w.times)) / secs
}

// Burstiness is the population variance of inter-arrival times in
// milliseconds. Fewer than two requests yield zero.
func (w *Window) Burstiness() float64 {
	if len(w.times) < 2 {
		return 0
	}
	intervals := make([]float64, len(w.times)-1)
	for i := 1; i < len(w.times); i++ {
		intervals[i-1] = float64(w.times[i].Sub(w.times[i-1]).Milliseconds())
	}
	_, variance := stat.PopMeanVariance(intervals, nil)
	return variance
}

// Vector snapshots the window as a feature vector.
func (w *Window) Vector() Vector {
	return Vector{RPS: w.RPS(), Burstiness: w.Burstiness()}
}
