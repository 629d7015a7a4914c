package csv

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hed1ad/abuseguard/pkg/features"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
)

var _ dataio.Writer = (*Writer)(nil)

// ResultHeader is the column layout written for assessments.
var ResultHeader = []string{"source", "start", "rps", "burstiness", "raw_score", "risk", "tier"}

// Writer writes assessments as CSV rows.
type Writer struct {
	closer  io.Closer
	writer  *csv.Writer
	started bool
}

// NewWriter writes to dst. Close flushes but does not close dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{writer: csv.NewWriter(dst)}
}

// Create truncates or creates filename and writes to it.
func Create(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := NewWriter(file)
	w.closer = file
	return w, nil
}

// Write outputs a single result, preceded by the header on first use.
func (w *Writer) Write(result dataio.Result) error {
	if !w.started {
		if err := w.writer.Write(ResultHeader); err != nil {
			return err
		}
		w.started = true
	}

	start := ""
	if !result.Start.IsZero() {
		start = result.Start.UTC().Format(time.RFC3339)
	}
	return w.writer.Write([]string{
		result.Source,
		start,
		formatFloat(result.Features.RPS),
		formatFloat(result.Features.Burstiness),
		formatFloat(result.RawScore),
		formatFloat(result.Risk),
		result.Tier.String(),
	})
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []dataio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered rows and closes the file opened by Create.
func (w *Writer) Close() error {
	w.writer.Flush()
	err := w.writer.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// WriteVectors writes vs under a feature header, the format Reader reads.
func WriteVectors(dst io.Writer, vs []features.Vector) error {
	cw := csv.NewWriter(dst)
	if err := cw.Write(features.Names); err != nil {
		return err
	}
	for _, v := range vs {
		if err := cw.Write([]string{formatFloat(v.RPS), formatFloat(v.Burstiness)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
