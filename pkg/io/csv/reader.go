// Package csv reads and writes traffic feature vectors as CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hed1ad/abuseguard/pkg/features"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
)

var _ dataio.Reader = (*Reader)(nil)

// ErrHeader is returned when the header row does not name the feature columns.
var ErrHeader = errors.New("csv header does not match feature columns")

// Reader reads feature vectors from CSV files.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	skipped   int
	err       error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// NewReader opens filename for reading.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, file, opts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return r, nil
}

// FromReader reads CSV from src. Close does not close src.
func FromReader(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, nil, opts)
}

func newReader(src io.Reader, closer io.Closer, opts []Option) (*Reader, error) {
	cr := csv.NewReader(src)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	r := &Reader{
		closer:    closer,
		reader:    cr,
		hasHeader: true,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if err := checkHeader(headers); err != nil {
			return nil, err
		}
		r.headers = headers
	}

	return r, nil
}

func checkHeader(headers []string) error {
	if len(headers) != len(features.Names) {
		return fmt.Errorf("%w: got %v, want %v", ErrHeader, headers, features.Names)
	}
	for i, h := range headers {
		if !strings.EqualFold(strings.TrimSpace(h), features.Names[i]) {
			return fmt.Errorf("%w: got %v, want %v", ErrHeader, headers, features.Names)
		}
	}
	return nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped is the number of malformed rows dropped so far. It is final once
// Read returns or the stream channel closes.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns every valid row.
func (r *Reader) Read() ([]dataio.Observation, error) {
	var data []dataio.Observation

	for {
		obs, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data = append(data, obs)
	}

	return data, nil
}

// Stream returns a channel of rows for incremental processing. The channel
// closes at end of input, on a read error or when ctx is done; Err tells
// which.
func (r *Reader) Stream(ctx context.Context) (<-chan dataio.Observation, error) {
	out := make(chan dataio.Observation, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			default:
				obs, err := r.next()
				if err == io.EOF {
					return
				}
				if err != nil {
					r.err = err
					return
				}

				select {
				case out <- obs:
				case <-ctx.Done():
					r.err = ctx.Err()
					return
				}
			}
		}
	}()

	return out, nil
}

// Err returns the error that ended the last stream.
func (r *Reader) Err() error {
	return r.err
}

// next returns the next valid row, skipping malformed ones.
func (r *Reader) next() (dataio.Observation, error) {
	for {
		record, err := r.reader.Read()
		if err != nil {
			return dataio.Observation{}, err
		}

		v, err := parseRow(record)
		if err != nil {
			r.skipped++
			continue
		}
		return dataio.Observation{Vector: v}, nil
	}
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parseRow converts a record to a feature vector.
func parseRow(record []string) (features.Vector, error) {
	if len(record) != features.Dim {
		return features.Vector{}, fmt.Errorf("row has %d fields, want %d", len(record), features.Dim)
	}

	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return features.Vector{}, err
		}
		row[i] = f
	}
	return features.FromValues(row)
}
