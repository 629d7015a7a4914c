package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/abuseguard/pkg/features"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

// TierCounts counts assessments per tier.
type TierCounts map[risk.Tier]int

// Total returns the number of assessments counted.
func (c TierCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Inspect streams every observation of src through scorer and writes the
// results to dst in input order. A read error that ends the stream early is
// returned along with the counts written so far. dst is not closed.
func Inspect(ctx context.Context, scorer *risk.Scorer, src dataio.Reader, dst dataio.Writer) (TierCounts, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	observations, err := src.Stream(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	vectors := make(chan features.Vector)
	assessed := make(chan risk.Assessment)
	// AssessStream preserves order, so results pair with pending FIFO.
	pending := make(chan dataio.Observation, 16)

	g.Go(func() error {
		defer close(vectors)
		defer close(pending)
		for o := range observations {
			select {
			case pending <- o:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case vectors <- o.Vector:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(assessed)
		return scorer.AssessStream(gctx, vectors, assessed)
	})

	counts := TierCounts{}
	g.Go(func() error {
		for a := range assessed {
			o := <-pending
			if err := dst.Write(dataio.NewResult(o, a)); err != nil {
				return err
			}
			counts[a.Tier]++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return counts, err
	}
	if err := src.Err(); err != nil {
		return counts, fmt.Errorf("read input: %w", err)
	}
	return counts, nil
}
