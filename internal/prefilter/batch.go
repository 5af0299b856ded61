package prefilter

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// RunBatches screens independent candidate lists concurrently with the same
// criteria. Results are returned in batch order. Cancelling ctx stops batches
// that have not started yet.
func RunBatches(ctx context.Context, batches [][]Candidate, c Criteria) ([]Result, error) {
	results := make([]Result, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, batch := range batches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = Run(batch, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
