package prefilter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunBatchesMatchesSequentialRuns(t *testing.T) {
	var batches [][]Candidate
	for b := 0; b < 12; b++ {
		var batch []Candidate
		for i := 0; i < 7; i++ {
			c := validCandidate(fmt.Sprintf("B%02d-%d", b, i))
			if (b+i)%3 == 0 {
				c.Facts.Rating = f64(3)
			}
			c.Facts.Reviews = i64(int64(200 + 10*i + b))
			batch = append(batch, c)
		}
		batches = append(batches, batch)
	}
	criteria := baseCriteria()
	criteria.MaxCandidates = 2

	results, err := RunBatches(context.Background(), batches, criteria)
	require.NoError(t, err)
	require.Len(t, results, len(batches))
	for i, batch := range batches {
		require.Equal(t, Run(batch, criteria), results[i], "batch %d", i)
	}
}

func TestRunBatchesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunBatches(ctx, [][]Candidate{{validCandidate("A")}}, baseCriteria())
	require.ErrorIs(t, err, context.Canceled)

	results, err := RunBatches(context.Background(), nil, baseCriteria())
	require.NoError(t, err)
	require.Empty(t, results)
}
