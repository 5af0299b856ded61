package prefilter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/contractcache/internal/metrics"
)

func TestRegistryRunAndReplace(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	reg := NewRegistry(nil, rec)

	_, err := reg.Run("default", nil)
	require.ErrorIs(t, err, ErrUnknownProfile)

	reg.Replace([]Profile{{Name: "default", Criteria: baseCriteria()}, {Name: "strict", Criteria: Criteria{MinRating: 5}}})
	require.Equal(t, []string{"default", "strict"}, reg.Names())

	low := validCandidate("LOW")
	low.Facts.Rating = f64(2)
	res, err := reg.Run("default", []Candidate{validCandidate("OK"), low})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	require.Equal(t, []Rejection{{ASIN: "LOW", Reason: ReasonRatingTooLow}}, res.Rejected)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "contractcache_prefilter_candidates_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := ""
			for _, l := range m.GetLabel() {
				key += l.GetName() + "=" + l.GetValue() + ","
			}
			counts[key] = m.GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{
		"outcome=accepted,profile=default,reason=none,":          1,
		"outcome=rejected,profile=default,reason=rating_too_low,": 1,
	}, counts)

	reg.Replace([]Profile{{Name: "strict", Criteria: Criteria{MinRating: 5}}})
	_, ok := reg.Get("default")
	require.False(t, ok)
	require.Equal(t, []string{"strict"}, reg.Names())
}

func TestRegistryConcurrentSwap(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Replace([]Profile{{Name: "p", Criteria: baseCriteria()}})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := reg.Run("p", []Candidate{validCandidate("A")})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			reg.Replace([]Profile{{Name: "p", Criteria: baseCriteria()}})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
