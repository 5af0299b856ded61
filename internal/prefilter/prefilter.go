// Package prefilter screens candidate records against ordered hard rules and
// ranks the survivors with a fixed heuristic score.
package prefilter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrNeedsHuman is reported by Result.Err when no candidate survived.
var ErrNeedsHuman = errors.New("prefilter: needs human")

// Criteria are the thresholds a candidate must satisfy. MaxCandidates <= 0
// keeps every survivor.
type Criteria struct {
	BudgetMin      float64  `json:"budget_min"`
	BudgetMax      float64  `json:"budget_max"`
	BudgetCurrency string   `json:"budget_currency"`
	MinRating      float64  `json:"min_rating"`
	MinReviews     int64    `json:"min_reviews"`
	ExcludeBrands  []string `json:"exclude_brands,omitempty"`
	MaxCandidates  int      `json:"max_candidates"`
	Rules          []Rule   `json:"-"`
}

// Result partitions the input. Every input candidate appears exactly once
// across Accepted, Rejected and Dropped.
type Result struct {
	Accepted []Ranked    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
	// Dropped lists survivors cut by MaxCandidates. They are not rejections.
	Dropped []string `json:"dropped"`
}

// NeedsHuman reports whether nothing was accepted.
func (r Result) NeedsHuman() bool { return len(r.Accepted) == 0 }

// Err returns an error wrapping ErrNeedsHuman when nothing was accepted.
func (r Result) Err() error {
	if !r.NeedsHuman() {
		return nil
	}
	return fmt.Errorf("%w: 0 accepted, %d rejected", ErrNeedsHuman, len(r.Rejected))
}

// ReasonCounts tallies rejections by reason.
func (r Result) ReasonCounts() map[string]int {
	counts := make(map[string]int, len(r.Rejected))
	for _, rej := range r.Rejected {
		counts[rej.Reason]++
	}
	return counts
}

// Score is rating*20 + log10(max(reviews,1))*10 + confidence*10.
func Score(c Candidate) float64 {
	reviews := c.reviews()
	if reviews < 1 {
		reviews = 1
	}
	return c.rating()*20 + math.Log10(float64(reviews))*10 + c.confidence()*10
}

// Run screens candidates in input order. The first failing rule decides a
// candidate's single rejection reason. Survivors are sorted by descending
// score with ties kept in input order, then truncated to MaxCandidates.
func Run(candidates []Candidate, c Criteria) Result {
	excluded := make(map[string]struct{}, len(c.ExcludeBrands))
	for _, brand := range c.ExcludeBrands {
		if b := strings.ToLower(strings.TrimSpace(brand)); b != "" {
			excluded[b] = struct{}{}
		}
	}
	criteriaVars := c.activation()

	res := Result{
		Accepted: []Ranked{},
		Rejected: []Rejection{},
		Dropped:  []string{},
	}
	for _, cand := range candidates {
		reason := c.check(cand, excluded)
		if reason == "" {
			reason = evalRules(c.Rules, cand, criteriaVars)
		}
		if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{ASIN: cand.ASIN, Reason: reason})
			continue
		}
		res.Accepted = append(res.Accepted, Ranked{Candidate: cand, Score: Score(cand)})
	}

	sort.SliceStable(res.Accepted, func(i, j int) bool {
		return res.Accepted[i].Score > res.Accepted[j].Score
	})
	if c.MaxCandidates > 0 && len(res.Accepted) > c.MaxCandidates {
		for _, r := range res.Accepted[c.MaxCandidates:] {
			res.Dropped = append(res.Dropped, r.Candidate.ASIN)
		}
		res.Accepted = res.Accepted[:c.MaxCandidates]
	}
	return res
}

func (c Criteria) check(cand Candidate, excluded map[string]struct{}) string {
	if cand.Status == StatusNeedsHuman {
		return ReasonNeedsHumanUpstream
	}
	price := cand.Facts.Price
	if strings.TrimSpace(cand.Facts.Title) == "" || price.Amount == nil || strings.TrimSpace(price.Currency) == "" {
		return ReasonMissingCriticalFields
	}
	// Other currencies skip the budget check; there is no conversion.
	if strings.EqualFold(strings.TrimSpace(price.Currency), strings.TrimSpace(c.BudgetCurrency)) {
		if *price.Amount < c.BudgetMin || *price.Amount > c.BudgetMax {
			return ReasonPriceOutOfBudget
		}
	}
	if cand.rating() < c.MinRating {
		return ReasonRatingTooLow
	}
	if cand.reviews() < c.MinReviews {
		return ReasonTooFewReviews
	}
	if _, ok := excluded[strings.ToLower(strings.TrimSpace(cand.Facts.Brand))]; ok {
		return ReasonBrandExcluded
	}
	if cand.confidence() < MinConfidence {
		return ReasonLowConfidence
	}
	return ""
}

func (c Criteria) activation() map[string]any {
	brands := make([]any, 0, len(c.ExcludeBrands))
	for _, b := range c.ExcludeBrands {
		brands = append(brands, b)
	}
	return map[string]any{
		"budget_min":      c.BudgetMin,
		"budget_max":      c.BudgetMax,
		"budget_currency": c.BudgetCurrency,
		"min_rating":      c.MinRating,
		"min_reviews":     c.MinReviews,
		"exclude_brands":  brands,
		"max_candidates":  int64(c.MaxCandidates),
	}
}
