package prefilter

// StatusNeedsHuman marks a candidate an upstream step could not qualify.
const StatusNeedsHuman = "needs_human"

// Rejection reasons, listed in evaluation order.
const (
	ReasonNeedsHumanUpstream    = "needs_human_upstream"
	ReasonMissingCriticalFields = "missing_critical_fields"
	ReasonPriceOutOfBudget      = "price_out_of_budget"
	ReasonRatingTooLow          = "rating_too_low"
	ReasonTooFewReviews         = "too_few_reviews"
	ReasonBrandExcluded         = "brand_excluded"
	ReasonLowConfidence         = "low_confidence"
	// ReasonRuleError is used when an extension rule fails to evaluate.
	ReasonRuleError = "rule_error"
)

// MinConfidence is the fixed floor for signals.confidence.
const MinConfidence = 0.3

// Price is a listed price. Amount is nil when the source did not provide one.
type Price struct {
	Amount   *float64 `json:"amount,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// Facts are the scraped product attributes.
type Facts struct {
	Title   string   `json:"title,omitempty"`
	Price   Price    `json:"price"`
	Rating  *float64 `json:"rating,omitempty"`
	Reviews *int64   `json:"reviews,omitempty"`
	Brand   string   `json:"brand,omitempty"`
}

// Signals carry upstream extraction quality.
type Signals struct {
	Confidence *float64 `json:"confidence,omitempty"`
}

// Candidate is one product record to screen. Run never modifies it.
type Candidate struct {
	ASIN    string  `json:"asin"`
	Facts   Facts   `json:"facts"`
	Signals Signals `json:"signals"`
	Status  string  `json:"status,omitempty"`
}

// Rejection records why a candidate was screened out.
type Rejection struct {
	ASIN   string `json:"asin"`
	Reason string `json:"reason"`
}

// Ranked is an accepted candidate with its heuristic score.
type Ranked struct {
	Candidate Candidate `json:"candidate"`
	Score     float64   `json:"score"`
}

func (c Candidate) rating() float64 {
	if c.Facts.Rating == nil {
		return 0
	}
	return *c.Facts.Rating
}

func (c Candidate) reviews() int64 {
	if c.Facts.Reviews == nil {
		return 0
	}
	return *c.Facts.Reviews
}

func (c Candidate) confidence() float64 {
	if c.Signals.Confidence == nil {
		return 0
	}
	return *c.Signals.Confidence
}

// activation mirrors the candidate's JSON shape for CEL, omitting absent
// optional fields so rules can test them with has() or lookup().
func (c Candidate) activation() map[string]any {
	price := map[string]any{}
	if c.Facts.Price.Amount != nil {
		price["amount"] = *c.Facts.Price.Amount
	}
	if c.Facts.Price.Currency != "" {
		price["currency"] = c.Facts.Price.Currency
	}
	facts := map[string]any{"price": price}
	if c.Facts.Title != "" {
		facts["title"] = c.Facts.Title
	}
	if c.Facts.Rating != nil {
		facts["rating"] = *c.Facts.Rating
	}
	if c.Facts.Reviews != nil {
		facts["reviews"] = *c.Facts.Reviews
	}
	if c.Facts.Brand != "" {
		facts["brand"] = c.Facts.Brand
	}
	signals := map[string]any{}
	if c.Signals.Confidence != nil {
		signals["confidence"] = *c.Signals.Confidence
	}
	return map[string]any{
		"asin":    c.ASIN,
		"facts":   facts,
		"signals": signals,
		"status":  c.Status,
	}
}
