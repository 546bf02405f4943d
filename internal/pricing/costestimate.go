// Package pricing estimates the dollar value of a cache hit, so the manager
// can populate EntryMetadata.EstimatedCostUSD with what the caller would
// have paid had the response not been served from cache.
package pricing

import "strings"

// ModelRate is the per-1000-token cost of one model, used for wildcard
// prefix matching against model name families (e.g. "gpt-4*").
type ModelRate struct {
	Model           string
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// DefaultRates covers a representative slice of commonly proxied models.
// Rates are illustrative (USD per 1000 tokens) and meant as a reasonable
// default, not a live pricing feed.
var DefaultRates = []ModelRate{
	{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	{Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "gpt-3.5-turbo", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},

	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	{Model: "claude-3-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},

	{Model: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
}

// Estimator calculates the estimated cost avoided by serving a cache hit
// instead of re-invoking the model.
type Estimator struct {
	rates map[string]ModelRate
}

// NewEstimator builds an Estimator from rates, falling back to DefaultRates
// when rates is nil.
func NewEstimator(rates []ModelRate) *Estimator {
	if rates == nil {
		rates = DefaultRates
	}
	e := &Estimator{rates: make(map[string]ModelRate, len(rates))}
	for _, r := range rates {
		e.rates[r.Model] = r
	}
	return e
}

// Estimate returns the USD cost of promptTokens + completionTokens against
// model's rate, or 0 if model has no known rate.
func (e *Estimator) Estimate(model string, promptTokens, completionTokens int) float64 {
	rate, ok := e.findRate(model)
	if !ok {
		return 0
	}
	input := float64(promptTokens) / 1000.0 * rate.InputCostPer1K
	output := float64(completionTokens) / 1000.0 * rate.OutputCostPer1K
	return input + output
}

func (e *Estimator) findRate(model string) (ModelRate, bool) {
	for pattern, r := range e.rates {
		if strings.EqualFold(pattern, model) {
			return r, true
		}
	}

	modelLower := strings.ToLower(model)
	var best *ModelRate
	var bestLen int
	for pattern, r := range e.rates {
		prefix, isWildcard := strings.CutSuffix(pattern, "*")
		if !isWildcard {
			continue
		}
		prefix = strings.ToLower(prefix)
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			rCopy := r
			best = &rCopy
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}
	return ModelRate{}, false
}
