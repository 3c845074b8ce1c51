// Package usage converts raw token counts into cost and throughput metrics.
//
// Everything here is display data. Nothing in the job lifecycle reads a
// Metrics value to decide whether a job may run.
package usage

import (
	"math"
	"time"
)

// Disclaimer is attached to every Metrics value and cannot be overridden.
const Disclaimer = "Cost reflects token consumption only. It is not a measure of extraction quality, accuracy or completeness."

// BillingCurrency is the currency every PriceTable is expressed in.
const BillingCurrency = "USD"

// CostTier buckets a total cost into a named severity.
type CostTier string

const (
	TierNegligible CostTier = "negligible"
	TierLow        CostTier = "low"
	TierModerate   CostTier = "moderate"
	TierHigh       CostTier = "high"
)

// tierThresholds are upper bounds (exclusive) in billing currency, ordered.
var tierThresholds = []struct {
	limit float64
	tier  CostTier
}{
	{0.01, TierNegligible},
	{0.10, TierLow},
	{1.00, TierModerate},
}

// TierFor returns the tier for a total cost in billing currency.
func TierFor(cost float64) CostTier {
	for _, t := range tierThresholds {
		if cost < t.limit {
			return t.tier
		}
	}
	return TierHigh
}

// Input is the raw usage of one model call.
type Input struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// Metrics is the cost and efficiency report attached to a job attempt.
type Metrics struct {
	Model           string   `json:"model"`
	PricingTier     string   `json:"pricing_tier"`
	InputTokens     int      `json:"input_tokens"`
	OutputTokens    int      `json:"output_tokens"`
	TotalTokens     int      `json:"total_tokens"`
	InputCost       float64  `json:"input_cost"`
	OutputCost      float64  `json:"output_cost"`
	TotalCost       float64  `json:"total_cost"`
	Currency        string   `json:"currency"`
	DisplayCurrency string   `json:"display_currency"`
	DisplayCost     float64  `json:"display_cost"`
	ConversionRate  float64  `json:"conversion_rate"`
	CostTier        CostTier `json:"cost_tier"`
	ElapsedMS       int64    `json:"elapsed_ms"`
	TokensPerSecond *float64 `json:"tokens_per_second"`
	Disclaimer      string   `json:"disclaimer"`
}

// Calculate prices in against the default table.
func Calculate(in Input) Metrics {
	return DefaultPriceTable().Calculate(in)
}

// Calculate is a pure function of in and the table.
func (t *PriceTable) Calculate(in Input) Metrics {
	price, tier := t.Lookup(in.Model)

	inputCost := float64(in.InputTokens) * price.InputPerMillion / 1_000_000
	outputCost := float64(in.OutputTokens) * price.OutputPerMillion / 1_000_000
	total := inputCost + outputCost

	rate := t.ConversionRate
	if rate <= 0 {
		rate = 1
	}
	display := t.DisplayCurrency
	if display == "" {
		display = BillingCurrency
	}

	m := Metrics{
		Model:           in.Model,
		PricingTier:     tier,
		InputTokens:     in.InputTokens,
		OutputTokens:    in.OutputTokens,
		TotalTokens:     in.InputTokens + in.OutputTokens,
		InputCost:       round(inputCost),
		OutputCost:      round(outputCost),
		TotalCost:       round(total),
		Currency:        BillingCurrency,
		DisplayCurrency: display,
		DisplayCost:     round(total * rate),
		ConversionRate:  rate,
		CostTier:        TierFor(total),
		ElapsedMS:       in.Elapsed.Milliseconds(),
		Disclaimer:      Disclaimer,
	}

	if in.Elapsed > 0 {
		tps := math.Round(float64(m.TotalTokens)/in.Elapsed.Seconds()*100) / 100
		m.TokensPerSecond = &tps
	}
	return m
}

// round keeps costs readable without losing sub-cent precision.
func round(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
