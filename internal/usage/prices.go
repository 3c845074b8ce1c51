package usage

import "strings"

// Price is the cost per million tokens in billing currency.
type Price struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// DefaultTierName labels metrics priced with the fallback tier.
const DefaultTierName = "default"

// PriceTable maps model names to prices. Unknown models fall back to Default.
type PriceTable struct {
	Models          map[string]Price
	Default         Price
	DisplayCurrency string
	ConversionRate  float64
}

// DefaultPriceTable returns the compiled-in prices.
func DefaultPriceTable() *PriceTable {
	return &PriceTable{
		Models: map[string]Price{
			"gpt-4o-mini":      {InputPerMillion: 0.15, OutputPerMillion: 0.60},
			"gpt-4o":           {InputPerMillion: 2.50, OutputPerMillion: 10.00},
			"gemini-2.0-flash": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
			"gemini-2.5-flash": {InputPerMillion: 0.30, OutputPerMillion: 2.50},
		},
		Default:         Price{InputPerMillion: 1.00, OutputPerMillion: 3.00},
		DisplayCurrency: BillingCurrency,
		ConversionRate:  1,
	}
}

// Lookup returns the price for model and the tier name used. Matching is
// exact first, then by longest known prefix so dated model ids such as
// "gpt-4o-mini-2024-07-18" resolve to their family.
func (t *PriceTable) Lookup(model string) (Price, string) {
	if p, ok := t.Models[model]; ok {
		return p, model
	}
	best := ""
	for name := range t.Models {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return t.Models[best], best
	}
	return t.Default, DefaultTierName
}
