package offload

import "math"

// Pricing is a fixed per-million-token price pair.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
	Currency         string  `yaml:"currency" json:"currency"`
}

// DefaultPricing is the list price of the default model in USD.
var DefaultPricing = Pricing{
	InputPerMillion:  0.30,
	OutputPerMillion: 1.20,
	Currency:         "USD",
}

// EstimateCost maps token usage to a cost rounded to 6 decimal places.
// Every cost figure in the module goes through this function so that
// summed-then-estimated and estimated-then-summed values differ by rounding only.
func (p Pricing) EstimateCost(u Usage) float64 {
	cost := float64(u.InputTokens)/1e6*p.InputPerMillion +
		float64(u.OutputTokens)/1e6*p.OutputPerMillion
	return RoundUSD(cost)
}

// RoundUSD rounds half away from zero to 6 decimal places.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
