package analytics

import (
	"math"
	"strings"
)

// Token estimation uses a fixed ~4 characters per token approximation. The
// engine never sees real token counts, only character counts, so every cost
// figure downstream is an estimate.
const charsPerToken = 4

// LLMCharRow is one LLM event's character counts. Most rows carry exactly one
// of the two counts (request rows carry prompt chars, response rows carry
// response chars). An empty Model means the event did not specify one.
type LLMCharRow struct {
	PromptChars   int64
	ResponseChars int64
	Model         string
}

// PricingTier is an input/output price pair in USD per 1M tokens.
type PricingTier struct {
	Match       string  `json:"match,omitempty"`
	InputPer1M  float64 `json:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m"`
}

// Pricing resolves a model identifier to a tier by substring match, falling
// back to the default tier for unknown or unspecified models.
type Pricing struct {
	Tiers   []PricingTier `json:"tiers"`
	Default PricingTier   `json:"default"`
}

// DefaultPricing matches any "flash" model to the flash tier and everything
// else to the pro tier.
func DefaultPricing() Pricing {
	return Pricing{
		Tiers: []PricingTier{
			{Match: "flash", InputPer1M: 0.0375, OutputPer1M: 0.15},
		},
		Default: PricingTier{InputPer1M: 0.075, OutputPer1M: 0.30},
	}
}

// TierFor returns the pricing tier for a model identifier. Tiers are checked
// in order; the first whose match substring appears in the identifier wins.
func (p Pricing) TierFor(model string) PricingTier {
	lower := strings.ToLower(model)
	for _, tier := range p.Tiers {
		if tier.Match != "" && strings.Contains(lower, strings.ToLower(tier.Match)) {
			return tier
		}
	}
	return p.Default
}

// CostBreakdown is the estimated token and USD cost summary of a set of LLM
// character rows. Model is the dominant model used for pricing, empty when no
// row specified one.
type CostBreakdown struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	InputCostUSD  float64 `json:"input_cost_usd"`
	OutputCostUSD float64 `json:"output_cost_usd"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Model         string  `json:"model,omitempty"`
}

// Estimate computes a CostBreakdown for zero or more LLM character rows.
func (p Pricing) Estimate(rows []LLMCharRow) CostBreakdown {
	var promptChars, responseChars int64
	for _, row := range rows {
		promptChars += row.PromptChars
		responseChars += row.ResponseChars
	}

	model := dominantModel(rows)
	tier := p.TierFor(model)

	inputTokens := estimateTokens(promptChars)
	outputTokens := estimateTokens(responseChars)

	inputCost := roundUSD(float64(inputTokens) / 1_000_000 * tier.InputPer1M)
	outputCost := roundUSD(float64(outputTokens) / 1_000_000 * tier.OutputPer1M)

	return CostBreakdown{
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		TotalTokens:   inputTokens + outputTokens,
		InputCostUSD:  inputCost,
		OutputCostUSD: outputCost,
		TotalCostUSD:  roundUSD(inputCost + outputCost),
		Model:         model,
	}
}

// dominantModel picks the model identifier appearing most often among rows
// that specify one. Ties go to the model encountered first.
func dominantModel(rows []LLMCharRow) string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, row := range rows {
		if row.Model == "" {
			continue
		}
		if _, ok := firstSeen[row.Model]; !ok {
			firstSeen[row.Model] = i
		}
		counts[row.Model]++
	}

	best := ""
	for model, count := range counts {
		if best == "" {
			best = model
			continue
		}
		if count > counts[best] || (count == counts[best] && firstSeen[model] < firstSeen[best]) {
			best = model
		}
	}
	return best
}

func estimateTokens(chars int64) int64 {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// roundUSD rounds to microdollar precision so repeated aggregation does not
// accumulate floating-point drift.
func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
