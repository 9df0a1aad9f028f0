package analytics

import "fmt"

const DefaultAlertThresholdPct = 80

// BudgetConfig is the single process-wide spending policy. A cap of zero
// disables that cap.
type BudgetConfig struct {
	SessionCapUSD     float64 `json:"session_cap_usd"`
	DailyCapUSD       float64 `json:"daily_cap_usd"`
	AlertThresholdPct int     `json:"alert_threshold_pct"`
}

// BudgetPatch merges supplied fields over the current configuration; nil
// fields retain their prior value.
type BudgetPatch struct {
	SessionCapUSD     *float64 `json:"session_cap_usd,omitempty"`
	DailyCapUSD       *float64 `json:"daily_cap_usd,omitempty"`
	AlertThresholdPct *int     `json:"alert_threshold_pct,omitempty"`
}

// Apply returns the configuration with the patch merged in.
func (c BudgetConfig) Apply(patch BudgetPatch) BudgetConfig {
	if patch.SessionCapUSD != nil {
		c.SessionCapUSD = *patch.SessionCapUSD
	}
	if patch.DailyCapUSD != nil {
		c.DailyCapUSD = *patch.DailyCapUSD
	}
	if patch.AlertThresholdPct != nil {
		c.AlertThresholdPct = *patch.AlertThresholdPct
	}
	return c
}

func (c BudgetConfig) threshold() float64 {
	pct := c.AlertThresholdPct
	if pct <= 0 {
		pct = DefaultAlertThresholdPct
	}
	return float64(pct) / 100
}

// EvaluateSessionBudget decides whether a session's accumulated estimated
// cost warrants a warning. The returned message is advisory only; it never
// blocks the write that triggered the evaluation.
func EvaluateSessionBudget(cfg BudgetConfig, pricing Pricing, sessionID string, rows []LLMCharRow) (string, bool) {
	if cfg.SessionCapUSD <= 0 {
		return "", false
	}

	cost := pricing.Estimate(rows).TotalCostUSD
	limit := cfg.SessionCapUSD * cfg.threshold()
	if cost < limit {
		return "", false
	}

	return fmt.Sprintf(
		"session %s estimated cost $%.6f has reached %d%% of the $%.2f session budget",
		sessionID, cost, effectiveThresholdPct(cfg), cfg.SessionCapUSD,
	), true
}

// EvaluateDailyBudget decides whether a calendar day's aggregate estimated
// cost warrants a warning. The day's character totals are priced as a single
// synthetic pair of rows.
func EvaluateDailyBudget(cfg BudgetConfig, pricing Pricing, date string, promptChars, responseChars int64) (string, bool) {
	if cfg.DailyCapUSD <= 0 {
		return "", false
	}

	cost := pricing.Estimate([]LLMCharRow{
		{PromptChars: promptChars},
		{ResponseChars: responseChars},
	}).TotalCostUSD

	limit := cfg.DailyCapUSD * cfg.threshold()
	if cost < limit {
		return "", false
	}

	return fmt.Sprintf(
		"estimated cost $%.6f on %s has reached %d%% of the $%.2f daily budget",
		cost, date, effectiveThresholdPct(cfg), cfg.DailyCapUSD,
	), true
}

func effectiveThresholdPct(cfg BudgetConfig) int {
	if cfg.AlertThresholdPct <= 0 {
		return DefaultAlertThresholdPct
	}
	return cfg.AlertThresholdPct
}
