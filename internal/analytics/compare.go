package analytics

import "math"

// Regression severity thresholds on percentage deltas. A degradation above
// the warning threshold but at or below the critical threshold is a warning;
// above the critical threshold it is critical. Improvements never flag.
const (
	warningThresholdPct  = 20.0
	criticalThresholdPct = 50.0
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Regression metrics.
const (
	MetricCostUSD           = "cost_usd"
	MetricSessionDurationMs = "session_duration_ms"
	MetricP95ToolLatencyMs  = "p95_tool_latency_ms"
)

// RegressionFlag marks one metric that degraded between baseline and compare.
type RegressionFlag struct {
	Metric   string  `json:"metric"`
	Severity string  `json:"severity"`
	DeltaPct float64 `json:"delta_pct"`
	Baseline float64 `json:"baseline"`
	Compare  float64 `json:"compare"`
}

// SessionComparison is the structured diff of two session summaries.
// Duration and P95 deltas are nil unless both sessions have the underlying
// value; cost and tool-call deltas are always computable.
type SessionComparison struct {
	BaselineID string `json:"baseline_id"`
	CompareID  string `json:"compare_id"`

	CostDeltaUSD float64 `json:"cost_delta_usd"`
	CostDeltaPct float64 `json:"cost_delta_pct"`

	DurationDeltaMs  *int64   `json:"duration_delta_ms,omitempty"`
	DurationDeltaPct *float64 `json:"duration_delta_pct,omitempty"`

	P95LatencyDeltaMs  *int64   `json:"p95_latency_delta_ms,omitempty"`
	P95LatencyDeltaPct *float64 `json:"p95_latency_delta_pct,omitempty"`

	ToolCallDelta int `json:"tool_call_delta"`

	Regressions []RegressionFlag `json:"regressions"`
}

// Compare diffs two session summaries. Order matters: baseline is the
// reference, and only degradations relative to it are flagged.
func Compare(baseline, compare SessionSummary) SessionComparison {
	out := SessionComparison{
		BaselineID:    baseline.SessionID,
		CompareID:     compare.SessionID,
		ToolCallDelta: compare.ToolCalls - baseline.ToolCalls,
		Regressions:   make([]RegressionFlag, 0),
	}

	out.CostDeltaUSD = roundUSD(compare.Cost.TotalCostUSD - baseline.Cost.TotalCostUSD)
	out.CostDeltaPct = roundPct(pctDelta(baseline.Cost.TotalCostUSD, compare.Cost.TotalCostUSD))
	out.flag(MetricCostUSD, out.CostDeltaPct, baseline.Cost.TotalCostUSD, compare.Cost.TotalCostUSD)

	if baseline.DurationMs != nil && compare.DurationMs != nil {
		delta := *compare.DurationMs - *baseline.DurationMs
		pct := roundPct(pctDelta(float64(*baseline.DurationMs), float64(*compare.DurationMs)))
		out.DurationDeltaMs = &delta
		out.DurationDeltaPct = &pct
		out.flag(MetricSessionDurationMs, pct, float64(*baseline.DurationMs), float64(*compare.DurationMs))
	}

	if baseline.Latency != nil && compare.Latency != nil {
		delta := compare.Latency.P95 - baseline.Latency.P95
		pct := roundPct(pctDelta(float64(baseline.Latency.P95), float64(compare.Latency.P95)))
		out.P95LatencyDeltaMs = &delta
		out.P95LatencyDeltaPct = &pct
		out.flag(MetricP95ToolLatencyMs, pct, float64(baseline.Latency.P95), float64(compare.Latency.P95))
	}

	return out
}

func (c *SessionComparison) flag(metric string, deltaPct, baseline, compare float64) {
	severity := severityFor(deltaPct)
	if severity == "" {
		return
	}
	c.Regressions = append(c.Regressions, RegressionFlag{
		Metric:   metric,
		Severity: severity,
		DeltaPct: deltaPct,
		Baseline: baseline,
		Compare:  compare,
	})
}

func severityFor(deltaPct float64) string {
	switch {
	case deltaPct > criticalThresholdPct:
		return SeverityCritical
	case deltaPct > warningThresholdPct:
		return SeverityWarning
	default:
		return ""
	}
}

// pctDelta guards the zero baseline: a baseline of exactly zero yields 0%,
// never a division by zero, so a zero-cost baseline cannot produce a
// percentage regression however large the absolute increase.
func pctDelta(baseline, compare float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (compare - baseline) / baseline * 100
}

func roundPct(v float64) float64 {
	return math.Round(v*10) / 10
}
