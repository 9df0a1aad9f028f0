package analytics

import (
	"errors"
	"math"
	"sort"
)

// ErrNoData indicates a statistic was requested over zero qualifying samples.
// Callers treat it as absence of a metric, not a failure.
var ErrNoData = errors.New("no data")

// PercentileStats is a fixed statistical summary of a duration collection.
// Percentiles are nearest-rank: every value is an observed sample, never an
// interpolated one, so two computations over the same input agree exactly.
type PercentileStats struct {
	P50         int64 `json:"p50_ms"`
	P75         int64 `json:"p75_ms"`
	P95         int64 `json:"p95_ms"`
	P99         int64 `json:"p99_ms"`
	Min         int64 `json:"min_ms"`
	Max         int64 `json:"max_ms"`
	Mean        int64 `json:"mean_ms"`
	SampleCount int   `json:"sample_count"`
}

// ToolSample is one tool invocation's duration row.
type ToolSample struct {
	Tool       string
	DurationMs int64
	IsError    bool
}

// ToolStats is the per-tool latency summary with an error rate attached.
type ToolStats struct {
	Tool      string  `json:"tool"`
	CallCount int     `json:"call_count"`
	ErrorRate float64 `json:"error_rate"`
	PercentileStats
}

// ComputePercentiles summarizes a collection of millisecond durations.
// Returns ErrNoData for an empty collection.
func ComputePercentiles(durations []int64) (PercentileStats, error) {
	if len(durations) == 0 {
		return PercentileStats{}, ErrNoData
	}

	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, d := range sorted {
		sum += d
	}

	n := len(sorted)
	return PercentileStats{
		P50:         sorted[nearestRank(50, n)],
		P75:         sorted[nearestRank(75, n)],
		P95:         sorted[nearestRank(95, n)],
		P99:         sorted[nearestRank(99, n)],
		Min:         sorted[0],
		Max:         sorted[n-1],
		Mean:        int64(math.Round(float64(sum) / float64(n))),
		SampleCount: n,
	}, nil
}

// nearestRank maps a percentile to an index into a sorted sample slice:
// ceil(p/100 * n) - 1, clamped to [0, n-1].
func nearestRank(p float64, n int) int {
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

// GroupByTool computes a per-tool latency summary for raw tool samples.
// Groups are ordered by descending call count; ties keep the order in which
// the tool was first seen, so a given input ordering always produces the
// same output.
func GroupByTool(samples []ToolSample) []ToolStats {
	byTool := make(map[string][]ToolSample)
	order := make([]string, 0)
	for _, s := range samples {
		if _, seen := byTool[s.Tool]; !seen {
			order = append(order, s.Tool)
		}
		byTool[s.Tool] = append(byTool[s.Tool], s)
	}

	out := make([]ToolStats, 0, len(order))
	for _, tool := range order {
		group := byTool[tool]
		durations := make([]int64, 0, len(group))
		errorCount := 0
		for _, s := range group {
			durations = append(durations, s.DurationMs)
			if s.IsError {
				errorCount++
			}
		}

		stats, err := ComputePercentiles(durations)
		if err != nil {
			continue
		}

		out = append(out, ToolStats{
			Tool:            tool,
			CallCount:       len(group),
			ErrorRate:       float64(errorCount) / float64(len(group)),
			PercentileStats: stats,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CallCount > out[j].CallCount
	})

	return out
}
