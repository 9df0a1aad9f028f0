package analytics

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound indicates a referenced session id does not exist. It is
// distinct from ErrNoData: a session can exist with no qualifying events.
var ErrSessionNotFound = errors.New("session not found")

// SessionHeader is the mutable per-session record the store keeps alongside
// the event log. EndedAt is nil while the session is active.
type SessionHeader struct {
	ID        string     `json:"id"`
	Label     string     `json:"label,omitempty"`
	Model     string     `json:"model,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// DurationMs returns the session's wall-clock duration, or nil while the
// session is still open. It is never approximated from event timestamps.
func (h SessionHeader) DurationMs() *int64 {
	if h.EndedAt == nil {
		return nil
	}
	d := h.EndedAt.Sub(h.StartedAt).Milliseconds()
	return &d
}

// Source is the read side of the event store the aggregator consumes.
type Source interface {
	GetSession(id string) (SessionHeader, error)
	ToolDurations(sessionID string) ([]ToolSample, error)
	LLMCharRows(sessionID string) ([]LLMCharRow, error)
	CountByKind(sessionID string, kind string) (int, error)
	ErrorCount(sessionID string) (int, error)
	DistinctToolNames(sessionID string) ([]string, error)
}

// SessionSummary is the denormalized read model every analytics operation is
// built from. It is recomputed from the event log on each request and never
// persisted.
type SessionSummary struct {
	SessionID  string     `json:"session_id"`
	Label      string     `json:"label,omitempty"`
	Model      string     `json:"model,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`

	Cost    CostBreakdown    `json:"cost"`
	Latency *PercentileStats `json:"latency,omitempty"`
	Tools   []ToolStats      `json:"tools"`

	ToolCalls   int      `json:"tool_calls"`
	LLMRequests int      `json:"llm_requests"`
	Errors      int      `json:"errors"`
	ToolNames   []string `json:"tool_names"`
}

// BuildSummary assembles a SessionSummary from the session's event log. It is
// a pure read: the store is never mutated. Latency is nil when the session
// has no TOOL_END event carrying both a tool name and a duration.
func BuildSummary(src Source, pricing Pricing, sessionID string) (SessionSummary, error) {
	header, err := src.GetSession(sessionID)
	if err != nil {
		return SessionSummary{}, err
	}

	llmRows, err := src.LLMCharRows(sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("load llm rows for session %s: %w", sessionID, err)
	}

	toolSamples, err := src.ToolDurations(sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("load tool durations for session %s: %w", sessionID, err)
	}

	toolCalls, err := src.CountByKind(sessionID, "TOOL_END")
	if err != nil {
		return SessionSummary{}, fmt.Errorf("count tool calls for session %s: %w", sessionID, err)
	}
	llmRequests, err := src.CountByKind(sessionID, "LLM_REQUEST")
	if err != nil {
		return SessionSummary{}, fmt.Errorf("count llm requests for session %s: %w", sessionID, err)
	}
	errorCount, err := src.ErrorCount(sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("count errors for session %s: %w", sessionID, err)
	}
	toolNames, err := src.DistinctToolNames(sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("list tool names for session %s: %w", sessionID, err)
	}

	summary := SessionSummary{
		SessionID:   header.ID,
		Label:       header.Label,
		Model:       header.Model,
		StartedAt:   header.StartedAt,
		EndedAt:     header.EndedAt,
		DurationMs:  header.DurationMs(),
		Cost:        pricing.Estimate(llmRows),
		Tools:       GroupByTool(toolSamples),
		ToolCalls:   toolCalls,
		LLMRequests: llmRequests,
		Errors:      errorCount,
		ToolNames:   toolNames,
	}

	durations := make([]int64, 0, len(toolSamples))
	for _, s := range toolSamples {
		durations = append(durations, s.DurationMs)
	}
	if stats, statsErr := ComputePercentiles(durations); statsErr == nil {
		summary.Latency = &stats
	}

	return summary, nil
}
