package meterctl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Bldg-7/agentmeter/internal/analytics"
)

// LatencyReport mirrors the daemon's latency response shape.
type LatencyReport struct {
	Overall *analytics.PercentileStats `json:"overall,omitempty"`
	Tools   []analytics.ToolStats      `json:"tools,omitempty"`
}

// ListSessions retrieves sessions from the daemon, optionally filtered by
// status ("active", "ended", or "all").
func ListSessions(client *HTTPClient, status string, limit int) ([]analytics.SessionHeader, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/sessions"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []analytics.SessionHeader
	if err := ParseResponse(body, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSummary retrieves the full summary for a single session.
func GetSummary(client *HTTPClient, sessionID string) (*analytics.SessionSummary, error) {
	body, err := client.Get("/api/v1/sessions/" + url.PathEscape(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get summary for %s: %w", sessionID, err)
	}

	var summary analytics.SessionSummary
	if err := ParseResponse(body, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// CompareSessions retrieves the structured diff of two sessions.
func CompareSessions(client *HTTPClient, baselineID, compareID string) (*analytics.SessionComparison, error) {
	params := url.Values{}
	params.Set("baseline", baselineID)
	params.Set("compare", compareID)

	body, err := client.Get("/api/v1/compare?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to compare sessions: %w", err)
	}

	var comparison analytics.SessionComparison
	if err := ParseResponse(body, &comparison); err != nil {
		return nil, err
	}
	return &comparison, nil
}

// GetLatency retrieves latency percentiles, optionally scoped to one tool
// or one session.
func GetLatency(client *HTTPClient, toolName, sessionID string) (*LatencyReport, error) {
	params := url.Values{}
	if toolName != "" {
		params.Set("tool", toolName)
	}
	if sessionID != "" {
		params.Set("session_id", sessionID)
	}

	path := "/api/v1/latency"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get latency stats: %w", err)
	}

	var report LatencyReport
	if err := ParseResponse(body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// GetBudget retrieves the current budget configuration.
func GetBudget(client *HTTPClient) (*analytics.BudgetConfig, error) {
	body, err := client.Get("/api/v1/budget")
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}

	var cfg analytics.BudgetConfig
	if err := ParseResponse(body, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetBudget patches the budget configuration and returns the merged result.
func SetBudget(client *HTTPClient, patch analytics.BudgetPatch) (*analytics.BudgetConfig, error) {
	body, err := client.Patch("/api/v1/budget", patch)
	if err != nil {
		return nil, fmt.Errorf("failed to set budget: %w", err)
	}

	var cfg analytics.BudgetConfig
	if err := ParseResponse(body, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExportSummaries retrieves summaries for the given session IDs, or for the
// most recent sessions when ids is empty.
func ExportSummaries(client *HTTPClient, ids []string, limit int) ([]analytics.SessionSummary, error) {
	params := url.Values{}
	if len(ids) > 0 {
		params.Set("ids", strings.Join(ids, ","))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/export"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to export summaries: %w", err)
	}

	var summaries []analytics.SessionSummary
	if err := ParseResponse(body, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}
