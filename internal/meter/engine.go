package meter

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Bldg-7/agentmeter/internal/analytics"
	"github.com/Bldg-7/agentmeter/internal/storage"
)

// ErrInvalidInput marks requests rejected before touching the store.
var ErrInvalidInput = errors.New("invalid input")

// Notifier delivers budget warnings to an external alert channel.
type Notifier interface {
	Notify(message string)
}

// EventInput is the caller-facing shape of one event to record. ClientKey is
// an optional idempotency key; repeated submissions with the same key within
// a session are dropped silently.
type EventInput struct {
	Kind          string         `json:"kind"`
	ToolName      string         `json:"tool_name,omitempty"`
	Model         string         `json:"model,omitempty"`
	PromptChars   *int64         `json:"prompt_chars,omitempty"`
	ResponseChars *int64         `json:"response_chars,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ClientKey     string         `json:"client_key,omitempty"`
}

// LatencyReport is the result of a latency query: overall stats when a
// single tool (or a whole session) was asked about, per-tool groups when the
// breakdown was requested.
type LatencyReport struct {
	Overall *analytics.PercentileStats `json:"overall,omitempty"`
	Tools   []analytics.ToolStats      `json:"tools,omitempty"`
}

// Engine implements the analytics operations over the event store. It holds
// no mutable aggregate state: every summary is recomputed from the log on
// each call.
type Engine struct {
	store    *storage.Store
	pricing  analytics.Pricing
	dedup    *dedupCache
	logger   *zap.Logger
	metrics  *Metrics
	notifier Notifier
	feed     *Feed
	now      func() time.Time
}

func NewEngine(store *storage.Store, pricing analytics.Pricing, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		pricing: pricing,
		dedup:   newDedupCache(dedupKeysPerSession),
		logger:  logger,
		metrics: GetMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }
func (e *Engine) SetFeed(f *Feed)        { e.feed = f }

// OpenSession creates a session header and its SESSION_START event as one
// atomic write.
func (e *Engine) OpenSession(label, model string, metadata map[string]any) (analytics.SessionHeader, error) {
	header := analytics.SessionHeader{
		ID:        uuid.NewString(),
		Label:     label,
		Model:     model,
		StartedAt: e.now(),
	}

	meta, err := encodeMetadata(metadata)
	if err != nil {
		return analytics.SessionHeader{}, err
	}

	err = e.store.RunInTransaction(func(tx *storage.Store) error {
		if err := tx.InsertSession(header, meta); err != nil {
			return err
		}
		_, err := tx.InsertEvent(storage.Event{
			ID:        uuid.NewString(),
			SessionID: header.ID,
			Kind:      storage.KindSessionStart,
			Model:     model,
			Metadata:  meta,
		})
		return err
	})
	if err != nil {
		return analytics.SessionHeader{}, err
	}

	e.metrics.RecordSessionOpened()
	e.logger.Info("session opened",
		zap.String("session_id", header.ID),
		zap.String("label", label),
	)
	return header, nil
}

// RecordEvent appends one event to a session's log. The returned warning is
// non-empty when the write pushed estimated spend over a budget threshold;
// the write itself always goes through.
func (e *Engine) RecordEvent(sessionID string, in EventInput) (string, error) {
	kind := storage.EventKind(in.Kind)
	if !storage.ValidEventKind(kind) {
		return "", fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, in.Kind)
	}
	if err := validateEventFields(in); err != nil {
		return "", err
	}

	if _, err := e.store.GetSession(sessionID); err != nil {
		return "", err
	}

	if in.ClientKey != "" && e.dedup.seen(sessionID, in.ClientKey) {
		return "", nil
	}

	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return "", err
	}

	var stored storage.Event
	err = e.store.RunInTransaction(func(tx *storage.Store) error {
		stored, err = tx.InsertEvent(storage.Event{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			Kind:          kind,
			ToolName:      in.ToolName,
			Model:         in.Model,
			PromptChars:   in.PromptChars,
			ResponseChars: in.ResponseChars,
			DurationMs:    in.DurationMs,
			ErrorMessage:  in.ErrorMessage,
			Metadata:      meta,
		})
		if err != nil {
			return err
		}
		if kind == storage.KindLLMRequest || kind == storage.KindLLMResponse {
			return tx.BackfillModel(sessionID, in.Model)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.dedup.mark(sessionID, in.ClientKey)
	e.metrics.RecordEvent(string(kind))
	if e.feed != nil {
		e.feed.Broadcast(stored)
	}

	if kind != storage.KindLLMRequest && kind != storage.KindLLMResponse {
		return "", nil
	}
	return e.checkBudget(sessionID), nil
}

// checkBudget evaluates the session cap, then the daily cap, and surfaces
// the first warning. The evaluation is advisory: failures here are logged
// and never fail the triggering write.
func (e *Engine) checkBudget(sessionID string) string {
	cfg, err := e.store.GetBudgetConfig()
	if err != nil {
		e.logger.Warn("budget config unavailable", zap.Error(err))
		return ""
	}
	if cfg.SessionCapUSD <= 0 && cfg.DailyCapUSD <= 0 {
		return ""
	}

	rows, err := e.store.LLMCharRows(sessionID)
	if err != nil {
		e.logger.Warn("budget evaluation failed", zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}

	msg, fired := analytics.EvaluateSessionBudget(cfg, e.pricing, sessionID, rows)
	if !fired {
		header, err := e.store.GetSession(sessionID)
		if err != nil {
			e.logger.Warn("budget evaluation failed", zap.String("session_id", sessionID), zap.Error(err))
			return ""
		}
		date := header.StartedAt.Format("2006-01-02")

		prompt, response, err := e.store.DailyLLMChars(date)
		if err != nil {
			e.logger.Warn("budget evaluation failed", zap.String("date", date), zap.Error(err))
			return ""
		}
		msg, fired = analytics.EvaluateDailyBudget(cfg, e.pricing, date, prompt, response)
	}
	if !fired {
		return ""
	}

	e.recordBudgetWarning(sessionID, msg)
	return msg
}

func (e *Engine) recordBudgetWarning(sessionID, msg string) {
	meta, _ := json.Marshal(map[string]string{"message": msg})
	if _, err := e.store.InsertEvent(storage.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      storage.KindBudgetWarning,
		Metadata:  string(meta),
	}); err != nil {
		e.logger.Warn("failed to record budget warning", zap.String("session_id", sessionID), zap.Error(err))
	}

	e.metrics.RecordBudgetWarning()
	e.logger.Warn("budget warning", zap.String("session_id", sessionID), zap.String("message", msg))

	if e.notifier != nil {
		e.notifier.Notify(msg)
	}
}

// CloseSession sets the end timestamp, appends the SESSION_END event, and
// returns the session's final summary. Closing twice is an
// ErrSessionEnded.
func (e *Engine) CloseSession(sessionID string) (analytics.SessionSummary, error) {
	endedAt := e.now()
	err := e.store.RunInTransaction(func(tx *storage.Store) error {
		if err := tx.CloseSession(sessionID, endedAt); err != nil {
			return err
		}
		_, err := tx.InsertEvent(storage.Event{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Kind:      storage.KindSessionEnd,
		})
		return err
	})
	if err != nil {
		return analytics.SessionSummary{}, err
	}

	e.dedup.forget(sessionID)
	e.metrics.RecordSessionClosed()
	e.logger.Info("session closed", zap.String("session_id", sessionID))
	return e.GetSummary(sessionID)
}

func (e *Engine) GetSummary(sessionID string) (analytics.SessionSummary, error) {
	start := time.Now()
	summary, err := analytics.BuildSummary(e.store, e.pricing, sessionID)
	if err != nil {
		return analytics.SessionSummary{}, err
	}
	e.metrics.RecordSummaryDuration(time.Since(start).Seconds())
	return summary, nil
}

// LatencyStats answers a latency query. With a session id the samples come
// from that session only; otherwise from every session. With a tool name the
// result is that tool's overall stats; otherwise a per-tool breakdown plus
// overall stats. Zero qualifying samples is ErrNoData, not a failure.
func (e *Engine) LatencyStats(toolName, sessionID string) (LatencyReport, error) {
	var (
		samples []analytics.ToolSample
		err     error
	)
	if sessionID != "" {
		if _, err := e.store.GetSession(sessionID); err != nil {
			return LatencyReport{}, err
		}
		samples, err = e.store.ToolDurations(sessionID)
	} else {
		samples, err = e.store.AllToolDurations()
	}
	if err != nil {
		return LatencyReport{}, err
	}

	if toolName != "" {
		filtered := samples[:0:0]
		for _, s := range samples {
			if s.Tool == toolName {
				filtered = append(filtered, s)
			}
		}
		samples = filtered
	}

	durations := make([]int64, 0, len(samples))
	for _, s := range samples {
		durations = append(durations, s.DurationMs)
	}
	stats, err := analytics.ComputePercentiles(durations)
	if err != nil {
		return LatencyReport{}, err
	}

	report := LatencyReport{Overall: &stats}
	if toolName == "" {
		report.Tools = analytics.GroupByTool(samples)
	}
	return report, nil
}

func (e *Engine) CompareSessions(baselineID, compareID string) (analytics.SessionComparison, error) {
	baseline, err := e.GetSummary(baselineID)
	if err != nil {
		return analytics.SessionComparison{}, fmt.Errorf("baseline: %w", err)
	}
	compare, err := e.GetSummary(compareID)
	if err != nil {
		return analytics.SessionComparison{}, fmt.Errorf("compare: %w", err)
	}
	return analytics.Compare(baseline, compare), nil
}

func (e *Engine) GetBudget() (analytics.BudgetConfig, error) {
	return e.store.GetBudgetConfig()
}

// SetBudget merges the patch over the stored configuration. Out-of-range
// values are rejected before the store is touched.
func (e *Engine) SetBudget(patch analytics.BudgetPatch) (analytics.BudgetConfig, error) {
	if patch.SessionCapUSD != nil && *patch.SessionCapUSD < 0 {
		return analytics.BudgetConfig{}, fmt.Errorf("%w: session cap must be >= 0", ErrInvalidInput)
	}
	if patch.DailyCapUSD != nil && *patch.DailyCapUSD < 0 {
		return analytics.BudgetConfig{}, fmt.Errorf("%w: daily cap must be >= 0", ErrInvalidInput)
	}
	if patch.AlertThresholdPct != nil && (*patch.AlertThresholdPct < 1 || *patch.AlertThresholdPct > 100) {
		return analytics.BudgetConfig{}, fmt.Errorf("%w: alert threshold must be between 1 and 100", ErrInvalidInput)
	}
	return e.store.UpdateBudgetConfig(patch)
}

func (e *Engine) ListSessions(status string, limit int) ([]analytics.SessionHeader, error) {
	switch status {
	case storage.StatusActive, storage.StatusEnded, storage.StatusAll, "":
	default:
		return nil, fmt.Errorf("%w: unsupported session status %q", ErrInvalidInput, status)
	}
	return e.store.ListSessions(status, limit)
}

// ExportSummaries builds summaries for the given session ids, or for the
// most recent sessions when no ids are supplied. A missing id fails the
// whole export rather than silently shrinking it.
func (e *Engine) ExportSummaries(ids []string, limit int) ([]analytics.SessionSummary, error) {
	if len(ids) == 0 {
		headers, err := e.store.ListSessions(storage.StatusAll, limit)
		if err != nil {
			return nil, err
		}
		for _, h := range headers {
			ids = append(ids, h.ID)
		}
	}

	summaries := make([]analytics.SessionSummary, 0, len(ids))
	for _, id := range ids {
		summary, err := e.GetSummary(id)
		if err != nil {
			return nil, fmt.Errorf("export session %s: %w", id, err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func validateEventFields(in EventInput) error {
	if in.PromptChars != nil && *in.PromptChars < 0 {
		return fmt.Errorf("%w: prompt_chars must be >= 0", ErrInvalidInput)
	}
	if in.ResponseChars != nil && *in.ResponseChars < 0 {
		return fmt.Errorf("%w: response_chars must be >= 0", ErrInvalidInput)
	}
	if in.DurationMs != nil && *in.DurationMs < 0 {
		return fmt.Errorf("%w: duration_ms must be >= 0", ErrInvalidInput)
	}
	return nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not serializable: %s", ErrInvalidInput, err)
	}
	return string(data), nil
}
