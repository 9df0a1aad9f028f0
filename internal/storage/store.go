package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Bldg-7/agentmeter/internal/analytics"
)

// ErrSessionEnded indicates a close was attempted on a session whose end
// timestamp is already set. Ending is terminal; the first close wins.
var ErrSessionEnded = errors.New("session already ended")

// EventKind enumerates the typed facts the event log accepts.
type EventKind string

const (
	KindSessionStart  EventKind = "SESSION_START"
	KindSessionEnd    EventKind = "SESSION_END"
	KindToolStart     EventKind = "TOOL_START"
	KindToolEnd       EventKind = "TOOL_END"
	KindLLMRequest    EventKind = "LLM_REQUEST"
	KindLLMResponse   EventKind = "LLM_RESPONSE"
	KindError         EventKind = "ERROR"
	KindBudgetWarning EventKind = "BUDGET_WARNING"
)

// ValidEventKind reports whether kind is one of the known event kinds.
func ValidEventKind(kind EventKind) bool {
	switch kind {
	case KindSessionStart, KindSessionEnd, KindToolStart, KindToolEnd,
		KindLLMRequest, KindLLMResponse, KindError, KindBudgetWarning:
		return true
	}
	return false
}

// Event is one immutable row in a session's activity log. Optional fields
// are nil pointers; RecordedAt is assigned by the store at insert time.
type Event struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Kind          EventKind `json:"kind"`
	ToolName      string    `json:"tool_name,omitempty"`
	Model         string    `json:"model,omitempty"`
	PromptChars   *int64    `json:"prompt_chars,omitempty"`
	ResponseChars *int64    `json:"response_chars,omitempty"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the durable event store over SQLite. All derived analytics read
// through it; it owns no caches and recomputes nothing.
type Store struct {
	db  *sql.DB
	q   dbtx
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		q:   db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTransaction executes fn against a transaction-scoped view of the
// store. Either every write in fn applies or none does; partial state is
// never visible to concurrent readers.
func (s *Store) RunInTransaction(fn func(tx *Store) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, now: s.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) InsertSession(header analytics.SessionHeader, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.q.Exec(`
		INSERT INTO sessions (id, label, model, started_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`,
		header.ID,
		header.Label,
		nullIfEmpty(header.Model),
		header.StartedAt.UTC().Format(time.RFC3339Nano),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", header.ID, err)
	}
	return nil
}

func (s *Store) GetSession(id string) (analytics.SessionHeader, error) {
	row := s.q.QueryRow(`
		SELECT id, label, model, started_at, ended_at
		FROM sessions
		WHERE id = ?
	`, id)

	header, err := scanSessionHeader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return analytics.SessionHeader{}, analytics.ErrSessionNotFound
	}
	if err != nil {
		return analytics.SessionHeader{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return header, nil
}

// CloseSession sets the end timestamp. The UPDATE's ended_at IS NULL guard
// makes close idempotence explicit: a second close matches no row and is
// reported as ErrSessionEnded without mutating anything.
func (s *Store) CloseSession(id string, endedAt time.Time) error {
	res, err := s.q.Exec(`
		UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, endedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetSession(id); err != nil {
		return err
	}
	return ErrSessionEnded
}

// BackfillModel sets the session's model only while it is still unset.
// A model written at creation or by an earlier event is never overwritten.
func (s *Store) BackfillModel(id string, model string) error {
	if model == "" {
		return nil
	}
	_, err := s.q.Exec(`
		UPDATE sessions SET model = ? WHERE id = ? AND model IS NULL
	`, model, id)
	if err != nil {
		return fmt.Errorf("backfill model for session %s: %w", id, err)
	}
	return nil
}

// InsertEvent appends one event. The recorded-at timestamp is assigned here,
// never caller-supplied, so log order matches arrival order.
func (s *Store) InsertEvent(event Event) (Event, error) {
	event.RecordedAt = s.now()
	if event.Metadata == "" {
		event.Metadata = "{}"
	}

	_, err := s.q.Exec(`
		INSERT INTO events (id, session_id, kind, tool_name, model, prompt_chars,
			response_chars, duration_ms, error_message, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.SessionID,
		string(event.Kind),
		nullIfEmpty(event.ToolName),
		nullIfEmpty(event.Model),
		event.PromptChars,
		event.ResponseChars,
		event.DurationMs,
		nullIfEmpty(event.ErrorMessage),
		event.Metadata,
		event.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return event, nil
}

// ToolDurations returns a session's TOOL_END samples carrying both a tool
// name and a duration, in log order. Rows missing either are excluded.
func (s *Store) ToolDurations(sessionID string) ([]analytics.ToolSample, error) {
	rows, err := s.q.Query(`
		SELECT tool_name, duration_ms, error_message IS NOT NULL
		FROM events
		WHERE session_id = ? AND kind = ? AND tool_name IS NOT NULL AND duration_ms IS NOT NULL
		ORDER BY recorded_at ASC, rowid ASC
	`, sessionID, string(KindToolEnd))
	if err != nil {
		return nil, fmt.Errorf("query tool durations for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	return scanToolSamples(rows)
}

// AllToolDurations returns every qualifying TOOL_END sample across all
// sessions, in log order.
func (s *Store) AllToolDurations() ([]analytics.ToolSample, error) {
	rows, err := s.q.Query(`
		SELECT tool_name, duration_ms, error_message IS NOT NULL
		FROM events
		WHERE kind = ? AND tool_name IS NOT NULL AND duration_ms IS NOT NULL
		ORDER BY recorded_at ASC, rowid ASC
	`, string(KindToolEnd))
	if err != nil {
		return nil, fmt.Errorf("query all tool durations: %w", err)
	}
	defer rows.Close()

	return scanToolSamples(rows)
}

func (s *Store) LLMCharRows(sessionID string) ([]analytics.LLMCharRow, error) {
	rows, err := s.q.Query(`
		SELECT prompt_chars, response_chars, model
		FROM events
		WHERE session_id = ? AND kind IN (?, ?)
		ORDER BY recorded_at ASC, rowid ASC
	`, sessionID, string(KindLLMRequest), string(KindLLMResponse))
	if err != nil {
		return nil, fmt.Errorf("query llm rows for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make([]analytics.LLMCharRow, 0)
	for rows.Next() {
		var (
			prompt   sql.NullInt64
			response sql.NullInt64
			model    sql.NullString
		)
		if err := rows.Scan(&prompt, &response, &model); err != nil {
			return nil, fmt.Errorf("scan llm row: %w", err)
		}
		out = append(out, analytics.LLMCharRow{
			PromptChars:   prompt.Int64,
			ResponseChars: response.Int64,
			Model:         model.String,
		})
	}
	return out, rows.Err()
}

// DailyLLMChars sums prompt and response characters across all LLM events
// belonging to sessions that started on the given calendar date
// (YYYY-MM-DD, per SQLite's date function over the stored timestamps).
func (s *Store) DailyLLMChars(date string) (int64, int64, error) {
	row := s.q.QueryRow(`
		SELECT COALESCE(SUM(e.prompt_chars), 0), COALESCE(SUM(e.response_chars), 0)
		FROM events e
		JOIN sessions s ON s.id = e.session_id
		WHERE e.kind IN (?, ?) AND date(s.started_at) = ?
	`, string(KindLLMRequest), string(KindLLMResponse), date)

	var prompt, response int64
	if err := row.Scan(&prompt, &response); err != nil {
		return 0, 0, fmt.Errorf("sum daily llm chars for %s: %w", date, err)
	}
	return prompt, response, nil
}

func (s *Store) CountByKind(sessionID string, kind string) (int, error) {
	var count int
	err := s.q.QueryRow(`
		SELECT COUNT(*) FROM events WHERE session_id = ? AND kind = ?
	`, sessionID, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s events for session %s: %w", kind, sessionID, err)
	}
	return count, nil
}

// ErrorCount counts ERROR events plus failed tool calls (TOOL_END carrying
// an error message).
func (s *Store) ErrorCount(sessionID string) (int, error) {
	var count int
	err := s.q.QueryRow(`
		SELECT COUNT(*) FROM events
		WHERE session_id = ? AND (kind = ? OR (kind = ? AND error_message IS NOT NULL))
	`, sessionID, string(KindError), string(KindToolEnd)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count errors for session %s: %w", sessionID, err)
	}
	return count, nil
}

func (s *Store) DistinctToolNames(sessionID string) ([]string, error) {
	rows, err := s.q.Query(`
		SELECT DISTINCT tool_name FROM events
		WHERE session_id = ? AND tool_name IS NOT NULL
		ORDER BY tool_name ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tool names for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tool name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Session list filters.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
	StatusAll    = "all"
)

func (s *Store) ListSessions(status string, limit int) ([]analytics.SessionHeader, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, label, model, started_at, ended_at FROM sessions`
	switch status {
	case StatusActive:
		query += ` WHERE ended_at IS NULL`
	case StatusEnded:
		query += ` WHERE ended_at IS NOT NULL`
	case StatusAll, "":
	default:
		return nil, fmt.Errorf("unsupported session status %q", status)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`

	rows, err := s.q.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	headers := make([]analytics.SessionHeader, 0)
	for rows.Next() {
		header, err := scanSessionHeader(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}
	return headers, rows.Err()
}

func (s *Store) GetBudgetConfig() (analytics.BudgetConfig, error) {
	var cfg analytics.BudgetConfig
	err := s.q.QueryRow(`
		SELECT session_cap_usd, daily_cap_usd, alert_threshold_pct
		FROM budget_config WHERE id = 1
	`).Scan(&cfg.SessionCapUSD, &cfg.DailyCapUSD, &cfg.AlertThresholdPct)
	if err != nil {
		return analytics.BudgetConfig{}, fmt.Errorf("get budget config: %w", err)
	}
	return cfg, nil
}

// UpdateBudgetConfig merges the patch over the stored singleton row and
// returns the updated configuration.
func (s *Store) UpdateBudgetConfig(patch analytics.BudgetPatch) (analytics.BudgetConfig, error) {
	current, err := s.GetBudgetConfig()
	if err != nil {
		return analytics.BudgetConfig{}, err
	}

	merged := current.Apply(patch)
	_, err = s.q.Exec(`
		UPDATE budget_config
		SET session_cap_usd = ?, daily_cap_usd = ?, alert_threshold_pct = ?
		WHERE id = 1
	`, merged.SessionCapUSD, merged.DailyCapUSD, merged.AlertThresholdPct)
	if err != nil {
		return analytics.BudgetConfig{}, fmt.Errorf("update budget config: %w", err)
	}
	return merged, nil
}

func scanToolSamples(rows *sql.Rows) ([]analytics.ToolSample, error) {
	out := make([]analytics.ToolSample, 0)
	for rows.Next() {
		var (
			sample  analytics.ToolSample
			isError int
		)
		if err := rows.Scan(&sample.Tool, &sample.DurationMs, &isError); err != nil {
			return nil, fmt.Errorf("scan tool sample: %w", err)
		}
		sample.IsError = isError != 0
		out = append(out, sample)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionHeader(row rowScanner) (analytics.SessionHeader, error) {
	var (
		header    analytics.SessionHeader
		model     sql.NullString
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&header.ID, &header.Label, &model, &startedAt, &endedAt); err != nil {
		return analytics.SessionHeader{}, err
	}

	header.Model = model.String

	started, err := parseTimestamp(startedAt)
	if err != nil {
		return analytics.SessionHeader{}, fmt.Errorf("parse started_at for session %s: %w", header.ID, err)
	}
	header.StartedAt = started

	if endedAt.Valid {
		ended, err := parseTimestamp(endedAt.String)
		if err != nil {
			return analytics.SessionHeader{}, fmt.Errorf("parse ended_at for session %s: %w", header.ID, err)
		}
		header.EndedAt = &ended
	}

	return header, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
