package storage

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Bldg-7/agentmeter/internal/analytics"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "agentmeter-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpfile.Name())
	})

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t))
}

func mustOpenSession(t *testing.T, store *Store, id, model string, startedAt time.Time) {
	t.Helper()
	err := store.InsertSession(analytics.SessionHeader{
		ID:        id,
		Model:     model,
		StartedAt: startedAt,
	}, "")
	if err != nil {
		t.Fatalf("insert session %s: %v", id, err)
	}
}

func i64(v int64) *int64 { return &v }

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"sessions", "events", "budget_config", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count == 0 {
			t.Errorf("table %s not created", table)
		}
	}

	// The budget row is seeded with caps disabled.
	store := NewStore(db)
	cfg, err := store.GetBudgetConfig()
	if err != nil {
		t.Fatalf("get budget config: %v", err)
	}
	if cfg.SessionCapUSD != 0 || cfg.DailyCapUSD != 0 {
		t.Errorf("caps not disabled by default: %+v", cfg)
	}
	if cfg.AlertThresholdPct != 80 {
		t.Errorf("default threshold = %d, want 80", cfg.AlertThresholdPct)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM budget_config").Scan(&count); err != nil {
		t.Fatalf("count budget rows: %v", err)
	}
	if count != 1 {
		t.Errorf("budget_config rows = %d, want 1", count)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mustOpenSession(t, store, "s1", "gemini-2.5-pro", started)

	header, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if header.Model != "gemini-2.5-pro" || !header.StartedAt.Equal(started) {
		t.Errorf("unexpected header: %+v", header)
	}
	if header.EndedAt != nil {
		t.Errorf("fresh session has ended_at: %v", header.EndedAt)
	}

	ended := started.Add(time.Minute)
	if err := store.CloseSession("s1", ended); err != nil {
		t.Fatalf("close session: %v", err)
	}

	header, err = store.GetSession("s1")
	if err != nil {
		t.Fatalf("get session after close: %v", err)
	}
	if header.EndedAt == nil || !header.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", header.EndedAt, ended)
	}
	if d := header.DurationMs(); d == nil || *d != 60_000 {
		t.Errorf("duration = %v, want 60000", d)
	}
}

func TestCloseSessionTwice(t *testing.T) {
	store := setupTestStore(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustOpenSession(t, store, "s1", "", started)

	first := started.Add(time.Minute)
	if err := store.CloseSession("s1", first); err != nil {
		t.Fatalf("first close: %v", err)
	}

	err := store.CloseSession("s1", started.Add(2*time.Minute))
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("second close: got %v, want ErrSessionEnded", err)
	}

	// The first end timestamp must survive untouched.
	header, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !header.EndedAt.Equal(first) {
		t.Errorf("ended_at changed to %v", header.EndedAt)
	}
}

func TestCloseSessionNotFound(t *testing.T) {
	store := setupTestStore(t)
	err := store.CloseSession("ghost", time.Now().UTC())
	if !errors.Is(err, analytics.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestBackfillModel(t *testing.T) {
	store := setupTestStore(t)
	started := time.Now().UTC()
	mustOpenSession(t, store, "s1", "", started)

	if err := store.BackfillModel("s1", "gemini-2.5-flash"); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	header, _ := store.GetSession("s1")
	if header.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q, want gemini-2.5-flash", header.Model)
	}

	// A set model is never overwritten.
	if err := store.BackfillModel("s1", "gemini-2.5-pro"); err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	header, _ = store.GetSession("s1")
	if header.Model != "gemini-2.5-flash" {
		t.Errorf("model overwritten to %q", header.Model)
	}
}

func TestInsertEventAssignsRecordedAt(t *testing.T) {
	store := setupTestStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	mustOpenSession(t, store, "s1", "", fixed)

	stored, err := store.InsertEvent(Event{
		ID:        "e1",
		SessionID: "s1",
		Kind:      KindToolStart,
		ToolName:  "bash",
		// Caller-supplied timestamps are ignored.
		RecordedAt: fixed.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if !stored.RecordedAt.Equal(fixed) {
		t.Errorf("recorded_at = %v, want %v", stored.RecordedAt, fixed)
	}
}

func TestToolDurationsFiltering(t *testing.T) {
	store := setupTestStore(t)
	started := time.Now().UTC()
	mustOpenSession(t, store, "s1", "", started)
	mustOpenSession(t, store, "s2", "", started)

	events := []Event{
		{ID: "e1", SessionID: "s1", Kind: KindToolEnd, ToolName: "bash", DurationMs: i64(100)},
		{ID: "e2", SessionID: "s1", Kind: KindToolEnd, ToolName: "bash", DurationMs: i64(200), ErrorMessage: "exit 1"},
		// Missing duration: excluded, not zero.
		{ID: "e3", SessionID: "s1", Kind: KindToolEnd, ToolName: "grep"},
		// Missing tool name: excluded.
		{ID: "e4", SessionID: "s1", Kind: KindToolEnd, DurationMs: i64(5)},
		// Wrong kind: excluded.
		{ID: "e5", SessionID: "s1", Kind: KindToolStart, ToolName: "bash", DurationMs: i64(1)},
		// Other session.
		{ID: "e6", SessionID: "s2", Kind: KindToolEnd, ToolName: "read_file", DurationMs: i64(42)},
	}
	for _, e := range events {
		if _, err := store.InsertEvent(e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	samples, err := store.ToolDurations("s1")
	if err != nil {
		t.Fatalf("tool durations: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples = %+v, want 2 rows", samples)
	}
	if samples[0].DurationMs != 100 || samples[0].IsError {
		t.Errorf("first sample = %+v", samples[0])
	}
	if samples[1].DurationMs != 200 || !samples[1].IsError {
		t.Errorf("second sample = %+v", samples[1])
	}

	all, err := store.AllToolDurations()
	if err != nil {
		t.Fatalf("all tool durations: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all samples = %+v, want 3 rows", all)
	}
}

func TestLLMCharRowsOrderAndNulls(t *testing.T) {
	store := setupTestStore(t)
	started := time.Now().UTC()
	mustOpenSession(t, store, "s1", "", started)

	for _, e := range []Event{
		{ID: "e1", SessionID: "s1", Kind: KindLLMRequest, PromptChars: i64(4000), Model: "gemini-2.5-pro"},
		{ID: "e2", SessionID: "s1", Kind: KindLLMResponse, ResponseChars: i64(800)},
		{ID: "e3", SessionID: "s1", Kind: KindToolEnd, ToolName: "bash", DurationMs: i64(10)},
	} {
		if _, err := store.InsertEvent(e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	rows, err := store.LLMCharRows("s1")
	if err != nil {
		t.Fatalf("llm rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want 2", rows)
	}
	if rows[0].PromptChars != 4000 || rows[0].Model != "gemini-2.5-pro" {
		t.Errorf("first row = %+v", rows[0])
	}
	if rows[1].ResponseChars != 800 || rows[1].Model != "" {
		t.Errorf("second row = %+v", rows[1])
	}
}

func TestDailyLLMChars(t *testing.T) {
	store := setupTestStore(t)
	day1 := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)

	mustOpenSession(t, store, "s1", "", day1)
	mustOpenSession(t, store, "s2", "", day2)

	for _, e := range []Event{
		{ID: "e1", SessionID: "s1", Kind: KindLLMRequest, PromptChars: i64(1000)},
		{ID: "e2", SessionID: "s1", Kind: KindLLMResponse, ResponseChars: i64(500)},
		{ID: "e3", SessionID: "s2", Kind: KindLLMRequest, PromptChars: i64(9999)},
	} {
		if _, err := store.InsertEvent(e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	prompt, response, err := store.DailyLLMChars("2026-03-01")
	if err != nil {
		t.Fatalf("daily chars: %v", err)
	}
	if prompt != 1000 || response != 500 {
		t.Errorf("day 1 chars = %d/%d, want 1000/500", prompt, response)
	}

	prompt, response, err = store.DailyLLMChars("2026-03-03")
	if err != nil {
		t.Fatalf("daily chars empty day: %v", err)
	}
	if prompt != 0 || response != 0 {
		t.Errorf("empty day chars = %d/%d", prompt, response)
	}
}

func TestCountsAndToolNames(t *testing.T) {
	store := setupTestStore(t)
	mustOpenSession(t, store, "s1", "", time.Now().UTC())

	for _, e := range []Event{
		{ID: "e1", SessionID: "s1", Kind: KindToolEnd, ToolName: "bash", DurationMs: i64(10)},
		{ID: "e2", SessionID: "s1", Kind: KindToolEnd, ToolName: "grep", DurationMs: i64(5), ErrorMessage: "boom"},
		{ID: "e3", SessionID: "s1", Kind: KindError, ErrorMessage: "fatal"},
		{ID: "e4", SessionID: "s1", Kind: KindToolStart, ToolName: "bash"},
		{ID: "e5", SessionID: "s1", Kind: KindLLMRequest, PromptChars: i64(100)},
	} {
		if _, err := store.InsertEvent(e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	if n, _ := store.CountByKind("s1", string(KindToolEnd)); n != 2 {
		t.Errorf("tool end count = %d, want 2", n)
	}
	if n, _ := store.CountByKind("s1", string(KindLLMRequest)); n != 1 {
		t.Errorf("llm request count = %d, want 1", n)
	}

	// ERROR events plus failed TOOL_ENDs.
	if n, _ := store.ErrorCount("s1"); n != 2 {
		t.Errorf("error count = %d, want 2", n)
	}

	names, err := store.DistinctToolNames("s1")
	if err != nil {
		t.Fatalf("tool names: %v", err)
	}
	if len(names) != 2 || names[0] != "bash" || names[1] != "grep" {
		t.Errorf("tool names = %v", names)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	store := setupTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mustOpenSession(t, store, "s1", "", base)
	mustOpenSession(t, store, "s2", "", base.Add(time.Hour))
	mustOpenSession(t, store, "s3", "", base.Add(2*time.Hour))
	if err := store.CloseSession("s2", base.Add(90*time.Minute)); err != nil {
		t.Fatalf("close s2: %v", err)
	}

	active, err := store.ListSessions(StatusActive, 10)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}

	ended, err := store.ListSessions(StatusEnded, 10)
	if err != nil {
		t.Fatalf("list ended: %v", err)
	}
	if len(ended) != 1 || ended[0].ID != "s2" {
		t.Errorf("ended = %+v", ended)
	}

	all, err := store.ListSessions(StatusAll, 2)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "s3" {
		t.Errorf("all (limit 2, newest first) = %+v", all)
	}

	if _, err := store.ListSessions("bogus", 10); err == nil {
		t.Error("expected error for unsupported status")
	}
}

func TestUpdateBudgetConfigMerges(t *testing.T) {
	store := setupTestStore(t)

	session := 2.5
	updated, err := store.UpdateBudgetConfig(analytics.BudgetPatch{SessionCapUSD: &session})
	if err != nil {
		t.Fatalf("update budget: %v", err)
	}
	if updated.SessionCapUSD != 2.5 || updated.DailyCapUSD != 0 || updated.AlertThresholdPct != 80 {
		t.Errorf("after first patch: %+v", updated)
	}

	threshold := 90
	updated, err = store.UpdateBudgetConfig(analytics.BudgetPatch{AlertThresholdPct: &threshold})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if updated.SessionCapUSD != 2.5 || updated.AlertThresholdPct != 90 {
		t.Errorf("after second patch: %+v", updated)
	}

	stored, err := store.GetBudgetConfig()
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if stored != updated {
		t.Errorf("stored %+v != returned %+v", stored, updated)
	}
}

func TestRunInTransactionRollsBack(t *testing.T) {
	store := setupTestStore(t)
	started := time.Now().UTC()

	wantErr := errors.New("abort")
	err := store.RunInTransaction(func(tx *Store) error {
		if err := tx.InsertSession(analytics.SessionHeader{ID: "s1", StartedAt: started}, ""); err != nil {
			return err
		}
		if _, err := tx.InsertEvent(Event{ID: "e1", SessionID: "s1", Kind: KindSessionStart}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("transaction error = %v", err)
	}

	if _, err := store.GetSession("s1"); !errors.Is(err, analytics.ErrSessionNotFound) {
		t.Errorf("rolled-back session still visible: %v", err)
	}
}

func TestRunInTransactionCommits(t *testing.T) {
	store := setupTestStore(t)
	started := time.Now().UTC()

	err := store.RunInTransaction(func(tx *Store) error {
		if err := tx.InsertSession(analytics.SessionHeader{ID: "s1", StartedAt: started}, ""); err != nil {
			return err
		}
		_, err := tx.InsertEvent(Event{ID: "e1", SessionID: "s1", Kind: KindSessionStart})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if _, err := store.GetSession("s1"); err != nil {
		t.Errorf("committed session not visible: %v", err)
	}
	if n, _ := store.CountByKind("s1", string(KindSessionStart)); n != 1 {
		t.Errorf("session start count = %d, want 1", n)
	}
}

func TestBuildSummaryAgainstRealStore(t *testing.T) {
	store := setupTestStore(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustOpenSession(t, store, "s1", "gemini-2.5-pro", started)

	for _, e := range []Event{
		{ID: "e1", SessionID: "s1", Kind: KindLLMRequest, PromptChars: i64(4000), Model: "gemini-2.5-pro"},
		{ID: "e2", SessionID: "s1", Kind: KindLLMResponse, ResponseChars: i64(800), Model: "gemini-2.5-pro"},
		{ID: "e3", SessionID: "s1", Kind: KindToolEnd, ToolName: "bash", DurationMs: i64(100)},
	} {
		if _, err := store.InsertEvent(e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}

	summary, err := analytics.BuildSummary(store, analytics.DefaultPricing(), "s1")
	if err != nil {
		t.Fatalf("build summary: %v", err)
	}

	if summary.Cost.TotalCostUSD != 0.000135 {
		t.Errorf("total cost = %f, want 0.000135", summary.Cost.TotalCostUSD)
	}
	if summary.Latency == nil || summary.Latency.P95 != 100 {
		t.Errorf("latency = %+v", summary.Latency)
	}
	if summary.DurationMs != nil {
		t.Errorf("open session has duration %v", summary.DurationMs)
	}
}
