package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *Store, base time.Time) {
	t.Helper()
	records := []Record{
		{Timestamp: base, Model: "gemini-2.5-flash", Status: "success", DurationSeconds: 1.5, ToolCalls: 2},
		{Timestamp: base.Add(time.Hour), Model: "gemini-2.5-flash", Status: "success_with_tool_errors", DurationSeconds: 3.0, ToolCalls: 4, ToolErrors: 1},
		{Timestamp: base.Add(2 * time.Hour), Model: "qwen3", Status: "success", DurationSeconds: 0.5, ToolCalls: 0},
		{Timestamp: base.Add(48 * time.Hour), Model: "qwen3", Status: "error_http_timeout", DurationSeconds: 120},
	}
	for _, rec := range records {
		if err := store.Record(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStoreSummary(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	seed(t, store, base)

	// Window covers the first three records only.
	sum, err := store.Summary(base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalTurns != 3 {
		t.Errorf("TotalTurns = %d", sum.TotalTurns)
	}
	if sum.TotalToolCalls != 6 {
		t.Errorf("TotalToolCalls = %d", sum.TotalToolCalls)
	}
	if sum.TotalToolErrors != 1 {
		t.Errorf("TotalToolErrors = %d", sum.TotalToolErrors)
	}
	if sum.TotalDuration != 5.0 {
		t.Errorf("TotalDuration = %v", sum.TotalDuration)
	}
}

func TestStoreSummaryByModel(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	seed(t, store, base)

	byModel, err := store.SummaryByModel(base, base.Add(72*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 2 {
		t.Fatalf("byModel = %v", byModel)
	}
	if got := byModel["gemini-2.5-flash"]; got == nil || got.TotalTurns != 2 || got.TotalToolCalls != 6 {
		t.Errorf("gemini summary = %+v", got)
	}
	if got := byModel["qwen3"]; got == nil || got.TotalTurns != 2 {
		t.Errorf("qwen3 summary = %+v", got)
	}
}

func TestStoreSummaryByStatus(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	seed(t, store, base)

	byStatus, err := store.SummaryByStatus(base, base.Add(72*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got := byStatus["success"]; got == nil || got.TotalTurns != 2 {
		t.Errorf("success summary = %+v", got)
	}
	if got := byStatus["error_http_timeout"]; got == nil || got.TotalTurns != 1 || got.TotalDuration != 120 {
		t.Errorf("timeout summary = %+v", got)
	}
}

func TestStoreRecordGeneratesID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, Record{Model: "qwen3", Status: "success"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, Record{Model: "qwen3", Status: "success"}); err != nil {
		t.Fatalf("second insert failed (ID collision?): %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM turn_records`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("distinct IDs = %d, want 2", count)
	}
}

func TestStoreEmptyWindow(t *testing.T) {
	store := newTestStore(t)

	sum, err := store.Summary(time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalTurns != 0 || sum.TotalToolCalls != 0 {
		t.Errorf("summary = %+v", sum)
	}
}
