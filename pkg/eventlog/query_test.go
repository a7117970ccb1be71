package eventlog //nolint:testpackage // buildQuery is exercised directly

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"corral/pkg/protocol"
)

// seedDB writes a coordinator database with a fixed set of events and
// returns its path.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("schema: %v", err)
	}

	rows := []struct {
		typ, runID, sessionID, runnerID, createdAt string
	}{
		{"run_created", "run-1", "sess-a", "", "2026-03-01 10:00:00"},
		{"run_claimed", "run-1", "sess-a", "rn-aaaaaaaaaaaa", "2026-03-01 10:00:05"},
		{"run_started", "run-1", "sess-a", "rn-aaaaaaaaaaaa", "2026-03-01 10:00:06"},
		{"run_created", "run-2", "sess-b", "", "2026-03-01 11:00:00"},
		{"run_completed", "run-1", "sess-a", "rn-aaaaaaaaaaaa", "2026-03-01 11:30:00"},
	}
	for _, r := range rows {
		_, err := db.Exec(
			`INSERT INTO events (type, source, run_id, session_id, runner_id, payload, created_at)
			 VALUES (?, 'coordinator', ?, ?, ?, '', ?)`,
			r.typ, r.runID, r.sessionID, nullable(r.runnerID), r.createdAt,
		)
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	return path
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func TestReaderMissingDatabase(t *testing.T) {
	t.Parallel()

	_, err := NewReader(filepath.Join(t.TempDir(), "absent.db"))
	if err == nil {
		t.Fatal("expected error for missing database file")
	}
}

func TestQueryNewestFirst(t *testing.T) {
	t.Parallel()

	r, err := NewReader(seedDB(t))
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	events, err := r.Query(context.Background(), QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID >= events[i-1].ID {
			t.Fatalf("events not newest-first: id %d before %d", events[i-1].ID, events[i].ID)
		}
	}
	if events[0].Type != "run_completed" {
		t.Errorf("newest event = %s", events[0].Type)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	r, err := NewReader(seedDB(t))
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	byRun, err := r.Query(ctx, QueryOpts{RunID: "run-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byRun) != 4 {
		t.Errorf("run-1 events = %d, want 4", len(byRun))
	}

	bySession, err := r.Query(ctx, QueryOpts{SessionID: "sess-b"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(bySession) != 1 || bySession[0].RunID != "run-2" {
		t.Errorf("sess-b events = %+v", bySession)
	}

	byType, err := r.Query(ctx, QueryOpts{EventType: "run_created"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("run_created events = %d, want 2", len(byType))
	}

	byRunner, err := r.Query(ctx, QueryOpts{RunnerID: "rn-aaaaaaaaaaaa", EventType: "run_started"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byRunner) != 1 {
		t.Errorf("combined filter events = %d, want 1", len(byRunner))
	}
}

func TestQueryTimeBoundsAndLimit(t *testing.T) {
	t.Parallel()

	r, err := NewReader(seedDB(t))
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	after := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	late, err := r.Query(ctx, QueryOpts{After: &after})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(late) != 2 {
		t.Errorf("events at or after %v = %d, want 2", after, len(late))
	}

	limited, err := r.Query(ctx, QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited events = %d, want 2", len(limited))
	}
	if limited[0].Type != "run_completed" {
		t.Errorf("limit must keep newest first, got %s", limited[0].Type)
	}
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	q, args := buildQuery(QueryOpts{RunID: "run-9", EventType: "run_failed", Limit: 10})
	if !strings.Contains(q, "run_id = ?") || !strings.Contains(q, "type = ?") {
		t.Errorf("query = %s", q)
	}
	if !strings.HasSuffix(q, "LIMIT 10") {
		t.Errorf("query = %s", q)
	}
	if len(args) != 2 {
		t.Errorf("args = %v", args)
	}

	q, args = buildQuery(QueryOpts{})
	if strings.Contains(q, "AND ") {
		t.Errorf("unfiltered query has conditions: %s", q)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}
}
