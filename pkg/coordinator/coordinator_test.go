package coordinator //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"corral/pkg/protocol"

	_ "modernc.org/sqlite"
)

// newTestDB creates an in-memory SQLite database with the protocol schema.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	// Use a shared-cache in-memory DB so all connections see the same data.
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newTestCoordinator creates a Coordinator over an in-memory DB with
// short timeouts suitable for blocking-poll tests.
func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 150 * time.Millisecond
	}
	c := New(cfg, newTestDB(t), slog.New(slog.DiscardHandler))
	return c
}

// mustRegister registers a runner and fails the test on error.
func mustRegister(t *testing.T, c *Coordinator, p protocol.RegisterPayload) protocol.Runner {
	t.Helper()
	rn, err := c.runners.Register(context.Background(), p)
	if err != nil {
		t.Fatalf("register runner: %v", err)
	}
	return rn
}

// mustCreate creates a run and fails the test on error.
func mustCreate(t *testing.T, c *Coordinator, p protocol.CreateRunPayload) protocol.RunCreatedPayload {
	t.Helper()
	created, err := c.CreateRun(context.Background(), p)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return created
}

// mustReport applies a runner report and fails the test on error.
func mustReport(t *testing.T, c *Coordinator, rep protocol.ReportPayload) {
	t.Helper()
	if err := c.Report(context.Background(), rep); err != nil {
		t.Fatalf("report %s for %s: %v", rep.Event, rep.RunID, err)
	}
}

// pollOnce runs a single Poll and fails the test on error.
func pollOnce(t *testing.T, c *Coordinator, runnerID string) protocol.Message {
	t.Helper()
	msg, err := c.Poll(context.Background(), runnerID)
	if err != nil {
		t.Fatalf("poll %s: %v", runnerID, err)
	}
	return msg
}

// claimAndStart walks a pending run through claim and started on the
// given runner, returning the assigned run.
func claimAndStart(t *testing.T, c *Coordinator, runnerID string) protocol.Run {
	t.Helper()
	msg := pollOnce(t, c, runnerID)
	if msg.Type != protocol.MsgAssignment {
		t.Fatalf("poll = %s, want assignment", msg.Type)
	}
	run := *msg.Assignment
	mustReport(t, c, protocol.ReportPayload{RunID: run.ID, RunnerID: runnerID, Event: protocol.ReportStarted})
	return run
}

// eventCount counts logged events of a given type.
func eventCount(t *testing.T, c *Coordinator, evType string) int {
	t.Helper()
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM events WHERE type = ?`, evType).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

// defaultRunner is a registration payload for a generic test runner.
func defaultRunner() protocol.RegisterPayload {
	return protocol.RegisterPayload{
		Hostname:        "host-a",
		ProjectDir:      "/work/app",
		ExecutorProfile: "claude",
	}
}
