package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"corral/pkg/protocol"
)

// insertPendingRun inserts a minimal pending run directly through the store.
func insertPendingRun(t *testing.T, store *RunStore, id, sessionID string, demands protocol.Demand) {
	t.Helper()
	run := protocol.Run{
		ID:        id,
		Type:      protocol.RunStart,
		SessionID: sessionID,
		AgentName: "agent",
		Mode:      protocol.ModeAsyncPoll,
		Demands:   demands,
		Status:    protocol.RunPending,
		CreatedAt: protocol.FormatTime(store.nowFunc()),
	}
	if err := store.Insert(context.Background(), run); err != nil {
		t.Fatalf("insert run %s: %v", id, err)
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	insertPendingRun(t, store, "run-race", "sess-1", protocol.Demand{})

	// Many runners race to claim the same pending run; the guarded
	// UPDATE admits exactly one winner.
	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = store.Claim(context.Background(), "run-race", fmt.Sprintf("rn-%d", i))
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var ce *protocol.ConflictError
		if !errors.As(err, &ce) {
			t.Errorf("loser error = %v, want ConflictError", err)
		}
	}
	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}

	got, err := store.Get(context.Background(), "run-race")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != protocol.RunClaimed || got.RunnerID == "" {
		t.Errorf("claimed run = status %s runner %q", got.Status, got.RunnerID)
	}
}

func TestTransitionRejectsNonOwner(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	insertPendingRun(t, store, "run-own", "sess-1", protocol.Demand{})
	if err := store.Claim(context.Background(), "run-own", "rn-owner"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := store.Transition(context.Background(), "run-own", "rn-intruder",
		[]protocol.RunStatus{protocol.RunClaimed},
		protocol.ReportPayload{Event: protocol.ReportStarted})
	var se *protocol.StateError
	if !errors.As(err, &se) {
		t.Fatalf("non-owner report error = %v, want StateError", err)
	}

	got, _ := store.Get(context.Background(), "run-own")
	if got.Status != protocol.RunClaimed {
		t.Errorf("rejected report mutated run to %s", got.Status)
	}
}

func TestTransitionTerminalImmutable(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	ctx := context.Background()
	insertPendingRun(t, store, "run-term", "sess-1", protocol.Demand{})
	if err := store.Claim(ctx, "run-term", "rn-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Transition(ctx, "run-term", "rn-1",
		[]protocol.RunStatus{protocol.RunClaimed},
		protocol.ReportPayload{Event: protocol.ReportStarted}); err != nil {
		t.Fatalf("started: %v", err)
	}
	if _, err := store.Transition(ctx, "run-term", "rn-1",
		[]protocol.RunStatus{protocol.RunRunning},
		protocol.ReportPayload{Event: protocol.ReportCompleted, Result: "done"}); err != nil {
		t.Fatalf("completed: %v", err)
	}

	// Any further report, even from the owner, must bounce off.
	_, err := store.Transition(ctx, "run-term", "rn-1",
		[]protocol.RunStatus{protocol.RunClaimed, protocol.RunRunning},
		protocol.ReportPayload{Event: protocol.ReportFailed, Error: "late"})
	var se *protocol.StateError
	if !errors.As(err, &se) {
		t.Fatalf("late report error = %v, want StateError", err)
	}

	got, _ := store.Get(ctx, "run-term")
	if got.Status != protocol.RunCompleted || got.Result != "done" || got.Error != "" {
		t.Errorf("terminal run mutated: %+v", got)
	}
}

func TestTransitionDuplicateReport(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	ctx := context.Background()
	insertPendingRun(t, store, "run-dup", "sess-1", protocol.Demand{})
	if err := store.Claim(ctx, "run-dup", "rn-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rep := protocol.ReportPayload{Event: protocol.ReportStarted}
	if _, err := store.Transition(ctx, "run-dup", "rn-1", []protocol.RunStatus{protocol.RunClaimed}, rep); err != nil {
		t.Fatalf("started: %v", err)
	}
	_, err := store.Transition(ctx, "run-dup", "rn-1", []protocol.RunStatus{protocol.RunClaimed}, rep)
	var se *protocol.StateError
	if !errors.As(err, &se) {
		t.Fatalf("duplicate started error = %v, want StateError", err)
	}
}

func TestPendingInOrder(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		store.nowFunc = func() time.Time { return base.Add(time.Duration(i) * time.Millisecond) }
		insertPendingRun(t, store, id, "sess-1", protocol.Demand{})
	}

	pending, err := store.PendingInOrder(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d runs, want 3", len(pending))
	}
	for i, want := range []string{"run-a", "run-b", "run-c"} {
		if pending[i].ID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, want)
		}
	}
}

func TestExpireTimedOut(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return now }

	expired := protocol.Run{
		ID: "run-old", Type: protocol.RunStart, SessionID: "sess-1", AgentName: "a",
		Mode: protocol.ModeAsyncPoll, Demands: protocol.Demand{Hostname: "nowhere"},
		Status: protocol.RunPending, CreatedAt: protocol.FormatTime(now.Add(-time.Hour)),
		TimeoutAt: protocol.FormatTime(now), // boundary: timeout_at <= now expires
	}
	fresh := expired
	fresh.ID = "run-fresh"
	fresh.TimeoutAt = protocol.FormatTime(now.Add(time.Nanosecond))
	unbounded := expired
	unbounded.ID = "run-forever"
	unbounded.TimeoutAt = ""
	for _, r := range []protocol.Run{expired, fresh, unbounded} {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	failed, err := store.ExpireTimedOut(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-old" {
		t.Fatalf("expired = %+v, want only run-old", failed)
	}
	if failed[0].Status != protocol.RunFailed || failed[0].Error != ErrNoMatchingRunner {
		t.Errorf("expired run = status %s error %q", failed[0].Status, failed[0].Error)
	}

	for _, id := range []string{"run-fresh", "run-forever"} {
		got, _ := store.Get(ctx, id)
		if got.Status != protocol.RunPending {
			t.Errorf("%s = %s, want still pending", id, got.Status)
		}
	}
}

func TestExpireLosesToClaim(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return now }

	run := protocol.Run{
		ID: "run-racy", Type: protocol.RunStart, SessionID: "sess-1", AgentName: "a",
		Mode: protocol.ModeAsyncPoll, Demands: protocol.Demand{Hostname: "host-a"},
		Status: protocol.RunPending, CreatedAt: protocol.FormatTime(now.Add(-time.Hour)),
		TimeoutAt: protocol.FormatTime(now.Add(-time.Minute)),
	}
	if err := store.Insert(ctx, run); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A claim that lands before the sweeper's guarded update always wins.
	if err := store.Claim(ctx, "run-racy", "rn-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := store.ExpireTimedOut(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("sweeper expired a claimed run: %+v", failed)
	}
}

func TestActiveForSession(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store.nowFunc = func() time.Time { return base }
	insertPendingRun(t, store, "run-first", "sess-act", protocol.Demand{})
	if err := store.Claim(ctx, "run-first", "rn-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Transition(ctx, "run-first", "rn-1",
		[]protocol.RunStatus{protocol.RunClaimed},
		protocol.ReportPayload{Event: protocol.ReportStarted}); err != nil {
		t.Fatalf("started: %v", err)
	}
	if _, err := store.Transition(ctx, "run-first", "rn-1",
		[]protocol.RunStatus{protocol.RunRunning},
		protocol.ReportPayload{Event: protocol.ReportCompleted}); err != nil {
		t.Fatalf("completed: %v", err)
	}

	store.nowFunc = func() time.Time { return base.Add(time.Minute) }
	insertPendingRun(t, store, "run-second", "sess-act", protocol.Demand{})

	active, err := store.ActiveForSession(ctx, "sess-act")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != "run-second" {
		t.Errorf("active = %s, want run-second (terminal runs excluded)", active.ID)
	}
}

func TestActiveForSessionNone(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newTestDB(t))
	_, err := store.ActiveForSession(context.Background(), "sess-idle")
	var se *protocol.StateError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StateError", err)
	}
}
