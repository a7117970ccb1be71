package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corral/pkg/protocol"
)

// RunStore owns the runs table and the run state machine. Every
// transition is a single guarded UPDATE; concurrency races are decided
// by RowsAffected, never by check-then-write.
type RunStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewRunStore creates a RunStore over db.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, nowFunc: time.Now}
}

const runCols = `id, type, session_id, agent_name, prompt, project_dir,
	COALESCE(parent_session_id, ''), execution_mode, demands, status,
	COALESCE(runner_id, ''), agent_config, error, stop_signal, result,
	created_at, COALESCE(claimed_at, ''), COALESCE(started_at, ''),
	COALESCE(completed_at, ''), COALESCE(timeout_at, '')`

func scanRun(row interface{ Scan(...any) error }) (protocol.Run, error) {
	var r protocol.Run
	var demands string
	err := row.Scan(&r.ID, &r.Type, &r.SessionID, &r.AgentName, &r.Prompt,
		&r.ProjectDir, &r.ParentSessionID, &r.Mode, &demands, &r.Status,
		&r.RunnerID, &r.AgentConfig, &r.Error, &r.StopSig, &r.Result,
		&r.CreatedAt, &r.ClaimedAt, &r.StartedAt, &r.CompletedAt, &r.TimeoutAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(demands), &r.Demands); err != nil {
		return r, fmt.Errorf("decode demands of run %s: %w", r.ID, err)
	}
	return r, nil
}

// Insert persists a freshly created pending run.
func (s *RunStore) Insert(ctx context.Context, r protocol.Run) error {
	demands, err := json.Marshal(r.Demands)
	if err != nil {
		return fmt.Errorf("encode demands: %w", err)
	}
	var parent, timeout any
	if r.ParentSessionID != "" {
		parent = r.ParentSessionID
	}
	if r.TimeoutAt != "" {
		timeout = r.TimeoutAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, type, session_id, agent_name, prompt, project_dir,
		   parent_session_id, execution_mode, demands, status, agent_config, created_at, timeout_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.SessionID, r.AgentName, r.Prompt, r.ProjectDir,
		parent, r.Mode, string(demands), r.Status, r.AgentConfig, r.CreatedAt, timeout)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get returns a run snapshot.
func (s *RunStore) Get(ctx context.Context, id string) (protocol.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Run{}, &protocol.NotFoundError{Kind: "run", ID: id}
	}
	if err != nil {
		return protocol.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// PendingInOrder returns all pending runs, earliest created first. The
// dispatcher scans this list on each poll and delivers the first run
// the polling runner satisfies.
func (s *RunStore) PendingInOrder(ctx context.Context) ([]protocol.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE status = ? ORDER BY created_at, id`, protocol.RunPending)
	if err != nil {
		return nil, fmt.Errorf("pending runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Claim atomically assigns a pending run to a runner. Exactly one
// caller wins under concurrent claims: the UPDATE is guarded on
// status='pending' and losers see zero affected rows.
func (s *RunStore) Claim(ctx context.Context, runID, runnerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, runner_id = ?, claimed_at = ?
		 WHERE id = ? AND status = ?`,
		protocol.RunClaimed, runnerID, protocol.FormatTime(s.nowFunc()),
		runID, protocol.RunPending)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if n == 1 {
		return nil
	}
	cur, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}
	return &protocol.ConflictError{Reason: fmt.Sprintf("run %s already claimed (status %s)", runID, cur.Status)}
}

// Transition applies a runner-reported lifecycle transition. The UPDATE
// is guarded on the legal source status and the claim-owning runner, so
// duplicate, out-of-order, or not-owner reports never mutate the run.
func (s *RunStore) Transition(ctx context.Context, runID, runnerID string, from []protocol.RunStatus, rep protocol.ReportPayload) (protocol.Run, error) {
	now := protocol.FormatTime(s.nowFunc())

	var to protocol.RunStatus
	set := `status = ?`
	args := []any{}
	switch rep.Event {
	case protocol.ReportStarted:
		to = protocol.RunRunning
		set += `, started_at = ?`
		args = append(args, to, now)
	case protocol.ReportCompleted:
		to = protocol.RunCompleted
		set += `, result = ?, completed_at = ?`
		args = append(args, to, rep.Result, now)
	case protocol.ReportFailed:
		to = protocol.RunFailed
		set += `, error = ?, completed_at = ?`
		args = append(args, to, rep.Error, now)
	case protocol.ReportStopped:
		to = protocol.RunStopped
		set += `, stop_signal = ?, completed_at = ?`
		args = append(args, to, rep.Signal, now)
	default:
		return protocol.Run{}, &protocol.ValidationError{Field: "event", Reason: "unknown report event"}
	}

	query := `UPDATE runs SET ` + set + ` WHERE id = ? AND runner_id = ? AND status IN (`
	args = append(args, runID, runnerID)
	for i, f := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, f)
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return protocol.Run{}, fmt.Errorf("transition run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return protocol.Run{}, fmt.Errorf("transition run %s: %w", runID, err)
	}
	if n == 0 {
		cur, err := s.Get(ctx, runID)
		if err != nil {
			return protocol.Run{}, err
		}
		if cur.RunnerID != runnerID {
			return protocol.Run{}, &protocol.StateError{Kind: "run", ID: runID, Status: string(cur.Status), Op: "report on non-owned"}
		}
		return protocol.Run{}, &protocol.StateError{Kind: "run", ID: runID, Status: string(cur.Status), Op: string(rep.Event) + " report on"}
	}
	return s.Get(ctx, runID)
}

// MarkStopping flips an active run to stopping. Valid only from
// claimed or running.
func (s *RunStore) MarkStopping(ctx context.Context, runID string) (protocol.Run, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status IN (?, ?)`,
		protocol.RunStopping, runID, protocol.RunClaimed, protocol.RunRunning)
	if err != nil {
		return protocol.Run{}, fmt.Errorf("mark run %s stopping: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return protocol.Run{}, fmt.Errorf("mark run %s stopping: %w", runID, err)
	}
	cur, gerr := s.Get(ctx, runID)
	if gerr != nil {
		return protocol.Run{}, gerr
	}
	if n == 0 {
		return protocol.Run{}, &protocol.StateError{Kind: "run", ID: runID, Status: string(cur.Status), Op: "stop"}
	}
	return cur, nil
}

// ExpireTimedOut fails every demand-bearing pending run whose timeout
// window has elapsed, and returns the runs it failed. Each row is
// guarded on status='pending' so a concurrent claim always wins over
// the sweeper.
func (s *RunStore) ExpireTimedOut(ctx context.Context) ([]protocol.Run, error) {
	now := protocol.FormatTime(s.nowFunc())
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		protocol.RunPending, now)
	if err != nil {
		return nil, fmt.Errorf("scan timed-out runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate timed-out runs: %w", err)
	}
	_ = rows.Close()

	var expired []protocol.Run
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?`,
			protocol.RunFailed, ErrNoMatchingRunner, now, id, protocol.RunPending)
		if err != nil {
			return nil, fmt.Errorf("expire run %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("expire run %s: %w", id, err)
		}
		if n == 0 {
			continue // claimed between the scan and the update
		}
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expired = append(expired, r)
	}
	return expired, nil
}

// ActiveForSession returns the session's most recent non-terminal run.
func (s *RunStore) ActiveForSession(ctx context.Context, sessionID string) (protocol.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM runs
		 WHERE session_id = ? AND status IN (?, ?, ?, ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID, protocol.RunPending, protocol.RunClaimed, protocol.RunRunning, protocol.RunStopping)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Run{}, &protocol.StateError{Kind: "session", ID: sessionID, Status: "", Op: "stop inactive"}
	}
	if err != nil {
		return protocol.Run{}, fmt.Errorf("active run for session %s: %w", sessionID, err)
	}
	return r, nil
}

// ErrNoMatchingRunner is the recorded error text for a demand-bearing
// run that expired unclaimed.
const ErrNoMatchingRunner = "no matching runner"
