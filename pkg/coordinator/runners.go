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

// RunnerRegistry owns the runners table. Identity is deterministic
// (hostname+project_dir+executor_profile), so a crashed runner that
// reconnects lands on its old row.
type RunnerRegistry struct {
	db               *sql.DB
	heartbeatTimeout time.Duration
	nowFunc          func() time.Time
}

// NewRunnerRegistry creates a RunnerRegistry over db.
func NewRunnerRegistry(db *sql.DB, heartbeatTimeout time.Duration) *RunnerRegistry {
	return &RunnerRegistry{db: db, heartbeatTimeout: heartbeatTimeout, nowFunc: time.Now}
}

func (r *RunnerRegistry) scan(row interface{ Scan(...any) error }) (protocol.Runner, error) {
	var rn protocol.Runner
	var tags string
	var requireTags, pendingRemoval int
	err := row.Scan(&rn.ID, &rn.Hostname, &rn.ProjectDir, &rn.ExecutorProfile,
		&tags, &requireTags, &pendingRemoval, &rn.RegisteredAt, &rn.LastHeartbeat)
	if err != nil {
		return rn, err
	}
	if err := json.Unmarshal([]byte(tags), &rn.Tags); err != nil {
		return rn, fmt.Errorf("decode tags of runner %s: %w", rn.ID, err)
	}
	rn.RequireTags = requireTags != 0
	rn.Online = r.online(rn.LastHeartbeat)
	return rn, nil
}

// online reports whether a heartbeat timestamp is fresh.
func (r *RunnerRegistry) online(lastHeartbeat string) bool {
	t, err := protocol.ParseTime(lastHeartbeat)
	if err != nil {
		return false
	}
	return r.nowFunc().Sub(t) < r.heartbeatTimeout
}

const runnerCols = `id, hostname, project_dir, executor_profile, tags,
	require_matching_tags, pending_removal, registered_at, last_heartbeat`

// Register adds a runner, or reconnects one whose identity went stale.
// A collision with an online identity is a conflict: at most one online
// runner may exist per identity.
func (r *RunnerRegistry) Register(ctx context.Context, p protocol.RegisterPayload) (protocol.Runner, error) {
	if p.Hostname == "" {
		return protocol.Runner{}, &protocol.ValidationError{Field: "hostname", Reason: "must not be empty"}
	}
	if p.ExecutorProfile == "" {
		return protocol.Runner{}, &protocol.ValidationError{Field: "executor_profile", Reason: "must not be empty"}
	}

	id := protocol.DeriveRunnerID(p.Hostname, p.ProjectDir, p.ExecutorProfile)
	now := protocol.FormatTime(r.nowFunc())
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return protocol.Runner{}, fmt.Errorf("encode tags: %w", err)
	}
	requireTags := 0
	if p.RequireTags {
		requireTags = 1
	}

	existing, err := r.Get(ctx, id)
	switch {
	case err == nil:
		if existing.Online {
			return protocol.Runner{}, &protocol.ConflictError{
				Reason: fmt.Sprintf("runner %s already online for %s:%s (%s)", id, p.Hostname, p.ProjectDir, p.ExecutorProfile),
			}
		}
		// Stale identity: treat as reconnection and replace.
		_, err = r.db.ExecContext(ctx,
			`UPDATE runners SET tags = ?, require_matching_tags = ?, pending_removal = 0,
			   registered_at = ?, last_heartbeat = ?
			 WHERE id = ?`,
			string(tags), requireTags, now, now, id)
		if err != nil {
			return protocol.Runner{}, fmt.Errorf("reconnect runner %s: %w", id, err)
		}
	default:
		var nf *protocol.NotFoundError
		if !errors.As(err, &nf) {
			return protocol.Runner{}, err
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO runners (id, hostname, project_dir, executor_profile, tags,
			   require_matching_tags, registered_at, last_heartbeat)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Hostname, p.ProjectDir, p.ExecutorProfile, string(tags), requireTags, now, now)
		if isUniqueViolation(err) {
			// Lost an insert race against a concurrent registration of
			// the same identity.
			return protocol.Runner{}, &protocol.ConflictError{
				Reason: fmt.Sprintf("runner %s already online for %s:%s (%s)", id, p.Hostname, p.ProjectDir, p.ExecutorProfile),
			}
		}
		if err != nil {
			return protocol.Runner{}, fmt.Errorf("insert runner %s: %w", id, err)
		}
	}

	return r.Get(ctx, id)
}

// Heartbeat refreshes a runner's liveness. An unknown id is rejected;
// heartbeats never create runner records.
func (r *RunnerRegistry) Heartbeat(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runners SET last_heartbeat = ? WHERE id = ?`,
		protocol.FormatTime(r.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", id, err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "runner", ID: id}
	}
	return nil
}

// Get returns a runner snapshot with derived liveness.
func (r *RunnerRegistry) Get(ctx context.Context, id string) (protocol.Runner, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runnerCols+` FROM runners WHERE id = ?`, id)
	rn, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Runner{}, &protocol.NotFoundError{Kind: "runner", ID: id}
	}
	if err != nil {
		return protocol.Runner{}, fmt.Errorf("get runner %s: %w", id, err)
	}
	return rn, nil
}

// List returns all registered runners.
func (r *RunnerRegistry) List(ctx context.Context) ([]protocol.Runner, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runnerCols+` FROM runners ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Runner
	for rows.Next() {
		rn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return out, nil
}

// Deregister removes a runner. Self-initiated removal deletes
// immediately; external removal marks the row so the runner learns of
// it on its next poll and can wind down its current work first.
func (r *RunnerRegistry) Deregister(ctx context.Context, id string, self bool) error {
	var res sql.Result
	var err error
	if self {
		res, err = r.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	} else {
		res, err = r.db.ExecContext(ctx, `UPDATE runners SET pending_removal = 1 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("deregister runner %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deregister runner %s: %w", id, err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "runner", ID: id}
	}
	return nil
}

// ConsumeRemoval completes an externally-initiated deregistration: if
// the runner is marked for removal its row is deleted and true is
// returned, ending the runner's poll cycle.
func (r *RunnerRegistry) ConsumeRemoval(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ? AND pending_removal = 1`, id)
	if err != nil {
		return false, fmt.Errorf("consume removal of runner %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume removal of runner %s: %w", id, err)
	}
	return n == 1, nil
}
