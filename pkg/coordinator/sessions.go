package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"corral/pkg/protocol"
)

// SessionStore owns the sessions table. All mutation goes through
// atomic, guarded statements; callers never read-modify-write.
type SessionStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSessionStore creates a SessionStore over db.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, nowFunc: time.Now}
}

const sessionCols = `id, status, project_dir, agent_name,
	COALESCE(parent_session_id, ''), COALESCE(runner_id, ''),
	COALESCE(hostname, ''), COALESCE(executor_profile, ''),
	COALESCE(affinity_project_dir, ''), created_at, COALESCE(last_resumed_at, '')`

func scanSession(row interface{ Scan(...any) error }) (protocol.Session, error) {
	var s protocol.Session
	err := row.Scan(&s.ID, &s.Status, &s.ProjectDir, &s.AgentName,
		&s.ParentSessionID, &s.RunnerID, &s.Hostname, &s.ExecutorProfile,
		&s.AffinityDir, &s.CreatedAt, &s.LastResumedAt)
	return s, err
}

// Create inserts a new pending session. Colliding with an existing id
// is a conflict.
func (s *SessionStore) Create(ctx context.Context, id, agentName, projectDir, parentID string) (protocol.Session, error) {
	now := protocol.FormatTime(s.nowFunc())
	var parent any
	if parentID != "" {
		parent = parentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, project_dir, agent_name, parent_session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, protocol.SessionPending, projectDir, agentName, parent, now)
	if err != nil {
		if isUniqueViolation(err) {
			return protocol.Session{}, &protocol.ConflictError{Reason: fmt.Sprintf("session %s already exists", id)}
		}
		return protocol.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return protocol.Session{
		ID:              id,
		Status:          protocol.SessionPending,
		ProjectDir:      projectDir,
		AgentName:       agentName,
		ParentSessionID: parentID,
		CreatedAt:       now,
	}, nil
}

// Get returns a session snapshot.
func (s *SessionStore) Get(ctx context.Context, id string) (protocol.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Session{}, &protocol.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return protocol.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// List returns all sessions ordered by creation time.
func (s *SessionStore) List(ctx context.Context) ([]protocol.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// BindAffinity binds the session to the runner that started its first
// run. Affinity is written exactly once; later calls are no-ops.
func (s *SessionStore) BindAffinity(ctx context.Context, id string, r protocol.Runner) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET runner_id = ?, hostname = ?, executor_profile = ?, affinity_project_dir = ?
		 WHERE id = ? AND runner_id IS NULL`,
		r.ID, r.Hostname, r.ExecutorProfile, r.ProjectDir, id)
	if err != nil {
		return fmt.Errorf("bind affinity for session %s: %w", id, err)
	}
	return nil
}

// SetStatus advances the session status. Status rank is monotonic: an
// attempt to move backward (or to rewrite a terminal status) is
// silently dropped, so late or duplicate run reports can never regress
// a session.
func (s *SessionStore) SetStatus(ctx context.Context, id string, status protocol.SessionStatus) error {
	for {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if status.Rank() <= cur.Status.Rank() {
			return nil
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
			status, id, cur.Status)
		if err != nil {
			return fmt.Errorf("set session %s status: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set session %s status: %w", id, err)
		}
		if n == 1 {
			return nil
		}
		// Raced with a concurrent transition; re-read and re-check.
	}
}

// TouchResumed records a resume attempt against the session.
func (s *SessionStore) TouchResumed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_resumed_at = ? WHERE id = ?`,
		protocol.FormatTime(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// Children returns the direct child sessions of id.
func (s *SessionStore) Children(ctx context.Context, id string) ([]protocol.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE parent_session_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("children of session %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// deleteRow removes the session row and its runs. Policy handling
// (children) lives in Coordinator.DeleteSession.
func (s *SessionStore) deleteRow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete runs of session %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// orphanChildren clears the parent reference on all children of id.
func (s *SessionStore) orphanChildren(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET parent_session_id = NULL WHERE parent_session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("orphan children of session %s: %w", id, err)
	}
	return nil
}
