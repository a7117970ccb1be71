package coordinator

import (
	"context"
	"time"
)

// Event is one state-change notification, as published to the durable
// events table and to any plugged-in Notifier.
type Event struct {
	Type      string
	RunID     string
	SessionID string
	RunnerID  string
	Payload   string
	At        time.Time
}

// Notifier receives state-change events for live UIs. It is a
// publish-only dependency: delivery failures are the notifier's
// problem, never the coordinator's.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// logEvent appends a lifecycle event row. Event logging is best-effort;
// a failed insert is logged and swallowed so it can never fail the
// operation that produced it.
func (c *Coordinator) logEvent(ctx context.Context, evType, runID, sessionID, runnerID, payload string) {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO events (type, source, run_id, session_id, runner_id, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		evType, "coordinator", runID, sessionID, runnerID, payload)
	if err != nil {
		c.log.Error("log event", "type", evType, "err", err)
	}
	if c.notifier != nil {
		c.notifier.Publish(ctx, Event{
			Type:      evType,
			RunID:     runID,
			SessionID: sessionID,
			RunnerID:  runnerID,
			Payload:   payload,
			At:        c.nowFunc(),
		})
	}
}
