package coordinator

import (
	"context"

	"corral/pkg/protocol"
)

// RequestStop resolves a stop request (by run id or owning session id)
// to its active run, flips run and session to stopping, and enqueues a
// stop command for the claiming runner. The runner's blocked poll, if
// any, is woken immediately.
//
// Stopping is cooperative: if the runner never polls again the run
// stays in stopping until the runner reconnects or is deregistered.
func (c *Coordinator) RequestStop(ctx context.Context, p protocol.StopPayload) error {
	var run protocol.Run
	var err error
	switch {
	case p.RunID != "":
		run, err = c.runs.Get(ctx, p.RunID)
	case p.SessionID != "":
		if _, err = c.sessions.Get(ctx, p.SessionID); err == nil {
			run, err = c.runs.ActiveForSession(ctx, p.SessionID)
		}
	default:
		err = &protocol.ValidationError{Field: "stop", Reason: "run_id or session_id required"}
	}
	if err != nil {
		return err
	}

	run, err = c.runs.MarkStopping(ctx, run.ID)
	if err != nil {
		return err
	}
	if err := c.sessions.SetStatus(ctx, run.SessionID, protocol.SessionStopping); err != nil {
		return err
	}

	c.enqueueStop(run.RunnerID, run.ID)
	c.logEvent(ctx, "stop_requested", run.ID, run.SessionID, run.RunnerID, "")
	c.wake(run.RunnerID)
	return nil
}

// enqueueStop appends a stop command to the runner's ephemeral queue.
func (c *Coordinator) enqueueStop(runnerID, runID string) {
	cmd := protocol.StopCommand{RunID: runID, EnqueuedAt: protocol.FormatTime(c.nowFunc())}
	c.mu.Lock()
	c.stops[runnerID] = append(c.stops[runnerID], cmd)
	c.mu.Unlock()
}

// takeStops consumes and clears the runner's pending stop commands.
func (c *Coordinator) takeStops(runnerID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds := c.stops[runnerID]
	if len(cmds) == 0 {
		return nil
	}
	delete(c.stops, runnerID)
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.RunID
	}
	return ids
}

// dropStop removes any queued stop command for a run that already
// reached a terminal state, so a later poll is not told to stop a
// process that no longer exists.
func (c *Coordinator) dropStop(runnerID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds := c.stops[runnerID]
	kept := cmds[:0]
	for _, cmd := range cmds {
		if cmd.RunID != runID {
			kept = append(kept, cmd)
		}
	}
	if len(kept) == 0 {
		delete(c.stops, runnerID)
		return
	}
	c.stops[runnerID] = kept
}
