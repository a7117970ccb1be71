package coordinator

import (
	"context"
	"encoding/json"

	"corral/pkg/protocol"
)

// CallbackInput is the structured prompt a callback resume run carries
// back to the parent session: the child's identity, outcome, and
// result or error.
type CallbackInput struct {
	ChildSessionID string              `json:"child_session_id"`
	ChildRunID     string              `json:"child_run_id"`
	Status         protocol.RunStatus  `json:"status"`
	Result         string              `json:"result,omitempty"`
	Error          string              `json:"error,omitempty"`
	StopSignal     protocol.StopSignal `json:"stop_signal,omitempty"`
}

// processCallback completes parent/child orchestration: when a child
// run under async_callback mode reaches a terminal state, a resume run
// against the parent session is enqueued through the normal run queue,
// so it is subject to dispatch and affinity routing like any other run.
//
// Delivery failure (parent deleted, parent never bound) is logged and
// queryable but not retried; there is no dead-letter redelivery.
func (c *Coordinator) processCallback(ctx context.Context, child protocol.Run) {
	if child.Mode != protocol.ModeAsyncCallback || child.ParentSessionID == "" {
		return
	}

	input, err := json.Marshal(CallbackInput{
		ChildSessionID: child.SessionID,
		ChildRunID:     child.ID,
		Status:         child.Status,
		Result:         child.Result,
		Error:          child.Error,
		StopSignal:     child.StopSig,
	})
	if err != nil {
		c.failCallback(ctx, child, err)
		return
	}

	parent, err := c.sessions.Get(ctx, child.ParentSessionID)
	if err != nil {
		c.failCallback(ctx, child, err)
		return
	}

	created, err := c.CreateRun(ctx, protocol.CreateRunPayload{
		Type:       protocol.RunResume,
		SessionID:  parent.ID,
		AgentName:  parent.AgentName,
		Prompt:     string(input),
		ProjectDir: parent.ProjectDir,
		Mode:       protocol.ModeAsyncPoll,
	})
	if err != nil {
		c.failCallback(ctx, child, err)
		return
	}

	c.log.Info("callback enqueued", "child_run", child.ID, "parent", parent.ID, "resume_run", created.RunID)
	c.logEvent(ctx, "callback_enqueued", created.RunID, parent.ID, "", child.ID)
}

// failCallback makes a failed delivery observable: logged and recorded
// as an event, never thrown back to anyone.
func (c *Coordinator) failCallback(ctx context.Context, child protocol.Run, err error) {
	c.log.Error("callback delivery failed",
		"child_run", child.ID, "parent", child.ParentSessionID, "err", err)
	c.logEvent(ctx, "callback_failed", child.ID, child.ParentSessionID, "", err.Error())
}
