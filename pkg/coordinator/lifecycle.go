package coordinator

import (
	"context"
	"fmt"
	"regexp"

	"corral/pkg/protocol"

	"github.com/google/uuid"
)

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// validateCreate rejects malformed create requests synchronously.
func validateCreate(p protocol.CreateRunPayload) error {
	if !p.Type.Valid() {
		return &protocol.ValidationError{Field: "type", Reason: "must be start or resume"}
	}
	if p.AgentName == "" {
		return &protocol.ValidationError{Field: "agent_name", Reason: "must not be empty"}
	}
	if p.Mode != "" && !p.Mode.Valid() {
		return &protocol.ValidationError{Field: "execution_mode", Reason: "unknown mode"}
	}
	if p.SessionID != "" && !sessionNameRe.MatchString(p.SessionID) {
		return &protocol.ValidationError{Field: "session_id", Reason: "must match [A-Za-z0-9][A-Za-z0-9._-]{0,127}"}
	}
	for _, tag := range p.Demands.Tags {
		if tag == "" {
			return &protocol.ValidationError{Field: "demands.tags", Reason: "empty tag"}
		}
	}
	return nil
}

// CreateRun accepts an execution request. A start run allocates a new
// pending session; a resume run pins its demands to the target
// session's stored affinity, because the resumable conversational state
// lives with one specific runner.
func (c *Coordinator) CreateRun(ctx context.Context, p protocol.CreateRunPayload) (protocol.RunCreatedPayload, error) {
	if err := validateCreate(p); err != nil {
		return protocol.RunCreatedPayload{}, err
	}
	mode := p.Mode
	if mode == "" {
		mode = protocol.ModeAsyncPoll
	}

	var agentConfig string
	if c.resolver != nil {
		blob, err := c.resolver.Resolve(ctx, p.AgentName)
		if err != nil {
			return protocol.RunCreatedPayload{}, &protocol.ValidationError{
				Field: "agent_name", Reason: fmt.Sprintf("resolve %s: %v", p.AgentName, err),
			}
		}
		agentConfig = blob
	}

	demands := p.Demands
	sessionID := p.SessionID
	switch p.Type {
	case protocol.RunStart:
		if sessionID == "" {
			sessionID = "sess-" + uuid.NewString()
		}
		if _, err := c.sessions.Create(ctx, sessionID, p.AgentName, p.ProjectDir, p.ParentSessionID); err != nil {
			return protocol.RunCreatedPayload{}, err
		}
	case protocol.RunResume:
		if sessionID == "" {
			return protocol.RunCreatedPayload{}, &protocol.ValidationError{Field: "session_id", Reason: "required for resume"}
		}
		sess, err := c.sessions.Get(ctx, sessionID)
		if err != nil {
			return protocol.RunCreatedPayload{}, err
		}
		if !sess.HasAffinity() {
			return protocol.RunCreatedPayload{}, &protocol.StateError{
				Kind: "session", ID: sessionID, Status: string(sess.Status), Op: "resume unbound",
			}
		}
		demands = protocol.Demand{
			Hostname:        sess.Hostname,
			ProjectDir:      sess.AffinityDir,
			ExecutorProfile: sess.ExecutorProfile,
		}
		if err := c.sessions.TouchResumed(ctx, sessionID); err != nil {
			return protocol.RunCreatedPayload{}, err
		}
	}

	now := c.nowFunc()
	run := protocol.Run{
		ID:              "run-" + uuid.NewString(),
		Type:            p.Type,
		SessionID:       sessionID,
		AgentName:       p.AgentName,
		Prompt:          p.Prompt,
		ProjectDir:      p.ProjectDir,
		ParentSessionID: p.ParentSessionID,
		Mode:            mode,
		Demands:         demands,
		Status:          protocol.RunPending,
		AgentConfig:     agentConfig,
		CreatedAt:       protocol.FormatTime(now),
	}
	// Demand-free runs wait indefinitely for any runner; demand-bearing
	// runs get the dispatch timeout window.
	if !demands.IsZero() {
		run.TimeoutAt = protocol.FormatTime(now.Add(c.cfg.DemandTimeout))
	}

	if err := c.runs.Insert(ctx, run); err != nil {
		return protocol.RunCreatedPayload{}, err
	}
	c.log.Info("run created", "run", run.ID, "session", sessionID, "type", p.Type, "mode", mode)
	c.logEvent(ctx, "run_created", run.ID, sessionID, "", string(p.Type))
	c.wakeAll()

	return protocol.RunCreatedPayload{RunID: run.ID, SessionID: sessionID, Status: run.Status}, nil
}

// reportSources maps each report event to the run statuses it may
// legally transition from. A claimed run may fail directly: an executor
// that cannot even launch reports failed without a started in between.
func reportSources(e protocol.ReportEvent) []protocol.RunStatus {
	switch e {
	case protocol.ReportStarted:
		return []protocol.RunStatus{protocol.RunClaimed}
	case protocol.ReportCompleted:
		return []protocol.RunStatus{protocol.RunRunning}
	case protocol.ReportFailed:
		return []protocol.RunStatus{protocol.RunClaimed, protocol.RunRunning}
	case protocol.ReportStopped:
		return []protocol.RunStatus{protocol.RunStopping}
	default:
		return nil
	}
}

// Report applies a runner's lifecycle report. Ownership and transition
// legality are enforced in one guarded statement; duplicate or
// out-of-order reports are rejected without touching state. Terminal
// reports derive the session status and feed the callback processor.
func (c *Coordinator) Report(ctx context.Context, p protocol.ReportPayload) error {
	if !p.Event.Valid() {
		return &protocol.ValidationError{Field: "event", Reason: "unknown report event"}
	}

	run, err := c.runs.Transition(ctx, p.RunID, p.RunnerID, reportSources(p.Event), p)
	if err != nil {
		return err
	}

	switch p.Event {
	case protocol.ReportStarted:
		rn, err := c.runners.Get(ctx, p.RunnerID)
		if err != nil {
			return err
		}
		// First start binds the session to this runner for all resumes.
		if err := c.sessions.BindAffinity(ctx, run.SessionID, rn); err != nil {
			return err
		}
		if err := c.sessions.SetStatus(ctx, run.SessionID, protocol.SessionRunning); err != nil {
			return err
		}
		c.logEvent(ctx, "run_started", run.ID, run.SessionID, p.RunnerID, "")

	case protocol.ReportCompleted:
		if err := c.sessions.SetStatus(ctx, run.SessionID, protocol.SessionFinished); err != nil {
			return err
		}
		c.dropStop(p.RunnerID, run.ID)
		c.logEvent(ctx, "run_completed", run.ID, run.SessionID, p.RunnerID, "")
		c.processCallback(ctx, run)

	case protocol.ReportFailed:
		// The session keeps its last known status; a failed run is
		// visible on the run itself and through the event log.
		c.dropStop(p.RunnerID, run.ID)
		c.logEvent(ctx, "run_failed", run.ID, run.SessionID, p.RunnerID, run.Error)
		c.processCallback(ctx, run)

	case protocol.ReportStopped:
		if err := c.sessions.SetStatus(ctx, run.SessionID, protocol.SessionStopped); err != nil {
			return err
		}
		c.dropStop(p.RunnerID, run.ID)
		c.logEvent(ctx, "run_stopped", run.ID, run.SessionID, p.RunnerID, string(run.StopSig))
		c.processCallback(ctx, run)
	}
	return nil
}

// DeleteSession removes a session under the configured parent/child
// policy. Deleting a session also deletes its runs; a parent that is
// already gone when a child's callback fires produces a logged
// callback failure.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	if _, err := c.sessions.Get(ctx, id); err != nil {
		return err
	}
	children, err := c.sessions.Children(ctx, id)
	if err != nil {
		return err
	}

	switch c.cfg.DeletePolicy {
	case DeleteBlock:
		for _, child := range children {
			if child.Status.Rank() < protocol.SessionStopped.Rank() {
				return &protocol.StateError{
					Kind: "session", ID: id, Status: string(child.Status),
					Op: fmt.Sprintf("delete while child %s is active:", child.ID),
				}
			}
		}
	case DeleteCascade:
		for _, child := range children {
			if err := c.DeleteSession(ctx, child.ID); err != nil {
				return err
			}
		}
	case DeleteOrphan:
		if err := c.sessions.orphanChildren(ctx, id); err != nil {
			return err
		}
	}

	if err := c.sessions.deleteRow(ctx, id); err != nil {
		return err
	}
	c.logEvent(ctx, "session_deleted", "", id, "", string(c.cfg.DeletePolicy))
	return nil
}
