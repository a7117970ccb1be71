// Package protocol defines the wire types, state machines, and typed
// errors shared between the corral coordinator, runners, and clients.
package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// --- Run ---

// RunType distinguishes a session-creating run from a resume.
type RunType string

// Run type constants.
const (
	RunStart  RunType = "start"
	RunResume RunType = "resume"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	return t == RunStart || t == RunResume
}

// RunStatus represents a run's position in its lifecycle state machine.
type RunStatus string

// Run status constants. Transitions move strictly forward:
// pending -> claimed -> running -> {completed|failed|stopping},
// stopping -> stopped, pending -> failed (demand timeout).
const (
	RunPending   RunStatus = "pending"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether s is a terminal status. Terminal runs are
// immutable: any further transition attempt is rejected.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// CanTransition reports whether moving from s to next is a legal
// forward step in the run state machine.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunClaimed || next == RunFailed
	case RunClaimed:
		return next == RunRunning || next == RunStopping || next == RunFailed
	case RunRunning:
		return next == RunCompleted || next == RunFailed || next == RunStopping
	case RunStopping:
		return next == RunStopped
	default:
		return false
	}
}

// ExecutionMode controls what happens when a run reaches a terminal state.
type ExecutionMode string

// Execution mode constants. Only ModeAsyncCallback triggers the callback
// processor; the other two leave result delivery to the caller.
const (
	ModeSync          ExecutionMode = "sync"
	ModeAsyncPoll     ExecutionMode = "async_poll"
	ModeAsyncCallback ExecutionMode = "async_callback"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	return m == ModeSync || m == ModeAsyncPoll || m == ModeAsyncCallback
}

// StopSignal records which signal actually ended a stopped run's process.
type StopSignal string

// Stop signal constants for the runner's escalation contract.
const (
	SignalTerm StopSignal = "SIGTERM"
	SignalKill StopSignal = "SIGKILL"
)

// Run is one ephemeral execution request owned by exactly one session.
type Run struct {
	ID              string        `json:"id"`
	Type            RunType       `json:"type"`
	SessionID       string        `json:"session_id"`
	AgentName       string        `json:"agent_name"`
	Prompt          string        `json:"prompt,omitempty"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	Mode            ExecutionMode `json:"execution_mode"`
	Demands         Demand        `json:"demands,omitempty"`
	Status          RunStatus     `json:"status"`
	RunnerID        string        `json:"runner_id,omitempty"`
	AgentConfig     string        `json:"agent_config,omitempty"` // opaque resolved capability blob
	Error           string        `json:"error,omitempty"`
	StopSig         StopSignal    `json:"stop_signal,omitempty"`
	Result          string        `json:"result,omitempty"`
	CreatedAt       string        `json:"created_at"`
	ClaimedAt       string        `json:"claimed_at,omitempty"`
	StartedAt       string        `json:"started_at,omitempty"`
	CompletedAt     string        `json:"completed_at,omitempty"`
	TimeoutAt       string        `json:"timeout_at,omitempty"`
}

// --- Session ---

// SessionStatus represents a session's derived lifecycle state.
type SessionStatus string

// Session status constants.
const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionFinished SessionStatus = "finished"
)

// Rank orders session statuses for monotonicity checks. A session's
// status may only move to an equal or higher rank; it never regresses
// (e.g. finished back to running).
func (s SessionStatus) Rank() int {
	switch s {
	case SessionPending:
		return 0
	case SessionRunning:
		return 1
	case SessionStopping:
		return 2
	case SessionStopped, SessionFinished:
		return 3
	default:
		return -1
	}
}

// Session is a durable, named, resumable unit of conversational state.
// Affinity fields bind the session to the runner that holds its live
// execution state; they are set once, when the first run starts.
type Session struct {
	ID              string        `json:"id"`
	Status          SessionStatus `json:"status"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	AgentName       string        `json:"agent_name"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	RunnerID        string        `json:"runner_id,omitempty"` // executor instance affinity
	Hostname        string        `json:"hostname,omitempty"`
	ExecutorProfile string        `json:"executor_profile,omitempty"`
	AffinityDir     string        `json:"affinity_project_dir,omitempty"`
	CreatedAt       string        `json:"created_at"`
	LastResumedAt   string        `json:"last_resumed_at,omitempty"`
}

// HasAffinity reports whether the session has been bound to a runner.
func (s Session) HasAffinity() bool {
	return s.RunnerID != ""
}

// --- Runner ---

// Runner is a registered worker process.
type Runner struct {
	ID              string   `json:"id"`
	Hostname        string   `json:"hostname"`
	ProjectDir      string   `json:"project_dir"`
	ExecutorProfile string   `json:"executor_profile"`
	Tags            []string `json:"tags,omitempty"`
	RequireTags     bool     `json:"require_matching_tags,omitempty"`
	RegisteredAt    string   `json:"registered_at"`
	LastHeartbeat   string   `json:"last_heartbeat"`
	Online          bool     `json:"online"` // derived from heartbeat freshness
}

// DeriveRunnerID computes the deterministic runner id for an identity
// triple. Reconnecting with the same identity yields the same id, which
// makes re-registration after a crash idempotent.
func DeriveRunnerID(hostname, projectDir, executorProfile string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%s", hostname, projectDir, executorProfile)))
	return "rn-" + hex.EncodeToString(sum[:6])
}

// StopCommand is an ephemeral per-runner queue entry. It is consumed
// (and removed) the moment the target runner's poll observes it.
type StopCommand struct {
	RunID      string `json:"run_id"`
	EnqueuedAt string `json:"enqueued_at"`
}
