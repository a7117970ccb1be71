package protocol

import "time"

// MessageType identifies the payload carried by a Message.
type MessageType string

// Request message types.
const (
	MsgRegister      MessageType = "REGISTER"
	MsgHeartbeat     MessageType = "HEARTBEAT"
	MsgPoll          MessageType = "POLL"
	MsgDeregister    MessageType = "DEREGISTER"
	MsgReport        MessageType = "REPORT"
	MsgCreateRun     MessageType = "CREATE_RUN"
	MsgStop          MessageType = "STOP"
	MsgGetRun        MessageType = "GET_RUN"
	MsgGetSession    MessageType = "GET_SESSION"
	MsgListSessions  MessageType = "LIST_SESSIONS"
	MsgListRunners   MessageType = "LIST_RUNNERS"
	MsgDeleteSession MessageType = "DELETE_SESSION"
)

// Response message types.
const (
	MsgACK          MessageType = "ACK"
	MsgError        MessageType = "ERROR"
	MsgRegistered   MessageType = "REGISTERED"
	MsgRunCreated   MessageType = "RUN_CREATED"
	MsgAssignment   MessageType = "ASSIGNMENT"
	MsgStopRuns     MessageType = "STOP_RUNS"
	MsgNoWork       MessageType = "NO_WORK"
	MsgDeregistered MessageType = "DEREGISTERED"
	MsgRunInfo      MessageType = "RUN_INFO"
	MsgSessionInfo  MessageType = "SESSION_INFO"
	MsgSessionList  MessageType = "SESSION_LIST"
	MsgRunnerList   MessageType = "RUNNER_LIST"
)

// ReportEvent names a lifecycle transition reported by a runner.
type ReportEvent string

// Report event constants.
const (
	ReportStarted   ReportEvent = "started"
	ReportCompleted ReportEvent = "completed"
	ReportFailed    ReportEvent = "failed"
	ReportStopped   ReportEvent = "stopped"
)

// Valid reports whether e is a known report event.
func (e ReportEvent) Valid() bool {
	switch e {
	case ReportStarted, ReportCompleted, ReportFailed, ReportStopped:
		return true
	default:
		return false
	}
}

// Message is the line-delimited JSON envelope exchanged over the
// coordinator socket. Exactly one payload pointer matching Type is set.
// Every connection carries one request line and one response line.
type Message struct {
	Type MessageType `json:"type"`

	Register      *RegisterPayload      `json:"register,omitempty"`
	Heartbeat     *HeartbeatPayload     `json:"heartbeat,omitempty"`
	Poll          *PollPayload          `json:"poll,omitempty"`
	Deregister    *DeregisterPayload    `json:"deregister,omitempty"`
	Report        *ReportPayload        `json:"report,omitempty"`
	CreateRun     *CreateRunPayload     `json:"create_run,omitempty"`
	Stop          *StopPayload          `json:"stop,omitempty"`
	GetRun        *GetRunPayload        `json:"get_run,omitempty"`
	GetSession    *GetSessionPayload    `json:"get_session,omitempty"`
	DeleteSession *DeleteSessionPayload `json:"delete_session,omitempty"`

	ACK        *ACKPayload        `json:"ack,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Registered *RegisteredPayload `json:"registered,omitempty"`
	RunCreated *RunCreatedPayload `json:"run_created,omitempty"`
	Assignment *Run               `json:"assignment,omitempty"`
	StopRuns   *StopRunsPayload   `json:"stop_runs,omitempty"`
	RunInfo    *Run               `json:"run_info,omitempty"`
	Sessions   []Session          `json:"sessions,omitempty"`
	Runners    []Runner           `json:"runners,omitempty"`
}

// RegisterPayload announces a runner's identity and capabilities.
type RegisterPayload struct {
	Hostname        string   `json:"hostname"`
	ProjectDir      string   `json:"project_dir"`
	ExecutorProfile string   `json:"executor_profile"`
	Tags            []string `json:"tags,omitempty"`
	RequireTags     bool     `json:"require_matching_tags,omitempty"`
}

// HeartbeatPayload refreshes a runner's liveness.
type HeartbeatPayload struct {
	RunnerID string `json:"runner_id"`
}

// PollPayload is a runner's blocking request for work.
type PollPayload struct {
	RunnerID string `json:"runner_id"`
}

// DeregisterPayload removes a runner. Self-initiated removal is
// immediate; external removal is delivered on the runner's next poll.
type DeregisterPayload struct {
	RunnerID string `json:"runner_id"`
	Self     bool   `json:"self,omitempty"`
}

// ReportPayload is a runner's lifecycle transition report for a run it owns.
type ReportPayload struct {
	RunID    string      `json:"run_id"`
	RunnerID string      `json:"runner_id"`
	Event    ReportEvent `json:"event"`
	Result   string      `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
	Signal   StopSignal  `json:"signal,omitempty"` // which signal ended a stopped run
}

// CreateRunPayload is a client's request to launch or resume a session.
type CreateRunPayload struct {
	Type            RunType       `json:"type"`
	SessionID       string        `json:"session_id,omitempty"`
	AgentName       string        `json:"agent_name"`
	Prompt          string        `json:"prompt,omitempty"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	Mode            ExecutionMode `json:"execution_mode"`
	Demands         Demand        `json:"demands,omitempty"`
}

// StopPayload requests a stop by run id or by owning session id.
type StopPayload struct {
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetRunPayload requests a read-only run snapshot.
type GetRunPayload struct {
	RunID string `json:"run_id"`
}

// GetSessionPayload requests a read-only session snapshot.
type GetSessionPayload struct {
	SessionID string `json:"session_id"`
}

// DeleteSessionPayload requests explicit session deletion. The
// parent/child cascade behavior is governed by the coordinator's
// configured deletion policy.
type DeleteSessionPayload struct {
	SessionID string `json:"session_id"`
}

// ACKPayload acknowledges a request with no richer response.
type ACKPayload struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ErrorPayload carries a typed failure back to the caller.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Err converts the payload into a client-side error value.
func (p *ErrorPayload) Err() error {
	return &WireError{Kind: p.Kind, Message: p.Message}
}

// RegisteredPayload returns the runner's id and poll configuration.
type RegisteredPayload struct {
	RunnerID          string        `json:"runner_id"`
	PollTimeout       time.Duration `json:"poll_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// RunCreatedPayload is the response to CREATE_RUN.
type RunCreatedPayload struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Status    RunStatus `json:"status"`
}

// StopRunsPayload delivers pending stop commands to a polling runner.
type StopRunsPayload struct {
	RunIDs []string `json:"run_ids"`
}
