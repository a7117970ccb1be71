// Package client implements the request/response wire exchange with a
// corral coordinator over its Unix socket. Both the CLI and the runner
// use it; every call is one connection, one request line, one response
// line.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"corral/pkg/protocol"
)

// DefaultTimeout is the connect and exchange deadline for short calls.
// Long-polls pass their own budget via SendTimeout.
const DefaultTimeout = 30 * time.Second

// Client issues requests against a coordinator socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New creates a Client for the coordinator at socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultTimeout}
}

// Send performs one request/response exchange with the default timeout.
func (c *Client) Send(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	return c.SendTimeout(ctx, req, c.timeout)
}

// SendTimeout performs one exchange with an explicit deadline. An ERROR
// response is surfaced as a *protocol.WireError preserving the kind.
func (c *Client) SendTimeout(ctx context.Context, req protocol.Message, timeout time.Duration) (protocol.Message, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("connect to coordinator %s: %w", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	data, err := json.Marshal(req)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return protocol.Message{}, fmt.Errorf("send request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return protocol.Message{}, fmt.Errorf("read response: %w", err)
	}
	var resp protocol.Message
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Message{}, fmt.Errorf("parse response: %w", err)
	}
	if resp.Type == protocol.MsgError && resp.Error != nil {
		return protocol.Message{}, resp.Error.Err()
	}
	return resp, nil
}

// CreateRun launches or resumes an agent run.
func (c *Client) CreateRun(ctx context.Context, p protocol.CreateRunPayload) (protocol.RunCreatedPayload, error) {
	resp, err := c.Send(ctx, protocol.Message{Type: protocol.MsgCreateRun, CreateRun: &p})
	if err != nil {
		return protocol.RunCreatedPayload{}, err
	}
	if resp.RunCreated == nil {
		return protocol.RunCreatedPayload{}, fmt.Errorf("unexpected response %s", resp.Type)
	}
	return *resp.RunCreated, nil
}

// Stop requests a cooperative stop by run or session id.
func (c *Client) Stop(ctx context.Context, p protocol.StopPayload) error {
	_, err := c.Send(ctx, protocol.Message{Type: protocol.MsgStop, Stop: &p})
	return err
}

// GetRun fetches a run snapshot.
func (c *Client) GetRun(ctx context.Context, runID string) (protocol.Run, error) {
	resp, err := c.Send(ctx, protocol.Message{Type: protocol.MsgGetRun, GetRun: &protocol.GetRunPayload{RunID: runID}})
	if err != nil {
		return protocol.Run{}, err
	}
	if resp.RunInfo == nil {
		return protocol.Run{}, fmt.Errorf("unexpected response %s", resp.Type)
	}
	return *resp.RunInfo, nil
}

// GetSession fetches a session snapshot.
func (c *Client) GetSession(ctx context.Context, sessionID string) (protocol.Session, error) {
	resp, err := c.Send(ctx, protocol.Message{Type: protocol.MsgGetSession, GetSession: &protocol.GetSessionPayload{SessionID: sessionID}})
	if err != nil {
		return protocol.Session{}, err
	}
	if len(resp.Sessions) == 0 {
		return protocol.Session{}, fmt.Errorf("unexpected response %s", resp.Type)
	}
	return resp.Sessions[0], nil
}

// ListSessions fetches all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	resp, err := c.Send(ctx, protocol.Message{Type: protocol.MsgListSessions})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ListRunners fetches all registered runners.
func (c *Client) ListRunners(ctx context.Context) ([]protocol.Runner, error) {
	resp, err := c.Send(ctx, protocol.Message{Type: protocol.MsgListRunners})
	if err != nil {
		return nil, err
	}
	return resp.Runners, nil
}

// DeleteSession removes a session under the coordinator's deletion policy.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.Send(ctx, protocol.Message{
		Type:          protocol.MsgDeleteSession,
		DeleteSession: &protocol.DeleteSessionPayload{SessionID: sessionID},
	})
	return err
}

// Register announces a runner and returns its id plus poll config.
func (c *Client) Register(ctx context.Context, p protocol.RegisterPayload) (protocol.RegisteredPayload, error) {
	resp, err := c.Send(ctx, protocol.Message{Type: protocol.MsgRegister, Register: &p})
	if err != nil {
		return protocol.RegisteredPayload{}, err
	}
	if resp.Registered == nil {
		return protocol.RegisteredPayload{}, fmt.Errorf("unexpected response %s", resp.Type)
	}
	return *resp.Registered, nil
}

// Heartbeat refreshes runner liveness.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	_, err := c.Send(ctx, protocol.Message{Type: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{RunnerID: runnerID}})
	return err
}

// Poll blocks until the coordinator has something for this runner. The
// exchange deadline is padded past pollTimeout so a server-side NO_WORK
// always beats the transport deadline.
func (c *Client) Poll(ctx context.Context, runnerID string, pollTimeout time.Duration) (protocol.Message, error) {
	return c.SendTimeout(ctx,
		protocol.Message{Type: protocol.MsgPoll, Poll: &protocol.PollPayload{RunnerID: runnerID}},
		pollTimeout+10*time.Second)
}

// Deregister removes a runner, immediately when self-initiated.
func (c *Client) Deregister(ctx context.Context, runnerID string, self bool) error {
	_, err := c.Send(ctx, protocol.Message{Type: protocol.MsgDeregister, Deregister: &protocol.DeregisterPayload{RunnerID: runnerID, Self: self}})
	return err
}

// Report sends a lifecycle transition report.
func (c *Client) Report(ctx context.Context, p protocol.ReportPayload) error {
	_, err := c.Send(ctx, protocol.Message{Type: protocol.MsgReport, Report: &p})
	return err
}

// WaitRun polls the run until it reaches a terminal status or ctx
// expires. This is the blocking pattern sync-mode callers use.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (protocol.Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return protocol.Run{}, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return protocol.Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
