package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"corral/pkg/protocol"
)

// acceptLoop accepts connections until the listener closes. Each
// connection is one request/response exchange; a blocked long-poll
// simply holds its goroutine, which is the one cheap suspension point
// per connected runner.
func (c *Coordinator) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go c.handleConn(ctx, conn)
	}
}

// handleConn reads one line-delimited JSON request and writes one
// response line.
func (c *Coordinator) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return
	}
	var req protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		c.writeMessage(conn, errorMessage(&protocol.ValidationError{Field: "request", Reason: "malformed JSON"}))
		return
	}

	resp := c.handleRequest(ctx, req)
	c.writeMessage(conn, resp)
}

// handleRequest dispatches a request to the owning component and maps
// any error to a typed ERROR response.
func (c *Coordinator) handleRequest(ctx context.Context, req protocol.Message) protocol.Message {
	switch req.Type {
	case protocol.MsgRegister:
		if req.Register == nil {
			return missingPayload(req.Type)
		}
		rn, err := c.runners.Register(ctx, *req.Register)
		if err != nil {
			return errorMessage(err)
		}
		c.logEvent(ctx, "runner_registered", "", "", rn.ID, rn.Hostname)
		return protocol.Message{Type: protocol.MsgRegistered, Registered: &protocol.RegisteredPayload{
			RunnerID:          rn.ID,
			PollTimeout:       c.cfg.PollTimeout,
			HeartbeatInterval: c.cfg.HeartbeatInterval,
		}}

	case protocol.MsgHeartbeat:
		if req.Heartbeat == nil {
			return missingPayload(req.Type)
		}
		if err := c.runners.Heartbeat(ctx, req.Heartbeat.RunnerID); err != nil {
			return errorMessage(err)
		}
		return ackMessage("")

	case protocol.MsgPoll:
		if req.Poll == nil {
			return missingPayload(req.Type)
		}
		resp, err := c.Poll(ctx, req.Poll.RunnerID)
		if err != nil {
			return errorMessage(err)
		}
		return resp

	case protocol.MsgDeregister:
		if req.Deregister == nil {
			return missingPayload(req.Type)
		}
		if err := c.runners.Deregister(ctx, req.Deregister.RunnerID, req.Deregister.Self); err != nil {
			return errorMessage(err)
		}
		if req.Deregister.Self {
			c.dropWaiter(req.Deregister.RunnerID)
		} else {
			// Wake the blocked poll so removal is delivered now.
			c.wake(req.Deregister.RunnerID)
		}
		c.logEvent(ctx, "runner_deregister", "", "", req.Deregister.RunnerID, "")
		return ackMessage("")

	case protocol.MsgReport:
		if req.Report == nil {
			return missingPayload(req.Type)
		}
		if err := c.Report(ctx, *req.Report); err != nil {
			return errorMessage(err)
		}
		return ackMessage("")

	case protocol.MsgCreateRun:
		if req.CreateRun == nil {
			return missingPayload(req.Type)
		}
		created, err := c.CreateRun(ctx, *req.CreateRun)
		if err != nil {
			return errorMessage(err)
		}
		return protocol.Message{Type: protocol.MsgRunCreated, RunCreated: &created}

	case protocol.MsgStop:
		if req.Stop == nil {
			return missingPayload(req.Type)
		}
		if err := c.RequestStop(ctx, *req.Stop); err != nil {
			return errorMessage(err)
		}
		return ackMessage("stopping")

	case protocol.MsgGetRun:
		if req.GetRun == nil {
			return missingPayload(req.Type)
		}
		run, err := c.runs.Get(ctx, req.GetRun.RunID)
		if err != nil {
			return errorMessage(err)
		}
		return protocol.Message{Type: protocol.MsgRunInfo, RunInfo: &run}

	case protocol.MsgGetSession:
		if req.GetSession == nil {
			return missingPayload(req.Type)
		}
		sess, err := c.sessions.Get(ctx, req.GetSession.SessionID)
		if err != nil {
			return errorMessage(err)
		}
		return protocol.Message{Type: protocol.MsgSessionInfo, Sessions: []protocol.Session{sess}}

	case protocol.MsgListSessions:
		sessions, err := c.sessions.List(ctx)
		if err != nil {
			return errorMessage(err)
		}
		return protocol.Message{Type: protocol.MsgSessionList, Sessions: sessions}

	case protocol.MsgListRunners:
		runners, err := c.runners.List(ctx)
		if err != nil {
			return errorMessage(err)
		}
		return protocol.Message{Type: protocol.MsgRunnerList, Runners: runners}

	case protocol.MsgDeleteSession:
		if req.DeleteSession == nil {
			return missingPayload(req.Type)
		}
		if err := c.DeleteSession(ctx, req.DeleteSession.SessionID); err != nil {
			return errorMessage(err)
		}
		return ackMessage("deleted")

	default:
		return errorMessage(&protocol.ValidationError{Field: "type", Reason: "unknown request type"})
	}
}

func (c *Coordinator) writeMessage(conn net.Conn, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal response", "err", err)
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		c.log.Debug("write response", "err", err)
	}
}

func errorMessage(err error) protocol.Message {
	return protocol.Message{Type: protocol.MsgError, Error: &protocol.ErrorPayload{
		Kind:    protocol.KindOf(err),
		Message: err.Error(),
	}}
}

func ackMessage(detail string) protocol.Message {
	return protocol.Message{Type: protocol.MsgACK, ACK: &protocol.ACKPayload{OK: true, Detail: detail}}
}

func missingPayload(t protocol.MessageType) protocol.Message {
	return errorMessage(&protocol.ValidationError{Field: string(t), Reason: "missing payload"})
}
