package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"corral/pkg/protocol"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		Type: protocol.MsgCreateRun,
		CreateRun: &protocol.CreateRunPayload{
			Type:      protocol.RunStart,
			AgentName: "reviewer",
			Prompt:    "review the diff",
			Mode:      protocol.ModeAsyncCallback,
			Demands:   protocol.Demand{Tags: []string{"gpu"}},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got protocol.Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != protocol.MsgCreateRun {
		t.Fatalf("type = %s, want %s", got.Type, protocol.MsgCreateRun)
	}
	if got.CreateRun == nil || got.CreateRun.AgentName != "reviewer" {
		t.Fatalf("create_run payload lost: %+v", got.CreateRun)
	}
	if got.CreateRun.Mode != protocol.ModeAsyncCallback {
		t.Fatalf("mode = %s", got.CreateRun.Mode)
	}
}

func TestMessageOmitsUnsetPayloads(t *testing.T) {
	t.Parallel()

	// The envelope is line-delimited JSON; an ACK must not drag along
	// a dozen null payload keys.
	data, err := json.Marshal(protocol.Message{Type: protocol.MsgACK})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"type":"ACK"}`; string(data) != want {
		t.Fatalf("marshal = %s, want %s", data, want)
	}
}

func TestMessageErrorPayload(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		Type: protocol.MsgError,
		Error: &protocol.ErrorPayload{
			Kind:    protocol.KindNotFound,
			Message: "run run-x not found",
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got protocol.Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	wireErr := got.Error.Err()
	if wireErr == nil {
		t.Fatal("Err() must not be nil")
	}
	if !strings.Contains(wireErr.Error(), "not found") {
		t.Fatalf("error text lost: %v", wireErr)
	}
}

func TestReportEventValid(t *testing.T) {
	t.Parallel()

	valid := []protocol.ReportEvent{
		protocol.ReportStarted,
		protocol.ReportCompleted,
		protocol.ReportFailed,
		protocol.ReportStopped,
	}
	for _, ev := range valid {
		if !ev.Valid() {
			t.Errorf("%s must be valid", ev)
		}
	}
	if protocol.ReportEvent("paused").Valid() {
		t.Error("unknown event must be invalid")
	}
}
