package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"corral/pkg/protocol"
)

func TestRegisterDerivesID(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	p := protocol.RegisterPayload{
		Hostname: "host-a", ProjectDir: "/work/app", ExecutorProfile: "claude",
		Tags: []string{"gpu"}, RequireTags: true,
	}

	rn, err := reg.Register(context.Background(), p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rn.ID != protocol.DeriveRunnerID("host-a", "/work/app", "claude") {
		t.Errorf("id = %s, not derived from identity", rn.ID)
	}
	if !rn.Online {
		t.Error("freshly registered runner must be online")
	}
	if len(rn.Tags) != 1 || rn.Tags[0] != "gpu" || !rn.RequireTags {
		t.Errorf("capabilities lost: %+v", rn)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)

	for _, p := range []protocol.RegisterPayload{
		{Hostname: "", ExecutorProfile: "claude"},
		{Hostname: "host-a", ExecutorProfile: ""},
	} {
		_, err := reg.Register(context.Background(), p)
		var ve *protocol.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("register %+v error = %v, want ValidationError", p, err)
		}
	}
}

func TestRegisterConflictWhenOnline(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	p := protocol.RegisterPayload{Hostname: "host-a", ProjectDir: "/w", ExecutorProfile: "claude"}

	if _, err := reg.Register(context.Background(), p); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register(context.Background(), p)
	var ce *protocol.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second register error = %v, want ConflictError", err)
	}
}

func TestRegisterReconnectsStaleIdentity(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	p := protocol.RegisterPayload{Hostname: "host-a", ProjectDir: "/w", ExecutorProfile: "claude", Tags: []string{"old"}}
	first, err := reg.Register(ctx, p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Crash scenario: heartbeats stop, the identity goes stale, and the
	// restarted process re-registers with fresh capabilities.
	now = now.Add(protocol.DefaultHeartbeatTimeout + time.Second)
	p.Tags = []string{"new"}
	second, err := reg.Register(ctx, p)
	if err != nil {
		t.Fatalf("re-register after staleness: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("reconnect changed id: %s -> %s", first.ID, second.ID)
	}
	if !second.Online {
		t.Error("reconnected runner must be online")
	}
	if len(second.Tags) != 1 || second.Tags[0] != "new" {
		t.Errorf("reconnect kept stale tags: %v", second.Tags)
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	rn, err := reg.Register(ctx, defaultRunner())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// At the staleness boundary the runner is offline; a heartbeat
	// brings it back.
	now = now.Add(protocol.DefaultHeartbeatTimeout)
	got, err := reg.Get(ctx, rn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Online {
		t.Error("runner at heartbeat-timeout boundary must be offline")
	}

	if err := reg.Heartbeat(ctx, rn.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = reg.Get(ctx, rn.ID)
	if !got.Online {
		t.Error("heartbeat must restore liveness")
	}
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	err := reg.Heartbeat(context.Background(), "rn-ghost")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("heartbeat error = %v, want NotFoundError (no ghost records)", err)
	}
}

func TestDeregisterSelfIsImmediate(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	ctx := context.Background()

	rn, err := reg.Register(ctx, defaultRunner())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister(ctx, rn.ID, true); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	_, err = reg.Get(ctx, rn.ID)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("self-deregistered runner still present: %v", err)
	}
}

func TestDeregisterExternalIsDeferred(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	ctx := context.Background()

	rn, err := reg.Register(ctx, defaultRunner())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister(ctx, rn.ID, false); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	// The record survives until the runner's next poll consumes the
	// removal mark.
	if _, err := reg.Get(ctx, rn.ID); err != nil {
		t.Fatalf("externally deregistered runner vanished early: %v", err)
	}

	removed, err := reg.ConsumeRemoval(ctx, rn.ID)
	if err != nil {
		t.Fatalf("consume removal: %v", err)
	}
	if !removed {
		t.Fatal("removal mark not consumed")
	}
	_, err = reg.Get(ctx, rn.ID)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("runner present after consumed removal: %v", err)
	}

	// Consuming again is a no-op.
	removed, err = reg.ConsumeRemoval(ctx, rn.ID)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if removed {
		t.Error("second consume must report nothing to remove")
	}
}

func TestRegisterConcurrentSameIdentity(t *testing.T) {
	t.Parallel()

	reg := NewRunnerRegistry(newTestDB(t), protocol.DefaultHeartbeatTimeout)
	ctx := context.Background()
	p := protocol.RegisterPayload{
		Hostname: "host-a", ProjectDir: "/work/app", ExecutorProfile: "claude",
	}

	const racers = 8
	errs := make([]error, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = reg.Register(ctx, p)
		}()
	}
	close(start)
	wg.Wait()

	// Every loser gets a conflict, never a raw constraint failure.
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var ce *protocol.ConflictError
		if !errors.As(err, &ce) {
			t.Errorf("racer error = %v, want ConflictError", err)
		}
	}
	if wins == 0 {
		t.Error("no registration succeeded")
	}
}
