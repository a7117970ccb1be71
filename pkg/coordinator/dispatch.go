package coordinator

import (
	"context"
	"errors"
	"time"

	"corral/pkg/protocol"
)

// waiter returns the wake channel for a runner, creating it on first
// use. The channel is buffered with capacity 1: a wake posted while the
// runner is between waits is coalesced, not lost.
func (c *Coordinator) waiter(runnerID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[runnerID]
	if !ok {
		ch = make(chan struct{}, 1)
		c.waiters[runnerID] = ch
	}
	return ch
}

// wake unblocks a specific runner's poll, if one is waiting.
func (c *Coordinator) wake(runnerID string) {
	select {
	case c.waiter(runnerID) <- struct{}{}:
	default:
	}
}

// wakeAll unblocks every waiting poll. Used when a new run becomes
// pending: each woken poll re-evaluates eligibility itself.
func (c *Coordinator) wakeAll() {
	c.mu.Lock()
	chans := make([]chan struct{}, 0, len(c.waiters))
	for _, ch := range c.waiters {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// dropWaiter discards a runner's wake channel after deregistration.
func (c *Coordinator) dropWaiter(runnerID string) {
	c.mu.Lock()
	delete(c.waiters, runnerID)
	c.mu.Unlock()
}

// Poll is a runner's blocking request for work. It suspends until one
// of four sources fires: a claimable pending run, a stop command for
// this runner, the poll timeout (NO_WORK), or a pending deregistration.
// All four race against the same wait; the first wins.
func (c *Coordinator) Poll(ctx context.Context, runnerID string) (protocol.Message, error) {
	rn, err := c.runners.Get(ctx, runnerID)
	if err != nil {
		return protocol.Message{}, err
	}
	// A blocked poll proves liveness as well as a heartbeat does.
	_ = c.runners.Heartbeat(ctx, runnerID)

	// The wake channel must exist before the first state check; a wake
	// posted after the check but before the wait is then never lost.
	ch := c.waiter(runnerID)
	timer := time.NewTimer(c.cfg.PollTimeout)
	defer timer.Stop()

	for {
		removed, err := c.runners.ConsumeRemoval(ctx, runnerID)
		if err != nil {
			return protocol.Message{}, err
		}
		if removed {
			c.dropWaiter(runnerID)
			c.logEvent(ctx, "runner_deregistered", "", "", runnerID, "delivered on poll")
			return protocol.Message{Type: protocol.MsgDeregistered}, nil
		}

		if ids := c.takeStops(runnerID); len(ids) > 0 {
			return protocol.Message{Type: protocol.MsgStopRuns, StopRuns: &protocol.StopRunsPayload{RunIDs: ids}}, nil
		}

		run, claimed, err := c.nextAssignment(ctx, rn)
		if err != nil {
			return protocol.Message{}, err
		}
		if claimed {
			return protocol.Message{Type: protocol.MsgAssignment, Assignment: &run}, nil
		}

		select {
		case <-ch:
			// Re-check all wake sources.
		case <-timer.C:
			return protocol.Message{Type: protocol.MsgNoWork}, nil
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// nextAssignment scans pending runs in creation order and claims the
// first one the runner satisfies. Losing a claim race to another poll
// just moves the scan to the next eligible run.
func (c *Coordinator) nextAssignment(ctx context.Context, rn protocol.Runner) (protocol.Run, bool, error) {
	pending, err := c.runs.PendingInOrder(ctx)
	if err != nil {
		return protocol.Run{}, false, err
	}
	for _, r := range pending {
		if !r.Demands.SatisfiedBy(rn) {
			continue
		}
		err := c.runs.Claim(ctx, r.ID, rn.ID)
		if err != nil {
			var conflict *protocol.ConflictError
			if errors.As(err, &conflict) {
				continue // raced by another poll
			}
			return protocol.Run{}, false, err
		}
		claimed, err := c.runs.Get(ctx, r.ID)
		if err != nil {
			return protocol.Run{}, false, err
		}
		c.log.Info("run claimed", "run", claimed.ID, "runner", rn.ID)
		c.logEvent(ctx, "run_claimed", claimed.ID, claimed.SessionID, rn.ID, "")
		return claimed, true, nil
	}
	return protocol.Run{}, false, nil
}
