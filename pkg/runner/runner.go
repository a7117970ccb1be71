// Package runner implements the corral worker agent. A Runner
// registers its identity and capability tags with the coordinator,
// long-polls for work, drives an Executor for each assigned run, and
// reports lifecycle transitions back. Stop commands delivered on a poll
// are executed with SIGTERM-then-SIGKILL escalation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"corral/pkg/client"
	"corral/pkg/protocol"
)

// retryBaseInterval is the base retry interval after a failed poll.
const retryBaseInterval = 2 * time.Second

// retryJitter is the maximum jitter added to the retry interval.
const retryJitter = 500 * time.Millisecond

// Config holds runner identity and behavior.
type Config struct {
	Hostname        string
	ProjectDir      string
	ExecutorProfile string
	Tags            []string
	RequireTags     bool          // refuse untagged/generic runs
	StopGrace       time.Duration // SIGTERM to SIGKILL escalation window (default 5s)
}

// Runner is the worker agent process-side state.
type Runner struct {
	ID string

	cfg      Config
	client   *client.Client
	executor Executor
	log      *slog.Logger

	pollTimeout       time.Duration
	heartbeatInterval time.Duration

	mu     sync.Mutex
	active map[string]*runState
}

// runState tracks one in-flight run on this runner.
type runState struct {
	proc Process
	done chan struct{}

	mu  sync.Mutex
	sig protocol.StopSignal // set before each kill attempt
}

func (s *runState) setSignal(sig protocol.StopSignal) {
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
}

func (s *runState) signal() protocol.StopSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sig
}

// New creates a Runner speaking to the coordinator at socketPath.
func New(socketPath string, cfg Config, exec Executor, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = protocol.DefaultStopGrace
	}
	return &Runner{
		cfg:      cfg,
		client:   client.New(socketPath),
		executor: exec,
		log:      log,
		active:   make(map[string]*runState),
	}
}

// Run registers and enters the poll loop. It returns nil on context
// cancellation or on an externally-initiated deregistration, after
// winding down in-flight work.
func (r *Runner) Run(ctx context.Context) error {
	reg, err := r.client.Register(ctx, protocol.RegisterPayload{
		Hostname:        r.cfg.Hostname,
		ProjectDir:      r.cfg.ProjectDir,
		ExecutorProfile: r.cfg.ExecutorProfile,
		Tags:            r.cfg.Tags,
		RequireTags:     r.cfg.RequireTags,
	})
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	r.ID = reg.RunnerID
	r.pollTimeout = reg.PollTimeout
	r.heartbeatInterval = reg.HeartbeatInterval
	r.log = r.log.With("runner", r.ID)
	r.log.Info("registered", "hostname", r.cfg.Hostname, "profile", r.cfg.ExecutorProfile, "tags", r.cfg.Tags)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go r.heartbeatLoop(hbCtx)

	defer r.windDown()

	for {
		if ctx.Err() != nil {
			_ = r.deregisterSelf()
			return nil
		}

		msg, err := r.client.Poll(ctx, r.ID, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("poll failed, retrying", "err", err)
			if !sleepJittered(ctx) {
				return nil
			}
			continue
		}

		switch msg.Type {
		case protocol.MsgAssignment:
			if msg.Assignment != nil {
				go r.execute(ctx, *msg.Assignment)
			}
		case protocol.MsgStopRuns:
			if msg.StopRuns != nil {
				for _, runID := range msg.StopRuns.RunIDs {
					go r.stopRun(runID)
				}
			}
		case protocol.MsgDeregistered:
			r.log.Info("deregistered by coordinator, shutting down")
			return nil
		case protocol.MsgNoWork:
			// Poll timed out server-side; go straight back around.
		}
	}
}

// heartbeatLoop refreshes liveness at the coordinator-assigned interval.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Heartbeat(ctx, r.ID); err != nil && ctx.Err() == nil {
				r.log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

// execute drives one assigned run through the executor and reports the
// outcome. A run ended by a stop command reports stopped with the
// signal that actually killed it; everything else reports completed or
// failed.
func (r *Runner) execute(ctx context.Context, run protocol.Run) {
	if err := r.client.Report(ctx, protocol.ReportPayload{
		RunID: run.ID, RunnerID: r.ID, Event: protocol.ReportStarted,
	}); err != nil {
		if isStateRejection(err) {
			// A stop landed between claim and start; the run is already
			// stopping and nothing was spawned.
			r.reportStopped(ctx, run.ID, "")
			return
		}
		r.log.Error("report started rejected", "run", run.ID, "err", err)
		return
	}

	proc, err := r.executor.Start(ctx, run)
	if err != nil {
		r.log.Error("executor start failed", "run", run.ID, "err", err)
		_ = r.client.Report(ctx, protocol.ReportPayload{
			RunID: run.ID, RunnerID: r.ID, Event: protocol.ReportFailed, Error: err.Error(),
		})
		return
	}

	st := &runState{proc: proc, done: make(chan struct{})}
	r.mu.Lock()
	r.active[run.ID] = st
	r.mu.Unlock()

	result, waitErr := proc.Wait()
	close(st.done)
	r.mu.Lock()
	delete(r.active, run.ID)
	r.mu.Unlock()

	rep := protocol.ReportPayload{RunID: run.ID, RunnerID: r.ID}
	switch {
	case st.signal() != "":
		rep.Event = protocol.ReportStopped
		rep.Signal = st.signal()
	case waitErr != nil:
		rep.Event = protocol.ReportFailed
		rep.Error = waitErr.Error()
	default:
		rep.Event = protocol.ReportCompleted
		rep.Result = result
	}
	if err := r.client.Report(ctx, rep); err != nil {
		if rep.Event != protocol.ReportStopped && isStateRejection(err) {
			// The coordinator marked the run stopping while the process
			// was exiting; resolve it as stopped.
			r.reportStopped(ctx, run.ID, st.signal())
			return
		}
		r.log.Error("report rejected", "run", run.ID, "event", rep.Event, "err", err)
	}
}

// reportStopped settles a run the coordinator holds in stopping when no
// process remains to wait on. The report is rejected harmlessly if the
// run already reached a terminal status.
func (r *Runner) reportStopped(ctx context.Context, runID string, sig protocol.StopSignal) {
	err := r.client.Report(ctx, protocol.ReportPayload{
		RunID: runID, RunnerID: r.ID, Event: protocol.ReportStopped, Signal: sig,
	})
	if err != nil && !isStateRejection(err) {
		r.log.Error("report stopped rejected", "run", runID, "err", err)
	}
}

// isStateRejection reports whether err is the coordinator refusing a
// report because the run's status moved underneath it.
func isStateRejection(err error) bool {
	var we *protocol.WireError
	return errors.As(err, &we) && we.Kind == protocol.KindState
}

// stopRun executes the stop contract for one run: SIGTERM, wait for the
// grace period, SIGKILL if the process is still alive. The outcome is
// reported by the execute goroutine once Wait returns.
func (r *Runner) stopRun(runID string) {
	r.mu.Lock()
	st := r.active[runID]
	r.mu.Unlock()
	if st == nil {
		// The process already exited. If its natural terminal report
		// lost the race against the stop mark, only a stopped report
		// can settle the run.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.reportStopped(ctx, runID, "")
		return
	}

	r.log.Info("stopping run", "run", runID, "grace", r.cfg.StopGrace)
	st.setSignal(protocol.SignalTerm)
	if err := st.proc.Terminate(); err != nil {
		r.log.Warn("terminate failed", "run", runID, "err", err)
	}

	select {
	case <-st.done:
		return
	case <-time.After(r.cfg.StopGrace):
	}

	st.setSignal(protocol.SignalKill)
	if err := st.proc.Kill(); err != nil {
		r.log.Warn("kill failed", "run", runID, "err", err)
	}
	<-st.done
}

// windDown force-kills any in-flight processes at shutdown.
func (r *Runner) windDown() {
	r.mu.Lock()
	states := make([]*runState, 0, len(r.active))
	for _, st := range r.active {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.setSignal(protocol.SignalKill)
		_ = st.proc.Kill()
	}
}

// deregisterSelf removes this runner's registration on clean shutdown.
func (r *Runner) deregisterSelf() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Deregister(ctx, r.ID, true)
}

// sleepJittered waits the retry interval with jitter. Returns false on
// context cancellation.
func sleepJittered(ctx context.Context) bool {
	jitter := time.Duration(rand.Int64N(int64(2*retryJitter))) - retryJitter //nolint:gosec // jitter doesn't need crypto rand
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retryBaseInterval + jitter):
		return true
	}
}
