// Package coordinator implements the corral coordination service: the
// run queue and its state machine, the runner registry, long-poll
// dispatch under demand predicates, the per-runner stop-command
// channel, and the callback processor that resumes parent sessions.
//
// The Coordinator serves a Unix socket. Runners hold one blocking poll
// each; clients make short request/response calls. All durable state
// lives in SQLite; the wake channels and stop queues are in-memory.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"corral/pkg/protocol"
)

// DeletePolicy selects what happens to child sessions when a parent is
// deleted. The integrator picks one; there is no universally right
// answer, so the default is the conservative one.
type DeletePolicy string

// Deletion policy constants.
const (
	DeleteBlock   DeletePolicy = "block"   // refuse while active children exist
	DeleteCascade DeletePolicy = "cascade" // delete the whole subtree
	DeleteOrphan  DeletePolicy = "orphan"  // detach children, delete only the parent
)

// Valid reports whether p is a known deletion policy.
func (p DeletePolicy) Valid() bool {
	return p == DeleteBlock || p == DeleteCascade || p == DeleteOrphan
}

// Resolver supplies the resolved capability configuration for an agent
// name. The blob is opaque to the coordinator; it is attached to the
// run and handed to whichever runner claims it.
type Resolver interface {
	Resolve(ctx context.Context, agentName string) (string, error)
}

// Config holds Coordinator configuration.
type Config struct {
	SocketPath        string        // UDS socket path.
	PollTimeout       time.Duration // Long-poll block time before NO_WORK (default 30s).
	HeartbeatInterval time.Duration // Interval handed to runners at registration (default 15s).
	HeartbeatTimeout  time.Duration // Runner staleness threshold (default 45s).
	DemandTimeout     time.Duration // Window for demand-bearing pending runs (default 5m).
	SweepInterval     time.Duration // Demand-timeout sweep cadence (default 1s).
	DeletePolicy      DeletePolicy  // Parent/child deletion policy (default block).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollTimeout == 0 {
		out.PollTimeout = protocol.DefaultPollTimeout
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = protocol.DefaultHeartbeatTimeout
	}
	if out.DemandTimeout == 0 {
		out.DemandTimeout = protocol.DefaultDemandTimeout
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = time.Second
	}
	if out.DeletePolicy == "" {
		out.DeletePolicy = DeleteBlock
	}
	return out
}

// Coordinator is the coordination service core.
type Coordinator struct {
	cfg      Config
	db       *sql.DB
	log      *slog.Logger
	sessions *SessionStore
	runs     *RunStore
	runners  *RunnerRegistry
	resolver Resolver
	notifier Notifier

	mu       sync.Mutex
	waiters  map[string]chan struct{}
	stops    map[string][]protocol.StopCommand
	listener net.Listener

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Coordinator. It does not start listening; call Run.
func New(cfg Config, db *sql.DB, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	resolved := cfg.withDefaults()
	return &Coordinator{
		cfg:      resolved,
		db:       db,
		log:      log,
		sessions: NewSessionStore(db),
		runs:     NewRunStore(db),
		runners:  NewRunnerRegistry(db, resolved.HeartbeatTimeout),
		waiters:  make(map[string]chan struct{}),
		stops:    make(map[string][]protocol.StopCommand),
		nowFunc:  time.Now,
	}
}

// SetResolver plugs in the capability resolver. Without one, runs carry
// no resolved agent configuration.
func (c *Coordinator) SetResolver(r Resolver) { c.resolver = r }

// SetNotifier plugs in an additional publish-only event sink beyond the
// durable events table.
func (c *Coordinator) SetNotifier(n Notifier) { c.notifier = n }

// setNow overrides the clock for tests, on the coordinator and all stores.
func (c *Coordinator) setNow(now func() time.Time) {
	c.nowFunc = now
	c.sessions.nowFunc = now
	c.runs.nowFunc = now
	c.runners.nowFunc = now
}

// InitSchema creates the state tables if needed.
func (c *Coordinator) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Run starts the Coordinator: it initializes the schema, listens on the
// socket, accepts connections, and sweeps demand timeouts. Run blocks
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.InitSchema(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("unix", c.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", c.cfg.SocketPath, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	c.log.Info("coordinator listening", "socket", c.cfg.SocketPath)

	go c.acceptLoop(ctx, ln)
	go c.sweepLoop(ctx)

	<-ctx.Done()
	_ = ln.Close()
	return nil
}

// sweepLoop periodically fails demand-bearing pending runs whose
// timeout window elapsed.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepTimeouts(ctx)
		}
	}
}

// sweepTimeouts expires unclaimed demand-bearing runs past their window.
// The failure is recorded on the run and surfaced only through status
// queries, never back to the creator out-of-band.
func (c *Coordinator) sweepTimeouts(ctx context.Context) {
	expired, err := c.runs.ExpireTimedOut(ctx)
	if err != nil {
		c.log.Error("demand timeout sweep failed", "err", err)
		return
	}
	for _, r := range expired {
		c.log.Warn("run expired unmatched", "run", r.ID, "session", r.SessionID)
		c.logEvent(ctx, "dispatch_timeout", r.ID, r.SessionID, "", ErrNoMatchingRunner)
	}
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. modernc.org/sqlite exposes no typed error for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
