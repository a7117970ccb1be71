package protocol

import "time"

// Directory and path constants used throughout corral.
const (
	// CorralDir is the user-level state directory (e.g., ~/.corral).
	CorralDir = ".corral"

	// AgentsDir is the directory of agent capability definitions,
	// relative to the corral home.
	AgentsDir = "agents"
)

// Default timing configuration. The coordinator hands PollTimeout and
// HeartbeatInterval to runners at registration; the rest are server-side.
const (
	// DefaultPollTimeout is how long a runner's poll blocks before
	// returning NO_WORK.
	DefaultPollTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is how often runners should heartbeat.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultHeartbeatTimeout flips a silent runner to stale.
	DefaultHeartbeatTimeout = 45 * time.Second

	// DefaultDemandTimeout fails a demand-bearing run that no runner
	// has claimed. Demand-free runs wait indefinitely.
	DefaultDemandTimeout = 5 * time.Minute

	// DefaultStopGrace is how long a runner waits after SIGTERM before
	// escalating to SIGKILL.
	DefaultStopGrace = 5 * time.Second
)

// TimeFormat is the canonical timestamp encoding for all persisted and
// wire-visible times. The fractional seconds are zero-padded to fixed
// width so UTC timestamps order correctly under plain string comparison
// (SQLite ORDER BY included). Always format times in UTC.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeFormat, normalized to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat timestamp. Empty strings parse to the
// zero time without error.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeFormat, s)
}
