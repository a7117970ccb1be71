package main

import (
	"fmt"
	"os"
	"time"

	"corral/pkg/coordinator"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk daemon configuration ($CORRAL_HOME/config.toml).
// All fields are optional; zero values fall back to built-in defaults.
type fileConfig struct {
	PollTimeout       duration `toml:"poll_timeout"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  duration `toml:"heartbeat_timeout"`
	DemandTimeout     duration `toml:"demand_timeout"`
	SweepInterval     duration `toml:"sweep_interval"`
	DeletePolicy      string   `toml:"delete_policy"`
}

// duration decodes TOML duration strings like "30s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// loadConfig reads the daemon config file into a coordinator.Config.
// A missing file is not an error; defaults apply.
func loadConfig(path, socketPath string) (coordinator.Config, error) {
	cfg := coordinator.Config{SocketPath: socketPath}

	data, err := os.ReadFile(path) //nolint:gosec // config path is resolved from CORRAL_HOME
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.PollTimeout = time.Duration(fc.PollTimeout)
	cfg.HeartbeatInterval = time.Duration(fc.HeartbeatInterval)
	cfg.HeartbeatTimeout = time.Duration(fc.HeartbeatTimeout)
	cfg.DemandTimeout = time.Duration(fc.DemandTimeout)
	cfg.SweepInterval = time.Duration(fc.SweepInterval)
	if fc.DeletePolicy != "" {
		policy := coordinator.DeletePolicy(fc.DeletePolicy)
		if !policy.Valid() {
			return cfg, fmt.Errorf("config %s: unknown delete_policy %q", path, fc.DeletePolicy)
		}
		cfg.DeletePolicy = policy
	}

	return cfg, nil
}
