package main

import (
	"fmt"
	"os"
	"path/filepath"

	"corral/pkg/protocol"
)

// Paths holds all resolved corral state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	CorralHome string // ~/.corral or CORRAL_HOME
	SocketPath string // corral.sock or CORRAL_SOCKET_PATH
	DBPath     string // state.db or CORRAL_DB_PATH
	AgentsDir  string // agents/ or CORRAL_AGENTS_DIR
	ConfigPath string // config.toml (respects CORRAL_HOME)
	RunLogDir  string // runs/ output logs (respects CORRAL_HOME)
}

// ResolvePaths returns all corral paths, respecting env var overrides.
// Environment variables:
//   - CORRAL_HOME: base directory for all corral state (default: ~/.corral)
//   - CORRAL_SOCKET_PATH: coordinator UDS socket (default: $CORRAL_HOME/corral.sock)
//   - CORRAL_DB_PATH: coordinator state database (default: $CORRAL_HOME/state.db)
//   - CORRAL_AGENTS_DIR: agent definition directory (default: $CORRAL_HOME/agents)
//
// If CORRAL_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the CORRAL_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveCorralHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		CorralHome: home,
		SocketPath: resolvePathWithEnv("CORRAL_SOCKET_PATH", home, "corral.sock"),
		DBPath:     resolvePathWithEnv("CORRAL_DB_PATH", home, "state.db"),
		AgentsDir:  resolvePathWithEnv("CORRAL_AGENTS_DIR", home, protocol.AgentsDir),
		ConfigPath: filepath.Join(home, "config.toml"),
		RunLogDir:  filepath.Join(home, "runs"),
	}, nil
}

// resolveCorralHome returns the state directory from CORRAL_HOME or ~/.corral.
func resolveCorralHome() (string, error) {
	if v := os.Getenv("CORRAL_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.CorralDir), nil
}

// resolvePathWithEnv returns the env override if set, otherwise base/name.
func resolvePathWithEnv(envVar, base, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(base, name)
}

// ensureCorralHome creates the state directory tree if needed.
func ensureCorralHome(p *Paths) error {
	for _, dir := range []string{p.CorralHome, p.AgentsDir, p.RunLogDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
