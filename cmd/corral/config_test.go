package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corral/pkg/coordinator"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "config.toml"), "/run/c.sock")
	require.NoError(t, err)
	assert.Equal(t, "/run/c.sock", cfg.SocketPath)
	assert.Zero(t, cfg.PollTimeout)
	assert.Empty(t, cfg.DeletePolicy)
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_timeout = "45s"
heartbeat_interval = "10s"
heartbeat_timeout = "30s"
demand_timeout = "2m"
sweep_interval = "500ms"
delete_policy = "cascade"
`), 0o644))

	cfg, err := loadConfig(path, "/run/c.sock")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.PollTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 2*time.Minute, cfg.DemandTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, coordinator.DeleteCascade, cfg.DeletePolicy)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed toml", "poll_timeout = [\n"},
		{"bad duration", `poll_timeout = "soon"`},
		{"unknown delete policy", `delete_policy = "archive"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := loadConfig(path, "/run/c.sock")
			assert.Error(t, err)
		})
	}
}
