package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/tmp/ipc_daemon.sock", cfg.Broker.SocketPath)
	assert.Equal(t, uint32(64), cfg.Ring.SlotCount)
	assert.Equal(t, uint32(1024), cfg.Ring.SlotSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbus.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[broker]
socket_path = "/tmp/other.sock"

[ring]
slot_count = 8

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.sock", cfg.Broker.SocketPath)
	assert.Equal(t, uint32(8), cfg.Ring.SlotCount)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint32(1024), cfg.Ring.SlotSize)
	assert.Equal(t, "127.0.0.1:9311", cfg.Broker.MetricsAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
