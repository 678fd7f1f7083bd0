package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(16384), cfg.BlockSize)
	assert.Equal(t, int64(300000), cfg.MaxPendingMS)
	assert.Equal(t, 40, cfg.PeerPoolSize)
	assert.Equal(t, 6889, cfg.ListenPort)
	assert.Equal(t, 300*time.Second, cfg.MaxPending())
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_size: 32768\npeer_pool_size: 10\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(32768), cfg.BlockSize)
	assert.Equal(t, 10, cfg.PeerPoolSize)
	// untouched fields keep their defaults
	assert.Equal(t, 6889, cfg.ListenPort)
	assert.Equal(t, int64(300000), cfg.MaxPendingMS)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
