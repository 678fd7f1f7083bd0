// Package config loads the client's tunables from an optional YAML file,
// merged field-by-field over built-in defaults, grounded on the
// yaml.Unmarshal-over-a-struct pattern used throughout uber-kraken's backend
// client configs (lib/backend/testfs/client.go and siblings).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable named in spec §3/§5/§6.
type Config struct {
	BlockSize             int64 `yaml:"block_size"`
	MaxPendingMS          int64 `yaml:"max_pending_ms"`
	PeerPoolSize          int   `yaml:"peer_pool_size"`
	ListenPort            int   `yaml:"listen_port"`
	AnnounceMinIntervalS  int64 `yaml:"announce_min_interval_s"`
	TrackerRecheckS       int64 `yaml:"tracker_recheck_s"`
}

// Default returns the spec's built-in constants.
func Default() Config {
	return Config{
		BlockSize:            16384,
		MaxPendingMS:         300000,
		PeerPoolSize:         40,
		ListenPort:           6889,
		AnnounceMinIntervalS: 1800,
		TrackerRecheckS:      5,
	}
}

// Load reads a YAML file at path and merges its fields over Default():
// a zero value left in the file means "keep the default" for that field.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	merge(&cfg, override)
	return cfg, nil
}

func merge(base *Config, override Config) {
	if override.BlockSize != 0 {
		base.BlockSize = override.BlockSize
	}
	if override.MaxPendingMS != 0 {
		base.MaxPendingMS = override.MaxPendingMS
	}
	if override.PeerPoolSize != 0 {
		base.PeerPoolSize = override.PeerPoolSize
	}
	if override.ListenPort != 0 {
		base.ListenPort = override.ListenPort
	}
	if override.AnnounceMinIntervalS != 0 {
		base.AnnounceMinIntervalS = override.AnnounceMinIntervalS
	}
	if override.TrackerRecheckS != 0 {
		base.TrackerRecheckS = override.TrackerRecheckS
	}
}

// MaxPending returns MaxPendingMS as a time.Duration.
func (c Config) MaxPending() time.Duration {
	return time.Duration(c.MaxPendingMS) * time.Millisecond
}

// AnnounceMinInterval returns AnnounceMinIntervalS as a time.Duration.
func (c Config) AnnounceMinInterval() time.Duration {
	return time.Duration(c.AnnounceMinIntervalS) * time.Second
}

// TrackerRecheck returns TrackerRecheckS as a time.Duration.
func (c Config) TrackerRecheck() time.Duration {
	return time.Duration(c.TrackerRecheckS) * time.Second
}
