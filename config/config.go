// Package config holds broker-wide configuration: listen addresses, the
// on-disk cache layout, and logging, loaded from a JSON file with defaults
// applied for anything unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global broker configuration.
type Config struct {
	// RootDir is the base directory for persistent data: the blob store and
	// LayerFS caches.
	RootDir string `json:"root_dir"`
	// ListenAddr is the TCP address the broker accepts client, worker, and
	// artifact connections on.
	ListenAddr string `json:"listen_addr"`
	// HTTPListenAddr is the TCP address the broker's statistics/health HTTP
	// endpoint listens on.
	HTTPListenAddr string `json:"http_listen_addr"`
	// PoolSize is the goroutine pool size used for concurrent blob/layer work.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`
	// SweepTargetBytes is the total blob store size the sweep GC tries to
	// stay under by evicting least-recently-used unreferenced blobs.
	SweepTargetBytes int64 `json:"sweep_target_bytes"`
	// StopTimeoutSeconds bounds how long graceful shutdown waits for the
	// stats HTTP server to finish in-flight requests.
	StopTimeoutSeconds int `json:"stop_timeout_seconds"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:            "/var/lib/cocoon-broker",
		ListenAddr:         ":2222",
		HTTPListenAddr:     ":2223",
		PoolSize:           runtime.NumCPU(),
		SweepTargetBytes:   10 << 30, //nolint:mnd // 10GiB default cache ceiling
		StopTimeoutSeconds: 30,       //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.StopTimeoutSeconds <= 0 {
		cfg.StopTimeoutSeconds = 30 //nolint:mnd
	}
	return cfg, nil
}

// EnsureDirs creates the on-disk layout under RootDir.
func EnsureDirs(cfg *Config) (*Config, error) {
	dirs := []string{
		cfg.RootDir,
		cfg.BlobsDir(),
		cfg.TempDir(),
		cfg.LayerFSDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return cfg, nil
}

// BlobsDir is where committed, content-addressed blobs live, sharded as
// sha256/<first two hex chars>/<remaining hex chars>.
func (c *Config) BlobsDir() string {
	return filepath.Join(c.RootDir, "sha256")
}

// BlobIndexFile is the JSON index of committed blobs and their refcounts.
func (c *Config) BlobIndexFile() string {
	return filepath.Join(c.RootDir, "blobs.json")
}

// BlobIndexLock is the flock path guarding BlobIndexFile.
func (c *Config) BlobIndexLock() string {
	return filepath.Join(c.RootDir, "blobs.json.lock")
}

// TempDir holds in-progress artifact pushes before they're verified and
// committed into BlobsDir.
func (c *Config) TempDir() string {
	return filepath.Join(c.RootDir, "tmp")
}

// LayerFSDir holds built LayerFS layer directories, one per LayerId.
func (c *Config) LayerFSDir() string {
	return filepath.Join(c.RootDir, "layerfs")
}
