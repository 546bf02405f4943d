// Package config loads the cache subsystem's configuration from YAML, with
// environment-variable expansion and an optional fsnotify-backed watcher
// that reloads the file on disk changes.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/respcache/respcache/pkg/cache"
)

// LoadFromFile reads and parses a YAML configuration file into a
// cache.Config, expanding ${VAR_NAME} environment references before
// unmarshalling, and validating the result.
func LoadFromFile(path string) (cache.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cache.Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := cache.DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cache.Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return cache.Config{}, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return cfg, nil
}

// Validate catches configuration that is actively contradictory (negative
// bounds, an unknown backend, a backend missing its required fields). It
// accepts a zero MaxEntries/MaxSizeBytes; internal/cache.New rejects those
// with ErrConfiguration.
func Validate(cfg cache.Config) error {
	if cfg.MaxEntries < 0 {
		return fmt.Errorf("%w: max_entries cannot be negative", cache.ErrConfiguration)
	}
	if cfg.MaxSizeBytes < 0 {
		return fmt.Errorf("%w: max_size_bytes cannot be negative", cache.ErrConfiguration)
	}
	if cfg.DefaultTTL < 0 {
		return fmt.Errorf("%w: default_ttl cannot be negative", cache.ErrConfiguration)
	}

	switch cfg.Backend {
	case cache.BackendMemory, cache.BackendNetwork, cache.BackendDisk, "":
	default:
		return fmt.Errorf("%w: unsupported backend kind %q", cache.ErrConfiguration, cfg.Backend)
	}

	if cfg.Backend == cache.BackendDisk && cfg.DiskBackend.CachePath == "" {
		return fmt.Errorf("%w: disk backend requires disk_backend.cache_path", cache.ErrConfiguration)
	}
	if cfg.Backend == cache.BackendNetwork && cfg.NetworkBackend.Host == "" {
		return fmt.Errorf("%w: network backend requires network_backend.host", cache.ErrConfiguration)
	}
	if cfg.DiskBackend.MaxDiskUsageBytes < 0 {
		return fmt.Errorf("%w: disk_backend.max_disk_usage_bytes cannot be negative", cache.ErrConfiguration)
	}
	if cfg.DiskBackend.CleanupIntervalS < 0 {
		return fmt.Errorf("%w: disk_backend.cleanup_interval_seconds cannot be negative", cache.ErrConfiguration)
	}
	if cfg.NetworkBackend.ConnectionTimeoutS < 0 {
		return fmt.Errorf("%w: network_backend.connection_timeout_seconds cannot be negative", cache.ErrConfiguration)
	}

	return nil
}

// checksum returns a stable hash of cfg's YAML encoding, used by Manager to
// detect whether a reload actually changed anything worth notifying about.
func checksum(cfg cache.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
