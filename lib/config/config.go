// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for strata.
type Config struct {
	// IndexDB is the catalog database path. Empty disables
	// persistence and every mount rescans its sources.
	IndexDB string `yaml:"index_db"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Index tunes catalog construction.
	Index IndexConfig `yaml:"index"`

	// Cache tunes the read path.
	Cache CacheConfig `yaml:"cache"`

	// Mounts are namespaces mounted by `strata serve`.
	Mounts []MountSpec `yaml:"mounts"`
}

// IndexConfig tunes how source catalogs are built.
type IndexConfig struct {
	// Spacing is the target decompressed distance between stream
	// checkpoints, in bytes.
	// Default: 4194304 (4 MiB)
	Spacing int64 `yaml:"spacing"`

	// CompactFloor is the compressed size at or below which an
	// archive member is inflated whole instead of checkpointed.
	// Default: 262144 (256 KiB)
	CompactFloor int64 `yaml:"compact_floor"`

	// Recurse expands nested archives into subtrees.
	// Default: false
	Recurse bool `yaml:"recurse"`

	// MaxDepth bounds nested archive expansion.
	// Default: 8
	MaxDepth int `yaml:"max_depth"`

	// Digest adds a content digest to source validation, for
	// filesystems with unreliable modification times.
	// Default: false
	Digest bool `yaml:"digest"`
}

// CacheConfig tunes the read path.
type CacheConfig struct {
	// FDPoolSize bounds concurrently open descriptors per source
	// file.
	// Default: 4
	FDPoolSize int `yaml:"fd_pool_size"`

	// ContextCache bounds parked decompressor contexts across all
	// sources of a mount.
	// Default: 16
	ContextCache int `yaml:"context_cache"`
}

// MountSpec describes one mounted namespace.
type MountSpec struct {
	// Mountpoint is where the namespace is mounted. Created if it
	// does not exist.
	Mountpoint string `yaml:"mountpoint"`

	// Sources are archive files or directories, in precedence
	// order.
	Sources []string `yaml:"sources"`

	// AllowOther permits other users to access the mount.
	AllowOther bool `yaml:"allow_other"`
}

// Default returns the default configuration. These defaults are the
// base before loading the config file; the file itself is required
// for anything beyond a bare single-source mount.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "strata")

	return &Config{
		IndexDB:  filepath.Join(defaultRoot, "index.db"),
		LogLevel: "info",
		Index: IndexConfig{
			Spacing:      4 << 20,
			CompactFloor: 256 << 10,
			MaxDepth:     8,
		},
		Cache: CacheConfig{
			FDPoolSize:   4,
			ContextCache: 16,
		},
	}
}

// Load loads configuration from the STRATA_CONFIG environment
// variable. If the variable is not set, this fails; use LoadFile
// with an explicit path instead.
func Load() (*Config, error) {
	configPath := os.Getenv("STRATA_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STRATA_CONFIG environment variable not set; " +
			"set it to the path of your strata.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.IndexDB = expandVars(c.IndexDB, vars)
	for i := range c.Mounts {
		m := &c.Mounts[i]
		m.Mountpoint = expandVars(m.Mountpoint, vars)
		for j := range m.Sources {
			m.Sources[j] = expandVars(m.Sources[j], vars)
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", levels))
	}

	if c.Index.Spacing <= 0 {
		errs = append(errs, fmt.Errorf("index.spacing must be positive"))
	}
	if c.Index.CompactFloor < 0 {
		errs = append(errs, fmt.Errorf("index.compact_floor must not be negative"))
	}
	if c.Index.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("index.max_depth must be at least 1"))
	}
	if c.Cache.FDPoolSize < 1 {
		errs = append(errs, fmt.Errorf("cache.fd_pool_size must be at least 1"))
	}
	if c.Cache.ContextCache < 1 {
		errs = append(errs, fmt.Errorf("cache.context_cache must be at least 1"))
	}

	for i, m := range c.Mounts {
		if m.Mountpoint == "" {
			errs = append(errs, fmt.Errorf("mounts[%d]: mountpoint is required", i))
		}
		if len(m.Sources) == 0 {
			errs = append(errs, fmt.Errorf("mounts[%d]: at least one source is required", i))
		}
		for j, src := range m.Sources {
			if src == "" {
				errs = append(errs, fmt.Errorf("mounts[%d].sources[%d]: empty path", i, j))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
