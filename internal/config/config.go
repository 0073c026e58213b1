// Package config loads grove-fleet's YAML configuration, mirroring the
// load/default pair used throughout the reference corpus.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nrazumov/grove-fleet/internal/model"
	"github.com/nrazumov/grove-fleet/internal/obslog"
)

// Config is grove-fleet's top-level configuration, loaded from YAML with
// environment overrides for the two directory roots (§6.1).
type Config struct {
	DataRoot         string          `yaml:"data_root"`
	CodeRoot         string          `yaml:"code_root"`
	Cooldown         time.Duration   `yaml:"cooldown"`
	DebounceInterval time.Duration   `yaml:"debounce_interval"`
	Logging          *obslog.Config  `yaml:"logging"`
	HTTP             *HTTPConfig     `yaml:"http"`
	DefaultWorktree  *DefaultWorktreeConfig `yaml:"default_worktree_config"`
}

// HTTPConfig holds the reference transport's network binding options.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultWorktreeConfig is the template applied to every freshly cloned
// repository's WorktreeConfig row (§6.5).
type DefaultWorktreeConfig struct {
	SymlinkPatterns []string `yaml:"symlink_patterns"`
	CopyPatterns    []string `yaml:"copy_patterns"`
	UpstreamRemote  string   `yaml:"upstream_remote"`
}

const (
	envDataRoot = "GROVE_DATA_ROOT"
	envCodeRoot = "GROVE_CODE_ROOT"

	defaultCooldown         = 10 * time.Second
	defaultDebounceInterval = 50 * time.Millisecond
)

// DefaultConfig returns sensible defaults, used when no config file is
// supplied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataRoot:         filepath.Join(home, ".grove"),
		CodeRoot:         filepath.Join(home, "code"),
		Cooldown:         defaultCooldown,
		DebounceInterval: defaultDebounceInterval,
		Logging:          obslog.DefaultConfig(),
		HTTP:             &HTTPConfig{Addr: "127.0.0.1:7890"},
		DefaultWorktree:  DefaultDefaultWorktreeConfig(),
	}
}

// DefaultDefaultWorktreeConfig returns the conventional shared-file set
// applied to freshly cloned repositories (§6.5): developer env files and
// agent tooling directories, shared by symlink.
func DefaultDefaultWorktreeConfig() *DefaultWorktreeConfig {
	return &DefaultWorktreeConfig{
		SymlinkPatterns: []string{".env", ".env.local", ".env.*.local", ".agent/"},
		CopyPatterns:    []string{},
		UpstreamRemote:  "origin",
	}
}

// Load reads a YAML config file at path, applying defaults for any field
// left unset, then applying environment overrides for DataRoot/CodeRoot.
// If path is empty, DefaultConfig is returned with environment overrides
// applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyDefaults(cfg)
	}

	if v := os.Getenv(envDataRoot); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv(envCodeRoot); v != "" {
		cfg.CodeRoot = v
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.DataRoot == "" {
		cfg.DataRoot = defaults.DataRoot
	}
	if cfg.CodeRoot == "" {
		cfg.CodeRoot = defaults.CodeRoot
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Logging == nil {
		cfg.Logging = defaults.Logging
	}
	if cfg.HTTP == nil {
		cfg.HTTP = defaults.HTTP
	}
	if cfg.DefaultWorktree == nil {
		cfg.DefaultWorktree = defaults.DefaultWorktree
	}
}

// ToModelConfig converts the YAML-level default worktree config into the
// catalog's WorktreeConfig row shape for a specific repository.
func (d *DefaultWorktreeConfig) ToModelConfig(repoID string) model.WorktreeConfig {
	return model.WorktreeConfig{
		RepoID:          repoID,
		SymlinkPatterns: append([]string(nil), d.SymlinkPatterns...),
		CopyPatterns:    append([]string(nil), d.CopyPatterns...),
		UpstreamRemote:  d.UpstreamRemote,
		SetupCommands:   nil,
	}
}
