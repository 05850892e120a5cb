/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package config loads the engine's operating defaults, generalizing the
// teacher's loadClusterDefaults/refreshDefaultsIfStale (a TTL-cached,
// ConfigMap-sourced struct with env-var fallback) into a TTL-cached struct
// sourced from a YAML file with the same env-var fallback discipline.
package config

import (
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// BudgetConfig mirrors the teacher's BudgetConfig. Only SafetyMultiplier is
// read (by engine.Bootstrap, for PolicyGuard's projected cost); the Default*
// figures are not applied to tasks, and a Task's zero Budgets stay zero.
type BudgetConfig struct {
	DefaultCostUSD       float64       `yaml:"default_cost_usd"`
	DefaultMaxIterations int           `yaml:"default_max_iterations"`
	DefaultWallTime      time.Duration `yaml:"default_wall_time"`
	SafetyMultiplier     float64       `yaml:"safety_multiplier"`
}

// HealthConfig mirrors the teacher's HealthConfig: stuck-detection
// thresholds. They are loaded with the config, but no component reads them.
type HealthConfig struct {
	ToolDiversityFloor float64       `yaml:"tool_diversity_floor"`
	RepeatedPromptCeil int           `yaml:"repeated_prompt_ceiling"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	Action             string        `yaml:"action"` // warn | kill | escalate
}

// SchedulerConfig bounds the Scheduler's admission and concurrency behavior.
type SchedulerConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	WorkspaceRoot      string        `yaml:"workspace_root"`
	WorkspaceGrace     time.Duration `yaml:"workspace_grace"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
}

// EngineConfig is the root configuration object, the single-node analogue
// of the teacher's ClusterDefaults.
type EngineConfig struct {
	Budget    BudgetConfig    `yaml:"budget"`
	Health    HealthConfig    `yaml:"health"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Default returns hardcoded fallback defaults, used when no config file is
// present (the teacher's loadClusterDefaults falls back identically when no
// ConfigMap exists yet).
func Default() EngineConfig {
	return EngineConfig{
		Budget: BudgetConfig{
			DefaultCostUSD:       1.0,
			DefaultMaxIterations: 5,
			DefaultWallTime:      30 * time.Minute,
			SafetyMultiplier:     1.2,
		},
		Health: HealthConfig{
			ToolDiversityFloor: 0.15,
			RepeatedPromptCeil: 4,
			StaleAfter:         5 * time.Minute,
			Action:             "warn",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 8,
			WorkspaceRoot:      "/tmp/forgeman-workspaces",
			WorkspaceGrace:     10 * time.Minute,
			ShutdownGrace:      30 * time.Second,
		},
	}
}

// Load reads an EngineConfig from a YAML file at path, overlaying it on
// Default() so a partial file only overrides what it sets.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Store is a TTL-cached EngineConfig handle, generalizing the teacher's
// refreshDefaultsIfStale (a mutex-guarded cache with a last-read timestamp).
type Store struct {
	mu       sync.RWMutex
	cfg      EngineConfig
	path     string
	ttl      time.Duration
	loadedAt time.Time
}

// NewStore constructs a Store that reloads path at most once per ttl.
func NewStore(path string, ttl time.Duration) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, path: path, ttl: ttl, loadedAt: time.Now()}, nil
}

// Get returns the current config, reloading from disk first if the cached
// copy is older than ttl.
func (s *Store) Get() EngineConfig {
	s.mu.RLock()
	stale := time.Since(s.loadedAt) > s.ttl
	cfg := s.cfg
	s.mu.RUnlock()
	if !stale {
		return cfg
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.loadedAt) <= s.ttl {
		return s.cfg
	}
	if fresh, err := Load(s.path); err == nil {
		s.cfg = fresh
	}
	s.loadedAt = time.Now()
	return s.cfg
}

var durationSuffix = regexp.MustCompile(`^(\d+)d$`)

// ParseDurationString parses a duration that additionally accepts a "7d"
// day-suffix form, kept verbatim from the teacher's parseDurationString
// since time.ParseDuration has no day unit.
func ParseDurationString(s string) (time.Duration, error) {
	if m := durationSuffix.FindStringSubmatch(s); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// EnvOr returns the value of environment variable key, or fallback if unset.
func EnvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
