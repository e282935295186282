// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads depgraph engine settings.
//
// Settings come from, in increasing precedence: built-in defaults, an
// optional YAML file, and DEPGRAPH_* environment variables. Nested keys map
// to environment names with dots replaced by underscores, so cache.ttl is
// DEPGRAPH_CACHE_TTL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/AleutianAI/depgraph/services/depgraph/cache"
	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/query"
	"github.com/AleutianAI/depgraph/services/depgraph/reachability"
)

// ErrInvalidConfig is returned when loaded settings fail validation.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEPGRAPH"

var configValidate = validator.New()

// CacheConfig configures the query cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
	MaxSize int           `mapstructure:"max_size" validate:"gte=0"`
}

// ReachabilityConfig configures the reachability analyzer.
type ReachabilityConfig struct {
	MaxClosureIterations int `mapstructure:"max_closure_iterations" validate:"gte=1"`
}

// CyclesConfig configures cycle detection during Analyze.
type CyclesConfig struct {
	MinLength int `mapstructure:"min_length" validate:"gte=1"`
	MaxCycles int `mapstructure:"max_cycles" validate:"gte=1"`
}

// IssuesConfig configures the issue detector.
type IssuesConfig struct {
	// ExcludePatterns replaces the default test/config exclusion globs
	// when non-empty.
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	TokenBudget int              `mapstructure:"token_budget" validate:"gte=1"`
	Risk        query.RiskConfig `mapstructure:"risk"`
}

// RulesConfig points at a layer rules file.
type RulesConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// SnapshotsConfig configures in-memory snapshots.
type SnapshotsConfig struct {
	MaxSnapshots int `mapstructure:"max_snapshots" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
	Dir   string `mapstructure:"dir"`
}

// Config is the full engine configuration.
type Config struct {
	Cache        CacheConfig        `mapstructure:"cache"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Cycles       CyclesConfig       `mapstructure:"cycles"`
	Issues       IssuesConfig       `mapstructure:"issues"`
	Query        QueryConfig        `mapstructure:"query"`
	Rules        RulesConfig        `mapstructure:"rules"`
	Snapshots    SnapshotsConfig    `mapstructure:"snapshots"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Enabled: true,
			TTL:     cache.DefaultTTL,
			MaxSize: cache.DefaultMaxSize,
		},
		Reachability: ReachabilityConfig{MaxClosureIterations: reachability.DefaultMaxClosureIterations},
		Cycles: CyclesConfig{
			MinLength: cycles.DefaultMinLength,
			MaxCycles: cycles.DefaultMaxCycles,
		},
		Query: QueryConfig{
			TokenBudget: query.DefaultTokenBudget,
			Risk:        query.DefaultRiskConfig(),
		},
		Snapshots: SnapshotsConfig{MaxSnapshots: 10},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// setDefaults registers every key so environment overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("reachability.max_closure_iterations", d.Reachability.MaxClosureIterations)
	v.SetDefault("cycles.min_length", d.Cycles.MinLength)
	v.SetDefault("cycles.max_cycles", d.Cycles.MaxCycles)
	v.SetDefault("query.token_budget", d.Query.TokenBudget)
	v.SetDefault("query.risk.critical_dependents", d.Query.Risk.CriticalDependents)
	v.SetDefault("query.risk.critical_entrypoints", d.Query.Risk.CriticalEntrypoints)
	v.SetDefault("query.risk.high_dependents", d.Query.Risk.HighDependents)
	v.SetDefault("query.risk.medium_dependents", d.Query.Risk.MediumDependents)
	v.SetDefault("query.risk.medium_depth", d.Query.Risk.MediumDepth)
	v.SetDefault("rules.file", d.Rules.File)
	v.SetDefault("rules.watch", d.Rules.Watch)
	v.SetDefault("snapshots.max_snapshots", d.Snapshots.MaxSnapshots)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.json", d.Logging.JSON)
	v.SetDefault("logging.dir", d.Logging.Dir)
}

// Load reads configuration from path and the environment.
//
// Description:
//
//	An empty path skips the file and uses defaults plus environment
//	overrides. The result is validated before it is returned.
//
// Inputs:
//
//	path - YAML config file, or "".
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file cannot be read or decoded, or the result
//	        is invalid (wraps ErrInvalidConfig).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// CacheOptions converts the cache section to cache.Options.
func (c Config) CacheOptions() cache.Options {
	return cache.Options{
		Enabled: c.Cache.Enabled,
		TTL:     c.Cache.TTL,
		MaxSize: c.Cache.MaxSize,
	}
}

// CycleOptions converts the cycles section to cycles.Options.
func (c Config) CycleOptions() cycles.Options {
	return cycles.Options{
		MinLength: c.Cycles.MinLength,
		MaxCycles: c.Cycles.MaxCycles,
	}
}
