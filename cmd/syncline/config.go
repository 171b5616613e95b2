// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/AleutianAI/syncline/engine/audit"
	"github.com/AleutianAI/syncline/engine/conflict"
	"github.com/AleutianAI/syncline/engine/monitor"
	"github.com/AleutianAI/syncline/engine/validation"
	"github.com/AleutianAI/syncline/pkg/logging"
)

// Config is the CLI configuration surface, loadable from YAML via
// viper with environment overrides (SYNCLINE_*).
type Config struct {
	Log struct {
		Level   string `mapstructure:"level"`
		Dir     string `mapstructure:"dir"`
		JSON    bool   `mapstructure:"json"`
		Quiet   bool   `mapstructure:"quiet"`
		Service string `mapstructure:"service"`
	} `mapstructure:"log"`

	Validation struct {
		Enabled           bool          `mapstructure:"enabled"`
		StrictMode        bool          `mapstructure:"strictMode"`
		MaxValidationTime time.Duration `mapstructure:"maxValidationTime"`
		Parallel          bool          `mapstructure:"parallel"`
		CacheEnabled      bool          `mapstructure:"cacheEnabled"`
		CacheTTL          time.Duration `mapstructure:"cacheTTL"`
	} `mapstructure:"validation"`

	Conflict struct {
		// Strategy applied to every conflict when set; empty follows
		// each conflict's own suggestion.
		Strategy string `mapstructure:"strategy"`
	} `mapstructure:"conflict"`

	Rules struct {
		Path string `mapstructure:"path"`
		// Watch hot-reloads the rule file on change.
		Watch bool `mapstructure:"watch"`
	} `mapstructure:"rules"`

	Audit struct {
		PolicyPath string `mapstructure:"policyPath"`
		ArchiveDir string `mapstructure:"archiveDir"`
	} `mapstructure:"audit"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Log.Level = "info"
	cfg.Log.Service = "syncline"
	cfg.Validation.Enabled = true
	cfg.Validation.Parallel = true
	cfg.Validation.MaxValidationTime = 5 * time.Second
	cfg.Validation.CacheEnabled = true
	cfg.Validation.CacheTTL = time.Minute
	return cfg
}

// loadConfig reads the optional YAML config file and environment
// overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetEnvPrefix("SYNCLINE")
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// buildEcosystem wires the engine from the loaded config.
func buildEcosystem(cfg Config) (*monitor.Ecosystem, error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: cfg.Log.Service,
		JSON:    cfg.Log.JSON,
		Quiet:   cfg.Log.Quiet,
	})

	vopts := validation.DefaultOptions()
	vopts.Enabled = cfg.Validation.Enabled
	vopts.StrictMode = cfg.Validation.StrictMode
	vopts.Parallel = cfg.Validation.Parallel
	vopts.CacheEnabled = cfg.Validation.CacheEnabled
	if cfg.Validation.MaxValidationTime > 0 {
		vopts.MaxValidationTime = cfg.Validation.MaxValidationTime
	}
	if cfg.Validation.CacheTTL > 0 {
		vopts.CacheTTL = cfg.Validation.CacheTTL
	}

	eco := monitor.EcosystemConfig{
		Validation: vopts,
		Logger:     logger,
	}

	if cfg.Conflict.Strategy != "" {
		eco.ResolutionPolicies = []conflict.PolicyRule{
			{Strategy: conflict.Strategy(cfg.Conflict.Strategy)},
		}
	}

	if cfg.Audit.PolicyPath != "" {
		policies, err := audit.LoadPolicyFile(cfg.Audit.PolicyPath)
		if err != nil {
			return nil, err
		}
		eco.AuditPolicies = policies
	}
	if cfg.Audit.ArchiveDir != "" {
		arch, err := audit.NewBadgerArchiver(cfg.Audit.ArchiveDir)
		if err != nil {
			return nil, err
		}
		eco.Archiver = arch
	}

	engine := monitor.NewEcosystem(eco)

	if cfg.Rules.Path != "" {
		if cfg.Rules.Watch {
			watcher, err := validation.NewRuleWatcher(cfg.Rules.Path, engine.Validation.Rules(), logger.Slog())
			if err != nil {
				_ = engine.Close()
				return nil, err
			}
			go watcher.Run(context.Background())
			engine.AddCloser(watcher.Close)
		} else if err := engine.Validation.Rules().LoadFile(cfg.Rules.Path); err != nil {
			_ = engine.Close()
			return nil, err
		}
	}
	return engine, nil
}
