// SPDX-License-Identifier: MIT

// Package config loads, validates and hot-reloads the daemon configuration.
// Components never see the full Config; each receives the narrow struct it
// needs through the typed accessor methods.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/heartbeat"
	"github.com/kiosknet/lockerd/internal/locker"
	"github.com/kiosknet/lockerd/internal/ratelimit"
	"github.com/kiosknet/lockerd/internal/zones"
)

// RateLimitEntry configures one rate-limit dimension.
type RateLimitEntry struct {
	Burst                int     `yaml:"burst"`
	RatePerSecond        float64 `yaml:"rate_per_second"`
	BlockThreshold       int     `yaml:"block_threshold"`
	BlockDurationSeconds int     `yaml:"block_duration_seconds"`
}

// Features toggles optional behaviour.
type Features struct {
	ZonesEnabled bool `yaml:"zones_enabled"`
}

// Hardware describes the physical relay inventory.
type Hardware struct {
	RelayCards []zones.RelayCard `yaml:"relay_cards"`
}

// Config is the full daemon configuration as read from file and environment.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	RedactionSalt string `yaml:"redaction_salt"`

	ReserveTTLSeconds       int `yaml:"reserve_ttl_seconds"`
	CleanupIntervalSeconds  int `yaml:"cleanup_interval_seconds"`
	OfflineThresholdMS      int `yaml:"offline_threshold_ms"`
	HeartbeatIntervalMS     int `yaml:"heartbeat_interval_ms"`
	CommandPollIntervalMS   int `yaml:"command_poll_interval_ms"`
	StaleCommandThresholdMS int `yaml:"stale_command_threshold_ms"`

	EventRetentionDays int `yaml:"event_retention_days"`
	AuditRetentionDays int `yaml:"audit_retention_days"`
	AnonymizeAfterDays int `yaml:"anonymize_after_days"`

	CommandRetentionDays int `yaml:"command_retention_days"`

	RateLimits map[string]RateLimitEntry `yaml:"rate_limits"`

	Features Features     `yaml:"features"`
	Hardware Hardware     `yaml:"hardware"`
	Zones    []zones.Zone `yaml:"zones"`
}

// Default returns the configuration the daemon runs with when no file and
// no environment overrides are present.
func Default() Config {
	return Config{
		Listen:                  ":8080",
		DBPath:                  "lockerd.db",
		LogLevel:                "info",
		ReserveTTLSeconds:       90,
		CleanupIntervalSeconds:  30,
		OfflineThresholdMS:      30000,
		HeartbeatIntervalMS:     10000,
		CommandPollIntervalMS:   2000,
		StaleCommandThresholdMS: 120000,
		EventRetentionDays:      30,
		AuditRetentionDays:      90,
		AnonymizeAfterDays:      14,
		CommandRetentionDays:    7,
	}
}

// Load reads the config file (optional), overlays environment variables and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOCKERD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LOCKERD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOCKERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOCKERD_REDACTION_SALT"); v != "" {
		cfg.RedactionSalt = v
	}
	if v := os.Getenv("LOCKERD_RESERVE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReserveTTLSeconds = n
		}
	}
	if v := os.Getenv("LOCKERD_ZONES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Features.ZonesEnabled = b
		}
	}
}

// Validate rejects configurations the daemon cannot run with. Zone layouts
// are checked against the declared hardware when zones are enabled.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if cfg.ReserveTTLSeconds <= 0 {
		return fmt.Errorf("reserve_ttl_seconds must be positive, got %d", cfg.ReserveTTLSeconds)
	}
	if cfg.OfflineThresholdMS <= 0 {
		return fmt.Errorf("offline_threshold_ms must be positive, got %d", cfg.OfflineThresholdMS)
	}
	if cfg.EventRetentionDays <= 0 || cfg.AuditRetentionDays <= 0 {
		return fmt.Errorf("retention windows must be positive")
	}
	if cfg.AuditRetentionDays < cfg.EventRetentionDays {
		return fmt.Errorf("audit_retention_days (%d) must not undercut event_retention_days (%d)",
			cfg.AuditRetentionDays, cfg.EventRetentionDays)
	}
	for dim, e := range cfg.RateLimits {
		if !ratelimit.Dimension(dim).Valid() {
			return fmt.Errorf("rate_limits: unknown dimension %q", dim)
		}
		if e.Burst <= 0 || e.RatePerSecond <= 0 {
			return fmt.Errorf("rate_limits.%s: burst and rate_per_second must be positive", dim)
		}
	}
	if cfg.Features.ZonesEnabled {
		if _, err := zones.Validate(cfg.Zones, cfg.Hardware.RelayCards); err != nil {
			return fmt.Errorf("zones: %w", err)
		}
	}
	return nil
}

// TotalLockers derives the locker count per kiosk from the enabled relay
// hardware.
func (c Config) TotalLockers() int {
	return zones.TotalChannels(c.Hardware.RelayCards)
}

// LockerConfig narrows to the locker state machine's needs.
func (c Config) LockerConfig() locker.Config {
	return locker.Config{
		ReserveTTL:      time.Duration(c.ReserveTTLSeconds) * time.Second,
		CleanupInterval: time.Duration(c.CleanupIntervalSeconds) * time.Second,
	}
}

// HeartbeatConfig narrows to the heartbeat manager's needs.
func (c Config) HeartbeatConfig() heartbeat.Config {
	return heartbeat.Config{
		OfflineThreshold:      time.Duration(c.OfflineThresholdMS) * time.Millisecond,
		SweepInterval:         60 * time.Second,
		StaleCommandThreshold: time.Duration(c.StaleCommandThresholdMS) * time.Millisecond,
		PollInterval:          time.Duration(c.CommandPollIntervalMS) * time.Millisecond,
		HeartbeatInterval:     time.Duration(c.HeartbeatIntervalMS) * time.Millisecond,
	}
}

// RateLimitConfig narrows to the rate limiter's needs, starting from the
// built-in defaults and overlaying configured dimensions.
func (c Config) RateLimitConfig() ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	for dim, e := range c.RateLimits {
		rl.Limits[ratelimit.Dimension(dim)] = ratelimit.Limit{
			Burst:          e.Burst,
			Rate:           rate.Limit(e.RatePerSecond),
			BlockThreshold: e.BlockThreshold,
			BlockDuration:  time.Duration(e.BlockDurationSeconds) * time.Second,
		}
	}
	return rl
}

// RetentionConfig narrows to the event log janitor's needs.
func (c Config) RetentionConfig() eventlog.RetentionConfig {
	return eventlog.RetentionConfig{
		EventRetention:  time.Duration(c.EventRetentionDays) * 24 * time.Hour,
		AuditRetention:  time.Duration(c.AuditRetentionDays) * 24 * time.Hour,
		AnonymizeAfter:  time.Duration(c.AnonymizeAfterDays) * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// CommandGCConfig narrows to the command queue janitor's needs.
func (c Config) CommandGCConfig() commands.GCConfig {
	return commands.GCConfig{
		Retention: time.Duration(c.CommandRetentionDays) * 24 * time.Hour,
		Interval:  time.Hour,
	}
}
