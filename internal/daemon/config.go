// Package daemon holds the fabled process configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fablehq/fable/internal/domain"
)

// Config is the full fabled configuration, loaded from TOML.
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Ring     RingConfig     `toml:"ring"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	JSON  bool   `toml:"json"`
}

// RingConfig configures the ring ledger and issuance pipeline.
// Durations are strings ("5m", "24h") so the TOML stays readable.
type RingConfig struct {
	IssuanceMode string `toml:"issuance_mode"` // off, shadow, live

	DailyEarnCapCount     int64  `toml:"daily_earn_cap_count"`
	DailyEarnCapTotal     int64  `toml:"daily_earn_cap_total"`
	SoftDailyEarnCapCount int64  `toml:"soft_daily_earn_cap_count"`
	SoftDailyEarnCapTotal int64  `toml:"soft_daily_earn_cap_total"`
	BurstWindow           string `toml:"burst_window"`

	IdempotencyKeyTTL           string `toml:"idempotency_key_ttl"` // empty = unbounded
	MaxAppendAttempts           int    `toml:"max_append_attempts"`
	ReconciliationSweepInterval string `toml:"reconciliation_sweep_interval"`
	SweepBatchSize              int    `toml:"sweep_batch_size"`
	PendingTTL                  string `toml:"pending_ttl"`
}

// DefaultConfig returns sane defaults: issuance off, so a fresh deployment
// changes nothing until someone flips the mode on purpose.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8417,
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		Ring: RingConfig{
			IssuanceMode:                string(domain.ModeOff),
			DailyEarnCapCount:           100,
			DailyEarnCapTotal:           5_000,
			SoftDailyEarnCapCount:       50,
			SoftDailyEarnCapTotal:       2_500,
			BurstWindow:                 "2s",
			IdempotencyKeyTTL:           "",
			MaxAppendAttempts:           5,
			ReconciliationSweepInterval: "5m",
			SweepBatchSize:              100,
			PendingTTL:                  "720h", // 30 days
		},
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fable.db"
	}
	return filepath.Join(home, ".fable", "fable.db")
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error: defaults apply.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if _, err := domain.ParseIssuanceMode(c.Ring.IssuanceMode); err != nil {
		return err
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	for name, s := range map[string]string{
		"burst_window":                  c.Ring.BurstWindow,
		"idempotency_key_ttl":           c.Ring.IdempotencyKeyTTL,
		"reconciliation_sweep_interval": c.Ring.ReconciliationSweepInterval,
		"pending_ttl":                   c.Ring.PendingTTL,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
	}
	return nil
}

// Mode returns the configured issuance mode. Call Validate first.
func (c RingConfig) Mode() domain.IssuanceMode {
	m, err := domain.ParseIssuanceMode(c.IssuanceMode)
	if err != nil {
		return domain.ModeOff
	}
	return m
}

// Duration parses one of the duration-string fields, with a fallback for
// empty or malformed values.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Save writes the config as TOML, creating parent directories.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}
