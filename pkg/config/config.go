// Package config carries the tunables for the coordination layer: where
// the database lives, lease and retry timing, and the maintenance
// schedules. Settings come from defaults, then an optional TOML file,
// then the INCUBATOR_DB environment variable, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvDBPath overrides the database path when set. It wins over both the
// default and the config file so tests and one-off runs can point at a
// scratch database without editing anything.
const EnvDBPath = "INCUBATOR_DB"

// Defaults. Durations in the TOML file may be written either as strings
// ("5m", "300s") or as integer nanoseconds.
const (
	DefaultDBPath           = ".incubator/coordination.db"
	DefaultLockTTL          = Duration(5 * time.Minute)
	DefaultPollLimit        = 10
	DefaultCleanupHorizon   = Duration(24 * time.Hour)
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = Duration(50 * time.Millisecond)
	DefaultCleanupSpec      = "@every 1h"
	DefaultDeadlockScanSpec = "@every 15s"
	DefaultHealthPingSpec   = "@every 1m"
)

// Duration is a time.Duration that decodes from TOML duration strings.
// go-toml maps TOML strings through encoding.TextUnmarshaler and TOML
// integers through the underlying int64, so both written forms land here.
// Convert with time.Duration(d) at the point of use.
type Duration time.Duration

// UnmarshalText parses "30s", "1h30m" and friends via time.ParseDuration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration back in the same string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the fully resolved settings block handed to the coordinator.
type Config struct {
	// DBPath is the SQLite file. Parent directories are created on open.
	DBPath string `toml:"db_path"`

	// LockTTL is the file-lock lease length when the caller names none.
	LockTTL Duration `toml:"lock_ttl"`

	// PollLimit is the event batch size when the caller names none.
	PollLimit int `toml:"poll_limit"`

	// CleanupHorizon is how long acknowledged events are kept.
	CleanupHorizon Duration `toml:"cleanup_horizon"`

	// RetryAttempts and RetryBaseDelay shape the store's busy retry:
	// attempt n sleeps n*RetryBaseDelay before trying again.
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`

	// Cron specs for the background maintenance jobs.
	CleanupSpec      string `toml:"cleanup_schedule"`
	DeadlockScanSpec string `toml:"deadlock_scan_schedule"`
	HealthPingSpec   string `toml:"health_ping_schedule"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DBPath:           DefaultDBPath,
		LockTTL:          DefaultLockTTL,
		PollLimit:        DefaultPollLimit,
		CleanupHorizon:   DefaultCleanupHorizon,
		RetryAttempts:    DefaultRetryAttempts,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		CleanupSpec:      DefaultCleanupSpec,
		DeadlockScanSpec: DefaultDeadlockScanSpec,
		HealthPingSpec:   DefaultHealthPingSpec,
	}
}

// Load resolves the configuration. path names a TOML file; an empty or
// absent file means "all defaults", while a file that exists but cannot
// be read or parsed is an error. The INCUBATOR_DB environment variable,
// when set, overrides the database path last. Out-of-range values are
// snapped back to their defaults rather than rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No file at the conventional path; defaults apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if env := os.Getenv(EnvDBPath); env != "" {
		cfg.DBPath = env
	}
	cfg.normalize()
	return cfg, nil
}

// normalize snaps unusable values back to defaults. The layer must come
// up even when the file carries a zero or a negative by mistake.
func (c *Config) normalize() {
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.PollLimit <= 0 {
		c.PollLimit = DefaultPollLimit
	}
	if c.CleanupHorizon <= 0 {
		c.CleanupHorizon = DefaultCleanupHorizon
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = DefaultCleanupSpec
	}
	if c.DeadlockScanSpec == "" {
		c.DeadlockScanSpec = DefaultDeadlockScanSpec
	}
	if c.HealthPingSpec == "" {
		c.HealthPingSpec = DefaultHealthPingSpec
	}
}
