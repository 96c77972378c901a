// Package config loads swarmmail settings from a YAML or TOML file, then
// SWARMMAIL_* environment overrides, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Duration reads "30m" style strings from YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Database     DatabaseConfig    `yaml:"database" toml:"database"`
	Server       ServerConfig      `yaml:"server" toml:"server"`
	Log          LogConfig         `yaml:"log" toml:"log"`
	Reservations ReservationConfig `yaml:"reservations" toml:"reservations"`
	Auth         AuthConfig        `yaml:"auth" toml:"auth"`
	Telemetry    telemetry.Config  `yaml:"telemetry" toml:"telemetry"`
}

type DatabaseConfig struct {
	Driver       string   `yaml:"driver" toml:"driver"`
	Path         string   `yaml:"path" toml:"path"`
	DSN          string   `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns" toml:"max_open_conns"`
	BusyTimeout  Duration `yaml:"busy_timeout" toml:"busy_timeout"`
	SlowQuery    Duration `yaml:"slow_query" toml:"slow_query"`
	// Retry turns on transaction retries and the circuit breaker.
	Retry bool `yaml:"retry" toml:"retry"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr" toml:"addr"`
	SocketPath string `yaml:"socket_path" toml:"socket_path"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type ReservationConfig struct {
	DefaultTTL Duration `yaml:"default_ttl" toml:"default_ttl"`
	// ReaperSchedule is a standard cron expression; empty disables the reaper.
	ReaperSchedule string   `yaml:"reaper_schedule" toml:"reaper_schedule"`
	ReaperGrace    Duration `yaml:"reaper_grace" toml:"reaper_grace"`
}

type AuthConfig struct {
	KeysFile string `yaml:"keys_file" toml:"keys_file"`
	// Watch reloads the keys file when it changes.
	Watch bool `yaml:"watch" toml:"watch"`
}

// HomeDir is $SWARMMAIL_HOME or ~/.swarmmail.
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("SWARMMAIL_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmmail")
}

func Default() Config {
	home := HomeDir()
	return Config{
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			Path:         filepath.Join(home, "swarm.db"),
			MaxOpenConns: 10,
			BusyTimeout:  Duration{5 * time.Second},
			SlowQuery:    Duration{100 * time.Millisecond},
			Retry:        true,
		},
		Server: ServerConfig{Addr: "127.0.0.1:7338"},
		Log:    LogConfig{Level: "info", Format: "auto"},
		Reservations: ReservationConfig{
			DefaultTTL:     Duration{30 * time.Minute},
			ReaperSchedule: "* * * * *",
			ReaperGrace:    Duration{5 * time.Minute},
		},
		Auth: AuthConfig{KeysFile: filepath.Join(home, "swarmmail.keys.yaml")},
	}
}

// Load reads path (or $SWARMMAIL_CONFIG when path is empty). A missing file
// is not an error; defaults and the environment still apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("SWARMMAIL_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, data, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, cfg.Validate()
}

func decode(path string, data []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("config %s: unsupported format (use .yaml or .toml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				dst.Duration = d
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("SWARMMAIL_DB_DRIVER", &cfg.Database.Driver)
	str("SWARMMAIL_DB_PATH", &cfg.Database.Path)
	str("SWARMMAIL_DB_DSN", &cfg.Database.DSN)
	if raw := os.Getenv("SWARMMAIL_DB_MAX_OPEN_CONNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Database.MaxOpenConns = v
		}
	}
	flag("SWARMMAIL_DB_RETRY", &cfg.Database.Retry)
	str("SWARMMAIL_ADDR", &cfg.Server.Addr)
	str("SWARMMAIL_SOCKET", &cfg.Server.SocketPath)
	str("SWARMMAIL_LOG_LEVEL", &cfg.Log.Level)
	str("SWARMMAIL_LOG_FORMAT", &cfg.Log.Format)
	dur("SWARMMAIL_DEFAULT_TTL", &cfg.Reservations.DefaultTTL)
	if v, ok := os.LookupEnv("SWARMMAIL_REAPER_SCHEDULE"); ok {
		cfg.Reservations.ReaperSchedule = strings.TrimSpace(v)
	}
	dur("SWARMMAIL_REAPER_GRACE", &cfg.Reservations.ReaperGrace)
	str("SWARMMAIL_KEYS_FILE", &cfg.Auth.KeysFile)
	flag("SWARMMAIL_KEYS_WATCH", &cfg.Auth.Watch)
	flag("SWARMMAIL_OTEL_ENABLED", &cfg.Telemetry.Enabled)
	str("SWARMMAIL_OTEL_EXPORTER", &cfg.Telemetry.Exporter)
	str("SWARMMAIL_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
}

func normalize(cfg *Config) {
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == "postgresql" || cfg.Database.Driver == "pgx" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
	if cfg.Reservations.DefaultTTL.Duration == 0 {
		cfg.Reservations.DefaultTTL.Duration = 30 * time.Minute
	}
}

// FieldError names the setting at fault.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Validate checks cross-field rules. It returns every problem found.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			bad("database.path", "required for sqlite")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			bad("database.dsn", "required for postgres")
		}
	default:
		bad("database.driver", "unknown driver %q (want sqlite or postgres)", c.Database.Driver)
	}
	if c.Reservations.DefaultTTL.Duration < 0 {
		bad("reservations.default_ttl", "must be positive")
	}
	if c.Reservations.ReaperGrace.Duration < 0 {
		bad("reservations.reaper_grace", "must not be negative")
	}
	if s := c.Reservations.ReaperSchedule; s != "" {
		if _, err := cronlib.ParseStandard(s); err != nil {
			bad("reservations.reaper_schedule", "%v", err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "auto", "json", "text":
	default:
		bad("log.format", "unknown format %q (want auto, json or text)", c.Log.Format)
	}
	return errors.Join(errs...)
}
