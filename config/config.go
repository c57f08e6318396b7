/*
config.go - Runtime configuration

PURPOSE:
  Reads settings from an optional .env file, an optional YAML file and the
  environment (environment wins). Every key has a default so the binary
  starts with no configuration at all.

KEYS (env name / yaml key in lower case):
  PORT                  HTTP port (8080)
  STORE_DRIVER          memory | sqlite | postgres (sqlite)
  SQLITE_PATH           SQLite file (cashbook.db)
  PGSQL_URL             Postgres URL, required for STORE_DRIVER=postgres
  REDIS_ADDR            Reference directory in Redis; empty = in-memory
  REDIS_PASSWORD, REDIS_DB
  LOG_LEVEL             debug | info | warn | error (info)
  LOG_FORMAT            json | text (json)
  RATE_LIMIT            ulule format, e.g. 300-M; empty disables
  CORS_ALLOWED_ORIGINS  comma separated (*)
  MAX_AMOUNT            largest credit or debit (10000000)
  DATE_EPOCH            earliest entry date (2000-01-01)
  MAX_FUTURE_DAYS       days ahead an entry may be dated (365)
  RECONCILE_INTERVAL    self-check period, 0 disables (1h)
  RECONCILE_KEEP_RUNS   self-check runs kept in memory (24)
  CONFIG_FILE           YAML file path (config.yaml)

Invalid values fall back to the default and are reported as warnings.

SEE ALSO:
  - cmd/server/main.go: Consumes Config
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/ledger-engine/cashbook"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        int
	StoreDriver string
	SQLitePath  string
	PostgresURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  slog.Level
	LogFormat string

	RateLimit          string
	CORSAllowedOrigins []string

	MaxAmount     decimal.Decimal
	DateEpoch     cashbook.Date
	MaxFutureDays int

	ReconcileInterval time.Duration
	ReconcileKeepRuns int

	// Warnings lists settings that were invalid and replaced by defaults.
	Warnings []string
}

var defaults = map[string]any{
	"port":                 8080,
	"store_driver":         DriverSQLite,
	"sqlite_path":          "cashbook.db",
	"pgsql_url":            "",
	"redis_addr":           "",
	"redis_password":       "",
	"redis_db":             0,
	"log_level":            "info",
	"log_format":           "json",
	"rate_limit":           "300-M",
	"cors_allowed_origins": "*",
	"max_amount":           "10000000",
	"date_epoch":           "2000-01-01",
	"max_future_days":      365,
	"reconcile_interval":   "1h",
	"reconcile_keep_runs":  24,
	"config_file":          "config.yaml",
}

// Load reads .env, the YAML file and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	v.SetConfigFile(v.GetString("config_file"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	p := parser{v: v}
	cfg := &Config{
		Port:               p.integer("port", 1, 65535),
		StoreDriver:        p.oneOf("store_driver", DriverMemory, DriverSQLite, DriverPostgres),
		SQLitePath:         v.GetString("sqlite_path"),
		PostgresURL:        v.GetString("pgsql_url"),
		RedisAddr:          v.GetString("redis_addr"),
		RedisPassword:      v.GetString("redis_password"),
		RedisDB:            p.integer("redis_db", 0, 15),
		LogLevel:           p.level("log_level"),
		LogFormat:          p.oneOf("log_format", "json", "text"),
		RateLimit:          strings.TrimSpace(v.GetString("rate_limit")),
		CORSAllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		MaxAmount:          p.amount("max_amount"),
		DateEpoch:          p.date("date_epoch"),
		MaxFutureDays:      p.integer("max_future_days", 0, 36500),
		ReconcileInterval:  p.duration("reconcile_interval"),
		ReconcileKeepRuns:  p.integer("reconcile_keep_runs", 1, 10000),
	}
	cfg.Warnings = p.warnings

	if cfg.StoreDriver == DriverPostgres && cfg.PostgresURL == "" {
		return nil, fmt.Errorf("PGSQL_URL is required when STORE_DRIVER=%s", DriverPostgres)
	}
	return cfg, nil
}

// ValidatorConfig returns the ledger limits with the configured overrides.
func (c *Config) ValidatorConfig() cashbook.ValidatorConfig {
	vc := cashbook.DefaultValidatorConfig()
	vc.MaxAmount = c.MaxAmount
	vc.Epoch = c.DateEpoch
	vc.MaxFutureDays = c.MaxFutureDays
	return vc
}

// NewLogger builds the process logger.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// =============================================================================
// PARSING
// =============================================================================

type parser struct {
	v        *viper.Viper
	warnings []string
}

func (p *parser) fallback(key string, raw any) string {
	def := fmt.Sprint(defaults[key])
	p.warnings = append(p.warnings, fmt.Sprintf("invalid %s %q, using %s", strings.ToUpper(key), fmt.Sprint(raw), def))
	return def
}

func (p *parser) integer(key string, lo, hi int) int {
	raw := strings.TrimSpace(p.v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		n, _ = strconv.Atoi(p.fallback(key, raw))
	}
	return n
}

func (p *parser) oneOf(key string, allowed ...string) string {
	raw := strings.ToLower(strings.TrimSpace(p.v.GetString(key)))
	for _, a := range allowed {
		if raw == a {
			return raw
		}
	}
	return p.fallback(key, raw)
}

func (p *parser) level(key string) slog.Level {
	var lvl slog.Level
	raw := strings.TrimSpace(p.v.GetString(key))
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		_ = lvl.UnmarshalText([]byte(p.fallback(key, raw)))
	}
	return lvl
}

func (p *parser) amount(key string) decimal.Decimal {
	raw := strings.TrimSpace(p.v.GetString(key))
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		d = decimal.RequireFromString(p.fallback(key, raw))
	}
	return d
}

func (p *parser) date(key string) cashbook.Date {
	raw := strings.TrimSpace(p.v.GetString(key))
	d, err := cashbook.ParseDate(raw)
	if err != nil {
		d = cashbook.MustParseDate(p.fallback(key, raw))
	}
	return d
}

func (p *parser) duration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		d, _ = time.ParseDuration(p.fallback(key, raw))
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
