/*
Package config loads the server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults
  2. A .env file in the working directory (optional, never overrides the
     real environment)
  3. STOCK_* environment variables
  4. Command-line flags

VARIABLES:
  STOCK_PORT               -port              HTTP port (8080)
  STOCK_DB                 -db                database path, DSN or "memory"
  STOCK_DRIVER             -driver            sqlite3 | postgres
  STOCK_LOG_LEVEL          -log-level         debug | info | warn | error
  STOCK_LOG_FORMAT         -log-format        json | console
  STOCK_FORMULATIONS       -formulations      JSON doses-per-vial overrides
  STOCK_HISTORY_INTERVAL   -history-interval  round closing check, 0 disables
  STOCK_CORS_ORIGINS       -cors-origins      comma-separated origins
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the server configuration.
type Config struct {
	Port   int
	DB     string
	Driver string

	Log struct {
		Level  string
		Format string
	}

	// FormulationsFile is an optional JSON file extending the built-in
	// doses-per-vial table.
	FormulationsFile string

	// HistoryInterval is how often ended rounds are snapshotted.
	HistoryInterval time.Duration

	CORSOrigins []string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	cfg := &Config{
		Port:            8080,
		DB:              "vaccine_stock.db",
		Driver:          "sqlite3",
		HistoryInterval: time.Hour,
		CORSOrigins:     []string{"http://localhost:5173", "http://localhost:8080"},
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load builds the configuration from the environment and args (without the
// program name).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	var err error

	if cfg.Port, err = getEnvInt("STOCK_PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.DB = getEnv("STOCK_DB", cfg.DB)
	cfg.Driver = getEnv("STOCK_DRIVER", cfg.Driver)
	cfg.Log.Level = getEnv("STOCK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("STOCK_LOG_FORMAT", cfg.Log.Format)
	cfg.FormulationsFile = getEnv("STOCK_FORMULATIONS", cfg.FormulationsFile)
	if v := os.Getenv("STOCK_HISTORY_INTERVAL"); v != "" {
		if cfg.HistoryInterval, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("STOCK_HISTORY_INTERVAL: %w", err)
		}
	}
	origins := getEnv("STOCK_CORS_ORIGINS", strings.Join(cfg.CORSOrigins, ","))

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DB, "db", cfg.DB, "database path or DSN (\"memory\" for in-memory)")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "database driver: sqlite3 or postgres")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: json or console")
	fs.StringVar(&cfg.FormulationsFile, "formulations", cfg.FormulationsFile, "JSON file with doses-per-vial overrides")
	fs.DurationVar(&cfg.HistoryInterval, "history-interval", cfg.HistoryInterval, "round history check interval (0 disables)")
	fs.StringVar(&origins, "cors-origins", origins, "comma-separated allowed CORS origins")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.CORSOrigins = splitList(origins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.HistoryInterval < 0 {
		return fmt.Errorf("negative history interval %v", c.HistoryInterval)
	}
	return nil
}

// InMemory reports whether the in-memory store was requested.
func (c *Config) InMemory() bool { return c.DB == "memory" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
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
