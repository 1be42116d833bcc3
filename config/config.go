/*
Package config loads server configuration.

SOURCES (highest precedence first):
  1. Command-line flags (--port, --db, --sweep-schedule, ...)
  2. Environment variables, prefixed POINTS_ (POINTS_SERVER_PORT, ...)
  3. Optional YAML file given with --config
  4. Built-in defaults

KEYS:
  server.port          HTTP port (8080)
  server.cors_origins  Allowed CORS origins
  database.path        SQLite path, ":memory:" for in-memory (points.db)
  sweeper.enabled      Run the expiration scheduler (true)
  sweeper.schedule     Cron spec for the sweep ("@every 5m")
  log.level            debug | info | warn | error (info)
  log.format           text | json (text)
  metrics.enabled      Record OpenTelemetry metrics (true)
  metrics.exporter     stdout | none (stdout)
  metrics.interval     Export interval for the stdout exporter (1m)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "POINTS"

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Exporter string        `mapstructure:"exporter"`
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// flagKeys binds each command-line flag to its configuration key.
var flagKeys = map[string]string{
	"port":             "server.port",
	"cors-origins":     "server.cors_origins",
	"db":               "database.path",
	"sweep":            "sweeper.enabled",
	"sweep-schedule":   "sweeper.schedule",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"metrics":          "metrics.enabled",
	"metrics-exporter": "metrics.exporter",
	"metrics-interval": "metrics.interval",
}

// RegisterFlags declares the server's flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.Int("port", 8080, "HTTP server port")
	fs.StringSlice("cors-origins", []string{"http://localhost:5173", "http://localhost:8080"}, "Allowed CORS origins")
	fs.String("db", "points.db", `SQLite database path (":memory:" for in-memory)`)
	fs.Bool("sweep", true, "Run the expiration sweep scheduler")
	fs.String("sweep-schedule", "@every 5m", "Cron spec for the expiration sweep")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.Bool("metrics", true, "Record OpenTelemetry metrics")
	fs.String("metrics-exporter", "stdout", "Metrics exporter: stdout or none")
	fs.Duration("metrics-interval", time.Minute, "Metrics export interval")
}

// Load resolves configuration from fs (already parsed), the environment
// and the optional config file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.path", "points.db")
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 5m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.exporter", "stdout")
	v.SetDefault("metrics.interval", time.Minute)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}

		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			path := f.Value.String()
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				var pathErr *os.PathError
				if errors.As(err, &pathErr) {
					return nil, fmt.Errorf("config file %s not found", path)
				}
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	if c.Metrics.Enabled {
		switch c.Metrics.Exporter {
		case "stdout", "none":
		default:
			return fmt.Errorf("metrics.exporter %q must be stdout or none", c.Metrics.Exporter)
		}
		if c.Metrics.Interval <= 0 {
			return fmt.Errorf("metrics.interval %s must be positive", c.Metrics.Interval)
		}
	}
	return nil
}
