package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultSQLitePath = "./bitespeed.db"

// Config is the process configuration, read from the environment.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogMode         string        `env:"LOG_MODE" envDefault:"development"`
	RedactPII       bool          `env:"LOG_REDACT_PII" envDefault:"false"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Database Database
	Redis    Redis
}

// Database selects the contact store. Driver is sqlite3, postgres or memory.
type Database struct {
	Driver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	URL    string `env:"DATABASE_URL"`

	PGHost     string `env:"PG_HOST"`
	PGPort     string `env:"PG_PORT" envDefault:"5432"`
	PGUser     string `env:"PG_USER"`
	PGPassword string `env:"PG_PASSWORD"`
	PGDatabase string `env:"PG_DATABASE"`
	PGSSLMode  string `env:"PG_SSLMODE" envDefault:"require"`
}

// Redis enables the cross-instance attribute lock when URL is set.
type Redis struct {
	URL     string        `env:"REDIS_URL"`
	LockTTL time.Duration `env:"LOCK_TTL" envDefault:"10s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.Database.Driver {
	case "sqlite3", "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" && cfg.Database.PGHost == "" {
		return Config{}, fmt.Errorf("postgres requires DATABASE_URL or PG_HOST")
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

// DSN returns the connection string for the configured driver. For postgres
// without DATABASE_URL it is assembled from the PG_* settings.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	switch d.Driver {
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.PGUser, d.PGPassword),
			Host:   net.JoinHostPort(d.PGHost, d.PGPort),
			Path:   "/" + d.PGDatabase,
		}
		q := url.Values{}
		q.Set("sslmode", d.PGSSLMode)
		u.RawQuery = q.Encode()
		return u.String()
	case "sqlite3":
		return defaultSQLitePath
	}
	return ""
}
