// Package config loads Bifrost settings from BIFROST_* environment variables
// with envconfig and checks them with go-playground/validator plus
// per-section rules that depend on the deployment environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"

	// envPrefix is prepended to every variable name (BIFROST_APP_ENV, ...).
	envPrefix = "BIFROST"
)

// Config holds the complete application configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Engine        EngineConfig        `envconfig:"ENGINE"`
	Scheduler     SchedulerConfig     `envconfig:"SCHEDULER"`
	Source        SourceConfig        `envconfig:"SOURCE"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	ObjectStore   ObjectStoreConfig   `envconfig:"OBJECT_STORE"`
	Notifier      NotifierConfig      `envconfig:"NOTIFIER"`
	Ingest        IngestConfig        `envconfig:"INGEST"`
	Server        ServerConfig        `envconfig:"SERVER"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
	Tracing       TracingConfig       `envconfig:"TRACING"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"bifrost"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Control ControlPlaneConfig `envconfig:"CONTROL"`
}

// Load reads configuration from environment variables with the BIFROST prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// NeedsDatabase reports whether any enabled component talks to PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.Source.Kind == SourcePostgres || c.Notifier.PostgresAudit
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Ingest.Enabled || c.Notifier.RedisChannel != ""
}

// Validate runs the struct tag rules, then each section's own checks.
// Connection settings are only checked for the backends the enabled
// components need, so a file-backed engine boots without Postgres or Redis.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	env := c.App.Environment
	checks := []struct {
		enabled bool
		run     func() error
	}{
		{true, c.Engine.Validate},
		{true, c.Source.Validate},
		{c.NeedsDatabase(), func() error { return c.Database.Validate(env) }},
		{c.NeedsRedis(), func() error { return c.Redis.Validate(env) }},
		{c.Source.Kind == SourceObject, func() error { return c.ObjectStore.Validate(env) }},
		{true, c.Notifier.Validate},
		{true, func() error { return c.Server.Control.Validate(env) }},
		{true, c.Observability.Validate},
	}
	for _, check := range checks {
		if !check.enabled {
			continue
		}
		if err := check.run(); err != nil {
			return err
		}
	}
	return nil
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.Duration("shutdown_timeout", c.App.ShutdownTimeout),
		slog.String("flag_environment", c.Engine.Environment),
		slog.String("gate_mode", c.Engine.GateMode),
		slog.String("source_kind", c.Source.Kind),
		slog.String("control_addr", c.Server.Control.Addr()),
		slog.Bool("control_auth", c.Server.Control.AuthEnabled()),
		slog.Bool("tls_enabled", c.Server.Control.TLSEnabled),
		slog.Bool("ingest_enabled", c.Ingest.Enabled),
		slog.Bool("webhook_configured", c.Notifier.WebhookURL != ""),
		slog.Bool("kafka_configured", len(c.Notifier.KafkaBrokers) > 0),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
		slog.Bool("tracing_enabled", c.Tracing.Enabled()),
	)
}
