package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig selects the Postgres source and the Redis ingest queue,
// so both backends are validated.
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"BIFROST_SOURCE_KIND":    "postgres",
		"BIFROST_INGEST_ENABLED": "true",
		"BIFROST_DB_HOST":        "localhost",
		"BIFROST_DB_PORT":        "5432",
		"BIFROST_DB_NAME":        "bifrost_test",
		"BIFROST_DB_USER":        "test_user",
		"BIFROST_DB_PASSWORD":    "test_pass",
		"BIFROST_REDIS_HOST":     "localhost",
		"BIFROST_REDIS_PORT":     "6379",
		"BIFROST_REDIS_PASSWORD": "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration.
func validProductionConfig() map[string]string {
	return map[string]string{
		"BIFROST_APP_ENV":        "production",
		"BIFROST_SOURCE_KIND":    "postgres",
		"BIFROST_INGEST_ENABLED": "true",

		"BIFROST_DB_HOST":     "prod-db.example.com",
		"BIFROST_DB_PORT":     "5432",
		"BIFROST_DB_NAME":     "bifrost_prod",
		"BIFROST_DB_USER":     "prod_user",
		"BIFROST_DB_PASSWORD": "SuperSecure123!",
		"BIFROST_DB_SSL_MODE": "require",

		"BIFROST_REDIS_HOST":        "prod-redis.example.com",
		"BIFROST_REDIS_PORT":        "6379",
		"BIFROST_REDIS_PASSWORD":    "RedisSecure123!",
		"BIFROST_REDIS_TLS_ENABLED": "true",

		"BIFROST_SERVER_CONTROL_API_KEY_HASH":  "5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d",
		"BIFROST_SERVER_CONTROL_TLS_ENABLED":   "true",
		"BIFROST_SERVER_CONTROL_TLS_CERT_FILE": "/certs/control-cert.pem",
		"BIFROST_SERVER_CONTROL_TLS_KEY_FILE":  "/certs/control-key.pem",
	}
}

func runLoadCases(t *testing.T, tests []loadCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv prevents parallel execution and restores the environment afterwards.
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}

type loadCase struct {
	name    string
	envVars map[string]string
	want    func(t *testing.T, cfg *Config)
	wantErr bool
}

func TestLoad(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should use defaults when no env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bifrost", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "8080", cfg.Server.Control.Port)

				assert.Equal(t, "production", cfg.Engine.Environment)
				assert.Equal(t, "shared", cfg.Engine.GateMode)
				assert.Equal(t, 5*time.Minute, cfg.Engine.CacheTTL)
				assert.Equal(t, 100, cfg.Engine.RingCapacity)
				assert.Equal(t, 15*time.Minute, cfg.Engine.DefaultCooldown)

				assert.True(t, cfg.Scheduler.Enabled)
				assert.Equal(t, 60*time.Second, cfg.Scheduler.MetricsInterval)
				assert.Equal(t, 5*time.Minute, cfg.Scheduler.SweepInterval)
				assert.Equal(t, 24*time.Hour, cfg.Scheduler.MetricsMaxAge)

				assert.Equal(t, 5*time.Second, cfg.Notifier.Timeout)
				assert.Equal(t, "bifrost:metrics", cfg.Ingest.QueueKey)
				assert.False(t, cfg.Tracing.Enabled())
			},
		},
		{
			name: "Should load custom engine and app settings",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_NAME":               "edge-flags",
				"BIFROST_APP_ENV":                "staging",
				"BIFROST_APP_LOG_LEVEL":          "debug",
				"BIFROST_APP_LOG_FORMAT":         "json",
				"BIFROST_ENGINE_ENVIRONMENT":     "staging",
				"BIFROST_ENGINE_GATE_MODE":       "independent",
				"BIFROST_ENGINE_CACHE_TTL":       "30s",
				"BIFROST_ENGINE_RING_CAPACITY":   "250",
				"BIFROST_NOTIFIER_KAFKA_BROKERS": "kafka-1:9092,kafka-2:9092",
				"BIFROST_TRACING_ENDPOINT":       "otel-collector:4318",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "edge-flags", cfg.App.Name)
				assert.Equal(t, "staging", cfg.Engine.Environment)
				assert.Equal(t, "independent", cfg.Engine.GateMode)
				assert.Equal(t, 30*time.Second, cfg.Engine.CacheTTL)
				assert.Equal(t, 250, cfg.Engine.RingCapacity)
				assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Notifier.KafkaBrokers)
				assert.True(t, cfg.Tracing.Enabled())
			},
		},
		{
			name:    "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{"BIFROST_APP_ENV": "invalid"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{"BIFROST_APP_LOG_LEVEL": "trace"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on unknown gate mode",
			envVars: mergeEnvVars(map[string]string{"BIFROST_ENGINE_GATE_MODE": "double"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on cache TTL above one day",
			envVars: mergeEnvVars(map[string]string{"BIFROST_ENGINE_CACHE_TTL": "25h"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on zero ring capacity",
			envVars: mergeEnvVars(map[string]string{"BIFROST_ENGINE_RING_CAPACITY": "0"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on sample ratio above one",
			envVars: mergeEnvVars(map[string]string{"BIFROST_TRACING_SAMPLE_RATIO": "1.5"}),
			wantErr: true,
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV":        "development",
				"BIFROST_DB_PASSWORD":    "",
				"BIFROST_REDIS_PASSWORD": "",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
		},
	})
}

func TestLoad_BackendsAreOnlyValidatedWhenNeeded(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name: "Should not require database or redis for a file source without ingest",
			envVars: map[string]string{
				"BIFROST_SOURCE_KIND": "file",
				"BIFROST_SOURCE_PATH": "/etc/bifrost/flags.yaml",
			},
			want: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.NeedsDatabase())
				assert.False(t, cfg.NeedsRedis())
			},
		},
		{
			name: "Should require database when audit persistence is enabled",
			envVars: map[string]string{
				"BIFROST_NOTIFIER_POSTGRES_AUDIT": "true",
			},
			wantErr: true,
		},
		{
			name: "Should require redis when events are published on a channel",
			envVars: map[string]string{
				"BIFROST_NOTIFIER_REDIS_CHANNEL": "bifrost:rollbacks",
			},
			wantErr: true,
		},
		{
			name: "Should reject a definitions file with an unknown extension",
			envVars: map[string]string{
				"BIFROST_SOURCE_KIND": "file",
				"BIFROST_SOURCE_PATH": "flags.toml",
			},
			wantErr: true,
		},
		{
			name: "Should require object store credentials for the object source",
			envVars: map[string]string{
				"BIFROST_SOURCE_KIND":           "object",
				"BIFROST_OBJECT_STORE_ENDPOINT": "minio:9000",
			},
			wantErr: true,
		},
		{
			name: "Should accept a complete object source",
			envVars: map[string]string{
				"BIFROST_SOURCE_KIND":             "object",
				"BIFROST_SOURCE_OBJECT_KEY":       "flags/prod.yaml",
				"BIFROST_OBJECT_STORE_ENDPOINT":   "minio:9000",
				"BIFROST_OBJECT_STORE_ACCESS_KEY": "access",
				"BIFROST_OBJECT_STORE_SECRET_KEY": "secret",
			},
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bifrost", cfg.ObjectStore.Bucket)
				assert.Equal(t, "flags/prod.yaml", cfg.Source.ObjectKey)
			},
		},
		{
			name: "Should reject a webhook URL with an unsupported scheme",
			envVars: map[string]string{
				"BIFROST_NOTIFIER_WEBHOOK_URL": "ftp://alerts.example.com/hook",
			},
			wantErr: true,
		},
	})
}
