package config

import (
	"fmt"
	"time"
)

// NotifierConfig selects the sinks that receive rollback events.
// The structured log sink is always active.
type NotifierConfig struct {
	// Timeout bounds each single delivery attempt.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=100ms"`

	WebhookURL string `envconfig:"WEBHOOK_URL"`

	// RedisChannel publishes events on Redis Pub/Sub when set.
	RedisChannel string `envconfig:"REDIS_CHANNEL"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"bifrost.rollbacks"`

	// PostgresAudit persists every event into the rollback_events table.
	PostgresAudit bool `envconfig:"POSTGRES_AUDIT" default:"false"`
}

// Validate checks the notifier settings.
func (n *NotifierConfig) Validate() error {
	if n.WebhookURL != "" {
		if _, err := parseAndValidateURL(n.WebhookURL, []string{"http", "https"}); err != nil {
			return fmt.Errorf("invalid notifier webhook URL: %w", err)
		}
	}
	if len(n.KafkaBrokers) > 0 {
		for _, b := range n.KafkaBrokers {
			if err := validateNoWhitespace(b, "kafka broker"); err != nil {
				return err
			}
		}
		if err := validateNoWhitespace(n.KafkaTopic, "kafka topic"); err != nil {
			return err
		}
	}
	return nil
}

// IngestConfig configures the Redis queue that feeds metric samples to the scheduler.
type IngestConfig struct {
	Enabled   bool   `envconfig:"ENABLED" default:"false"`
	QueueKey  string `envconfig:"QUEUE_KEY" default:"bifrost:metrics"`
	BatchSize int    `envconfig:"BATCH_SIZE" default:"500" validate:"min=1,max=10000"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector address (host:port). Tracing is off when empty.
	Endpoint string  `envconfig:"ENDPOINT"`
	Insecure bool    `envconfig:"INSECURE" default:"true"`
	Ratio    float64 `envconfig:"SAMPLE_RATIO" default:"1" validate:"min=0,max=1"`
}

// Enabled reports whether spans are exported.
func (t *TracingConfig) Enabled() bool {
	return t.Endpoint != ""
}
