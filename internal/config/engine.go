package config

import (
	"fmt"
	"time"
)

// EngineConfig tunes flag evaluation and automated rollback.
type EngineConfig struct {
	// Environment is matched against each flag's environments list.
	Environment string `envconfig:"ENVIRONMENT" default:"production" validate:"required"`

	// GateMode selects how numeric flag values become on/off decisions:
	// "shared" reuses the rollout bucket, "independent" draws a per-flag bucket.
	GateMode string `envconfig:"GATE_MODE" default:"shared" validate:"oneof=shared independent"`

	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"5m" validate:"min=1s"`
	CacheCapacity int           `envconfig:"CACHE_CAPACITY" default:"100000" validate:"min=1"`

	// RingCapacity is the number of samples kept per (flag, metric, language).
	RingCapacity int `envconfig:"RING_CAPACITY" default:"100" validate:"min=1"`

	// DefaultCooldown applies to flags whose auto-rollback does not set a cooldown.
	DefaultCooldown time.Duration `envconfig:"DEFAULT_COOLDOWN" default:"15m" validate:"min=0"`

	// AudienceBase feeds the affected-user estimate of rollback events.
	AudienceBase int `envconfig:"AUDIENCE_BASE" default:"1000" validate:"min=0"`
}

// Validate checks cross-field constraints validator tags cannot express.
func (e *EngineConfig) Validate() error {
	if e.CacheTTL > 24*time.Hour {
		return fmt.Errorf("engine cache TTL cannot exceed 24h, got %s", e.CacheTTL)
	}
	return nil
}

// SchedulerConfig controls the background maintenance loops.
type SchedulerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// MetricsInterval drives metric ingestion and sample pruning.
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"60s" validate:"min=1s"`

	// SweepInterval drives removal of stale evaluation cache entries.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m" validate:"min=1s"`

	// MetricsMaxAge is how long recorded samples are retained.
	MetricsMaxAge time.Duration `envconfig:"METRICS_MAX_AGE" default:"24h" validate:"min=1m"`
}
