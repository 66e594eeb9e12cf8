package config

import (
	"fmt"
	"strings"
	"time"
)

// ObservabilityConfig configures the side listener serving probes and Prometheus metrics.
// It is kept apart from the control API so scrapes never need an API key.
type ObservabilityConfig struct {
	Port string `envconfig:"PORT" default:"9090"`

	// Timeout bounds reads and writes; idle connections get three times as long.
	// Readiness checks share the same budget.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/healthz"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/readyz"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Addr is the listen address of the observability server, on all interfaces.
func (o *ObservabilityConfig) Addr() string {
	return ":" + o.Port
}

// Validate checks the port and that the three paths are absolute and distinct.
func (o *ObservabilityConfig) Validate() error {
	if err := validatePort(o.Port, "observability"); err != nil {
		return err
	}

	seen := make(map[string]string, 3)
	for _, p := range []struct{ name, path string }{
		{"liveness", o.LivenessPath},
		{"readiness", o.ReadinessPath},
		{"metrics", o.MetricsPath},
	} {
		if !strings.HasPrefix(p.path, "/") {
			return fmt.Errorf("observability %s path must start with '/', got %q", p.name, p.path)
		}
		if err := validateNoWhitespace(p.path, "observability "+p.name+" path"); err != nil {
			return err
		}
		if other, dup := seen[p.path]; dup {
			return fmt.Errorf("observability %s and %s paths are both %q", other, p.name, p.path)
		}
		seen[p.path] = p.name
	}
	return nil
}
