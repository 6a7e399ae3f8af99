package config

import (
	"fmt"
	"time"
)

// RolloutConfig configures the staged rollout runner and its metrics gate.
type RolloutConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// TickInterval is how often the runner re-evaluates active rollouts.
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"30s" validate:"gt=0"`

	// GateTimeout bounds a single metrics backend query. A slow backend
	// degrades the gate decision to Unknown (hold), never to promote.
	GateTimeout time.Duration `envconfig:"GATE_TIMEOUT" default:"10s" validate:"gt=0"`

	// MetricsWindow is how far back the gate looks when querying cohort
	// aggregates for the current stage.
	MetricsWindow time.Duration `envconfig:"METRICS_WINDOW" default:"15m" validate:"gt=0"`

	// MetricsURL is the Prometheus base URL the gate queries. Empty leaves
	// the gate without a metrics backend: active rollouts hold instead of
	// promoting blind.
	MetricsURL string `envconfig:"METRICS_URL"`
}

// Validate performs validation on the RolloutConfig.
func (c *RolloutConfig) Validate() error {
	if c.GateTimeout >= c.TickInterval {
		return fmt.Errorf("rollout gate timeout (%s) must be shorter than the tick interval (%s)",
			c.GateTimeout, c.TickInterval)
	}
	return nil
}
