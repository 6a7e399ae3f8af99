package config

import (
	"fmt"
	"time"
)

// EvalPlaneConfig configures the evaluation API server and its caches.
type EvalPlaneConfig struct {
	Port              string        `envconfig:"PORT" default:"8081"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"5s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"2s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	// L1 in-process cache for flag definitions. Small TTL bounds staleness
	// between invalidation messages.
	MemoryCacheCapacity int           `envconfig:"MEMORY_CACHE_CAPACITY" default:"10000" validate:"min=1"`
	MemoryCacheTTL      time.Duration `envconfig:"MEMORY_CACHE_TTL" default:"30s" validate:"gt=0"`

	// LookupTimeout bounds a single L2 (Redis) fetch during evaluation.
	LookupTimeout time.Duration `envconfig:"LOOKUP_TIMEOUT" default:"500ms" validate:"gt=0"`
}

// Validate performs validation on the EvalPlaneConfig.
func (c *EvalPlaneConfig) Validate() error {
	if err := validatePort(c.Port, "eval plane"); err != nil {
		return err
	}

	if err := validateHost(c.Host, "eval plane"); err != nil {
		return err
	}

	if c.MemoryCacheTTL < time.Second {
		return fmt.Errorf("eval plane memory cache TTL must be at least 1s, got %s", c.MemoryCacheTTL)
	}

	return nil
}
