package config

import "time"

// SyncerConfig contains configuration for the syncer worker, which
// propagates flag, segment and experiment definitions from Postgres into
// the Redis snapshot the eval plane reads.
type SyncerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval is the pause between full sync cycles.
	Interval time.Duration `envconfig:"INTERVAL" default:"10s" validate:"gt=0"`

	// CycleTimeout bounds one full cycle (read Postgres, write Redis).
	CycleTimeout time.Duration `envconfig:"CYCLE_TIMEOUT" default:"30s" validate:"gt=0"`

	// Concurrency is how many definitions are written to Redis in parallel.
	Concurrency int `envconfig:"CONCURRENCY" default:"10" validate:"min=1"`
}
