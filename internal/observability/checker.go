package observability

import "context"

// Checker is implemented by components that report health for the readiness
// probe (Postgres pool, Redis client). Implementations must be safe for
// concurrent use and must respect the context deadline.
type Checker interface {
	// Name identifies the component ("postgres", "redis").
	Name() string

	// Check returns nil when the component is healthy.
	Check(ctx context.Context) error
}
