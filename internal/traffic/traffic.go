// Package traffic defines the outbound interface to the deployment /
// traffic-shifting collaborator (service mesh, ingress controller, canary
// orchestrator). The rollout controller optionally fans its percentage
// writes out to this collaborator when a rollout governs infrastructure
// traffic rather than only in-process flag checks.
package traffic

import (
	"context"
	"log/slog"
)

// Setter is the call shape the core consumes. Implementations live outside
// the core (mesh adapters, cloud APIs); this package only ships a logging
// no-op for local development.
type Setter interface {
	// SetTrafficWeight routes the given percentage of traffic to serviceRef.
	SetTrafficWeight(ctx context.Context, serviceRef string, percentage int) error
}

// LogSetter is a Setter that only records the requested weight. Used when no
// real traffic collaborator is configured, so rollout fan-out stays auditable.
type LogSetter struct {
	Logger *slog.Logger
}

// SetTrafficWeight logs the weight change and succeeds.
func (s LogSetter) SetTrafficWeight(_ context.Context, serviceRef string, percentage int) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("traffic weight updated",
		slog.String("service_ref", serviceRef),
		slog.Int("percentage", percentage),
	)
	return nil
}
