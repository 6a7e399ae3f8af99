package analytics

import (
	"context"
	"log/slog"

	"github.com/rcavalcanti/bifrost/internal/observability"
)

// LogEmitter writes events to the structured log. Used in development and as
// a fallback when no Redis stream is configured.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit logs the event and always succeeds.
func (e LogEmitter) Emit(_ context.Context, event Event) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("analytics event",
		slog.String("event_id", event.ID),
		slog.String("event_name", event.Name),
		slog.Time("at", event.At),
		slog.Any("payload", event.Payload),
	)
	observability.AnalyticsEvents.WithLabelValues("ok").Inc()
	return nil
}
