// Package analytics defines the outbound event interface to the analytics
// collaborator and ships two implementations: a Redis Streams producer for
// production and a slog-backed emitter for development.
//
// Emission is fire-and-forget at call sites: callers log failures but never
// propagate them, because a down analytics pipeline must not break variant
// assignment or conversion endpoints.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a structured analytics payload (exposure, conversion).
type Event struct {
	// ID uniquely identifies the event for downstream de-duplication.
	ID string `json:"id"`

	// Name is the event type, e.g. "conversion" or "exposure".
	Name string `json:"name"`

	// At is the emission timestamp (UTC).
	At time.Time `json:"at"`

	// Payload carries the event-specific fields (experiment key, subject id,
	// resolved variant, value).
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(name string, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Name:    name,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Emitter is the analytics collaborator contract.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}
