package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rcavalcanti/bifrost/internal/observability"
)

// DefaultStream is the Redis Stream analytics events are appended to.
const DefaultStream = "bifrost:events"

// RedisEmitter appends events to a Redis Stream (XADD), from which the
// analytics pipeline consumes at its own pace.
type RedisEmitter struct {
	client *redis.Client
	stream string

	// maxLen caps the stream (approximate trimming) so an absent consumer
	// cannot grow Redis without bound.
	maxLen int64
}

// NewRedisEmitter creates a stream producer. An empty stream name uses
// DefaultStream; maxLen <= 0 defaults to 100k entries.
func NewRedisEmitter(client *redis.Client, stream string, maxLen int64) *RedisEmitter {
	if client == nil {
		panic("analytics: redis client cannot be nil")
	}
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}

	return &RedisEmitter{client: client, stream: stream, maxLen: maxLen}
}

// Emit appends the event to the stream.
func (e *RedisEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		observability.AnalyticsEvents.WithLabelValues("fail").Inc()
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	err = e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":      event.ID,
			"name":    event.Name,
			"at":      event.At.Format("2006-01-02T15:04:05.000Z07:00"),
			"payload": string(payload),
		},
	}).Err()

	if err != nil {
		observability.AnalyticsEvents.WithLabelValues("fail").Inc()
		return fmt.Errorf("failed to append event to stream %q: %w", e.stream, err)
	}

	observability.AnalyticsEvents.WithLabelValues("ok").Inc()
	return nil
}
