// Package cache provides the definition snapshot layer shared by the syncer
// and the eval plane. Definitions (flags, segments, experiments) live in
// Redis as JSON values under namespaced keys; a pub/sub channel carries
// invalidation messages so eval instances can evict their L1 entries ahead
// of the TTL.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// Key namespaces for snapshot entries. Example: "flag:new-checkout".
const (
	FlagPrefix       = "flag"
	SegmentPrefix    = "segment"
	ExperimentPrefix = "experiment"

	// InvalidationChannel carries "<prefix>:<key>" messages on every write
	// or delete, so L1 caches converge faster than their TTL.
	InvalidationChannel = "bifrost:invalidations"
)

// Snapshot is the interface both the syncer (writer) and the eval plane
// (reader) depend on. It allows mocking in tests.
type Snapshot interface {
	SetFlag(ctx context.Context, flag *registry.FlagDefinition) error
	GetFlag(ctx context.Context, key string) (*registry.FlagDefinition, error)
	DeleteFlag(ctx context.Context, key string) error

	SetSegment(ctx context.Context, rule *registry.SegmentRule) error
	GetSegment(ctx context.Context, name string) (*registry.SegmentRule, error)
	DeleteSegment(ctx context.Context, name string) error

	SetExperiment(ctx context.Context, e *experiment.Experiment) error
	GetExperiment(ctx context.Context, key string) (*experiment.Experiment, error)
	DeleteExperiment(ctx context.Context, key string) error

	// Subscribe delivers invalidation messages until ctx is canceled.
	Subscribe(ctx context.Context, handler func(prefix, key string)) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// RedisSnapshot implements Snapshot on go-redis.
type RedisSnapshot struct {
	client *redis.Client
}

// NewRedisSnapshot wraps an existing client.
func NewRedisSnapshot(client *redis.Client) *RedisSnapshot {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisSnapshot{client: client}
}

func redisKey(prefix, key string) string {
	return fmt.Sprintf("%s:%s", prefix, key)
}

// set marshals the value, stores it and publishes the invalidation in one
// pipeline round-trip.
func (c *RedisSnapshot) set(ctx context.Context, prefix, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %q: %w", prefix, key, err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, redisKey(prefix, key), data, 0)
	pipe.Publish(ctx, InvalidationChannel, redisKey(prefix, key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store %s %q: %w", prefix, key, err)
	}
	return nil
}

func (c *RedisSnapshot) get(ctx context.Context, prefix, key string, out any) error {
	data, err := c.client.Get(ctx, redisKey(prefix, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("%s %q: %w", prefix, key, registry.ErrNotFound)
		}
		return fmt.Errorf("failed to read %s %q: %w", prefix, key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s %q: %w", prefix, key, err)
	}
	return nil
}

func (c *RedisSnapshot) delete(ctx context.Context, prefix, key string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, redisKey(prefix, key))
	pipe.Publish(ctx, InvalidationChannel, redisKey(prefix, key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %s %q: %w", prefix, key, err)
	}
	return nil
}

// SetFlag stores the flag definition.
func (c *RedisSnapshot) SetFlag(ctx context.Context, flag *registry.FlagDefinition) error {
	return c.set(ctx, FlagPrefix, flag.Key, flag)
}

// GetFlag reads and recompiles a flag definition. Misses answer
// registry.ErrNotFound.
func (c *RedisSnapshot) GetFlag(ctx context.Context, key string) (*registry.FlagDefinition, error) {
	var flag registry.FlagDefinition
	if err := c.get(ctx, FlagPrefix, key, &flag); err != nil {
		return nil, err
	}
	flag.Compile()
	return &flag, nil
}

// DeleteFlag removes the flag and broadcasts the invalidation.
func (c *RedisSnapshot) DeleteFlag(ctx context.Context, key string) error {
	return c.delete(ctx, FlagPrefix, key)
}

// SetSegment stores the segment rule record.
func (c *RedisSnapshot) SetSegment(ctx context.Context, rule *registry.SegmentRule) error {
	return c.set(ctx, SegmentPrefix, rule.Name, rule)
}

// GetSegment reads and recompiles a segment rule. The predicate is rebuilt
// from the (kind, params) record; rules that fail to compile are returned
// as-is and fail closed at match time.
func (c *RedisSnapshot) GetSegment(ctx context.Context, name string) (*registry.SegmentRule, error) {
	var rule registry.SegmentRule
	if err := c.get(ctx, SegmentPrefix, name, &rule); err != nil {
		return nil, err
	}
	if err := rule.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile segment %q: %w", name, err)
	}
	return &rule, nil
}

// DeleteSegment removes the segment and broadcasts the invalidation.
func (c *RedisSnapshot) DeleteSegment(ctx context.Context, name string) error {
	return c.delete(ctx, SegmentPrefix, name)
}

// SetExperiment stores the experiment definition.
func (c *RedisSnapshot) SetExperiment(ctx context.Context, e *experiment.Experiment) error {
	return c.set(ctx, ExperimentPrefix, e.Key, e)
}

// GetExperiment reads an experiment definition.
func (c *RedisSnapshot) GetExperiment(ctx context.Context, key string) (*experiment.Experiment, error) {
	var e experiment.Experiment
	if err := c.get(ctx, ExperimentPrefix, key, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteExperiment removes the experiment and broadcasts the invalidation.
func (c *RedisSnapshot) DeleteExperiment(ctx context.Context, key string) error {
	return c.delete(ctx, ExperimentPrefix, key)
}

// Subscribe listens on the invalidation channel and calls handler for each
// message until ctx is canceled. It returns the ctx error on shutdown, which
// callers typically discard.
func (c *RedisSnapshot) Subscribe(ctx context.Context, handler func(prefix, key string)) error {
	sub := c.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			prefix, key, found := strings.Cut(msg.Payload, ":")
			if !found {
				continue
			}
			handler(prefix, key)
		}
	}
}

// HealthCheck verifies the connection to the Redis server.
func (c *RedisSnapshot) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisSnapshot) Close() error {
	return c.client.Close()
}
