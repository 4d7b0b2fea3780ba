// Package broker implements the thin facade spec.md §4.A describes: a
// key/value store with TTL and logical prefixes, a per-class hybrid
// priority/FIFO message queue, a shared dead-letter queue, three Pub/Sub
// channels, and a distributed lock — all backed by Redis, the way
// aidenlippert-zerostate/libs/queue/redis_queue.go backs a task queue with
// a sorted set, a hash, and Pub/Sub notify.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenforge/agentflow/internal/resilience"
	"github.com/lumenforge/agentflow/internal/types"
)

// Key namespaces, per spec.md §6.
const (
	PrefixRegistry      = "registry"
	PrefixNotifications = "notifications"
	PrefixAlerts        = "alerts"
	PrefixSession       = "session"

	TTLRegistry      = 300 * time.Second
	TTLNotifications = 86400 * time.Second
	TTLAlerts        = 604800 * time.Second
	TTLSession       = 3600 * time.Second
)

// Options configures the Redis connection.
type Options struct {
	Addr             string
	Password         string
	DB               int
	ReconnectCap     time.Duration // timeout of each connection attempt, default 500ms
	ReconnectRetries int           // bounded attempt count, default 5
}

func (o Options) withDefaults() Options {
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 500 * time.Millisecond
	}
	if o.ReconnectRetries <= 0 {
		o.ReconnectRetries = 5
	}
	return o
}

// Broker is the remote-store-backed fabric the rest of the system talks to.
// Three logical client roles (command, publisher, subscriber) share one
// *redis.Client here since go-redis pools connections internally and
// already keeps subscriptions off the command path (a *redis.PubSub owns
// its own connection); this preserves spec.md §4.A's intent without
// juggling three handles.
type Broker struct {
	cmd      *redis.Client
	enqLimit *resilience.HybridRateLimiter
	tracer   trace.Tracer
	log      *slog.Logger
}

// New dials Redis with a capped, bounded-attempt reconnect backoff (spec.md
// §4.A health/reconnect requirement), using the teacher's generic
// exponential-backoff retry helper. The wait before each retry is drawn
// from [0, 50ms·2^n] (full jitter, capped only by Retry's 60s ceiling);
// ReconnectCap bounds each ping, not that wait.
func New(ctx context.Context, opts Options) (*Broker, error) {
	opts = opts.withDefaults()
	cmd := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	_, err := resilience.Retry(ctx, opts.ReconnectRetries, 50*time.Millisecond, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, opts.ReconnectCap)
		defer cancel()
		return struct{}{}, cmd.Ping(pingCtx).Err()
	})
	if err != nil {
		return nil, types.NewError(types.ErrBrokerUnavailable, "connect to broker: %v", err)
	}

	return &Broker{
		cmd: cmd,
		// Burst of 50 enqueues, refilling at 200/s, a queue of 500 waiting
		// admissions leaking at 2ms intervals — smooths bursts of task
		// submission ahead of the underlying Redis pipeline.
		enqLimit: resilience.NewHybridRateLimiter(50, 200, 500, 2*time.Millisecond),
		tracer:   otel.Tracer("agentflow-broker"),
		log:      slog.Default().With("component", "broker"),
	}, nil
}

// Close releases the underlying connection and stops background workers.
func (b *Broker) Close() error {
	b.enqLimit.Stop()
	return b.cmd.Close()
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.cmd.Ping(ctx).Err(); err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "ping: %v", err)
	}
	return nil
}

// IsHealthy is a boolean convenience wrapper around Ping.
func (b *Broker) IsHealthy(ctx context.Context) bool {
	return b.Ping(ctx) == nil
}

func prefixedKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// SetOptions configures a KV write.
type SetOptions struct {
	TTL    time.Duration
	Prefix string
}

// Set stores value (JSON-encoded) under prefix:key with an optional TTL.
func (b *Broker) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	ctx, span := b.tracer.Start(ctx, "broker.set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	full := prefixedKey(opts.Prefix, key)
	if err := b.cmd.Set(ctx, full, data, opts.TTL).Err(); err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "set %s: %v", full, err)
	}
	return nil
}

// Get reads and JSON-decodes a value into out. Returns found=false (nil
// error) on a cache miss.
func (b *Broker) Get(ctx context.Context, key, prefix string, out interface{}) (bool, error) {
	ctx, span := b.tracer.Start(ctx, "broker.get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	full := prefixedKey(prefix, key)
	data, err := b.cmd.Get(ctx, full).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, types.NewError(types.ErrBrokerUnavailable, "get %s: %v", full, err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return true, fmt.Errorf("unmarshal %s: %w", full, err)
		}
	}
	return true, nil
}

// Del removes a key.
func (b *Broker) Del(ctx context.Context, key, prefix string) error {
	full := prefixedKey(prefix, key)
	if err := b.cmd.Del(ctx, full).Err(); err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "del %s: %v", full, err)
	}
	return nil
}

// Exists reports whether a key is present.
func (b *Broker) Exists(ctx context.Context, key, prefix string) (bool, error) {
	full := prefixedKey(prefix, key)
	n, err := b.cmd.Exists(ctx, full).Result()
	if err != nil {
		return false, types.NewError(types.ErrBrokerUnavailable, "exists %s: %v", full, err)
	}
	return n > 0, nil
}

// AcquireLock implements the distributed lock as an atomic set-if-absent
// with expiry (`SET NX PX`).
func (b *Broker) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	full := prefixedKey("lock", name)
	ok, err := b.cmd.SetNX(ctx, full, types.NowMillis(), ttl).Result()
	if err != nil {
		return false, types.NewError(types.ErrBrokerUnavailable, "acquire lock %s: %v", name, err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock key.
func (b *Broker) ReleaseLock(ctx context.Context, name string) error {
	return b.Del(ctx, name, "lock")
}
