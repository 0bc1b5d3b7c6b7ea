// Package substrate wraps the shared key/value store and pub/sub transport
// that every other component in this module depends on: L2 cache,
// rate limiters, tenant tier limiter, and budget manager all read and write
// through the Store interface rather than talking to a driver directly.
//
// This indirection means one package owns the real client, everything else owns only the interface, so tests
// can swap in an in-memory fake without a running Redis instance.
package substrate

import (
	"context"
	"time"
)

// Store is the shared KV/pub-sub contract described by the external
// interfaces this module exposes. All methods are safe for concurrent use.
type Store interface {
	// Get returns the stored string value, or ok=false if absent/expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Returns the number of keys actually removed.
	Delete(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Incr increments key by 1, creating it at 0 first if absent.
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	PExpire(ctx context.Context, key string, ttl time.Duration) error

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages on channel to handler until the returned
	// unsubscribe function is called or ctx is cancelled. It runs its own
	// background receive loop.
	Subscribe(ctx context.Context, channel string, handler func(message string)) (unsubscribe func(), err error)

	Ping(ctx context.Context) (latency time.Duration, err error)
	Close() error
}

// ErrNotConnected is returned by every MemoryStore method while simulated
// connectivity is off or after Close. RedisStore does not return it; it
// reports transport failures as wrapped driver errors.
var ErrNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "substrate: not connected" }
