package cachemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.app/substrate"
)

// l2Entry is the JSON envelope stored in the shared KV for every L2 value.
type l2Entry struct {
	Value     json.RawMessage `json:"value"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// L2Cache is the shared, cross-replica cache layer. It never scans for
// pattern invalidation and has no pattern-delete operation — the
// MultiLayerCache facade is responsible for broadcasting the pattern so
// each replica's L1 self-invalidates, while L2 entries are left to expire
// via TTL. This mirrors the source system's choice to favor throughput over
// an expensive server-side scan.
type L2Cache struct {
	store        substrate.Store
	namespace    string
	ttlCeiling   time.Duration
}

// NewL2Cache wraps store with a key namespace prefix and a hard TTL ceiling
// (defaulting to 5 minutes, per the component's external contract).
func NewL2Cache(store substrate.Store, namespace string, ttlCeiling time.Duration) *L2Cache {
	if ttlCeiling <= 0 {
		ttlCeiling = 5 * time.Minute
	}
	return &L2Cache{store: store, namespace: namespace, ttlCeiling: ttlCeiling}
}

func (c *L2Cache) namespaced(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + "::" + key
}

func (c *L2Cache) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.ttlCeiling {
		return c.ttlCeiling
	}
	return ttl
}

// Get returns any transport error to its caller; the MultiLayerCache facade
// (Service.Get) counts it and treats it as a miss, so callers fall back to
// recomputation rather than blocking on L2 unavailability.
func (c *L2Cache) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.namespaced(key))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var e l2Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, fmt.Errorf("l2 cache: decode %q: %w", key, err)
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, false, nil
	}

	var value interface{}
	if err := json.Unmarshal(e.Value, &value); err != nil {
		return nil, false, fmt.Errorf("l2 cache: decode value %q: %w", key, err)
	}

	return &CacheEntry{
		Value:     value,
		CachedAt:  e.CachedAt,
		ExpiresAt: e.ExpiresAt,
		Source:    "l2",
	}, true, nil
}

func (c *L2Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	ttl = c.clampTTL(ttl)
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("l2 cache: encode value %q: %w", key, err)
	}
	now := time.Now()
	entry := l2Entry{Value: valueJSON, CachedAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("l2 cache: encode entry %q: %w", key, err)
	}
	return c.store.Set(ctx, c.namespaced(key), string(data), ttl)
}

func (c *L2Cache) Delete(ctx context.Context, key string) error {
	_, err := c.store.Delete(ctx, c.namespaced(key))
	return err
}
