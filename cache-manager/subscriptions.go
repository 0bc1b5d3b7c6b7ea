package cachemanager

import (
	"context"
	"encoding/json"
	"time"

	"encore.dev/pubsub"

	"encore.app/invalidation"
)

// RefreshEvent represents a cache refresh command broadcast to all instances.
type RefreshEvent struct {
	Key       string          `json:"key"`        // Key to refresh
	Value     json.RawMessage `json:"value"`      // New value to cache (JSON)
	TTL       int             `json:"ttl"`        // TTL in seconds
	Timestamp time.Time       `json:"timestamp"`  // When refresh was triggered
	Priority  string          `json:"priority"`   // "critical", "high", "normal"
}

// Pub/Sub topic definitions for cache coordination.
var CacheRefreshTopic = pubsub.NewTopic[*RefreshEvent](
	"cache-refresh",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to cache invalidation events from other instances.
// This ensures eventual consistency across all cache-manager instances.
var _ = pubsub.NewSubscription(
	invalidation.CacheInvalidateTopic,
	"cache-manager-invalidate",
	pubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent processes invalidation events from other cache instances.
// This handler is triggered when any instance publishes an invalidation event,
// including this replica's own publishes — deleting an already-absent key is
// a harmless no-op, so no origin-node filtering is needed for correctness.
func HandleInvalidateEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil // Service not initialized yet
	}

	for _, key := range event.Keys {
		svc.l1.Delete(key)
		svc.metrics.Deletes.Add(1)
	}

	if event.Pattern != "" {
		deleted := svc.l1.DeletePattern(event.Pattern)
		svc.metrics.Deletes.Add(int64(deleted))
	}

	return nil
}

// Subscribe to cache refresh events from warming service.
var _ = pubsub.NewSubscription(
	CacheRefreshTopic,
	"cache-manager-refresh",
	pubsub.SubscriptionConfig[*RefreshEvent]{
		Handler: HandleRefreshEvent,
	},
)

// HandleRefreshEvent processes cache refresh events from the warming
// service, proactively populating both layers ahead of the next read.
func HandleRefreshEvent(ctx context.Context, event *RefreshEvent) error {
	if svc == nil {
		return nil
	}

	ttl := time.Duration(event.TTL) * time.Second
	if ttl == 0 {
		ttl = svc.config.DefaultTTL
	}

	var value interface{}
	if err := json.Unmarshal(event.Value, &value); err != nil {
		return nil
	}

	_ = svc.set(ctx, event.Key, value, ttl)
	return nil
}

// PublishRefresh publishes a refresh event to all instances.
// The warming service does not call it; it publishes to CacheRefreshTopic
// directly.
func (s *Service) PublishRefresh(ctx context.Context, key string, value json.RawMessage, ttl int) error {
	event := &RefreshEvent{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		Timestamp: time.Now(),
		Priority:  "normal",
	}
	_, err := CacheRefreshTopic.Publish(ctx, event)
	return err
}
