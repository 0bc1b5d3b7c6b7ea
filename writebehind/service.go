package writebehind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"encore.app/invalidation"
	"encore.app/monitoring"
	"encore.app/pkg/cachekeys"
	"encore.app/substrate"
)

// Service exposes the score cache as an Encore service so the leaderboard
// and profile paths can post score updates without linking the package
// directly.
//
//encore:service
type Service struct {
	cache *ScoreCache
}

var (
	svc  *Service
	once sync.Once
)

// initService is invoked once by the Encore runtime for any struct tagged
// //encore:service with this signature.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		namespace := os.Getenv("WRITEBEHIND_NAMESPACE")
		if namespace == "" {
			namespace = "writebehind"
		}
		// Production wiring replaces the memory store with a
		// substrate.RedisStore and the no-op sync with a relational-store
		// writer; the in-process pair lets the service boot standalone in
		// dev/test.
		cache := NewScoreCache(substrate.NewMemoryStore(), namespace, noopSync, DefaultConfig())
		cache.onBatchSynced = publishSyncMetric
		cache.onKeysSynced = publishSyncedKeyInvalidation
		cache.Start()
		svc = &Service{cache: cache}
	})
	return svc, err
}

func noopSync(ctx context.Context, items []PendingItem) ([]PendingItem, error) {
	return nil, nil
}

// publishSyncMetric emits a fire-and-forget monitoring event for one
// ProcessSyncQueue batch. The background ticker and shutdown flush have no
// caller to report to, so a publish failure is simply dropped.
func publishSyncMetric(result BatchResult, elapsed time.Duration) {
	_, _ = monitoring.WriteBehindMetricsTopic.Publish(context.Background(), &monitoring.WriteBehindMetricEvent{
		Success:    result.Success,
		Failed:     result.Failed,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  time.Now(),
	})
}

// publishSyncedKeyInvalidation broadcasts the leaderboard cache keys a
// successful batch just made stale. This is the "write-behind commit"
// half of the cache warmer's trigger contract (the other half being a
// direct config/leaderboard invalidation): the warmer already subscribes
// to this same topic, so a relational-store commit here is what queues a
// proactive recompute there.
func publishSyncedKeyInvalidation(items []PendingItem) {
	keys := make([]string, 0, len(items)*2)
	seen := make(map[string]bool, len(items)*2)
	for _, item := range items {
		for _, key := range []string{
			cachekeys.GuildLeaderboard(item.TenantID),
			cachekeys.UserPosition(item.ProfileID, item.TenantID),
		} {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	if len(keys) == 0 {
		return
	}
	ctx := context.Background()
	_, _ = invalidation.CacheInvalidateTopic.Publish(ctx, &invalidation.InvalidationEvent{
		Version:     1,
		Service:     "writebehind",
		Keys:        keys,
		Reason:      "score_sync",
		TriggeredAt: time.Now(),
		RequestID:   fmt.Sprintf("wb-%d", time.Now().UnixNano()),
	})
}

// SetStore rewires the cache onto a concrete shared-KV store (called once
// at startup by the hosting binary after dialing the shared KV).
func (s *Service) SetStore(store substrate.Store) {
	s.cache.store = store
}

// SetSyncFunc rewires the cache onto a concrete relational-store writer
// (called once at startup by the hosting binary after dialing the
// relational store).
func (s *Service) SetSyncFunc(fn SyncFunc) {
	s.cache.sync = fn
}

// UpdateScoreAPIRequest/UpdateScoreAPIResponse mirror ScoreCache's update
// contract for the API boundary.
type UpdateScoreAPIRequest struct {
	TenantID        string  `json:"tenantId"`
	ProfileID       string  `json:"profileId"`
	ConvictionScore float64 `json:"convictionScore"`
	ActivityScore   float64 `json:"activityScore"`
	Rank            int     `json:"rank"`
}

type UpdateScoreAPIResponse struct {
	ConvictionScore float64 `json:"convictionScore"`
	ActivityScore   float64 `json:"activityScore"`
	Rank            int     `json:"rank"`
	UpdatedAtMs     int64   `json:"updatedAtMs"`
}

//encore:api public method=POST path=/writebehind/score
func UpdateScore(ctx context.Context, req *UpdateScoreAPIRequest) (*UpdateScoreAPIResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	score, err := svc.cache.UpdateScore(ctx, ScoreUpdate{
		TenantID:        req.TenantID,
		ProfileID:       req.ProfileID,
		ConvictionScore: req.ConvictionScore,
		ActivityScore:   req.ActivityScore,
		Rank:            req.Rank,
	})
	if err != nil {
		return nil, err
	}
	return &UpdateScoreAPIResponse{
		ConvictionScore: score.ConvictionScore,
		ActivityScore:   score.ActivityScore,
		Rank:            score.Rank,
		UpdatedAtMs:     score.UpdatedAt.UnixMilli(),
	}, nil
}

// StatusAPIResponse mirrors ScoreCache's status snapshot.
type StatusAPIResponse struct {
	Pending int   `json:"pending"`
	Dropped int64 `json:"dropped"`
}

//encore:api public method=GET path=/writebehind/status
func GetStatus(ctx context.Context) (*StatusAPIResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	status := svc.cache.GetStatus()
	return &StatusAPIResponse{Pending: status.Pending, Dropped: status.Dropped}, nil
}
