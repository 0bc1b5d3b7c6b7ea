// Package writebehind absorbs high-frequency leaderboard score mutations:
// every update is written synchronously to the low-latency authoritative
// store and then replicated in coalesced, retried batches to the
// relational store of record.
package writebehind

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/substrate"
)

// ScoreUpdate is the caller-supplied mutation.
type ScoreUpdate struct {
	TenantID        string
	ProfileID       string
	ConvictionScore float64
	ActivityScore   float64
	Rank            int
}

// Score is the authoritative result returned synchronously from UpdateScore.
type Score struct {
	TenantID        string    `json:"tenantId"`
	ProfileID       string    `json:"profileId"`
	ConvictionScore float64   `json:"convictionScore"`
	ActivityScore   float64   `json:"activityScore"`
	Rank            int       `json:"rank"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BatchResult tallies one sync batch or one flush pass.
type BatchResult struct {
	Success int
	Failed  int
	Retried int
}

// SyncFunc replicates a batch to the relational store of record. It
// returns the subset of items that failed; a nil/empty slice with a nil
// error means the whole batch landed. A non-nil error fails every item in
// the batch (a connection-level failure, as opposed to a per-row one).
type SyncFunc func(ctx context.Context, items []PendingItem) (failed []PendingItem, err error)

// Config is the cache's tunables, named directly by the external
// configuration surface.
type Config struct {
	SyncInterval    time.Duration
	BatchSize       int
	MaxPendingItems int
	MaxRetries      int
}

// DefaultConfig returns the cache's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    2 * time.Second,
		BatchSize:       100,
		MaxPendingItems: 5000,
		MaxRetries:      5,
	}
}

// Status is a point-in-time snapshot for operational visibility.
type Status struct {
	Pending int
	Dropped int64
}

// ScoreCache is the write-behind pipeline described above.
type ScoreCache struct {
	store     substrate.Store
	namespace string
	sync      SyncFunc
	cfg       Config

	queue   *itemQueue
	dropped atomic.Int64

	// onBatchSynced, if set, is notified after each ProcessSyncQueue batch
	// (including ones driven by the background ticker, flush, or shutdown)
	// so callers can report replication health without the cache itself
	// depending on a specific metrics sink.
	onBatchSynced func(result BatchResult, elapsed time.Duration)

	// onKeysSynced, if set, is notified with the (tenantID, profileID)
	// pairs that landed in the relational store on a successful batch, so
	// callers can invalidate/warm the now-stale leaderboard cache entries
	// without the cache itself depending on a specific cache client.
	onKeysSynced func(items []PendingItem)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScoreCache constructs a ScoreCache. store is the low-latency
// authoritative store every UpdateScore call writes to synchronously;
// syncFn replicates batches to the relational store of record.
func NewScoreCache(store substrate.Store, namespace string, syncFn SyncFunc, cfg Config) *ScoreCache {
	if namespace == "" {
		namespace = "writebehind"
	}
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &ScoreCache{
		store:     store,
		namespace: namespace,
		sync:      syncFn,
		cfg:       cfg,
		queue:     newItemQueue(),
		stopChan:  make(chan struct{}),
	}
}

func (c *ScoreCache) authoritativeKey(tenantID, profileID string) string {
	return fmt.Sprintf("%s:score:%s:%s", c.namespace, tenantID, profileID)
}

// UpdateScore writes update synchronously to the authoritative store, then
// enqueues it for batched relational replication. The authoritative write
// must succeed before the caller is told it did — durability of the
// downstream replication is the background loop's responsibility, never
// the caller's.
func (c *ScoreCache) UpdateScore(ctx context.Context, update ScoreUpdate) (*Score, error) {
	now := time.Now()
	score := &Score{
		TenantID:        update.TenantID,
		ProfileID:       update.ProfileID,
		ConvictionScore: update.ConvictionScore,
		ActivityScore:   update.ActivityScore,
		Rank:            update.Rank,
		UpdatedAt:       now,
	}

	payload, err := json.Marshal(score)
	if err != nil {
		return nil, fmt.Errorf("writebehind: encode score: %w", err)
	}
	if err := c.store.Set(ctx, c.authoritativeKey(update.TenantID, update.ProfileID), string(payload), 0); err != nil {
		return nil, fmt.Errorf("writebehind: authoritative write failed: %w", err)
	}

	if c.queue.len() >= c.cfg.MaxPendingItems {
		_, _ = c.ProcessSyncQueue(ctx)
	}

	c.queue.upsert(&PendingItem{
		TenantID:        update.TenantID,
		ProfileID:       update.ProfileID,
		ConvictionScore: update.ConvictionScore,
		ActivityScore:   update.ActivityScore,
		Rank:            update.Rank,
		UpdatedAt:       now,
		EnqueuedAt:      now,
	})

	return score, nil
}

// BatchUpdateScores applies a slice of updates through UpdateScore,
// tallying the authoritative-write outcomes (replication success/failure
// is reported later, asynchronously, by ProcessSyncQueue).
func (c *ScoreCache) BatchUpdateScores(ctx context.Context, updates []ScoreUpdate) BatchResult {
	result := BatchResult{}
	for _, update := range updates {
		if _, err := c.UpdateScore(ctx, update); err != nil {
			result.Failed++
			continue
		}
		result.Success++
	}
	return result
}

// ProcessSyncQueue drains and replicates one batch of up to BatchSize
// items. Failed items are re-enqueued with an incremented retry count;
// items that exceed MaxRetries are dropped (counted, never silently lost).
func (c *ScoreCache) ProcessSyncQueue(ctx context.Context) (BatchResult, error) {
	items := c.queue.drain(c.cfg.BatchSize)
	if len(items) == 0 {
		return BatchResult{}, nil
	}
	start := time.Now()

	plain := make([]PendingItem, len(items))
	for i, item := range items {
		plain[i] = *item
	}

	failed, err := c.sync(ctx, plain)
	if err != nil {
		for _, item := range items {
			c.retryOrDrop(item)
		}
		result := BatchResult{Failed: len(items), Retried: len(items)}
		c.notifyBatchSynced(result, time.Since(start))
		return result, err
	}

	failedKeys := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedKeys[coalesceKey(f.TenantID, f.ProfileID)] = true
	}

	result := BatchResult{}
	synced := make([]PendingItem, 0, len(items))
	for _, item := range items {
		if failedKeys[coalesceKey(item.TenantID, item.ProfileID)] {
			c.retryOrDrop(item)
			result.Failed++
			result.Retried++
			continue
		}
		result.Success++
		synced = append(synced, *item)
	}
	c.notifyBatchSynced(result, time.Since(start))
	c.notifyKeysSynced(synced)
	return result, nil
}

func (c *ScoreCache) notifyKeysSynced(items []PendingItem) {
	if c.onKeysSynced != nil && len(items) > 0 {
		c.onKeysSynced(items)
	}
}

func (c *ScoreCache) notifyBatchSynced(result BatchResult, elapsed time.Duration) {
	if c.onBatchSynced != nil {
		c.onBatchSynced(result, elapsed)
	}
}

func (c *ScoreCache) retryOrDrop(item *PendingItem) {
	item.RetryCount++
	if item.RetryCount > c.cfg.MaxRetries {
		c.dropped.Add(1)
		return
	}
	c.queue.requeue(item)
}

// FlushSync drains all pending items via repeated batched syncs, bounded
// by deadline. Stop calls it so updates still queued at shutdown get a last
// replication attempt; items still pending when the deadline passes are not
// replicated.
func (c *ScoreCache) FlushSync(ctx context.Context, deadline time.Duration) BatchResult {
	cutoff := time.Now().Add(deadline)
	total := BatchResult{}
	for c.queue.len() > 0 && time.Now().Before(cutoff) {
		res, _ := c.ProcessSyncQueue(ctx)
		total.Success += res.Success
		total.Failed += res.Failed
		total.Retried += res.Retried
		if res.Success == 0 && res.Failed == 0 {
			break
		}
	}
	return total
}

// GetStatus reports the queue depth and lifetime drop count.
func (c *ScoreCache) GetStatus() Status {
	return Status{Pending: c.queue.len(), Dropped: c.dropped.Load()}
}

// GetPendingForCommunity returns a snapshot of queued items for tenantID.
func (c *ScoreCache) GetPendingForCommunity(tenantID string) []PendingItem {
	return c.queue.pendingForTenant(tenantID)
}

// Start begins the periodic sync timer.
func (c *ScoreCache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = c.ProcessSyncQueue(context.Background())
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stop disarms the sync timer and flushes any remaining pending items
// within a hard deadline before returning.
func (c *ScoreCache) Stop(flushDeadline time.Duration) BatchResult {
	close(c.stopChan)
	c.wg.Wait()
	return c.FlushSync(context.Background(), flushDeadline)
}
