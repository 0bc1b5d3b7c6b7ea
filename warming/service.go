// Package warming recomputes and repopulates the multi-layer cache ahead of
// the next read, so a key disturbed by a write-behind commit or a
// leaderboard/config invalidation is never caught cold by the following
// request.
//
// Warming never talks to the chat-platform REST adapter, the message bus,
// or on-chain data directly: every recompute goes through the Recomputer
// seam, and a successful recompute is handed back to the cache tier the
// same way every other cross-service write in this module is — over
// pub/sub, by publishing to cache-manager's CacheRefreshTopic — rather
// than by warming calling into cache-manager directly.
// Candidates are pushed onto a bounded channel and dropped (counted, never
// silently lost) when the channel is full — warming must never apply
// backpressure to the write path that triggered it.
package warming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"

	cachemanager "encore.app/cache-manager"
	"encore.app/invalidation"
)

// Candidate is one key queued for proactive recomputation.
type Candidate struct {
	Key    string
	TTL    time.Duration
	Source string // "invalidation" or "manual"
}

// Recomputer produces the fresh value for a single key. It never touches
// the cache tier itself — the worker publishes the result to
// cache-manager's CacheRefreshTopic, the same path cache-manager's own
// hot path listens on for any other cross-instance cache write.
type Recomputer interface {
	Recompute(ctx context.Context, key string) (json.RawMessage, error)
}

// Config is the warmer's tunables.
type Config struct {
	QueueSize        int
	Workers          int
	RecomputeTimeout time.Duration
	DefaultTTL       time.Duration
}

// DefaultConfig returns the warmer's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		QueueSize:        1000,
		Workers:          4,
		RecomputeTimeout: 2 * time.Second,
		DefaultTTL:       5 * time.Minute,
	}
}

// Metrics tracks the warmer's lifetime counters.
type Metrics struct {
	Enqueued  atomic.Int64
	Dropped   atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
}

// Service is the predictive cache warmer described above.
//
//encore:service
type Service struct {
	cfg        Config
	recomputer Recomputer
	queue      chan Candidate
	metrics    Metrics
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

var (
	svc  *Service
	once sync.Once
)

// initService boots the warmer with a no-op Recomputer; production wiring
// calls SetRecomputer once cache-manager is reachable.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		svc = NewService(noopRecomputer{}, DefaultConfig())
		svc.Start()
	})
	return svc, err
}

type noopRecomputer struct{}

func (noopRecomputer) Recompute(ctx context.Context, key string) (json.RawMessage, error) {
	return nil, nil
}

// NewService constructs a Service around recomputer. Call Start to launch
// its worker pool.
func NewService(recomputer Recomputer, cfg Config) *Service {
	if cfg.Workers <= 0 || cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		cfg:        cfg,
		recomputer: recomputer,
		queue:      make(chan Candidate, cfg.QueueSize),
		stopChan:   make(chan struct{}),
	}
}

// SetRecomputer rewires the warmer onto a concrete cache-manager-backed
// Recomputer (called once at startup by the hosting binary).
func (s *Service) SetRecomputer(r Recomputer) {
	s.recomputer = r
}

// Start launches the bounded worker pool.
func (s *Service) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
}

// Enqueue pushes a warming candidate onto the bounded queue, defaulting TTL
// when the caller doesn't supply one. It never blocks: a full queue drops
// the candidate and counts it.
func (s *Service) Enqueue(c Candidate) bool {
	if c.TTL <= 0 {
		c.TTL = s.cfg.DefaultTTL
	}
	select {
	case s.queue <- c:
		s.metrics.Enqueued.Add(1)
		return true
	default:
		s.metrics.Dropped.Add(1)
		return false
	}
}

func (s *Service) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case c := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecomputeTimeout)
			value, err := s.recomputer.Recompute(ctx, c.Key)
			if err == nil && value != nil {
				_, err = cachemanager.CacheRefreshTopic.Publish(ctx, &cachemanager.RefreshEvent{
					Key:       c.Key,
					Value:     value,
					TTL:       int(c.TTL.Seconds()),
					Timestamp: time.Now(),
					Priority:  "normal",
				})
			}
			cancel()
			if err != nil {
				s.metrics.Failed.Add(1)
				continue
			}
			s.metrics.Succeeded.Add(1)
		}
	}
}

// GetStatus returns a point-in-time snapshot of the warmer's counters.
func (s *Service) GetStatus() StatusResponse {
	return StatusResponse{
		QueueDepth: len(s.queue),
		Enqueued:   s.metrics.Enqueued.Load(),
		Dropped:    s.metrics.Dropped.Load(),
		Succeeded:  s.metrics.Succeeded.Load(),
		Failed:     s.metrics.Failed.Load(),
	}
}

// Shutdown gracefully stops the worker pool.
func (s *Service) Shutdown() {
	close(s.stopChan)
	s.wg.Wait()
}

// handleInvalidationEvent enqueues every key an invalidation event names as
// a warming candidate, fulfilling the "...or a leaderboard/config
// invalidation" half of the warmer's trigger contract. Pattern-only events
// carry no concrete keys and are skipped: warming recomputes known keys, it
// does not re-derive a pattern's membership.
func handleInvalidationEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	for _, key := range event.Keys {
		svc.Enqueue(Candidate{Key: key, Source: "invalidation"})
	}
	return nil
}

var _ = pubsub.NewSubscription(invalidation.CacheInvalidateTopic, "warming-on-invalidate",
	pubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: handleInvalidationEvent,
	},
)

// EnqueueKeyRequest/EnqueueKeyResponse let an operator or a debug tool queue
// a specific key for recompute directly, bypassing the invalidation-event
// trigger path entirely.
type EnqueueKeyRequest struct {
	Key string `json:"key"`
	TTL int    `json:"ttl"` // seconds, 0 means default
}

type EnqueueKeyResponse struct {
	Queued bool `json:"queued"`
}

//encore:api private method=POST path=/warming/enqueue
func EnqueueKey(ctx context.Context, req *EnqueueKeyRequest) (*EnqueueKeyResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	queued := svc.Enqueue(Candidate{
		Key:    req.Key,
		TTL:    time.Duration(req.TTL) * time.Second,
		Source: "manual",
	})
	return &EnqueueKeyResponse{Queued: queued}, nil
}

// StatusResponse mirrors Service's status snapshot for the API boundary.
type StatusResponse struct {
	QueueDepth int   `json:"queue_depth"`
	Enqueued   int64 `json:"enqueued"`
	Dropped    int64 `json:"dropped"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
}

//encore:api public method=GET path=/warming/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	status := svc.GetStatus()
	return &status, nil
}
