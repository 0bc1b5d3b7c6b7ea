package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"encore.app/monitoring"
	"encore.app/substrate"
)

// Service exposes the multi-dimensional limiter as an Encore service so
// other services can call it over the generated client instead of linking
// the package directly.
//
//encore:service
type Service struct {
	limiter *Limiter
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
		namespace := os.Getenv("RATE_LIMIT_NAMESPACE")
		if namespace == "" {
			namespace = "ratelimit"
		}
		// Production wiring replaces this with a substrate.RedisStore; the
		// in-process store lets the service boot standalone in dev/test.
		svc = &Service{limiter: NewLimiter(substrate.NewMemoryStore(), namespace)}
	})
	return svc, err
}

// SetStore rewires the limiter onto a concrete store (called once at
// startup by the hosting binary after dialing the shared KV).
func (s *Service) SetStore(store substrate.Store) {
	s.limiter.store = store
}

// CheckAPIRequest/CheckAPIResponse mirror Limiter's types for the API boundary.
type CheckAPIRequest struct {
	CommunityID string `json:"communityId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	AccessClass string `json:"accessClass"`
}

type CheckAPIResponse struct {
	Allowed      bool   `json:"allowed"`
	Dimension    string `json:"dimension,omitempty"`
	Remaining    int64  `json:"remaining"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

//encore:api public method=POST path=/ratelimit/check
func Check(ctx context.Context, req *CheckAPIRequest) (*CheckAPIResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	start := time.Now()
	result, err := svc.limiter.Check(ctx, CheckRequest{
		CommunityID: req.CommunityID,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		AccessClass: AccessClass(req.AccessClass),
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	publishCheckMetric(ctx, string(result.Dimension), result.Allowed, elapsed)

	return &CheckAPIResponse{
		Allowed:      result.Allowed,
		Dimension:    string(result.Dimension),
		Remaining:    result.Remaining,
		RetryAfterMs: result.RetryAfterMs,
	}, nil
}

// publishCheckMetric emits a fire-and-forget monitoring event for this
// Check() outcome. Publish failures are dropped rather than
// surfaced to the caller; monitoring must never be able to fail a request
// that the limiter itself allowed or denied.
func publishCheckMetric(ctx context.Context, dimension string, allowed bool, elapsed time.Duration) {
	_, _ = monitoring.RateLimitMetricsTopic.Publish(ctx, &monitoring.RateLimitMetricEvent{
		Dimension: dimension,
		Allowed:   allowed,
		LatencyMs: float64(elapsed.Microseconds()) / 1000.0,
		Timestamp: time.Now(),
		Source:    "ratelimit",
	})
}
