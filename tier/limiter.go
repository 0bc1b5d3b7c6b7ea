package tier

import (
	"fmt"
	"time"

	"context"

	"github.com/google/uuid"

	"encore.app/substrate"
)

// Action identifies a tenant-quota-gated operation.
type Action string

const (
	ActionCommand          Action = "command"
	ActionEligibilityCheck Action = "eligibility_check"
	ActionSyncRequest      Action = "sync_request"
)

// defaultWindows are the action-specific sliding window widths named by
// the component's external contract.
var defaultWindows = map[Action]time.Duration{
	ActionCommand:          time.Minute,
	ActionEligibilityCheck: time.Hour,
	ActionSyncRequest:      24 * time.Hour,
}

// RateLimits is the subset of a tenant's configuration this limiter reads;
// -1 means unlimited.
type RateLimits struct {
	Command          int
	EligibilityCheck int
	SyncRequest      int
}

func (r RateLimits) limitFor(action Action) int {
	switch action {
	case ActionCommand:
		return r.Command
	case ActionEligibilityCheck:
		return r.EligibilityCheck
	case ActionSyncRequest:
		return r.SyncRequest
	default:
		return 0
	}
}

// CheckResult is the admission decision for one tenant/action check.
type CheckResult struct {
	Allowed      bool
	Remaining    int
	Limit        int
	ResetAt      time.Time
	RetryAfterMs int64
}

// Limiter is the per-(tenantId, action) sliding-window admission gate.
type Limiter struct {
	store     substrate.Store
	namespace string
}

// NewLimiter constructs a tenant tier Limiter backed by store.
func NewLimiter(store substrate.Store) *Limiter {
	return &Limiter{store: store, namespace: "ratelimit"}
}

func (l *Limiter) key(tenantID string, action Action) string {
	return fmt.Sprintf("%s:%s:%s", l.namespace, tenantID, action)
}

// Check admits or rejects a (tenantID, action) request against the window
// and limit named in tenantConfig. A limit of -1 means unlimited: the
// window is not touched at all.
func (l *Limiter) Check(ctx context.Context, tenantID string, action Action, tenantConfig RateLimits) (*CheckResult, error) {
	limit := tenantConfig.limitFor(action)
	if limit < 0 {
		return &CheckResult{Allowed: true, Remaining: -1, Limit: -1}, nil
	}

	window := defaultWindows[action]
	if window == 0 {
		window = time.Minute
	}

	key := l.key(tenantID, action)
	now := time.Now()
	cutoff := now.Add(-window)

	if _, err := l.store.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano())); err != nil {
		return nil, err
	}

	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return nil, err
	}

	if count >= int64(limit) {
		resetAt, err := l.oldestMemberResetAt(ctx, key, window)
		if err != nil {
			return nil, err
		}
		return &CheckResult{
			Allowed:      false,
			Remaining:    0,
			Limit:        limit,
			ResetAt:      resetAt,
			RetryAfterMs: time.Until(resetAt).Milliseconds(),
		}, nil
	}

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	if err := l.store.ZAdd(ctx, key, float64(now.UnixNano()), member); err != nil {
		return nil, err
	}
	if err := l.store.PExpire(ctx, key, window+60*time.Second); err != nil {
		return nil, err
	}

	return &CheckResult{
		Allowed:   true,
		Remaining: limit - int(count) - 1,
		Limit:     limit,
		ResetAt:   now.Add(window),
	}, nil
}

// oldestMemberResetAt finds the earliest-scored member still in the window
// and returns its timestamp plus the window width, per the component's
// reset-time contract.
func (l *Limiter) oldestMemberResetAt(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	members, err := l.store.ZRangeByScore(ctx, key, 0, float64(time.Now().UnixNano()))
	if err != nil {
		return time.Time{}, err
	}
	if len(members) == 0 {
		return time.Now().Add(window), nil
	}
	var oldestNanos int64
	if _, err := fmt.Sscanf(members[0], "%d:", &oldestNanos); err != nil {
		return time.Now().Add(window), nil
	}
	return time.Unix(0, oldestNanos).Add(window), nil
}
