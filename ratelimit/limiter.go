// Package ratelimit implements the multi-dimensional request admission
// gate: per-user, per-guild, per-channel fixed-window counters plus a burst
// token bucket, all resident in the shared KV so every replica enforces
// the same limits.
//
// Design Choices:
//   - Counter dimensions use an INCR+TTL idiom against substrate.Store so
//     counts are shared across replicas instead of living in a single
//     process's memory.
//   - The burst dimension is a KV-resident (tokens, lastRefill) pair,
//     read-modified and written back through two Get/Set round trips. This
//     trades an in-process limiter's lock-free, single-replica guarantee
//     for cross-replica visibility; under heavy concurrent bursts from the
//     same key, two replicas can both read stale tokens and both admit,
//     which is an accepted approximation (the counter dimensions remain
//     the hard limit).
//   - Any Store error fails the check closed (deny + retry hint), the
//     opposite of the cache layers' fail-open policy, because admission
//     must not degrade silently under substrate outage.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"encore.app/substrate"
)

// Dimension identifies which gate a check was evaluated (and possibly
// denied) against.
type Dimension string

const (
	DimensionUser    Dimension = "user"
	DimensionGuild   Dimension = "guild"
	DimensionChannel Dimension = "channel"
	DimensionBurst   Dimension = "burst"
)

// AccessClass is the tier-derived class a request is billed/limited under.
type AccessClass string

const (
	ClassFree       AccessClass = "free"
	ClassPro        AccessClass = "pro"
	ClassEnterprise AccessClass = "enterprise"
)

// ClassLimits holds the per-minute ceilings and burst parameters for one
// access class. A ceiling of 0 means "not enforced" for that dimension.
type ClassLimits struct {
	UserPerMin        int
	GuildPerMin       int
	ChannelPerMin     int
	BurstSize         int64
	BurstRefillPerSec float64
}

// DefaultLimits returns the tier defaults named in the component's
// external contract.
func DefaultLimits() map[AccessClass]ClassLimits {
	return map[AccessClass]ClassLimits{
		ClassFree:       {UserPerMin: 10, GuildPerMin: 60, ChannelPerMin: 20, BurstSize: 3, BurstRefillPerSec: 0.5},
		ClassPro:        {UserPerMin: 50, GuildPerMin: 300, ChannelPerMin: 100, BurstSize: 6, BurstRefillPerSec: 2},
		ClassEnterprise: {UserPerMin: 100, GuildPerMin: 1000, ChannelPerMin: 400, BurstSize: 10, BurstRefillPerSec: 5},
	}
}

// CheckRequest names the dimensions present for one admission check. Empty
// IDs skip that dimension entirely (e.g. a DM has no guild/channel).
type CheckRequest struct {
	CommunityID string
	UserID      string
	ChannelID   string
	AccessClass AccessClass
}

// CheckResult reports the admission decision and, on denial, which
// dimension failed and how long the caller should wait before retrying.
type CheckResult struct {
	Allowed      bool
	Dimension    Dimension
	Remaining    int64
	RetryAfterMs int64
}

// Limiter is the multi-dimensional admission gate.
type Limiter struct {
	store     substrate.Store
	namespace string
	limits    map[AccessClass]ClassLimits

	// failClosedRetryMs is returned when a Store error forces a closed
	// decision and no better retry estimate is available.
	failClosedRetryMs int64
}

// NewLimiter constructs a Limiter backed by store, namespacing all keys
// under namespace (e.g. "ratelimit").
func NewLimiter(store substrate.Store, namespace string) *Limiter {
	if namespace == "" {
		namespace = "ratelimit"
	}
	return &Limiter{
		store:             store,
		namespace:         namespace,
		limits:            DefaultLimits(),
		failClosedRetryMs: 1000,
	}
}

// SetLimits overrides the limits for a single access class.
func (l *Limiter) SetLimits(class AccessClass, limits ClassLimits) {
	l.limits[class] = limits
}

func (l *Limiter) key(dimension, id string) string {
	return fmt.Sprintf("%s:%s:%s", l.namespace, dimension, id)
}

func (l *Limiter) classLimits(class AccessClass) ClassLimits {
	if limits, ok := l.limits[class]; ok {
		return limits
	}
	return l.limits[ClassFree]
}

// Check runs every applicable dimension and returns the first denial. The
// consumption order is guild, user, channel, burst — the guild counter is
// consumed first so that a subsequent user-dimension failure can refund
// the already-consumed guild point (the "best-effort refund" rule); report
// ordering for callers surfacing a single failing dimension is unaffected,
// since at most one dimension fails per call.
func (l *Limiter) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	limits := l.classLimits(req.AccessClass)

	var guildConsumed bool
	guildKey := l.key(string(DimensionGuild), req.CommunityID)

	if req.CommunityID != "" && limits.GuildPerMin > 0 {
		allowed, remaining, retryAfterMs, err := l.checkCounter(ctx, guildKey, limits.GuildPerMin, time.Minute)
		if err != nil {
			return &CheckResult{Dimension: DimensionGuild, RetryAfterMs: l.failClosedRetryMs}, nil
		}
		if !allowed {
			return &CheckResult{Dimension: DimensionGuild, Remaining: remaining, RetryAfterMs: retryAfterMs}, nil
		}
		guildConsumed = true
	}

	if req.UserID != "" && limits.UserPerMin > 0 {
		userKey := l.key(string(DimensionUser), req.UserID)
		allowed, remaining, retryAfterMs, err := l.checkCounter(ctx, userKey, limits.UserPerMin, time.Minute)
		if err != nil {
			return &CheckResult{Dimension: DimensionUser, RetryAfterMs: l.failClosedRetryMs}, nil
		}
		if !allowed {
			if guildConsumed {
				// Best-effort: ignore refund errors, the reservation expires
				// on its own TTL regardless.
				_, _ = l.store.IncrBy(ctx, guildKey, -1)
			}
			return &CheckResult{Dimension: DimensionUser, Remaining: remaining, RetryAfterMs: retryAfterMs}, nil
		}
	}

	if req.ChannelID != "" && limits.ChannelPerMin > 0 {
		channelKey := l.key(string(DimensionChannel), req.ChannelID)
		allowed, remaining, retryAfterMs, err := l.checkCounter(ctx, channelKey, limits.ChannelPerMin, time.Minute)
		if err != nil {
			return &CheckResult{Dimension: DimensionChannel, RetryAfterMs: l.failClosedRetryMs}, nil
		}
		if !allowed {
			return &CheckResult{Dimension: DimensionChannel, Remaining: remaining, RetryAfterMs: retryAfterMs}, nil
		}
	}

	burstID := req.UserID
	if burstID == "" {
		burstID = req.CommunityID
	}
	if burstID != "" && limits.BurstSize > 0 {
		allowed, remaining, retryAfterMs, err := l.checkBurst(ctx, burstID, limits)
		if err != nil {
			return &CheckResult{Dimension: DimensionBurst, RetryAfterMs: l.failClosedRetryMs}, nil
		}
		if !allowed {
			return &CheckResult{Dimension: DimensionBurst, Remaining: remaining, RetryAfterMs: retryAfterMs}, nil
		}
		return &CheckResult{Allowed: true, Remaining: remaining}, nil
	}

	return &CheckResult{Allowed: true}, nil
}

// checkCounter increments the per-dimension counter and compares it against
// limit, setting a TTL of window on the counter's first increment.
func (l *Limiter) checkCounter(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining, retryAfterMs int64, err error) {
	count, err := l.store.IncrBy(ctx, key, 1)
	if err != nil {
		return false, 0, 0, err
	}
	if count == 1 {
		if err := l.store.PExpire(ctx, key, window); err != nil {
			return false, 0, 0, err
		}
	}
	if count > int64(limit) {
		return false, 0, window.Milliseconds(), nil
	}
	return true, int64(limit) - count, 0, nil
}

const burstStateTTL = 1 * time.Hour

// checkBurst implements the KV-resident token bucket described in the
// package doc comment.
func (l *Limiter) checkBurst(ctx context.Context, id string, limits ClassLimits) (allowed bool, remaining, retryAfterMs int64, err error) {
	tokensKey := l.key("burst", id)
	refillKey := l.key("burstrefill", id)

	now := time.Now()
	tokens := limits.BurstSize
	lastRefill := now

	if raw, ok, err := l.store.Get(ctx, tokensKey); err != nil {
		return false, 0, 0, err
	} else if ok {
		if v, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			tokens = v
		}
	}

	if raw, ok, err := l.store.Get(ctx, refillKey); err != nil {
		return false, 0, 0, err
	} else if ok {
		if nanos, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			lastRefill = time.Unix(0, nanos)
		}
	}

	elapsed := now.Sub(lastRefill)
	if elapsed > 0 {
		tokens += int64(limits.BurstRefillPerSec * elapsed.Seconds())
		if tokens > limits.BurstSize {
			tokens = limits.BurstSize
		}
	}

	if tokens < 1 {
		if err := l.persistBurst(ctx, tokensKey, refillKey, tokens, now); err != nil {
			return false, 0, 0, err
		}
		retryMs := int64(1000 / limits.BurstRefillPerSec)
		if retryMs <= 0 {
			retryMs = 1000
		}
		return false, 0, retryMs, nil
	}

	tokens--
	if err := l.persistBurst(ctx, tokensKey, refillKey, tokens, now); err != nil {
		return false, 0, 0, err
	}
	return true, tokens, 0, nil
}

func (l *Limiter) persistBurst(ctx context.Context, tokensKey, refillKey string, tokens int64, now time.Time) error {
	if err := l.store.Set(ctx, tokensKey, strconv.FormatInt(tokens, 10), burstStateTTL); err != nil {
		return err
	}
	return l.store.Set(ctx, refillKey, strconv.FormatInt(now.UnixNano(), 10), burstStateTTL)
}

// ErrStoreUnavailable names a shared-store outage. Check does not return it:
// a Store error there becomes a fail-closed denial with a nil error.
var ErrStoreUnavailable = errors.New("ratelimit: shared store unavailable")
