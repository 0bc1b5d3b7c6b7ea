package ratelimit

import (
	"context"
	"testing"
	"time"

	"encore.app/substrate"
)

func newTestLimiter() (*Limiter, *substrate.MemoryStore) {
	store := substrate.NewMemoryStore()
	return NewLimiter(store, "rl-test"), store
}

func TestLimiter_AllowsWithinLimit(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetLimits(ClassFree, ClassLimits{UserPerMin: 3, BurstSize: 100, BurstRefillPerSec: 100})

	for i := 0; i < 3; i++ {
		res, err := l.Check(context.Background(), CheckRequest{UserID: "u1", AccessClass: ClassFree})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected call %d to be allowed, got denied at dimension %s", i, res.Dimension)
		}
	}
}

func TestLimiter_DeniesOverUserLimit(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetLimits(ClassFree, ClassLimits{UserPerMin: 2, BurstSize: 100, BurstRefillPerSec: 100})

	for i := 0; i < 2; i++ {
		if res, _ := l.Check(context.Background(), CheckRequest{UserID: "u1", AccessClass: ClassFree}); !res.Allowed {
			t.Fatalf("expected call %d allowed", i)
		}
	}

	res, err := l.Check(context.Background(), CheckRequest{UserID: "u1", AccessClass: ClassFree})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Dimension != DimensionUser {
		t.Errorf("expected user-dimension denial, got %+v", res)
	}
	if res.RetryAfterMs <= 0 {
		t.Error("expected positive retry-after hint")
	}
}

func TestLimiter_RefundsGuildOnUserDenial(t *testing.T) {
	l, store := newTestLimiter()
	l.SetLimits(ClassFree, ClassLimits{UserPerMin: 1, GuildPerMin: 100, BurstSize: 100, BurstRefillPerSec: 100})

	// Exhaust the user limit first so the second call fails on user after
	// the guild counter has already been incremented.
	if res, _ := l.Check(context.Background(), CheckRequest{UserID: "u1", CommunityID: "g1", AccessClass: ClassFree}); !res.Allowed {
		t.Fatalf("expected first call allowed, got %+v", res)
	}

	guildKey := l.key(string(DimensionGuild), "g1")
	raw, _, _ := store.Get(context.Background(), guildKey)
	if raw != "1" {
		t.Fatalf("expected guild counter at 1 after first call, got %q", raw)
	}

	res, err := l.Check(context.Background(), CheckRequest{UserID: "u1", CommunityID: "g1", AccessClass: ClassFree})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Dimension != DimensionUser {
		t.Fatalf("expected user denial on second call, got %+v", res)
	}

	raw, _, _ = store.Get(context.Background(), guildKey)
	if raw != "1" {
		t.Errorf("expected guild counter refunded back to 1, got %q", raw)
	}
}

func TestLimiter_BurstDeniesThenRefills(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetLimits(ClassFree, ClassLimits{BurstSize: 1, BurstRefillPerSec: 1000})

	res1, err := l.Check(context.Background(), CheckRequest{UserID: "u1", AccessClass: ClassFree})
	if err != nil || !res1.Allowed {
		t.Fatalf("expected first burst call allowed, got %+v err=%v", res1, err)
	}

	res2, err := l.Check(context.Background(), CheckRequest{UserID: "u1", AccessClass: ClassFree})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.Allowed {
		t.Fatalf("expected second immediate call to be burst-denied, got %+v", res2)
	}
	if res2.Dimension != DimensionBurst {
		t.Errorf("expected burst dimension, got %s", res2.Dimension)
	}

	time.Sleep(10 * time.Millisecond)

	res3, err := l.Check(context.Background(), CheckRequest{UserID: "u1", AccessClass: ClassFree})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res3.Allowed {
		t.Errorf("expected burst bucket to have refilled, got %+v", res3)
	}
}

func TestLimiter_FailsClosedOnStoreError(t *testing.T) {
	l, store := newTestLimiter()
	store.SetConnected(false)

	res, err := l.Check(context.Background(), CheckRequest{UserID: "u1", CommunityID: "g1", AccessClass: ClassFree})
	if err != nil {
		t.Fatalf("Check itself should not surface the store error: %v", err)
	}
	if res.Allowed {
		t.Error("expected fail-closed denial when store is unreachable")
	}
}

func TestLimiter_UnlimitedDimensionIsSkipped(t *testing.T) {
	l, _ := newTestLimiter()
	l.SetLimits(ClassEnterprise, ClassLimits{UserPerMin: 0, GuildPerMin: 0, ChannelPerMin: 0, BurstSize: 0})

	for i := 0; i < 50; i++ {
		res, err := l.Check(context.Background(), CheckRequest{UserID: "u1", CommunityID: "g1", ChannelID: "c1", AccessClass: ClassEnterprise})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected unlimited class to always allow, denied at call %d on %s", i, res.Dimension)
		}
	}
}
