package warming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/invalidation"
)

// mockRecomputer simulates a deployment-supplied Recomputer. It never
// returns a non-nil value, so the worker's publish-to-CacheRefreshTopic
// step is never exercised here — that publish is a thin, already-tested
// cache-manager concern (see cache-manager's own subscription tests).
type mockRecomputer struct {
	mu       sync.Mutex
	calls    atomic.Int64
	delay    time.Duration
	failKeys map[string]bool
	seen     []string
}

func newMockRecomputer() *mockRecomputer {
	return &mockRecomputer{failKeys: make(map[string]bool)}
}

func (m *mockRecomputer) Recompute(ctx context.Context, key string) (json.RawMessage, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, key)
	if m.failKeys[key] {
		return nil, errors.New("simulated recompute failure")
	}
	return nil, nil
}

func (m *mockRecomputer) SetFail(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKeys[key] = true
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestEnqueueRecomputesKey(t *testing.T) {
	rec := newMockRecomputer()
	s := NewService(rec, Config{QueueSize: 10, Workers: 2, RecomputeTimeout: time.Second, DefaultTTL: time.Minute})
	s.Start()
	defer s.Shutdown()

	if !s.Enqueue(Candidate{Key: "lb:guild:123", Source: "invalidation"}) {
		t.Fatal("expected candidate to be accepted")
	}

	waitFor(t, time.Second, func() bool { return rec.calls.Load() == 1 })
	status := s.GetStatus()
	if status.Succeeded != 1 {
		t.Errorf("expected 1 succeeded, got %d", status.Succeeded)
	}
}

func TestEnqueueDefaultsTTL(t *testing.T) {
	rec := newMockRecomputer()
	s := NewService(rec, Config{QueueSize: 10, Workers: 1, RecomputeTimeout: time.Second, DefaultTTL: 42 * time.Second})

	// Before the workers start, the queued candidate can be inspected directly.
	s.Enqueue(Candidate{Key: "cfg:guild:1"})
	if c := <-s.queue; c.TTL != 42*time.Second {
		t.Errorf("expected DefaultTTL 42s on a candidate enqueued without TTL, got %v", c.TTL)
	}

	s.Start()
	defer s.Shutdown()

	s.Enqueue(Candidate{Key: "cfg:guild:1"})
	waitFor(t, time.Second, func() bool { return rec.calls.Load() == 1 })
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	rec := newMockRecomputer()
	rec.delay = 50 * time.Millisecond
	s := NewService(rec, Config{QueueSize: 1, Workers: 1, RecomputeTimeout: time.Second, DefaultTTL: time.Minute})
	s.Start()
	defer s.Shutdown()

	accepted := 0
	dropped := 0
	for i := 0; i < 10; i++ {
		if s.Enqueue(Candidate{Key: "lb:guild:x"}) {
			accepted++
		} else {
			dropped++
		}
	}

	if dropped == 0 {
		t.Error("expected at least one candidate to be dropped under a saturated queue")
	}
	status := s.GetStatus()
	if status.Dropped == 0 {
		t.Error("expected Dropped counter to reflect the drop")
	}
}

func TestRecomputeFailureCountsFailed(t *testing.T) {
	rec := newMockRecomputer()
	rec.SetFail("lb:guild:bad")
	s := NewService(rec, Config{QueueSize: 10, Workers: 1, RecomputeTimeout: time.Second, DefaultTTL: time.Minute})
	s.Start()
	defer s.Shutdown()

	s.Enqueue(Candidate{Key: "lb:guild:bad"})
	waitFor(t, time.Second, func() bool { return s.GetStatus().Failed == 1 })
}

func TestHandleInvalidationEventEnqueuesKeys(t *testing.T) {
	rec := newMockRecomputer()
	prev := svc
	svc = NewService(rec, Config{QueueSize: 10, Workers: 2, RecomputeTimeout: time.Second, DefaultTTL: time.Minute})
	svc.Start()
	defer func() {
		svc.Shutdown()
		svc = prev
	}()

	event := &invalidation.InvalidationEvent{
		Service: "writebehind",
		Keys:    []string{"lb:guild:123", "cfg:guild:123"},
	}
	if err := handleInvalidationEvent(context.Background(), event); err != nil {
		t.Fatalf("handleInvalidationEvent: %v", err)
	}

	waitFor(t, time.Second, func() bool { return rec.calls.Load() == 2 })
}

func TestHandleInvalidationEventSkipsWhenUninitialized(t *testing.T) {
	prev := svc
	svc = nil
	defer func() { svc = prev }()

	if err := handleInvalidationEvent(context.Background(), &invalidation.InvalidationEvent{Keys: []string{"x"}}); err != nil {
		t.Fatalf("expected nil error when service is uninitialized, got %v", err)
	}
}

func TestNewServiceFallsBackToDefaultConfig(t *testing.T) {
	s := NewService(newMockRecomputer(), Config{})
	if s.cfg.Workers != DefaultConfig().Workers {
		t.Errorf("expected zero-value Config to fall back to defaults, got Workers=%d", s.cfg.Workers)
	}
}
