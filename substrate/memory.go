package substrate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Store used by component tests,
// written by hand instead of generated by a mock framework.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]memEntry
	zsets    map[string]map[string]float64
	subs     map[string][]func(string)
	closed   bool
	connFail bool // when true, every call returns ErrNotConnected
}

type memEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// NewMemoryStore returns an empty fake store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		zsets:  make(map[string]map[string]float64),
		subs:   make(map[string][]func(string)),
	}
}

// SetConnected toggles simulated connectivity for fail-open/fail-closed
// tests; false makes every method return ErrNotConnected.
func (s *MemoryStore) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connFail = !connected
}

func (s *MemoryStore) failed() bool { return s.connFail || s.closed }

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return "", false, ErrNotConnected
	}
	e, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(s.values, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return ErrNotConnected
	}
	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	s.values[key] = memEntry{value: value, expireAt: expireAt}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return 0, ErrNotConnected
	}
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		return 1, nil
	}
	return 0, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *MemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return 0, ErrNotConnected
	}
	e := s.values[key]
	var cur int64
	if e.value != "" {
		cur = parseInt64(e.value)
	}
	cur += delta
	e.value = formatInt64(cur)
	s.values[key] = e
	return cur, nil
}

func (s *MemoryStore) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return ErrNotConnected
	}
	e, ok := s.values[key]
	if !ok {
		return nil
	}
	e.expireAt = time.Now().Add(ttl)
	s.values[key] = e
	return nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return ErrNotConnected
	}
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return 0, ErrNotConnected
	}
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return nil, ErrNotConnected
	}
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, sc := range s.zsets[key] {
		if sc >= min && sc <= max {
			pairs = append(pairs, pair{m, sc})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return 0, ErrNotConnected
	}
	set, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for m, sc := range set {
		if sc >= min && sc <= max {
			delete(set, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	s.mu.Lock()
	if s.failed() {
		s.mu.Unlock()
		return ErrNotConnected
	}
	handlers := append([]func(string){}, s.subs[channel]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string, handler func(message string)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return nil, ErrNotConnected
	}
	s.subs[channel] = append(s.subs[channel], handler)
	idx := len(s.subs[channel]) - 1
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		handlers := s.subs[channel]
		if idx < len(handlers) {
			handlers[idx] = func(string) {}
		}
	}
	return unsubscribe, nil
}

func (s *MemoryStore) Ping(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed() {
		return 0, ErrNotConnected
	}
	return 0, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func parseInt64(s string) int64 {
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func formatInt64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
