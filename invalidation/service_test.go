package invalidation

import (
	"context"
	"sync"
	"testing"
)

// MockAuditLogger provides a test implementation of audit logging.
type MockAuditLogger struct {
	mu   sync.Mutex
	logs []AuditLog
}

func NewMockAuditLogger() *MockAuditLogger {
	return &MockAuditLogger{logs: make([]AuditLog, 0)}
}

func (m *MockAuditLogger) Insert(ctx context.Context, log AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, log)
	return nil
}

func (m *MockAuditLogger) GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]AuditLog, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		log := m.logs[i]
		if patternFilter == "" || log.Pattern == patternFilter {
			filtered = append(filtered, log)
		}
	}

	if offset >= len(filtered) {
		return []AuditLog{}, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func (m *MockAuditLogger) GetCount(ctx context.Context, patternFilter string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patternFilter == "" {
		return len(m.logs), nil
	}
	count := 0
	for _, log := range m.logs {
		if log.Pattern == patternFilter {
			count++
		}
	}
	return count, nil
}

func (m *MockAuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]AuditLog, 0)
	for _, log := range m.logs {
		if log.RequestID == requestID {
			result = append(result, log)
		}
	}
	return result, nil
}

// setupTestService creates a test service with mocks.
func setupTestService() *Service {
	return &Service{
		patternMatcher: NewPatternMatcher(),
		auditLogger:    NewMockAuditLogger(),
		history:        NewRingBuffer(100),
		metrics:        &Metrics{},
		originNode:     "test-node",
	}
}

func TestPatternMatcher_ExactMatch(t *testing.T) {
	pm := NewPatternMatcher()
	keys := []string{"user:123", "user:456", "product:789"}

	matches := pm.Match("user:123", keys)
	if len(matches) != 1 || matches[0] != "user:123" {
		t.Errorf("Expected exact match for user:123, got %v", matches)
	}
}

func TestPatternMatcher_PrefixWildcard(t *testing.T) {
	pm := NewPatternMatcher()
	keys := []string{
		"user:123:profile",
		"user:123:settings",
		"user:456:profile",
		"product:789",
	}

	matches := pm.Match("user:123:*", keys)
	if len(matches) != 2 {
		t.Errorf("Expected 2 matches, got %d: %v", len(matches), matches)
	}
}

func TestPatternMatcher_ValidatePattern(t *testing.T) {
	pm := NewPatternMatcher()

	tests := []struct {
		pattern string
		valid   bool
	}{
		{"user:*", true},
		{"user:[0-9]+", true},
		{"*:profile", true},
		{"", true},
		{"user:[", false},
	}

	for _, tt := range tests {
		err := pm.ValidatePattern(tt.pattern)
		if (err == nil) != tt.valid {
			t.Errorf("Pattern %q: expected valid=%v, got error=%v", tt.pattern, tt.valid, err)
		}
	}
}

func TestService_UserVaultUpdated(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	resp, err := svc.invalidateKeys(ctx, []string{"vault:user:u1"}, "vault_refresh", "req-1")
	if err != nil {
		t.Fatalf("invalidateKeys failed: %v", err)
	}
	if !resp.Success || resp.InvalidatedCount != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.metrics.KeyInvalidations.Load() != 1 {
		t.Errorf("expected 1 key invalidation, got %d", svc.metrics.KeyInvalidations.Load())
	}
	entries := svc.history.Recent(1)
	if len(entries) != 1 || entries[0].Strategy != StrategyInvalidate {
		t.Errorf("expected one invalidate history entry, got %+v", entries)
	}
}

func TestService_ScoreUpdated_InvalidatesBothKeys(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	resp, err := ScoreUpdatedHandler(svc, ctx, &ScoreUpdatedRequest{UserID: "u1", GuildID: "g1", RequestID: "req-2"})
	if err != nil {
		t.Fatalf("ScoreUpdated failed: %v", err)
	}
	if resp.InvalidatedCount != 2 {
		t.Errorf("expected 2 keys invalidated, got %d: %v", resp.InvalidatedCount, resp.Keys)
	}
}

func TestService_LeaderboardChanged_IsPatternInvalidate(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	resp, err := svc.invalidatePattern(ctx, "lb:guild:g1", "leaderboard_rebuilt", "req-3")
	if err != nil {
		t.Fatalf("invalidatePattern failed: %v", err)
	}
	if resp.Pattern != "lb:guild:g1" {
		t.Errorf("expected pattern lb:guild:g1, got %s", resp.Pattern)
	}
	if svc.metrics.PatternInvalidations.Load() != 1 {
		t.Errorf("expected 1 pattern invalidation, got %d", svc.metrics.PatternInvalidations.Load())
	}
}

func TestService_DeduplicatesKeys(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	resp, err := svc.invalidateKeys(ctx, []string{"vault:user:u1", "vault:user:u1"}, "", "req-4")
	if err != nil {
		t.Fatalf("invalidateKeys failed: %v", err)
	}
	if resp.InvalidatedCount != 1 {
		t.Errorf("expected deduplication to 1 key, got %d", resp.InvalidatedCount)
	}
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Append(HistoryEntry{Pattern: "a"})
	rb.Append(HistoryEntry{Pattern: "b"})
	rb.Append(HistoryEntry{Pattern: "c"})

	recent := rb.Recent(2)
	if len(recent) != 2 || recent[0].Pattern != "c" || recent[1].Pattern != "b" {
		t.Errorf("expected [c, b], got %+v", recent)
	}
	if rb.Len() != 2 {
		t.Errorf("expected len 2, got %d", rb.Len())
	}
}

func TestMatchHistory_FindsKeysAcrossEntries(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	if _, err := svc.invalidateKeys(ctx, []string{"lb:guild:1", "lb:guild:2"}, "", "req-5"); err != nil {
		t.Fatalf("invalidateKeys failed: %v", err)
	}
	if _, err := svc.invalidateKeys(ctx, []string{"cfg:guild:1"}, "", "req-6"); err != nil {
		t.Fatalf("invalidateKeys failed: %v", err)
	}

	resp, err := svc.MatchHistory(&MatchHistoryRequest{Query: "lb:guild:*"})
	if err != nil {
		t.Fatalf("MatchHistory failed: %v", err)
	}
	if len(resp.Matches) != 2 {
		t.Errorf("expected 2 matches, got %d: %v", len(resp.Matches), resp.Matches)
	}
}

func TestMatchHistory_RejectsInvalidQuery(t *testing.T) {
	svc := setupTestService()
	if _, err := svc.MatchHistory(&MatchHistoryRequest{Query: "[unterminated"}); err == nil {
		t.Error("expected an error for an invalid pattern query")
	}
}

// ScoreUpdatedHandler exposes the package-level ScoreUpdated handler's logic
// against an injected service, since the real endpoint reads the package
// singleton.
func ScoreUpdatedHandler(s *Service, ctx context.Context, req *ScoreUpdatedRequest) (*InvalidateResponse, error) {
	keys := []string{
		"lb:user:" + req.UserID + ":guild:" + req.GuildID,
		"lb:guild:" + req.GuildID,
	}
	return s.invalidateKeys(ctx, keys, req.Reason, req.RequestID)
}
