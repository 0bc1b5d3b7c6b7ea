// Package invalidation translates domain write events (a vault refresh, a
// score update, a reorg on the RPC layer, ...) into the exact cache key
// operations those events require, broadcasts them to every cache-manager
// replica, and keeps a recent history for debugging alongside a durable
// audit trail.
//
// Design Philosophy:
// - Pub/Sub broadcast ensures eventual consistency across all cache nodes
// - A fixed-size in-memory ring buffer answers "what just got invalidated"
//   without a database round trip; the Postgres audit log is the durable
//   record for anything older than the buffer's depth.
// - Pattern matching supports flexible invalidation strategies (exact, prefix)
// - Metrics enable observability of invalidation patterns and performance
//
// Consistency Model:
// - At-least-once delivery via Pub/Sub guarantees all nodes receive invalidation
// - Idempotent invalidation ensures correctness under duplicate events
// - Audit log provides single source of truth for invalidation history
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"

	"encore.app/pkg/cachekeys"
	evpubsub "encore.app/pkg/pubsub"
)

//encore:service
type Service struct {
	patternMatcher *PatternMatcher
	auditLogger    AuditLoggerInterface
	history        *RingBuffer
	metrics        *Metrics
	originNode     string
}

// AuditLoggerInterface defines the interface for audit logging operations.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, patternFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
}

// Metrics tracks invalidation performance counters.
type Metrics struct {
	TotalInvalidations   atomic.Int64
	KeyInvalidations     atomic.Int64
	PatternInvalidations atomic.Int64
	AuditWrites          atomic.Int64
	PubSubPublishes      atomic.Int64
	Errors               atomic.Int64
}

// Database for audit logging
var db = sqldb.Named("invalidation_db")

// Initialize service with dependencies
func initService() (*Service, error) {
	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	node := os.Getenv("POD_NAME")
	if node == "" {
		node = os.Getenv("HOSTNAME")
	}
	if node == "" {
		node = "invalidation"
	}

	return &Service{
		patternMatcher: NewPatternMatcher(),
		auditLogger:    auditLogger,
		history:        NewRingBuffer(100),
		metrics:        &Metrics{},
		originNode:     node,
	}, nil
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize invalidation service: %v", err))
	}
}

// InvalidationEvent is re-exported for callers that imported the invalidation
// package's own event type before it was unified with pkg/pubsub's.
type InvalidationEvent = evpubsub.InvalidationEvent

// Pub/Sub topic for cache invalidation events
var CacheInvalidateTopic = pubsub.NewTopic[*InvalidationEvent](
	"cache-invalidate",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Strategy describes how a domain event's cache impact was applied.
type Strategy string

const (
	StrategyInvalidate       Strategy = "invalidate"
	StrategyWriteThrough     Strategy = "write_through"
	StrategyPatternInvalidate Strategy = "pattern_invalidate"
)

// Request/response types for the domain-event endpoints. Each corresponds
// to one row of the event -> cache-key-operation table.

type UserVaultUpdatedRequest struct {
	UserID    string `json:"user_id"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type ScoreUpdatedRequest struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type LeaderboardChangedRequest struct {
	GuildID   string `json:"guild_id"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type TenantConfigChangedRequest struct {
	GuildID   string `json:"guild_id"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type ChainReorgRequest struct {
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type BalanceChangedRequest struct {
	WalletAddr string `json:"wallet_addr"`
	Reason     string `json:"reason,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

type BulkUserUpdateRequest struct {
	UserIDs   []string `json:"user_ids"`
	Reason    string   `json:"reason,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

type NamespaceInvalidatedRequest struct {
	Namespace string `json:"namespace"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// InvalidateResponse is shared by every domain-event endpoint above.
type InvalidateResponse struct {
	Success          bool      `json:"success"`
	InvalidatedCount int       `json:"invalidated_count"`
	Keys             []string  `json:"keys,omitempty"`
	Pattern          string    `json:"pattern,omitempty"`
	RequestID        string    `json:"request_id"`
	PublishedAt      time.Time `json:"published_at"`
}

type GetAuditLogsRequest struct {
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	Pattern string `json:"pattern,omitempty"`
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type GetHistoryRequest struct {
	Limit int `json:"limit"`
}

type GetHistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

type MetricsResponse struct {
	TotalInvalidations       int64   `json:"total_invalidations"`
	KeyInvalidations         int64   `json:"key_invalidations"`
	PatternInvalidations     int64   `json:"pattern_invalidations"`
	AuditWrites              int64   `json:"audit_writes"`
	PubSubPublishes          int64   `json:"pubsub_publishes"`
	Errors                   int64   `json:"errors"`
	PatternInvalidationRatio float64 `json:"pattern_invalidation_ratio"`
}

// UserVaultUpdated invalidates a user's cached vault snapshot.
//
//encore:api public method=POST path=/invalidate/user-vault
func UserVaultUpdated(ctx context.Context, req *UserVaultUpdatedRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	key := cachekeys.UserVault(req.UserID)
	return svc.invalidateKeys(ctx, []string{key}, req.Reason, req.RequestID)
}

// ScoreUpdated invalidates a user's cached leaderboard position and their
// guild's cached leaderboard.
//
//encore:api public method=POST path=/invalidate/score
func ScoreUpdated(ctx context.Context, req *ScoreUpdatedRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	keys := []string{
		cachekeys.UserPosition(req.UserID, req.GuildID),
		cachekeys.GuildLeaderboard(req.GuildID),
	}
	return svc.invalidateKeys(ctx, keys, req.Reason, req.RequestID)
}

// LeaderboardChanged pattern-invalidates a guild's leaderboard namespace.
//
//encore:api public method=POST path=/invalidate/leaderboard
func LeaderboardChanged(ctx context.Context, req *LeaderboardChangedRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.invalidatePattern(ctx, cachekeys.GuildLeaderboard(req.GuildID), req.Reason, req.RequestID)
}

// TenantConfigChanged invalidates a guild's cached tenant configuration.
//
//encore:api public method=POST path=/invalidate/tenant-config
func TenantConfigChanged(ctx context.Context, req *TenantConfigChangedRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	key := cachekeys.TenantConfig(req.GuildID)
	return svc.invalidateKeys(ctx, []string{key}, req.Reason, req.RequestID)
}

// ChainReorg pattern-invalidates every cached RPC/on-chain value, since a
// reorg can change any of them.
//
//encore:api public method=POST path=/invalidate/chain-reorg
func ChainReorg(ctx context.Context, req *ChainReorgRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.invalidatePattern(ctx, cachekeys.AllRPC(), req.Reason, req.RequestID)
}

// BalanceChanged invalidates a single cached wallet balance.
//
//encore:api public method=POST path=/invalidate/balance
func BalanceChanged(ctx context.Context, req *BalanceChangedRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	key := cachekeys.RPCBalance(req.WalletAddr)
	return svc.invalidateKeys(ctx, []string{key}, req.Reason, req.RequestID)
}

// BulkUserUpdate invalidates many users' vault entries in one call.
//
//encore:api public method=POST path=/invalidate/bulk-users
func BulkUserUpdate(ctx context.Context, req *BulkUserUpdateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	keys := make([]string, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		keys = append(keys, cachekeys.UserVault(id))
	}
	return svc.invalidateKeys(ctx, keys, req.Reason, req.RequestID)
}

// NamespaceInvalidated pattern-invalidates every key under a namespace.
//
//encore:api public method=POST path=/invalidate/namespace
func NamespaceInvalidated(ctx context.Context, req *NamespaceInvalidatedRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.invalidatePattern(ctx, cachekeys.Namespaced(cachekeys.Namespace(req.Namespace)), req.Reason, req.RequestID)
}

func (s *Service) invalidateKeys(ctx context.Context, keys []string, reason, requestID string) (*InvalidateResponse, error) {
	startTime := time.Now()
	if len(keys) == 0 {
		return nil, errors.New("keys cannot be empty")
	}
	if requestID == "" {
		requestID = generateRequestID()
	}
	uniqueKeys := deduplicateKeys(keys)

	event := &InvalidationEvent{
		Version:     evpubsub.EventVersion1,
		Service:     "invalidation",
		Keys:        uniqueKeys,
		OriginNode:  s.originNode,
		Reason:      reason,
		TriggeredAt: time.Now(),
		RequestID:   requestID,
	}

	if _, err := CacheInvalidateTopic.Publish(ctx, event); err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	s.metrics.PubSubPublishes.Add(1)
	s.metrics.TotalInvalidations.Add(1)
	s.metrics.KeyInvalidations.Add(1)

	s.history.Append(HistoryEntry{
		Timestamp: event.TriggeredAt,
		Pattern:   formatKeysAsPattern(uniqueKeys),
		Strategy:  StrategyInvalidate,
		Reason:    reason,
		Keys:      uniqueKeys,
	})

	go s.writeAudit(AuditLog{
		Pattern:     formatKeysAsPattern(uniqueKeys),
		Keys:        uniqueKeys,
		TriggeredBy: s.originNode,
		Timestamp:   event.TriggeredAt,
		RequestID:   requestID,
		Latency:     time.Since(startTime).Milliseconds(),
	})

	return &InvalidateResponse{
		Success:          true,
		InvalidatedCount: len(uniqueKeys),
		Keys:             uniqueKeys,
		RequestID:        requestID,
		PublishedAt:      event.TriggeredAt,
	}, nil
}

func (s *Service) invalidatePattern(ctx context.Context, pattern, reason, requestID string) (*InvalidateResponse, error) {
	startTime := time.Now()
	if pattern == "" {
		return nil, errors.New("pattern cannot be empty")
	}
	if requestID == "" {
		requestID = generateRequestID()
	}

	event := &InvalidationEvent{
		Version:     evpubsub.EventVersion1,
		Service:     "invalidation",
		Pattern:     pattern,
		OriginNode:  s.originNode,
		Reason:      reason,
		TriggeredAt: time.Now(),
		RequestID:   requestID,
	}

	if _, err := CacheInvalidateTopic.Publish(ctx, event); err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	s.metrics.PubSubPublishes.Add(1)
	s.metrics.TotalInvalidations.Add(1)
	s.metrics.PatternInvalidations.Add(1)

	s.history.Append(HistoryEntry{
		Timestamp: event.TriggeredAt,
		Pattern:   pattern,
		Strategy:  StrategyPatternInvalidate,
		Reason:    reason,
	})

	go s.writeAudit(AuditLog{
		Pattern:     pattern,
		TriggeredBy: s.originNode,
		Timestamp:   event.TriggeredAt,
		RequestID:   requestID,
		Latency:     time.Since(startTime).Milliseconds(),
	})

	return &InvalidateResponse{
		Success:     true,
		Pattern:     pattern,
		RequestID:   requestID,
		PublishedAt: event.TriggeredAt,
	}, nil
}

func (s *Service) writeAudit(log AuditLog) {
	if err := s.auditLogger.Insert(context.Background(), log); err != nil {
		s.metrics.Errors.Add(1)
		return
	}
	s.metrics.AuditWrites.Add(1)
}

// GetAuditLogs retrieves invalidation audit history with pagination.
//
//encore:api public method=GET path=/audit/logs
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	logs, err := s.auditLogger.GetRecent(ctx, req.Limit+1, req.Offset, req.Pattern)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	hasMore := len(logs) > req.Limit
	if hasMore {
		logs = logs[:req.Limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.Pattern)
	if err != nil {
		totalCount = len(logs)
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// GetHistory returns the most recent in-memory invalidation events, newest
// first, without touching the database.
//
//encore:api public method=GET path=/invalidate/history
func GetHistory(ctx context.Context, req *GetHistoryRequest) (*GetHistoryResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return &GetHistoryResponse{Entries: svc.history.Recent(req.Limit)}, nil
}

// MatchHistoryRequest queries the in-memory history for keys matching a
// wildcard/regex query, independent of the exact pattern each entry was
// originally broadcast under.
type MatchHistoryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type MatchHistoryResponse struct {
	Matches []string `json:"matches"`
}

// MatchHistory answers "which recently-invalidated keys match this debug
// query", scanning the in-memory ring buffer with the richer wildcard/regex
// matcher that GetAuditLogs's literal substring Pattern filter doesn't support.
//
//encore:api public method=GET path=/invalidate/history/match
func MatchHistory(ctx context.Context, req *MatchHistoryRequest) (*MatchHistoryResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.MatchHistory(req)
}

func (s *Service) MatchHistory(req *MatchHistoryRequest) (*MatchHistoryResponse, error) {
	if err := s.patternMatcher.ValidatePattern(req.Query); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	entries := s.history.Recent(req.Limit)
	seen := make(map[string]bool)
	var keys []string
	for _, entry := range entries {
		for _, key := range entry.Keys {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}

	return &MatchHistoryResponse{Matches: s.patternMatcher.Match(req.Query, keys)}, nil
}

// GetMetrics returns invalidation service metrics.
//
//encore:api public method=GET path=/invalidate/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	total := s.metrics.TotalInvalidations.Load()
	pattern := s.metrics.PatternInvalidations.Load()

	patternRatio := 0.0
	if total > 0 {
		patternRatio = float64(pattern) / float64(total)
	}

	return &MetricsResponse{
		TotalInvalidations:       total,
		KeyInvalidations:         s.metrics.KeyInvalidations.Load(),
		PatternInvalidations:     pattern,
		AuditWrites:              s.metrics.AuditWrites.Load(),
		PubSubPublishes:          s.metrics.PubSubPublishes.Load(),
		Errors:                   s.metrics.Errors.Load(),
		PatternInvalidationRatio: patternRatio,
	}, nil
}

// Helper functions

func deduplicateKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}
	return result
}

func formatKeysAsPattern(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	if len(keys) == 1 {
		return keys[0]
	}
	return strings.Join(keys, ",")
}

func generateRequestID() string {
	return fmt.Sprintf("inv-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}
