package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/monitoring"
	"encore.app/substrate"
)

// Service exposes the budget manager as an Encore service so the command
// and eligibility paths can reserve/finalize spend without linking the
// package directly.
//
//encore:service
type Service struct {
	manager *Manager
}

var db = sqldb.Named("budget_db")

var (
	svc  *Service
	once sync.Once
)

// initService is invoked once by the Encore runtime for any struct tagged
// //encore:service with this signature.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		var rel *PostgresStore
		rel, err = NewPostgresStore(db)
		if err != nil {
			return
		}
		manager := NewManager(substrate.NewMemoryStore(), rel, DefaultConfig())
		manager.Start(func() []string { return nil })
		svc = &Service{manager: manager}
	})
	return svc, err
}

// SetStore rewires the manager onto a concrete shared-KV store (called
// once at startup by the hosting binary after dialing the shared KV).
func (s *Service) SetStore(store substrate.Store) {
	s.manager.store = store
}

// ReserveAPIRequest/ReserveAPIResponse mirror Manager's reserve contract.
type ReserveAPIRequest struct {
	TenantID      string `json:"tenantId"`
	UserID        string `json:"userId"`
	IdemKey       string `json:"idemKey"`
	ModelAlias    string `json:"modelAlias"`
	EstimatedCost int64  `json:"estimatedCost"`
}

type ReserveAPIResponse struct {
	Status                 string `json:"status"`
	ReservationExpiresAtMs int64  `json:"reservationExpiresAtMs,omitempty"`
}

//encore:api public method=POST path=/budget/reserve
func Reserve(ctx context.Context, req *ReserveAPIRequest) (*ReserveAPIResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	start := time.Now()
	result, err := svc.manager.Reserve(ctx, ReserveRequest{
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		IdemKey:       req.IdemKey,
		ModelAlias:    req.ModelAlias,
		EstimatedCost: req.EstimatedCost,
	})
	elapsed := time.Since(start)
	if err != nil {
		publishBudgetMetric(ctx, "reserve", "error", elapsed)
		return nil, fmt.Errorf("budget reserve: %w", err)
	}
	publishBudgetMetric(ctx, "reserve", string(result.Status), elapsed)

	resp := &ReserveAPIResponse{Status: string(result.Status)}
	if !result.ReservationExpiresAt.IsZero() {
		resp.ReservationExpiresAtMs = result.ReservationExpiresAt.UnixMilli()
	}
	return resp, nil
}

// publishBudgetMetric emits a fire-and-forget monitoring event for a
// reserve/finalize outcome. Never surfaces a publish failure to the caller.
func publishBudgetMetric(ctx context.Context, operation, status string, elapsed time.Duration) {
	_, _ = monitoring.BudgetMetricsTopic.Publish(ctx, &monitoring.BudgetMetricEvent{
		Operation: operation,
		Status:    status,
		LatencyMs: float64(elapsed.Microseconds()) / 1000.0,
		Timestamp: time.Now(),
	})
}

// FinalizeAPIRequest/FinalizeAPIResponse mirror Manager's finalize contract.
type FinalizeAPIRequest struct {
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	IdemKey    string `json:"idemKey"`
	ActualCost int64  `json:"actualCost"`
}

type FinalizeAPIResponse struct {
	Status string `json:"status"`
}

//encore:api public method=POST path=/budget/finalize
func Finalize(ctx context.Context, req *FinalizeAPIRequest) (*FinalizeAPIResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	start := time.Now()
	result, err := svc.manager.Finalize(ctx, FinalizeRequest{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		IdemKey:    req.IdemKey,
		ActualCost: req.ActualCost,
	})
	elapsed := time.Since(start)
	if err != nil {
		publishBudgetMetric(ctx, "finalize", "error", elapsed)
		return nil, fmt.Errorf("budget finalize: %w", err)
	}
	publishBudgetMetric(ctx, "finalize", string(result.Status), elapsed)

	return &FinalizeAPIResponse{Status: string(result.Status)}, nil
}
