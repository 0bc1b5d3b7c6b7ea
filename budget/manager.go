// Package budget implements the per-tenant monthly cost envelope: a
// reserve/finalize admission pipeline backed by the shared KV for the
// fast-path counters, a relational store of record for fence ordering and
// lot-accurate credit debiting, and a reaper that reclaims headroom from
// abandoned reservations.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"encore.app/monitoring"
	"encore.app/substrate"
)

// Status is the outcome of a reserve or finalize call.
type Status string

const (
	StatusReserved         Status = "RESERVED"
	StatusBudgetExceeded   Status = "BUDGET_EXCEEDED"
	StatusFinalized        Status = "FINALIZED"
	StatusAlreadyFinalized Status = "ALREADY_FINALIZED"
	StatusNotReserved      Status = "NOT_RESERVED"
	StatusStaleFence       Status = "STALE_FENCE"
)

// ReserveRequest is one admission check against a tenant's monthly envelope.
type ReserveRequest struct {
	TenantID      string
	UserID        string
	IdemKey       string
	ModelAlias    string
	EstimatedCost int64
}

// ReserveResult is the outcome of Reserve.
type ReserveResult struct {
	Status               Status
	ReservationExpiresAt time.Time
}

// FinalizeRequest settles a prior reservation against its actual cost.
type FinalizeRequest struct {
	TenantID   string
	UserID     string
	IdemKey    string
	ActualCost int64
}

// FinalizeResult is the outcome of Finalize.
type FinalizeResult struct {
	Status Status
}

// Config is the budget manager's tunables, named directly by the external
// configuration surface.
type Config struct {
	ReservationTTL          time.Duration
	ReapInterval            time.Duration
	DriftTolerance          float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns the manager's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		ReservationTTL:          5 * time.Minute,
		ReapInterval:            30 * time.Second,
		DriftTolerance:          0.01,
		CircuitBreakerThreshold: 0.05,
	}
}

type reservation struct {
	ModelAlias    string    `json:"modelAlias"`
	EstimatedCost int64     `json:"estimatedCost"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Manager is the reserve/finalize/reap pipeline described above.
type Manager struct {
	store substrate.Store
	rel   RelationalStore
	cfg   Config

	breaker *gobreaker.CircuitBreaker

	// OnBreakerStateChange, when set, is notified on every drift
	// circuit-breaker transition so a monitoring gauge can track it.
	OnBreakerStateChange func(from, to gobreaker.State)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager backed by store (fast-path counters and
// reservation index) and rel (fence, usage events, credit lots).
func NewManager(store substrate.Store, rel RelationalStore, cfg Config) *Manager {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	m := &Manager{store: store, rel: rel, cfg: cfg, stopChan: make(chan struct{})}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "budget-drift",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.OnBreakerStateChange != nil {
				m.OnBreakerStateChange(from, to)
			}
		},
	})
	return m
}

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

func (m *Manager) limitKey(tenantID string) string {
	return fmt.Sprintf("budget:limit:%s", tenantID)
}

func (m *Manager) reservedKey(tenantID, month string) string {
	return fmt.Sprintf("budget:reserved:%s:%s", tenantID, month)
}

func (m *Manager) committedKey(tenantID, month string) string {
	return fmt.Sprintf("budget:committed:%s:%s", tenantID, month)
}

func (m *Manager) reservationKey(tenantID, userID, idemKey string) string {
	return fmt.Sprintf("budget:reservation:%s:%s:%s", tenantID, userID, idemKey)
}

func (m *Manager) fenceKey(tenantID string) string {
	return fmt.Sprintf("conservation:fence:%s", tenantID)
}

// reservationIndexKey is a sorted-set index of outstanding reservations,
// scored by expiry, that lets the reaper find expired reservations without
// a key-enumeration primitive the shared Store deliberately doesn't offer.
func (m *Manager) reservationIndexKey(tenantID string) string {
	return fmt.Sprintf("budget:reservation-index:%s", tenantID)
}

func indexMember(expiresAt time.Time, userID, idemKey string) string {
	return fmt.Sprintf("%d:%s:%s", expiresAt.UnixNano(), userID, idemKey)
}

func parseIndexMember(member string) (nanos int64, userID, idemKey string, err error) {
	var rest string
	if _, err = fmt.Sscanf(member, "%d:", &nanos); err != nil {
		return 0, "", "", err
	}
	// Re-split on the first colon boundary consumed by Sscanf above.
	prefix := strconv.FormatInt(nanos, 10) + ":"
	if len(member) <= len(prefix) {
		return 0, "", "", fmt.Errorf("budget: malformed index member %q", member)
	}
	rest = member[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return nanos, rest[:i], rest[i+1:], nil
		}
	}
	return 0, "", "", fmt.Errorf("budget: malformed index member %q", member)
}

func parseInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// SetLimit configures tenantID's monthly envelope limit in cents.
func (m *Manager) SetLimit(ctx context.Context, tenantID string, limitCents int64) error {
	return m.store.Set(ctx, m.limitKey(tenantID), strconv.FormatInt(limitCents, 10), 0)
}

// Reserve admits or rejects a prospective spend against tenantID's monthly
// envelope. A Store error or an over-budget request both fail closed with
// StatusBudgetExceeded, never an error return, since denial here must be
// an ordinary typed result.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if req.EstimatedCost <= 0 {
		return nil, fmt.Errorf("budget: estimatedCost must be positive, got %d", req.EstimatedCost)
	}

	key := m.reservationKey(req.TenantID, req.UserID, req.IdemKey)
	if raw, ok, err := m.store.Get(ctx, key); err != nil {
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	} else if ok {
		var existing reservation
		if jsonErr := json.Unmarshal([]byte(raw), &existing); jsonErr == nil {
			return &ReserveResult{Status: StatusReserved, ReservationExpiresAt: existing.ExpiresAt}, nil
		}
	}

	month := monthKey(time.Now())
	limitRaw, _, err := m.store.Get(ctx, m.limitKey(req.TenantID))
	if err != nil {
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	}
	reservedRaw, _, err := m.store.Get(ctx, m.reservedKey(req.TenantID, month))
	if err != nil {
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	}
	committedRaw, _, err := m.store.Get(ctx, m.committedKey(req.TenantID, month))
	if err != nil {
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	}

	limit := parseInt64(limitRaw)
	reserved := parseInt64(reservedRaw)
	committed := parseInt64(committedRaw)

	if committed+reserved+req.EstimatedCost > limit {
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	}

	now := time.Now()
	expiresAt := now.Add(m.cfg.ReservationTTL)
	res := reservation{ModelAlias: req.ModelAlias, EstimatedCost: req.EstimatedCost, CreatedAt: now, ExpiresAt: expiresAt}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("budget: encode reservation: %w", err)
	}

	if _, err := m.store.IncrBy(ctx, m.reservedKey(req.TenantID, month), req.EstimatedCost); err != nil {
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	}
	// The record outlives its expiry by one reap interval so the reaper can
	// still read its estimated cost when it releases the hold.
	if err := m.store.Set(ctx, key, string(payload), m.cfg.ReservationTTL+m.cfg.ReapInterval); err != nil {
		_, _ = m.store.IncrBy(ctx, m.reservedKey(req.TenantID, month), -req.EstimatedCost)
		return &ReserveResult{Status: StatusBudgetExceeded}, nil
	}
	_ = m.store.ZAdd(ctx, m.reservationIndexKey(req.TenantID), float64(expiresAt.UnixNano()), indexMember(expiresAt, req.UserID, req.IdemKey))

	return &ReserveResult{Status: StatusReserved, ReservationExpiresAt: expiresAt}, nil
}

// Finalize settles a reservation against its actual cost: fence-orders the
// call, records the usage event exactly once, debits credit lots
// earliest-expiry-first, and releases the reservation's hold on the
// tenant's monthly envelope.
func (m *Manager) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	newToken, err := m.store.Incr(ctx, m.fenceKey(req.TenantID))
	if err != nil {
		return nil, fmt.Errorf("budget: allocate fence token: %w", err)
	}

	resKey := m.reservationKey(req.TenantID, req.UserID, req.IdemKey)
	raw, ok, err := m.store.Get(ctx, resKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &FinalizeResult{Status: StatusNotReserved}, nil
	}
	var res reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("budget: corrupt reservation record: %w", err)
	}

	advanced, err := m.rel.AdvanceFence(ctx, req.TenantID, newToken)
	if err != nil {
		return nil, err
	}
	if !advanced {
		return &FinalizeResult{Status: StatusStaleFence}, nil
	}

	inserted, err := m.rel.InsertUsageEvent(ctx, req.TenantID, req.IdemKey, req.ActualCost, time.Now())
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &FinalizeResult{Status: StatusAlreadyFinalized}, nil
	}

	// Past this point the usage event is durable; any failure below must
	// not roll it back. Retries find the duplicate and report
	// ALREADY_FINALIZED, which is the system's idempotency boundary.
	reservationID := req.TenantID + ":" + req.UserID + ":" + req.IdemKey
	if err := m.debitCreditLots(ctx, req.TenantID, reservationID, req.ActualCost); err != nil {
		return nil, err
	}

	month := monthKey(time.Now())
	if _, err := m.store.IncrBy(ctx, m.committedKey(req.TenantID, month), req.ActualCost); err != nil {
		return nil, err
	}

	refund := res.EstimatedCost
	reservedRaw, _, _ := m.store.Get(ctx, m.reservedKey(req.TenantID, month))
	if current := parseInt64(reservedRaw); current < refund {
		refund = current
	}
	if refund > 0 {
		if _, err := m.store.IncrBy(ctx, m.reservedKey(req.TenantID, month), -refund); err != nil {
			return nil, err
		}
	}

	_, _ = m.store.Delete(ctx, resKey)
	_, _ = m.store.ZRemRangeByScore(ctx, m.reservationIndexKey(req.TenantID), float64(res.ExpiresAt.UnixNano()), float64(res.ExpiresAt.UnixNano()))

	return &FinalizeResult{Status: StatusFinalized}, nil
}

func (m *Manager) debitCreditLots(ctx context.Context, tenantID, reservationID string, amount int64) error {
	candidates, err := m.rel.SelectLotsForDebit(ctx, tenantID, amount)
	if err != nil {
		return err
	}

	remaining := amount
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		debit := c.RemainingMicro
		if debit > remaining {
			debit = remaining
		}

		inserted, err := m.rel.InsertLotEntry(ctx, c.LotID, reservationID, debit)
		if err != nil {
			return err
		}
		if !inserted {
			// This (lot, reservation) pair was already debited by an
			// earlier, partially-failed finalize attempt.
			continue
		}
		if err := m.rel.UpdateLotRemaining(ctx, c.LotID, -debit); err != nil {
			return err
		}
		if c.RemainingMicro-debit <= 0 {
			if err := m.rel.MarkLotDepleted(ctx, c.LotID); err != nil {
				return err
			}
		}
		remaining -= debit
	}
	return nil
}

// Reap releases the envelope hold of every reservation for tenantID whose
// expiry has passed, restoring headroom for stalled or crashed requests.
func (m *Manager) Reap(ctx context.Context, tenantID string) (int, error) {
	indexKey := m.reservationIndexKey(tenantID)
	members, err := m.store.ZRangeByScore(ctx, indexKey, 0, float64(time.Now().UnixNano()))
	if err != nil {
		return 0, err
	}

	month := monthKey(time.Now())
	reaped := 0
	for _, member := range members {
		nanos, userID, idemKey, parseErr := parseIndexMember(member)
		if parseErr != nil {
			continue
		}

		resKey := m.reservationKey(tenantID, userID, idemKey)
		if raw, ok, getErr := m.store.Get(ctx, resKey); getErr == nil && ok {
			var res reservation
			if jsonErr := json.Unmarshal([]byte(raw), &res); jsonErr == nil && res.EstimatedCost > 0 {
				reservedRaw, _, _ := m.store.Get(ctx, m.reservedKey(tenantID, month))
				refund := res.EstimatedCost
				if current := parseInt64(reservedRaw); current < refund {
					refund = current
				}
				if refund > 0 {
					_, _ = m.store.IncrBy(ctx, m.reservedKey(tenantID, month), -refund)
				}
			}
			_, _ = m.store.Delete(ctx, resKey)
			reaped++
		}
		_, _ = m.store.ZRemRangeByScore(ctx, indexKey, float64(nanos), float64(nanos))
	}
	return reaped, nil
}

// CheckDrift compares the shared KV's cached committed counter against the
// relational store's authoritative sum of usage events for the current
// month, returning the fraction of the tenant's limit by which they
// disagree. The comparison runs through the drift circuit breaker: once
// ReadyToTrip fires, the breaker opens and CheckDrift short-circuits with
// gobreaker.ErrOpenState until its timeout elapses.
func (m *Manager) CheckDrift(ctx context.Context, tenantID string) (float64, error) {
	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.computeDrift(ctx, tenantID)
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

func (m *Manager) computeDrift(ctx context.Context, tenantID string) (float64, error) {
	limitRaw, _, err := m.store.Get(ctx, m.limitKey(tenantID))
	if err != nil {
		return 0, err
	}
	limit := parseInt64(limitRaw)
	if limit == 0 {
		return 0, nil
	}

	month := monthKey(time.Now())
	committedRaw, _, err := m.store.Get(ctx, m.committedKey(tenantID, month))
	if err != nil {
		return 0, err
	}
	cached := parseInt64(committedRaw)

	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	authoritative, err := m.rel.SumCommittedMicro(ctx, tenantID, since)
	if err != nil {
		return 0, err
	}

	drift := math.Abs(float64(cached-authoritative)) / float64(limit)
	if drift > m.cfg.CircuitBreakerThreshold {
		return drift, fmt.Errorf("budget: drift %.4f for tenant %s exceeds threshold %.4f", drift, tenantID, m.cfg.CircuitBreakerThreshold)
	}
	return drift, nil
}

// BreakerState exposes the drift circuit breaker's current state for the
// monitoring gauge.
func (m *Manager) BreakerState() gobreaker.State {
	return m.breaker.State()
}

// Start runs the reap loop for the given tenants every ReapInterval until
// Stop is called. The shared Store offers no key-enumeration primitive, so
// the set of tenants to sweep is supplied by the caller on every tick; a
// callback that returns no tenants makes each pass a no-op.
func (m *Manager) Start(tenantIDs func() []string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx := context.Background()
				for _, tenantID := range tenantIDs() {
					reaped, err := m.Reap(ctx, tenantID)
					if err == nil && reaped > 0 {
						publishReapMetric(ctx, reaped)
					}
					_, _ = m.CheckDrift(ctx, tenantID)
				}
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop halts the background reap loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

// publishReapMetric emits one fire-and-forget monitoring event per reaped
// reservation. Reap runs on a background ticker with no caller to report errors
// to, so a publish failure is simply dropped.
func publishReapMetric(ctx context.Context, reaped int) {
	for i := 0; i < reaped; i++ {
		_, _ = monitoring.BudgetMetricsTopic.Publish(ctx, &monitoring.BudgetMetricEvent{
			Operation: "reap",
			Status:    "ok",
			Timestamp: time.Now(),
		})
	}
}
