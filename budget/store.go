package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// LotDebitCandidate is one credit lot eligible for debiting, in
// earliest-expiry-first order.
type LotDebitCandidate struct {
	LotID          string
	RemainingMicro int64
}

// RelationalStore is the authoritative, durable side of the budget
// manager: fence advancement, idempotent usage events, and lot-accurate
// credit debiting. The shared KV only ever caches aggregates derived from
// this store.
type RelationalStore interface {
	// AdvanceFence persists newToken for tenantID iff it is strictly
	// greater than the currently stored value, returning whether it
	// advanced.
	AdvanceFence(ctx context.Context, tenantID string, newToken int64) (bool, error)

	// InsertUsageEvent records a finalize outcome exactly once per
	// idemKey; inserted is false when the key already existed.
	InsertUsageEvent(ctx context.Context, tenantID, idemKey string, amountMicro int64, createdAt time.Time) (inserted bool, err error)

	// SumCommittedMicro returns the authoritative total of usage events
	// recorded for tenantID since since, used as the drift-check ground
	// truth against the KV's cached committed counter.
	SumCommittedMicro(ctx context.Context, tenantID string, since time.Time) (int64, error)

	// SelectLotsForDebit returns lots with remainingMicro > 0 ordered by
	// COALESCE(expiresAt, '+infinity') ASC, createdAt ASC.
	SelectLotsForDebit(ctx context.Context, tenantID string, amountMicro int64) ([]LotDebitCandidate, error)

	// InsertLotEntry records a debit against lotID for reservationID;
	// inserted is false when that (lotID, reservationID) pair already
	// exists, making retried debits no-ops.
	InsertLotEntry(ctx context.Context, lotID, reservationID string, amountMicro int64) (inserted bool, err error)

	UpdateLotRemaining(ctx context.Context, lotID string, delta int64) error
	MarkLotDepleted(ctx context.Context, lotID string) error
}

// PostgresStore is the RelationalStore backed by the service's own
// database, following the teacher's AuditLogger shape: schema-ensure on
// construction, raw SQL via the sqldb.Database handle, ON CONFLICT DO
// NOTHING for every idempotent insert.
type PostgresStore struct {
	db *sqldb.Database
}

// NewPostgresStore constructs a PostgresStore and ensures its schema exists.
func NewPostgresStore(db *sqldb.Database) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize budget schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS tenant_fence (
			tenant_id TEXT PRIMARY KEY,
			fence_token BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS usage_event (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			idem_key TEXT NOT NULL UNIQUE,
			amount_micro BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_usage_event_tenant_created
		ON usage_event(tenant_id, created_at);

		CREATE TABLE IF NOT EXISTS credit_lot (
			lot_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			original_micro BIGINT NOT NULL,
			remaining_micro BIGINT NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			depleted BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_credit_lot_tenant_order
		ON credit_lot(tenant_id, expires_at, created_at);

		CREATE TABLE IF NOT EXISTS lot_entry (
			lot_id TEXT NOT NULL REFERENCES credit_lot(lot_id),
			reservation_id TEXT NOT NULL,
			amount_micro BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (lot_id, reservation_id)
		);
	`
	_, err := s.db.Exec(ctx, query)
	return err
}

func (s *PostgresStore) AdvanceFence(ctx context.Context, tenantID string, newToken int64) (bool, error) {
	res, err := s.db.Exec(ctx, `
		INSERT INTO tenant_fence (tenant_id, fence_token) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET fence_token = $2
		WHERE tenant_fence.fence_token < $2
	`, tenantID, newToken)
	if err != nil {
		return false, fmt.Errorf("advance fence: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertUsageEvent(ctx context.Context, tenantID, idemKey string, amountMicro int64, createdAt time.Time) (bool, error) {
	res, err := s.db.Exec(ctx, `
		INSERT INTO usage_event (tenant_id, idem_key, amount_micro, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idem_key) DO NOTHING
	`, tenantID, idemKey, amountMicro, createdAt)
	if err != nil {
		return false, fmt.Errorf("insert usage event: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

func (s *PostgresStore) SumCommittedMicro(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_micro), 0) FROM usage_event
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&total)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("sum committed: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) SelectLotsForDebit(ctx context.Context, tenantID string, amountMicro int64) ([]LotDebitCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT lot_id, remaining_micro FROM credit_lot
		WHERE tenant_id = $1 AND remaining_micro > 0 AND NOT depleted
		ORDER BY COALESCE(expires_at, 'infinity'::timestamptz) ASC, created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select lots for debit: %w", err)
	}
	defer rows.Close()

	var candidates []LotDebitCandidate
	var covered int64
	for rows.Next() {
		var c LotDebitCandidate
		if err := rows.Scan(&c.LotID, &c.RemainingMicro); err != nil {
			return nil, fmt.Errorf("scan lot candidate: %w", err)
		}
		candidates = append(candidates, c)
		covered += c.RemainingMicro
		if covered >= amountMicro {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lot candidates: %w", err)
	}
	return candidates, nil
}

func (s *PostgresStore) InsertLotEntry(ctx context.Context, lotID, reservationID string, amountMicro int64) (bool, error) {
	res, err := s.db.Exec(ctx, `
		INSERT INTO lot_entry (lot_id, reservation_id, amount_micro)
		VALUES ($1, $2, $3)
		ON CONFLICT (lot_id, reservation_id) DO NOTHING
	`, lotID, reservationID, amountMicro)
	if err != nil {
		return false, fmt.Errorf("insert lot entry: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateLotRemaining(ctx context.Context, lotID string, delta int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE credit_lot SET remaining_micro = remaining_micro + $2 WHERE lot_id = $1
	`, lotID, delta)
	if err != nil {
		return fmt.Errorf("update lot remaining: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkLotDepleted(ctx context.Context, lotID string) error {
	_, err := s.db.Exec(ctx, `UPDATE credit_lot SET depleted = TRUE WHERE lot_id = $1`, lotID)
	if err != nil {
		return fmt.Errorf("mark lot depleted: %w", err)
	}
	return nil
}
