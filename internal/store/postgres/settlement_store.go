package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calweber/pmrouter/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given
// connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementCols = `id, market_id, kind, budget_distributed, merged,
	redeemed, treasury_payout, at`

// Insert journals one settlement-lifecycle event.
func (s *SettlementStore) Insert(ctx context.Context, rec domain.SettlementRecord) error {
	const query = `
		INSERT INTO settlements (
			id, market_id, kind, budget_distributed, merged,
			redeemed, treasury_payout, at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.MarketID, string(rec.Kind),
		int64(rec.BudgetDistributed), int64(rec.Merged),
		int64(rec.Redeemed), int64(rec.TreasuryPayout), rec.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement %s: %w", rec.ID, err)
	}
	return nil
}

func scanSettlementRows(rows pgx.Rows) ([]domain.SettlementRecord, error) {
	var records []domain.SettlementRecord
	for rows.Next() {
		var rec domain.SettlementRecord
		var kind string
		var distributed, merged, redeemed, payout int64
		if err := rows.Scan(
			&rec.ID, &rec.MarketID, &kind,
			&distributed, &merged, &redeemed, &payout, &rec.At,
		); err != nil {
			return nil, err
		}
		rec.Kind = domain.EventKind(kind)
		rec.BudgetDistributed = uint64(distributed)
		rec.Merged = uint64(merged)
		rec.Redeemed = uint64(redeemed)
		rec.TreasuryPayout = uint64(payout)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListByMarket returns the settlement history for one market, oldest first.
func (s *SettlementStore) ListByMarket(ctx context.Context, marketID string) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementCols+` FROM settlements WHERE market_id = $1 ORDER BY at ASC`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements for %s: %w", marketID, err)
	}
	defer rows.Close()

	records, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements for %s: %w", marketID, err)
	}
	return records, nil
}

// ListBefore returns all settlements strictly before the given time (for
// archiving).
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementCols+` FROM settlements WHERE at < $1 ORDER BY at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements before %s: %w", before, err)
	}
	defer rows.Close()

	records, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements before %s: %w", before, err)
	}
	return records, nil
}
