package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calweber/pmrouter/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, pool_id, collateral, flat_fee_bps,
	delegate, status, close_time, bound_at, updated_at`

// Upsert inserts or updates a single market binding row.
func (s *MarketStore) Upsert(ctx context.Context, rec domain.MarketRecord) error {
	const query = `
		INSERT INTO markets (
			id, question, pool_id, collateral, flat_fee_bps,
			delegate, status, close_time, bound_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			question     = EXCLUDED.question,
			pool_id      = EXCLUDED.pool_id,
			collateral   = EXCLUDED.collateral,
			flat_fee_bps = EXCLUDED.flat_fee_bps,
			delegate     = EXCLUDED.delegate,
			status       = EXCLUDED.status,
			close_time   = EXCLUDED.close_time,
			bound_at     = EXCLUDED.bound_at,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		rec.MarketID, rec.Question, rec.PoolID.Hex(), rec.Collateral.Hex(),
		int64(rec.FlatFeeBps), addressText(rec.Delegate), string(rec.Status),
		rec.CloseTime, rec.BoundAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", rec.MarketID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.MarketRecord, error) {
	var (
		rec        domain.MarketRecord
		poolID     string
		collateral string
		delegate   string
		feeBps     int64
		status     string
	)
	err := row.Scan(
		&rec.MarketID, &rec.Question, &poolID, &collateral, &feeBps,
		&delegate, &status, &rec.CloseTime, &rec.BoundAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.MarketRecord{}, err
	}
	rec.PoolID = common.HexToHash(poolID)
	rec.Collateral = common.HexToAddress(collateral)
	if delegate != "" {
		rec.Delegate = common.HexToAddress(delegate)
	}
	rec.FlatFeeBps = uint64(feeBps)
	rec.Status = domain.MarketStatus(status)
	return rec, nil
}

// GetByID retrieves a market binding by market ID.
func (s *MarketStore) GetByID(ctx context.Context, marketID string) (domain.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, marketID)
	rec, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("postgres: get market %s: %w", marketID, err)
	}
	return rec, nil
}

// List returns market bindings with pagination and optional time filtering on
// the bind time.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND bound_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND bound_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY bound_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var records []domain.MarketRecord
	for rows.Next() {
		rec, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return records, nil
}

// SetStatus updates a market binding's lifecycle status.
func (s *MarketStore) SetStatus(ctx context.Context, marketID string, status domain.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1`,
		marketID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set market %s status: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the total number of market bindings in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// addressText renders an address for storage, using the empty string for the
// zero address so unset delegates stay readable in queries.
func addressText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
