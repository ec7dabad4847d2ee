package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calweber/pmrouter/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillCols = `id, market_id, trader, recipient, side, direction,
	collateral, shares, effective_price_bps, principal, spread, at`

// Insert journals a single OTC fill. Replayed fills (same ID) are silently
// skipped so the sink can retry without duplicating rows.
func (s *FillStore) Insert(ctx context.Context, fill domain.Fill) error {
	const query = `
		INSERT INTO fills (
			id, market_id, trader, recipient, side, direction,
			collateral, shares, effective_price_bps, principal, spread, at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.MarketID, fill.Trader.Hex(), fill.Recipient.Hex(),
		string(fill.Side), string(fill.Direction),
		int64(fill.Collateral), int64(fill.Shares), int64(fill.EffectivePriceBps),
		int64(fill.Principal), int64(fill.Spread), fill.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.ID, err)
	}
	return nil
}

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var (
			f                                               domain.Fill
			trader, recipient, side, direction              string
			collateral, shares, priceBps, principal, spread int64
		)
		if err := rows.Scan(
			&f.ID, &f.MarketID, &trader, &recipient, &side, &direction,
			&collateral, &shares, &priceBps, &principal, &spread, &f.At,
		); err != nil {
			return nil, err
		}
		f.Trader = common.HexToAddress(trader)
		f.Recipient = common.HexToAddress(recipient)
		f.Side = domain.Side(side)
		f.Direction = domain.FillDirection(direction)
		f.Collateral = uint64(collateral)
		f.Shares = uint64(shares)
		f.EffectivePriceBps = uint64(priceBps)
		f.Principal = uint64(principal)
		f.Spread = uint64(spread)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ListByMarket returns fills for one market with pagination and optional time
// filtering.
func (s *FillStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Fill, error) {
	query := `SELECT ` + fillCols + ` FROM fills WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY at DESC"

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
		return nil, fmt.Errorf("postgres: list fills for %s: %w", marketID, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills for %s: %w", marketID, err)
	}
	return fills, nil
}

// ListByTrader returns fills for one trader across markets.
func (s *FillStore) ListByTrader(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.Fill, error) {
	query := `SELECT ` + fillCols + ` FROM fills WHERE trader = $1`
	args := []any{trader.Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY at DESC"

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
		return nil, fmt.Errorf("postgres: list fills for trader %s: %w", trader.Hex(), err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills for trader %s: %w", trader.Hex(), err)
	}
	return fills, nil
}

// ListBefore returns all fills strictly before the given time (for archiving).
func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillCols+` FROM fills WHERE at < $1 ORDER BY at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills before %s: %w", before, err)
	}
	return fills, nil
}

// DeleteBefore deletes all fills before the given time. Returns the number
// deleted.
func (s *FillStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete fills before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
