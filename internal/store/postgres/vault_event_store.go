package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calweber/pmrouter/internal/domain"
)

// VaultEventStore implements domain.VaultEventStore using PostgreSQL.
type VaultEventStore struct {
	pool *pgxpool.Pool
}

// NewVaultEventStore creates a new VaultEventStore backed by the given
// connection pool.
func NewVaultEventStore(pool *pgxpool.Pool) *VaultEventStore {
	return &VaultEventStore{pool: pool}
}

const vaultEventCols = `id, market_id, kind, account, side, assets, shares, reward, at`

// Insert journals one LP deposit, withdrawal, or harvest.
func (s *VaultEventStore) Insert(ctx context.Context, rec domain.VaultChangeRecord) error {
	const query = `
		INSERT INTO vault_events (
			id, market_id, kind, account, side, assets, shares, reward, at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.MarketID, string(rec.Kind), rec.Account.Hex(), string(rec.Side),
		int64(rec.Assets), int64(rec.Shares), int64(rec.Reward), rec.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert vault event %s: %w", rec.ID, err)
	}
	return nil
}

func scanVaultEventRows(rows pgx.Rows) ([]domain.VaultChangeRecord, error) {
	var records []domain.VaultChangeRecord
	for rows.Next() {
		var (
			rec                    domain.VaultChangeRecord
			kind, account, side    string
			assets, shares, reward int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.MarketID, &kind, &account, &side,
			&assets, &shares, &reward, &rec.At,
		); err != nil {
			return nil, err
		}
		rec.Kind = domain.EventKind(kind)
		rec.Account = common.HexToAddress(account)
		rec.Side = domain.Side(side)
		rec.Assets = uint64(assets)
		rec.Shares = uint64(shares)
		rec.Reward = uint64(reward)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *VaultEventStore) list(ctx context.Context, where string, first any, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	query := `SELECT ` + vaultEventCols + ` FROM vault_events WHERE ` + where
	args := []any{first}
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
		return nil, err
	}
	defer rows.Close()
	return scanVaultEventRows(rows)
}

// ListByMarket returns vault events for one market, newest first.
func (s *VaultEventStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	records, err := s.list(ctx, "market_id = $1", marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vault events for %s: %w", marketID, err)
	}
	return records, nil
}

// ListByAccount returns vault events for one LP account across markets.
func (s *VaultEventStore) ListByAccount(ctx context.Context, account common.Address, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	records, err := s.list(ctx, "account = $1", account.Hex(), opts)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vault events for account %s: %w", account.Hex(), err)
	}
	return records, nil
}
