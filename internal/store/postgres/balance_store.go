package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// UpdateBalance upserts one asset balance.
func (s *BalanceStore) UpdateBalance(ctx context.Context, b domain.Balance) error {
	const query = `
		INSERT INTO balances (account, kind, asset, amount, shape, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account, kind, asset) DO UPDATE SET
			amount     = EXCLUDED.amount,
			shape      = EXCLUDED.shape,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, b.Account, string(b.Kind), b.Asset, b.Amount, b.Shape); err != nil {
		return fmt.Errorf("postgres: update balance %s/%s: %w", b.Kind, b.Asset, err)
	}
	return nil
}

// GetBalance returns one asset balance.
func (s *BalanceStore) GetBalance(ctx context.Context, account string, kind domain.BalanceKind, asset string) (domain.Balance, error) {
	b := domain.Balance{Account: account, Kind: kind, Asset: asset}
	err := s.pool.QueryRow(ctx,
		`SELECT amount, shape, updated_at FROM balances WHERE account = $1 AND kind = $2 AND asset = $3`,
		account, string(kind), asset,
	).Scan(&b.Amount, &b.Shape, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s/%s: %w", kind, asset, err)
	}
	return b, nil
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
