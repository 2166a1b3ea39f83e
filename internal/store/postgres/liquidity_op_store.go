package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// LiquidityOpStore implements domain.LiquidityOpStore using PostgreSQL.
type LiquidityOpStore struct {
	pool *pgxpool.Pool
}

// NewLiquidityOpStore creates a new LiquidityOpStore backed by the given connection pool.
func NewLiquidityOpStore(pool *pgxpool.Pool) *LiquidityOpStore {
	return &LiquidityOpStore{pool: pool}
}

const opSelectCols = `id, symbol, spot_amount_usd, perp_amount_usd, status, logs,
	spot_order_id, perp_order_id, error, manual_intervention, created_at, updated_at`

func scanOp(row pgx.Row) (domain.LiquidityOp, error) {
	var op domain.LiquidityOp
	var status string
	err := row.Scan(
		&op.ID, &op.Symbol, &op.SpotAmountUSD, &op.PerpAmountUSD, &status, &op.Logs,
		&op.SpotOrderID, &op.PerpOrderID, &op.Error, &op.ManualIntervention,
		&op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return domain.LiquidityOp{}, err
	}
	op.Status = domain.OpStatus(status)
	return op, nil
}

// CreateOp inserts a new op, PENDING unless a status is given.
func (s *LiquidityOpStore) CreateOp(ctx context.Context, op domain.LiquidityOp) error {
	status := op.Status
	if status == "" {
		status = domain.OpPending
	}
	const query = `
		INSERT INTO liquidity_ops (id, symbol, spot_amount_usd, perp_amount_usd, status)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query, op.ID, op.Symbol, op.SpotAmountUSD, op.PerpAmountUSD, string(status))
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create op %s: %w", op.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create op %s: %w", op.ID, err)
	}
	return nil
}

// GetOp retrieves a single op by its ID.
func (s *LiquidityOpStore) GetOp(ctx context.Context, id string) (domain.LiquidityOp, error) {
	op, err := scanOp(s.pool.QueryRow(ctx, `SELECT `+opSelectCols+` FROM liquidity_ops WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LiquidityOp{}, domain.ErrNotFound
		}
		return domain.LiquidityOp{}, fmt.Errorf("postgres: get op %s: %w", id, err)
	}
	return op, nil
}

// GetPendingOps returns up to limit PENDING ops in creation order.
func (s *LiquidityOpStore) GetPendingOps(ctx context.Context, limit int) ([]domain.LiquidityOp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+opSelectCols+` FROM liquidity_ops
		 WHERE status = 'PENDING'
		 ORDER BY created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get pending ops: %w", err)
	}
	defer rows.Close()

	var out []domain.LiquidityOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pending op: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// UpdateOpStatus moves an op along the status graph. The WHERE clause on the
// current status makes the transition a compare-and-swap.
func (s *LiquidityOpStore) UpdateOpStatus(ctx context.Context, id string, from, to domain.OpStatus, patch domain.OpPatch) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("postgres: op %s %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}

	const query = `
		UPDATE liquidity_ops SET
			status              = $3,
			spot_order_id       = COALESCE(NULLIF($4, ''), spot_order_id),
			perp_order_id       = COALESCE(NULLIF($5, ''), perp_order_id),
			error               = COALESCE(NULLIF($6, ''), error),
			manual_intervention = manual_intervention OR $7,
			updated_at          = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query,
		id, string(from), string(to),
		patch.SpotOrderID, patch.PerpOrderID, patch.Error, patch.ManualIntervention,
	)
	if err != nil {
		return fmt.Errorf("postgres: update op %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendOpLog appends one line to the op's log.
func (s *LiquidityOpStore) AppendOpLog(ctx context.Context, id, line string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE liquidity_ops SET logs = array_append(logs, $2), updated_at = NOW() WHERE id = $1`,
		id, line)
	if err != nil {
		return fmt.Errorf("postgres: append op log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.LiquidityOpStore = (*LiquidityOpStore)(nil)
