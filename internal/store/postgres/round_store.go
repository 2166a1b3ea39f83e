package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a new RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

const roundSelectCols = `id, config_id, symbol, buy_price, buy_amount, buy_time,
	dca_count, entry_median, entry_z_score, status, sell_price, sell_time,
	final_pnl, sell_reason, created_at, updated_at`

func scanRound(row pgx.Row) (domain.Round, error) {
	var r domain.Round
	var status, reason string

	err := row.Scan(
		&r.ID, &r.ConfigID, &r.Symbol,
		&r.BuyPrice, &r.BuyAmount, &r.BuyTime,
		&r.DCACount, &r.EntryMedian, &r.EntryZScore,
		&status, &r.SellPrice, &r.SellTime,
		&r.FinalPnL, &reason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}
	r.Status = domain.RoundStatus(status)
	r.SellReason = domain.SellReason(reason)
	return r, nil
}

// OpenRound inserts a new OPEN round. A second open round for the same
// config yields domain.ErrAlreadyExists.
func (s *RoundStore) OpenRound(ctx context.Context, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			id, config_id, symbol, buy_price, buy_amount, buy_time,
			dca_count, entry_median, entry_z_score, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'OPEN')`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.ConfigID, r.Symbol,
		r.BuyPrice, r.BuyAmount, r.BuyTime,
		r.DCACount, r.EntryMedian, r.EntryZScore,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: open round %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: open round %s: %w", r.ID, err)
	}
	return nil
}

// AveragePosition replaces the weighted entry of an open round.
func (s *RoundStore) AveragePosition(ctx context.Context, id string, buyPrice, buyAmount float64, dcaCount int) error {
	const query = `
		UPDATE rounds SET
			buy_price  = $2,
			buy_amount = $3,
			dca_count  = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := s.pool.Exec(ctx, query, id, buyPrice, buyAmount, dcaCount)
	if err != nil {
		return fmt.Errorf("postgres: average round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CloseRound applies the terminal patch to an open round.
func (s *RoundStore) CloseRound(ctx context.Context, id string, c domain.RoundClose) error {
	const query = `
		UPDATE rounds SET
			status      = $2,
			sell_reason = $3,
			sell_price  = $4,
			sell_time   = $5,
			final_pnl   = $6,
			updated_at  = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := s.pool.Exec(ctx, query,
		id, string(c.Status), string(c.Reason), c.SellPrice, c.SellTime, c.FinalPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: close round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetOpenRound returns the open round of a config.
func (s *RoundStore) GetOpenRound(ctx context.Context, configID string) (domain.Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundSelectCols+` FROM rounds WHERE config_id = $1 AND status = 'OPEN'`, configID)

	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get open round %s: %w", configID, err)
	}
	return r, nil
}

// GetRound retrieves a single round by its ID.
func (s *RoundStore) GetRound(ctx context.Context, id string) (domain.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundSelectCols+` FROM rounds WHERE id = $1`, id)

	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %s: %w", id, err)
	}
	return r, nil
}

// ListClosedBetween returns terminal rounds sold in [from, to), oldest first.
func (s *RoundStore) ListClosedBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundSelectCols+` FROM rounds
		 WHERE status <> 'OPEN' AND sell_time >= $1 AND sell_time < $2
		 ORDER BY sell_time ASC
		 LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan closed round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.RoundStore = (*RoundStore)(nil)
