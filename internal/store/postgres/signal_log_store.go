package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// SignalLogStore implements domain.SignalLogStore using PostgreSQL.
type SignalLogStore struct {
	pool *pgxpool.Pool
}

// NewSignalLogStore creates a new SignalLogStore backed by the given connection pool.
func NewSignalLogStore(pool *pgxpool.Pool) *SignalLogStore {
	return &SignalLogStore{pool: pool}
}

// Append inserts a decision-log event.
func (s *SignalLogStore) Append(ctx context.Context, l domain.SignalLog) error {
	const query = `
		INSERT INTO signal_logs (
			config_id, symbol, level, event, message,
			price, median, mad, z_score, velocity, acceleration,
			position_state, entry_price, dca_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.pool.Exec(ctx, query,
		l.ConfigID, l.Symbol, string(l.Level), l.Event, l.Message,
		l.Price, l.Median, l.MAD, l.ZScore, l.Velocity, l.Acceleration,
		string(l.PositionState), l.EntryPrice, l.DCACount, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append signal log: %w", err)
	}
	return nil
}

// ListBetween returns events created in [from, to), oldest first.
func (s *SignalLogStore) ListBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.SignalLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, config_id, symbol, level, event, message,
			price, median, mad, z_score, velocity, acceleration,
			position_state, entry_price, dca_count, created_at
		FROM signal_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signal logs: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalLog
	for rows.Next() {
		var l domain.SignalLog
		var level, position string
		if err := rows.Scan(
			&l.ID, &l.ConfigID, &l.Symbol, &level, &l.Event, &l.Message,
			&l.Price, &l.Median, &l.MAD, &l.ZScore, &l.Velocity, &l.Acceleration,
			&position, &l.EntryPrice, &l.DCACount, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal log: %w", err)
		}
		l.Level = domain.LogLevel(level)
		l.PositionState = domain.PositionState(position)
		out = append(out, l)
	}
	return out, rows.Err()
}

var _ domain.SignalLogStore = (*SignalLogStore)(nil)
