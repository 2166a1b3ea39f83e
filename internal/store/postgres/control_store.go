package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// ControlStore implements domain.ControlStore using PostgreSQL.
type ControlStore struct {
	pool *pgxpool.Pool
}

// NewControlStore creates a new ControlStore backed by the given connection pool.
func NewControlStore(pool *pgxpool.Pool) *ControlStore {
	return &ControlStore{pool: pool}
}

// GetState returns the control row of an engine.
func (s *ControlStore) GetState(ctx context.Context, configID string) (domain.ControlState, error) {
	var st domain.ControlState
	var cmd string
	err := s.pool.QueryRow(ctx, `
		SELECT config_id, pending_command, issued_at, acked_at, updated_at
		FROM control_state WHERE config_id = $1`, configID,
	).Scan(&st.ConfigID, &cmd, &st.IssuedAt, &st.AckedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ControlState{}, domain.ErrNotFound
		}
		return domain.ControlState{}, fmt.Errorf("postgres: get control state %s: %w", configID, err)
	}
	st.PendingCommand = domain.Command(cmd)
	return st, nil
}

// UpdateState upserts the control row. A pending command without an issue
// time is stamped with the current time.
func (s *ControlStore) UpdateState(ctx context.Context, st domain.ControlState) error {
	const query = `
		INSERT INTO control_state (config_id, pending_command, issued_at, acked_at, updated_at)
		VALUES ($1, $2, CASE WHEN $2 <> '' THEN COALESCE($3, NOW()) ELSE $3 END, $4, NOW())
		ON CONFLICT (config_id) DO UPDATE SET
			pending_command = EXCLUDED.pending_command,
			issued_at       = EXCLUDED.issued_at,
			acked_at        = EXCLUDED.acked_at,
			updated_at      = NOW()`

	if _, err := s.pool.Exec(ctx, query,
		st.ConfigID, string(st.PendingCommand), st.IssuedAt, st.AckedAt,
	); err != nil {
		return fmt.Errorf("postgres: update control state %s: %w", st.ConfigID, err)
	}
	return nil
}

// AckCommand clears cmd if it is still the pending command.
func (s *ControlStore) AckCommand(ctx context.Context, configID string, cmd domain.Command) error {
	const query = `
		UPDATE control_state SET
			pending_command = '',
			acked_at        = NOW(),
			updated_at      = NOW()
		WHERE config_id = $1 AND pending_command = $2`

	tag, err := s.pool.Exec(ctx, query, configID, string(cmd))
	if err != nil {
		return fmt.Errorf("postgres: ack %s for %s: %w", cmd, configID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetConfig returns the runtime record of an engine.
func (s *ControlStore) GetConfig(ctx context.Context, configID string) (domain.EngineConfig, error) {
	var cfg domain.EngineConfig
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, is_running, updated_at FROM engine_configs WHERE id = $1`, configID,
	).Scan(&cfg.ID, &cfg.Symbol, &cfg.IsRunning, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EngineConfig{}, domain.ErrNotFound
		}
		return domain.EngineConfig{}, fmt.Errorf("postgres: get engine config %s: %w", configID, err)
	}
	return cfg, nil
}

// UpsertConfig creates or replaces the runtime record of an engine.
func (s *ControlStore) UpsertConfig(ctx context.Context, cfg domain.EngineConfig) error {
	const query = `
		INSERT INTO engine_configs (id, symbol, is_running, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			symbol     = EXCLUDED.symbol,
			is_running = EXCLUDED.is_running,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, cfg.ID, cfg.Symbol, cfg.IsRunning); err != nil {
		return fmt.Errorf("postgres: upsert engine config %s: %w", cfg.ID, err)
	}
	return nil
}

var _ domain.ControlStore = (*ControlStore)(nil)
