// Package memory implements the domain store interfaces in process memory.
// It backs paper trading and tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// Store holds every table behind a single mutex.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	rounds   map[string]domain.Round
	configs  map[string]domain.EngineConfig
	controls map[string]domain.ControlState
	logs     []domain.SignalLog
	ops      map[string]domain.LiquidityOp
	balances map[string]domain.Balance
	nextLog  int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:      time.Now,
		rounds:   make(map[string]domain.Round),
		configs:  make(map[string]domain.EngineConfig),
		controls: make(map[string]domain.ControlState),
		ops:      make(map[string]domain.LiquidityOp),
		balances: make(map[string]domain.Balance),
	}
}

// Rounds returns the round store view.
func (s *Store) Rounds() *RoundStore { return &RoundStore{s} }

// Control returns the control store view.
func (s *Store) Control() *ControlStore { return &ControlStore{s} }

// SignalLogs returns the signal log store view.
func (s *Store) SignalLogs() *SignalLogStore { return &SignalLogStore{s} }

// LiquidityOps returns the liquidity op store view.
func (s *Store) LiquidityOps() *LiquidityOpStore { return &LiquidityOpStore{s} }

// Balances returns the balance store view.
func (s *Store) Balances() *BalanceStore { return &BalanceStore{s} }

// RoundStore implements domain.RoundStore.
type RoundStore struct{ s *Store }

func (r *RoundStore) OpenRound(_ context.Context, round domain.Round) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.rounds[round.ID]; ok {
		return fmt.Errorf("memory: open round %s: %w", round.ID, domain.ErrAlreadyExists)
	}
	for _, existing := range r.s.rounds {
		if existing.ConfigID == round.ConfigID && existing.Status == domain.RoundOpen {
			return fmt.Errorf("memory: config %s already has open round %s: %w",
				round.ConfigID, existing.ID, domain.ErrAlreadyExists)
		}
	}
	now := r.s.now().UTC()
	round.Status = domain.RoundOpen
	round.CreatedAt = now
	round.UpdatedAt = now
	r.s.rounds[round.ID] = round
	return nil
}

func (r *RoundStore) AveragePosition(_ context.Context, id string, buyPrice, buyAmount float64, dcaCount int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	round, ok := r.s.rounds[id]
	if !ok || round.Status != domain.RoundOpen {
		return domain.ErrNotFound
	}
	round.BuyPrice = buyPrice
	round.BuyAmount = buyAmount
	round.DCACount = dcaCount
	round.UpdatedAt = r.s.now().UTC()
	r.s.rounds[id] = round
	return nil
}

func (r *RoundStore) CloseRound(_ context.Context, id string, c domain.RoundClose) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	round, ok := r.s.rounds[id]
	if !ok || round.Status != domain.RoundOpen {
		return domain.ErrNotFound
	}
	sellPrice, sellTime, pnl := c.SellPrice, c.SellTime, c.FinalPnL
	round.Status = c.Status
	round.SellReason = c.Reason
	round.SellPrice = &sellPrice
	round.SellTime = &sellTime
	round.FinalPnL = &pnl
	round.UpdatedAt = r.s.now().UTC()
	r.s.rounds[id] = round
	return nil
}

func (r *RoundStore) GetOpenRound(_ context.Context, configID string) (domain.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, round := range r.s.rounds {
		if round.ConfigID == configID && round.Status == domain.RoundOpen {
			return round, nil
		}
	}
	return domain.Round{}, domain.ErrNotFound
}

func (r *RoundStore) GetRound(_ context.Context, id string) (domain.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	round, ok := r.s.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return round, nil
}

func (r *RoundStore) ListClosedBetween(_ context.Context, from, to time.Time, limit int) ([]domain.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.Round
	for _, round := range r.s.rounds {
		if round.Status == domain.RoundOpen || round.SellTime == nil {
			continue
		}
		if !round.SellTime.Before(from) && round.SellTime.Before(to) {
			out = append(out, round)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SellTime.Before(*out[j].SellTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a round. It simulates an operator wiping a row.
func (r *RoundStore) Delete(id string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.rounds, id)
}

// ControlStore implements domain.ControlStore.
type ControlStore struct{ s *Store }

func (c *ControlStore) GetState(_ context.Context, configID string) (domain.ControlState, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	st, ok := c.s.controls[configID]
	if !ok {
		return domain.ControlState{}, domain.ErrNotFound
	}
	return st, nil
}

func (c *ControlStore) UpdateState(_ context.Context, st domain.ControlState) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	now := c.s.now().UTC()
	if st.PendingCommand != domain.CommandNone && st.IssuedAt == nil {
		st.IssuedAt = &now
	}
	st.UpdatedAt = now
	c.s.controls[st.ConfigID] = st
	return nil
}

func (c *ControlStore) AckCommand(_ context.Context, configID string, cmd domain.Command) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	st, ok := c.s.controls[configID]
	if !ok || st.PendingCommand != cmd {
		return domain.ErrNotFound
	}
	now := c.s.now().UTC()
	st.PendingCommand = domain.CommandNone
	st.AckedAt = &now
	st.UpdatedAt = now
	c.s.controls[configID] = st
	return nil
}

func (c *ControlStore) GetConfig(_ context.Context, configID string) (domain.EngineConfig, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cfg, ok := c.s.configs[configID]
	if !ok {
		return domain.EngineConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (c *ControlStore) UpsertConfig(_ context.Context, cfg domain.EngineConfig) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cfg.UpdatedAt = c.s.now().UTC()
	c.s.configs[cfg.ID] = cfg
	return nil
}

// SignalLogStore implements domain.SignalLogStore.
type SignalLogStore struct{ s *Store }

func (l *SignalLogStore) Append(_ context.Context, entry domain.SignalLog) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	l.s.nextLog++
	entry.ID = l.s.nextLog
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.s.now().UTC()
	}
	l.s.logs = append(l.s.logs, entry)
	return nil
}

func (l *SignalLogStore) ListBetween(_ context.Context, from, to time.Time, limit int) ([]domain.SignalLog, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var out []domain.SignalLog
	for _, entry := range l.s.logs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every appended log entry in append order.
func (l *SignalLogStore) All() []domain.SignalLog {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return append([]domain.SignalLog(nil), l.s.logs...)
}

// LiquidityOpStore implements domain.LiquidityOpStore.
type LiquidityOpStore struct{ s *Store }

func (o *LiquidityOpStore) CreateOp(_ context.Context, op domain.LiquidityOp) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	if _, ok := o.s.ops[op.ID]; ok {
		return fmt.Errorf("memory: create op %s: %w", op.ID, domain.ErrAlreadyExists)
	}
	now := o.s.now().UTC()
	if op.Status == "" {
		op.Status = domain.OpPending
	}
	op.CreatedAt = now
	op.UpdatedAt = now
	o.s.ops[op.ID] = op
	return nil
}

func (o *LiquidityOpStore) GetOp(_ context.Context, id string) (domain.LiquidityOp, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	op, ok := o.s.ops[id]
	if !ok {
		return domain.LiquidityOp{}, domain.ErrNotFound
	}
	op.Logs = append([]string(nil), op.Logs...)
	return op, nil
}

func (o *LiquidityOpStore) GetPendingOps(_ context.Context, limit int) ([]domain.LiquidityOp, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	var out []domain.LiquidityOp
	for _, op := range o.s.ops {
		if op.Status == domain.OpPending {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *LiquidityOpStore) UpdateOpStatus(_ context.Context, id string, from, to domain.OpStatus, patch domain.OpPatch) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("memory: op %s %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}

	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	op, ok := o.s.ops[id]
	if !ok || op.Status != from {
		return domain.ErrNotFound
	}
	op.Status = to
	if patch.SpotOrderID != "" {
		op.SpotOrderID = patch.SpotOrderID
	}
	if patch.PerpOrderID != "" {
		op.PerpOrderID = patch.PerpOrderID
	}
	if patch.Error != "" {
		op.Error = patch.Error
	}
	if patch.ManualIntervention {
		op.ManualIntervention = true
	}
	op.UpdatedAt = o.s.now().UTC()
	o.s.ops[id] = op
	return nil
}

func (o *LiquidityOpStore) AppendOpLog(_ context.Context, id, line string) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	op, ok := o.s.ops[id]
	if !ok {
		return domain.ErrNotFound
	}
	op.Logs = append(op.Logs, line)
	o.s.ops[id] = op
	return nil
}

// BalanceStore implements domain.BalanceStore.
type BalanceStore struct{ s *Store }

func balanceKey(account string, kind domain.BalanceKind, asset string) string {
	return account + "|" + string(kind) + "|" + asset
}

func (b *BalanceStore) UpdateBalance(_ context.Context, bal domain.Balance) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	if bal.UpdatedAt.IsZero() {
		bal.UpdatedAt = b.s.now().UTC()
	}
	b.s.balances[balanceKey(bal.Account, bal.Kind, bal.Asset)] = bal
	return nil
}

func (b *BalanceStore) GetBalance(_ context.Context, account string, kind domain.BalanceKind, asset string) (domain.Balance, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	bal, ok := b.s.balances[balanceKey(account, kind, asset)]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return bal, nil
}

var (
	_ domain.RoundStore       = (*RoundStore)(nil)
	_ domain.ControlStore     = (*ControlStore)(nil)
	_ domain.SignalLogStore   = (*SignalLogStore)(nil)
	_ domain.LiquidityOpStore = (*LiquidityOpStore)(nil)
	_ domain.BalanceStore     = (*BalanceStore)(nil)
)
