package domain

import "time"

// OpStatus tracks a two-leg liquidity operation through its lifecycle.
type OpStatus string

const (
	OpPending            OpStatus = "PENDING"
	OpExecuting          OpStatus = "EXECUTING"
	OpCompleted          OpStatus = "COMPLETED"
	OpFailed             OpStatus = "FAILED"
	OpRollbackInProgress OpStatus = "ROLLBACK_IN_PROGRESS"
	OpRolledBack         OpStatus = "ROLLED_BACK"
)

// ManualInterventionMarker prefixes the error of an op whose rollback failed.
const ManualInterventionMarker = "MANUAL_INTERVENTION_REQUIRED"

// opTransitions is the forward-only status graph.
var opTransitions = map[OpStatus][]OpStatus{
	OpPending:            {OpExecuting},
	OpExecuting:          {OpCompleted, OpFailed, OpRollbackInProgress},
	OpRollbackInProgress: {OpRolledBack, OpFailed},
}

// CanTransition reports whether moving from s to next is allowed.
func (s OpStatus) CanTransition(next OpStatus) bool {
	for _, allowed := range opTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s OpStatus) IsTerminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpRolledBack
}

// LiquidityOp is a spot-buy plus perp-sell pair executed as one unit.
type LiquidityOp struct {
	ID                 string
	Symbol             string
	SpotAmountUSD      float64
	PerpAmountUSD      float64
	Status             OpStatus
	Logs               []string
	SpotOrderID        string
	PerpOrderID        string
	Error              string
	ManualIntervention bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OpPatch carries the fields written alongside a status transition. Empty
// strings leave the stored value unchanged.
type OpPatch struct {
	SpotOrderID        string
	PerpOrderID        string
	Error              string
	ManualIntervention bool
}

// BalanceKind identifies which account a balance was read from.
type BalanceKind string

const (
	BalanceSpot    BalanceKind = "spot"
	BalancePerp    BalanceKind = "perp"
	BalanceUnknown BalanceKind = "unknown"
)

// Balance is one asset balance of an exchange account.
type Balance struct {
	Account   string
	Kind      BalanceKind
	Asset     string
	Amount    float64
	Shape     string
	UpdatedAt time.Time
}
