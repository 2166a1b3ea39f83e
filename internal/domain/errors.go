package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrInvalidOrder          = errors.New("invalid order parameters")
	ErrMarketNotFound        = errors.New("market not found")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOrderNotFilled        = errors.New("order not filled")
	ErrPartialFill           = errors.New("order partially filled")
	ErrSigningFailed         = errors.New("signing failed")
	ErrSignTimeout           = errors.New("signing request timed out")
	ErrSignerStopped         = errors.New("signer stopped")
	ErrWSDisconnect          = errors.New("websocket disconnected")
	ErrLockHeld              = errors.New("lock already held")
	ErrEngineStopped         = errors.New("engine not running")
	ErrUnknownBalanceShape   = errors.New("unknown balance response shape")
)
