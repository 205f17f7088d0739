package state

import (
	"cosmossdk.io/errors"
)

const ModuleName = "perpvault-state"

// ledger, risk and queue errors
var (
	ErrInvalidTick             = errors.Register(ModuleName, 2, "tick is not a usable multiple of the tick spacing")
	ErrOutdatedTick            = errors.Register(ModuleName, 3, "tick version changed since the position was opened")
	ErrPositionNotFound        = errors.Register(ModuleName, 4, "position not found")
	ErrAccumulatorUnderflow    = errors.Register(ModuleName, 5, "liquidation multiplier accumulator underflow")
	ErrDegenerateMultiplier    = errors.Register(ModuleName, 6, "liquidation multiplier is undefined for the current exposure")
	ErrImbalanceLimitReached   = errors.Register(ModuleName, 7, "imbalance limit reached")
	ErrInvalidParams           = errors.Register(ModuleName, 8, "invalid protocol parameters")
	ErrPendingActionNotFound   = errors.Register(ModuleName, 9, "no pending action")
	ErrPendingActionExists     = errors.Register(ModuleName, 10, "validator already has a pending action")
	ErrInvalidStateTransition  = errors.Register(ModuleName, 11, "invalid pending action state transition")
	ErrInvalidAmount           = errors.Register(ModuleName, 12, "invalid amount")
	ErrInvalidPrice            = errors.Register(ModuleName, 13, "invalid price")
	ErrTimestampTooOld         = errors.Register(ModuleName, 14, "timestamp older than last update")
	ErrInsufficientLongBalance = errors.Register(ModuleName, 15, "long balance cannot cover the amount")
)
