package rebalancer

import (
	"cosmossdk.io/errors"
)

const Codespace = "perpvault-rebalancer"

var (
	ErrInvalidParams      = errors.Register(Codespace, 2, "invalid rebalancer parameters")
	ErrAmountTooSmall     = errors.Register(Codespace, 3, "amount below the minimum deposit")
	ErrAmountTooLarge     = errors.Register(Codespace, 4, "amount exceeds the deposit")
	ErrDepositExists      = errors.Register(Codespace, 5, "user already has a deposit")
	ErrNoDeposit          = errors.Register(Codespace, 6, "user has no deposit")
	ErrNoPendingDeposit   = errors.Register(Codespace, 7, "no pending deposit to validate")
	ErrNoPendingWithdraw  = errors.Register(Codespace, 8, "no pending withdrawal to validate")
	ErrTooEarly           = errors.Register(Codespace, 9, "validation delay has not elapsed")
	ErrTooLate            = errors.Register(Codespace, 10, "validation deadline has passed")
	ErrIncludedInPosition = errors.Register(Codespace, 11, "deposit is already part of the position")
	ErrNotInPosition      = errors.Register(Codespace, 12, "deposit is not part of the position")
	ErrCloseLocked        = errors.Register(Codespace, 13, "position was updated too recently to close")
	ErrNoPosition         = errors.Register(Codespace, 14, "rebalancer has no position")
)
