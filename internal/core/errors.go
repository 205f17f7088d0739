package core

import (
	"cosmossdk.io/errors"
)

const Codespace = "perpvault"

// input validation
var (
	ErrZeroAmount       = errors.Register(Codespace, 2, "amount must be greater than zero")
	ErrInvalidAddress   = errors.Register(Codespace, 3, "invalid address")
	ErrDeadlineExceeded = errors.Register(Codespace, 4, "deadline exceeded")
	ErrSlippageExceeded = errors.Register(Codespace, 5, "price slippage bound exceeded")
	ErrTimestampInPast  = errors.Register(Codespace, 6, "call timestamp is older than the previous call")
)

// state conflicts
var (
	ErrNoPendingAction      = errors.Register(Codespace, 10, "no pending action for validator")
	ErrWrongActionKind      = errors.Register(Codespace, 11, "pending action has a different kind")
	ErrActionNotStale       = errors.Register(Codespace, 12, "pending action has not reached the cooldown")
	ErrValidationTooEarly   = errors.Register(Codespace, 13, "validation delay has not elapsed")
	ErrNotInitialized       = errors.Register(Codespace, 14, "protocol is not initialized")
	ErrAlreadyInitialized   = errors.Register(Codespace, 15, "protocol is already initialized")
	ErrUnauthorized         = errors.Register(Codespace, 16, "caller does not own the position")
	ErrPositionNotValidated = errors.Register(Codespace, 17, "position is not validated")
)

// domain and risk
var (
	ErrLeverageOutOfBounds = errors.Register(Codespace, 20, "leverage outside configured bounds")
	ErrSafetyMargin        = errors.Register(Codespace, 21, "liquidation price violates the safety margin")
	ErrPositionTooSmall    = errors.Register(Codespace, 22, "position below the minimum size")
	ErrInvalidLiqPrice     = errors.Register(Codespace, 23, "liquidation price must be below the entry price")
	ErrInsufficientShares  = errors.Register(Codespace, 24, "insufficient share balance")
	ErrEmptyVault          = errors.Register(Codespace, 25, "vault holds no assets")
	ErrAmountTooLarge      = errors.Register(Codespace, 26, "amount exceeds the position")
)

// oracle and fees
var (
	ErrPriceOutOfRange = errors.Register(Codespace, 30, "oracle price out of range")
	ErrPriceTooOld     = errors.Register(Codespace, 31, "oracle price too old")
	ErrPriceTooRecent  = errors.Register(Codespace, 32, "oracle price too recent")
	ErrInsufficientFee = errors.Register(Codespace, 33, "insufficient native value for fees and deposit")
	ErrSecurityDeposit = errors.Register(Codespace, 34, "attached value does not cover the security deposit")
)

// ingestion and ordering
var (
	ErrSequenceGap    = errors.Register(Codespace, 40, "source sequence gap")
	ErrOutOfOrder     = errors.Register(Codespace, 41, "out-of-order command")
	ErrUnknownCommand = errors.Register(Codespace, 42, "no handler for command")
)
