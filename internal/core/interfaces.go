package core

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
)

// Reverter is implemented by collaborators whose effects must roll back with
// a failed call.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

type snapshotReleaser interface {
	ReleaseSnapshots()
}

type contextSetter interface {
	SetContext(ref string, timestamp int64)
}

type batchSource interface {
	DrainBatches() []*ledger.Batch
}

// OracleAction tells the oracle which side of an action a price is for, so
// it can apply the protocol-favourable confidence adjustment.
type OracleAction uint8

const (
	OracleNone OracleAction = iota
	OracleInitialize
	OracleInitiate
	OracleValidateDeposit
	OracleValidateWithdrawal
	OracleValidateOpen
	OracleValidateClose
	OracleLiquidation
)

func (a OracleAction) String() string {
	switch a {
	case OracleInitialize:
		return "initialize"
	case OracleInitiate:
		return "initiate"
	case OracleValidateDeposit:
		return "validate_deposit"
	case OracleValidateWithdrawal:
		return "validate_withdrawal"
	case OracleValidateOpen:
		return "validate_open"
	case OracleValidateClose:
		return "validate_close"
	case OracleLiquidation:
		return "liquidation"
	default:
		return "none"
	}
}

// PriceInfo is a validated oracle price. Price carries the confidence
// adjustment; NeutralPrice does not.
type PriceInfo struct {
	Price        sdkmath.Int
	NeutralPrice sdkmath.Int
	Timestamp    int64
}

// PriceOracle parses and validates price payloads. An empty payload selects
// the settled feed; a non-empty one is a low-latency update.
type PriceOracle interface {
	ValidationCost(payload []byte, action OracleAction) sdkmath.Int
	ParseAndValidatePrice(payload []byte, targetTimestamp, now int64, action OracleAction) (PriceInfo, error)
}

type AssetToken interface {
	BalanceOf(owner common.Address) sdkmath.Int
	Transfer(from, to common.Address, amount sdkmath.Int) error
	TransferFrom(spender, owner, to common.Address, amount sdkmath.Int) error
}

type NativeBank interface {
	BalanceOf(owner common.Address) sdkmath.Int
	Transfer(from, to common.Address, amount sdkmath.Int) error
	PayFee(payer common.Address, amount sdkmath.Int) error
}

type ShareToken interface {
	TotalShares() sdkmath.Int
	TotalSupply() sdkmath.Int
	SharesOf(owner common.Address) sdkmath.Int
	Divisor() sdkmath.Int
	MinDivisor() sdkmath.Int
	MintShares(to common.Address, shares sdkmath.Int) error
	BurnShares(from common.Address, shares sdkmath.Int) error
	TransferShares(from, to common.Address, shares sdkmath.Int) error
	Rebase(newDivisor sdkmath.Int) (bool, error)
}

// RewardInput describes a liquidation for the reward computation.
type RewardInput struct {
	Ticks               []state.TickLiquidation
	CurrentPrice        sdkmath.Int
	Rebased             bool
	RebalancerTriggered bool
	GasPrice            sdkmath.Int
}

type LiquidationRewards interface {
	ComputeReward(in RewardInput) sdkmath.Int
}

// Rebalancer is the pooling module the core manages a position for.
type Rebalancer interface {
	Address() common.Address
	CurrentStateData() (pendingAssets, maxLeverage sdkmath.Int, position state.PositionID)
	UpdatePosition(newPosition state.PositionID, previousValue sdkmath.Int) error
	// PositionLiquidated is called when a liquidation consumed the current
	// position and no refresh followed in the same call.
	PositionLiquidated(id state.PositionID)
}
