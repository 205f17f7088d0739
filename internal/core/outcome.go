package core

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpVault/internal/state"
)

// CallContext is the caller, attached native value and time of a call.
type CallContext struct {
	Sender    common.Address
	Value     sdkmath.Int // native currency attached to the call
	Timestamp int64       // unix seconds
	GasPrice  sdkmath.Int
	Ref       string // command id, tags journal entries
}

// OutcomeStatus distinguishes normal processing from the alternate outcomes.
type OutcomeStatus int32

const (
	StatusProcessed                  OutcomeStatus = iota
	StatusLiquidatedBeforeValidation
	StatusLiquidationPending
	StatusForceRemoved
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusLiquidatedBeforeValidation:
		return "liquidated_before_validation"
	case StatusLiquidationPending:
		return "liquidation_pending"
	case StatusForceRemoved:
		return "force_removed"
	default:
		return "unknown"
	}
}

// LiquidationSummary reports the liquidations performed during a call.
type LiquidationSummary struct {
	Ticks               int                `json:"ticks"`
	Positions           int                `json:"positions"`
	RemainingCollateral sdkmath.Int        `json:"remaining_collateral"`
	Reward              sdkmath.Int        `json:"reward"`
	Rebased             bool               `json:"rebased"`
	RebalancerTriggered bool               `json:"rebalancer_triggered"`
	Liquidated          []state.PositionID `json:"liquidated,omitempty"`
}

// ActionOutcome is the result of every mutating call.
type ActionOutcome struct {
	Status     OutcomeStatus        `json:"status"`
	Kind       state.ActionKind     `json:"kind"`
	Action     *state.PendingAction `json:"action,omitempty"`
	PositionID state.PositionID     `json:"position_id"`
	Price      sdkmath.Int          `json:"price"`

	// Amount is the shares minted, assets paid out or collateral involved,
	// depending on the call.
	Amount     sdkmath.Int `json:"amount"`
	SdexToBurn sdkmath.Int `json:"sdex_to_burn"`
	Validated  int         `json:"validated"`

	SecurityDepositPaid sdkmath.Int        `json:"security_deposit_paid"`
	Liquidation         LiquidationSummary `json:"liquidation"`
}

// NewOutcome returns a processed outcome with every amount set to zero.
func NewOutcome(kind state.ActionKind) *ActionOutcome {
	return &ActionOutcome{
		Status:              StatusProcessed,
		Kind:                kind,
		PositionID:          state.NoPositionID,
		Price:               sdkmath.ZeroInt(),
		Amount:              sdkmath.ZeroInt(),
		SdexToBurn:          sdkmath.ZeroInt(),
		SecurityDepositPaid: sdkmath.ZeroInt(),
		Liquidation: LiquidationSummary{
			RemainingCollateral: sdkmath.ZeroInt(),
			Reward:              sdkmath.ZeroInt(),
		},
	}
}
