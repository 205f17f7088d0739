package state

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ActionKind is the kind of a two-phase action.
type ActionKind int32

const (
	ActionNone ActionKind = iota
	ActionDeposit
	ActionWithdrawal
	ActionOpenPosition
	ActionClosePosition
)

func (k ActionKind) String() string {
	switch k {
	case ActionDeposit:
		return "Deposit"
	case ActionWithdrawal:
		return "Withdrawal"
	case ActionOpenPosition:
		return "OpenPosition"
	case ActionClosePosition:
		return "ClosePosition"
	default:
		return "None"
	}
}

// ActionState tracks a pending action's lifecycle:
// Initiated → Actionable → Validated | LiquidatedBeforeValidation | ForceRemoved.
type ActionState int32

const (
	ActionStateInitiated ActionState = iota
	ActionStateActionable
	ActionStateValidated
	ActionStateLiquidated // position liquidated before validation
	ActionStateForceRemoved
)

func (as ActionState) String() string {
	switch as {
	case ActionStateInitiated:
		return "Initiated"
	case ActionStateActionable:
		return "Actionable"
	case ActionStateValidated:
		return "Validated"
	case ActionStateLiquidated:
		return "Liquidated"
	case ActionStateForceRemoved:
		return "ForceRemoved"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates action state transitions.
func (as ActionState) CanTransitionTo(next ActionState) bool {
	transitions := map[ActionState][]ActionState{
		ActionStateInitiated: {
			ActionStateActionable,
			ActionStateValidated, // validator acting once the delay elapsed
			ActionStateLiquidated,
		},
		ActionStateActionable: {
			ActionStateValidated,
			ActionStateLiquidated,
			ActionStateForceRemoved,
		},
		ActionStateValidated:    {},
		ActionStateLiquidated:   {},
		ActionStateForceRemoved: {},
	}

	allowed, ok := transitions[as]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

func (as ActionState) IsTerminal() bool {
	return as == ActionStateValidated || as == ActionStateLiquidated || as == ActionStateForceRemoved
}

// VaultPayload is the snapshot taken when a deposit or withdrawal is initiated.
type VaultPayload struct {
	Amount          sdkmath.Int `json:"amount"` // assets for deposits, shares for withdrawals
	AssetPrice      sdkmath.Int `json:"asset_price"`
	TotalExpo       sdkmath.Int `json:"total_expo"`
	BalanceVault    sdkmath.Int `json:"balance_vault"`
	BalanceLong     sdkmath.Int `json:"balance_long"`
	UsdnTotalShares sdkmath.Int `json:"usdn_total_shares"`
	FeeBps          int64       `json:"fee_bps"`
	PendingVault    sdkmath.Int `json:"pending_vault"` // contribution to PendingBalanceVault
}

// LongPayload is the snapshot taken when an open or close is initiated.
type LongPayload struct {
	Position   PositionID  `json:"position"`
	Amount     sdkmath.Int `json:"amount"` // collateral opened or closed
	StartPrice sdkmath.Int `json:"start_price"`

	// close only
	CloseTotalExpo      sdkmath.Int `json:"close_total_expo,omitempty"`
	CloseValue          sdkmath.Int `json:"close_value,omitempty"`
	CloseLiqPrice       sdkmath.Int `json:"close_liq_price,omitempty"`       // price without penalty
	CloseTriggerPrice   sdkmath.Int `json:"close_trigger_price,omitempty"`   // liquidation price of the tick
	CloseEscrowReserved sdkmath.Int `json:"close_escrow_reserved,omitempty"` // amount held in PendingCloseEscrow
}

// PendingAction is the first half of a two-phase action. At most one exists
// per validator.
type PendingAction struct {
	ID              uuid.UUID      `json:"id"`
	Kind            ActionKind     `json:"kind"`
	State           ActionState    `json:"state"`
	Timestamp       int64          `json:"timestamp"`
	Initiator       common.Address `json:"initiator"`
	To              common.Address `json:"to"`
	Validator       common.Address `json:"validator"`
	SecurityDeposit sdkmath.Int    `json:"security_deposit"`
	RawIndex        uint64         `json:"raw_index"`

	Vault *VaultPayload `json:"vault,omitempty"`
	Long  *LongPayload  `json:"long,omitempty"`
}

// Transition moves the action to next or reports an invalid transition.
func (pa *PendingAction) Transition(next ActionState) error {
	if !pa.State.CanTransitionTo(next) {
		return ErrInvalidStateTransition.Wrapf("%s -> %s", pa.State, next)
	}
	pa.State = next
	return nil
}

// IsActionable reports whether third parties may validate the action.
func (pa *PendingAction) IsActionable(now, validationDelay int64) bool {
	return now >= pa.Timestamp+validationDelay
}

// IsStale reports whether the action may be force-removed.
func (pa *PendingAction) IsStale(now, cooldown int64) bool {
	return now >= pa.Timestamp+cooldown
}

func (pa *PendingAction) clone() *PendingAction {
	c := *pa
	if pa.Vault != nil {
		v := *pa.Vault
		c.Vault = &v
	}
	if pa.Long != nil {
		l := *pa.Long
		c.Long = &l
	}
	return &c
}
