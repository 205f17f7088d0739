package event

import (
	"encoding/json"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// RebalancerDeposit starts a deposit of assets into the rebalancer for To.
type RebalancerDeposit struct {
	Call
	Amount sdkmath.Int    `json:"amount"`
	To     common.Address `json:"to"`
}

func (e *RebalancerDeposit) EventType() EventType { return EventTypeRebalancerDeposit }

type RebalancerValidateDeposit struct {
	Call
}

func (e *RebalancerValidateDeposit) EventType() EventType { return EventTypeRebalancerValidateDeposit }

// RebalancerResetDeposit refunds a deposit whose validation window passed.
type RebalancerResetDeposit struct {
	Call
}

func (e *RebalancerResetDeposit) EventType() EventType { return EventTypeRebalancerResetDeposit }

type RebalancerWithdraw struct {
	Call
}

func (e *RebalancerWithdraw) EventType() EventType { return EventTypeRebalancerWithdraw }

type RebalancerValidateWithdraw struct {
	Call
	Amount sdkmath.Int    `json:"amount"`
	To     common.Address `json:"to"`
}

func (e *RebalancerValidateWithdraw) EventType() EventType {
	return EventTypeRebalancerValidateWithdraw
}

// RebalancerClose closes part of the caller's share of the rebalancer
// position through the protocol's two-phase close.
type RebalancerClose struct {
	Call
	Amount       sdkmath.Int     `json:"amount"`
	UserMinPrice sdkmath.Int     `json:"user_min_price"`
	To           common.Address  `json:"to"`
	Validator    common.Address  `json:"validator"`
	Deadline     int64           `json:"deadline,omitempty"`
	PriceData    json.RawMessage `json:"price_data,omitempty"`
}

func (e *RebalancerClose) EventType() EventType { return EventTypeRebalancerClose }
