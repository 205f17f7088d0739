package event

import (
	"encoding/json"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// Initialize seeds the vault and opens the first long position.
type Initialize struct {
	Call
	DepositAmount   sdkmath.Int     `json:"deposit_amount"`
	LongAmount      sdkmath.Int     `json:"long_amount"`
	DesiredLiqPrice sdkmath.Int     `json:"desired_liq_price"`
	PriceData       json.RawMessage `json:"price_data,omitempty"`
}

func (e *Initialize) EventType() EventType { return EventTypeInitialize }

type InitiateDeposit struct {
	Call
	Amount    sdkmath.Int     `json:"amount"`
	To        common.Address  `json:"to"`
	Validator common.Address  `json:"validator"`
	Deadline  int64           `json:"deadline,omitempty"`
	PriceData json.RawMessage `json:"price_data,omitempty"`
}

func (e *InitiateDeposit) EventType() EventType { return EventTypeInitiateDeposit }

type ValidateDeposit struct {
	Call
	PriceData json.RawMessage `json:"price_data,omitempty"`
}

func (e *ValidateDeposit) EventType() EventType { return EventTypeValidateDeposit }

type InitiateWithdrawal struct {
	Call
	Shares    sdkmath.Int     `json:"shares"`
	To        common.Address  `json:"to"`
	Validator common.Address  `json:"validator"`
	Deadline  int64           `json:"deadline,omitempty"`
	PriceData json.RawMessage `json:"price_data,omitempty"`
}

func (e *InitiateWithdrawal) EventType() EventType { return EventTypeInitiateWithdrawal }

type ValidateWithdrawal struct {
	Call
	PriceData json.RawMessage `json:"price_data,omitempty"`
}

func (e *ValidateWithdrawal) EventType() EventType { return EventTypeValidateWithdrawal }
