package event

import (
	"encoding/json"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

type InitiateOpenPosition struct {
	Call
	Amount          sdkmath.Int     `json:"amount"`
	DesiredLiqPrice sdkmath.Int     `json:"desired_liq_price"`
	UserMaxPrice    sdkmath.Int     `json:"user_max_price"`
	UserMaxLeverage sdkmath.Int     `json:"user_max_leverage"`
	To              common.Address  `json:"to"`
	Validator       common.Address  `json:"validator"`
	Deadline        int64           `json:"deadline,omitempty"`
	PriceData       json.RawMessage `json:"price_data,omitempty"`
}

func (e *InitiateOpenPosition) EventType() EventType { return EventTypeInitiateOpenPosition }

type ValidateOpenPosition struct {
	Call
	PriceData json.RawMessage `json:"price_data,omitempty"`
}

func (e *ValidateOpenPosition) EventType() EventType { return EventTypeValidateOpenPosition }

// PositionRef locates a position by tick, tick version and index.
type PositionRef struct {
	Tick        int32  `json:"tick"`
	TickVersion uint64 `json:"tick_version"`
	Index       int    `json:"index"`
}

type InitiateClosePosition struct {
	Call
	Position     PositionRef     `json:"position"`
	Amount       sdkmath.Int     `json:"amount"`
	UserMinPrice sdkmath.Int     `json:"user_min_price"`
	To           common.Address  `json:"to"`
	Validator    common.Address  `json:"validator"`
	Deadline     int64           `json:"deadline,omitempty"`
	PriceData    json.RawMessage `json:"price_data,omitempty"`
}

func (e *InitiateClosePosition) EventType() EventType { return EventTypeInitiateClosePosition }

type ValidateClosePosition struct {
	Call
	PriceData json.RawMessage `json:"price_data,omitempty"`
}

func (e *ValidateClosePosition) EventType() EventType { return EventTypeValidateClosePosition }
