package event

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateActionable validates other validators' actionable pending
// actions. PriceData[i] prices the i-th action in queue order.
type ValidateActionable struct {
	Call
	MaxValidations int               `json:"max_validations"`
	PriceData      []json.RawMessage `json:"price_data,omitempty"`
}

func (e *ValidateActionable) EventType() EventType { return EventTypeValidateActionable }

// RemoveStale force-removes a pending action past its cooldown.
type RemoveStale struct {
	Call
	Validator common.Address `json:"validator"`
}

func (e *RemoveStale) EventType() EventType { return EventTypeRemoveStale }

type Liquidate struct {
	Call
	MaxIterations int             `json:"max_iterations"`
	PriceData     json.RawMessage `json:"price_data,omitempty"`
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }
