package event

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitialize
	EventTypeInitiateDeposit
	EventTypeValidateDeposit
	EventTypeInitiateWithdrawal
	EventTypeValidateWithdrawal
	EventTypeInitiateOpenPosition
	EventTypeValidateOpenPosition
	EventTypeInitiateClosePosition
	EventTypeValidateClosePosition
	EventTypeValidateActionable
	EventTypeRemoveStale
	EventTypeLiquidate
	EventTypePriceRound
	EventTypeRebalancerDeposit
	EventTypeRebalancerValidateDeposit
	EventTypeRebalancerResetDeposit
	EventTypeRebalancerWithdraw
	EventTypeRebalancerValidateWithdraw
	EventTypeRebalancerClose
)

var eventTypeNames = map[EventType]string{
	EventTypeInitialize:                 "Initialize",
	EventTypeInitiateDeposit:            "InitiateDeposit",
	EventTypeValidateDeposit:            "ValidateDeposit",
	EventTypeInitiateWithdrawal:         "InitiateWithdrawal",
	EventTypeValidateWithdrawal:         "ValidateWithdrawal",
	EventTypeInitiateOpenPosition:       "InitiateOpenPosition",
	EventTypeValidateOpenPosition:       "ValidateOpenPosition",
	EventTypeInitiateClosePosition:      "InitiateClosePosition",
	EventTypeValidateClosePosition:      "ValidateClosePosition",
	EventTypeValidateActionable:         "ValidateActionable",
	EventTypeRemoveStale:                "RemoveStale",
	EventTypeLiquidate:                  "Liquidate",
	EventTypePriceRound:                 "PriceRound",
	EventTypeRebalancerDeposit:          "RebalancerDeposit",
	EventTypeRebalancerValidateDeposit:  "RebalancerValidateDeposit",
	EventTypeRebalancerResetDeposit:     "RebalancerResetDeposit",
	EventTypeRebalancerWithdraw:         "RebalancerWithdraw",
	EventTypeRebalancerValidateWithdraw: "RebalancerValidateWithdraw",
	EventTypeRebalancerClose:            "RebalancerClose",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a name back to its type.
func ParseEventType(name string) (EventType, bool) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, true
		}
	}
	return EventTypeUnknown, false
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Stable idempotency key from upstream
	IdempotencyKey string `json:"idempotency_key"`

	EventType EventType `json:"event_type"`

	// Calling address, zero for price rounds
	Sender common.Address `json:"sender"`

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time `json:"timestamp"`

	// Upstream partition and sequence for ordering validation
	Partition      string `json:"partition"`
	SourceSequence int64  `json:"source_sequence"`

	// JSON-encoded command and outcome
	Payload []byte `json:"payload"`
	Outcome []byte `json:"outcome"`
	Status  string `json:"status"`

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte `json:"state_hash"`

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition names the upstream stream the sequence belongs to
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

// Call carries the fields shared by every user command.
type Call struct {
	CommandID uuid.UUID      `json:"command_id"`
	Sender    common.Address `json:"sender"`
	Value     sdkmath.Int    `json:"value"` // native currency attached
	GasPrice  sdkmath.Int    `json:"gas_price"`
	Timestamp int64          `json:"timestamp"` // unix seconds

	// Source and Sequence order commands of one upstream producer.
	Source   string `json:"source"`
	Sequence int64  `json:"sequence"`
}

func (c *Call) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Call) Partition() string {
	if c.Source == "" {
		return "global"
	}
	return "source:" + c.Source
}

func (c *Call) SourceSequence() int64 {
	return c.Sequence
}

// Header gives access to the shared fields of a command.
func (c *Call) Header() *Call {
	return c
}

// Caller is implemented by every command that embeds Call.
type Caller interface {
	Event
	Header() *Call
}
