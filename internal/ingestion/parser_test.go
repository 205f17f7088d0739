package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	tu "PerpVault/internal/testutil"
)

const commandID = "550e8400-e29b-41d4-a716-446655440000"

func header(extra map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{
		"command_id": commandID,
		"sender":     tu.Alice.Hex(),
		"value":      "10000000000000000",
		"gas_price":  "1000000000",
		"timestamp":  tu.StartTime,
		"source":     "web",
		"sequence":   1,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseCommand_InitiateDeposit(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{
		"amount":     "200000000000000000",
		"to":         tu.Bob.Hex(),
		"validator":  tu.Alice.Hex(),
		"deadline":   tu.StartTime + 60,
		"price_data": json.RawMessage(tu.Price(tu.InitialPrice, tu.StartTime)),
	}))

	evt, err := ingestion.ParseRawEvent(raw("vault.commands.InitiateDeposit", data))
	require.NoError(t, err)

	dep, ok := evt.(*event.InitiateDeposit)
	require.True(t, ok, "%T", evt)
	assert.Equal(t, commandID, dep.IdempotencyKey())
	assert.Equal(t, tu.Alice, dep.Sender)
	assert.Equal(t, tu.Bob, dep.To)
	assert.True(t, tu.Milli(200).Equal(dep.Amount))
	assert.Equal(t, "source:web", dep.Partition())
	assert.Equal(t, int64(1), dep.SourceSequence())
	assert.JSONEq(t, string(tu.Price(tu.InitialPrice, tu.StartTime)), string(dep.PriceData))
}

func TestParseCommand_OptionalAmountsDefaultToZero(t *testing.T) {
	body := header(map[string]interface{}{
		"amount":            "1000000000000000000",
		"desired_liq_price": "1500000000000000000000",
		"to":                tu.Alice.Hex(),
		"validator":         tu.Alice.Hex(),
	})
	delete(body, "value")
	delete(body, "gas_price")

	evt, err := ingestion.ParseCommand("InitiateOpenPosition", mustJSON(t, body))
	require.NoError(t, err)
	open := evt.(*event.InitiateOpenPosition)
	assert.True(t, open.Value.IsZero())
	assert.True(t, open.GasPrice.IsZero())
	assert.True(t, open.UserMaxPrice.IsZero())
	assert.True(t, open.UserMaxLeverage.IsZero())
}

func TestParseCommand_ClosePositionRef(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{
		"position":       map[string]interface{}{"tick": -6900, "tick_version": 2, "index": 3},
		"amount":         "1",
		"user_min_price": "0",
		"to":             tu.Alice.Hex(),
		"validator":      tu.Alice.Hex(),
	}))
	evt, err := ingestion.ParseCommand("InitiateClosePosition", data)
	require.NoError(t, err)
	pos := evt.(*event.InitiateClosePosition).Position
	assert.Equal(t, event.PositionRef{Tick: -6900, TickVersion: 2, Index: 3}, pos)
}

func TestParseCommand_Rejects(t *testing.T) {
	valid := func() map[string]interface{} {
		return header(map[string]interface{}{
			"amount":    "5",
			"to":        tu.Alice.Hex(),
			"validator": tu.Alice.Hex(),
		})
	}
	cases := map[string]func(m map[string]interface{}){
		"bad command id":  func(m map[string]interface{}) { m["command_id"] = "nope" },
		"no command id":   func(m map[string]interface{}) { delete(m, "command_id") },
		"no sender":       func(m map[string]interface{}) { delete(m, "sender") },
		"bad sender":      func(m map[string]interface{}) { m["sender"] = "0x12" },
		"no timestamp":    func(m map[string]interface{}) { delete(m, "timestamp") },
		"zero amount":     func(m map[string]interface{}) { m["amount"] = "0" },
		"negative amount": func(m map[string]interface{}) { m["amount"] = "-5" },
		"decimal amount":  func(m map[string]interface{}) { m["amount"] = "1.5" },
		"negative value":  func(m map[string]interface{}) { m["value"] = "-1" },
		"no recipient":    func(m map[string]interface{}) { delete(m, "to") },
		"no validator":    func(m map[string]interface{}) { delete(m, "validator") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := valid()
			mutate(m)
			_, err := ingestion.ParseCommand("InitiateDeposit", mustJSON(t, m))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ingestion.ErrInvalidCommand), err.Error())
		})
	}
}

func TestParseCommand_UnknownType(t *testing.T) {
	_, err := ingestion.ParseCommand("Mint", []byte(`{}`))
	assert.True(t, errors.Is(err, ingestion.ErrUnknownCommand))

	_, err = ingestion.ParseCommand("PriceRound", []byte(`{}`))
	assert.True(t, errors.Is(err, ingestion.ErrUnknownCommand), "price rounds have their own subject")

	_, err = ingestion.ParseRawEvent(raw("vault.other.InitiateDeposit", []byte(`{}`)))
	assert.True(t, errors.Is(err, ingestion.ErrUnknownCommand))
}

func TestParsePriceRound(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"feed":      "ETH/USD",
		"round_id":  42,
		"price":     tu.InitialPrice.String(),
		"timestamp": tu.StartTime,
	})
	evt, err := ingestion.ParseRawEvent(raw("vault.prices.ETH-USD", data))
	require.NoError(t, err)

	round, ok := evt.(*event.PriceRound)
	require.True(t, ok, "%T", evt)
	assert.Equal(t, "ETH/USD:round:42", round.IdempotencyKey())
	assert.Equal(t, "price:ETH/USD", round.Partition())
	assert.True(t, tu.InitialPrice.Equal(round.Price))
	assert.True(t, round.Confidence.IsZero())

	for name, body := range map[string]map[string]interface{}{
		"no feed":    {"round_id": 1, "price": "1", "timestamp": 1},
		"zero round": {"feed": "ETH/USD", "round_id": 0, "price": "1", "timestamp": 1},
		"zero price": {"feed": "ETH/USD", "round_id": 1, "price": "0", "timestamp": 1},
		"no time":    {"feed": "ETH/USD", "round_id": 1, "price": "1"},
	} {
		_, err := ingestion.ParsePriceRound(mustJSON(t, body))
		assert.Error(t, err, name)
	}
}

func TestParseTypedCommand(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{
		"type":      "RemoveStale",
		"validator": tu.Bob.Hex(),
	}))
	evt, err := ingestion.ParseTypedCommand(data)
	require.NoError(t, err)
	assert.Equal(t, tu.Bob, evt.(*event.RemoveStale).Validator)

	_, err = ingestion.ParseTypedCommand([]byte(`{"sender":"0x00"}`))
	assert.True(t, errors.Is(err, ingestion.ErrInvalidCommand))
}
