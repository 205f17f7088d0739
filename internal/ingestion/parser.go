package ingestion

import (
	"encoding/json"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"PerpVault/internal/event"
)

const (
	CommandSubjectPrefix = "vault.commands."
	PriceSubjectPrefix   = "vault.prices."
)

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrInvalidCommand = errors.New("invalid command")
)

// ParseRawEvent converts a message received from NATS into a typed command.
// The command type is the subject token after vault.commands; anything on
// vault.prices is a settled price round.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	switch {
	case strings.HasPrefix(raw.Subject, PriceSubjectPrefix):
		return ParsePriceRound(raw.Data)
	case strings.HasPrefix(raw.Subject, CommandSubjectPrefix):
		name := strings.TrimPrefix(raw.Subject, CommandSubjectPrefix)
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[:i]
		}
		return ParseCommand(name, raw.Data)
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "subject %s", raw.Subject)
	}
}

// ParseTypedCommand parses a body that names its own type, as submitted
// over HTTP: {"type": "InitiateDeposit", ...}.
func ParseTypedCommand(data []byte) (event.Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}
	if head.Type == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "missing type")
	}
	if head.Type == event.EventTypePriceRound.String() {
		return ParsePriceRound(data)
	}
	return ParseCommand(head.Type, data)
}

// ParseCommand decodes a user command of the named type. Amounts are
// integer strings in the smallest unit; addresses are hex.
func ParseCommand(name string, data []byte) (event.Event, error) {
	t, ok := event.ParseEventType(name)
	if !ok || t == event.EventTypePriceRound {
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", name)
	}
	evt, _ := event.New(t)
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "parse %s: %v", name, err)
	}

	caller := evt.(event.Caller)
	if err := validateCall(caller.Header()); err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	if err := validateBody(evt); err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	return evt, nil
}

// ParsePriceRound decodes a settled round published by the price feed.
func ParsePriceRound(data []byte) (*event.PriceRound, error) {
	var p event.PriceRound
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "parse PriceRound: %v", err)
	}
	switch {
	case p.Feed == "":
		return nil, errors.Wrap(ErrInvalidCommand, "parse PriceRound: missing feed")
	case p.RoundID <= 0:
		return nil, errors.Wrap(ErrInvalidCommand, "parse PriceRound: round_id must be positive")
	case p.Timestamp <= 0:
		return nil, errors.Wrap(ErrInvalidCommand, "parse PriceRound: missing timestamp")
	case p.Price.IsNil() || !p.Price.IsPositive():
		return nil, errors.Wrap(ErrInvalidCommand, "parse PriceRound: price must be positive")
	}
	if p.Confidence.IsNil() {
		p.Confidence = sdkmath.ZeroInt()
	} else if p.Confidence.IsNegative() {
		return nil, errors.Wrap(ErrInvalidCommand, "parse PriceRound: negative confidence")
	}
	return &p, nil
}

func validateCall(c *event.Call) error {
	if c.CommandID == uuid.Nil {
		return errors.Wrap(ErrInvalidCommand, "missing command_id")
	}
	if c.Sender == (common.Address{}) {
		return errors.Wrap(ErrInvalidCommand, "missing sender")
	}
	if c.Timestamp <= 0 {
		return errors.Wrap(ErrInvalidCommand, "missing timestamp")
	}
	if c.Sequence < 0 {
		return errors.Wrap(ErrInvalidCommand, "negative sequence")
	}
	if err := nonNegative("value", &c.Value); err != nil {
		return err
	}
	return nonNegative("gas_price", &c.GasPrice)
}

// validateBody checks the command specific amounts and recipients, and
// fills omitted optional amounts with zero.
func validateBody(evt event.Event) error {
	switch e := evt.(type) {
	case *event.Initialize:
		return firstErr(
			positive("deposit_amount", e.DepositAmount),
			positive("long_amount", e.LongAmount),
			positive("desired_liq_price", e.DesiredLiqPrice),
		)
	case *event.InitiateDeposit:
		return firstErr(
			positive("amount", e.Amount),
			recipient("to", e.To),
			recipient("validator", e.Validator),
		)
	case *event.InitiateWithdrawal:
		return firstErr(
			positive("shares", e.Shares),
			recipient("to", e.To),
			recipient("validator", e.Validator),
		)
	case *event.InitiateOpenPosition:
		return firstErr(
			positive("amount", e.Amount),
			positive("desired_liq_price", e.DesiredLiqPrice),
			nonNegative("user_max_price", &e.UserMaxPrice),
			nonNegative("user_max_leverage", &e.UserMaxLeverage),
			recipient("to", e.To),
			recipient("validator", e.Validator),
		)
	case *event.InitiateClosePosition:
		return firstErr(
			positive("amount", e.Amount),
			nonNegative("user_min_price", &e.UserMinPrice),
			recipient("to", e.To),
			recipient("validator", e.Validator),
		)
	case *event.ValidateActionable:
		if e.MaxValidations < 0 {
			return errors.Wrap(ErrInvalidCommand, "negative max_validations")
		}
	case *event.Liquidate:
		if e.MaxIterations < 0 {
			return errors.Wrap(ErrInvalidCommand, "negative max_iterations")
		}
	case *event.RemoveStale:
		return recipient("validator", e.Validator)
	case *event.RebalancerDeposit:
		return firstErr(positive("amount", e.Amount), recipient("to", e.To))
	case *event.RebalancerValidateWithdraw:
		return firstErr(positive("amount", e.Amount), recipient("to", e.To))
	case *event.RebalancerClose:
		return firstErr(
			positive("amount", e.Amount),
			nonNegative("user_min_price", &e.UserMinPrice),
			recipient("to", e.To),
			recipient("validator", e.Validator),
		)
	}
	return nil
}

func positive(field string, v sdkmath.Int) error {
	if v.IsNil() || !v.IsPositive() {
		return errors.Wrapf(ErrInvalidCommand, "%s must be positive", field)
	}
	return nil
}

func nonNegative(field string, v *sdkmath.Int) error {
	if v.IsNil() {
		*v = sdkmath.ZeroInt()
		return nil
	}
	if v.IsNegative() {
		return errors.Wrapf(ErrInvalidCommand, "%s must not be negative", field)
	}
	return nil
}

func recipient(field string, a common.Address) error {
	if a == (common.Address{}) {
		return errors.Wrapf(ErrInvalidCommand, "missing %s", field)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
