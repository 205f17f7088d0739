package core

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
)

// OpenRequest initiates a long position of Amount collateral liquidated at
// or below DesiredLiqPrice. UserMaxPrice and UserMaxLeverage are optional
// bounds; zero disables them.
type OpenRequest struct {
	Amount          sdkmath.Int
	DesiredLiqPrice sdkmath.Int
	UserMaxPrice    sdkmath.Int
	UserMaxLeverage sdkmath.Int
	To              common.Address
	Validator       common.Address
	Deadline        int64
	Payload         []byte
}

// CloseRequest initiates closing Amount collateral of a position. The value
// is paid to To on validation; UserMinPrice bounds the exit price.
type CloseRequest struct {
	PositionID   state.PositionID
	Amount       sdkmath.Int
	UserMinPrice sdkmath.Int
	To           common.Address
	Validator    common.Address
	Deadline     int64
	Payload      []byte
}

func isOutdated(err error) bool {
	return errors.Is(err, state.ErrOutdatedTick)
}

// checkSafetyMargin requires the liquidation price to sit at least
// SafetyMarginBps below price.
func (p *Protocol) checkSafetyMargin(desired, price sdkmath.Int) error {
	if desired.IsNil() || !desired.IsPositive() {
		return errorsmod.Wrapf(ErrInvalidLiqPrice, "desired liquidation price %v", desired)
	}
	maxLiq := price.Sub(fpmath.ApplyBps(price, p.state.Params.SafetyMarginBps))
	if desired.GT(maxLiq) {
		return errorsmod.Wrapf(ErrSafetyMargin, "liquidation price %s above %s", desired, maxLiq)
	}
	return nil
}

// checkLeverage bounds expo/amount by the configured leverage range and the
// optional user maximum.
func (p *Protocol) checkLeverage(amount, expo, userMax sdkmath.Int) error {
	params := p.state.Params
	maxLev := params.MaxLeverage
	if !userMax.IsNil() && userMax.IsPositive() {
		maxLev = fpmath.MinInt(maxLev, userMax)
	}
	lev := fpmath.MulDiv(expo, fpmath.LeverageScale, amount, fpmath.RoundDown)
	if lev.LT(params.MinLeverage) || lev.GT(maxLev) {
		return errorsmod.Wrapf(ErrLeverageOutOfBounds, "leverage %s not in [%s, %s]", lev, params.MinLeverage, maxLev)
	}
	return nil
}

// InitiateOpenPosition reserves a tick and stores an unvalidated position
// priced at the current oracle price plus the position fee.
func (p *Protocol) InitiateOpenPosition(cc CallContext, req OpenRequest) (*ActionOutcome, error) {
	if err := checkRequest(cc, req.Deadline, req.Amount, req.To, req.Validator); err != nil {
		return nil, err
	}
	out := NewOutcome(state.ActionOpenPosition)
	err := p.atomically(func() error {
		c, info, pending, err := p.initiate(cc, req.Validator, req.Payload, out)
		if err != nil {
			return err
		}
		if !pending {
			if err := p.initiateOpen(c, req, info, out); err != nil {
				return err
			}
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("initiate_open", out)
	return out, nil
}

func (p *Protocol) initiateOpen(c *call, req OpenRequest, info PriceInfo, out *ActionOutcome) error {
	s := p.state
	b := &s.Balances
	if req.Amount.LT(s.Params.MinLongPosition) {
		return errorsmod.Wrapf(ErrPositionTooSmall, "amount %s, minimum %s", req.Amount, s.Params.MinLongPosition)
	}
	start := info.Price.Add(fpmath.ApplyBps(info.Price, s.Params.PositionFeeBps))
	if !req.UserMaxPrice.IsNil() && req.UserMaxPrice.IsPositive() && start.GT(req.UserMaxPrice) {
		return errorsmod.Wrapf(ErrSlippageExceeded, "entry price %s above %s", start, req.UserMaxPrice)
	}
	if err := p.checkSafetyMargin(req.DesiredLiqPrice, start); err != nil {
		return err
	}

	tick, penalty, err := p.tickForLiqPrice(req.DesiredLiqPrice)
	if err != nil {
		return err
	}
	liq, err := p.liqPriceWithoutPenalty(tick, penalty)
	if err != nil {
		return err
	}
	expo, err := expoFor(req.Amount, start, liq)
	if err != nil {
		return err
	}
	if err := p.checkLeverage(req.Amount, expo, req.UserMaxLeverage); err != nil {
		return err
	}
	if err := s.Limiter().CheckOpen(*b, s.Ledger.TotalExpo(), expo, req.Amount); err != nil {
		return err
	}
	if err := p.asset.TransferFrom(p.address, c.cc.Sender, p.address, req.Amount); err != nil {
		return err
	}

	id, err := s.Ledger.OpenPosition(tick, state.Position{
		Timestamp: c.cc.Timestamp,
		Owner:     req.To,
		Recipient: req.To,
		Amount:    req.Amount,
		TotalExpo: expo,
	}, penalty)
	if err != nil {
		return err
	}
	b.Long = b.Long.Add(req.Amount)

	pa := &state.PendingAction{
		Kind:      state.ActionOpenPosition,
		To:        req.To,
		Validator: req.Validator,
		Long: &state.LongPayload{
			Position:   id,
			Amount:     req.Amount,
			StartPrice: start,
		},
	}
	if err := p.enqueue(c, pa); err != nil {
		return err
	}
	out.PositionID = id
	out.Amount = req.Amount
	snapshot := *pa
	out.Action = &snapshot
	return nil
}

// ValidateOpenPosition validates the caller's pending open.
func (p *Protocol) ValidateOpenPosition(cc CallContext, payload []byte) (*ActionOutcome, error) {
	return p.validateOwn(cc, state.ActionOpenPosition, payload)
}

// completeOpen re-prices the position at the validation price. A position
// whose fresh leverage exceeds the maximum moves to the tick matching the
// maximum leverage; a liquidated one yields the alternate outcome.
func (p *Protocol) completeOpen(c *call, pa *state.PendingAction, info PriceInfo, out *ActionOutcome) error {
	s := p.state
	l := pa.Long
	out.PositionID = l.Position
	out.Amount = l.Amount

	pos, penalty, err := s.Ledger.GetPosition(l.Position)
	if isOutdated(err) {
		out.Status = StatusLiquidatedBeforeValidation
		return p.dequeue(c, pa, state.ActionStateLiquidated)
	}
	if err != nil {
		return err
	}
	if err := p.dequeue(c, pa, state.ActionStateValidated); err != nil {
		return err
	}

	start := info.Price.Add(fpmath.ApplyBps(info.Price, s.Params.PositionFeeBps))
	liq, err := p.liqPriceWithoutPenalty(pos.Tick, penalty)
	if err != nil {
		return err
	}
	maxLev := s.Params.MaxLeverage
	expo, err := expoFor(pos.Amount, start, liq)
	if err == nil && fpmath.MulDiv(expo, fpmath.LeverageScale, pos.Amount, fpmath.RoundDown).LTE(maxLev) {
		if err := s.Ledger.UpdatePositionExpo(l.Position, expo); err != nil {
			return err
		}
		return s.Ledger.MarkValidated(l.Position)
	}

	// too much leverage at the fresh price: move to the max leverage tick
	if err := s.Ledger.ClosePosition(l.Position, pos.Amount, pos.TotalExpo); err != nil {
		return err
	}
	desired := start.Sub(fpmath.MulDiv(start, fpmath.LeverageScale, maxLev, fpmath.RoundUp))
	tick, newPenalty, err := p.tickForLiqPrice(desired)
	if err != nil {
		return err
	}
	liq, err = p.liqPriceWithoutPenalty(tick, newPenalty)
	if err != nil {
		return err
	}
	if expo, err = expoFor(pos.Amount, start, liq); err != nil {
		return err
	}
	pos.Validated = true
	id, err := s.Ledger.OpenPosition(tick, pos, newPenalty)
	if err != nil {
		return err
	}
	out.PositionID = id
	p.logger.Info().
		Int32("from_tick", l.Position.Tick).
		Int32("to_tick", tick).
		Str("start_price", start.String()).
		Msg("open position moved to max leverage tick")
	return nil
}

// InitiateClosePosition removes Amount of collateral from a validated
// position and escrows its value until validation. A position liquidated by
// the settlement of this very call yields the alternate outcome.
func (p *Protocol) InitiateClosePosition(cc CallContext, req CloseRequest) (*ActionOutcome, error) {
	if err := checkRequest(cc, req.Deadline, req.Amount, req.To, req.Validator); err != nil {
		return nil, err
	}
	out := NewOutcome(state.ActionClosePosition)
	out.PositionID = req.PositionID
	err := p.atomically(func() error {
		c, info, pending, err := p.initiate(cc, req.Validator, req.Payload, out)
		if err != nil {
			return err
		}
		if !pending {
			if err := p.initiateClose(c, req, info, out); err != nil {
				return err
			}
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("initiate_close", out)
	return out, nil
}

func (p *Protocol) initiateClose(c *call, req CloseRequest, info PriceInfo, out *ActionOutcome) error {
	s := p.state
	b := &s.Balances
	pos, penalty, err := s.Ledger.GetPosition(req.PositionID)
	if isOutdated(err) {
		out.Status = StatusLiquidatedBeforeValidation
		return nil
	}
	if err != nil {
		return err
	}
	if pos.Owner != c.cc.Sender {
		return errorsmod.Wrapf(ErrUnauthorized, "owner %s, caller %s", pos.Owner.Hex(), c.cc.Sender.Hex())
	}
	if !pos.Validated {
		return ErrPositionNotValidated
	}
	if req.Amount.GT(pos.Amount) {
		return errorsmod.Wrapf(ErrAmountTooLarge, "closing %s of %s", req.Amount, pos.Amount)
	}
	if remaining := pos.Amount.Sub(req.Amount); remaining.IsPositive() && remaining.LT(s.Params.MinLongPosition) {
		return errorsmod.Wrapf(ErrPositionTooSmall, "remaining %s, minimum %s", remaining, s.Params.MinLongPosition)
	}

	closePrice := info.Price.Sub(fpmath.ApplyBps(info.Price, s.Params.PositionFeeBps))
	if !req.UserMinPrice.IsNil() && req.UserMinPrice.IsPositive() && closePrice.LT(req.UserMinPrice) {
		return errorsmod.Wrapf(ErrSlippageExceeded, "exit price %s below %s", closePrice, req.UserMinPrice)
	}

	closeExpo := pos.TotalExpo
	if !req.Amount.Equal(pos.Amount) {
		closeExpo = fpmath.MulDiv(pos.TotalExpo, req.Amount, pos.Amount, fpmath.RoundDown)
	}
	liq, err := p.liqPriceWithoutPenalty(pos.Tick, penalty)
	if err != nil {
		return err
	}
	trigger, err := s.Ledger.EffectivePriceForTick(pos.Tick, s.Funding.LastPrice, s.LongTradingExpo())
	if err != nil {
		return err
	}
	value := fpmath.MinInt(positionValue(closeExpo, closePrice, liq), b.Long)

	rebalancer := p.rebalancer != nil && pos.Owner == p.rebalancer.Address()
	if err := s.Limiter().CheckClose(*b, s.Ledger.TotalExpo(), closeExpo, value, rebalancer); err != nil {
		return err
	}
	if err := s.Ledger.ClosePosition(req.PositionID, req.Amount, closeExpo); err != nil {
		return err
	}
	b.Long = b.Long.Sub(value)
	b.PendingCloseEscrow = b.PendingCloseEscrow.Add(value)

	pa := &state.PendingAction{
		Kind:      state.ActionClosePosition,
		To:        req.To,
		Validator: req.Validator,
		Long: &state.LongPayload{
			Position:            req.PositionID,
			Amount:              req.Amount,
			StartPrice:          closePrice,
			CloseTotalExpo:      closeExpo,
			CloseValue:          value,
			CloseLiqPrice:       liq,
			CloseTriggerPrice:   trigger,
			CloseEscrowReserved: value,
		},
	}
	if err := p.enqueue(c, pa); err != nil {
		return err
	}
	out.Amount = value
	snapshot := *pa
	out.Action = &snapshot
	return nil
}

// ValidateClosePosition pays out the caller's pending close.
func (p *Protocol) ValidateClosePosition(cc CallContext, payload []byte) (*ActionOutcome, error) {
	return p.validateOwn(cc, state.ActionClosePosition, payload)
}

// completeClose revalues the closed exposure at the validation price. The
// vault was the counterparty since initiation, so it settles the difference
// with the escrow. A price at or below the tick's liquidation price means
// the position would have been liquidated: the escrow goes to the vault.
func (p *Protocol) completeClose(c *call, pa *state.PendingAction, info PriceInfo, out *ActionOutcome) error {
	b := &p.state.Balances
	l := pa.Long
	out.PositionID = l.Position
	escrow := l.CloseEscrowReserved
	b.PendingCloseEscrow = b.PendingCloseEscrow.Sub(escrow)

	if info.NeutralPrice.LTE(l.CloseTriggerPrice) {
		b.Vault = b.Vault.Add(escrow)
		out.Status = StatusLiquidatedBeforeValidation
		return p.dequeue(c, pa, state.ActionStateLiquidated)
	}
	if err := p.dequeue(c, pa, state.ActionStateValidated); err != nil {
		return err
	}

	closePrice := info.Price.Sub(fpmath.ApplyBps(info.Price, p.state.Params.PositionFeeBps))
	value := positionValue(l.CloseTotalExpo, closePrice, l.CloseLiqPrice)
	payout := value
	if value.GT(escrow) {
		extra := fpmath.MinInt(value.Sub(escrow), b.Vault)
		b.Vault = b.Vault.Sub(extra)
		payout = escrow.Add(extra)
	} else {
		b.Vault = b.Vault.Add(escrow.Sub(value))
	}
	if err := p.asset.Transfer(p.address, pa.To, payout); err != nil {
		return err
	}
	out.Amount = payout
	return nil
}
