package core

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
)

func oracleActionFor(kind state.ActionKind) OracleAction {
	switch kind {
	case state.ActionDeposit:
		return OracleValidateDeposit
	case state.ActionWithdrawal:
		return OracleValidateWithdrawal
	case state.ActionOpenPosition:
		return OracleValidateOpen
	case state.ActionClosePosition:
		return OracleValidateClose
	default:
		return OracleNone
	}
}

// makeRoomFor clears the way for a new action of validator. A stale action
// is force-removed first; a live one is a conflict.
func (p *Protocol) makeRoomFor(c *call, validator common.Address) error {
	pa, ok := p.state.Queue.Get(validator)
	if !ok {
		return nil
	}
	if !pa.IsStale(c.cc.Timestamp, p.state.Params.ActionCooldown) {
		return errorsmod.Wrapf(state.ErrPendingActionExists, "validator %s has a %s action from %d",
			validator.Hex(), pa.Kind, pa.Timestamp)
	}
	_, err := p.forceRemove(c, pa)
	return err
}

// enqueue takes the security deposit from the call value and queues the
// action.
func (p *Protocol) enqueue(c *call, pa *state.PendingAction) error {
	deposit := p.state.Params.SecurityDeposit
	if err := c.spend(deposit, "security deposit"); err != nil {
		return err
	}
	pa.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.cc.Ref+":"+pa.Validator.Hex()+":"+pa.Kind.String()))
	pa.State = state.ActionStateInitiated
	pa.Timestamp = c.cc.Timestamp
	pa.Initiator = c.cc.Sender
	pa.SecurityDeposit = deposit
	return p.state.Queue.Push(pa)
}

// dequeue removes pa and moves it to its terminal state.
func (p *Protocol) dequeue(c *call, pa *state.PendingAction, terminal state.ActionState) error {
	if _, err := p.state.Queue.Remove(pa.Validator); err != nil {
		return err
	}
	if c.cc.Sender != pa.Validator && pa.State == state.ActionStateInitiated {
		if err := pa.Transition(state.ActionStateActionable); err != nil {
			return err
		}
	}
	return pa.Transition(terminal)
}

// paySecurityDeposit releases the escrowed deposit of pa to the caller.
func (p *Protocol) paySecurityDeposit(c *call, pa *state.PendingAction, out *ActionOutcome) error {
	if pa.SecurityDeposit.IsPositive() {
		if err := p.native.Transfer(p.address, c.cc.Sender, pa.SecurityDeposit); err != nil {
			return err
		}
		out.SecurityDepositPaid = out.SecurityDepositPaid.Add(pa.SecurityDeposit)
	}
	return nil
}

// ownPending returns the caller's pending action of the given kind once it
// may be validated.
func (p *Protocol) ownPending(c *call, kind state.ActionKind) (*state.PendingAction, error) {
	pa, ok := p.state.Queue.Get(c.cc.Sender)
	if !ok {
		return nil, errorsmod.Wrapf(ErrNoPendingAction, "validator %s", c.cc.Sender.Hex())
	}
	if pa.Kind != kind {
		return nil, errorsmod.Wrapf(ErrWrongActionKind, "pending %s, validating %s", pa.Kind, kind)
	}
	if !pa.IsActionable(c.cc.Timestamp, p.state.Params.ValidationDelay) {
		return nil, errorsmod.Wrapf(ErrValidationTooEarly, "initiated at %d, delay %d, now %d",
			pa.Timestamp, p.state.Params.ValidationDelay, c.cc.Timestamp)
	}
	return pa, nil
}

// validateOwn is the shared body of the Validate* entry points.
func (p *Protocol) validateOwn(cc CallContext, kind state.ActionKind, payload []byte) (*ActionOutcome, error) {
	out := NewOutcome(kind)
	err := p.atomically(func() error {
		c, err := p.begin(cc, true)
		if err != nil {
			return err
		}
		pa, err := p.ownPending(c, kind)
		if err != nil {
			return err
		}
		if _, err := p.validatePending(c, pa, payload, out); err != nil {
			return err
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("validate", out)
	return out, nil
}

// validatePending prices and completes pa. It returns false when pending
// liquidations prevented the validation.
func (p *Protocol) validatePending(c *call, pa *state.PendingAction, payload []byte, out *ActionOutcome) (bool, error) {
	info, err := p.fetchPrice(c, payload, pa.Timestamp+p.state.Params.ValidationDelay, oracleActionFor(pa.Kind))
	if err != nil {
		return false, err
	}
	out.Price = info.Price
	pending, err := p.settle(c, info, p.state.Params.LiquidationIteration, out)
	if err != nil || pending {
		return false, err
	}

	switch pa.Kind {
	case state.ActionDeposit:
		err = p.completeDeposit(c, pa, info, out)
	case state.ActionWithdrawal:
		err = p.completeWithdrawal(c, pa, info, out)
	case state.ActionOpenPosition:
		err = p.completeOpen(c, pa, info, out)
	case state.ActionClosePosition:
		err = p.completeClose(c, pa, info, out)
	default:
		err = errorsmod.Wrapf(ErrWrongActionKind, "kind %d", pa.Kind)
	}
	if err != nil {
		return false, err
	}
	if err := p.paySecurityDeposit(c, pa, out); err != nil {
		return false, err
	}
	snapshot := *pa
	out.Action = &snapshot
	return true, nil
}

// ValidateActionablePendingActions validates, in queue order, up to
// maxValidations actions that are past their validation delay, paying each
// security deposit to the caller. payloads[i] prices the i-th action. It
// stops at the first action that fails to validate and reports how many
// succeeded in Validated. Price is the price of the last validation.
func (p *Protocol) ValidateActionablePendingActions(cc CallContext, maxValidations int, payloads [][]byte) (*ActionOutcome, error) {
	out := NewOutcome(state.ActionNone)
	err := p.atomically(func() error {
		c, err := p.begin(cc, true)
		if err != nil {
			return err
		}
		n := maxValidations
		if n > p.state.Params.MaxActionablePerCall {
			n = p.state.Params.MaxActionablePerCall
		}
		if n <= 0 {
			return p.finish(c)
		}
		var validators []common.Address
		for _, pa := range p.state.Queue.Actionable(cc.Timestamp, p.state.Params.ValidationDelay, n) {
			validators = append(validators, pa.Validator)
		}

		for i, validator := range validators {
			var payload []byte
			if i < len(payloads) {
				payload = payloads[i]
			}
			sub := NewOutcome(state.ActionNone)
			value := c.value
			ok := false
			err := p.atomically(func() error {
				pa, found := p.state.Queue.Get(validator)
				if !found {
					return errorsmod.Wrapf(ErrNoPendingAction, "validator %s", validator.Hex())
				}
				sub.Kind = pa.Kind
				var err error
				ok, err = p.validatePending(c, pa, payload, sub)
				return err
			})
			mergeLiquidation(&out.Liquidation, sub.Liquidation)
			if err != nil {
				c.value = value
				p.logger.Debug().Err(err).Str("validator", validator.Hex()).Msg("actionable validation stopped")
				break
			}
			out.SecurityDepositPaid = out.SecurityDepositPaid.Add(sub.SecurityDepositPaid)
			if sub.Price.IsPositive() {
				out.Price = sub.Price
			}
			if !ok {
				out.Status = StatusLiquidationPending
				break
			}
			out.Validated++
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("validate_actionable", out)
	return out, nil
}

func mergeLiquidation(dst *LiquidationSummary, src LiquidationSummary) {
	dst.Ticks += src.Ticks
	dst.Positions += src.Positions
	dst.RemainingCollateral = dst.RemainingCollateral.Add(src.RemainingCollateral)
	dst.Reward = dst.Reward.Add(src.Reward)
	dst.Rebased = dst.Rebased || src.Rebased
	dst.RebalancerTriggered = dst.RebalancerTriggered || src.RebalancerTriggered
	dst.Liquidated = append(dst.Liquidated, src.Liquidated...)
}

// RemoveStalePendingAction force-removes the validator's action once it
// reached the cooldown. Escrowed assets go back to the initiator; the
// security deposit goes to the caller.
func (p *Protocol) RemoveStalePendingAction(cc CallContext, validator common.Address) (*ActionOutcome, error) {
	out := NewOutcome(state.ActionNone)
	err := p.atomically(func() error {
		c, err := p.begin(cc, true)
		if err != nil {
			return err
		}
		pa, ok := p.state.Queue.Get(validator)
		if !ok {
			return errorsmod.Wrapf(ErrNoPendingAction, "validator %s", validator.Hex())
		}
		if !pa.IsStale(cc.Timestamp, p.state.Params.ActionCooldown) {
			return errorsmod.Wrapf(ErrActionNotStale, "initiated at %d, cooldown %d, now %d",
				pa.Timestamp, p.state.Params.ActionCooldown, cc.Timestamp)
		}
		out.Kind = pa.Kind
		refunded, err := p.forceRemove(c, pa)
		if err != nil {
			return err
		}
		out.Amount = refunded
		out.SecurityDepositPaid = pa.SecurityDeposit
		out.Status = StatusForceRemoved
		snapshot := *pa
		out.Action = &snapshot
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("remove_stale", out)
	return out, nil
}

// forceRemove unwinds pa: escrowed assets, shares or the position value go
// back to the initiator and the security deposit to the caller. It returns
// the amount refunded.
func (p *Protocol) forceRemove(c *call, pa *state.PendingAction) (sdkmath.Int, error) {
	s := p.state
	b := &s.Balances
	if _, err := s.Queue.Remove(pa.Validator); err != nil {
		return sdkmath.Int{}, err
	}
	if pa.State == state.ActionStateInitiated {
		if err := pa.Transition(state.ActionStateActionable); err != nil {
			return sdkmath.Int{}, err
		}
	}
	if err := pa.Transition(state.ActionStateForceRemoved); err != nil {
		return sdkmath.Int{}, err
	}

	refunded := sdkmath.ZeroInt()
	switch pa.Kind {
	case state.ActionDeposit:
		v := pa.Vault
		b.PendingDeposits = b.PendingDeposits.Sub(v.Amount)
		b.PendingBalanceVault = b.PendingBalanceVault.Sub(v.PendingVault)
		if err := p.asset.Transfer(p.address, pa.Initiator, v.Amount); err != nil {
			return sdkmath.Int{}, err
		}
		refunded = v.Amount

	case state.ActionWithdrawal:
		v := pa.Vault
		b.PendingBalanceVault = b.PendingBalanceVault.Sub(v.PendingVault)
		if err := p.shares.TransferShares(p.address, pa.Initiator, v.Amount); err != nil {
			return sdkmath.Int{}, err
		}
		refunded = v.Amount

	case state.ActionOpenPosition:
		pos, penalty, err := s.Ledger.GetPosition(pa.Long.Position)
		if err != nil {
			// liquidated in the meantime: nothing left to return
			break
		}
		liq, err := p.liqPriceWithoutPenalty(pos.Tick, penalty)
		if err != nil {
			return sdkmath.Int{}, err
		}
		value := fpmath.MinInt(positionValue(pos.TotalExpo, s.Funding.LastPrice, liq), b.Long)
		if err := s.Ledger.ClosePosition(pa.Long.Position, pos.Amount, pos.TotalExpo); err != nil {
			return sdkmath.Int{}, err
		}
		b.Long = b.Long.Sub(value)
		if err := p.asset.Transfer(p.address, pa.Initiator, value); err != nil {
			return sdkmath.Int{}, err
		}
		refunded = value

	case state.ActionClosePosition:
		escrow := pa.Long.CloseEscrowReserved
		b.PendingCloseEscrow = b.PendingCloseEscrow.Sub(escrow)
		if err := p.asset.Transfer(p.address, pa.Initiator, escrow); err != nil {
			return sdkmath.Int{}, err
		}
		refunded = escrow
	}

	if pa.SecurityDeposit.IsPositive() {
		if err := p.native.Transfer(p.address, c.cc.Sender, pa.SecurityDeposit); err != nil {
			return sdkmath.Int{}, err
		}
	}
	p.logger.Warn().
		Str("validator", pa.Validator.Hex()).
		Str("kind", pa.Kind.String()).
		Int64("initiated_at", pa.Timestamp).
		Str("refunded", refunded.String()).
		Msg("stale pending action removed")
	return refunded, nil
}

func (p *Protocol) logOutcome(call string, out *ActionOutcome) {
	if p.metrics != nil {
		p.metrics.CoreOutcomes.WithLabelValues(call, out.Status.String()).Inc()
	}
	if out.Status == StatusProcessed {
		p.logger.Debug().Str("call", call).Str("kind", out.Kind.String()).Str("amount", out.Amount.String()).Msg("call processed")
		return
	}
	p.logger.Warn().
		Str("call", call).
		Str("kind", out.Kind.String()).
		Str("status", out.Status.String()).
		Interface("position", out.PositionID).
		Msg("alternate outcome")
}
