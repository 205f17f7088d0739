package rebalancer

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
)

// user returns the deposit of addr, dropping it first when a liquidation
// wiped it.
func (r *Rebalancer) user(addr common.Address) (UserDeposit, bool) {
	u, ok := r.st.Users[addr]
	if !ok {
		return UserDeposit{}, false
	}
	if r.wiped(u) {
		delete(r.st.Users, addr)
		return UserDeposit{}, false
	}
	return u, true
}

func (r *Rebalancer) checkWindow(u UserDeposit, now int64) error {
	if now < u.InitiateTimestamp+r.params.ValidationDelay {
		return errorsmod.Wrapf(ErrTooEarly, "initiated at %d, now %d", u.InitiateTimestamp, now)
	}
	if now > u.InitiateTimestamp+r.params.ValidationDeadline {
		return errorsmod.Wrapf(ErrTooLate, "initiated at %d, now %d", u.InitiateTimestamp, now)
	}
	return nil
}

func requireNonZero(addrs ...common.Address) error {
	for _, a := range addrs {
		if a == (common.Address{}) {
			return errorsmod.Wrap(core.ErrInvalidAddress, "zero address")
		}
	}
	return nil
}

// InitiateDepositAssets takes amount from the caller into the rebalancer on
// behalf of to. The deposit joins the pending assets once validated.
func (r *Rebalancer) InitiateDepositAssets(cc core.CallContext, amount sdkmath.Int, to common.Address) (*core.ActionOutcome, error) {
	if err := requireNonZero(cc.Sender, to); err != nil {
		return nil, err
	}
	if amount.IsNil() || amount.LT(r.params.MinAssetDeposit) || !amount.IsPositive() {
		return nil, errorsmod.Wrapf(ErrAmountTooSmall, "amount %s, minimum %s", amount, r.params.MinAssetDeposit)
	}
	out := core.NewOutcome(state.ActionNone)
	err := r.protocol.Atomic(cc, func() error {
		if _, ok := r.user(to); ok {
			return errorsmod.Wrapf(ErrDepositExists, "user %s", to.Hex())
		}
		if err := r.asset.TransferFrom(r.address, cc.Sender, r.address, amount); err != nil {
			return err
		}
		r.st.Users[to] = UserDeposit{
			Amount:            amount,
			InitiateTimestamp: cc.Timestamp,
			Status:            UserPendingDeposit,
		}
		out.Amount = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug().Str("user", to.Hex()).Str("amount", amount.String()).Msg("deposit initiated")
	return out, nil
}

// ValidateDepositAssets adds the caller's pending deposit to the assets of
// the next position version.
func (r *Rebalancer) ValidateDepositAssets(cc core.CallContext) (*core.ActionOutcome, error) {
	out := core.NewOutcome(state.ActionNone)
	err := r.protocol.Atomic(cc, func() error {
		u, ok := r.user(cc.Sender)
		if !ok || u.Status != UserPendingDeposit {
			return errorsmod.Wrapf(ErrNoPendingDeposit, "user %s", cc.Sender.Hex())
		}
		if err := r.checkWindow(u, cc.Timestamp); err != nil {
			return err
		}
		u.Status = UserIdle
		u.EntryVersion = r.st.PositionVersion + 1
		r.st.Users[cc.Sender] = u
		r.st.PendingAssets = r.st.PendingAssets.Add(u.Amount)
		out.Amount = u.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResetDepositAssets refunds a deposit that missed its validation window,
// once the cooldown passed.
func (r *Rebalancer) ResetDepositAssets(cc core.CallContext) (*core.ActionOutcome, error) {
	out := core.NewOutcome(state.ActionNone)
	err := r.protocol.Atomic(cc, func() error {
		u, ok := r.user(cc.Sender)
		if !ok || u.Status != UserPendingDeposit {
			return errorsmod.Wrapf(ErrNoPendingDeposit, "user %s", cc.Sender.Hex())
		}
		if cc.Timestamp <= u.InitiateTimestamp+r.params.ActionCooldown {
			return errorsmod.Wrapf(ErrTooEarly, "cooldown ends at %d", u.InitiateTimestamp+r.params.ActionCooldown)
		}
		delete(r.st.Users, cc.Sender)
		out.Amount = u.Amount
		return r.asset.Transfer(r.address, cc.Sender, u.Amount)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InitiateWithdrawAssets starts the withdrawal of a validated deposit that
// has not joined the position yet.
func (r *Rebalancer) InitiateWithdrawAssets(cc core.CallContext) (*core.ActionOutcome, error) {
	out := core.NewOutcome(state.ActionNone)
	err := r.protocol.Atomic(cc, func() error {
		u, ok := r.user(cc.Sender)
		if !ok {
			return errorsmod.Wrapf(ErrNoDeposit, "user %s", cc.Sender.Hex())
		}
		switch {
		case u.Status == UserPendingDeposit:
			return errorsmod.Wrap(ErrNoDeposit, "deposit is not validated")
		case r.included(u):
			return ErrIncludedInPosition
		case u.Status == UserPendingWithdrawal && cc.Timestamp <= u.InitiateTimestamp+r.params.ActionCooldown:
			return errorsmod.Wrapf(ErrTooEarly, "withdrawal pending since %d", u.InitiateTimestamp)
		}
		u.Status = UserPendingWithdrawal
		u.InitiateTimestamp = cc.Timestamp
		r.st.Users[cc.Sender] = u
		out.Amount = u.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateWithdrawAssets pays amount of the caller's pending assets to to.
func (r *Rebalancer) ValidateWithdrawAssets(cc core.CallContext, amount sdkmath.Int, to common.Address) (*core.ActionOutcome, error) {
	if err := requireNonZero(to); err != nil {
		return nil, err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return nil, errorsmod.Wrap(core.ErrZeroAmount, "withdraw amount")
	}
	out := core.NewOutcome(state.ActionNone)
	err := r.protocol.Atomic(cc, func() error {
		u, ok := r.user(cc.Sender)
		if !ok || u.Status != UserPendingWithdrawal {
			return errorsmod.Wrapf(ErrNoPendingWithdraw, "user %s", cc.Sender.Hex())
		}
		if r.included(u) {
			return ErrIncludedInPosition
		}
		if err := r.checkWindow(u, cc.Timestamp); err != nil {
			return err
		}
		if amount.GT(u.Amount) {
			return errorsmod.Wrapf(ErrAmountTooLarge, "withdrawing %s of %s", amount, u.Amount)
		}
		remaining := u.Amount.Sub(amount)
		if remaining.IsPositive() && remaining.LT(r.params.MinAssetDeposit) {
			return errorsmod.Wrapf(ErrAmountTooSmall, "remaining %s", remaining)
		}
		if remaining.IsZero() {
			delete(r.st.Users, cc.Sender)
		} else {
			u.Amount = remaining
			u.Status = UserIdle
			r.st.Users[cc.Sender] = u
		}
		r.st.PendingAssets = r.st.PendingAssets.Sub(amount)
		out.Amount = amount
		return r.asset.Transfer(r.address, to, amount)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseRequest closes part of the caller's share of the position.
type CloseRequest struct {
	Amount       sdkmath.Int // of the caller's deposit
	UserMinPrice sdkmath.Int
	To           common.Address
	Validator    common.Address
	Deadline     int64
	Payload      []byte
}

// InitiateClosePosition closes the caller's share of the rebalancer
// position through the protocol. The caller's native value pays the
// protocol fees and security deposit; the unspent part is refunded.
func (r *Rebalancer) InitiateClosePosition(cc core.CallContext, req CloseRequest) (*core.ActionOutcome, error) {
	if err := requireNonZero(cc.Sender, req.To, req.Validator); err != nil {
		return nil, err
	}
	if req.Amount.IsNil() || !req.Amount.IsPositive() {
		return nil, errorsmod.Wrap(core.ErrZeroAmount, "close amount")
	}
	var out *core.ActionOutcome
	err := r.protocol.Atomic(cc, func() error {
		u, ok := r.user(cc.Sender)
		if !ok {
			return errorsmod.Wrapf(ErrNoDeposit, "user %s", cc.Sender.Hex())
		}
		if !r.included(u) {
			return ErrNotInPosition
		}
		if req.Amount.GT(u.Amount) {
			return errorsmod.Wrapf(ErrAmountTooLarge, "closing %s of %s", req.Amount, u.Amount)
		}
		remaining := u.Amount.Sub(req.Amount)
		if remaining.IsPositive() && remaining.LT(r.params.MinAssetDeposit) {
			return errorsmod.Wrapf(ErrAmountTooSmall, "remaining %s", remaining)
		}
		if cc.Timestamp < r.st.LastUpdateTimestamp+r.params.CloseDelay {
			return errorsmod.Wrapf(ErrCloseLocked, "locked until %d", r.st.LastUpdateTimestamp+r.params.CloseDelay)
		}
		version := r.st.PositionVersion
		pos := r.st.Positions[version]
		if pos.ID.IsNone() || !pos.Amount.IsPositive() {
			return ErrNoPosition
		}

		entry := r.st.Positions[u.EntryVersion]
		collateral := fpmath.MulDiv(req.Amount, pos.EntryMultiplier, entry.EntryMultiplier, fpmath.RoundDown)
		collateral = fpmath.MinInt(collateral, pos.Amount)

		value := cc.Value
		if value.IsNil() {
			value = sdkmath.ZeroInt()
		}
		if value.IsPositive() {
			if err := r.native.Transfer(cc.Sender, r.address, value); err != nil {
				return errorsmod.Wrap(core.ErrInsufficientFee, err.Error())
			}
		}
		before := r.native.BalanceOf(r.address).Sub(value)

		res, err := r.protocol.InitiateClosePosition(core.CallContext{
			Sender:    r.address,
			Value:     value,
			Timestamp: cc.Timestamp,
			GasPrice:  cc.GasPrice,
			Ref:       cc.Ref,
		}, core.CloseRequest{
			PositionID:   pos.ID,
			Amount:       collateral,
			UserMinPrice: req.UserMinPrice,
			To:           req.To,
			Validator:    req.Validator,
			Deadline:     req.Deadline,
			Payload:      req.Payload,
		})
		if err != nil {
			return err
		}
		out = res

		if refund := r.native.BalanceOf(r.address).Sub(before); refund.IsPositive() {
			if err := r.native.Transfer(r.address, cc.Sender, refund); err != nil {
				return err
			}
		}
		if res.Status != core.StatusProcessed {
			return nil
		}

		if r.st.PositionVersion != version {
			return errorsmod.Wrapf(ErrNoPosition, "position version moved from %d to %d during close", version, r.st.PositionVersion)
		}
		pos.Amount = pos.Amount.Sub(collateral)
		if pos.Amount.IsZero() {
			pos.ID = state.NoPositionID
		}
		r.st.Positions[version] = pos
		if remaining.IsZero() {
			delete(r.st.Users, cc.Sender)
		} else {
			u.Amount = remaining
			r.st.Users[cc.Sender] = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("user", cc.Sender.Hex()).
		Str("amount", req.Amount.String()).
		Str("status", out.Status.String()).
		Msg("rebalancer close initiated")
	return out, nil
}
