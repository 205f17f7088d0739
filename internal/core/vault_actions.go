package core

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
)

// InitializeRequest seeds the vault and the first long position.
type InitializeRequest struct {
	DepositAmount   sdkmath.Int
	LongAmount      sdkmath.Int
	DesiredLiqPrice sdkmath.Int
	Payload         []byte
}

// DepositRequest initiates a deposit of Amount assets. Shares are minted to
// To when Validator validates.
type DepositRequest struct {
	Amount    sdkmath.Int
	To        common.Address
	Validator common.Address
	Deadline  int64 // 0 disables the check
	Payload   []byte
}

// WithdrawalRequest initiates the redemption of Shares share units.
type WithdrawalRequest struct {
	Shares    sdkmath.Int
	To        common.Address
	Validator common.Address
	Deadline  int64
	Payload   []byte
}

func checkRequest(cc CallContext, deadline int64, amount sdkmath.Int, addrs ...common.Address) error {
	if amount.IsNil() || !amount.IsPositive() {
		return errorsmod.Wrapf(ErrZeroAmount, "amount %v", amount)
	}
	for _, a := range addrs {
		if a == (common.Address{}) {
			return errorsmod.Wrap(ErrInvalidAddress, "zero recipient or validator")
		}
	}
	if deadline > 0 && cc.Timestamp > deadline {
		return errorsmod.Wrapf(ErrDeadlineExceeded, "now %d, deadline %d", cc.Timestamp, deadline)
	}
	return nil
}

// initiate runs the common first half of every Initiate call: stale action
// cleanup, a fresh price and settlement. When pending is true liquidations
// are left and the caller must not perform its action.
func (p *Protocol) initiate(cc CallContext, validator common.Address, payload []byte, out *ActionOutcome) (c *call, info PriceInfo, pending bool, err error) {
	if c, err = p.begin(cc, true); err != nil {
		return nil, PriceInfo{}, false, err
	}
	if err = p.makeRoomFor(c, validator); err != nil {
		return nil, PriceInfo{}, false, err
	}
	if info, err = p.fetchPrice(c, payload, 0, OracleInitiate); err != nil {
		return nil, PriceInfo{}, false, err
	}
	out.Price = info.Price
	pending, err = p.settle(c, info, p.state.Params.LiquidationIteration, out)
	return c, info, pending, err
}

// Initialize seeds the vault with DepositAmount and opens the first long
// position with LongAmount of collateral. It may only run once.
func (p *Protocol) Initialize(cc CallContext, req InitializeRequest) (*ActionOutcome, error) {
	if err := checkRequest(cc, 0, req.DepositAmount); err != nil {
		return nil, err
	}
	out := NewOutcome(state.ActionNone)
	err := p.atomically(func() error {
		if p.state.Initialized {
			return ErrAlreadyInitialized
		}
		c, err := p.begin(cc, false)
		if err != nil {
			return err
		}
		s := p.state
		if req.LongAmount.IsNil() || req.LongAmount.LT(s.Params.MinLongPosition) {
			return errorsmod.Wrapf(ErrPositionTooSmall, "long amount %v, minimum %s", req.LongAmount, s.Params.MinLongPosition)
		}
		info, err := p.fetchPrice(c, req.Payload, 0, OracleInitialize)
		if err != nil {
			return err
		}
		if _, err := s.ApplyFundingAndPnl(info.NeutralPrice, info.Timestamp); err != nil {
			return err
		}
		price := info.NeutralPrice
		out.Price = price

		if err := p.checkSafetyMargin(req.DesiredLiqPrice, price); err != nil {
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
		expo, err := expoFor(req.LongAmount, price, liq)
		if err != nil {
			return err
		}
		if err := p.checkLeverage(req.LongAmount, expo, sdkmath.Int{}); err != nil {
			return err
		}

		total := req.DepositAmount.Add(req.LongAmount)
		if err := p.asset.TransferFrom(p.address, cc.Sender, p.address, total); err != nil {
			return err
		}

		// first deposit: one share token per dollar of assets
		shares := fpmath.MulDiv(req.DepositAmount, price, fpmath.TokenScale, fpmath.RoundDown).Mul(p.shares.Divisor())
		if err := p.shares.MintShares(cc.Sender, shares); err != nil {
			return err
		}
		s.Balances.Vault = s.Balances.Vault.Add(req.DepositAmount)

		id, err := s.Ledger.OpenPosition(tick, state.Position{
			Validated: true,
			Timestamp: cc.Timestamp,
			Owner:     cc.Sender,
			Recipient: cc.Sender,
			Amount:    req.LongAmount,
			TotalExpo: expo,
		}, penalty)
		if err != nil {
			return err
		}
		s.Balances.Long = s.Balances.Long.Add(req.LongAmount)
		s.LastRebaseCheck = cc.Timestamp
		s.Initialized = true

		out.PositionID = id
		out.Amount = shares
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("price", out.Price.String()).
		Str("vault", req.DepositAmount.String()).
		Str("long", req.LongAmount.String()).
		Int32("tick", out.PositionID.Tick).
		Msg("protocol initialized")
	return out, nil
}

// InitiateDeposit escrows Amount assets and queues a deposit for the
// validator.
func (p *Protocol) InitiateDeposit(cc CallContext, req DepositRequest) (*ActionOutcome, error) {
	if err := checkRequest(cc, req.Deadline, req.Amount, req.To, req.Validator); err != nil {
		return nil, err
	}
	out := NewOutcome(state.ActionDeposit)
	err := p.atomically(func() error {
		c, info, pending, err := p.initiate(cc, req.Validator, req.Payload, out)
		if err != nil {
			return err
		}
		if !pending {
			if err := p.initiateDeposit(c, req, info, out); err != nil {
				return err
			}
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("initiate_deposit", out)
	return out, nil
}

func (p *Protocol) initiateDeposit(c *call, req DepositRequest, info PriceInfo, out *ActionOutcome) error {
	s := p.state
	b := &s.Balances
	fee := fpmath.ApplyBps(req.Amount, s.Params.VaultFeeBps)
	afterFee := req.Amount.Sub(fee)
	if err := s.Limiter().CheckDeposit(*b, s.Ledger.TotalExpo(), afterFee); err != nil {
		return err
	}
	if err := p.asset.TransferFrom(p.address, c.cc.Sender, p.address, req.Amount); err != nil {
		return err
	}

	pa := &state.PendingAction{
		Kind:      state.ActionDeposit,
		To:        req.To,
		Validator: req.Validator,
		Vault:     p.vaultSnapshot(req.Amount, afterFee),
	}
	if err := p.enqueue(c, pa); err != nil {
		return err
	}
	b.PendingDeposits = b.PendingDeposits.Add(req.Amount)
	b.PendingBalanceVault = b.PendingBalanceVault.Add(afterFee)

	// estimate only: the validation price decides the minted amount
	tokens := fpmath.MulDiv(afterFee, info.Price, fpmath.TokenScale, fpmath.RoundDown)
	out.SdexToBurn = sdexBurn(tokens, s.Params.SdexBurnOnDepositRatio)
	out.Amount = req.Amount
	snapshot := *pa
	out.Action = &snapshot
	return nil
}

// vaultSnapshot records the balances a vault action is later valued
// against. pendingVault is its signed contribution to PendingBalanceVault.
func (p *Protocol) vaultSnapshot(amount, pendingVault sdkmath.Int) *state.VaultPayload {
	s := p.state
	return &state.VaultPayload{
		Amount:          amount,
		AssetPrice:      s.Funding.LastPrice,
		TotalExpo:       s.Ledger.TotalExpo(),
		BalanceVault:    s.Balances.Vault,
		BalanceLong:     s.Balances.Long,
		UsdnTotalShares: p.shares.TotalShares(),
		FeeBps:          s.Params.VaultFeeBps,
		PendingVault:    pendingVault,
	}
}

func sdexBurn(tokens sdkmath.Int, ratio int64) sdkmath.Int {
	return fpmath.MulDiv(tokens, sdkmath.NewInt(ratio), sdkmath.NewInt(state.SdexBurnRatioDivisor), fpmath.RoundDown)
}

// ValidateDeposit mints the shares of the caller's pending deposit.
func (p *Protocol) ValidateDeposit(cc CallContext, payload []byte) (*ActionOutcome, error) {
	return p.validateOwn(cc, state.ActionDeposit, payload)
}

// completeDeposit mints the lower of the share amounts valued at the
// initiate snapshot and at the current balances.
func (p *Protocol) completeDeposit(c *call, pa *state.PendingAction, info PriceInfo, out *ActionOutcome) error {
	b := &p.state.Balances
	v := pa.Vault
	if err := p.dequeue(c, pa, state.ActionStateValidated); err != nil {
		return err
	}
	b.PendingDeposits = b.PendingDeposits.Sub(v.Amount)
	b.PendingBalanceVault = b.PendingBalanceVault.Sub(v.PendingVault)
	afterFee := v.PendingVault

	var shares sdkmath.Int
	totalShares := p.shares.TotalShares()
	if !totalShares.IsPositive() || !b.Vault.IsPositive() {
		shares = fpmath.MulDiv(afterFee, info.Price, fpmath.TokenScale, fpmath.RoundDown).Mul(p.shares.Divisor())
	} else {
		shares = fpmath.MulDiv(afterFee, totalShares, b.Vault, fpmath.RoundDown)
		if snapVault := vaultAssetAt(v, info.Price); snapVault.IsPositive() && v.UsdnTotalShares.IsPositive() {
			shares = fpmath.MinInt(shares, fpmath.MulDiv(afterFee, v.UsdnTotalShares, snapVault, fpmath.RoundDown))
		}
	}

	b.Vault = b.Vault.Add(v.Amount)
	if err := p.shares.MintShares(pa.To, shares); err != nil {
		return err
	}
	out.Amount = shares
	out.SdexToBurn = sdexBurn(shares.Quo(p.shares.Divisor()), p.state.Params.SdexBurnOnDepositRatio)
	return nil
}

// InitiateWithdrawal escrows Shares of the caller's share tokens and queues
// a withdrawal for the validator.
func (p *Protocol) InitiateWithdrawal(cc CallContext, req WithdrawalRequest) (*ActionOutcome, error) {
	if err := checkRequest(cc, req.Deadline, req.Shares, req.To, req.Validator); err != nil {
		return nil, err
	}
	out := NewOutcome(state.ActionWithdrawal)
	err := p.atomically(func() error {
		c, _, pending, err := p.initiate(cc, req.Validator, req.Payload, out)
		if err != nil {
			return err
		}
		if !pending {
			if err := p.initiateWithdrawal(c, req, out); err != nil {
				return err
			}
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	p.logOutcome("initiate_withdrawal", out)
	return out, nil
}

func (p *Protocol) initiateWithdrawal(c *call, req WithdrawalRequest, out *ActionOutcome) error {
	s := p.state
	b := &s.Balances
	if held := p.shares.SharesOf(c.cc.Sender); held.LT(req.Shares) {
		return errorsmod.Wrapf(ErrInsufficientShares, "holds %s shares, withdrawing %s", held, req.Shares)
	}
	totalShares := p.shares.TotalShares()
	if !totalShares.IsPositive() || !b.Vault.IsPositive() {
		return ErrEmptyVault
	}
	estimate := fpmath.MulDiv(req.Shares, b.Vault, totalShares, fpmath.RoundDown)
	afterFee := estimate.Sub(fpmath.ApplyBps(estimate, s.Params.VaultFeeBps))
	if err := s.Limiter().CheckWithdrawal(*b, s.Ledger.TotalExpo(), afterFee); err != nil {
		return err
	}
	if err := p.shares.TransferShares(c.cc.Sender, p.address, req.Shares); err != nil {
		return err
	}

	pa := &state.PendingAction{
		Kind:      state.ActionWithdrawal,
		To:        req.To,
		Validator: req.Validator,
		Vault:     p.vaultSnapshot(req.Shares, afterFee.Neg()),
	}
	if err := p.enqueue(c, pa); err != nil {
		return err
	}
	b.PendingBalanceVault = b.PendingBalanceVault.Sub(afterFee)

	out.Amount = afterFee
	snapshot := *pa
	out.Action = &snapshot
	return nil
}

// ValidateWithdrawal burns the escrowed shares and pays the assets.
func (p *Protocol) ValidateWithdrawal(cc CallContext, payload []byte) (*ActionOutcome, error) {
	return p.validateOwn(cc, state.ActionWithdrawal, payload)
}

func (p *Protocol) completeWithdrawal(c *call, pa *state.PendingAction, info PriceInfo, out *ActionOutcome) error {
	b := &p.state.Balances
	v := pa.Vault
	if err := p.dequeue(c, pa, state.ActionStateValidated); err != nil {
		return err
	}
	b.PendingBalanceVault = b.PendingBalanceVault.Sub(v.PendingVault)

	assets := sdkmath.ZeroInt()
	if totalShares := p.shares.TotalShares(); totalShares.IsPositive() {
		assets = fpmath.MulDiv(v.Amount, b.Vault, totalShares, fpmath.RoundDown)
	}
	if v.UsdnTotalShares.IsPositive() {
		atSnapshot := fpmath.MulDiv(v.Amount, vaultAssetAt(v, info.Price), v.UsdnTotalShares, fpmath.RoundDown)
		assets = fpmath.MinInt(assets, atSnapshot)
	}
	assets = assets.Sub(fpmath.ApplyBps(assets, v.FeeBps))
	assets = fpmath.Clamp(assets, sdkmath.ZeroInt(), b.Vault)

	if err := p.shares.BurnShares(p.address, v.Amount); err != nil {
		return err
	}
	b.Vault = b.Vault.Sub(assets)
	if err := p.asset.Transfer(p.address, pa.To, assets); err != nil {
		return err
	}
	out.Amount = assets
	return nil
}
