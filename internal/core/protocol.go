package core

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
)

// custodyTolerance is the rounding slack allowed between the asset balance
// held by the protocol and the balances it accounts for.
var custodyTolerance = sdkmath.NewInt(100)

// Deps are the external collaborators of the protocol. Rewards, Rebalancer
// and Metrics are optional.
type Deps struct {
	Oracle     PriceOracle
	Asset      AssetToken
	Shares     ShareToken
	Native     NativeBank
	Rewards    LiquidationRewards
	Rebalancer Rebalancer
	Metrics    *observability.Metrics
}

// Protocol owns the protocol state and runs every call against it serially.
// Each mutating call is atomic: on error the state and every collaborator
// implementing Reverter are restored to their pre-call snapshot.
type Protocol struct {
	state   *state.ProtocolState
	address common.Address

	oracle     PriceOracle
	asset      AssetToken
	shares     ShareToken
	native     NativeBank
	rewards    LiquidationRewards
	rebalancer Rebalancer

	reverters []Reverter
	depth     int

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewProtocol(params state.ProtocolParams, address common.Address, deps Deps) (*Protocol, error) {
	if deps.Oracle == nil || deps.Asset == nil || deps.Shares == nil || deps.Native == nil {
		return nil, errorsmod.Wrap(ErrInvalidAddress, "oracle, asset, shares and native collaborators are required")
	}
	if address == (common.Address{}) {
		return nil, errorsmod.Wrap(ErrInvalidAddress, "protocol address is zero")
	}
	s, err := state.NewProtocolState(params)
	if err != nil {
		return nil, err
	}
	p := &Protocol{
		state:   s,
		address: address,
		oracle:  deps.Oracle,
		asset:   deps.Asset,
		shares:  deps.Shares,
		native:  deps.Native,
		rewards: deps.Rewards,
		logger:  observability.NewLogger("protocol"),
		metrics: deps.Metrics,
	}
	for _, d := range []interface{}{deps.Oracle, deps.Asset, deps.Shares, deps.Native, deps.Rewards} {
		p.track(d)
	}
	if deps.Rebalancer != nil {
		p.SetRebalancer(deps.Rebalancer)
	}
	return p, nil
}

func (p *Protocol) track(dep interface{}) {
	if r, ok := dep.(Reverter); ok && r != nil {
		for _, known := range p.reverters {
			if known == r {
				return
			}
		}
		p.reverters = append(p.reverters, r)
	}
}

// SetRebalancer attaches the rebalancer. The rebalancer usually needs the
// protocol to exist first, so it is wired after construction.
func (p *Protocol) SetRebalancer(r Rebalancer) {
	p.rebalancer = r
	p.track(r)
}

func (p *Protocol) Address() common.Address { return p.address }

// State returns a deep copy of the current state.
func (p *Protocol) State() *state.ProtocolState { return p.state.Clone() }

// Params returns the configured parameters.
func (p *Protocol) Params() state.ProtocolParams { return p.state.Params }

// Restore replaces the state, e.g. when recovering from a snapshot.
func (p *Protocol) Restore(s *state.ProtocolState) {
	*p.state = *s.Clone()
}

// atomically runs fn and rolls everything back if it fails. Calls nest:
// an inner failure only undoes the inner effects.
func (p *Protocol) atomically(fn func() error) (err error) {
	saved := p.state.Clone()
	snaps := make([]int, len(p.reverters))
	for i, r := range p.reverters {
		snaps[i] = r.Snapshot()
	}
	p.depth++
	defer func() {
		p.depth--
		if err != nil {
			*p.state = *saved
			for i := len(p.reverters) - 1; i >= 0; i-- {
				p.reverters[i].RevertToSnapshot(snaps[i])
			}
			return
		}
		if p.depth > 0 {
			return
		}
		p.state.Sequence++
		p.mustHoldInvariants()
		for _, r := range p.reverters {
			if rel, ok := r.(snapshotReleaser); ok {
				rel.ReleaseSnapshots()
			}
		}
		p.recordState()
	}()
	return fn()
}

// Atomic runs fn as a single call tagged with cc: every state and token
// effect of fn, protocol calls included, rolls back if it fails.
func (p *Protocol) Atomic(cc CallContext, fn func() error) error {
	return p.atomically(func() error {
		p.setContext(cc)
		return fn()
	})
}

func (p *Protocol) setContext(cc CallContext) {
	for _, d := range []interface{}{p.asset, p.shares, p.native, p.rebalancer} {
		if cs, ok := d.(contextSetter); ok {
			cs.SetContext(cc.Ref, cc.Timestamp)
		}
	}
}

// call carries per-call bookkeeping: the native value still unspent.
type call struct {
	cc    CallContext
	value sdkmath.Int
}

func (p *Protocol) begin(cc CallContext, requireInitialized bool) (*call, error) {
	if requireInitialized && !p.state.Initialized {
		return nil, ErrNotInitialized
	}
	if cc.Sender == (common.Address{}) {
		return nil, errorsmod.Wrap(ErrInvalidAddress, "sender is zero")
	}
	if cc.Timestamp < p.state.LastCallTimestamp {
		return nil, errorsmod.Wrapf(ErrTimestampInPast, "call at %d, last call at %d", cc.Timestamp, p.state.LastCallTimestamp)
	}
	p.state.LastCallTimestamp = cc.Timestamp
	p.setContext(cc)

	value := cc.Value
	if value.IsNil() {
		value = sdkmath.ZeroInt()
	}
	if value.IsNegative() {
		return nil, errorsmod.Wrapf(ErrZeroAmount, "negative value %s", value)
	}
	if value.IsPositive() {
		if err := p.native.Transfer(cc.Sender, p.address, value); err != nil {
			return nil, errorsmod.Wrap(ErrInsufficientFee, err.Error())
		}
	}
	return &call{cc: cc, value: value}, nil
}

// spend takes amount out of the value attached to the call.
func (c *call) spend(amount sdkmath.Int, what string) error {
	if amount.IsNil() || amount.IsZero() {
		return nil
	}
	if c.value.LT(amount) {
		if what == "security deposit" {
			return errorsmod.Wrapf(ErrSecurityDeposit, "need %s, %s left", amount, c.value)
		}
		return errorsmod.Wrapf(ErrInsufficientFee, "%s needs %s, %s left", what, amount, c.value)
	}
	c.value = c.value.Sub(amount)
	return nil
}

// finish refunds the unspent value to the sender.
func (p *Protocol) finish(c *call) error {
	if !c.value.IsPositive() {
		return nil
	}
	if err := p.native.Transfer(p.address, c.cc.Sender, c.value); err != nil {
		return err
	}
	c.value = sdkmath.ZeroInt()
	return nil
}

// fetchPrice pays the oracle and returns a validated price.
func (p *Protocol) fetchPrice(c *call, payload []byte, targetTimestamp int64, action OracleAction) (PriceInfo, error) {
	cost := p.oracle.ValidationCost(payload, action)
	if err := c.spend(cost, "oracle fee"); err != nil {
		return PriceInfo{}, err
	}
	if cost.IsPositive() {
		if err := p.native.PayFee(p.address, cost); err != nil {
			return PriceInfo{}, err
		}
	}
	info, err := p.oracle.ParseAndValidatePrice(payload, targetTimestamp, c.cc.Timestamp, action)
	if err != nil {
		return PriceInfo{}, err
	}
	if !info.Price.IsPositive() || !info.NeutralPrice.IsPositive() {
		return PriceInfo{}, errorsmod.Wrapf(ErrPriceOutOfRange, "price %s", info.Price)
	}
	return info, nil
}

// positionValue is expo * (price - liqPrice) / price, clamped at zero.
func positionValue(expo, price, liqPriceWithoutPenalty sdkmath.Int) sdkmath.Int {
	if !price.IsPositive() || price.LTE(liqPriceWithoutPenalty) {
		return sdkmath.ZeroInt()
	}
	return fpmath.MulDiv(expo, price.Sub(liqPriceWithoutPenalty), price, fpmath.RoundDown)
}

// expoFor is amount * price / (price - liqPrice).
func expoFor(amount, price, liqPriceWithoutPenalty sdkmath.Int) (sdkmath.Int, error) {
	if price.LTE(liqPriceWithoutPenalty) {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrInvalidLiqPrice, "liquidation price %s >= price %s", liqPriceWithoutPenalty, price)
	}
	return fpmath.MulDiv(amount, price, price.Sub(liqPriceWithoutPenalty), fpmath.RoundDown), nil
}

// liqPriceWithoutPenalty prices tick - penalty under the current multiplier.
func (p *Protocol) liqPriceWithoutPenalty(tick, penalty int32) (sdkmath.Int, error) {
	s := p.state
	return s.Ledger.EffectivePriceForTick(tick-penalty, s.Funding.LastPrice, s.LongTradingExpo())
}

// tickForLiqPrice maps a desired liquidation price to a tick, penalty
// included, rounding towards the lower (safer) side.
func (p *Protocol) tickForLiqPrice(desired sdkmath.Int) (tick, penalty int32, err error) {
	s := p.state
	base, err := s.Ledger.EffectiveTickForPrice(desired, s.Funding.LastPrice, s.LongTradingExpo())
	if err != nil {
		return 0, 0, err
	}
	tick = base + s.Params.LiquidationPenalty
	penalty = s.Ledger.TickLiquidationPenalty(tick, s.Params.LiquidationPenalty)
	return tick, penalty, nil
}

// vaultAssetAt revalues the vault of a snapshot at price.
func vaultAssetAt(v *state.VaultPayload, price sdkmath.Int) sdkmath.Int {
	newLong := fpmath.LongBalanceAfterPrice(v.TotalExpo, v.BalanceLong, v.AssetPrice, price)
	newLong = fpmath.Clamp(newLong, sdkmath.ZeroInt(), fpmath.MaxInt(v.TotalExpo, sdkmath.ZeroInt()))
	vault := v.BalanceVault.Add(v.BalanceLong).Sub(newLong)
	return fpmath.MaxInt(vault, sdkmath.ZeroInt())
}

func (p *Protocol) requireAddresses(addrs ...common.Address) error {
	for _, a := range addrs {
		if a == (common.Address{}) {
			return errorsmod.Wrap(ErrInvalidAddress, "zero address")
		}
	}
	return nil
}

// --- invariants ---

// CheckInvariants verifies custody of the asset and native balances and
// that every position has at least 1x leverage.
func (p *Protocol) CheckInvariants() error {
	s := p.state
	held := p.asset.BalanceOf(p.address)
	owed := s.Balances.Custodied()
	if held.Sub(owed).Abs().GT(custodyTolerance) {
		return fmt.Errorf("asset custody: held %s, accounted %s", held, owed)
	}
	for _, b := range []sdkmath.Int{s.Balances.Vault, s.Balances.Long, s.Balances.PendingProtocolFee,
		s.Balances.PendingDeposits, s.Balances.PendingCloseEscrow} {
		if b.IsNegative() {
			return fmt.Errorf("negative balance: %+v", s.Balances)
		}
	}

	deposits := sdkmath.ZeroInt()
	for _, pa := range s.Queue.All() {
		deposits = deposits.Add(pa.SecurityDeposit)
	}
	if nativeHeld := p.native.BalanceOf(p.address); !nativeHeld.Equal(deposits) {
		return fmt.Errorf("native custody: held %s, security deposits %s", nativeHeld, deposits)
	}

	for _, tick := range s.Ledger.PopulatedTicks() {
		for _, pos := range s.Ledger.Positions(tick) {
			if pos.TotalExpo.LT(pos.Amount) {
				return fmt.Errorf("position %d/%d expo %s < amount %s", tick, pos.Index, pos.TotalExpo, pos.Amount)
			}
		}
	}
	return nil
}

func (p *Protocol) mustHoldInvariants() {
	if err := p.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
}

func (p *Protocol) recordState() {
	if p.metrics == nil {
		return
	}
	b := p.state.Balances
	p.metrics.VaultBalance.Set(observability.Tokens(b.Vault))
	p.metrics.LongBalance.Set(observability.Tokens(b.Long))
	p.metrics.TotalExpo.Set(observability.Tokens(p.state.Ledger.TotalExpo()))
	p.metrics.PendingActions.Set(float64(p.state.Queue.Len()))
	p.metrics.PendingProtocolFee.Set(observability.Tokens(b.PendingProtocolFee))
}

// --- views ---

// LongTradingExpo is totalExpo - balanceLong.
func (p *Protocol) LongTradingExpo() sdkmath.Int {
	return p.state.LongTradingExpo()
}

// previewAt applies funding and PnL at (price, timestamp) on a copy.
func (p *Protocol) previewAt(price sdkmath.Int, timestamp int64) (*state.ProtocolState, error) {
	preview := p.state.Clone()
	if _, err := preview.ApplyFundingAndPnl(price, timestamp); err != nil {
		return nil, err
	}
	return preview, nil
}

// VaultAssetAvailable is the vault balance after funding and PnL up to
// (price, timestamp).
func (p *Protocol) VaultAssetAvailable(price sdkmath.Int, timestamp int64) (sdkmath.Int, error) {
	preview, err := p.previewAt(price, timestamp)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return preview.Balances.Vault, nil
}

// GetPositionValue is the collateral a full close would return at price,
// before the position fee.
func (p *Protocol) GetPositionValue(id state.PositionID, price sdkmath.Int, timestamp int64) (sdkmath.Int, error) {
	preview, err := p.previewAt(price, timestamp)
	if err != nil {
		return sdkmath.Int{}, err
	}
	pos, penalty, err := preview.Ledger.GetPosition(id)
	if err != nil {
		return sdkmath.Int{}, err
	}
	liq, err := preview.Ledger.EffectivePriceForTick(pos.Tick-penalty, price, preview.LongTradingExpo())
	if err != nil {
		return sdkmath.Int{}, err
	}
	return positionValue(pos.TotalExpo, price, liq), nil
}

// GetPositionLiquidationPrice is the effective price of the position's tick
// minus its penalty.
func (p *Protocol) GetPositionLiquidationPrice(id state.PositionID) (sdkmath.Int, error) {
	pos, penalty, err := p.state.Ledger.GetPosition(id)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return p.liqPriceWithoutPenalty(pos.Tick, penalty)
}

// GetPosition returns the position and its tick's liquidation penalty.
func (p *Protocol) GetPosition(id state.PositionID) (state.Position, int32, error) {
	return p.state.Ledger.GetPosition(id)
}

// PendingActionOf returns a copy of the validator's pending action.
func (p *Protocol) PendingActionOf(validator common.Address) (state.PendingAction, bool) {
	pa, ok := p.state.Queue.Get(validator)
	if !ok {
		return state.PendingAction{}, false
	}
	return *pa, true
}

// ActionablePendingActions lists, oldest first, up to max actions a third
// party may validate at now.
func (p *Protocol) ActionablePendingActions(now int64, max int) []state.PendingAction {
	var out []state.PendingAction
	for _, pa := range p.state.Queue.Actionable(now, p.state.Params.ValidationDelay, max) {
		out = append(out, *pa)
	}
	return out
}
