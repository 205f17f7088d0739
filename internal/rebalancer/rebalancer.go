// Package rebalancer pools user deposits into a single long position that
// the protocol manages to keep the vault and long sides balanced.
package rebalancer

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
)

// MultiplierScale is the scale of the entry multipliers.
var MultiplierScale = fpmath.TokenScale

// Params bound user deposits and their timing. Times are in seconds.
type Params struct {
	MinAssetDeposit    sdkmath.Int `json:"min_asset_deposit"`
	MaxLeverage        sdkmath.Int `json:"max_leverage"` // 21 decimals
	ValidationDelay    int64       `json:"validation_delay"`
	ValidationDeadline int64       `json:"validation_deadline"`
	ActionCooldown     int64       `json:"action_cooldown"`
	CloseDelay         int64       `json:"close_delay"`
}

func DefaultParams() Params {
	return Params{
		MinAssetDeposit:    fpmath.Pow10(fpmath.TokensDecimals - 2), // 0.01
		MaxLeverage:        fpmath.LeverageScale.MulRaw(3),
		ValidationDelay:    24,
		ValidationDeadline: 20 * 60,
		ActionCooldown:     4 * 3600,
		CloseDelay:         4 * 3600,
	}
}

func (p Params) Validate() error {
	if p.MinAssetDeposit.IsNil() || p.MinAssetDeposit.IsNegative() {
		return errorsmod.Wrap(ErrInvalidParams, "min_asset_deposit must be non-negative")
	}
	if p.MaxLeverage.IsNil() || p.MaxLeverage.LTE(fpmath.LeverageScale) {
		return errorsmod.Wrap(ErrInvalidParams, "max_leverage must be > 1x")
	}
	if p.ValidationDelay < 0 || p.ValidationDeadline <= p.ValidationDelay {
		return errorsmod.Wrapf(ErrInvalidParams, "validation window [%d, %d]", p.ValidationDelay, p.ValidationDeadline)
	}
	if p.ActionCooldown < p.ValidationDeadline {
		return errorsmod.Wrap(ErrInvalidParams, "action_cooldown must be >= validation_deadline")
	}
	return nil
}

// UserStatus tells where a user's deposit sits in its lifecycle.
type UserStatus uint8

const (
	UserIdle UserStatus = iota
	UserPendingDeposit
	UserPendingWithdrawal
)

// UserDeposit is the deposit of one user. A deposit is part of the
// position once EntryVersion <= the current position version.
type UserDeposit struct {
	Amount            sdkmath.Int `json:"amount"`
	EntryVersion      uint64      `json:"entry_version"`
	InitiateTimestamp int64       `json:"initiate_timestamp"`
	Status            UserStatus  `json:"status"`
}

// PositionData describes the protocol position of one version.
// EntryMultiplier values a deposit that entered at this version: its value
// at version v is amount * mult[v] / mult[entry].
type PositionData struct {
	Amount          sdkmath.Int      `json:"amount"`
	ID              state.PositionID `json:"id"`
	EntryMultiplier sdkmath.Int      `json:"entry_multiplier"`
}

type rebalancerState struct {
	PositionVersion       uint64                         `json:"position_version"`
	PendingAssets         sdkmath.Int                    `json:"pending_assets"`
	LastLiquidatedVersion uint64                         `json:"last_liquidated_version"`
	LastUpdateTimestamp   int64                          `json:"last_update_timestamp"`
	Positions             map[uint64]PositionData        `json:"positions"`
	Users                 map[common.Address]UserDeposit `json:"users"`
}

func newRebalancerState() rebalancerState {
	return rebalancerState{
		PendingAssets: sdkmath.ZeroInt(),
		Positions:     make(map[uint64]PositionData),
		Users:         make(map[common.Address]UserDeposit),
	}
}

func (s rebalancerState) clone() rebalancerState {
	c := s
	c.Positions = make(map[uint64]PositionData, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	c.Users = make(map[common.Address]UserDeposit, len(s.Users))
	for k, v := range s.Users {
		c.Users[k] = v
	}
	return c
}

// AssetToken is the collateral token as the rebalancer uses it.
type AssetToken interface {
	core.AssetToken
	Approve(owner, spender common.Address, amount sdkmath.Int)
}

// Rebalancer implements core.Rebalancer, core.Reverter, core.Persistable
// and core.CommandHandler.
type Rebalancer struct {
	address  common.Address
	params   Params
	protocol *core.Protocol
	asset    AssetToken
	native   core.NativeBank

	st        rebalancerState
	snapshots []rebalancerState
	now       int64

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New creates the rebalancer, approves the protocol to pull its pending
// assets and attaches it to the protocol.
func New(address common.Address, params Params, protocol *core.Protocol, asset AssetToken, native core.NativeBank, maxAllowance sdkmath.Int, metrics *observability.Metrics) (*Rebalancer, error) {
	if address == (common.Address{}) {
		return nil, errorsmod.Wrap(core.ErrInvalidAddress, "rebalancer address is zero")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r := &Rebalancer{
		address:  address,
		params:   params,
		protocol: protocol,
		asset:    asset,
		native:   native,
		st:       newRebalancerState(),
		logger:   observability.NewLogger("rebalancer"),
		metrics:  metrics,
	}
	asset.Approve(address, protocol.Address(), maxAllowance)
	protocol.SetRebalancer(r)
	return r, nil
}

func (r *Rebalancer) Address() common.Address { return r.address }
func (r *Rebalancer) Params() Params           { return r.params }

func (r *Rebalancer) SetContext(_ string, timestamp int64) { r.now = timestamp }

// CurrentStateData returns the assets waiting to join the position, the
// leverage cap and the current position.
func (r *Rebalancer) CurrentStateData() (pendingAssets, maxLeverage sdkmath.Int, position state.PositionID) {
	pos, ok := r.st.Positions[r.st.PositionVersion]
	if !ok {
		return r.st.PendingAssets, r.params.MaxLeverage, state.NoPositionID
	}
	return r.st.PendingAssets, r.params.MaxLeverage, pos.ID
}

// UpdatePosition records the position the protocol opened for the pooled
// assets and values the previous one. A previous position worth zero was
// liquidated: every deposit it held is lost.
func (r *Rebalancer) UpdatePosition(newPosition state.PositionID, previousValue sdkmath.Int) error {
	s := &r.st
	if previousValue.IsNil() || previousValue.IsNegative() {
		return errorsmod.Wrapf(ErrAmountTooLarge, "previous value %s", previousValue)
	}

	multiplier := MultiplierScale
	prev, hasPrev := s.Positions[s.PositionVersion]
	if hasPrev && !prev.ID.IsNone() {
		switch {
		case previousValue.IsZero():
			s.LastLiquidatedVersion = s.PositionVersion
			r.logger.Warn().Uint64("version", s.PositionVersion).Msg("rebalancer position liquidated")
		case prev.Amount.IsPositive():
			multiplier = fpmath.MulDiv(prev.EntryMultiplier, previousValue, prev.Amount, fpmath.RoundDown)
		}
	}

	s.PositionVersion++
	amount := previousValue.Add(s.PendingAssets)
	if newPosition.IsNone() {
		// too small to open: the assets went to the vault
		s.LastLiquidatedVersion = s.PositionVersion
		amount = sdkmath.ZeroInt()
	}
	s.Positions[s.PositionVersion] = PositionData{
		Amount:          amount,
		ID:              newPosition,
		EntryMultiplier: multiplier,
	}
	s.PendingAssets = sdkmath.ZeroInt()
	s.LastUpdateTimestamp = r.now

	r.logger.Info().
		Uint64("version", s.PositionVersion).
		Str("amount", amount.String()).
		Str("previous_value", previousValue.String()).
		Str("multiplier", multiplier.String()).
		Msg("rebalancer position updated")
	return nil
}

// PositionLiquidated marks the current version liquidated when id is its
// position. The deposits it held are lost; pending assets are untouched.
func (r *Rebalancer) PositionLiquidated(id state.PositionID) {
	s := &r.st
	pos, ok := s.Positions[s.PositionVersion]
	if !ok || pos.ID.IsNone() || pos.ID != id {
		return
	}
	s.LastLiquidatedVersion = s.PositionVersion
	pos.ID = state.NoPositionID
	pos.Amount = sdkmath.ZeroInt()
	s.Positions[s.PositionVersion] = pos
	r.logger.Warn().Uint64("version", s.PositionVersion).Msg("rebalancer position liquidated")
}

// PositionVersion is the version of the current position.
func (r *Rebalancer) PositionVersion() uint64 { return r.st.PositionVersion }

func (r *Rebalancer) PendingAssets() sdkmath.Int { return r.st.PendingAssets }

func (r *Rebalancer) LastLiquidatedVersion() uint64 { return r.st.LastLiquidatedVersion }

// PositionData returns the data of version.
func (r *Rebalancer) PositionData(version uint64) (PositionData, bool) {
	p, ok := r.st.Positions[version]
	return p, ok
}

// UserDeposit returns the deposit of user.
func (r *Rebalancer) UserDeposit(user common.Address) (UserDeposit, bool) {
	u, ok := r.st.Users[user]
	return u, ok
}

// wiped reports whether the deposit was lost to a liquidation.
func (r *Rebalancer) wiped(u UserDeposit) bool {
	return u.EntryVersion != 0 && u.EntryVersion <= r.st.LastLiquidatedVersion
}

// included reports whether the deposit is part of the position.
func (r *Rebalancer) included(u UserDeposit) bool {
	return u.Status != UserPendingDeposit && u.EntryVersion != 0 && u.EntryVersion <= r.st.PositionVersion
}

// UserValue is the current collateral value of a deposit included in the
// position.
func (r *Rebalancer) UserValue(u UserDeposit) sdkmath.Int {
	if r.wiped(u) {
		return sdkmath.ZeroInt()
	}
	if !r.included(u) {
		return u.Amount
	}
	cur := r.st.Positions[r.st.PositionVersion]
	entry := r.st.Positions[u.EntryVersion]
	if entry.EntryMultiplier.IsNil() || !entry.EntryMultiplier.IsPositive() {
		return u.Amount
	}
	return fpmath.MulDiv(u.Amount, cur.EntryMultiplier, entry.EntryMultiplier, fpmath.RoundDown)
}
