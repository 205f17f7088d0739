package rewards

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
)

const Codespace = "perpvault-rewards"

var ErrInvalidParams = errorsmod.Register(Codespace, 2, "invalid rewards parameters")

// Params price the gas a liquidator spends and the bonus on top of it.
type Params struct {
	GasUsedPerTick    uint64 `json:"gas_used_per_tick" yaml:"gas_used_per_tick"`
	OtherGasUsed      uint64 `json:"other_gas_used" yaml:"other_gas_used"`
	RebaseGasUsed     uint64 `json:"rebase_gas_used" yaml:"rebase_gas_used"`
	RebalancerGasUsed uint64 `json:"rebalancer_gas_used" yaml:"rebalancer_gas_used"`

	GasPriceLimit sdkmath.Int `json:"gas_price_limit" yaml:"-"` // wei
	MultiplierBps int64       `json:"multiplier_bps" yaml:"multiplier_bps"`

	// PositionBonusMultiplierBps scales the value the liquidated ticks still
	// held at the liquidation price.
	PositionBonusMultiplierBps int64 `json:"position_bonus_multiplier_bps" yaml:"position_bonus_multiplier_bps"`

	// NativeToAsset converts native gas cost into asset, 18 decimals.
	NativeToAsset sdkmath.Int `json:"native_to_asset" yaml:"-"`
	FixedReward   sdkmath.Int `json:"fixed_reward" yaml:"-"`
	MaxReward     sdkmath.Int `json:"max_reward" yaml:"-"`
}

func DefaultParams() Params {
	return Params{
		GasUsedPerTick:             53_094,
		OtherGasUsed:               469_537,
		RebaseGasUsed:              13_765,
		RebalancerGasUsed:          280_959,
		GasPriceLimit:              sdkmath.NewInt(8_000_000_000), // 8 gwei
		MultiplierBps:              30_000,
		PositionBonusMultiplierBps: 200,
		NativeToAsset:              fpmath.TokenScale,
		FixedReward:                fpmath.Pow10(fpmath.TokensDecimals - 3).MulRaw(2), // 0.002
		MaxReward:                  fpmath.ToTokens(2),
	}
}

func (p Params) Validate() error {
	for name, v := range map[string]sdkmath.Int{
		"gas_price_limit": p.GasPriceLimit,
		"native_to_asset": p.NativeToAsset,
		"fixed_reward":    p.FixedReward,
		"max_reward":      p.MaxReward,
	} {
		if v.IsNil() || v.IsNegative() {
			return errorsmod.Wrapf(ErrInvalidParams, "%s must be set and non-negative", name)
		}
	}
	if p.MultiplierBps < 0 || p.PositionBonusMultiplierBps < 0 {
		return errorsmod.Wrap(ErrInvalidParams, "multipliers must be non-negative")
	}
	return nil
}

// Manager computes liquidation rewards. It is stateless apart from its
// parameters.
type Manager struct {
	params Params
}

func NewManager(params Params) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Manager{params: params}, nil
}

func (m *Manager) Params() Params { return m.params }

// ComputeReward is
//
//	gas * min(gasPrice, limit) * multiplier / BPS converted to asset
//	+ fixed reward + position bonus
//
// capped at MaxReward.
func (m *Manager) ComputeReward(in core.RewardInput) sdkmath.Int {
	if len(in.Ticks) == 0 {
		return sdkmath.ZeroInt()
	}
	p := m.params

	gas := sdkmath.NewIntFromUint64(p.GasUsedPerTick).MulRaw(int64(len(in.Ticks))).
		Add(sdkmath.NewIntFromUint64(p.OtherGasUsed))
	if in.Rebased {
		gas = gas.Add(sdkmath.NewIntFromUint64(p.RebaseGasUsed))
	}
	if in.RebalancerTriggered {
		gas = gas.Add(sdkmath.NewIntFromUint64(p.RebalancerGasUsed))
	}

	gasPrice := in.GasPrice
	if gasPrice.IsNil() || gasPrice.IsNegative() {
		gasPrice = sdkmath.ZeroInt()
	}
	gasPrice = fpmath.MinInt(gasPrice, p.GasPriceLimit)

	nativeCost := fpmath.ApplyBps(gas.Mul(gasPrice), p.MultiplierBps)
	reward := fpmath.MulDiv(nativeCost, p.NativeToAsset, fpmath.TokenScale, fpmath.RoundDown)
	reward = reward.Add(p.FixedReward).Add(m.positionBonus(in.Ticks, in.CurrentPrice))

	return fpmath.MinInt(reward, p.MaxReward)
}

// positionBonus pays a share of the value each tick held between the
// current price and its liquidation price.
func (m *Manager) positionBonus(ticks []state.TickLiquidation, price sdkmath.Int) sdkmath.Int {
	bonus := sdkmath.ZeroInt()
	if price.IsNil() || !price.IsPositive() {
		return bonus
	}
	for _, t := range ticks {
		if t.TickPrice.IsNil() || t.TickPrice.GTE(price) || t.Data.TotalExpo.IsNil() {
			continue
		}
		v := fpmath.MulDiv(t.Data.TotalExpo, price.Sub(t.TickPrice), price, fpmath.RoundDown)
		bonus = bonus.Add(v)
	}
	return fpmath.ApplyBps(bonus, m.params.PositionBonusMultiplierBps)
}
