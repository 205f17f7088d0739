package state

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpVault/internal/math"
)

// ImbalanceLimits bound the relative imbalance between the vault and the long
// side, in basis points. A zero limit disables the corresponding check.
type ImbalanceLimits struct {
	OpenBps                int64 `json:"open_bps" yaml:"open_bps"`
	DepositBps             int64 `json:"deposit_bps" yaml:"deposit_bps"`
	WithdrawalBps          int64 `json:"withdrawal_bps" yaml:"withdrawal_bps"`
	CloseBps               int64 `json:"close_bps" yaml:"close_bps"`
	RebalancerCloseBps     int64 `json:"rebalancer_close_bps" yaml:"rebalancer_close_bps"`
	LongImbalanceTargetBps int64 `json:"long_imbalance_target_bps" yaml:"long_imbalance_target_bps"`
}

// ProtocolParams are the tunable parameters of the protocol.
type ProtocolParams struct {
	TickSpacing        int32 `json:"tick_spacing"`
	LiquidationPenalty int32 `json:"liquidation_penalty"` // in ticks

	MinLeverage     sdkmath.Int `json:"min_leverage"` // 21 decimals
	MaxLeverage     sdkmath.Int `json:"max_leverage"` // 21 decimals
	SafetyMarginBps int64       `json:"safety_margin_bps"`
	MinLongPosition sdkmath.Int `json:"min_long_position"`

	LiquidationIteration int `json:"liquidation_iteration"`
	MaxActionablePerCall int `json:"max_actionable_per_call"`

	ProtocolFeeBps         int64          `json:"protocol_fee_bps"`
	PositionFeeBps         int64          `json:"position_fee_bps"`
	VaultFeeBps            int64          `json:"vault_fee_bps"`
	SdexBurnOnDepositRatio int64          `json:"sdex_burn_on_deposit_ratio"` // 1e8 = 100%
	FeeThreshold           sdkmath.Int    `json:"fee_threshold"`
	FeeCollector           common.Address `json:"fee_collector"`

	FundingSF int64 `json:"funding_sf"` // 3 decimals
	EMAPeriod int64 `json:"ema_period"` // seconds

	SecurityDeposit    sdkmath.Int `json:"security_deposit"`
	ValidationDelay    int64       `json:"validation_delay"`
	ValidationDeadline int64       `json:"validation_deadline"`
	ActionCooldown     int64       `json:"action_cooldown"`

	Imbalance ImbalanceLimits `json:"imbalance"`

	TargetUsdnPrice     sdkmath.Int `json:"target_usdn_price"`
	UsdnRebaseThreshold sdkmath.Int `json:"usdn_rebase_threshold"`
	UsdnRebaseInterval  int64       `json:"usdn_rebase_interval"`
}

const (
	SdexBurnRatioDivisor  = 100_000_000
	maxEMAPeriod          = 90 * fpmath.SecondsPerDay
	maxLiquidationPenalty = 1500
)

// DefaultParams mirrors a conservative production setup.
func DefaultParams() ProtocolParams {
	return ProtocolParams{
		TickSpacing:        100,
		LiquidationPenalty: 200,

		MinLeverage:     fpmath.LeverageScale.Add(fpmath.Pow10(fpmath.LeverageDecimals - 9)), // 1.000000001x
		MaxLeverage:     fpmath.LeverageScale.MulRaw(10),
		SafetyMarginBps: 200,
		MinLongPosition: fpmath.Pow10(fpmath.TokensDecimals - 2), // 0.01

		LiquidationIteration: 1,
		MaxActionablePerCall: 10,

		ProtocolFeeBps:         800,
		PositionFeeBps:         4,
		VaultFeeBps:            4,
		SdexBurnOnDepositRatio: 1_000_000, // 1%
		FeeThreshold:           fpmath.ToTokens(1),
		FeeCollector:           common.HexToAddress("0x00000000000000000000000000000000000fee01"),

		FundingSF: 120,
		EMAPeriod: 5 * fpmath.SecondsPerDay,

		SecurityDeposit:    fpmath.Pow10(fpmath.TokensDecimals - 1).MulRaw(5), // 0.5
		ValidationDelay:    24,
		ValidationDeadline: 20 * 60,
		ActionCooldown:     4 * 3600,

		Imbalance: ImbalanceLimits{
			OpenBps:                500,
			DepositBps:             500,
			WithdrawalBps:          600,
			CloseBps:               600,
			RebalancerCloseBps:     350,
			LongImbalanceTargetBps: 400,
		},

		TargetUsdnPrice:     fpmath.Pow10(fpmath.PriceDecimals - 4).MulRaw(10_087), // 1.0087
		UsdnRebaseThreshold: fpmath.Pow10(fpmath.PriceDecimals - 4).MulRaw(10_089), // 1.0089
		UsdnRebaseInterval:  0,
	}
}

// Validate checks ranges and the relative constraints between parameters.
func (p *ProtocolParams) Validate() error {
	if p.TickSpacing <= 0 {
		return errorsmod.Wrapf(ErrInvalidParams, "tick_spacing must be > 0, got %d", p.TickSpacing)
	}
	if p.LiquidationPenalty < 0 || p.LiquidationPenalty > maxLiquidationPenalty {
		return errorsmod.Wrapf(ErrInvalidParams, "liquidation_penalty out of range: %d", p.LiquidationPenalty)
	}
	if p.MinLeverage.IsNil() || p.MinLeverage.LTE(fpmath.LeverageScale) {
		return errorsmod.Wrap(ErrInvalidParams, "min_leverage must be > 1x")
	}
	if p.MaxLeverage.IsNil() || p.MaxLeverage.LTE(p.MinLeverage) {
		return errorsmod.Wrap(ErrInvalidParams, "max_leverage must be > min_leverage")
	}
	if p.SafetyMarginBps < 0 || p.SafetyMarginBps >= 2000 {
		return errorsmod.Wrapf(ErrInvalidParams, "safety_margin_bps out of range: %d", p.SafetyMarginBps)
	}
	if p.MinLongPosition.IsNil() || p.MinLongPosition.IsNegative() {
		return errorsmod.Wrap(ErrInvalidParams, "min_long_position must be >= 0")
	}
	if p.LiquidationIteration < 1 || p.LiquidationIteration > 10 {
		return errorsmod.Wrapf(ErrInvalidParams, "liquidation_iteration must be in [1, 10], got %d", p.LiquidationIteration)
	}
	if p.MaxActionablePerCall < 1 {
		return errorsmod.Wrap(ErrInvalidParams, "max_actionable_per_call must be >= 1")
	}
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps > fpmath.BPSDivisor {
		return errorsmod.Wrapf(ErrInvalidParams, "protocol_fee_bps out of range: %d", p.ProtocolFeeBps)
	}
	if p.PositionFeeBps < 0 || p.PositionFeeBps > 2000 {
		return errorsmod.Wrapf(ErrInvalidParams, "position_fee_bps out of range: %d", p.PositionFeeBps)
	}
	if p.VaultFeeBps < 0 || p.VaultFeeBps > 2000 {
		return errorsmod.Wrapf(ErrInvalidParams, "vault_fee_bps out of range: %d", p.VaultFeeBps)
	}
	if p.SdexBurnOnDepositRatio < 0 || p.SdexBurnOnDepositRatio > SdexBurnRatioDivisor {
		return errorsmod.Wrapf(ErrInvalidParams, "sdex_burn_on_deposit_ratio out of range: %d", p.SdexBurnOnDepositRatio)
	}
	if p.FeeThreshold.IsNil() || p.FeeThreshold.IsNegative() {
		return errorsmod.Wrap(ErrInvalidParams, "fee_threshold must be >= 0")
	}
	if p.FundingSF < 0 || p.FundingSF > 10*fpmath.BPSDivisor {
		return errorsmod.Wrapf(ErrInvalidParams, "funding_sf out of range: %d", p.FundingSF)
	}
	if p.EMAPeriod <= 0 || p.EMAPeriod > maxEMAPeriod {
		return errorsmod.Wrapf(ErrInvalidParams, "ema_period out of range: %d", p.EMAPeriod)
	}
	if p.SecurityDeposit.IsNil() || p.SecurityDeposit.IsNegative() {
		return errorsmod.Wrap(ErrInvalidParams, "security_deposit must be >= 0")
	}
	if p.ValidationDelay < 0 || p.ValidationDelay >= p.ValidationDeadline {
		return errorsmod.Wrapf(ErrInvalidParams, "validation_delay (%d) must be < validation_deadline (%d)",
			p.ValidationDelay, p.ValidationDeadline)
	}
	if p.ValidationDeadline >= p.ActionCooldown {
		return errorsmod.Wrapf(ErrInvalidParams, "validation_deadline (%d) must be < action_cooldown (%d)",
			p.ValidationDeadline, p.ActionCooldown)
	}
	if err := p.Imbalance.Validate(); err != nil {
		return err
	}
	if p.TargetUsdnPrice.IsNil() || p.UsdnRebaseThreshold.IsNil() ||
		p.TargetUsdnPrice.LT(fpmath.TokenScale) || p.UsdnRebaseThreshold.LT(p.TargetUsdnPrice) {
		return errorsmod.Wrap(ErrInvalidParams, "rebase threshold must be >= target price >= 1")
	}
	return nil
}

// Validate enforces the relative ordering of the imbalance limits.
func (l ImbalanceLimits) Validate() error {
	for _, v := range []int64{l.OpenBps, l.DepositBps, l.WithdrawalBps, l.CloseBps, l.RebalancerCloseBps} {
		if v < 0 {
			return errorsmod.Wrap(ErrInvalidParams, "imbalance limits must be >= 0")
		}
	}
	if l.OpenBps > 0 && l.WithdrawalBps > 0 && l.WithdrawalBps < l.OpenBps {
		return errorsmod.Wrapf(ErrInvalidParams, "withdrawal limit (%d) must be >= open limit (%d)", l.WithdrawalBps, l.OpenBps)
	}
	if l.DepositBps > 0 && l.CloseBps > 0 && l.CloseBps < l.DepositBps {
		return errorsmod.Wrapf(ErrInvalidParams, "close limit (%d) must be >= deposit limit (%d)", l.CloseBps, l.DepositBps)
	}
	if l.RebalancerCloseBps != 0 && l.RebalancerCloseBps > l.CloseBps {
		return errorsmod.Wrapf(ErrInvalidParams, "rebalancer close limit (%d) must be <= close limit (%d)",
			l.RebalancerCloseBps, l.CloseBps)
	}
	if l.LongImbalanceTargetBps > l.CloseBps {
		return errorsmod.Wrapf(ErrInvalidParams, "long imbalance target (%d) must be <= close limit (%d)",
			l.LongImbalanceTargetBps, l.CloseBps)
	}
	if l.LongImbalanceTargetBps < -l.WithdrawalBps || l.LongImbalanceTargetBps < -5000 {
		return errorsmod.Wrapf(ErrInvalidParams, "long imbalance target too low: %d", l.LongImbalanceTargetBps)
	}
	return nil
}
