package config

import (
	"fmt"
	"os"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/rebalancer"
	"PerpVault/internal/rewards"
	"PerpVault/internal/state"
)

// Params are the tunables of every component.
type Params struct {
	Protocol   state.ProtocolParams
	Oracle     oracle.Config
	Rewards    rewards.Params
	Rebalancer rebalancer.Params

	// Genesis funds accounts before the first command. It is applied on
	// every start, ahead of snapshot restore and replay.
	Genesis []GenesisAccount
}

// GenesisAccount is a starting balance. The account approves the protocol
// and the rebalancer for its whole asset balance.
type GenesisAccount struct {
	Address common.Address
	Asset   sdkmath.Int
	Native  sdkmath.Int
}

// DefaultParams returns the built-in parameters with the validation window
// shared by the protocol, the oracle and the rebalancer.
func DefaultParams() Params {
	p := Params{
		Protocol:   state.DefaultParams(),
		Oracle:     oracle.DefaultConfig(),
		Rewards:    rewards.DefaultParams(),
		Rebalancer: rebalancer.DefaultParams(),
	}
	p.syncWindows()
	return p
}

func (p *Params) syncWindows() {
	p.Oracle.ValidationDelay = p.Protocol.ValidationDelay
	p.Oracle.ValidationDeadline = p.Protocol.ValidationDeadline
	p.Rebalancer.ValidationDelay = p.Protocol.ValidationDelay
	p.Rebalancer.ValidationDeadline = p.Protocol.ValidationDeadline
	p.Rebalancer.ActionCooldown = p.Protocol.ActionCooldown
}

// Validate checks every component's parameters.
func (p *Params) Validate() error {
	if err := p.Protocol.Validate(); err != nil {
		return err
	}
	if err := p.Rewards.Validate(); err != nil {
		return err
	}
	if err := p.Rebalancer.Validate(); err != nil {
		return err
	}
	if p.Oracle.ConfRatioBps < 0 || p.Oracle.ConfRatioBps > fpmath.BPSDivisor {
		return errors.Errorf("oracle conf_ratio_bps out of range: %d", p.Oracle.ConfRatioBps)
	}
	if p.Oracle.MinPrice.IsNil() || p.Oracle.MaxPrice.IsNil() || !p.Oracle.MinPrice.IsPositive() || p.Oracle.MaxPrice.LTE(p.Oracle.MinPrice) {
		return errors.New("oracle price range must satisfy 0 < min_price < max_price")
	}
	for i, g := range p.Genesis {
		if g.Asset.IsNegative() || g.Native.IsNegative() {
			return errors.Errorf("genesis[%d]: negative balance", i)
		}
	}
	return nil
}

// LoadParams reads a YAML parameter file over the defaults. An empty path
// returns the defaults.
func LoadParams(path string) (Params, error) {
	if path == "" {
		p := DefaultParams()
		return p, p.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, errors.Wrapf(err, "read params %s", path)
	}
	return ParseParams(data)
}

// ParseParams decodes YAML over the defaults. Keys that are absent keep
// their default values. Amounts are decimal strings in human units
// (security_deposit: "0.5").
func ParseParams(data []byte) (Params, error) {
	base := DefaultParams()
	doc := documentFrom(base)
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Params{}, errors.Wrap(err, "decode params")
	}
	p, err := doc.apply(base)
	if err != nil {
		return Params{}, err
	}
	p.syncWindows()
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

type document struct {
	Protocol   protocolDoc   `yaml:"protocol"`
	Oracle     oracleDoc     `yaml:"oracle"`
	Rewards    rewardsDoc    `yaml:"rewards"`
	Rebalancer rebalancerDoc `yaml:"rebalancer"`
	Genesis    []genesisDoc  `yaml:"genesis"`
}

type genesisDoc struct {
	Address string `yaml:"address"`
	Asset   string `yaml:"asset"`
	Native  string `yaml:"native"`
}

type protocolDoc struct {
	TickSpacing          int32  `yaml:"tick_spacing"`
	LiquidationPenalty   int32  `yaml:"liquidation_penalty"`
	MinLeverage          string `yaml:"min_leverage"`
	MaxLeverage          string `yaml:"max_leverage"`
	SafetyMarginBps      int64  `yaml:"safety_margin_bps"`
	MinLongPosition      string `yaml:"min_long_position"`
	LiquidationIteration int    `yaml:"liquidation_iteration"`
	MaxActionablePerCall int    `yaml:"max_actionable_per_call"`

	ProtocolFeeBps         int64  `yaml:"protocol_fee_bps"`
	PositionFeeBps         int64  `yaml:"position_fee_bps"`
	VaultFeeBps            int64  `yaml:"vault_fee_bps"`
	SdexBurnOnDepositRatio int64  `yaml:"sdex_burn_on_deposit_ratio"`
	FeeThreshold           string `yaml:"fee_threshold"`
	FeeCollector           string `yaml:"fee_collector"`

	FundingSF int64 `yaml:"funding_sf"`
	EMAPeriod int64 `yaml:"ema_period"`

	SecurityDeposit    string `yaml:"security_deposit"`
	ValidationDelay    int64  `yaml:"validation_delay"`
	ValidationDeadline int64  `yaml:"validation_deadline"`
	ActionCooldown     int64  `yaml:"action_cooldown"`

	Imbalance state.ImbalanceLimits `yaml:"imbalance"`

	TargetUsdnPrice     string `yaml:"target_usdn_price"`
	UsdnRebaseThreshold string `yaml:"usdn_rebase_threshold"`
	UsdnRebaseInterval  int64  `yaml:"usdn_rebase_interval"`
}

type oracleDoc struct {
	oracle.Config `yaml:",inline"`
	LowLatencyFee string `yaml:"low_latency_fee"`
	MinPrice      string `yaml:"min_price"`
	MaxPrice      string `yaml:"max_price"`
}

type rewardsDoc struct {
	rewards.Params `yaml:",inline"`
	GasPriceLimit  string `yaml:"gas_price_limit"` // wei
	NativeToAsset  string `yaml:"native_to_asset"`
	FixedReward    string `yaml:"fixed_reward"`
	MaxReward      string `yaml:"max_reward"`
}

type rebalancerDoc struct {
	MinAssetDeposit string `yaml:"min_asset_deposit"`
	MaxLeverage     string `yaml:"max_leverage"`
	CloseDelay      int64  `yaml:"close_delay"`
}

func documentFrom(p Params) document {
	pp := p.Protocol
	tokens := func(v sdkmath.Int) string { return fpmath.FormatDecimal(v, fpmath.TokensDecimals) }
	leverage := func(v sdkmath.Int) string { return fpmath.FormatDecimal(v, fpmath.LeverageDecimals) }
	price := func(v sdkmath.Int) string { return fpmath.FormatDecimal(v, fpmath.PriceDecimals) }

	return document{
		Protocol: protocolDoc{
			TickSpacing:            pp.TickSpacing,
			LiquidationPenalty:     pp.LiquidationPenalty,
			MinLeverage:            leverage(pp.MinLeverage),
			MaxLeverage:            leverage(pp.MaxLeverage),
			SafetyMarginBps:        pp.SafetyMarginBps,
			MinLongPosition:        tokens(pp.MinLongPosition),
			LiquidationIteration:   pp.LiquidationIteration,
			MaxActionablePerCall:   pp.MaxActionablePerCall,
			ProtocolFeeBps:         pp.ProtocolFeeBps,
			PositionFeeBps:         pp.PositionFeeBps,
			VaultFeeBps:            pp.VaultFeeBps,
			SdexBurnOnDepositRatio: pp.SdexBurnOnDepositRatio,
			FeeThreshold:           tokens(pp.FeeThreshold),
			FeeCollector:           pp.FeeCollector.Hex(),
			FundingSF:              pp.FundingSF,
			EMAPeriod:              pp.EMAPeriod,
			SecurityDeposit:        tokens(pp.SecurityDeposit),
			ValidationDelay:        pp.ValidationDelay,
			ValidationDeadline:     pp.ValidationDeadline,
			ActionCooldown:         pp.ActionCooldown,
			Imbalance:              pp.Imbalance,
			TargetUsdnPrice:        price(pp.TargetUsdnPrice),
			UsdnRebaseThreshold:    price(pp.UsdnRebaseThreshold),
			UsdnRebaseInterval:     pp.UsdnRebaseInterval,
		},
		Oracle: oracleDoc{
			Config:        p.Oracle,
			LowLatencyFee: fpmath.FormatDecimal(p.Oracle.LowLatencyFee, 0),
			MinPrice:      price(p.Oracle.MinPrice),
			MaxPrice:      price(p.Oracle.MaxPrice),
		},
		Rewards: rewardsDoc{
			Params:        p.Rewards,
			GasPriceLimit: fpmath.FormatDecimal(p.Rewards.GasPriceLimit, 0),
			NativeToAsset: tokens(p.Rewards.NativeToAsset),
			FixedReward:   tokens(p.Rewards.FixedReward),
			MaxReward:     tokens(p.Rewards.MaxReward),
		},
		Rebalancer: rebalancerDoc{
			MinAssetDeposit: tokens(p.Rebalancer.MinAssetDeposit),
			MaxLeverage:     leverage(p.Rebalancer.MaxLeverage),
			CloseDelay:      p.Rebalancer.CloseDelay,
		},
	}
}

// amountParser collects the first parse error so apply reads linearly.
type amountParser struct {
	err error
}

func (ap *amountParser) parse(key, s string, decimals int) sdkmath.Int {
	if ap.err != nil {
		return sdkmath.ZeroInt()
	}
	v, err := fpmath.ParseDecimal(s, decimals)
	if err != nil {
		ap.err = errors.Wrap(err, key)
		return sdkmath.ZeroInt()
	}
	return v
}

func (d document) apply(p Params) (Params, error) {
	var ap amountParser
	dp := d.Protocol

	if !common.IsHexAddress(dp.FeeCollector) {
		return Params{}, errors.Errorf("protocol.fee_collector: invalid address %q", dp.FeeCollector)
	}

	p.Protocol = state.ProtocolParams{
		TickSpacing:            dp.TickSpacing,
		LiquidationPenalty:     dp.LiquidationPenalty,
		MinLeverage:            ap.parse("protocol.min_leverage", dp.MinLeverage, fpmath.LeverageDecimals),
		MaxLeverage:            ap.parse("protocol.max_leverage", dp.MaxLeverage, fpmath.LeverageDecimals),
		SafetyMarginBps:        dp.SafetyMarginBps,
		MinLongPosition:        ap.parse("protocol.min_long_position", dp.MinLongPosition, fpmath.TokensDecimals),
		LiquidationIteration:   dp.LiquidationIteration,
		MaxActionablePerCall:   dp.MaxActionablePerCall,
		ProtocolFeeBps:         dp.ProtocolFeeBps,
		PositionFeeBps:         dp.PositionFeeBps,
		VaultFeeBps:            dp.VaultFeeBps,
		SdexBurnOnDepositRatio: dp.SdexBurnOnDepositRatio,
		FeeThreshold:           ap.parse("protocol.fee_threshold", dp.FeeThreshold, fpmath.TokensDecimals),
		FeeCollector:           common.HexToAddress(dp.FeeCollector),
		FundingSF:              dp.FundingSF,
		EMAPeriod:              dp.EMAPeriod,
		SecurityDeposit:        ap.parse("protocol.security_deposit", dp.SecurityDeposit, fpmath.TokensDecimals),
		ValidationDelay:        dp.ValidationDelay,
		ValidationDeadline:     dp.ValidationDeadline,
		ActionCooldown:         dp.ActionCooldown,
		Imbalance:              dp.Imbalance,
		TargetUsdnPrice:        ap.parse("protocol.target_usdn_price", dp.TargetUsdnPrice, fpmath.PriceDecimals),
		UsdnRebaseThreshold:    ap.parse("protocol.usdn_rebase_threshold", dp.UsdnRebaseThreshold, fpmath.PriceDecimals),
		UsdnRebaseInterval:     dp.UsdnRebaseInterval,
	}

	p.Oracle = d.Oracle.Config
	p.Oracle.LowLatencyFee = ap.parse("oracle.low_latency_fee", d.Oracle.LowLatencyFee, 0)
	p.Oracle.MinPrice = ap.parse("oracle.min_price", d.Oracle.MinPrice, fpmath.PriceDecimals)
	p.Oracle.MaxPrice = ap.parse("oracle.max_price", d.Oracle.MaxPrice, fpmath.PriceDecimals)

	p.Rewards = d.Rewards.Params
	p.Rewards.GasPriceLimit = ap.parse("rewards.gas_price_limit", d.Rewards.GasPriceLimit, 0)
	p.Rewards.NativeToAsset = ap.parse("rewards.native_to_asset", d.Rewards.NativeToAsset, fpmath.TokensDecimals)
	p.Rewards.FixedReward = ap.parse("rewards.fixed_reward", d.Rewards.FixedReward, fpmath.TokensDecimals)
	p.Rewards.MaxReward = ap.parse("rewards.max_reward", d.Rewards.MaxReward, fpmath.TokensDecimals)

	p.Rebalancer.MinAssetDeposit = ap.parse("rebalancer.min_asset_deposit", d.Rebalancer.MinAssetDeposit, fpmath.TokensDecimals)
	p.Rebalancer.MaxLeverage = ap.parse("rebalancer.max_leverage", d.Rebalancer.MaxLeverage, fpmath.LeverageDecimals)
	p.Rebalancer.CloseDelay = d.Rebalancer.CloseDelay

	for i, g := range d.Genesis {
		if !common.IsHexAddress(g.Address) {
			return Params{}, errors.Errorf("genesis[%d].address: invalid address %q", i, g.Address)
		}
		p.Genesis = append(p.Genesis, GenesisAccount{
			Address: common.HexToAddress(g.Address),
			Asset:   ap.parse(fmt.Sprintf("genesis[%d].asset", i), orZero(g.Asset), fpmath.TokensDecimals),
			Native:  ap.parse(fmt.Sprintf("genesis[%d].native", i), orZero(g.Native), fpmath.TokensDecimals),
		})
	}

	if ap.err != nil {
		return Params{}, ap.err
	}
	return p, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
