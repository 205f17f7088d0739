package rewards_test

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/rewards"
	"PerpVault/internal/state"
)

var gwei = sdkmath.NewInt(1_000_000_000)

// micro is n millionths of a token.
func micro(n int64) sdkmath.Int { return fpmath.Pow10(fpmath.TokensDecimals - 6).MulRaw(n) }

// nano is n billionths of a token.
func nano(n int64) sdkmath.Int { return fpmath.Pow10(fpmath.TokensDecimals - 9).MulRaw(n) }

func tick(totalExpo, tickPrice sdkmath.Int) state.TickLiquidation {
	return state.TickLiquidation{
		LiquidatedTick: state.LiquidatedTick{Data: state.TickData{TotalExpo: totalExpo}},
		TickPrice:      tickPrice,
	}
}

func newManager(t *testing.T) *rewards.Manager {
	t.Helper()
	m, err := rewards.NewManager(rewards.DefaultParams())
	require.NoError(t, err)
	return m
}

func TestComputeReward_NoTicksPaysNothing(t *testing.T) {
	m := newManager(t)
	r := m.ComputeReward(core.RewardInput{GasPrice: gwei, CurrentPrice: fpmath.ToTokens(3000)})
	assert.True(t, r.IsZero())
}

func TestComputeReward_GasCost(t *testing.T) {
	m := newManager(t)
	price := fpmath.ToTokens(3000)
	// tick priced above the current price earns no bonus
	ticks := []state.TickLiquidation{tick(fpmath.ToTokens(10), fpmath.ToTokens(3100))}

	tests := []struct {
		name string
		in   core.RewardInput
		want sdkmath.Int
	}{
		{
			// (53094 + 469537) gas * 1 gwei * 3
			name: "one tick",
			in:   core.RewardInput{Ticks: ticks, CurrentPrice: price, GasPrice: gwei},
			want: nano(1_567_893).Add(micro(2_000)),
		},
		{
			name: "gas price capped at limit",
			in:   core.RewardInput{Ticks: ticks, CurrentPrice: price, GasPrice: gwei.MulRaw(100)},
			want: nano(12_543_144).Add(micro(2_000)),
		},
		{
			name: "rebase and rebalancer gas",
			in:   core.RewardInput{Ticks: ticks, CurrentPrice: price, GasPrice: gwei, Rebased: true, RebalancerTriggered: true},
			want: nano(2_452_065).Add(micro(2_000)),
		},
		{
			name: "missing gas price pays the fixed reward",
			in:   core.RewardInput{Ticks: ticks, CurrentPrice: price},
			want: micro(2_000),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want.String(), m.ComputeReward(tc.in).String())
		})
	}
}

func TestComputeReward_PositionBonus(t *testing.T) {
	m := newManager(t)
	// 10 * (2500 - 2000) / 2500 = 2 tokens of value, 2% of it is paid
	r := m.ComputeReward(core.RewardInput{
		Ticks:        []state.TickLiquidation{tick(fpmath.ToTokens(10), fpmath.ToTokens(2000))},
		CurrentPrice: fpmath.ToTokens(2500),
		GasPrice:     sdkmath.ZeroInt(),
	})
	assert.Equal(t, micro(42_000).String(), r.String())
}

func TestComputeReward_CappedAtMaxReward(t *testing.T) {
	m := newManager(t)
	r := m.ComputeReward(core.RewardInput{
		Ticks:        []state.TickLiquidation{tick(fpmath.ToTokens(1000), fpmath.ToTokens(1))},
		CurrentPrice: fpmath.ToTokens(2500),
		GasPrice:     gwei,
	})
	assert.Equal(t, rewards.DefaultParams().MaxReward.String(), r.String())
}

func TestNewManager_RejectsInvalidParams(t *testing.T) {
	p := rewards.DefaultParams()
	p.MultiplierBps = -1
	_, err := rewards.NewManager(p)
	require.ErrorIs(t, err, rewards.ErrInvalidParams)

	p = rewards.DefaultParams()
	p.MaxReward = sdkmath.Int{}
	_, err = rewards.NewManager(p)
	require.ErrorIs(t, err, rewards.ErrInvalidParams)
}
