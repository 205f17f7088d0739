package rebalancer_test

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/rebalancer"
	"PerpVault/internal/state"
	tu "PerpVault/internal/testutil"
)

const t0 = tu.StartTime

func newInitialized(t *testing.T, opts ...tu.Option) *tu.Fixture {
	t.Helper()
	f := tu.NewFixture(t, opts...)
	f.Initialize(t)
	return f
}

// depositValidated deposits amount for user at `at` and validates it 30s
// later.
func depositValidated(t *testing.T, f *tu.Fixture, user common.Address, amount sdkmath.Int, at int64) {
	t.Helper()
	_, err := f.Rebalancer.InitiateDepositAssets(f.Call(user, at), amount, user)
	require.NoError(t, err)
	_, err = f.Rebalancer.ValidateDepositAssets(f.Call(user, at+30))
	require.NoError(t, err)
}

// ============================================================================
// Test: Deposits
// ============================================================================

func TestDeposit_InitiateAndValidate(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer

	_, err := r.InitiateDepositAssets(f.Call(tu.Carol, t0+10), tu.Tokens(1), tu.Carol)
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(999).String(), f.Asset.BalanceOf(tu.Carol).String())
	assert.Equal(t, tu.Tokens(1).String(), f.Asset.BalanceOf(tu.RebalancerAddress).String())
	assert.Equal(t, tu.Tokens(100).String(), f.Native.BalanceOf(tu.Carol).String(), "rebalancer deposits carry no fee")

	u, ok := r.UserDeposit(tu.Carol)
	require.True(t, ok)
	assert.Equal(t, rebalancer.UserPendingDeposit, u.Status)
	assert.True(t, r.PendingAssets().IsZero())

	_, err = r.ValidateDepositAssets(f.Call(tu.Carol, t0+20))
	require.ErrorIs(t, err, rebalancer.ErrTooEarly)

	_, err = r.ValidateDepositAssets(f.Call(tu.Carol, t0+34))
	require.NoError(t, err)
	u, _ = r.UserDeposit(tu.Carol)
	assert.Equal(t, rebalancer.UserIdle, u.Status)
	assert.Equal(t, uint64(1), u.EntryVersion)
	assert.Equal(t, tu.Tokens(1).String(), r.PendingAssets().String())
	assert.Equal(t, tu.Tokens(1).String(), r.UserValue(u).String())
}

func TestDeposit_Rejections(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer

	_, err := r.InitiateDepositAssets(f.Call(tu.Carol, t0+10), tu.Milli(5), tu.Carol)
	require.ErrorIs(t, err, rebalancer.ErrAmountTooSmall)

	_, err = r.InitiateDepositAssets(f.Call(tu.Carol, t0+10), tu.Tokens(1), common.Address{})
	require.ErrorIs(t, err, core.ErrInvalidAddress)

	_, err = r.InitiateDepositAssets(f.Call(tu.Carol, t0+10), tu.Tokens(1), tu.Carol)
	require.NoError(t, err)
	_, err = r.InitiateDepositAssets(f.Call(tu.Carol, t0+11), tu.Tokens(1), tu.Carol)
	require.ErrorIs(t, err, rebalancer.ErrDepositExists)

	_, err = r.ValidateDepositAssets(f.Call(tu.Bob, t0+40))
	require.ErrorIs(t, err, rebalancer.ErrNoPendingDeposit)

	_, err = r.ValidateDepositAssets(f.Call(tu.Carol, t0+10+1201))
	require.ErrorIs(t, err, rebalancer.ErrTooLate)
	assert.Equal(t, tu.Tokens(999).String(), f.Asset.BalanceOf(tu.Carol).String())
}

func TestResetDeposit_AfterCooldown(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer
	_, err := r.InitiateDepositAssets(f.Call(tu.Carol, t0+10), tu.Tokens(1), tu.Carol)
	require.NoError(t, err)

	cooldown := r.Params().ActionCooldown
	_, err = r.ResetDepositAssets(f.Call(tu.Carol, t0+10+cooldown))
	require.ErrorIs(t, err, rebalancer.ErrTooEarly)

	_, err = r.ResetDepositAssets(f.Call(tu.Carol, t0+10+cooldown+1))
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(1000).String(), f.Asset.BalanceOf(tu.Carol).String())
	_, ok := r.UserDeposit(tu.Carol)
	assert.False(t, ok)
}

// ============================================================================
// Test: Withdrawals
// ============================================================================

func TestWithdraw_PartialThenFull(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer
	depositValidated(t, f, tu.Carol, tu.Tokens(1), t0+10)

	_, err := r.InitiateWithdrawAssets(f.Call(tu.Carol, t0+100))
	require.NoError(t, err)
	_, err = r.ValidateWithdrawAssets(f.Call(tu.Carol, t0+110), tu.Milli(400), tu.Carol)
	require.ErrorIs(t, err, rebalancer.ErrTooEarly)

	_, err = r.ValidateWithdrawAssets(f.Call(tu.Carol, t0+124), tu.Milli(995), tu.Carol)
	require.ErrorIs(t, err, rebalancer.ErrAmountTooSmall, "remaining deposit below the minimum")

	_, err = r.ValidateWithdrawAssets(f.Call(tu.Carol, t0+124), tu.Milli(400), tu.Carol)
	require.NoError(t, err)
	assert.Equal(t, tu.Milli(999_400).String(), f.Asset.BalanceOf(tu.Carol).String())
	assert.Equal(t, tu.Milli(600).String(), r.PendingAssets().String())
	u, ok := r.UserDeposit(tu.Carol)
	require.True(t, ok)
	assert.Equal(t, rebalancer.UserIdle, u.Status)

	_, err = r.InitiateWithdrawAssets(f.Call(tu.Carol, t0+200))
	require.NoError(t, err)
	_, err = r.ValidateWithdrawAssets(f.Call(tu.Carol, t0+230), tu.Milli(600), tu.Carol)
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(1000).String(), f.Asset.BalanceOf(tu.Carol).String())
	assert.True(t, r.PendingAssets().IsZero())
	_, ok = r.UserDeposit(tu.Carol)
	assert.False(t, ok)
}

func TestWithdraw_Rejections(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer

	_, err := r.InitiateWithdrawAssets(f.Call(tu.Carol, t0+10))
	require.ErrorIs(t, err, rebalancer.ErrNoDeposit)

	_, err = r.InitiateDepositAssets(f.Call(tu.Carol, t0+10), tu.Tokens(1), tu.Carol)
	require.NoError(t, err)
	_, err = r.InitiateWithdrawAssets(f.Call(tu.Carol, t0+20))
	require.ErrorIs(t, err, rebalancer.ErrNoDeposit, "deposit not validated")

	_, err = r.ValidateWithdrawAssets(f.Call(tu.Carol, t0+50), tu.Tokens(1), tu.Carol)
	require.ErrorIs(t, err, rebalancer.ErrNoPendingWithdraw)

	_, err = r.ValidateWithdrawAssets(f.Call(tu.Carol, t0+50), sdkmath.ZeroInt(), tu.Carol)
	require.ErrorIs(t, err, core.ErrZeroAmount)
}

// ============================================================================
// Test: Position versions
// ============================================================================

func TestUpdatePosition_ValuesDepositsThroughMultipliers(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer
	depositValidated(t, f, tu.Carol, tu.Tokens(1), t0+10)

	first := state.PositionID{Tick: 70_000, TickVersion: 0, Index: 0}
	require.NoError(t, r.UpdatePosition(first, sdkmath.ZeroInt()))
	assert.Equal(t, uint64(1), r.PositionVersion())
	assert.True(t, r.PendingAssets().IsZero())

	v1, ok := r.PositionData(1)
	require.True(t, ok)
	assert.Equal(t, tu.Tokens(1).String(), v1.Amount.String())
	assert.Equal(t, rebalancer.MultiplierScale.String(), v1.EntryMultiplier.String())

	// the position gained 50% before the next refresh
	second := state.PositionID{Tick: 70_100, TickVersion: 0, Index: 0}
	require.NoError(t, r.UpdatePosition(second, tu.Milli(1500)))
	v2, ok := r.PositionData(2)
	require.True(t, ok)
	assert.Equal(t, tu.Milli(1500).String(), v2.Amount.String())
	assert.Equal(t, fpmath.ApplyBps(rebalancer.MultiplierScale, 15_000).String(), v2.EntryMultiplier.String())

	u, _ := r.UserDeposit(tu.Carol)
	assert.Equal(t, tu.Milli(1500).String(), r.UserValue(u).String())

	_, _, pos := r.CurrentStateData()
	assert.Equal(t, second, pos)
}

func TestUpdatePosition_ZeroValueWipesDeposits(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer
	depositValidated(t, f, tu.Carol, tu.Tokens(1), t0+10)

	require.NoError(t, r.UpdatePosition(state.PositionID{Tick: 70_000}, sdkmath.ZeroInt()))
	require.NoError(t, r.UpdatePosition(state.NoPositionID, sdkmath.ZeroInt()))
	assert.Equal(t, uint64(2), r.LastLiquidatedVersion())

	u, ok := r.UserDeposit(tu.Carol)
	require.True(t, ok)
	assert.True(t, r.UserValue(u).IsZero())

	_, err := r.InitiateWithdrawAssets(f.Call(tu.Carol, t0+100))
	require.ErrorIs(t, err, rebalancer.ErrNoDeposit)

	// a wiped user may deposit again
	_, err = r.InitiateDepositAssets(f.Call(tu.Carol, t0+200), tu.Tokens(1), tu.Carol)
	require.NoError(t, err)
	u, ok = r.UserDeposit(tu.Carol)
	require.True(t, ok)
	assert.Equal(t, rebalancer.UserPendingDeposit, u.Status)
	assert.Equal(t, uint64(0), u.EntryVersion)
}

func TestUpdatePosition_RejectsNegativeValue(t *testing.T) {
	f := newInitialized(t)
	err := f.Rebalancer.UpdatePosition(state.NoPositionID, sdkmath.NewInt(-1))
	require.ErrorIs(t, err, rebalancer.ErrAmountTooLarge)
}

// ============================================================================
// Test: Trigger and close through the protocol
// ============================================================================

func TestTrigger_OpensPositionAndCloseReturnsAssets(t *testing.T) {
	f := newInitialized(t, tu.WithParams(func(p *state.ProtocolParams) {
		p.Imbalance.RebalancerCloseBps = 0
	}))
	r := f.Rebalancer

	depositValidated(t, f, tu.Carol, tu.Tokens(1), t0+10)
	// Bob keeps long trading exposure once the deployer tick is gone
	f.Open(t, tu.Bob, tu.Milli(50), tu.Tokens(1000), t0+40)
	_, err := f.Protocol.ValidateOpenPosition(f.Call(tu.Bob, t0+70), tu.Price(tu.InitialPrice, t0+64))
	require.NoError(t, err)

	// between the deployer's liquidation price and its penalised trigger
	liqAt := t0 + 100
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, liqAt), tu.Price(tu.Tokens(1510), liqAt), 1)
	require.NoError(t, err)
	require.Equal(t, 1, out.Liquidation.Ticks)
	require.True(t, out.Liquidation.RebalancerTriggered)
	f.RequireInvariants(t)

	assert.Equal(t, uint64(1), r.PositionVersion())
	assert.True(t, r.PendingAssets().IsZero())
	assert.True(t, f.Asset.BalanceOf(tu.RebalancerAddress).IsZero(), "pending assets pulled into the protocol")
	data, ok := r.PositionData(1)
	require.True(t, ok)
	require.False(t, data.ID.IsNone())
	assert.Equal(t, tu.Tokens(1).String(), data.Amount.String())

	pos, _, err := f.Protocol.GetPosition(data.ID)
	require.NoError(t, err)
	assert.Equal(t, tu.RebalancerAddress, pos.Owner)
	assert.True(t, pos.Validated)
	lev := pos.Leverage()
	assert.True(t, lev.LTE(r.Params().MaxLeverage), "leverage %s", lev)
	assert.True(t, lev.GT(fpmath.LeverageScale.MulRaw(2)), "leverage %s", lev)

	// the position is locked for CloseDelay after the refresh
	req := rebalancer.CloseRequest{Amount: tu.Tokens(1), To: tu.Carol, Validator: tu.Carol}
	req.Payload = tu.Price(tu.Tokens(1510), liqAt+60)
	_, err = r.InitiateClosePosition(f.Call(tu.Carol, liqAt+60), req)
	require.ErrorIs(t, err, rebalancer.ErrCloseLocked)

	closeAt := liqAt + r.Params().CloseDelay
	req.Payload = tu.Price(tu.Tokens(1510), closeAt)
	res, err := r.InitiateClosePosition(f.Call(tu.Carol, closeAt), req)
	require.NoError(t, err)
	require.Equal(t, core.StatusProcessed, res.Status)
	assert.Equal(t, tu.Tokens(100).Sub(f.Fee()).String(), f.Native.BalanceOf(tu.Carol).String())
	assert.True(t, f.Native.BalanceOf(tu.RebalancerAddress).IsZero(), "unspent value refunded")

	data, _ = r.PositionData(1)
	assert.True(t, data.ID.IsNone())
	assert.True(t, data.Amount.IsZero())
	_, ok = r.UserDeposit(tu.Carol)
	assert.False(t, ok)

	_, err = f.Protocol.ValidateClosePosition(f.Call(tu.Carol, closeAt+30), tu.Price(tu.Tokens(1510), closeAt+24))
	require.NoError(t, err)
	bal := f.Asset.BalanceOf(tu.Carol)
	assert.True(t, bal.GT(tu.Milli(999_800)), "balance %s", bal)
	assert.True(t, bal.LT(tu.Milli(1_000_200)), "balance %s", bal)
	assert.Equal(t, tu.Tokens(100).SubRaw(2).String(), f.Native.BalanceOf(tu.Carol).String())
	f.RequireInvariants(t)
}

// imbalancedWithPendingAssets pools Carol's deposit in the rebalancer, then
// lets a large vault deposit push the vault past the close imbalance limit.
func imbalancedWithPendingAssets(t *testing.T) *tu.Fixture {
	t.Helper()
	f := newInitialized(t, tu.WithParams(func(p *state.ProtocolParams) {
		p.Imbalance.DepositBps = 0
	}))
	depositValidated(t, f, tu.Carol, tu.Tokens(1), t0+10)

	f.Deposit(t, tu.Alice, tu.Tokens(3), t0+50)
	_, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, t0+74), tu.Price(tu.InitialPrice, t0+74))
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.Rebalancer.PositionVersion())

	st := f.Protocol.State()
	imbalance, ok := state.VaultImbalanceBps(st.Balances, st.Ledger.TotalExpo())
	require.True(t, ok)
	require.True(t, imbalance.GTE(sdkmath.NewInt(st.Params.Imbalance.CloseBps)), "imbalance %s bps", imbalance)
	return f
}

func TestTrigger_ImbalanceWithoutLiquidation(t *testing.T) {
	f := imbalancedWithPendingAssets(t)
	r := f.Rebalancer

	at := t0 + 100
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, at), tu.Price(tu.InitialPrice, at), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Liquidation.Ticks)
	assert.True(t, out.Liquidation.RebalancerTriggered)
	assert.True(t, out.Liquidation.Reward.IsZero())
	f.RequireInvariants(t)

	assert.Equal(t, uint64(1), r.PositionVersion())
	assert.True(t, r.PendingAssets().IsZero())
	data, ok := r.PositionData(1)
	require.True(t, ok)
	require.False(t, data.ID.IsNone())
	assert.Equal(t, tu.Tokens(1).String(), data.Amount.String())
	pos, _, err := f.Protocol.GetPosition(data.ID)
	require.NoError(t, err)
	assert.Equal(t, tu.RebalancerAddress, pos.Owner)

	// nothing new to deploy: the position is left as is
	out, err = f.Protocol.Liquidate(f.Call(tu.Liquidator, at+60), tu.Price(tu.InitialPrice, at+60), 1)
	require.NoError(t, err)
	assert.False(t, out.Liquidation.RebalancerTriggered)
	assert.Equal(t, uint64(1), r.PositionVersion())
}

func TestLiquidation_WithoutRefreshMarksVersionLiquidated(t *testing.T) {
	f := imbalancedWithPendingAssets(t)
	r := f.Rebalancer

	at := t0 + 100
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, at), tu.Price(tu.InitialPrice, at), 1)
	require.NoError(t, err)
	require.True(t, out.Liquidation.RebalancerTriggered)
	data, ok := r.PositionData(1)
	require.True(t, ok)

	// Bob's tick sits below the rebalancer's, so one iteration leaves it pending
	f.Open(t, tu.Bob, tu.Milli(50), tu.Tokens(1800), at+30)
	_, err = f.Protocol.ValidateOpenPosition(f.Call(tu.Bob, at+54), tu.Price(tu.InitialPrice, at+54))
	require.NoError(t, err)

	liqAt := at + 200
	out, err = f.Protocol.Liquidate(f.Call(tu.Liquidator, liqAt), tu.Price(tu.Tokens(1790), liqAt), 1)
	require.NoError(t, err)
	require.Equal(t, 1, out.Liquidation.Ticks)
	require.Equal(t, core.StatusLiquidationPending, out.Status)
	assert.Equal(t, data.ID.Tick, out.Liquidation.Liquidated[0].Tick)
	assert.False(t, out.Liquidation.RebalancerTriggered)

	assert.Equal(t, uint64(1), r.LastLiquidatedVersion())
	u, ok := r.UserDeposit(tu.Carol)
	require.True(t, ok)
	assert.True(t, r.UserValue(u).IsZero())
	data, _ = r.PositionData(1)
	assert.True(t, data.ID.IsNone())

	req := rebalancer.CloseRequest{Amount: tu.Tokens(1), To: tu.Carol, Validator: tu.Carol}
	closeAt := liqAt + r.Params().CloseDelay
	req.Payload = tu.Price(tu.Tokens(1790), closeAt)
	_, err = r.InitiateClosePosition(f.Call(tu.Carol, closeAt), req)
	require.ErrorIs(t, err, rebalancer.ErrNoDeposit)
	f.RequireInvariants(t)
}

func TestClose_RequiresIncludedDeposit(t *testing.T) {
	f := newInitialized(t)
	r := f.Rebalancer
	depositValidated(t, f, tu.Carol, tu.Tokens(1), t0+10)

	req := rebalancer.CloseRequest{Amount: tu.Tokens(1), To: tu.Carol, Validator: tu.Carol, Payload: tu.Price(tu.InitialPrice, t0+100)}
	_, err := r.InitiateClosePosition(f.Call(tu.Carol, t0+100), req)
	require.ErrorIs(t, err, rebalancer.ErrNotInPosition)

	_, err = r.InitiateClosePosition(f.Call(tu.Bob, t0+100), req)
	require.ErrorIs(t, err, rebalancer.ErrNoDeposit)
	assert.Equal(t, tu.Tokens(100).String(), f.Native.BalanceOf(tu.Carol).String())
}
