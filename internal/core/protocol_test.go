package core_test

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/rewards"
	"PerpVault/internal/state"
	tu "PerpVault/internal/testutil"
)

const t0 = tu.StartTime

// validationPrice is a low-latency update at the validation target of an
// action initiated at initiatedAt.
func validationPrice(f *tu.Fixture, price sdkmath.Int, initiatedAt int64) []byte {
	return tu.Price(price, initiatedAt+f.Params.ValidationDelay)
}

func newInitialized(t *testing.T, opts ...tu.Option) *tu.Fixture {
	t.Helper()
	f := tu.NewFixture(t, opts...)
	f.Initialize(t)
	return f
}

// openValidated opens amount for user at `at` and validates it at the
// initial price. It returns the position id.
func openValidated(t *testing.T, f *tu.Fixture, user common.Address, amount, liqPrice sdkmath.Int, at int64) state.PositionID {
	t.Helper()
	out := f.Open(t, user, amount, liqPrice, at)
	require.Equal(t, core.StatusProcessed, out.Status)
	target := at + f.Params.ValidationDelay
	vout, err := f.Protocol.ValidateOpenPosition(f.Call(user, target), validationPrice(f, tu.InitialPrice, at))
	require.NoError(t, err)
	require.Equal(t, core.StatusProcessed, vout.Status)
	return vout.PositionID
}

// ============================================================================
// Test: Initialization
// ============================================================================

func TestInitialize_SeedsVaultAndLong(t *testing.T) {
	f := tu.NewFixture(t)
	out := f.Initialize(t)

	st := f.Protocol.State()
	assert.True(t, st.Initialized)
	assert.Equal(t, tu.Tokens(10).String(), st.Balances.Vault.String())
	assert.Equal(t, tu.Tokens(10).String(), st.Balances.Long.String())
	assert.False(t, out.PositionID.IsNone())

	// one share token per dollar deposited
	assert.Equal(t, tu.Tokens(30000).String(), f.Shares.BalanceOf(tu.Deployer).String())
	assert.Equal(t, tu.Tokens(980).String(), f.Asset.BalanceOf(tu.Deployer).String())
	// only the oracle fee was kept
	assert.Equal(t, tu.Tokens(100).SubRaw(1).String(), f.Native.BalanceOf(tu.Deployer).String())

	pos, _, err := f.Protocol.GetPosition(out.PositionID)
	require.NoError(t, err)
	assert.True(t, pos.Validated)
	assert.True(t, pos.TotalExpo.GT(tu.Tokens(19)), "expo %s", pos.TotalExpo)
	assert.True(t, pos.TotalExpo.LTE(tu.Tokens(20)), "expo %s", pos.TotalExpo)

	f.RequireInvariants(t)
}

func TestInitialize_OnlyOnce(t *testing.T) {
	f := newInitialized(t)
	_, err := f.Protocol.Initialize(f.Call(tu.Deployer, t0+1), core.InitializeRequest{
		DepositAmount:   tu.Tokens(1),
		LongAmount:      tu.Tokens(1),
		DesiredLiqPrice: tu.Tokens(1500),
		Payload:         tu.Price(tu.InitialPrice, t0+1),
	})
	require.ErrorIs(t, err, core.ErrAlreadyInitialized)
}

func TestActions_RequireInitialization(t *testing.T) {
	f := tu.NewFixture(t)
	_, err := f.Protocol.InitiateDeposit(f.Call(tu.Alice, t0), core.DepositRequest{
		Amount:    tu.Milli(200),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, t0),
	})
	require.ErrorIs(t, err, core.ErrNotInitialized)
}

// ============================================================================
// Test: Vault deposits and withdrawals
// ============================================================================

func TestDeposit_InitiateAndValidate(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10

	out := f.Deposit(t, tu.Alice, tu.Milli(200), at)
	require.Equal(t, core.StatusProcessed, out.Status)
	require.NotNil(t, out.Action)
	assert.Equal(t, state.ActionDeposit, out.Action.Kind)
	assert.Equal(t, tu.Tokens(1000).Sub(tu.Milli(200)).String(), f.Asset.BalanceOf(tu.Alice).String())

	st := f.Protocol.State()
	assert.Equal(t, tu.Milli(200).String(), st.Balances.PendingDeposits.String())
	assert.Equal(t, 1, st.Queue.Len())
	f.RequireInvariants(t)

	vout, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, at+24), validationPrice(f, tu.InitialPrice, at))
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessed, vout.Status)
	assert.True(t, vout.Amount.IsPositive())
	assert.Equal(t, vout.Amount.String(), f.Shares.SharesOf(tu.Alice).String())
	assert.Equal(t, f.Params.SecurityDeposit.String(), vout.SecurityDepositPaid.String())

	st = f.Protocol.State()
	assert.True(t, st.Balances.PendingDeposits.IsZero())
	assert.True(t, st.Balances.PendingBalanceVault.IsZero())
	assert.Equal(t, 0, st.Queue.Len())
	assert.True(t, st.Balances.Vault.GT(tu.Tokens(10)))

	// two oracle fees, security deposit returned
	assert.Equal(t, tu.Tokens(100).SubRaw(2).String(), f.Native.BalanceOf(tu.Alice).String())
	f.RequireInvariants(t)
}

func TestDeposit_ValidationTooEarly(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)

	_, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, at+10), validationPrice(f, tu.InitialPrice, at))
	require.ErrorIs(t, err, core.ErrValidationTooEarly)

	_, ok := f.Protocol.PendingActionOf(tu.Alice)
	assert.True(t, ok, "pending action must survive a rejected validation")
}

func TestDeposit_OnlyValidatorMayValidateBeforeActionable(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)

	_, err := f.Protocol.ValidateDeposit(f.Call(tu.Bob, at+24), validationPrice(f, tu.InitialPrice, at))
	require.ErrorIs(t, err, core.ErrNoPendingAction)
}

func TestWithdrawal_RoundTrip(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)
	_, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, at+24), validationPrice(f, tu.InitialPrice, at))
	require.NoError(t, err)
	shares := f.Shares.SharesOf(tu.Alice)
	before := f.Asset.BalanceOf(tu.Alice)

	at = t0 + 100
	out, err := f.Protocol.InitiateWithdrawal(f.Call(tu.Alice, at), core.WithdrawalRequest{
		Shares:    shares,
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, at),
	})
	require.NoError(t, err)
	require.Equal(t, core.StatusProcessed, out.Status)
	assert.True(t, f.Shares.SharesOf(tu.Alice).IsZero(), "shares are escrowed by the protocol")
	f.RequireInvariants(t)

	vout, err := f.Protocol.ValidateWithdrawal(f.Call(tu.Alice, at+24), validationPrice(f, tu.InitialPrice, at))
	require.NoError(t, err)
	assert.True(t, vout.Amount.IsPositive())
	assert.True(t, vout.Amount.LT(tu.Milli(200)), "fees are kept by the vault, got %s", vout.Amount)
	assert.Equal(t, before.Add(vout.Amount).String(), f.Asset.BalanceOf(tu.Alice).String())
	assert.True(t, f.Protocol.State().Balances.PendingBalanceVault.IsZero())
	f.RequireInvariants(t)
}

func TestWithdrawal_InsufficientShares(t *testing.T) {
	f := newInitialized(t)
	_, err := f.Protocol.InitiateWithdrawal(f.Call(tu.Alice, t0+10), core.WithdrawalRequest{
		Shares:    sdkmath.NewInt(1),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, t0+10),
	})
	require.ErrorIs(t, err, core.ErrInsufficientShares)
}

// ============================================================================
// Test: Long positions
// ============================================================================

func TestOpenClose_RoundTrip(t *testing.T) {
	f := newInitialized(t)
	id := openValidated(t, f, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)

	pos, _, err := f.Protocol.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, pos.Validated)
	assert.Equal(t, tu.Bob, pos.Owner)
	lev := pos.Leverage()
	assert.True(t, lev.GT(tu.Tokens(5).MulRaw(1000)), "leverage %s", lev)
	f.RequireInvariants(t)

	liq, err := f.Protocol.GetPositionLiquidationPrice(id)
	require.NoError(t, err)
	assert.True(t, liq.LTE(tu.Tokens(2500)), "liquidation price %s", liq)

	before := f.Asset.BalanceOf(tu.Bob)
	at := t0 + 100
	out, err := f.Protocol.InitiateClosePosition(f.Call(tu.Bob, at), core.CloseRequest{
		PositionID: id,
		Amount:     pos.Amount,
		To:         tu.Bob,
		Validator:  tu.Bob,
		Payload:    tu.Price(tu.InitialPrice, at),
	})
	require.NoError(t, err)
	require.Equal(t, core.StatusProcessed, out.Status)
	assert.Equal(t, out.Amount.String(), f.Protocol.State().Balances.PendingCloseEscrow.String())
	f.RequireInvariants(t)

	_, _, err = f.Protocol.GetPosition(id)
	require.Error(t, err, "fully closed position is gone")

	vout, err := f.Protocol.ValidateClosePosition(f.Call(tu.Bob, at+24), validationPrice(f, tu.InitialPrice, at))
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessed, vout.Status)
	assert.True(t, vout.Amount.IsPositive())
	assert.True(t, vout.Amount.LT(tu.Milli(50)), "fees are kept, got %s", vout.Amount)
	assert.Equal(t, before.Add(vout.Amount).String(), f.Asset.BalanceOf(tu.Bob).String())
	assert.True(t, f.Protocol.State().Balances.PendingCloseEscrow.IsZero())
	f.RequireInvariants(t)
}

func TestOpen_RejectsOutOfBoundsRequests(t *testing.T) {
	at := t0 + 10
	tests := []struct {
		name string
		req  core.OpenRequest
		want error
	}{
		{
			name: "safety margin",
			req:  core.OpenRequest{Amount: tu.Milli(50), DesiredLiqPrice: tu.Tokens(2990)},
			want: core.ErrSafetyMargin,
		},
		{
			name: "leverage above maximum",
			req:  core.OpenRequest{Amount: tu.Milli(50), DesiredLiqPrice: tu.Tokens(2900)},
			want: core.ErrLeverageOutOfBounds,
		},
		{
			name: "user max leverage",
			req:  core.OpenRequest{Amount: tu.Milli(50), DesiredLiqPrice: tu.Tokens(2500), UserMaxLeverage: tu.Tokens(2).MulRaw(1000)},
			want: core.ErrLeverageOutOfBounds,
		},
		{
			name: "slippage",
			req:  core.OpenRequest{Amount: tu.Milli(50), DesiredLiqPrice: tu.Tokens(2500), UserMaxPrice: tu.Tokens(3000)},
			want: core.ErrSlippageExceeded,
		},
		{
			name: "below minimum size",
			req:  core.OpenRequest{Amount: tu.Milli(5), DesiredLiqPrice: tu.Tokens(2500)},
			want: core.ErrPositionTooSmall,
		},
		{
			name: "deadline",
			req:  core.OpenRequest{Amount: tu.Milli(50), DesiredLiqPrice: tu.Tokens(2500), Deadline: at - 1},
			want: core.ErrDeadlineExceeded,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newInitialized(t)
			tc.req.To = tu.Bob
			tc.req.Validator = tu.Bob
			tc.req.Payload = tu.Price(tu.InitialPrice, at)
			_, err := f.Protocol.InitiateOpenPosition(f.Call(tu.Bob, at), tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, tu.Tokens(1000).String(), f.Asset.BalanceOf(tu.Bob).String())
			f.RequireInvariants(t)
		})
	}
}

func TestClose_RejectsForeignPosition(t *testing.T) {
	f := newInitialized(t)
	id := openValidated(t, f, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)

	_, err := f.Protocol.InitiateClosePosition(f.Call(tu.Carol, t0+100), core.CloseRequest{
		PositionID: id,
		Amount:     tu.Milli(50),
		To:         tu.Carol,
		Validator:  tu.Carol,
		Payload:    tu.Price(tu.InitialPrice, t0+100),
	})
	require.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestClose_RejectsUnvalidatedPosition(t *testing.T) {
	f := newInitialized(t)
	out := f.Open(t, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)

	_, err := f.Protocol.InitiateClosePosition(f.Call(tu.Bob, t0+12), core.CloseRequest{
		PositionID: out.PositionID,
		Amount:     tu.Milli(50),
		To:         tu.Bob,
		Validator:  tu.Carol,
		Payload:    tu.Price(tu.InitialPrice, t0+12),
	})
	require.ErrorIs(t, err, core.ErrPositionNotValidated)
}

// ============================================================================
// Test: Atomicity and limits
// ============================================================================

func TestDeposit_ImbalanceLimitRollsBack(t *testing.T) {
	f := newInitialized(t)
	f.Asset.DrainBatches()
	before := f.Protocol.State().Digest()

	_, err := f.Protocol.InitiateDeposit(f.Call(tu.Alice, t0+10), core.DepositRequest{
		Amount:    tu.Tokens(5),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, t0+10),
	})
	require.ErrorIs(t, err, state.ErrImbalanceLimitReached)

	assert.Equal(t, before, f.Protocol.State().Digest())
	assert.Equal(t, tu.Tokens(1000).String(), f.Asset.BalanceOf(tu.Alice).String())
	assert.Equal(t, tu.Tokens(100).String(), f.Native.BalanceOf(tu.Alice).String())
	assert.Empty(t, f.Asset.DrainBatches(), "reverted calls leave no journal batches")
	f.RequireInvariants(t)
}

func TestInitiate_MissingSecurityDepositRollsBack(t *testing.T) {
	f := newInitialized(t)
	before := f.Protocol.State().Digest()

	cc := f.Call(tu.Alice, t0+10)
	cc.Value = sdkmath.NewInt(1)
	_, err := f.Protocol.InitiateDeposit(cc, core.DepositRequest{
		Amount:    tu.Milli(200),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, t0+10),
	})
	require.ErrorIs(t, err, core.ErrSecurityDeposit)

	assert.Equal(t, before, f.Protocol.State().Digest())
	assert.Equal(t, tu.Tokens(1000).String(), f.Asset.BalanceOf(tu.Alice).String())
	assert.Equal(t, tu.Tokens(100).String(), f.Native.BalanceOf(tu.Alice).String())
	f.RequireInvariants(t)
}

func TestInitiate_OnePendingActionPerValidator(t *testing.T) {
	f := newInitialized(t)
	f.Deposit(t, tu.Alice, tu.Milli(100), t0+10)

	_, err := f.Protocol.InitiateDeposit(f.Call(tu.Alice, t0+11), core.DepositRequest{
		Amount:    tu.Milli(100),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, t0+11),
	})
	require.ErrorIs(t, err, state.ErrPendingActionExists)
}

func TestCall_TimestampInPastIsRejected(t *testing.T) {
	f := newInitialized(t)
	f.Deposit(t, tu.Alice, tu.Milli(100), t0+10)

	_, err := f.Protocol.InitiateDeposit(f.Call(tu.Bob, t0+5), core.DepositRequest{
		Amount:    tu.Milli(100),
		To:        tu.Bob,
		Validator: tu.Bob,
		Payload:   tu.Price(tu.InitialPrice, t0+5),
	})
	require.ErrorIs(t, err, core.ErrTimestampInPast)
}

// ============================================================================
// Test: Liquidations
// ============================================================================

func TestOpen_LiquidatedBeforeValidation(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	out := f.Open(t, tu.Bob, tu.Milli(50), tu.Tokens(2500), at)
	id := out.PositionID

	vout, err := f.Protocol.ValidateOpenPosition(f.Call(tu.Bob, at+24), validationPrice(f, tu.Tokens(2400), at))
	require.NoError(t, err)
	assert.Equal(t, core.StatusLiquidatedBeforeValidation, vout.Status)
	assert.Equal(t, 1, vout.Liquidation.Ticks)
	require.NotNil(t, vout.Action)
	assert.Equal(t, state.ActionStateLiquidated, vout.Action.State)
	assert.Equal(t, f.Params.SecurityDeposit.String(), vout.SecurityDepositPaid.String())

	_, _, err = f.Protocol.GetPosition(id)
	require.ErrorIs(t, err, state.ErrOutdatedTick)
	_, ok := f.Protocol.PendingActionOf(tu.Bob)
	assert.False(t, ok)
	f.RequireInvariants(t)
}

func TestClose_LiquidatedBeforeValidation(t *testing.T) {
	f := newInitialized(t)
	id := openValidated(t, f, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)
	before := f.Asset.BalanceOf(tu.Bob)

	at := t0 + 100
	_, err := f.Protocol.InitiateClosePosition(f.Call(tu.Bob, at), core.CloseRequest{
		PositionID: id,
		Amount:     tu.Milli(50),
		To:         tu.Bob,
		Validator:  tu.Bob,
		Payload:    tu.Price(tu.InitialPrice, at),
	})
	require.NoError(t, err)
	vaultBefore := f.Protocol.State().Balances.Vault

	vout, err := f.Protocol.ValidateClosePosition(f.Call(tu.Bob, at+24), validationPrice(f, tu.Tokens(2400), at))
	require.NoError(t, err)
	assert.Equal(t, core.StatusLiquidatedBeforeValidation, vout.Status)
	assert.True(t, vout.Amount.IsZero())
	assert.Equal(t, before.String(), f.Asset.BalanceOf(tu.Bob).String(), "the escrow goes to the vault")

	st := f.Protocol.State()
	assert.True(t, st.Balances.PendingCloseEscrow.IsZero())
	assert.True(t, st.Balances.Vault.GT(vaultBefore))
	f.RequireInvariants(t)
}

func TestLiquidate_PaysRewardAndOutdatesPosition(t *testing.T) {
	f := newInitialized(t)
	id := openValidated(t, f, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)
	before := f.Asset.BalanceOf(tu.Liquidator)

	// above the liquidation price, below the penalised tick price
	at := t0 + 100
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, at), tu.Price(tu.Tokens(2510), at), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Liquidation.Ticks)
	assert.Equal(t, 1, out.Liquidation.Positions)
	assert.True(t, out.Liquidation.RemainingCollateral.IsPositive())
	assert.True(t, out.Liquidation.Reward.IsPositive())
	assert.True(t, out.Liquidation.Reward.LTE(out.Liquidation.RemainingCollateral), "reward %s", out.Liquidation.Reward)
	assert.Equal(t, before.Add(out.Liquidation.Reward).String(), f.Asset.BalanceOf(tu.Liquidator).String())

	_, _, err = f.Protocol.GetPosition(id)
	require.ErrorIs(t, err, state.ErrOutdatedTick)
	f.RequireInvariants(t)
}

func TestLiquidate_BadDebtPaysNoReward(t *testing.T) {
	f := newInitialized(t)
	openValidated(t, f, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)
	before := f.Asset.BalanceOf(tu.Liquidator)

	at := t0 + 100
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, at), tu.Price(tu.Tokens(2400), at), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Liquidation.Ticks)
	assert.True(t, out.Liquidation.RemainingCollateral.IsNegative())
	// the vault covered the loss, there is no liquidation gain to pay from
	assert.True(t, out.Liquidation.Reward.IsZero(), "reward %s", out.Liquidation.Reward)
	assert.Equal(t, before.String(), f.Asset.BalanceOf(tu.Liquidator).String())
	f.RequireInvariants(t)
}

func TestLiquidate_NothingToLiquidate(t *testing.T) {
	f := newInitialized(t)
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, t0+100), tu.Price(tu.InitialPrice, t0+100), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Liquidation.Ticks)
	assert.True(t, out.Liquidation.Reward.IsZero())
	f.RequireInvariants(t)
}

func TestInitiate_LiquidationPendingSkipsAction(t *testing.T) {
	f := newInitialized(t)
	openValidated(t, f, tu.Bob, tu.Milli(50), tu.Tokens(2500), t0+10)
	openValidated(t, f, tu.Carol, tu.Milli(30), tu.Tokens(2300), t0+40)

	at := t0 + 200
	out, err := f.Protocol.InitiateDeposit(f.Call(tu.Alice, at), core.DepositRequest{
		Amount:    tu.Milli(100),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.Tokens(2000), at),
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusLiquidationPending, out.Status)
	assert.Equal(t, 1, out.Liquidation.Ticks, "one tick per call by default")

	_, ok := f.Protocol.PendingActionOf(tu.Alice)
	assert.False(t, ok)
	// nothing escrowed, the caller earned the liquidation reward
	assert.Equal(t, tu.Tokens(1000).Add(out.Liquidation.Reward).String(), f.Asset.BalanceOf(tu.Alice).String())
	// security deposit refunded, oracle fee kept
	assert.Equal(t, tu.Tokens(100).SubRaw(1).String(), f.Native.BalanceOf(tu.Alice).String())
	f.RequireInvariants(t)
}

// ============================================================================
// Test: Stale and actionable pending actions
// ============================================================================

func TestRemoveStale_RefundsInitiatorAndPaysCaller(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)

	_, err := f.Protocol.RemoveStalePendingAction(f.Call(tu.Carol, at+100), tu.Alice)
	require.ErrorIs(t, err, core.ErrActionNotStale)

	out, err := f.Protocol.RemoveStalePendingAction(f.Call(tu.Carol, at+f.Params.ActionCooldown), tu.Alice)
	require.NoError(t, err)
	assert.Equal(t, core.StatusForceRemoved, out.Status)
	assert.Equal(t, tu.Milli(200).String(), out.Amount.String())
	require.NotNil(t, out.Action)
	assert.Equal(t, state.ActionStateForceRemoved, out.Action.State)

	assert.Equal(t, tu.Tokens(1000).String(), f.Asset.BalanceOf(tu.Alice).String())
	assert.Equal(t, tu.Tokens(100).Add(f.Params.SecurityDeposit).String(), f.Native.BalanceOf(tu.Carol).String())
	st := f.Protocol.State()
	assert.True(t, st.Balances.PendingDeposits.IsZero())
	assert.True(t, st.Balances.PendingBalanceVault.IsZero())
	f.RequireInvariants(t)
}

func TestRemoveStale_OpenReturnsPositionValue(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	out := f.Open(t, tu.Bob, tu.Milli(50), tu.Tokens(2500), at)
	before := f.Asset.BalanceOf(tu.Bob)

	rout, err := f.Protocol.RemoveStalePendingAction(f.Call(tu.Carol, at+f.Params.ActionCooldown), tu.Bob)
	require.NoError(t, err)
	assert.Equal(t, core.StatusForceRemoved, rout.Status)
	assert.True(t, rout.Amount.IsPositive())
	assert.Equal(t, before.Add(rout.Amount).String(), f.Asset.BalanceOf(tu.Bob).String())

	_, _, err = f.Protocol.GetPosition(out.PositionID)
	require.Error(t, err)
	f.RequireInvariants(t)
}

func TestInitiate_RemovesStaleActionOfValidator(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)

	later := at + f.Params.ActionCooldown
	out := f.Deposit(t, tu.Alice, tu.Milli(100), later)
	require.Equal(t, core.StatusProcessed, out.Status)

	pa, ok := f.Protocol.PendingActionOf(tu.Alice)
	require.True(t, ok)
	assert.Equal(t, later, pa.Timestamp)
	assert.Equal(t, tu.Milli(100).String(), f.Protocol.State().Balances.PendingDeposits.String())
	assert.Equal(t, tu.Tokens(1000).Sub(tu.Milli(100)).String(), f.Asset.BalanceOf(tu.Alice).String())
	f.RequireInvariants(t)
}

func TestValidateActionable_ValidatesInQueueOrder(t *testing.T) {
	f := newInitialized(t)
	f.Deposit(t, tu.Alice, tu.Milli(100), t0+10)
	f.Deposit(t, tu.Bob, tu.Milli(100), t0+11)

	now := t0 + 40
	actionable := f.Protocol.ActionablePendingActions(now, 10)
	require.Len(t, actionable, 2)
	assert.Equal(t, tu.Alice, actionable[0].Validator)
	assert.Equal(t, tu.Bob, actionable[1].Validator)

	out, err := f.Protocol.ValidateActionablePendingActions(f.Call(tu.Carol, now), 10, [][]byte{
		validationPrice(f, tu.InitialPrice, t0+10),
		validationPrice(f, tu.InitialPrice, t0+11),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Validated)
	assert.Equal(t, f.Params.SecurityDeposit.MulRaw(2).String(), out.SecurityDepositPaid.String())

	assert.True(t, f.Shares.SharesOf(tu.Alice).IsPositive())
	assert.True(t, f.Shares.SharesOf(tu.Bob).IsPositive())
	assert.Equal(t, tu.Tokens(100).Add(f.Params.SecurityDeposit.MulRaw(2)).SubRaw(2).String(), f.Native.BalanceOf(tu.Carol).String())
	assert.Equal(t, 0, f.Protocol.State().Queue.Len())
	f.RequireInvariants(t)
}

func TestValidateActionable_ReportsLastValidationPrice(t *testing.T) {
	f := newInitialized(t)
	f.Deposit(t, tu.Alice, tu.Milli(100), t0+10)
	f.Deposit(t, tu.Bob, tu.Milli(100), t0+11)

	out, err := f.Protocol.ValidateActionablePendingActions(f.Call(tu.Carol, t0+40), 10, [][]byte{
		validationPrice(f, tu.InitialPrice, t0+10),
		validationPrice(f, tu.Tokens(3010), t0+11),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Validated)
	assert.Equal(t, tu.Tokens(3010).String(), out.Price.String())
	f.RequireInvariants(t)
}

func TestValidateActionable_HonoursMaxValidations(t *testing.T) {
	f := newInitialized(t)
	f.Deposit(t, tu.Alice, tu.Milli(100), t0+10)
	f.Deposit(t, tu.Bob, tu.Milli(100), t0+11)

	out, err := f.Protocol.ValidateActionablePendingActions(f.Call(tu.Carol, t0+40), 1, [][]byte{
		validationPrice(f, tu.InitialPrice, t0+10),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Validated)
	_, ok := f.Protocol.PendingActionOf(tu.Bob)
	assert.True(t, ok)
	f.RequireInvariants(t)
}

func TestValidateActionable_StopsAtFirstFailure(t *testing.T) {
	f := newInitialized(t)
	f.Deposit(t, tu.Alice, tu.Milli(100), t0+10)
	f.Deposit(t, tu.Bob, tu.Milli(100), t0+11)

	// the second price predates its target
	out, err := f.Protocol.ValidateActionablePendingActions(f.Call(tu.Carol, t0+40), 10, [][]byte{
		validationPrice(f, tu.InitialPrice, t0+10),
		tu.Price(tu.InitialPrice, t0+11),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Validated)
	assert.Equal(t, f.Params.SecurityDeposit.String(), out.SecurityDepositPaid.String())

	pa, ok := f.Protocol.PendingActionOf(tu.Bob)
	require.True(t, ok)
	assert.Equal(t, state.ActionStateInitiated, pa.State)
	f.RequireInvariants(t)
}

func TestValidation_AfterWindowUsesSettledRound(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)
	f.PushRound(t, 1, tu.InitialPrice, at+30)

	late := at + f.Params.ValidationDeadline + 10
	_, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, late), tu.Price(tu.InitialPrice, late))
	require.ErrorIs(t, err, core.ErrPriceTooOld)

	out, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, late), nil)
	require.NoError(t, err)
	assert.True(t, out.Amount.IsPositive())
	assert.Equal(t, tu.InitialPrice.String(), out.Price.String())
	f.RequireInvariants(t)
}

// ============================================================================
// Test: End-to-end protocol flows
// ============================================================================

func TestProtocol_InitializeOpensTwoXLong(t *testing.T) {
	f := tu.NewFixture(t)
	out := f.Initialize(t)

	pos, _, err := f.Protocol.GetPosition(out.PositionID)
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(10).String(), pos.Amount.String())
	assert.True(t, pos.TotalExpo.GT(tu.Milli(19_500)), "expo %s", pos.TotalExpo)
	assert.True(t, pos.TotalExpo.LTE(tu.Tokens(20)), "expo %s", pos.TotalExpo)

	lev := pos.Leverage()
	assert.True(t, lev.GT(fpmath.LeverageScale.MulRaw(195).QuoRaw(100)), "leverage %s", lev)
	assert.True(t, lev.LTE(fpmath.LeverageScale.MulRaw(2)), "leverage %s", lev)

	assert.Zero(t, out.PositionID.Tick%f.Params.TickSpacing)
	liq, err := f.Protocol.GetPositionLiquidationPrice(out.PositionID)
	require.NoError(t, err)
	assert.True(t, liq.LTE(tu.Tokens(1500)), "liquidation price %s", liq)
	// one tick spacing of 100 ticks is about 1%
	assert.True(t, liq.GT(tu.Tokens(1485)), "liquidation price %s", liq)
	f.RequireInvariants(t)
}

func TestProtocol_ThirdPartyValidatesStaleWithdrawalAtSettledPrice(t *testing.T) {
	f := newInitialized(t)
	at := t0 + 10
	f.Deposit(t, tu.Alice, tu.Milli(200), at)
	_, err := f.Protocol.ValidateDeposit(f.Call(tu.Alice, at+24), validationPrice(f, tu.InitialPrice, at))
	require.NoError(t, err)

	at = t0 + 100
	_, err = f.Protocol.InitiateWithdrawal(f.Call(tu.Alice, at), core.WithdrawalRequest{
		Shares:    f.Shares.SharesOf(tu.Alice),
		To:        tu.Alice,
		Validator: tu.Alice,
		Payload:   tu.Price(tu.InitialPrice, at),
	})
	require.NoError(t, err)
	f.PushRound(t, 1, tu.Tokens(3010), at+30)
	before := f.Asset.BalanceOf(tu.Alice)

	late := at + f.Params.ActionCooldown + 3600
	actionable := f.Protocol.ActionablePendingActions(late, 10)
	require.Len(t, actionable, 1)
	assert.Equal(t, tu.Alice, actionable[0].Validator)

	out, err := f.Protocol.ValidateActionablePendingActions(f.Call(tu.Carol, late), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Validated)
	assert.Equal(t, tu.Tokens(3010).String(), out.Price.String())
	assert.Equal(t, f.Params.SecurityDeposit.String(), out.SecurityDepositPaid.String())

	_, ok := f.Protocol.PendingActionOf(tu.Alice)
	assert.False(t, ok)
	assert.True(t, f.Asset.BalanceOf(tu.Alice).GT(before), "withdrawn assets go to the recipient")
	// the settled feed is free: the caller keeps its value and earns the deposit
	assert.Equal(t, tu.Tokens(100).Add(f.Params.SecurityDeposit).String(), f.Native.BalanceOf(tu.Carol).String())
	f.RequireInvariants(t)
}

func TestProtocol_LiquidatesWholeTickWithClampedReward(t *testing.T) {
	f := newInitialized(t)
	ids := []state.PositionID{
		openValidated(t, f, tu.Alice, tu.Milli(20), tu.Tokens(2500), t0+10),
		openValidated(t, f, tu.Bob, tu.Milli(20), tu.Tokens(2500), t0+40),
		openValidated(t, f, tu.Carol, tu.Milli(20), tu.Tokens(2500), t0+70),
	}
	for _, id := range ids[1:] {
		require.Equal(t, ids[0].Tick, id.Tick)
		require.Equal(t, ids[0].TickVersion, id.TickVersion)
	}
	before := f.Asset.BalanceOf(tu.Liquidator)

	at := t0 + 200
	out, err := f.Protocol.Liquidate(f.Call(tu.Liquidator, at), tu.Price(tu.Tokens(2510), at), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Liquidation.Ticks)
	assert.Equal(t, 3, out.Liquidation.Positions)
	assert.ElementsMatch(t, ids, out.Liquidation.Liquidated)

	reward := out.Liquidation.Reward
	assert.True(t, reward.IsPositive())
	assert.True(t, reward.LTE(rewards.DefaultParams().MaxReward), "reward %s", reward)
	assert.True(t, reward.LTE(out.Liquidation.RemainingCollateral), "reward %s", reward)
	assert.Equal(t, before.Add(reward).String(), f.Asset.BalanceOf(tu.Liquidator).String())

	for _, id := range ids {
		_, _, err := f.Protocol.GetPosition(id)
		require.ErrorIs(t, err, state.ErrOutdatedTick)
	}
	assert.False(t, f.Protocol.State().Balances.Vault.IsNegative())
	f.RequireInvariants(t)
}

func TestProtocol_OpenImbalanceLimitIsInclusive(t *testing.T) {
	at := t0 + 10
	open := func(amount sdkmath.Int) error {
		f := newInitialized(t)
		_, err := f.Protocol.InitiateOpenPosition(f.Call(tu.Bob, at), core.OpenRequest{
			Amount:          amount,
			DesiredLiqPrice: tu.Tokens(2500),
			To:              tu.Bob,
			Validator:       tu.Bob,
			Payload:         tu.Price(tu.InitialPrice, at),
		})
		return err
	}

	// largest accepted amount, found to the wei
	lo, hi := tu.Milli(20), tu.Tokens(1)
	require.NoError(t, open(lo))
	require.ErrorIs(t, open(hi), state.ErrImbalanceLimitReached)
	for hi.Sub(lo).GT(sdkmath.OneInt()) {
		mid := lo.Add(hi.Sub(lo).QuoRaw(2))
		if open(mid) == nil {
			lo = mid
		} else {
			hi = mid
		}
	}

	require.NoError(t, open(lo))
	require.ErrorIs(t, open(lo.AddRaw(1)), state.ErrImbalanceLimitReached)
}
