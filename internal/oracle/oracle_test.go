package oracle_test

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
)

const now int64 = 1_700_000_000

func tokens(n int64) sdkmath.Int { return fpmath.ToTokens(n) }

func round(id int64, price sdkmath.Int, ts int64) oracle.Round {
	return oracle.Round{ID: id, Price: price, Confidence: sdkmath.ZeroInt(), Timestamp: ts}
}

func update(price, conf sdkmath.Int, ts int64) []byte {
	return oracle.EncodeUpdate(oracle.Update{Price: price, Confidence: conf, Timestamp: ts})
}

func newMiddleware(t *testing.T) (*oracle.Middleware, *oracle.Feed) {
	t.Helper()
	feed := oracle.NewFeed("ETH/USD", nil)
	m, err := oracle.NewMiddleware(oracle.DefaultConfig(), feed, nil)
	require.NoError(t, err)
	return m, feed
}

// ============================================================================
// Test: Settled feed
// ============================================================================

func TestFeed_AppliesNewerRoundsOnly(t *testing.T) {
	feed := oracle.NewFeed("ETH/USD", nil)

	applied, err := feed.Update(round(1, tokens(3000), now))
	require.NoError(t, err)
	assert.True(t, applied)

	for _, r := range []oracle.Round{
		round(1, tokens(3001), now+10), // same id
		round(2, tokens(3001), now),    // same timestamp
		round(0, tokens(3001), now+10), // older id
	} {
		applied, err := feed.Update(r)
		require.NoError(t, err)
		assert.False(t, applied, "round %d at %d", r.ID, r.Timestamp)
	}

	latest, ok := feed.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(1), latest.ID)
}

func TestFeed_SkipsRoundsBeyondThreshold(t *testing.T) {
	feed := oracle.NewFeed("ETH/USD", nil)
	_, err := feed.Update(round(1, tokens(3000), now))
	require.NoError(t, err)

	applied, err := feed.Update(round(2, tokens(300_001), now+1))
	require.NoError(t, err)
	assert.False(t, applied, "more than 100x")

	applied, err = feed.Update(round(3, tokens(29), now+2))
	require.NoError(t, err)
	assert.False(t, applied, "less than 1%")

	applied, err = feed.Update(round(4, tokens(30), now+3))
	require.NoError(t, err)
	assert.True(t, applied, "exactly 1% is inside the threshold")
}

func TestFeed_RejectsInvalidPrices(t *testing.T) {
	feed := oracle.NewFeed("ETH/USD", nil)
	_, err := feed.Update(round(1, sdkmath.ZeroInt(), now))
	require.ErrorIs(t, err, core.ErrPriceOutOfRange)

	_, err = feed.Update(oracle.Round{ID: 1, Price: tokens(1), Confidence: sdkmath.NewInt(-1), Timestamp: now})
	require.ErrorIs(t, err, core.ErrPriceOutOfRange)
}

func TestFeed_RoundAtOrAfter(t *testing.T) {
	feed := oracle.NewFeed("ETH/USD", nil)
	for i, ts := range []int64{now, now + 60, now + 120} {
		_, err := feed.Update(round(int64(i+1), tokens(3000+int64(i)), ts))
		require.NoError(t, err)
	}

	r, ok := feed.RoundAtOrAfter(now + 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), r.ID)

	r, ok = feed.RoundAtOrAfter(now + 120)
	require.True(t, ok)
	assert.Equal(t, int64(3), r.ID)

	_, ok = feed.RoundAtOrAfter(now + 121)
	assert.False(t, ok)
}

func TestFeed_HandleAndStateRoundTrip(t *testing.T) {
	feed := oracle.NewFeed("ETH/USD", nil)
	out, err := feed.Handle(core.CallContext{}, &event.PriceRound{
		Feed: "ETH/USD", RoundID: 7, Price: tokens(3000), Timestamp: now,
	})
	require.NoError(t, err)
	assert.Equal(t, tokens(3000).String(), out.Price.String())

	_, err = feed.Handle(core.CallContext{}, &event.PriceRound{Feed: "BTC/USD", RoundID: 8, Price: tokens(1), Timestamp: now})
	require.ErrorIs(t, err, core.ErrUnknownCommand)

	data, err := feed.ExportState()
	require.NoError(t, err)
	restored := oracle.NewFeed("ETH/USD", nil)
	require.NoError(t, restored.ImportState(data))
	latest, ok := restored.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(7), latest.ID)

	require.Error(t, oracle.NewFeed("BTC/USD", nil).ImportState(data))
}

// ============================================================================
// Test: Middleware
// ============================================================================

func TestMiddleware_CurrentPriceFromLowLatencyUpdate(t *testing.T) {
	m, _ := newMiddleware(t)

	info, err := m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), now-10), 0, now, core.OracleInitiate)
	require.NoError(t, err)
	assert.Equal(t, tokens(3000).String(), info.Price.String())
	assert.Equal(t, now-10, info.Timestamp)

	_, err = m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), now+1), 0, now, core.OracleInitiate)
	require.ErrorIs(t, err, core.ErrPriceTooRecent)

	_, err = m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), now-61), 0, now, core.OracleInitiate)
	require.ErrorIs(t, err, core.ErrPriceTooOld)
}

func TestMiddleware_CurrentPriceFromSettledFeed(t *testing.T) {
	m, feed := newMiddleware(t)

	_, err := m.ParseAndValidatePrice(nil, 0, now, core.OracleLiquidation)
	require.ErrorIs(t, err, core.ErrPriceTooOld)

	_, err = feed.Update(round(1, tokens(2900), now-100))
	require.NoError(t, err)
	info, err := m.ParseAndValidatePrice(nil, 0, now, core.OracleLiquidation)
	require.NoError(t, err)
	assert.Equal(t, tokens(2900).String(), info.NeutralPrice.String())

	_, err = m.ParseAndValidatePrice(nil, 0, now+3700, core.OracleLiquidation)
	require.ErrorIs(t, err, core.ErrPriceTooOld)
}

func TestMiddleware_ValidationWindow(t *testing.T) {
	m, feed := newMiddleware(t)
	initiated := now
	target := initiated + 24

	// inside the window a low-latency update at [target, target+5] is needed
	_, err := m.ParseAndValidatePrice(nil, target, target+10, core.OracleValidateDeposit)
	require.ErrorIs(t, err, core.ErrPriceTooRecent)
	_, err = m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), target-1), target, target+10, core.OracleValidateDeposit)
	require.ErrorIs(t, err, core.ErrPriceTooOld)
	_, err = m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), target+6), target, target+10, core.OracleValidateDeposit)
	require.ErrorIs(t, err, core.ErrPriceTooRecent)
	info, err := m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), target+5), target, target+10, core.OracleValidateDeposit)
	require.NoError(t, err)
	assert.Equal(t, target+5, info.Timestamp)

	// after the window only a settled round at or after the target works
	late := initiated + 1200 + 1
	_, err = m.ParseAndValidatePrice(update(tokens(3000), sdkmath.ZeroInt(), late), target, late, core.OracleValidateDeposit)
	require.ErrorIs(t, err, core.ErrPriceTooOld)
	_, err = m.ParseAndValidatePrice(nil, target, late, core.OracleValidateDeposit)
	require.ErrorIs(t, err, core.ErrPriceTooRecent)

	_, err = feed.Update(round(1, tokens(3010), target+30))
	require.NoError(t, err)
	info, err = m.ParseAndValidatePrice(nil, target, late, core.OracleValidateDeposit)
	require.NoError(t, err)
	assert.Equal(t, tokens(3010).String(), info.Price.String())
	assert.Equal(t, target+30, info.Timestamp)
}

func TestMiddleware_ConfidenceFavoursProtocol(t *testing.T) {
	m, _ := newMiddleware(t)
	target := now + 24
	payload := update(tokens(3000), tokens(10), target)

	tests := []struct {
		action core.OracleAction
		want   sdkmath.Int
	}{
		{core.OracleValidateDeposit, tokens(2996)},
		{core.OracleValidateClose, tokens(2996)},
		{core.OracleValidateWithdrawal, tokens(3004)},
		{core.OracleValidateOpen, tokens(3004)},
	}
	for _, tc := range tests {
		t.Run(tc.action.String(), func(t *testing.T) {
			info, err := m.ParseAndValidatePrice(payload, target, target, tc.action)
			require.NoError(t, err)
			assert.Equal(t, tc.want.String(), info.Price.String())
			assert.Equal(t, tokens(3000).String(), info.NeutralPrice.String())
		})
	}

	info, err := m.ParseAndValidatePrice(update(tokens(3000), tokens(10), now), 0, now, core.OracleInitiate)
	require.NoError(t, err)
	assert.Equal(t, tokens(3000).String(), info.Price.String(), "initiations use the neutral price")
}

func TestMiddleware_RejectsOutOfRangeAndMalformed(t *testing.T) {
	m, _ := newMiddleware(t)

	_, err := m.ParseAndValidatePrice(update(sdkmath.NewInt(1), sdkmath.ZeroInt(), now), 0, now, core.OracleInitiate)
	require.ErrorIs(t, err, core.ErrPriceOutOfRange)

	_, err = m.ParseAndValidatePrice([]byte("{not json"), 0, now, core.OracleInitiate)
	require.ErrorIs(t, err, core.ErrPriceOutOfRange)

	_, err = m.ParseAndValidatePrice(update(tokens(3000), sdkmath.NewInt(-1), now), 0, now, core.OracleInitiate)
	require.ErrorIs(t, err, core.ErrPriceOutOfRange)
}

func TestMiddleware_ValidationCost(t *testing.T) {
	m, _ := newMiddleware(t)
	assert.True(t, m.ValidationCost(nil, core.OracleInitiate).IsZero())
	assert.Equal(t, oracle.DefaultConfig().LowLatencyFee.String(),
		m.ValidationCost(update(tokens(1), sdkmath.ZeroInt(), now), core.OracleInitiate).String())
}

func TestNewMiddleware_ValidatesConfig(t *testing.T) {
	feed := oracle.NewFeed("ETH/USD", nil)
	_, err := oracle.NewMiddleware(oracle.DefaultConfig(), nil, nil)
	require.Error(t, err)

	cfg := oracle.DefaultConfig()
	cfg.ValidationDeadline = cfg.ValidationDelay
	_, err = oracle.NewMiddleware(cfg, feed, nil)
	require.Error(t, err)

	cfg = oracle.DefaultConfig()
	cfg.ConfRatioBps = fpmath.BPSDivisor + 1
	_, err = oracle.NewMiddleware(cfg, feed, nil)
	require.Error(t, err)
}
