// internal/math/funding.go
package math

import (
	sdkmath "cosmossdk.io/math"
)

// FundingPerDay returns the daily funding rate (18 decimals) for the given
// side exposures. A positive rate means the long side pays the vault.
// ok is false when the vault or the total exposure is zero; no funding
// flows in that case.
func FundingPerDay(longTradingExpo, vaultBalance, totalExpo sdkmath.Int, fundingSF int64, ema sdkmath.Int) (rate sdkmath.Int, ok bool) {
	if totalExpo.IsZero() || !vaultBalance.IsPositive() {
		return sdkmath.ZeroInt(), false
	}
	// imbalance ratio (L - V) / T, 18 decimals
	ratio := MulDiv(longTradingExpo.Sub(vaultBalance), FundingScale, totalExpo, RoundDown)
	squared := MulDiv(ratio, ratio.Abs(), FundingScale, RoundDown)
	rate = MulDiv(squared, sdkmath.NewInt(fundingSF), FundingSFUnit, RoundDown)
	return rate.Add(ema), true
}

// FundingAsset converts a daily rate over elapsed seconds into the asset
// amount paid by the long side (negative when the vault pays).
func FundingAsset(ratePerDay sdkmath.Int, elapsed int64, longTradingExpo sdkmath.Int) sdkmath.Int {
	if elapsed <= 0 || !longTradingExpo.IsPositive() {
		return sdkmath.ZeroInt()
	}
	// truncate towards zero on both sides
	magnitude := MulDiv(ratePerDay.Abs(), sdkmath.NewInt(elapsed), sdkmath.NewInt(SecondsPerDay), RoundDown)
	magnitude = MulDiv(magnitude, longTradingExpo, FundingScale, RoundDown)
	if ratePerDay.IsNegative() {
		return magnitude.Neg()
	}
	return magnitude
}

// UpdateEMA blends the latest daily rate into the moving average.
func UpdateEMA(ema, ratePerDay sdkmath.Int, elapsed, period int64) sdkmath.Int {
	if elapsed <= 0 {
		return ema
	}
	if elapsed >= period {
		return ratePerDay
	}
	weighted := ratePerDay.MulRaw(elapsed).Add(ema.MulRaw(period - elapsed))
	return Div(weighted, sdkmath.NewInt(period), RoundDown)
}

// LongBalanceAfterPrice revalues the long side when the price moves from
// oldPrice to newPrice. Only the trading exposure carries price risk:
// newLong = totalExpo - (totalExpo - balanceLong) * oldPrice / newPrice.
// The result is not clamped.
func LongBalanceAfterPrice(totalExpo, balanceLong, oldPrice, newPrice sdkmath.Int) sdkmath.Int {
	if oldPrice.IsZero() || newPrice.IsZero() || oldPrice.Equal(newPrice) {
		return balanceLong
	}
	tradingExpo := totalExpo.Sub(balanceLong)
	return totalExpo.Sub(MulDiv(tradingExpo, oldPrice, newPrice, RoundUp))
}
