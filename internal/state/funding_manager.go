package state

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "PerpVault/internal/math"
)

// FundingState carries the last applied price and the funding EMA.
type FundingState struct {
	LastPrice           sdkmath.Int `json:"last_price"`
	LastUpdateTimestamp int64       `json:"last_update_timestamp"`
	EMA                 sdkmath.Int `json:"ema"`
	LastFundingPerDay   sdkmath.Int `json:"last_funding_per_day"`
}

func NewFundingState() FundingState {
	return FundingState{
		LastPrice:         sdkmath.ZeroInt(),
		EMA:               sdkmath.ZeroInt(),
		LastFundingPerDay: sdkmath.ZeroInt(),
	}
}

// FundingResult reports one application of funding and PnL.
type FundingResult struct {
	Applied       bool        `json:"applied"`
	Elapsed       int64       `json:"elapsed"`
	FundingPerDay sdkmath.Int `json:"funding_per_day"`
	FundingAsset  sdkmath.Int `json:"funding_asset"` // > 0: long paid the vault
	Fee           sdkmath.Int `json:"fee"`
	PnlAsset      sdkmath.Int `json:"pnl_asset"`
	NewLong       sdkmath.Int `json:"new_long"`
	NewVault      sdkmath.Int `json:"new_vault"`
}

// ApplyFundingAndPnl moves funding and price PnL between the long side and
// the vault. A timestamp at or before the last update is a no-op, which makes
// repeated calls with the same (price, timestamp) idempotent.
func (s *ProtocolState) ApplyFundingAndPnl(price sdkmath.Int, timestamp int64) (FundingResult, error) {
	b := &s.Balances
	f := &s.Funding
	res := FundingResult{
		FundingPerDay: sdkmath.ZeroInt(),
		FundingAsset:  sdkmath.ZeroInt(),
		Fee:           sdkmath.ZeroInt(),
		PnlAsset:      sdkmath.ZeroInt(),
		NewLong:       b.Long,
		NewVault:      b.Vault,
	}
	if !price.IsPositive() {
		return res, errorsmod.Wrapf(ErrInvalidPrice, "price %s", price)
	}
	if timestamp <= f.LastUpdateTimestamp {
		return res, nil
	}

	totalExpo := s.Ledger.TotalExpo()
	longTradingExpo := totalExpo.Sub(b.Long)
	elapsed := timestamp - f.LastUpdateTimestamp
	if f.LastUpdateTimestamp == 0 {
		elapsed = 0
	}

	ema := f.EMA
	fundingAsset := sdkmath.ZeroInt()
	ratePerDay, ok := fpmath.FundingPerDay(longTradingExpo, b.Vault, totalExpo, s.Params.FundingSF, f.EMA)
	if ok && elapsed > 0 {
		fundingAsset = fpmath.FundingAsset(ratePerDay, elapsed, longTradingExpo)
		ema = fpmath.UpdateEMA(f.EMA, ratePerDay, elapsed, s.Params.EMAPeriod)
	}
	fee := fpmath.ApplyBps(fundingAsset.Abs(), s.Params.ProtocolFeeBps)

	total := b.Long.Add(b.Vault)
	fee = fpmath.MinInt(fee, total)

	longAfterPnl := fpmath.LongBalanceAfterPrice(totalExpo, b.Long, f.LastPrice, price)
	newLong := longAfterPnl.Sub(fundingAsset)
	if fundingAsset.IsNegative() {
		// the vault pays; the fee comes out of what the long side receives
		newLong = newLong.Sub(fee)
	}
	upper := total.Sub(fee)
	if totalExpo.IsPositive() {
		upper = fpmath.MinInt(upper, totalExpo)
	} else {
		upper = sdkmath.ZeroInt()
	}
	newLong = fpmath.Clamp(newLong, sdkmath.ZeroInt(), upper)
	newVault := total.Sub(fee).Sub(newLong)

	res.Applied = true
	res.Elapsed = elapsed
	if ok {
		res.FundingPerDay = ratePerDay
	}
	res.FundingAsset = fundingAsset
	res.Fee = fee
	res.PnlAsset = longAfterPnl.Sub(b.Long)
	res.NewLong = newLong
	res.NewVault = newVault

	b.Long = newLong
	b.Vault = newVault
	b.PendingProtocolFee = b.PendingProtocolFee.Add(fee)
	f.LastPrice = price
	f.LastUpdateTimestamp = timestamp
	f.EMA = ema
	f.LastFundingPerDay = res.FundingPerDay
	return res, nil
}

// FundingAssetAt previews the funding owed at timestamp without mutating.
func (s *ProtocolState) FundingAssetAt(timestamp int64) (sdkmath.Int, sdkmath.Int) {
	f := s.Funding
	if timestamp <= f.LastUpdateTimestamp || f.LastUpdateTimestamp == 0 {
		return sdkmath.ZeroInt(), f.EMA
	}
	totalExpo := s.Ledger.TotalExpo()
	longTradingExpo := totalExpo.Sub(s.Balances.Long)
	rate, ok := fpmath.FundingPerDay(longTradingExpo, s.Balances.Vault, totalExpo, s.Params.FundingSF, f.EMA)
	if !ok {
		return sdkmath.ZeroInt(), f.EMA
	}
	elapsed := timestamp - f.LastUpdateTimestamp
	return fpmath.FundingAsset(rate, elapsed, longTradingExpo), fpmath.UpdateEMA(f.EMA, rate, elapsed, s.Params.EMAPeriod)
}
