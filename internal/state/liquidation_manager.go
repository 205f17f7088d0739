// internal/state/liquidation_manager.go
package state

import (
	sdkmath "cosmossdk.io/math"

	fpmath "PerpVault/internal/math"
)

// TickLiquidation is one liquidated tick with its settlement values.
type TickLiquidation struct {
	LiquidatedTick
	TickPrice           sdkmath.Int `json:"tick_price"`
	PriceWithoutPenalty sdkmath.Int `json:"price_without_penalty"`
	RemainingCollateral sdkmath.Int `json:"remaining_collateral"`
}

// LiquidationResult summarizes a liquidation walk.
type LiquidationResult struct {
	Ticks               []TickLiquidation `json:"ticks"`
	RemainingCollateral sdkmath.Int       `json:"remaining_collateral"`
	LiquidationPending  bool              `json:"liquidation_pending"`
	// VaultDelta is the change of the vault balance caused by the walk.
	VaultDelta sdkmath.Int `json:"vault_delta"`
}

// ClosedPositions flattens the liquidated positions.
func (r LiquidationResult) ClosedPositions() []Position {
	var out []Position
	for _, t := range r.Ticks {
		out = append(out, t.Positions...)
	}
	return out
}

// Liquidate walks populated ticks from the highest down and liquidates every
// tick whose effective price is >= currentPrice, at most maxIterations ticks.
// Every tick in the walk is priced with the multiplier in force when the walk
// starts. Positive remaining collateral moves from the long side to the vault;
// bad debt is covered by the vault, never pushing it below zero.
func (s *ProtocolState) Liquidate(currentPrice sdkmath.Int, maxIterations int) (LiquidationResult, error) {
	res := LiquidationResult{RemainingCollateral: sdkmath.ZeroInt(), VaultDelta: sdkmath.ZeroInt()}
	if maxIterations <= 0 || !currentPrice.IsPositive() {
		return res, nil
	}

	// captured once: ticks removed during the walk do not reprice the rest
	acc := s.Ledger.Accumulator()
	tradingExpo := s.LongTradingExpo()
	adjust := func(tick int32) (sdkmath.Int, error) {
		unadjusted, err := fpmath.PriceAtTick(tick)
		if err != nil {
			return sdkmath.Int{}, err
		}
		return adjustWith(acc, unadjusted, currentPrice, tradingExpo)
	}

	for i := 0; i < maxIterations; i++ {
		tick, ok := s.Ledger.FindHighestPopulatedTick()
		if !ok {
			break
		}
		tickPrice, err := adjust(tick)
		if err != nil {
			return res, err
		}
		if currentPrice.GT(tickPrice) {
			break
		}
		td, _ := s.Ledger.TickData(tick)
		noPenalty, err := adjust(tick - td.LiquidationPenalty)
		if err != nil {
			return res, err
		}
		value := fpmath.MulDiv(td.TotalExpo, currentPrice.Sub(noPenalty), currentPrice, fpmath.RoundDown)

		lt, err := s.Ledger.LiquidateTick(tick)
		if err != nil {
			return res, err
		}
		res.Ticks = append(res.Ticks, TickLiquidation{
			LiquidatedTick:      lt,
			TickPrice:           tickPrice,
			PriceWithoutPenalty: noPenalty,
			RemainingCollateral: value,
		})
		res.RemainingCollateral = res.RemainingCollateral.Add(value)
	}

	if tick, ok := s.Ledger.FindHighestPopulatedTick(); ok {
		if tickPrice, err := adjust(tick); err == nil && currentPrice.LTE(tickPrice) {
			res.LiquidationPending = true
		}
	}
	if len(res.Ticks) == 0 {
		return res, nil
	}

	b := &s.Balances
	vaultBefore := b.Vault
	if res.RemainingCollateral.IsPositive() {
		moved := fpmath.MinInt(res.RemainingCollateral, b.Long)
		b.Long = b.Long.Sub(moved)
		b.Vault = b.Vault.Add(moved)
	} else if res.RemainingCollateral.IsNegative() {
		covered := fpmath.MinInt(res.RemainingCollateral.Neg(), b.Vault)
		b.Vault = b.Vault.Sub(covered)
		b.Long = b.Long.Add(covered)
	}
	if s.Ledger.TotalExpo().IsZero() && b.Long.IsPositive() {
		// no exposure left: residual long balance belongs to the vault
		b.Vault = b.Vault.Add(b.Long)
		b.Long = sdkmath.ZeroInt()
	}
	res.VaultDelta = b.Vault.Sub(vaultBefore)
	return res, nil
}

func adjustWith(acc fpmath.Uint512, unadjusted, assetPrice, tradingExpo sdkmath.Int) (sdkmath.Int, error) {
	if acc.IsZero() {
		return unadjusted, nil
	}
	if !tradingExpo.IsPositive() {
		return sdkmath.ZeroInt(), nil
	}
	return fpmath.MulDivUint512(unadjusted, assetPrice, tradingExpo, acc, fpmath.RoundDown)
}
