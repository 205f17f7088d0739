package core

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
)

// settle brings the state up to date with a fresh price: funding and PnL,
// liquidations, share rebase, rebalancer refresh and fee distribution. It
// reports whether liquidations remain after the iteration cap, in which case
// the caller must not perform its own action.
func (p *Protocol) settle(c *call, info PriceInfo, iterations int, out *ActionOutcome) (bool, error) {
	s := p.state
	if _, err := s.ApplyFundingAndPnl(info.NeutralPrice, info.Timestamp); err != nil {
		return false, err
	}
	price := s.Funding.LastPrice

	res, err := s.Liquidate(price, iterations)
	if err != nil {
		return false, err
	}
	sum := &out.Liquidation
	sum.Ticks += len(res.Ticks)
	sum.RemainingCollateral = sum.RemainingCollateral.Add(res.RemainingCollateral)
	for _, t := range res.Ticks {
		sum.Positions += len(t.Positions)
		for _, pos := range t.Positions {
			sum.Liquidated = append(sum.Liquidated, state.PositionID{Tick: t.Tick, TickVersion: t.Version, Index: pos.Index})
		}
	}

	rebased, err := p.checkRebase(c, price)
	if err != nil {
		return false, err
	}
	sum.Rebased = sum.Rebased || rebased

	triggered := false
	if !res.LiquidationPending {
		if triggered, err = p.triggerRebalancer(c, price, len(res.Ticks) > 0); err != nil {
			return false, err
		}
	}
	if !triggered {
		p.markRebalancerLiquidated(res)
	}
	sum.RebalancerTriggered = sum.RebalancerTriggered || triggered

	if len(res.Ticks) > 0 {
		reward, err := p.payLiquidationReward(c, res, price, rebased, triggered)
		if err != nil {
			return false, err
		}
		sum.Reward = sum.Reward.Add(reward)
		if p.metrics != nil {
			p.metrics.LiquidatedTicks.Add(float64(len(res.Ticks)))
			p.metrics.LiquidatedPositions.Add(float64(len(res.ClosedPositions())))
		}
		p.logger.Info().
			Int("ticks", len(res.Ticks)).
			Str("price", price.String()).
			Str("remaining_collateral", res.RemainingCollateral.String()).
			Str("reward", sum.Reward.String()).
			Msg("liquidated")
	}

	if err := p.distributeProtocolFee(); err != nil {
		return false, err
	}

	if res.LiquidationPending {
		out.Status = StatusLiquidationPending
		if p.metrics != nil {
			p.metrics.LiquidationPending.Inc()
		}
		p.logger.Warn().Str("price", price.String()).Msg("liquidation iteration cap reached, action not performed")
	}
	return res.LiquidationPending, nil
}

// markRebalancerLiquidated tells the rebalancer its position went with one
// of the liquidated ticks.
func (p *Protocol) markRebalancerLiquidated(res state.LiquidationResult) {
	if p.rebalancer == nil || len(res.Ticks) == 0 {
		return
	}
	_, _, current := p.rebalancer.CurrentStateData()
	if current.IsNone() {
		return
	}
	for _, t := range res.Ticks {
		if t.Tick == current.Tick && t.Version == current.TickVersion {
			p.rebalancer.PositionLiquidated(current)
			return
		}
	}
}

// payLiquidationReward pays the caller out of what the liquidations of this
// call added to the vault.
func (p *Protocol) payLiquidationReward(c *call, res state.LiquidationResult, price sdkmath.Int, rebased, triggered bool) (sdkmath.Int, error) {
	if p.rewards == nil {
		return sdkmath.ZeroInt(), nil
	}
	reward := p.rewards.ComputeReward(RewardInput{
		Ticks:               res.Ticks,
		CurrentPrice:        price,
		Rebased:             rebased,
		RebalancerTriggered: triggered,
		GasPrice:            c.cc.GasPrice,
	})
	b := &p.state.Balances
	gain := fpmath.MinInt(fpmath.MaxInt(res.VaultDelta, sdkmath.ZeroInt()), b.Vault)
	reward = fpmath.Clamp(reward, sdkmath.ZeroInt(), gain)
	if reward.IsZero() {
		return reward, nil
	}
	b.Vault = b.Vault.Sub(reward)
	if err := p.asset.Transfer(p.address, c.cc.Sender, reward); err != nil {
		return sdkmath.Int{}, err
	}
	if p.metrics != nil {
		p.metrics.LiquidationRewards.Add(observability.Tokens(reward))
	}
	return reward, nil
}

// checkRebase lowers the share divisor when the share price exceeds the
// threshold, bringing it back to the target.
func (p *Protocol) checkRebase(c *call, price sdkmath.Int) (bool, error) {
	s := p.state
	if c.cc.Timestamp < s.LastRebaseCheck+s.Params.UsdnRebaseInterval {
		return false, nil
	}
	s.LastRebaseCheck = c.cc.Timestamp

	supply := p.shares.TotalSupply()
	if !supply.IsPositive() || !s.Balances.Vault.IsPositive() {
		return false, nil
	}
	sharePrice := fpmath.MulDiv(s.Balances.Vault, price, supply, fpmath.RoundDown)
	if sharePrice.LTE(s.Params.UsdnRebaseThreshold) {
		return false, nil
	}
	divisor := p.shares.Divisor()
	newDivisor := fpmath.MulDiv(divisor, s.Params.TargetUsdnPrice, sharePrice, fpmath.RoundDown)
	if newDivisor.LT(p.shares.MinDivisor()) || newDivisor.GTE(divisor) {
		return false, nil
	}
	rebased, err := p.shares.Rebase(newDivisor)
	if err != nil {
		return false, err
	}
	if rebased {
		if p.metrics != nil {
			p.metrics.Rebases.Inc()
		}
		p.logger.Info().
			Str("share_price", sharePrice.String()).
			Str("old_divisor", divisor.String()).
			Str("new_divisor", newDivisor.String()).
			Msg("share token rebased")
	}
	return rebased, nil
}

// distributeProtocolFee pays the accrued protocol fee once it reaches the
// threshold.
func (p *Protocol) distributeProtocolFee() error {
	b := &p.state.Balances
	fee := b.PendingProtocolFee
	if !fee.IsPositive() || fee.LT(p.state.Params.FeeThreshold) {
		return nil
	}
	if err := p.asset.Transfer(p.address, p.state.Params.FeeCollector, fee); err != nil {
		return err
	}
	b.PendingProtocolFee = sdkmath.ZeroInt()
	if p.metrics != nil {
		p.metrics.ProtocolFeesPaid.Add(observability.Tokens(fee))
	}
	return nil
}

// triggerRebalancer refreshes the rebalancer position when the vault side
// outweighs the long side by the close imbalance limit or more: the current
// position is flash-closed, pending assets are pulled in, and a new
// position is flash-opened towards the long imbalance target. Outside a
// liquidation it only acts when pending assets wait to be deployed, and
// never during the rebalancer's own calls.
func (p *Protocol) triggerRebalancer(c *call, price sdkmath.Int, liquidated bool) (bool, error) {
	s := p.state
	if p.rebalancer == nil || s.Params.Imbalance.CloseBps == 0 {
		return false, nil
	}
	imbalance, ok := state.VaultImbalanceBps(s.Balances, s.Ledger.TotalExpo())
	if !ok || imbalance.LT(sdkmath.NewInt(s.Params.Imbalance.CloseBps)) {
		return false, nil
	}

	addr := p.rebalancer.Address()
	pendingAssets, maxLeverage, current := p.rebalancer.CurrentStateData()
	if pendingAssets.IsNil() {
		pendingAssets = sdkmath.ZeroInt()
	}
	if !liquidated && (!pendingAssets.IsPositive() || c.cc.Sender == addr) {
		return false, nil
	}

	previousValue := sdkmath.ZeroInt()
	if !current.IsNone() {
		pos, penalty, err := s.Ledger.GetPosition(current)
		switch {
		case errors.Is(err, state.ErrOutdatedTick), errors.Is(err, state.ErrPositionNotFound):
			// liquidated or closed: nothing to flash-close
		case err != nil:
			return false, err
		default:
			liq, err := p.liqPriceWithoutPenalty(pos.Tick, penalty)
			if err != nil {
				return false, err
			}
			previousValue = fpmath.MinInt(positionValue(pos.TotalExpo, price, liq), s.Balances.Long)
			if err := s.Ledger.ClosePosition(current, pos.Amount, pos.TotalExpo); err != nil {
				return false, err
			}
			s.Balances.Long = s.Balances.Long.Sub(previousValue)
		}
	}

	if pendingAssets.IsPositive() {
		if err := p.asset.TransferFrom(p.address, addr, p.address, pendingAssets); err != nil {
			return false, errorsmod.Wrap(err, "pull rebalancer pending assets")
		}
	}
	total := previousValue.Add(pendingAssets)

	if total.LT(s.Params.MinLongPosition) || !total.IsPositive() {
		s.Balances.Vault = s.Balances.Vault.Add(total)
		if err := p.rebalancer.UpdatePosition(state.NoPositionID, previousValue); err != nil {
			return false, err
		}
		return true, nil
	}

	id, err := p.openRebalancerPosition(c, total, price, maxLeverage)
	if err != nil {
		return false, err
	}
	if err := p.rebalancer.UpdatePosition(id, previousValue); err != nil {
		return false, err
	}
	if p.metrics != nil {
		p.metrics.RebalancerTriggers.Inc()
	}
	p.logger.Info().
		Str("previous_value", previousValue.String()).
		Str("collateral", total.String()).
		Int32("tick", id.Tick).
		Msg("rebalancer position refreshed")
	return true, nil
}

// openRebalancerPosition opens amount of collateral sized so the vault
// imbalance lands on the long imbalance target, within the leverage bounds.
func (p *Protocol) openRebalancerPosition(c *call, amount, price, maxLeverage sdkmath.Int) (state.PositionID, error) {
	s := p.state
	maxLev := s.Params.MaxLeverage
	if !maxLeverage.IsNil() && maxLeverage.IsPositive() {
		maxLev = fpmath.MinInt(maxLev, maxLeverage)
	}
	minLev := s.Params.MinLeverage

	// vault / (1 + target) is the trading expo at the target imbalance
	target := fpmath.MulDiv(s.Balances.Vault, fpmath.BPS,
		fpmath.BPS.AddRaw(s.Params.Imbalance.LongImbalanceTargetBps), fpmath.RoundDown)
	missing := target.Sub(s.LongTradingExpo())
	lo := fpmath.MulDiv(amount, minLev.Sub(fpmath.LeverageScale), fpmath.LeverageScale, fpmath.RoundUp)
	hi := fpmath.MulDiv(amount, maxLev.Sub(fpmath.LeverageScale), fpmath.LeverageScale, fpmath.RoundDown)
	tradingExpo := fpmath.Clamp(missing, lo, hi)

	// liqPrice = price - price * amount / expo
	expo := amount.Add(tradingExpo)
	desired := price.Sub(fpmath.MulDiv(price, amount, expo, fpmath.RoundUp))
	tick, penalty, err := p.tickForLiqPrice(desired)
	if err != nil {
		return state.NoPositionID, err
	}
	liq, err := p.liqPriceWithoutPenalty(tick, penalty)
	if err != nil {
		return state.NoPositionID, err
	}
	expo, err = expoFor(amount, price, liq)
	if err != nil {
		return state.NoPositionID, err
	}
	addr := p.rebalancer.Address()
	id, err := s.Ledger.OpenPosition(tick, state.Position{
		Validated: true,
		Timestamp: c.cc.Timestamp,
		Owner:     addr,
		Recipient: addr,
		Amount:    amount,
		TotalExpo: expo,
	}, penalty)
	if err != nil {
		return state.NoPositionID, err
	}
	s.Balances.Long = s.Balances.Long.Add(amount)
	return id, nil
}

// Liquidate liquidates up to maxIterations ticks at a fresh price and pays
// the reward to the caller.
func (p *Protocol) Liquidate(cc CallContext, payload []byte, maxIterations int) (*ActionOutcome, error) {
	out := NewOutcome(state.ActionNone)
	if maxIterations < 1 {
		maxIterations = 1
	}
	err := p.atomically(func() error {
		c, err := p.begin(cc, true)
		if err != nil {
			return err
		}
		info, err := p.fetchPrice(c, payload, 0, OracleLiquidation)
		if err != nil {
			return err
		}
		out.Price = info.NeutralPrice
		if _, err := p.settle(c, info, maxIterations, out); err != nil {
			return err
		}
		return p.finish(c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
