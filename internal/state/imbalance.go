package state

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "PerpVault/internal/math"
)

// ImbalanceLimiter rejects actions that would push the imbalance between the
// vault and the long trading exposure beyond the configured limits. The
// comparison is cross-multiplied, so a value exactly at the limit passes and
// one base unit beyond fails.
type ImbalanceLimiter struct {
	Limits ImbalanceLimits
}

// exceeds reports whether diff/base > limitBps/10000.
func exceeds(diff, base sdkmath.Int, limitBps int64) bool {
	return diff.Mul(fpmath.BPS).GT(base.MulRaw(limitBps))
}

func imbalanceBps(diff, base sdkmath.Int) sdkmath.Int {
	if !base.IsPositive() {
		return sdkmath.NewInt(-1)
	}
	return fpmath.MulDiv(diff, fpmath.BPS, base, fpmath.RoundDown)
}

func limitErr(kind string, diff, base sdkmath.Int, limit int64) error {
	return errorsmod.Wrapf(ErrImbalanceLimitReached, "%s imbalance %s bps > limit %d bps",
		kind, imbalanceBps(diff, base), limit)
}

// CheckDeposit guards the vault side growing: (vault' - longTradingExpo) / longTradingExpo.
func (l ImbalanceLimiter) CheckDeposit(b Balances, totalExpo, depositValue sdkmath.Int) error {
	limit := l.Limits.DepositBps
	if limit == 0 {
		return nil
	}
	newVault := b.Vault.Add(b.PendingBalanceVault).Add(depositValue)
	tradingExpo := totalExpo.Sub(b.Long)
	if !tradingExpo.IsPositive() {
		return errorsmod.Wrap(ErrImbalanceLimitReached, "deposit with no long trading exposure")
	}
	diff := newVault.Sub(tradingExpo)
	if exceeds(diff, tradingExpo, limit) {
		return limitErr("deposit", diff, tradingExpo, limit)
	}
	return nil
}

// CheckWithdrawal guards the vault side shrinking: (longTradingExpo - vault') / vault'.
func (l ImbalanceLimiter) CheckWithdrawal(b Balances, totalExpo, withdrawalValue sdkmath.Int) error {
	limit := l.Limits.WithdrawalBps
	if limit == 0 {
		return nil
	}
	newVault := b.Vault.Add(b.PendingBalanceVault).Sub(withdrawalValue)
	if !newVault.IsPositive() {
		return errorsmod.Wrap(ErrImbalanceLimitReached, "withdrawal empties the vault")
	}
	diff := totalExpo.Sub(b.Long).Sub(newVault)
	if exceeds(diff, newVault, limit) {
		return limitErr("withdrawal", diff, newVault, limit)
	}
	return nil
}

// CheckOpen guards the long side growing by openExpo of exposure backed by collateral.
func (l ImbalanceLimiter) CheckOpen(b Balances, totalExpo, openExpo, collateral sdkmath.Int) error {
	limit := l.Limits.OpenBps
	if limit == 0 {
		return nil
	}
	vault := b.Vault.Add(b.PendingBalanceVault)
	if !vault.IsPositive() {
		return errorsmod.Wrap(ErrImbalanceLimitReached, "open with an empty vault")
	}
	newTradingExpo := totalExpo.Add(openExpo).Sub(b.Long.Add(collateral))
	diff := newTradingExpo.Sub(vault)
	if exceeds(diff, vault, limit) {
		return limitErr("open", diff, vault, limit)
	}
	return nil
}

// CheckClose guards the long side shrinking by closeExpo of exposure worth closeValue.
func (l ImbalanceLimiter) CheckClose(b Balances, totalExpo, closeExpo, closeValue sdkmath.Int, rebalancer bool) error {
	limit := l.Limits.CloseBps
	if rebalancer {
		limit = l.Limits.RebalancerCloseBps
	}
	if limit == 0 {
		return nil
	}
	newTradingExpo := totalExpo.Sub(closeExpo).Sub(b.Long.Sub(closeValue))
	if !newTradingExpo.IsPositive() {
		return errorsmod.Wrap(ErrImbalanceLimitReached, "close removes all long trading exposure")
	}
	diff := b.Vault.Add(b.PendingBalanceVault).Sub(newTradingExpo)
	if exceeds(diff, newTradingExpo, limit) {
		return limitErr("close", diff, newTradingExpo, limit)
	}
	return nil
}

// VaultImbalanceBps is (vault - longTradingExpo) / longTradingExpo in bps,
// used to decide whether the rebalancer should act.
func VaultImbalanceBps(b Balances, totalExpo sdkmath.Int) (sdkmath.Int, bool) {
	tradingExpo := totalExpo.Sub(b.Long)
	if !tradingExpo.IsPositive() {
		return sdkmath.ZeroInt(), false
	}
	return imbalanceBps(b.Vault.Sub(tradingExpo), tradingExpo), true
}
