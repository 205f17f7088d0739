package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]sdkmath.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]sdkmath.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.GetBalance(j.DebitAccount).Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.GetBalance(j.CreditAccount).Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) sdkmath.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

// GetWalletBalance returns the wallet balance of an address
func (bt *BalanceTracker) GetWalletBalance(owner common.Address, assetID AssetID) sdkmath.Int {
	return bt.GetBalance(NewUserAccountKey(owner, assetID))
}

// ValidateSufficient checks that an account can pay amount. The issuance
// account is unbounded.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount sdkmath.Int) error {
	if key.Scope == AccountScopeExternal {
		return nil
	}
	have := bt.GetBalance(key)
	if have.LT(amount) {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s", key.AccountPath(), have, amount)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]sdkmath.Int {
	totals := make(map[AssetID]sdkmath.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = sdkmath.ZeroInt()
		}
		totals[key.AssetID] = total.Add(balance)
	}

	return totals
}

// Accounts returns every account with a non-zero balance.
func (bt *BalanceTracker) Accounts() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k, v := range bt.balances {
		if !v.IsZero() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns a copy of all balances (for state hashing and rollback)
func (bt *BalanceTracker) Snapshot() map[AccountKey]sdkmath.Int {
	snapshot := make(map[AccountKey]sdkmath.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a snapshot.
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]sdkmath.Int) {
	bt.balances = make(map[AccountKey]sdkmath.Int, len(snapshot))
	for k, v := range snapshot {
		bt.balances[k] = v
	}
}
