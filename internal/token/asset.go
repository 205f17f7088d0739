// Package token holds the in-memory asset, native currency and share token
// collaborators of the protocol, each backed by a double-entry ledger book.
package token

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PerpVault/internal/ledger"
)

var (
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")

	// MaxAllowance is never decremented by TransferFrom.
	MaxAllowance = sdkmath.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))
)

type allowanceKey struct {
	owner, spender common.Address
}

type assetSnapshot struct {
	book       int
	allowances map[allowanceKey]sdkmath.Int
}

// AssetToken is the collateral asset with transfer, approve and transferFrom.
type AssetToken struct {
	book       *ledger.Book
	allowances map[allowanceKey]sdkmath.Int
	snapshots  []assetSnapshot
}

func NewAssetToken() *AssetToken {
	return &AssetToken{
		book:       ledger.NewBook(ledger.AssetCollateral),
		allowances: make(map[allowanceKey]sdkmath.Int),
	}
}

func (t *AssetToken) SetContext(ref string, timestamp int64) { t.book.SetContext(ref, timestamp) }
func (t *AssetToken) DrainBatches() []*ledger.Batch { return t.book.DrainBatches() }
func (t *AssetToken) Validate() error { return t.book.Validate() }

func (t *AssetToken) BalanceOf(owner common.Address) sdkmath.Int {
	return t.book.BalanceOf(owner)
}

func (t *AssetToken) TotalSupply() sdkmath.Int {
	return t.book.Supply()
}

// Mint credits freshly issued collateral, used for genesis funding and tests.
func (t *AssetToken) Mint(to common.Address, amount sdkmath.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return errors.Wrap(t.book.Mint(to, amount), "mint collateral")
}

func (t *AssetToken) Transfer(from, to common.Address, amount sdkmath.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return errors.Wrapf(t.book.Transfer(from, to, amount, ledger.JournalTypeTransfer),
		"transfer %s to %s", amount, to.Hex())
}

func (t *AssetToken) Approve(owner, spender common.Address, amount sdkmath.Int) {
	t.allowances[allowanceKey{owner, spender}] = amount
}

func (t *AssetToken) Allowance(owner, spender common.Address) sdkmath.Int {
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return a
	}
	return sdkmath.ZeroInt()
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
func (t *AssetToken) TransferFrom(spender, owner, to common.Address, amount sdkmath.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	allowance := t.Allowance(owner, spender)
	if allowance.LT(amount) {
		return errors.Wrapf(ErrInsufficientAllowance, "%s may spend %s of %s, needs %s",
			spender.Hex(), allowance, owner.Hex(), amount)
	}
	if err := t.book.Transfer(owner, to, amount, ledger.JournalTypeCollateralIn); err != nil {
		return errors.Wrapf(err, "transferFrom %s", owner.Hex())
	}
	if !allowance.Equal(MaxAllowance) {
		t.allowances[allowanceKey{owner, spender}] = allowance.Sub(amount)
	}
	return nil
}

func (t *AssetToken) Snapshot() int {
	allowances := make(map[allowanceKey]sdkmath.Int, len(t.allowances))
	for k, v := range t.allowances {
		allowances[k] = v
	}
	t.snapshots = append(t.snapshots, assetSnapshot{book: t.book.Snapshot(), allowances: allowances})
	return len(t.snapshots) - 1
}

func (t *AssetToken) RevertToSnapshot(id int) {
	snap := t.snapshots[id]
	t.book.RevertToSnapshot(snap.book)
	t.allowances = snap.allowances
	t.snapshots = t.snapshots[:id]
}

func (t *AssetToken) ReleaseSnapshots() {
	t.book.ReleaseSnapshots()
	t.snapshots = nil
}
