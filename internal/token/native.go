package token

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PerpVault/internal/ledger"
)

// NativeBank holds the native currency used for security deposits and
// oracle validation fees.
type NativeBank struct {
	book *ledger.Book
}

func NewNativeBank() *NativeBank {
	return &NativeBank{book: ledger.NewBook(ledger.AssetNative)}
}

func (n *NativeBank) SetContext(ref string, timestamp int64) { n.book.SetContext(ref, timestamp) }
func (n *NativeBank) DrainBatches() []*ledger.Batch { return n.book.DrainBatches() }
func (n *NativeBank) Validate() error { return n.book.Validate() }

func (n *NativeBank) BalanceOf(owner common.Address) sdkmath.Int {
	return n.book.BalanceOf(owner)
}

// Fund credits native currency to an address.
func (n *NativeBank) Fund(to common.Address, amount sdkmath.Int) error {
	return errors.Wrap(n.book.Mint(to, amount), "fund native")
}

func (n *NativeBank) Transfer(from, to common.Address, amount sdkmath.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return errors.Wrapf(n.book.Transfer(from, to, amount, ledger.JournalTypeTransfer),
		"native transfer %s to %s", amount, to.Hex())
}

// PayFee moves amount from payer into the oracle fee account.
func (n *NativeBank) PayFee(payer common.Address, amount sdkmath.Int) error {
	return errors.Wrap(n.book.PayToSystem(payer, ledger.SubTypeSystemOracleFees, amount, ledger.JournalTypeOracleFee),
		"pay oracle fee")
}

// FeesCollected is the native amount paid for price validation so far.
func (n *NativeBank) FeesCollected() sdkmath.Int {
	return n.book.SystemBalance(ledger.SubTypeSystemOracleFees)
}

func (n *NativeBank) Snapshot() int { return n.book.Snapshot() }
func (n *NativeBank) RevertToSnapshot(id int) { n.book.RevertToSnapshot(id) }
func (n *NativeBank) ReleaseSnapshots() { n.book.ReleaseSnapshots() }
