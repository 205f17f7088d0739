package token

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
)

var (
	// MaxDivisor is the initial shares-per-token divisor.
	MaxDivisor = fpmath.Pow10(18)
	// MinDivisor is the floor below which rebases are refused.
	MinDivisor = fpmath.Pow10(9)
)

type shareSnapshot struct {
	book    int
	divisor sdkmath.Int
}

// ShareToken is the rebasing vault token. Balances are stored as shares;
// token balances are shares / divisor and grow when a rebase lowers the divisor.
type ShareToken struct {
	book      *ledger.Book
	divisor   sdkmath.Int
	snapshots []shareSnapshot
}

func NewShareToken() *ShareToken {
	return &ShareToken{
		book:    ledger.NewBook(ledger.AssetShares),
		divisor: MaxDivisor,
	}
}

func (s *ShareToken) SetContext(ref string, timestamp int64) { s.book.SetContext(ref, timestamp) }
func (s *ShareToken) DrainBatches() []*ledger.Batch { return s.book.DrainBatches() }
func (s *ShareToken) Validate() error { return s.book.Validate() }

func (s *ShareToken) Divisor() sdkmath.Int { return s.divisor }
func (s *ShareToken) MinDivisor() sdkmath.Int { return MinDivisor }

func (s *ShareToken) SharesOf(owner common.Address) sdkmath.Int { return s.book.BalanceOf(owner) }
func (s *ShareToken) TotalShares() sdkmath.Int { return s.book.Supply() }

func (s *ShareToken) BalanceOf(owner common.Address) sdkmath.Int {
	return s.SharesOf(owner).Quo(s.divisor)
}

func (s *ShareToken) TotalSupply() sdkmath.Int {
	return s.TotalShares().Quo(s.divisor)
}

// ConvertToShares converts a token amount at the current divisor.
func (s *ShareToken) ConvertToShares(tokens sdkmath.Int) sdkmath.Int {
	return tokens.Mul(s.divisor)
}

func (s *ShareToken) MintShares(to common.Address, shares sdkmath.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return errors.Wrap(s.book.Mint(to, shares), "mint shares")
}

func (s *ShareToken) BurnShares(from common.Address, shares sdkmath.Int) error {
	return errors.Wrap(s.book.Burn(from, shares), "burn shares")
}

func (s *ShareToken) TransferShares(from, to common.Address, shares sdkmath.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return errors.Wrapf(s.book.Transfer(from, to, shares, ledger.JournalTypeShareEscrow),
		"transfer shares to %s", to.Hex())
}

// Transfer moves a token amount between holders.
func (s *ShareToken) Transfer(from, to common.Address, tokens sdkmath.Int) error {
	return s.TransferShares(from, to, s.ConvertToShares(tokens))
}

// Rebase lowers the divisor, increasing every holder's token balance. It
// reports false without changes when newDivisor would not lower the divisor
// or would go below MinDivisor.
func (s *ShareToken) Rebase(newDivisor sdkmath.Int) (bool, error) {
	if newDivisor.GTE(s.divisor) || newDivisor.LT(MinDivisor) {
		return false, nil
	}
	s.divisor = newDivisor
	return true, nil
}

func (s *ShareToken) Snapshot() int {
	s.snapshots = append(s.snapshots, shareSnapshot{book: s.book.Snapshot(), divisor: s.divisor})
	return len(s.snapshots) - 1
}

func (s *ShareToken) RevertToSnapshot(id int) {
	snap := s.snapshots[id]
	s.book.RevertToSnapshot(snap.book)
	s.divisor = snap.divisor
	s.snapshots = s.snapshots[:id]
}

func (s *ShareToken) ReleaseSnapshots() {
	s.book.ReleaseSnapshots()
	s.snapshots = nil
}
