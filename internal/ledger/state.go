package ledger

import (
	"fmt"
	"hash"
	"sort"

	sdkmath "cosmossdk.io/math"
)

// AccountBalance is one account of an exported book.
type AccountBalance struct {
	Key     AccountKey  `json:"key"`
	Balance sdkmath.Int `json:"balance"`
}

// BookState is the persisted form of a book.
type BookState struct {
	AssetID  AssetID          `json:"asset_id"`
	Sequence int64            `json:"sequence"`
	Balances []AccountBalance `json:"balances"`
}

// sortedBalances returns the non-zero balances ordered by account path.
func (b *Book) sortedBalances() []AccountBalance {
	out := make([]AccountBalance, 0, len(b.tracker.balances))
	for k, v := range b.tracker.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, AccountBalance{Key: k, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// Export captures the balances and the journal sequence.
func (b *Book) Export() BookState {
	return BookState{
		AssetID:  b.assetID,
		Sequence: b.gen.sequence,
		Balances: b.sortedBalances(),
	}
}

// Import replaces the book with an exported state. Undrained batches and
// snapshots are discarded.
func (b *Book) Import(st BookState) error {
	if st.AssetID != b.assetID {
		return fmt.Errorf("book state for asset %d, book holds %d", st.AssetID, b.assetID)
	}
	balances := make(map[AccountKey]sdkmath.Int, len(st.Balances))
	for _, ab := range st.Balances {
		balances[ab.Key] = ab.Balance
	}
	b.tracker.Restore(balances)
	b.gen.sequence = st.Sequence
	b.pending = nil
	b.snapshots = nil
	return b.Validate()
}

// Digest writes every non-zero balance in account path order.
func (b *Book) Digest(h hash.Hash) {
	for _, ab := range b.sortedBalances() {
		path := ab.Key.AccountPath()
		h.Write([]byte{byte(len(path))})
		h.Write([]byte(path))
		h.Write([]byte(ab.Balance.String()))
		h.Write([]byte{0})
	}
}
