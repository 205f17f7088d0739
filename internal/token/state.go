package token

import (
	"encoding/json"
	"hash"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PerpVault/internal/ledger"
)

type Allowance struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  sdkmath.Int    `json:"amount"`
}

type assetState struct {
	Book       ledger.BookState `json:"book"`
	Allowances []Allowance      `json:"allowances"`
}

type shareState struct {
	Book    ledger.BookState `json:"book"`
	Divisor sdkmath.Int      `json:"divisor"`
}

func (t *AssetToken) sortedAllowances() []Allowance {
	out := make([]Allowance, 0, len(t.allowances))
	for k, v := range t.allowances {
		if v.IsZero() {
			continue
		}
		out = append(out, Allowance{Owner: k.owner, Spender: k.spender, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.Hex() < out[j].Owner.Hex()
		}
		return out[i].Spender.Hex() < out[j].Spender.Hex()
	})
	return out
}

func (t *AssetToken) Digest(h hash.Hash) {
	t.book.Digest(h)
	for _, a := range t.sortedAllowances() {
		h.Write(a.Owner.Bytes())
		h.Write(a.Spender.Bytes())
		h.Write([]byte(a.Amount.String()))
	}
}

func (t *AssetToken) ExportState() (json.RawMessage, error) {
	return json.Marshal(assetState{Book: t.book.Export(), Allowances: t.sortedAllowances()})
}

func (t *AssetToken) ImportState(data json.RawMessage) error {
	var st assetState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode asset state")
	}
	if err := t.book.Import(st.Book); err != nil {
		return errors.Wrap(err, "import asset book")
	}
	t.allowances = make(map[allowanceKey]sdkmath.Int, len(st.Allowances))
	for _, a := range st.Allowances {
		t.allowances[allowanceKey{a.Owner, a.Spender}] = a.Amount
	}
	t.snapshots = nil
	return nil
}

func (s *ShareToken) Digest(h hash.Hash) {
	s.book.Digest(h)
	h.Write([]byte(s.divisor.String()))
}

func (s *ShareToken) ExportState() (json.RawMessage, error) {
	return json.Marshal(shareState{Book: s.book.Export(), Divisor: s.divisor})
}

func (s *ShareToken) ImportState(data json.RawMessage) error {
	var st shareState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode share state")
	}
	if st.Divisor.IsNil() || st.Divisor.LT(MinDivisor) || st.Divisor.GT(MaxDivisor) {
		return errors.Errorf("share divisor %v out of range", st.Divisor)
	}
	if err := s.book.Import(st.Book); err != nil {
		return errors.Wrap(err, "import share book")
	}
	s.divisor = st.Divisor
	s.snapshots = nil
	return nil
}

func (n *NativeBank) Digest(h hash.Hash) { n.book.Digest(h) }

func (n *NativeBank) ExportState() (json.RawMessage, error) {
	return json.Marshal(n.book.Export())
}

func (n *NativeBank) ImportState(data json.RawMessage) error {
	var st ledger.BookState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode native state")
	}
	return errors.Wrap(n.book.Import(st), "import native book")
}
