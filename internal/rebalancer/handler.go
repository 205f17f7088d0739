package rebalancer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"sort"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
)

// --- core.Reverter ---

func (r *Rebalancer) Snapshot() int {
	r.snapshots = append(r.snapshots, r.st.clone())
	return len(r.snapshots) - 1
}

func (r *Rebalancer) RevertToSnapshot(id int) {
	if id < 0 || id >= len(r.snapshots) {
		panic(fmt.Sprintf("FATAL: rebalancer snapshot %d does not exist (have %d)", id, len(r.snapshots)))
	}
	r.st = r.snapshots[id]
	r.snapshots = r.snapshots[:id]
}

func (r *Rebalancer) ReleaseSnapshots() {
	r.snapshots = nil
}

// --- core.CommandHandler ---

func (r *Rebalancer) Handles(t event.EventType) bool {
	switch t {
	case event.EventTypeRebalancerDeposit,
		event.EventTypeRebalancerValidateDeposit,
		event.EventTypeRebalancerResetDeposit,
		event.EventTypeRebalancerWithdraw,
		event.EventTypeRebalancerValidateWithdraw,
		event.EventTypeRebalancerClose:
		return true
	}
	return false
}

func (r *Rebalancer) Handle(cc core.CallContext, evt event.Event) (*core.ActionOutcome, error) {
	switch e := evt.(type) {
	case *event.RebalancerDeposit:
		return r.InitiateDepositAssets(cc, e.Amount, e.To)
	case *event.RebalancerValidateDeposit:
		return r.ValidateDepositAssets(cc)
	case *event.RebalancerResetDeposit:
		return r.ResetDepositAssets(cc)
	case *event.RebalancerWithdraw:
		return r.InitiateWithdrawAssets(cc)
	case *event.RebalancerValidateWithdraw:
		return r.ValidateWithdrawAssets(cc, e.Amount, e.To)
	case *event.RebalancerClose:
		return r.InitiateClosePosition(cc, CloseRequest{
			Amount:       e.Amount,
			UserMinPrice: e.UserMinPrice,
			To:           e.To,
			Validator:    e.Validator,
			Deadline:     e.Deadline,
			Payload:      e.PriceData,
		})
	}
	return nil, errorsmod.Wrapf(core.ErrUnknownCommand, "rebalancer cannot handle %T", evt)
}

// --- core.Persistable ---

func (r *Rebalancer) Digest(h hash.Hash) {
	s := &r.st
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, s.PositionVersion)
	buf = binary.LittleEndian.AppendUint64(buf, s.LastLiquidatedVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.LastUpdateTimestamp))
	h.Write(buf)
	h.Write([]byte(s.PendingAssets.String()))

	versions := make([]uint64, 0, len(s.Positions))
	for v := range s.Positions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for _, v := range versions {
		p := s.Positions[v]
		fmt.Fprintf(h, "%d:%d:%d:%d:%s:%s;", v, p.ID.Tick, p.ID.TickVersion, p.ID.Index, p.Amount, p.EntryMultiplier)
	}

	users := make([]common.Address, 0, len(s.Users))
	for a := range s.Users {
		users = append(users, a)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Hex() < users[j].Hex() })
	for _, a := range users {
		u := s.Users[a]
		h.Write(a.Bytes())
		fmt.Fprintf(h, "%s:%d:%d:%d;", u.Amount, u.EntryVersion, u.InitiateTimestamp, u.Status)
	}
}

func (r *Rebalancer) ExportState() (json.RawMessage, error) {
	return json.Marshal(r.st)
}

func (r *Rebalancer) ImportState(data json.RawMessage) error {
	st := newRebalancerState()
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode rebalancer state")
	}
	if st.Positions == nil {
		st.Positions = make(map[uint64]PositionData)
	}
	if st.Users == nil {
		st.Users = make(map[common.Address]UserDeposit)
	}
	r.st = st
	r.snapshots = nil
	return nil
}
