package state

import (
	"hash"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
)

// PendingActionQueue keeps pending actions in initiation order. Removing an
// action leaves a hole so raw indexes stay stable; holes at the front are
// dropped as the head advances.
type PendingActionQueue struct {
	Offset  uint64                    `json:"offset"`
	Entries []*PendingAction          `json:"entries"`
	ByValid map[common.Address]uint64 `json:"by_validator"`
}

func NewPendingActionQueue() *PendingActionQueue {
	return &PendingActionQueue{ByValid: make(map[common.Address]uint64)}
}

// Len counts live actions.
func (q *PendingActionQueue) Len() int {
	return len(q.ByValid)
}

// Push appends an action and assigns its raw index.
func (q *PendingActionQueue) Push(pa *PendingAction) error {
	if _, ok := q.ByValid[pa.Validator]; ok {
		return errorsmod.Wrapf(ErrPendingActionExists, "validator %s", pa.Validator.Hex())
	}
	pa.RawIndex = q.Offset + uint64(len(q.Entries))
	q.Entries = append(q.Entries, pa)
	q.ByValid[pa.Validator] = pa.RawIndex
	return nil
}

// Get returns the pending action of validator.
func (q *PendingActionQueue) Get(validator common.Address) (*PendingAction, bool) {
	raw, ok := q.ByValid[validator]
	if !ok {
		return nil, false
	}
	return q.Entries[raw-q.Offset], true
}

// Remove deletes the pending action of validator.
func (q *PendingActionQueue) Remove(validator common.Address) (*PendingAction, error) {
	raw, ok := q.ByValid[validator]
	if !ok {
		return nil, errorsmod.Wrapf(ErrPendingActionNotFound, "validator %s", validator.Hex())
	}
	pa := q.Entries[raw-q.Offset]
	q.Entries[raw-q.Offset] = nil
	delete(q.ByValid, validator)
	q.compact()
	return pa, nil
}

func (q *PendingActionQueue) compact() {
	n := 0
	for n < len(q.Entries) && q.Entries[n] == nil {
		n++
	}
	if n == 0 {
		return
	}
	q.Entries = append([]*PendingAction(nil), q.Entries[n:]...)
	q.Offset += uint64(n)
}

// Actionable returns up to max actions, oldest first, that third parties may
// validate at now. The queue is ordered by initiation time, so the scan stops
// at the first action that is not yet actionable.
func (q *PendingActionQueue) Actionable(now, validationDelay int64, max int) []*PendingAction {
	var out []*PendingAction
	for _, pa := range q.Entries {
		if len(out) >= max {
			break
		}
		if pa == nil {
			continue
		}
		if !pa.IsActionable(now, validationDelay) {
			break
		}
		out = append(out, pa)
	}
	return out
}

// All returns the live actions, oldest first.
func (q *PendingActionQueue) All() []*PendingAction {
	out := make([]*PendingAction, 0, len(q.ByValid))
	for _, pa := range q.Entries {
		if pa != nil {
			out = append(out, pa)
		}
	}
	return out
}

func (q *PendingActionQueue) Clone() *PendingActionQueue {
	c := &PendingActionQueue{
		Offset:  q.Offset,
		Entries: make([]*PendingAction, len(q.Entries)),
		ByValid: make(map[common.Address]uint64, len(q.ByValid)),
	}
	for i, pa := range q.Entries {
		if pa != nil {
			c.Entries[i] = pa.clone()
		}
	}
	for k, v := range q.ByValid {
		c.ByValid[k] = v
	}
	return c
}

// Digest writes the live actions in queue order.
func (q *PendingActionQueue) Digest(h hash.Hash) {
	for _, pa := range q.All() {
		var buf []byte
		buf = append(buf, pa.ID[:]...)
		buf = appendInt64LE(buf, int64(pa.Kind))
		buf = appendInt64LE(buf, int64(pa.State))
		buf = appendInt64LE(buf, pa.Timestamp)
		buf = appendInt64LE(buf, int64(pa.RawIndex))
		buf = append(buf, pa.Validator.Bytes()...)
		buf = appendIntBytes(buf, pa.SecurityDeposit)
		h.Write(buf)
	}
}
