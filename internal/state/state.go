package state

import (
	"crypto/sha256"
	"encoding/binary"

	sdkmath "cosmossdk.io/math"
)

// ProtocolState is everything the core mutates. It is cloned before each
// call and restored when the call fails.
type ProtocolState struct {
	Params   ProtocolParams      `json:"params"`
	Balances Balances            `json:"balances"`
	Funding  FundingState        `json:"funding"`
	Ledger   *PositionLedger     `json:"ledger"`
	Queue    *PendingActionQueue `json:"queue"`

	Initialized       bool   `json:"initialized"`
	LastRebaseCheck   int64  `json:"last_rebase_check"`
	LastCallTimestamp int64  `json:"last_call_timestamp"`
	Sequence          uint64 `json:"sequence"`
}

func NewProtocolState(params ProtocolParams) (*ProtocolState, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &ProtocolState{
		Params:   params,
		Balances: NewBalances(),
		Funding:  NewFundingState(),
		Ledger:   NewPositionLedger(params.TickSpacing),
		Queue:    NewPendingActionQueue(),
	}, nil
}

// LongTradingExpo is totalExpo - balanceLong.
func (s *ProtocolState) LongTradingExpo() sdkmath.Int {
	return s.Ledger.TotalExpo().Sub(s.Balances.Long)
}

func (s *ProtocolState) Limiter() ImbalanceLimiter {
	return ImbalanceLimiter{Limits: s.Params.Imbalance}
}

// Clone deep-copies the state.
func (s *ProtocolState) Clone() *ProtocolState {
	c := *s
	c.Ledger = s.Ledger.Clone()
	c.Queue = s.Queue.Clone()
	return &c
}

// Digest hashes balances, funding, the ledger and the pending actions.
func (s *ProtocolState) Digest() [32]byte {
	h := sha256.New()
	h.Write(s.Balances.CanonicalBytes())
	var buf []byte
	buf = appendIntBytes(buf, s.Funding.LastPrice)
	buf = appendInt64LE(buf, s.Funding.LastUpdateTimestamp)
	buf = appendIntBytes(buf, s.Funding.EMA)
	buf = binary.LittleEndian.AppendUint64(buf, s.Sequence)
	h.Write(buf)
	s.Ledger.Digest(h)
	s.Queue.Digest(h)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
