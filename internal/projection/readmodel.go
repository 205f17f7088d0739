package projection

import (
	"sync/atomic"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpVault/internal/core"
	"PerpVault/internal/state"
)

// Summary is the protocol-wide view published after every command.
type Summary struct {
	Initialized        bool        `json:"initialized"`
	BalanceVault       sdkmath.Int `json:"balance_vault"`
	BalanceLong        sdkmath.Int `json:"balance_long"`
	TotalExpo          sdkmath.Int `json:"total_expo"`
	LongTradingExpo    sdkmath.Int `json:"long_trading_expo"`
	PendingDeposits    sdkmath.Int `json:"pending_deposits"`
	PendingProtocolFee sdkmath.Int `json:"pending_protocol_fee"`
	TotalPositions     int         `json:"total_positions"`
	PendingActions     int         `json:"pending_actions"`
	LastPrice          sdkmath.Int `json:"last_price"`
	LastFundingUpdate  int64       `json:"last_funding_update"`
	EMA                sdkmath.Int `json:"ema"`
	FundingPerDay      sdkmath.Int `json:"funding_per_day"`
}

// PositionView is one open position with its full id.
type PositionView struct {
	ID        state.PositionID `json:"id"`
	Owner     common.Address   `json:"owner"`
	Validated bool             `json:"validated"`
	Timestamp int64            `json:"timestamp"`
	Amount    sdkmath.Int      `json:"amount"`
	TotalExpo sdkmath.Int      `json:"total_expo"`
	Leverage  sdkmath.Int      `json:"leverage"`
}

// ReadModel is the queryable state as of Sequence.
type ReadModel struct {
	Sequence  int64                                   `json:"sequence"`
	Timestamp int64                                   `json:"timestamp"`
	Summary   Summary                                 `json:"summary"`
	Positions []PositionView                          `json:"positions"`
	Pending   map[common.Address]*state.PendingAction `json:"pending"`
}

// Position looks up an open position by id.
func (rm *ReadModel) Position(id state.PositionID) (PositionView, bool) {
	for _, p := range rm.Positions {
		if p.ID == id {
			return p, true
		}
	}
	return PositionView{}, false
}

// BuildReadModel derives the read model from a core output.
func BuildReadModel(out core.CoreOutput) *ReadModel {
	s := out.State
	rm := &ReadModel{
		Sequence:  out.Envelope.Sequence,
		Timestamp: s.LastCallTimestamp,
		Summary: Summary{
			Initialized:        s.Initialized,
			BalanceVault:       s.Balances.Vault,
			BalanceLong:        s.Balances.Long,
			TotalExpo:          s.Ledger.TotalExpo(),
			LongTradingExpo:    s.LongTradingExpo(),
			PendingDeposits:    s.Balances.PendingDeposits,
			PendingProtocolFee: s.Balances.PendingProtocolFee,
			TotalPositions:     s.Ledger.TotalPositions(),
			PendingActions:     s.Queue.Len(),
			LastPrice:          s.Funding.LastPrice,
			LastFundingUpdate:  s.Funding.LastUpdateTimestamp,
			EMA:                s.Funding.EMA,
			FundingPerDay:      s.Funding.LastFundingPerDay,
		},
		Pending: make(map[common.Address]*state.PendingAction),
	}

	for _, tick := range s.Ledger.PopulatedTicks() {
		version := s.Ledger.TickVersion(tick)
		for _, p := range s.Ledger.Positions(tick) {
			rm.Positions = append(rm.Positions, PositionView{
				ID:        state.PositionID{Tick: tick, TickVersion: version, Index: p.Index},
				Owner:     p.Owner,
				Validated: p.Validated,
				Timestamp: p.Timestamp,
				Amount:    p.Amount,
				TotalExpo: p.TotalExpo,
				Leverage:  p.Leverage(),
			})
		}
	}
	for _, pa := range s.Queue.All() {
		rm.Pending[pa.Validator] = pa
	}
	return rm
}

// Latest holds the most recently published read model.
type Latest struct {
	v atomic.Pointer[ReadModel]
}

func (l *Latest) Publish(rm *ReadModel) { l.v.Store(rm) }

// Load returns the current read model, nil before the first publish.
func (l *Latest) Load() *ReadModel { return l.v.Load() }
