package query

import "PerpVault/internal/state"

// Amounts in responses are decimal strings: assets and prices with 18
// decimals, leverage with 21 decimals shown as a plain multiple.

// ProtocolResponse is the protocol-wide summary.
type ProtocolResponse struct {
	Initialized        bool   `json:"initialized"`
	BalanceVault       string `json:"balance_vault"`
	BalanceLong        string `json:"balance_long"`
	TotalExpo          string `json:"total_expo"`
	LongTradingExpo    string `json:"long_trading_expo"`
	PendingDeposits    string `json:"pending_deposits"`
	PendingProtocolFee string `json:"pending_protocol_fee"`
	TotalPositions     int    `json:"total_positions"`
	PendingActions     int    `json:"pending_actions"`
	LastPrice          string `json:"last_price"`
	LastFundingUpdate  int64  `json:"last_funding_update"`
	EMA                string `json:"ema"`
	FundingPerDay      string `json:"funding_per_day"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// PositionResponse is one open position.
type PositionResponse struct {
	ID           state.PositionID `json:"id"`
	Owner        string           `json:"owner"`
	Validated    bool             `json:"validated"`
	Timestamp    int64            `json:"timestamp"`
	Amount       string           `json:"amount"`
	TotalExpo    string           `json:"total_expo"`
	Leverage     string           `json:"leverage"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// PendingActionResponse is the pending action of a validator.
type PendingActionResponse struct {
	ID              string            `json:"id"`
	Kind            string            `json:"kind"`
	State           string            `json:"state"`
	Timestamp       int64             `json:"timestamp"`
	Initiator       string            `json:"initiator"`
	To              string            `json:"to"`
	Validator       string            `json:"validator"`
	SecurityDeposit string            `json:"security_deposit"`
	Amount          string            `json:"amount"`
	Position        *state.PositionID `json:"position,omitempty"`
	Actionable      bool              `json:"actionable"`
	AsOfSequence    int64             `json:"as_of_sequence"`
}

// FundingHistoryResponse is one funding application.
type FundingHistoryResponse struct {
	Sequence      int64  `json:"sequence"`
	Timestamp     int64  `json:"timestamp"`
	Price         string `json:"price"`
	EMA           string `json:"ema"`
	FundingPerDay string `json:"funding_per_day"`
}

// LiquidationResponse is one liquidation round from the projection tables.
type LiquidationResponse struct {
	Sequence            int64  `json:"sequence"`
	Ticks               int    `json:"ticks"`
	Positions           int    `json:"positions"`
	RemainingCollateral string `json:"remaining_collateral"`
	Reward              string `json:"reward"`
	Rebased             bool   `json:"rebased"`
	RebalancerTriggered bool   `json:"rebalancer_triggered"`
	Timestamp           int64  `json:"timestamp"`
}

// JournalHistoryEntry is one journal line touching an account.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	CheckedEvents   int64    `json:"checked_events"`
	HashChainBreaks []int64  `json:"hash_chain_breaks,omitempty"`
	InvalidJournals []string `json:"invalid_journals,omitempty"`
}
