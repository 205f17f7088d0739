package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/projection"
	"PerpVault/internal/state"
)

var (
	// ErrNotReady is returned before the first command has been applied.
	ErrNotReady = errors.New("read model not published yet")
	ErrNotFound = errors.New("not found")
	// ErrNoDatabase is returned by history queries when the event log is
	// kept in the local WAL instead of Postgres.
	ErrNoDatabase = errors.New("history queries need the Postgres event log")
)

// Service answers read-only queries. Current state comes from the latest
// published read model; history comes from the Postgres projection and
// event log tables when a database is configured. Every state response
// carries as_of_sequence.
type Service struct {
	latest          *projection.Latest
	funding         *projection.FundingHistoryProjection
	db              *sql.DB
	validationDelay int64
	metrics         *observability.Metrics
}

func NewService(
	latest *projection.Latest,
	funding *projection.FundingHistoryProjection,
	db *sql.DB,
	validationDelay int64,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		latest:          latest,
		funding:         funding,
		db:              db,
		validationDelay: validationDelay,
		metrics:         metrics,
	}
}

func (s *Service) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrNoDatabase):
		status = "unavailable"
		s.metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
	case err != nil:
		status = "error"
		s.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Service) model() (*projection.ReadModel, error) {
	rm := s.latest.Load()
	if rm == nil {
		return nil, ErrNotReady
	}
	return rm, nil
}

// Protocol returns the protocol-wide summary.
func (s *Service) Protocol(_ context.Context) (resp *ProtocolResponse, err error) {
	defer func(start time.Time) { s.observe("protocol", start, err) }(time.Now())

	rm, err := s.model()
	if err != nil {
		return nil, err
	}
	sum := rm.Summary
	return &ProtocolResponse{
		Initialized:        sum.Initialized,
		BalanceVault:       tokens(sum.BalanceVault),
		BalanceLong:        tokens(sum.BalanceLong),
		TotalExpo:          tokens(sum.TotalExpo),
		LongTradingExpo:    tokens(sum.LongTradingExpo),
		PendingDeposits:    tokens(sum.PendingDeposits),
		PendingProtocolFee: tokens(sum.PendingProtocolFee),
		TotalPositions:     sum.TotalPositions,
		PendingActions:     sum.PendingActions,
		LastPrice:          price(sum.LastPrice),
		LastFundingUpdate:  sum.LastFundingUpdate,
		EMA:                fpmath.FormatDecimal(sum.EMA, fpmath.FundingRateDecimals),
		FundingPerDay:      fpmath.FormatDecimal(sum.FundingPerDay, fpmath.FundingRateDecimals),
		AsOfSequence:       rm.Sequence,
	}, nil
}

// Position returns an open position by id.
func (s *Service) Position(_ context.Context, id state.PositionID) (resp *PositionResponse, err error) {
	defer func(start time.Time) { s.observe("position", start, err) }(time.Now())

	rm, err := s.model()
	if err != nil {
		return nil, err
	}
	p, ok := rm.Position(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "position %d/%d/%d", id.Tick, id.TickVersion, id.Index)
	}
	r := positionResponse(p, rm.Sequence)
	return &r, nil
}

// PositionsByOwner returns every open position of owner, lowest tick first.
func (s *Service) PositionsByOwner(_ context.Context, owner common.Address) (resp []PositionResponse, err error) {
	defer func(start time.Time) { s.observe("positions", start, err) }(time.Now())

	rm, err := s.model()
	if err != nil {
		return nil, err
	}
	resp = []PositionResponse{}
	for _, p := range rm.Positions {
		if p.Owner == owner {
			resp = append(resp, positionResponse(p, rm.Sequence))
		}
	}
	return resp, nil
}

// Pending returns the pending action of validator.
func (s *Service) Pending(_ context.Context, validator common.Address) (resp *PendingActionResponse, err error) {
	defer func(start time.Time) { s.observe("pending", start, err) }(time.Now())

	rm, err := s.model()
	if err != nil {
		return nil, err
	}
	pa, ok := rm.Pending[validator]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "no pending action for %s", validator.Hex())
	}

	resp = &PendingActionResponse{
		ID:              pa.ID.String(),
		Kind:            pa.Kind.String(),
		State:           pa.State.String(),
		Timestamp:       pa.Timestamp,
		Initiator:       pa.Initiator.Hex(),
		To:              pa.To.Hex(),
		Validator:       pa.Validator.Hex(),
		SecurityDeposit: tokens(pa.SecurityDeposit),
		Actionable:      pa.State == state.ActionStateActionable || pa.IsActionable(rm.Timestamp, s.validationDelay),
		AsOfSequence:    rm.Sequence,
	}
	switch {
	case pa.Vault != nil && pa.Kind == state.ActionWithdrawal:
		// shares are not scaled to token decimals
		resp.Amount = pa.Vault.Amount.String()
	case pa.Vault != nil:
		resp.Amount = tokens(pa.Vault.Amount)
	case pa.Long != nil:
		resp.Amount = tokens(pa.Long.Amount)
		id := pa.Long.Position
		resp.Position = &id
	}
	return resp, nil
}

// FundingHistory returns up to limit funding applications, newest first.
func (s *Service) FundingHistory(_ context.Context, limit int) (resp []FundingHistoryResponse, err error) {
	defer func(start time.Time) { s.observe("funding", start, err) }(time.Now())

	resp = []FundingHistoryResponse{}
	for _, e := range s.funding.Recent(limit) {
		resp = append(resp, FundingHistoryResponse{
			Sequence:      e.Sequence,
			Timestamp:     e.Timestamp,
			Price:         price(e.Price),
			EMA:           fpmath.FormatDecimal(e.EMA, fpmath.FundingRateDecimals),
			FundingPerDay: fpmath.FormatDecimal(e.FundingPerDay, fpmath.FundingRateDecimals),
		})
	}
	return resp, nil
}

// Liquidations returns the most recent liquidation rounds.
func (s *Service) Liquidations(ctx context.Context, limit int) (resp []LiquidationResponse, err error) {
	defer func(start time.Time) { s.observe("liquidations", start, err) }(time.Now())
	if s.db == nil {
		return nil, ErrNoDatabase
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, ticks, positions, remaining_collateral, reward,
		       rebased, rebalancer_triggered, timestamp
		FROM projections.liquidation_history
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query liquidations")
	}
	defer rows.Close()

	resp = []LiquidationResponse{}
	for rows.Next() {
		var r LiquidationResponse
		var remaining, reward string
		if err := rows.Scan(
			&r.Sequence, &r.Ticks, &r.Positions, &remaining, &reward,
			&r.Rebased, &r.RebalancerTriggered, &r.Timestamp,
		); err != nil {
			return nil, errors.Wrap(err, "scan liquidation")
		}
		r.RemainingCollateral = numeric(remaining)
		r.Reward = numeric(reward)
		resp = append(resp, r)
	}
	return resp, rows.Err()
}

// JournalHistory returns journal lines touching owner's accounts, newest
// first. afterSequence pages backwards when set.
func (s *Service) JournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	afterSequence *int64,
) (resp []JournalHistoryEntry, err error) {
	defer func(start time.Time) { s.observe("journal", start, err) }(time.Now())
	if s.db == nil {
		return nil, ErrNoDatabase
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", owner.Hex())
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query journal")
	}
	defer rows.Close()

	resp = []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, errors.Wrap(err, "scan journal")
		}
		e.Amount = numeric(amount)
		resp = append(resp, e)
	}
	return resp, rows.Err()
}

// VerifyIntegrity checks the state hash chain of the event log and that
// every journal line moves a non-negative amount between two accounts.
func (s *Service) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { s.observe("integrity", start, err) }(time.Now())
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	report = &IntegrityReport{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.CheckedEvents); err != nil {
		return nil, errors.Wrap(err, "count events")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query hash chain")
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, errors.Wrap(err, "scan hash chain")
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jrows, err := s.db.QueryContext(ctx, `
		SELECT journal_id
		FROM event_log.journal
		WHERE amount < 0 OR debit_account = credit_account
		LIMIT 10
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query journals")
	}
	defer jrows.Close()
	for jrows.Next() {
		var id string
		if err := jrows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan journal")
		}
		report.InvalidJournals = append(report.InvalidJournals, id)
	}
	if err := jrows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.InvalidJournals) == 0
	return report, nil
}

func positionResponse(p projection.PositionView, seq int64) PositionResponse {
	return PositionResponse{
		ID:           p.ID,
		Owner:        p.Owner.Hex(),
		Validated:    p.Validated,
		Timestamp:    p.Timestamp,
		Amount:       tokens(p.Amount),
		TotalExpo:    tokens(p.TotalExpo),
		Leverage:     fpmath.FormatDecimal(p.Leverage, fpmath.LeverageDecimals),
		AsOfSequence: seq,
	}
}

func tokens(v sdkmath.Int) string { return fpmath.FormatDecimal(v, fpmath.TokensDecimals) }
func price(v sdkmath.Int) string  { return fpmath.FormatDecimal(v, fpmath.PriceDecimals) }

// numeric formats a NUMERIC(78,0) column holding an 18-decimal amount.
func numeric(s string) string {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return s
	}
	return tokens(v)
}
