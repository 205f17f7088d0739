package projection

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"PerpVault/internal/core"
)

// Update is everything a store applies for one command.
type Update struct {
	Model       *ReadModel
	Liquidation *core.LiquidationSummary
	Funding     *FundingHistoryEntry
}

// Store persists read models.
type Store interface {
	Apply(ctx context.Context, u Update) error
}

// PostgresStore writes read models to the projections schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (ps *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	rm := u.Model
	s := rm.Summary
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.protocol
			(id, initialized, balance_vault, balance_long, total_expo, long_trading_expo,
			 pending_deposits, total_positions, pending_actions, last_price, ema,
			 funding_per_day, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			initialized = $1, balance_vault = $2, balance_long = $3, total_expo = $4,
			long_trading_expo = $5, pending_deposits = $6, total_positions = $7,
			pending_actions = $8, last_price = $9, ema = $10, funding_per_day = $11,
			last_sequence = $12, updated_at = NOW()
	`, s.Initialized, s.BalanceVault.String(), s.BalanceLong.String(), s.TotalExpo.String(),
		s.LongTradingExpo.String(), s.PendingDeposits.String(), s.TotalPositions, s.PendingActions,
		s.LastPrice.String(), s.EMA.String(), s.FundingPerDay.String(), rm.Sequence); err != nil {
		return errors.Wrap(err, "protocol projection")
	}

	for _, p := range rm.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(tick, tick_version, idx, owner, validated, opened_at, amount, total_expo, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tick, tick_version, idx) DO UPDATE SET
				validated = $5, amount = $7, total_expo = $8, last_sequence = $9
		`, p.ID.Tick, p.ID.TickVersion, p.ID.Index, p.Owner.Hex(), p.Validated, p.Timestamp,
			p.Amount.String(), p.TotalExpo.String(), rm.Sequence); err != nil {
			return errors.Wrap(err, "position projection")
		}
	}
	// positions not touched above were closed or liquidated
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM projections.positions WHERE last_sequence < $1
	`, rm.Sequence); err != nil {
		return errors.Wrap(err, "prune positions")
	}

	if l := u.Liquidation; l != nil && l.Ticks > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(sequence, ticks, positions, remaining_collateral, reward, rebased, rebalancer_triggered, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, rm.Sequence, l.Ticks, l.Positions, l.RemainingCollateral.String(), l.Reward.String(),
			l.Rebased, l.RebalancerTriggered, rm.Timestamp); err != nil {
			return errors.Wrap(err, "liquidation history")
		}
	}

	if f := u.Funding; f != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_history (sequence, timestamp, price, ema, funding_per_day)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sequence) DO NOTHING
		`, f.Sequence, f.Timestamp, f.Price.String(), f.EMA.String(), f.FundingPerDay.String()); err != nil {
			return errors.Wrap(err, "funding history")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, rm.Sequence); err != nil {
		return errors.Wrap(err, "watermark update")
	}

	return errors.Wrap(tx.Commit(), "commit")
}

// Watermark returns the last sequence applied to the projections, 0 when
// none was.
func (ps *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := ps.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, errors.Wrap(err, "read watermark")
}

// Reset clears every projection table. Each output carries the full state,
// so the next applied command rebuilds the protocol and position rows.
func (ps *PostgresStore) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE projections.protocol`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := ps.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "reset projections: %s", stmt)
		}
	}
	return nil
}
