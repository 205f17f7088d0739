package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes applied commands and their journals to Postgres
// using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row of event_log.events: one applied command.
type EventRow struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Sender         string    `json:"sender"`
	Partition      string    `json:"partition"`
	SourceSequence int64     `json:"source_sequence"`
	Payload        []byte    `json:"payload"`
	Outcome        []byte    `json:"outcome"`
	Status         string    `json:"status"`
	StateHash      []byte    `json:"state_hash"`
	PrevHash       []byte    `json:"prev_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// JournalRow is a row of event_log.journal. Amounts are decimal strings of
// 18-decimal integers, stored as NUMERIC.
type JournalRow struct {
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

// Record is everything persisted for one applied command.
type Record struct {
	Event    EventRow     `json:"event"`
	Journals []JournalRow `json:"journals"`
}

// RecordFromOutput converts a core output into its persisted form.
func RecordFromOutput(out core.CoreOutput) Record {
	return Record{
		Event:    EventRowFromEnvelope(out.Envelope),
		Journals: JournalRowsFromBatches(out.Envelope.Sequence, out.Batches),
	}
}

func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Sender:         env.Sender.Hex(),
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		Outcome:        env.Outcome,
		Status:         env.Status,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

// JournalRowsFromBatches flattens the ledger batches of the command at
// sequence.
func JournalRowsFromBatches(sequence int64, batches []*ledger.Batch) []JournalRow {
	var rows []JournalRow
	for _, b := range batches {
		for _, j := range b.Journals {
			asset, _ := ledger.GetAssetName(j.AssetID)
			rows = append(rows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         asset,
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return rows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// Write stores records in one transaction. It implements Sink.
func (w *EventLogWriter) Write(ctx context.Context, records []Record) error {
	events := make([]EventRow, 0, len(records))
	var journals []JournalRow
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := WriteEventBatch(ctx, tx, events); err != nil {
		return errors.Wrap(err, "write events")
	}
	if err := WriteJournalBatch(ctx, tx, journals); err != nil {
		return errors.Wrap(err, "write journals")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// WriteEventBatch inserts events into event_log.events. Re-inserting a
// sequence is a no-op.
func WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 12
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, sender, partition, source_sequence,
		 payload, outcome, status, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Sender, e.Partition, e.SourceSequence,
			e.Payload, e.Outcome, e.Status, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journals into event_log.journal.
func WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		 asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
