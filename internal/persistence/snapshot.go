package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
)

// snapshotFormat versions the JSON encoding of core.SnapshotState.
const snapshotFormat = 1

// SnapshotManager stores core snapshots in event_log.snapshots and reads the
// event log back for replay.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SaveSnapshot persists snap unverified. LoadLatestSnapshot ignores it until
// MarkVerified is called.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormat, len(data), time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "save snapshot %d", snap.Sequence)
	}
	if sm.metrics != nil {
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	}
	return nil
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load snapshot")
	}
	if version != snapshotFormat {
		return nil, errors.Errorf("snapshot format %d, want %d", version, snapshotFormat)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}

func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return errors.Wrapf(err, "mark snapshot %d verified", sequence)
}

// LoadEventsFrom loads up to limit events from fromSequence on, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, sender, partition, source_sequence,
		       payload, outcome, status, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Sender, &e.Partition, &e.SourceSequence,
			&e.Payload, &e.Outcome, &e.Status, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, 0 when
// it is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "latest sequence")
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the "type:key" pairs of the newest limit
// events, oldest first, for warming the core's LRU.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key FROM event_log.events
			ORDER BY sequence DESC LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query idempotency keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var t, k string
		if err := rows.Scan(&t, &k); err != nil {
			return nil, errors.Wrap(err, "scan idempotency key")
		}
		keys = append(keys, t+":"+k)
	}
	return keys, rows.Err()
}

// DecodeEvent rebuilds the command stored in row.
func DecodeEvent(row EventRow) (event.Event, error) {
	t, ok := event.ParseEventType(row.EventType)
	if !ok {
		return nil, errors.Errorf("event %d has unknown type %q", row.Sequence, row.EventType)
	}
	evt, _ := event.New(t)
	if err := json.Unmarshal(row.Payload, evt); err != nil {
		return nil, errors.Wrapf(err, "decode event %d", row.Sequence)
	}
	return evt, nil
}
