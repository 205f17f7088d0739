package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/persistence"
)

const (
	replayBatchSize = 1000
	warmKeys        = 100_000
)

// recoverFromPostgres restores the latest verified snapshot and replays the
// event log after it.
func recoverFromPostgres(ctx context.Context, v *vault, sm *persistence.SnapshotManager, logger zerolog.Logger) error {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying the whole log")
		snap = nil
	}
	if snap != nil {
		if err := v.core.RestoreFromSnapshot(snap); err != nil {
			return errors.Wrap(err, "restore snapshot")
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	head, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	total := 0
	for from := v.core.GetSequence() + 1; from <= head; {
		rows, err := sm.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		n, err := v.replay(rows)
		total += n
		if err != nil {
			return err
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	keys, err := sm.RecentIdempotencyKeys(ctx, warmKeys)
	if err != nil {
		return err
	}
	v.core.WarmLRU(keys)

	logger.Info().Int("replayed", total).Int64("sequence", v.core.GetSequence()).Msg("recovery complete")
	return nil
}

// recoverFromWAL restores the newest snapshot in the WAL and replays the
// records written after it.
func recoverFromWAL(ctx context.Context, v *vault, store *persistence.WALStore, logger zerolog.Logger) error {
	snap, records, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "read wal")
	}
	if snap != nil {
		if err := v.core.RestoreFromSnapshot(snap); err != nil {
			return errors.Wrap(err, "restore snapshot")
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	}

	rows := make([]persistence.EventRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Event)
	}
	n, err := v.replay(rows)
	if err != nil {
		return err
	}
	logger.Info().Int("replayed", n).Int64("sequence", v.core.GetSequence()).Msg("recovery complete")
	return nil
}
