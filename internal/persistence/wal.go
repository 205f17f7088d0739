package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"PerpVault/internal/core"
	"PerpVault/internal/observability"
)

const (
	defaultWALDir     = "./wal/vault"
	walSegmentLimit   = 1000
	walMaxSegments    = 100
	walRecordPrefix   = "record_"
	walSnapshotPrefix = "snapshot_"
)

// WALStore keeps core outputs and snapshots in a local write-ahead log. It
// stands in for Postgres when no DSN is configured.
type WALStore struct {
	wal     *gowal.Wal
	mu      sync.RWMutex
	metrics *observability.Metrics
}

func NewWALStore(dir string, metrics *observability.Metrics) (*WALStore, error) {
	if dir == "" {
		dir = defaultWALDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "vault_",
		SegmentThreshold: walSegmentLimit,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init vault WAL")
	}
	return &WALStore{wal: wal, metrics: metrics}, nil
}

// Write appends records in order. It implements Sink.
func (s *WALStore) Write(_ context.Context, records []Record) error {
	if s == nil || s.wal == nil {
		return errors.New("wal store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "marshal record %d", r.Event.Sequence)
		}
		key := fmt.Sprintf("%s%d", walRecordPrefix, r.Event.Sequence)
		if err := s.wal.Write(s.wal.CurrentIndex()+1, key, payload); err != nil {
			return errors.Wrapf(err, "append record %d", r.Event.Sequence)
		}
		if s.metrics != nil {
			s.metrics.WALWrites.WithLabelValues("record").Inc()
		}
	}
	return nil
}

// SaveSnapshot appends snap to the log.
func (s *WALStore) SaveSnapshot(_ context.Context, snap *core.SnapshotState) error {
	if s == nil || s.wal == nil {
		return errors.New("wal store is not initialized")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s%d", walSnapshotPrefix, snap.Sequence)
	if err := s.wal.Write(s.wal.CurrentIndex()+1, key, payload); err != nil {
		return errors.Wrapf(err, "append snapshot %d", snap.Sequence)
	}
	if s.metrics != nil {
		s.metrics.WALWrites.WithLabelValues("snapshot").Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(len(payload)))
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot in the log together with
// the records written after it, in order. The snapshot is nil when the log
// holds none, in which case every record is returned.
func (s *WALStore) LoadLatestSnapshot(_ context.Context) (*core.SnapshotState, []Record, error) {
	if s == nil || s.wal == nil {
		return nil, nil, errors.New("wal store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap    *core.SnapshotState
		records []Record
	)
	current := s.wal.CurrentIndex()
	for idx := uint64(1); idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "wal get %d", idx)
		}
		if key == "" {
			continue
		}
		switch {
		case strings.HasPrefix(key, walSnapshotPrefix):
			var next core.SnapshotState
			if err := json.Unmarshal(payload, &next); err != nil {
				return nil, nil, errors.Wrapf(err, "decode wal entry %d", idx)
			}
			snap = &next
			records = records[:0]
		case strings.HasPrefix(key, walRecordPrefix):
			var r Record
			if err := json.Unmarshal(payload, &r); err != nil {
				return nil, nil, errors.Wrapf(err, "decode wal entry %d", idx)
			}
			if snap != nil && r.Event.Sequence <= snap.Sequence {
				continue
			}
			records = append(records, r)
		}
	}
	return snap, records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("wal store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
