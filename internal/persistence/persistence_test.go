package persistence_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/persistence"
	tu "PerpVault/internal/testutil"
)

const t0 = tu.StartTime

// appliedOutputs runs an initialization and a deposit through a core and
// returns what it emitted for persistence.
func appliedOutputs(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	f := tu.NewFixture(t)
	c, persistChan, _ := f.NewCore(16, 16)

	_, err := c.ProcessEvent(f.InitializeCommand())
	require.NoError(t, err)
	_, err = c.ProcessEvent(f.DepositCommand(1, tu.Alice, tu.Milli(200), t0+10, 1))
	require.NoError(t, err)

	outputs := tu.DrainOutputs(persistChan)
	require.Len(t, outputs, 2)
	return c, outputs
}

func records(outputs []core.CoreOutput) []persistence.Record {
	out := make([]persistence.Record, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, persistence.RecordFromOutput(o))
	}
	return out
}

func TestRecordFromOutput(t *testing.T) {
	_, outputs := appliedOutputs(t)
	rec := persistence.RecordFromOutput(outputs[1])

	assert.Equal(t, int64(2), rec.Event.Sequence)
	assert.Equal(t, "InitiateDeposit", rec.Event.EventType)
	assert.Equal(t, tu.Alice.Hex(), rec.Event.Sender)
	assert.Equal(t, outputs[1].Envelope.StateHash[:], rec.Event.StateHash)
	assert.Equal(t, outputs[0].Envelope.StateHash[:], rec.Event.PrevHash)
	assert.Equal(t, t0+10, rec.Event.Timestamp.Unix())

	require.NotEmpty(t, rec.Journals, "a deposit escrows assets")
	for _, j := range rec.Journals {
		assert.Equal(t, int64(2), j.Sequence)
		assert.NotEqual(t, j.DebitAccount, j.CreditAccount)
		amount, ok := sdkmath.NewIntFromString(j.Amount)
		require.True(t, ok, j.Amount)
		assert.True(t, amount.IsPositive())
		assert.NotEmpty(t, j.Asset)
	}
}

func TestDecodeEvent(t *testing.T) {
	_, outputs := appliedOutputs(t)
	rec := persistence.RecordFromOutput(outputs[0])

	evt, err := persistence.DecodeEvent(rec.Event)
	require.NoError(t, err)
	initialize, ok := evt.(*event.Initialize)
	require.True(t, ok, "%T", evt)
	assert.True(t, tu.Tokens(10).Equal(initialize.DepositAmount))
	assert.Equal(t, tu.Deployer, initialize.Sender)

	rec.Event.EventType = "Mint"
	_, err = persistence.DecodeEvent(rec.Event)
	assert.Error(t, err)
}

func TestWALStore_ReplaysRecordsAfterLatestSnapshot(t *testing.T) {
	c, outputs := appliedOutputs(t)
	recs := records(outputs)

	store, err := persistence.NewWALStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	snap, tail, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, tail)

	require.NoError(t, store.Write(ctx, recs[:1]))
	snapshot, err := c.CreateSnapshotState()
	require.NoError(t, err)
	snapshot.Sequence = 1
	require.NoError(t, store.SaveSnapshot(ctx, snapshot))
	require.NoError(t, store.Write(ctx, recs[1:]))
	assert.Equal(t, uint64(3), store.CurrentIndex())

	snap, tail, err = store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Sequence)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Event.Sequence)
	assert.Equal(t, recs[1].Journals, tail[0].Journals)
}

func TestWALStore_WithoutSnapshotReturnsEveryRecord(t *testing.T) {
	_, outputs := appliedOutputs(t)

	store, err := persistence.NewWALStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(context.Background(), records(outputs)))
	snap, tail, err := store.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(1), tail[0].Event.Sequence)
}

func TestWALStore_CorruptedSegmentFailsReplay(t *testing.T) {
	_, outputs := appliedOutputs(t)
	dir := t.TempDir()

	store, err := persistence.NewWALStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), records(outputs)))
	require.NoError(t, store.Close())

	segments, err := filepath.Glob(filepath.Join(dir, "vault_*"))
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	raw, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	flipped := bytes.Replace(raw, []byte("InitiateDeposit"), []byte("InitiateDeposiT"), 1)
	require.NotEqual(t, raw, flipped)
	require.NoError(t, os.WriteFile(segments[0], flipped, 0o644))

	// The checksum mismatch surfaces either when the segments are indexed or
	// when the record is read back.
	reopened, err := persistence.NewWALStore(dir, nil)
	if err == nil {
		defer reopened.Close()
		_, _, err = reopened.LoadLatestSnapshot(context.Background())
	}
	require.Error(t, err)
}

// memorySink records writes and fails the first failures calls.
type memorySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []persistence.Record
}

func (s *memorySink) Write(_ context.Context, recs []persistence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	s.written = append(s.written, recs...)
	return nil
}

func (s *memorySink) sequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, r := range s.written {
		out = append(out, r.Event.Sequence)
	}
	return out
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	_, outputs := appliedOutputs(t)
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	sink := &memorySink{}
	w := persistence.NewPersistenceWorker(sink, in, 100, time.Hour, nil)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []int64{1, 2}, sink.sequences())
	assert.Equal(t, 1, sink.calls)
}

func TestPersistenceWorker_FlushesFullBatches(t *testing.T) {
	_, outputs := appliedOutputs(t)
	in := make(chan core.CoreOutput)
	sink := &memorySink{}
	w := persistence.NewPersistenceWorker(sink, in, 1, time.Hour, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	for _, o := range outputs {
		in <- o
	}
	close(in)
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2}, sink.sequences())
	assert.Equal(t, 2, sink.calls)
}

func TestPersistenceWorker_RetriesFailedFlush(t *testing.T) {
	_, outputs := appliedOutputs(t)
	in := make(chan core.CoreOutput)
	sink := &memorySink{failures: 2}
	w := persistence.NewPersistenceWorker(sink, in, 2, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	for _, o := range outputs {
		in <- o
	}

	require.Eventually(t, func() bool { return len(sink.sequences()) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []int64{1, 2}, sink.sequences(), "written once, in order")
	assert.Equal(t, 3, sink.calls)
}

func TestPersistenceWorker_TimeoutFlush(t *testing.T) {
	_, outputs := appliedOutputs(t)
	in := make(chan core.CoreOutput, 1)
	sink := &memorySink{}
	w := persistence.NewPersistenceWorker(sink, in, 100, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	in <- outputs[0]

	require.Eventually(t, func() bool { return len(sink.sequences()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPersistenceWorker_ForwardsCommittedRecords(t *testing.T) {
	_, outputs := appliedOutputs(t)
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	// room for one: the second record is dropped, never blocking the flush
	committed := make(chan persistence.Record, 1)
	sink := &memorySink{}
	w := persistence.NewPersistenceWorker(sink, in, 10, time.Hour, nil)
	w.ForwardCommitted(committed)
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []int64{1, 2}, sink.sequences())
	require.Len(t, committed, 1)
	assert.Equal(t, int64(1), (<-committed).Event.Sequence)
}
