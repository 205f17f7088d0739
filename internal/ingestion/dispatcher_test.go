package ingestion_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	tu "PerpVault/internal/testutil"
)

// startDispatcher runs a dispatcher over a fresh core until the test ends.
func startDispatcher(t *testing.T, f *tu.Fixture) (*ingestion.Dispatcher, chan ingestion.Submission, chan core.CoreOutput) {
	t.Helper()
	c, persistChan, _ := f.NewCore(64, 64)
	in := make(chan ingestion.Submission, 8)
	d := ingestion.NewDispatcher(c, in, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, in, persistChan
}

func TestCommandService_SubmitAppliesInOrder(t *testing.T) {
	f := tu.NewFixture(t)
	d, in, persistChan := startDispatcher(t, f)
	svc := ingestion.NewCommandService(in)
	ctx := context.Background()

	res, err := svc.Submit(ctx, f.InitializeCommand())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, int64(1), res.Sequence)

	res, err = svc.Submit(ctx, f.DepositCommand(1, tu.Alice, tu.Milli(200), tu.StartTime+10, 1))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Sequence)
	assert.Equal(t, int64(2), d.Sequence())

	outputs := tu.DrainOutputs(persistChan)
	require.Len(t, outputs, 2)
	assert.Equal(t, "InitiateDeposit", outputs[1].Envelope.EventType.String())
}

func TestCommandService_DuplicateIsSkipped(t *testing.T) {
	f := tu.NewFixture(t)
	_, in, _ := startDispatcher(t, f)
	svc := ingestion.NewCommandService(in)

	cmd := f.InitializeCommand()
	_, err := svc.Submit(context.Background(), cmd)
	require.NoError(t, err)

	res, err := svc.Submit(context.Background(), cmd)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, int64(1), res.Sequence)
}

func TestCommandService_RejectionIsReported(t *testing.T) {
	f := tu.NewFixture(t)
	_, in, persistChan := startDispatcher(t, f)
	svc := ingestion.NewCommandService(in)

	// depositing before initialization fails
	res, err := svc.Submit(context.Background(), f.DepositCommand(1, tu.Alice, tu.Milli(200), tu.StartTime, 0))
	require.NoError(t, err)
	assert.Error(t, res.Err)
	assert.Equal(t, int64(0), res.Sequence)
	assert.Empty(t, tu.DrainOutputs(persistChan))
}

func TestCommandService_SubmitRaw(t *testing.T) {
	f := tu.NewFixture(t)
	_, in, _ := startDispatcher(t, f)
	svc := ingestion.NewCommandService(in)

	body, err := json.Marshal(f.InitializeCommand())
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &m))
	m["type"] = "Initialize"

	evt, res, err := svc.SubmitRaw(context.Background(), mustJSON(t, m))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "Initialize", evt.EventType().String())
	assert.Equal(t, int64(1), res.Sequence)

	_, _, err = svc.SubmitRaw(context.Background(), []byte(`{"type":"Mint"}`))
	assert.ErrorIs(t, err, ingestion.ErrUnknownCommand)
}

func TestCommandService_SubmitHonoursContext(t *testing.T) {
	svc := ingestion.NewCommandService(make(chan ingestion.Submission))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f := tu.NewFixture(t)
	_, err := svc.Submit(ctx, f.InitializeCommand())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_PeriodicSnapshots(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := f.NewCore(64, 64)
	in := make(chan ingestion.Submission, 4)
	snaps := make(chan *core.SnapshotState, 4)
	d := ingestion.NewDispatcher(c, in, nil)
	d.SnapshotEvery(2, snaps)

	in <- ingestion.Submission{Event: f.InitializeCommand()}
	in <- ingestion.Submission{Event: f.DepositCommand(1, tu.Alice, tu.Milli(200), tu.StartTime+10, 1)}
	in <- ingestion.Submission{Event: f.DepositCommand(2, tu.Bob, tu.Milli(50), tu.StartTime+20, 2)}
	close(in)
	require.NoError(t, d.Run(context.Background()))

	require.Len(t, snaps, 1)
	snap := <-snaps
	assert.Equal(t, int64(2), snap.Sequence)
	assert.Equal(t, int64(3), d.Sequence())
}

func TestNATSSubscriber_Deliver(t *testing.T) {
	out := make(chan ingestion.Submission, 1)
	ns := ingestion.NewNATSSubscriber(nil, out, nil)

	var acks, naks atomic.Int32
	msg := func(subject string, data []byte) ingestion.RawEvent {
		r := raw(subject, data)
		r.AckFunc = func() { acks.Add(1) }
		r.NakFunc = func() { naks.Add(1) }
		return r
	}

	// unparseable: acked and dropped
	ns.Deliver(context.Background(), msg("vault.commands.Mint", []byte(`{}`)))
	assert.Equal(t, int32(1), acks.Load())
	assert.Empty(t, out)

	round := mustJSON(t, map[string]interface{}{"feed": "ETH/USD", "round_id": 1, "price": "1", "timestamp": 1})
	ns.Deliver(context.Background(), msg("vault.prices.ETH", round))
	assert.Equal(t, int32(2), acks.Load())
	require.Len(t, out, 1)

	// a full channel and a cancelled context: redelivered later
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ns.Deliver(ctx, msg("vault.prices.ETH", round))
	assert.Equal(t, int32(1), naks.Load())
	assert.Equal(t, int32(2), acks.Load())
}
