package core_test

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	tu "PerpVault/internal/testutil"
)

// --- Test helpers ---

func newTestCore(t *testing.T, f *tu.Fixture, projCap int) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	return f.NewCore(1024, projCap)
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput { return tu.DrainOutputs(ch) }

func commandID(n int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("cmd-%d", n)))
}

func mustCall(f *tu.Fixture, id int, sender common.Address, ts, seq int64) event.Call {
	return event.Call{
		CommandID: commandID(id),
		Sender:    sender,
		Value:     f.Fee(),
		GasPrice:  sdkmath.NewInt(1_000_000_000),
		Timestamp: ts,
		Sequence:  seq,
	}
}

func mustInitialize(f *tu.Fixture, seq int64) *event.Initialize {
	return &event.Initialize{
		Call:            mustCall(f, 0, tu.Deployer, t0, seq),
		DepositAmount:   tu.Tokens(10),
		LongAmount:      tu.Tokens(10),
		DesiredLiqPrice: tu.Tokens(1500),
		PriceData:       tu.Price(tu.InitialPrice, t0),
	}
}

func mustDeposit(f *tu.Fixture, id int, user common.Address, amount sdkmath.Int, ts, seq int64) *event.InitiateDeposit {
	return &event.InitiateDeposit{
		Call:      mustCall(f, id, user, ts, seq),
		Amount:    amount,
		To:        user,
		Validator: user,
		PriceData: tu.Price(tu.InitialPrice, ts),
	}
}

func mustValidateDeposit(f *tu.Fixture, id int, user common.Address, initiatedAt, seq int64) *event.ValidateDeposit {
	target := initiatedAt + f.Params.ValidationDelay
	return &event.ValidateDeposit{
		Call:      mustCall(f, id, user, target, seq),
		PriceData: tu.Price(tu.InitialPrice, target),
	}
}

func mustRound(id int64, price sdkmath.Int, ts int64) *event.PriceRound {
	return &event.PriceRound{
		Feed:       tu.FeedName,
		RoundID:    id,
		Price:      price,
		Timestamp:  ts,
		Confidence: sdkmath.ZeroInt(),
	}
}

// unhandled is a command no component claims.
type unhandled struct {
	event.Call
}

func (u *unhandled) EventType() event.EventType { return event.EventTypeUnknown }

// ============================================================================
// Test: Envelope and hash chain
// ============================================================================

func TestProcessEvent_EmitsChainedEnvelopes(t *testing.T) {
	f := tu.NewFixture(t)
	c, persistChan, projChan := newTestCore(t, f, 1024)

	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)
	out, err := c.ProcessEvent(mustDeposit(f, 1, tu.Alice, tu.Milli(200), t0+10, 1))
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessed, out.Status)

	outputs := drainOutputs(persistChan)
	require.Len(t, outputs, 2)
	assert.Len(t, drainOutputs(projChan), 2)

	first, second := outputs[0].Envelope, outputs[1].Envelope
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, sha256.Sum256([]byte(core.GenesisHashSeed)), first.PrevHash)
	assert.Equal(t, first.StateHash, second.PrevHash)
	assert.Equal(t, c.GetStateHash(), second.StateHash)

	assert.Equal(t, event.EventTypeInitiateDeposit, second.EventType)
	assert.Equal(t, "global", second.Partition)
	assert.Equal(t, tu.Alice, second.Sender)
	assert.Equal(t, commandID(1).String(), second.IdempotencyKey)
	assert.Equal(t, t0+10, second.Timestamp.Unix())
	assert.Equal(t, "processed", second.Status)

	var decoded core.ActionOutcome
	require.NoError(t, json.Unmarshal(second.Outcome, &decoded))
	assert.Equal(t, out.Amount.String(), decoded.Amount.String())

	// every movement is journaled and tagged with the command
	require.NotEmpty(t, outputs[1].Batches)
	for _, b := range outputs[1].Batches {
		assert.Equal(t, commandID(1).String(), b.EventRef)
	}
	require.NotNil(t, outputs[1].State)
	assert.Equal(t, 1, outputs[1].State.Queue.Len())
}

func TestProcessEvent_DeterministicAcrossInstances(t *testing.T) {
	run := func() [32]byte {
		f := tu.NewFixture(t)
		c, _, _ := newTestCore(t, f, 1024)
		_, err := c.ProcessEvent(mustInitialize(f, 0))
		require.NoError(t, err)
		_, err = c.ProcessEvent(mustDeposit(f, 1, tu.Alice, tu.Milli(200), t0+10, 1))
		require.NoError(t, err)
		_, err = c.ProcessEvent(mustValidateDeposit(f, 2, tu.Alice, t0+10, 2))
		require.NoError(t, err)
		return c.GetStateHash()
	}
	assert.Equal(t, run(), run())
}

// ============================================================================
// Test: Idempotency and ordering
// ============================================================================

func TestProcessEvent_DuplicateIsSkipped(t *testing.T) {
	f := tu.NewFixture(t)
	c, persistChan, _ := newTestCore(t, f, 1024)

	cmd := mustInitialize(f, 0)
	_, err := c.ProcessEvent(cmd)
	require.NoError(t, err)
	hash := c.GetStateHash()

	out, err := c.ProcessEvent(cmd)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, int64(1), c.GetSequence())
	assert.Equal(t, hash, c.GetStateHash())
	assert.Len(t, drainOutputs(persistChan), 1)
}

func TestProcessEvent_SequenceGapRejected(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := newTestCore(t, f, 1024)

	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)

	_, err = c.ProcessEvent(mustDeposit(f, 1, tu.Alice, tu.Milli(200), t0+10, 2))
	require.ErrorIs(t, err, core.ErrSequenceGap)

	_, err = c.ProcessEvent(mustDeposit(f, 2, tu.Alice, tu.Milli(200), t0+10, 0))
	require.ErrorIs(t, err, core.ErrOutOfOrder)
	assert.Equal(t, int64(1), c.GetSequence())
}

func TestProcessEvent_RejectedCommandConsumesSequence(t *testing.T) {
	f := tu.NewFixture(t)
	c, persistChan, _ := newTestCore(t, f, 1024)

	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)
	hash := c.GetStateHash()

	// far above the deposit imbalance limit
	_, err = c.ProcessEvent(mustDeposit(f, 1, tu.Alice, tu.Tokens(5), t0+10, 1))
	require.Error(t, err)
	assert.Equal(t, hash, c.GetStateHash())

	_, err = c.ProcessEvent(mustDeposit(f, 2, tu.Alice, tu.Milli(200), t0+10, 2))
	require.NoError(t, err)
	assert.Len(t, drainOutputs(persistChan), 2)
}

func TestProcessEvent_SourcesArePartitioned(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := newTestCore(t, f, 1024)
	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)

	a := mustDeposit(f, 1, tu.Alice, tu.Milli(100), t0+10, 0)
	a.Source = "gateway-a"
	b := mustDeposit(f, 2, tu.Bob, tu.Milli(100), t0+11, 0)
	b.Source = "gateway-b"

	_, err = c.ProcessEvent(a)
	require.NoError(t, err)
	_, err = c.ProcessEvent(b)
	require.NoError(t, err)
	assert.Equal(t, "source:gateway-b", b.Partition())
}

func TestProcessEvent_PriceRoundsTolerateGaps(t *testing.T) {
	f := tu.NewFixture(t)
	c, persistChan, _ := newTestCore(t, f, 1024)

	_, err := c.ProcessEvent(mustRound(1, tu.Tokens(3000), t0))
	require.NoError(t, err)
	out, err := c.ProcessEvent(mustRound(5, tu.Tokens(3001), t0+60))
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(3001).String(), out.Price.String())

	// older than the latest round: skipped
	out, err = c.ProcessEvent(mustRound(3, tu.Tokens(2999), t0+30))
	require.NoError(t, err)
	assert.Nil(t, out)

	latest, ok := f.Feed.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.ID)

	outputs := drainOutputs(persistChan)
	require.Len(t, outputs, 2)
	assert.Equal(t, "price:"+tu.FeedName, outputs[1].Envelope.Partition)
	assert.Equal(t, t0+60, outputs[1].Envelope.Timestamp.Unix())
}

func TestProcessEvent_UnknownCommand(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := newTestCore(t, f, 1024)

	_, err := c.ProcessEvent(&unhandled{Call: mustCall(f, 9, tu.Alice, t0, 0)})
	require.ErrorIs(t, err, core.ErrUnknownCommand)
}

func TestProcessEvent_RoutesRebalancerCommands(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := newTestCore(t, f, 1024)
	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)

	out, err := c.ProcessEvent(&event.RebalancerDeposit{
		Call:   mustCall(f, 1, tu.Carol, t0+10, 1),
		Amount: tu.Tokens(1),
		To:     tu.Carol,
	})
	require.NoError(t, err)
	assert.Equal(t, tu.Tokens(1).String(), out.Amount.String())
	assert.Equal(t, tu.Tokens(1).String(), f.Asset.BalanceOf(tu.RebalancerAddress).String())
}

// ============================================================================
// Test: Channels
// ============================================================================

func TestProcessEvent_ProjectionDropsWhenFull(t *testing.T) {
	f := tu.NewFixture(t)
	c, persistChan, projChan := newTestCore(t, f, 1)

	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)
	_, err = c.ProcessEvent(mustDeposit(f, 1, tu.Alice, tu.Milli(200), t0+10, 1))
	require.NoError(t, err)

	assert.Len(t, drainOutputs(persistChan), 2, "persistence never drops")
	assert.Len(t, drainOutputs(projChan), 1)
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestSnapshot_RestoreContinuesHashChain(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := newTestCore(t, f, 1024)
	_, err := c.ProcessEvent(mustInitialize(f, 0))
	require.NoError(t, err)
	deposit := mustDeposit(f, 1, tu.Alice, tu.Milli(200), t0+10, 1)
	_, err = c.ProcessEvent(deposit)
	require.NoError(t, err)

	snap, err := c.CreateSnapshotState()
	require.NoError(t, err)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	g := tu.NewFixture(t)
	restored, _, _ := newTestCore(t, g, 1024)
	require.NoError(t, restored.RestoreFromSnapshot(&decoded))
	assert.Equal(t, c.GetSequence(), restored.GetSequence())
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, f.Asset.BalanceOf(tu.Alice).String(), g.Asset.BalanceOf(tu.Alice).String())

	// the idempotency window survives the restore
	out, err := restored.ProcessEvent(deposit)
	require.NoError(t, err)
	assert.Nil(t, out)

	validate := mustValidateDeposit(f, 2, tu.Alice, t0+10, 2)
	_, err = c.ProcessEvent(validate)
	require.NoError(t, err)
	_, err = restored.ProcessEvent(validate)
	require.NoError(t, err)
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	g.RequireInvariants(t)
}

func TestSnapshot_RejectsUnknownComponent(t *testing.T) {
	f := tu.NewFixture(t)
	c, _, _ := newTestCore(t, f, 1024)
	snap, err := c.CreateSnapshotState()
	require.NoError(t, err)
	snap.Components["orderbook"] = json.RawMessage(`{}`)

	g := tu.NewFixture(t)
	restored, _, _ := newTestCore(t, g, 1024)
	require.Error(t, restored.RestoreFromSnapshot(snap))
}
