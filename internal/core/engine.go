package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
)

const (
	idempotencyCapacity = 100_000
	globalCheckInterval = 1000
)

// CommandHandler applies commands the protocol does not own itself, such as
// rebalancer calls and settled price rounds.
type CommandHandler interface {
	Handles(t event.EventType) bool
	Handle(cc CallContext, evt event.Event) (*ActionOutcome, error)
}

// Persistable is a collaborator whose state is part of the state hash and
// of snapshots.
type Persistable interface {
	Digest(h hash.Hash)
	ExportState() (json.RawMessage, error)
	ImportState(data json.RawMessage) error
}

type namedComponent struct {
	name string
	c    Persistable
}

// CoreOutput is emitted for every applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Outcome  *ActionOutcome
	Batches  []*ledger.Batch
	State    *state.ProtocolState // post-command copy for read models
}

// DeterministicCore is the single-threaded command processor.
// NO goroutines, NO I/O, NO wall-clock reads.
type DeterministicCore struct {
	sequence int64
	hasher   *StateHasher
	protocol *Protocol

	handlers   []CommandHandler
	components []namedComponent

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDeterministicCore(
	protocol *Protocol,
	startSequence int64,
	persistChan chan<- CoreOutput,
	projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		protocol:          protocol,
		idempotency:       NewIdempotencyChecker(idempotencyCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
	}
}

// RegisterHandler adds a handler for commands outside the protocol.
func (c *DeterministicCore) RegisterHandler(h CommandHandler) {
	c.handlers = append(c.handlers, h)
}

// RegisterComponent adds a collaborator to the state hash and snapshots.
// Components that produce ledger batches have them drained after every
// command.
func (c *DeterministicCore) RegisterComponent(name string, p Persistable) {
	for _, nc := range c.components {
		if nc.name == name {
			panic(fmt.Sprintf("FATAL: component %q registered twice", name))
		}
	}
	c.components = append(c.components, namedComponent{name: name, c: p})
}

func (c *DeterministicCore) Protocol() *Protocol { return c.protocol }

// ProcessEvent applies one command. A nil outcome with a nil error means the
// command was a duplicate or a stale price round and was skipped.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*ActionOutcome, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, key)

	// Step 2: Sequence validation. Price rounds tolerate gaps.
	partition := evt.Partition()
	if evt.EventType() == event.EventTypePriceRound {
		if !c.sequenceValidator.ValidatePriceSequence(partition, evt.SourceSequence()) {
			isDuplicate = true
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return nil, err
	}
	if isDuplicate {
		c.reject(eventType, "duplicate")
		c.logger.Debug().Str("event_type", eventType).Str("key", key).Msg("skipping duplicate")
		return nil, nil
	}

	// Step 3: Dispatch
	outcome, err := c.dispatch(evt)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		c.logger.Debug().Err(err).Str("event_type", eventType).Str("key", key).Msg("command rejected")
		return nil, err
	}

	// Step 4: Collect the ledger movements of the command
	var batches []*ledger.Batch
	for _, nc := range c.components {
		if src, ok := nc.c.(batchSource); ok {
			batches = append(batches, src.DrainBatches()...)
		}
	}

	// Step 5: Advance sequence and chain the state hash
	c.sequence++
	hashStart := time.Now()
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Next(c.sequence, eventType, c.computeStateDigest())
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 6: Build envelope
	envelope, err := c.buildEnvelope(evt, outcome, stateHash, prevHash)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode envelope at seq %d: %v", c.sequence, err))
	}

	// Step 7: Periodic global checks
	if c.sequence%globalCheckInterval == 0 {
		c.mustValidateBooks()
	}

	// Step 8: Emit. Persist is blocking, projection is best effort.
	output := CoreOutput{
		Envelope: envelope,
		Outcome:  outcome,
		Batches:  batches,
		State:    c.protocol.State(),
	}
	c.emit(output)

	// Step 9: Mark processed only after emission
	c.idempotency.MarkProcessed(eventType, key)

	if c.metrics != nil {
		c.metrics.CoreCallsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreCallDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.CoreOutcomes.WithLabelValues(eventType, outcome.Status.String()).Inc()
	}
	return outcome, nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCallsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// rejectReason labels a rejection by its registered error.
func rejectReason(err error) string {
	codespace, code, _ := errorsmod.ABCIInfo(err, false)
	if codespace == "" || codespace == errorsmod.UndefinedCodespace {
		return "internal"
	}
	return fmt.Sprintf("%s:%d", codespace, code)
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

// callContext derives the call context of a command.
func callContext(evt event.Event) CallContext {
	caller, ok := evt.(event.Caller)
	if !ok {
		return CallContext{Ref: evt.IdempotencyKey()}
	}
	h := caller.Header()
	return CallContext{
		Sender:    h.Sender,
		Value:     h.Value,
		Timestamp: h.Timestamp,
		GasPrice:  h.GasPrice,
		Ref:       h.CommandID.String(),
	}
}

func positionID(ref event.PositionRef) state.PositionID {
	return state.PositionID{Tick: ref.Tick, TickVersion: ref.TickVersion, Index: ref.Index}
}

func (c *DeterministicCore) dispatch(evt event.Event) (*ActionOutcome, error) {
	p := c.protocol
	cc := callContext(evt)

	switch e := evt.(type) {
	case *event.Initialize:
		return p.Initialize(cc, InitializeRequest{
			DepositAmount:   e.DepositAmount,
			LongAmount:      e.LongAmount,
			DesiredLiqPrice: e.DesiredLiqPrice,
			Payload:         e.PriceData,
		})
	case *event.InitiateDeposit:
		return p.InitiateDeposit(cc, DepositRequest{
			Amount:    e.Amount,
			To:        e.To,
			Validator: e.Validator,
			Deadline:  e.Deadline,
			Payload:   e.PriceData,
		})
	case *event.ValidateDeposit:
		return p.ValidateDeposit(cc, e.PriceData)
	case *event.InitiateWithdrawal:
		return p.InitiateWithdrawal(cc, WithdrawalRequest{
			Shares:    e.Shares,
			To:        e.To,
			Validator: e.Validator,
			Deadline:  e.Deadline,
			Payload:   e.PriceData,
		})
	case *event.ValidateWithdrawal:
		return p.ValidateWithdrawal(cc, e.PriceData)
	case *event.InitiateOpenPosition:
		return p.InitiateOpenPosition(cc, OpenRequest{
			Amount:          e.Amount,
			DesiredLiqPrice: e.DesiredLiqPrice,
			UserMaxPrice:    e.UserMaxPrice,
			UserMaxLeverage: e.UserMaxLeverage,
			To:              e.To,
			Validator:       e.Validator,
			Deadline:        e.Deadline,
			Payload:         e.PriceData,
		})
	case *event.ValidateOpenPosition:
		return p.ValidateOpenPosition(cc, e.PriceData)
	case *event.InitiateClosePosition:
		return p.InitiateClosePosition(cc, CloseRequest{
			PositionID:   positionID(e.Position),
			Amount:       e.Amount,
			UserMinPrice: e.UserMinPrice,
			To:           e.To,
			Validator:    e.Validator,
			Deadline:     e.Deadline,
			Payload:      e.PriceData,
		})
	case *event.ValidateClosePosition:
		return p.ValidateClosePosition(cc, e.PriceData)
	case *event.ValidateActionable:
		payloads := make([][]byte, len(e.PriceData))
		for i, raw := range e.PriceData {
			payloads[i] = raw
		}
		return p.ValidateActionablePendingActions(cc, e.MaxValidations, payloads)
	case *event.RemoveStale:
		return p.RemoveStalePendingAction(cc, e.Validator)
	case *event.Liquidate:
		return p.Liquidate(cc, e.PriceData, e.MaxIterations)
	}

	for _, h := range c.handlers {
		if h.Handles(evt.EventType()) {
			return h.Handle(cc, evt)
		}
	}
	return nil, errorsmod.Wrapf(ErrUnknownCommand, "%s (%T)", evt.EventType(), evt)
}

// computeStateDigest hashes the protocol state followed by every component
// in registration order.
func (c *DeterministicCore) computeStateDigest() []byte {
	h := sha256.New()
	d := c.protocol.state.Digest()
	h.Write(d[:])
	for _, nc := range c.components {
		h.Write([]byte(nc.name))
		nc.c.Digest(h)
	}
	return h.Sum(nil)
}

func (c *DeterministicCore) buildEnvelope(evt event.Event, outcome *ActionOutcome, stateHash, prevHash [32]byte) (*event.EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return nil, err
	}
	cc := callContext(evt)
	ts := cc.Timestamp
	if pr, ok := evt.(*event.PriceRound); ok {
		ts = pr.Timestamp
	}
	return &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Sender:         cc.Sender,
		Timestamp:      time.Unix(ts, 0).UTC(),
		Partition:      evt.Partition(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		Outcome:        encoded,
		Status:         outcome.Status.String(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}, nil
}

type bookValidator interface {
	Validate() error
}

func (c *DeterministicCore) mustValidateBooks() {
	for _, nc := range c.components {
		if v, ok := nc.c.(bookValidator); ok {
			if err := v.Validate(); err != nil {
				panic(fmt.Sprintf("FATAL: %s ledger invariant at seq %d: %v", nc.name, c.sequence, err))
			}
		}
	}
}

// --- Snapshot ---

// SnapshotState is everything needed to resume processing after a restart.
type SnapshotState struct {
	Sequence        int64                      `json:"sequence"`
	StateHash       [32]byte                   `json:"state_hash"`
	Protocol        *state.ProtocolState       `json:"protocol"`
	Components      map[string]json.RawMessage `json:"components"`
	Partitions      map[string]int64           `json:"partitions"`
	IdempotencyKeys []string                   `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current state. Call it between commands.
func (c *DeterministicCore) CreateSnapshotState() (*SnapshotState, error) {
	start := time.Now()
	snap := &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.Tip(),
		Protocol:        c.protocol.State(),
		Components:      make(map[string]json.RawMessage, len(c.components)),
		Partitions:      c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
	for _, nc := range c.components {
		data, err := nc.c.ExportState()
		if err != nil {
			return nil, errorsmod.Wrapf(err, "export %s", nc.name)
		}
		snap.Components[nc.name] = data
	}
	if c.metrics != nil {
		c.metrics.SnapshotTaken.Inc()
		c.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		c.metrics.SnapshotLastSeq.Set(float64(c.sequence))
	}
	return snap, nil
}

// RestoreFromSnapshot loads a snapshot and verifies that the recomputed
// digest chain tip matches the recorded one.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.Protocol == nil {
		return fmt.Errorf("snapshot %d has no protocol state", snap.Sequence)
	}
	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !c.hasComponent(name) {
			return fmt.Errorf("snapshot %d carries unknown component %q", snap.Sequence, name)
		}
	}
	for _, nc := range c.components {
		data, ok := snap.Components[nc.name]
		if !ok {
			return fmt.Errorf("snapshot %d misses component %q", snap.Sequence, nc.name)
		}
		if err := nc.c.ImportState(data); err != nil {
			return errorsmod.Wrapf(err, "import %s", nc.name)
		}
	}
	c.protocol.Restore(snap.Protocol)

	c.sequence = snap.Sequence
	c.hasher.Reset(snap.StateHash)
	for partition, next := range snap.Partitions {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("components", len(c.components)).
		Int("partitions", len(snap.Partitions)).
		Msg("restored from snapshot")
	return nil
}

func (c *DeterministicCore) hasComponent(name string) bool {
	for _, nc := range c.components {
		if nc.name == name {
			return true
		}
	}
	return false
}

// WarmLRU loads recent idempotency keys ("type:key") after a restart.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
	c.logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
}

func (c *DeterministicCore) GetSequence() int64 { return c.sequence }

func (c *DeterministicCore) GetStateHash() [32]byte { return c.hasher.Tip() }
