package ingestion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
)

// Submission is a parsed command on its way to the core. Reply is nil for
// fire-and-forget sources such as NATS, which ack before the core applies.
type Submission struct {
	Event    event.Event
	Received time.Time
	Reply    chan<- Result
}

// Result is what the core did with a submission. A nil Outcome with a nil
// Err means the command was a duplicate and was skipped.
type Result struct {
	Outcome  *core.ActionOutcome
	Sequence int64
	Err      error
}

// Dispatcher is the only goroutine that touches the deterministic core. It
// applies submissions in arrival order and hands a snapshot to the snapshot
// channel every snapshotEvery applied commands.
type Dispatcher struct {
	core          *core.DeterministicCore
	in            <-chan Submission
	snapshotEvery int64
	snapshots     chan<- *core.SnapshotState
	sequence      atomic.Int64
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func NewDispatcher(c *core.DeterministicCore, in <-chan Submission, metrics *observability.Metrics) *Dispatcher {
	d := &Dispatcher{
		core:    c,
		in:      in,
		metrics: metrics,
		logger:  observability.NewLogger("dispatcher"),
	}
	d.sequence.Store(c.GetSequence())
	return d
}

// SnapshotEvery enables periodic snapshots. Sends on ch never block; a
// snapshot the saver cannot take yet is skipped and retried at the next
// applied command.
func (d *Dispatcher) SnapshotEvery(interval int64, ch chan<- *core.SnapshotState) {
	d.snapshotEvery = interval
	d.snapshots = ch
}

// Sequence is the last applied sequence. Safe to call from any goroutine.
func (d *Dispatcher) Sequence() int64 { return d.sequence.Load() }

// Run applies submissions until ctx is cancelled or the input is closed.
// The core is free for the caller to use once Run has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	lastSnapshot := d.core.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub, ok := <-d.in:
			if !ok {
				return nil
			}
			res := d.apply(sub)
			if sub.Reply != nil {
				sub.Reply <- res
			}
			if d.snapshotEvery > 0 && res.Sequence-lastSnapshot >= d.snapshotEvery {
				if d.offerSnapshot() {
					lastSnapshot = res.Sequence
				}
			}
		}
	}
}

func (d *Dispatcher) apply(sub Submission) Result {
	name := sub.Event.EventType().String()
	outcome, err := d.core.ProcessEvent(sub.Event)
	seq := d.core.GetSequence()
	d.sequence.Store(seq)

	if d.metrics != nil && !sub.Received.IsZero() {
		d.metrics.IngestToApply.WithLabelValues(name).Observe(time.Since(sub.Received).Seconds())
	}
	if err != nil {
		d.logger.Debug().Err(err).Str("call", name).Str("key", sub.Event.IdempotencyKey()).Msg("command rejected")
	}
	return Result{Outcome: outcome, Sequence: seq, Err: err}
}

func (d *Dispatcher) offerSnapshot() bool {
	snap, err := d.core.CreateSnapshotState()
	if err != nil {
		d.logger.Error().Err(err).Msg("create snapshot")
		return false
	}
	select {
	case d.snapshots <- snap:
		return true
	default:
		d.logger.Warn().Int64("sequence", snap.Sequence).Msg("snapshot saver busy, skipping")
		return false
	}
}

// CommandService submits commands to the dispatcher and waits for the
// result. It backs the HTTP command endpoint.
type CommandService struct {
	out chan<- Submission
}

func NewCommandService(out chan<- Submission) *CommandService {
	return &CommandService{out: out}
}

// Submit enqueues evt and blocks until the core has applied or rejected it.
func (s *CommandService) Submit(ctx context.Context, evt event.Event) (Result, error) {
	reply := make(chan Result, 1)
	sub := Submission{Event: evt, Received: time.Now(), Reply: reply}

	select {
	case s.out <- sub:
	case <-ctx.Done():
		return Result{}, errors.Wrap(ctx.Err(), "enqueue command")
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, errors.Wrap(ctx.Err(), "await command result")
	}
}

// SubmitRaw parses a self-describing command body and submits it.
func (s *CommandService) SubmitRaw(ctx context.Context, body []byte) (event.Event, Result, error) {
	evt, err := ParseTypedCommand(body)
	if err != nil {
		return nil, Result{}, err
	}
	res, err := s.Submit(ctx, evt)
	return evt, res, err
}
