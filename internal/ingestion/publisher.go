package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
)

const (
	EventSubjectPrefix = "vault.events."
	EventStream        = "VAULT_EVENTS"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied commands to NATS once they are
// durable. Subjects follow vault.events.{call}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan persistence.Record
	logger    zerolog.Logger
}

// PublishableEvent is the outbound form of an applied command.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Sender         string          `json:"sender"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Outcome        json.RawMessage `json:"outcome,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent builds the outbound form of a persisted record.
func NewPublishableEvent(rec persistence.Record) PublishableEvent {
	e := rec.Event
	pe := PublishableEvent{
		Sequence:       e.Sequence,
		EventType:      e.EventType,
		IdempotencyKey: e.IdempotencyKey,
		Sender:         e.Sender,
		Status:         e.Status,
		Payload:        json.RawMessage(e.Payload),
		StateHash:      hex.EncodeToString(e.StateHash),
		Timestamp:      e.Timestamp,
	}
	if len(e.Outcome) > 0 {
		pe.Outcome = json.RawMessage(e.Outcome)
	}
	return pe
}

// Subject is the NATS subject the event is published on.
func (pe PublishableEvent) Subject() string {
	return EventSubjectPrefix + pe.EventType
}

func NewOutboundPublisher(js Publisher, inputChan <-chan persistence.Record) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
// Publish failures are logged and skipped; the event log stays the source
// of truth for downstream consumers.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, NewPublishableEvent(rec)); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", rec.Event.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	// The idempotency key is the message id so JetStream drops republishes.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey+":"+evt.EventType))
	return errors.Wrapf(err, "publish %s", evt.Subject())
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return errors.Wrap(err, "create outbound stream")
	}
	observability.NewLogger("publisher").Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
