package ingestion

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/observability"
)

// NATSSubscriber consumes commands and price rounds from JetStream, parses
// them and forwards them to the dispatcher.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- Submission
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is a message as received from NATS, before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // call after the command is queued for the core
	NakFunc   func() // call to have the message redelivered
}

// SubjectConfig binds a subject filter to a durable consumer on a stream.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ">", ConsumerName: "vault-commands", StreamName: "VAULT_COMMANDS"},
		{Subject: PriceSubjectPrefix + ">", ConsumerName: "vault-prices", StreamName: "VAULT_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- Submission, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		out:     out,
		metrics: metrics,
		logger:  observability.NewLogger("nats"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return errors.Wrapf(err, "create consumer %s", cfg.ConsumerName)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if md, err := msg.Metadata(); err == nil && ns.metrics != nil {
				ns.metrics.NATSPullLatency.WithLabelValues(subjectLabel(msg.Subject())).Observe(time.Since(md.Timestamp).Seconds())
			}
			ns.Deliver(ctx, RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			})
		})
		if err != nil {
			return errors.Wrapf(err, "consume %s", cfg.ConsumerName)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Deliver parses raw and queues it for the core. Messages are acked once
// queued, not once applied: a slow core then backs up the channel instead of
// expiring the ack wait. Unparseable messages are acked and dropped so they
// are not redelivered forever.
func (ns *NATSSubscriber) Deliver(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		raw.AckFunc()
		return
	}

	select {
	case ns.out <- Submission{Event: evt, Received: raw.Timestamp}:
		raw.AckFunc()
	case <-ctx.Done():
		raw.NakFunc()
	}
}

func subjectLabel(subject string) string {
	if strings.HasPrefix(subject, PriceSubjectPrefix) {
		return "prices"
	}
	return "commands"
}

// EnsureStreams creates the inbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_COMMANDS",
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_PRICES",
			Subjects:  []string{PriceSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	logger := observability.NewLogger("nats")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return errors.Wrapf(err, "create stream %s", cfg.Name)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "nats connect")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "jetstream")
	}
	return nc, js, nil
}
