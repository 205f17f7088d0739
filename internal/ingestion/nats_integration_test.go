package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/persistence"
	tu "PerpVault/internal/testutil"
)

func connect(t *testing.T) jetstream.JetStream {
	t.Helper()
	tu.RequireIntegration(t)
	nc, js, err := ingestion.ConnectNATS(tu.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	t.Cleanup(nc.Close)
	return js
}

func TestNATS_PriceRoundReachesDispatcher(t *testing.T) {
	js := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js))

	out := make(chan ingestion.Submission, 1)
	sub := ingestion.NewNATSSubscriber(js, out, nil)
	round := time.Now().UnixNano()
	subject := fmt.Sprintf("vault.prices.it-%d", round)
	require.NoError(t, sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      subject,
		ConsumerName: fmt.Sprintf("it-%d", round),
		StreamName:   "VAULT_PRICES",
	}}))
	defer sub.Stop()

	data := mustJSON(t, map[string]interface{}{
		"feed":      "ETH/USD",
		"round_id":  round,
		"price":     tu.InitialPrice.String(),
		"timestamp": tu.StartTime,
	})
	_, err := js.Publish(ctx, subject, data)
	require.NoError(t, err)

	select {
	case s := <-out:
		pr, ok := s.Event.(*event.PriceRound)
		require.True(t, ok, "%T", s.Event)
		assert.Equal(t, round, pr.RoundID)
		assert.True(t, tu.InitialPrice.Equal(pr.Price))
	case <-ctx.Done():
		t.Fatal("price round not delivered")
	}
}

func TestNATS_OutboundPublisher(t *testing.T) {
	js := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureOutboundStream(ctx, js))

	recs := committedRecords(t)
	in := make(chan persistence.Record, len(recs))
	for _, r := range recs {
		in <- r
	}
	close(in)
	require.NoError(t, ingestion.NewOutboundPublisher(js, in).Run(ctx))

	stream, err := js.Stream(ctx, ingestion.EventStream)
	require.NoError(t, err)
	msg, err := stream.GetLastMsgForSubject(ctx, "vault.events.InitiateDeposit")
	require.NoError(t, err)

	var pe ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(msg.Data, &pe))
	assert.Equal(t, "InitiateDeposit", pe.EventType)
	assert.Equal(t, tu.Alice.Hex(), pe.Sender)
}
