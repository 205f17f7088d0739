package projection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"PerpVault/internal/core"
	"PerpVault/internal/observability"
)

// ProjectionWorker turns core outputs into read models. The core sends on
// the projection channel without blocking and drops when it is full; every
// output carries the whole state, so a dropped output is healed by the next.
type ProjectionWorker struct {
	store     Store // optional
	latest    *Latest
	funding   *FundingHistoryProjection
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(
	store Store,
	latest *Latest,
	funding *FundingHistoryProjection,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		latest:    latest,
		funding:   funding,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, output); err != nil {
				// projections are eventually consistent
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply publishes the read model of output and writes it to the store.
// Outputs at or below the last applied sequence are ignored.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	if output.Envelope == nil || output.State == nil || output.Envelope.Sequence <= pw.lastSeq.Load() {
		return nil
	}
	start := time.Now()

	rm := BuildReadModel(output)
	pw.latest.Publish(rm)
	pw.lastSeq.Store(rm.Sequence)

	u := Update{Model: rm}
	if output.Outcome != nil {
		u.Liquidation = &output.Outcome.Liquidation
	}
	if pw.funding != nil {
		if entry, ok := pw.funding.Observe(rm); ok {
			u.Funding = &entry
		}
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("read_model").Observe(time.Since(start).Seconds())
	}
	if pw.store == nil {
		return nil
	}

	start = time.Now()
	if err := pw.store.Apply(ctx, u); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}
	return nil
}

// LastSequence returns the sequence of the last applied output.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }
