package core

import (
	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/observability"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
	logger          zerolog.Logger
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
		logger:          observability.NewLogger("sequence"),
	}
}

// ValidateSequence enforces strict ordering within a command partition.
// Duplicates below the expected sequence pass so the caller can skip them.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return errorsmod.Wrapf(ErrOutOfOrder, "partition=%s, expected=%d, got=%d", partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return errorsmod.Wrapf(ErrSequenceGap, "partition=%s, expected=%d, got=%d", partition, expected, sourceSequence)
}

// ValidatePriceSequence accepts any round newer than the last one and
// reports whether the round is fresh. Gaps are logged, not rejected.
func (sv *SequenceValidator) ValidatePriceSequence(partition string, round int64) bool {
	expected := sv.expectedNextSeq[partition]
	if round < expected {
		return false
	}
	if round > expected && expected > 0 {
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		sv.logger.Warn().
			Str("partition", partition).
			Int64("expected", expected).
			Int64("got", round).
			Msg("price round gap")
	}
	sv.expectedNextSeq[partition] = round + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the expected sequence of every partition.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
