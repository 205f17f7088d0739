package event

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// PriceRound is a settled price published by the feed. Rounds are
// monotonic per feed; gaps are tolerated.
type PriceRound struct {
	Feed       string      `json:"feed"`
	RoundID    int64       `json:"round_id"`
	Price      sdkmath.Int `json:"price"`
	Timestamp  int64       `json:"timestamp"` // unix seconds, versioned input
	Confidence sdkmath.Int `json:"confidence"`
}

func (p *PriceRound) IdempotencyKey() string {
	return fmt.Sprintf("%s:round:%d", p.Feed, p.RoundID)
}

func (p *PriceRound) EventType() EventType {
	return EventTypePriceRound
}

func (p *PriceRound) Partition() string {
	return "price:" + p.Feed
}

func (p *PriceRound) SourceSequence() int64 {
	return p.RoundID
}
