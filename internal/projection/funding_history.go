package projection

import (
	"sync"

	sdkmath "cosmossdk.io/math"
)

// FundingHistoryEntry is one application of funding, recorded when the
// funding timestamp advances.
type FundingHistoryEntry struct {
	Sequence      int64       `json:"sequence"`
	Timestamp     int64       `json:"timestamp"`
	Price         sdkmath.Int `json:"price"`
	EMA           sdkmath.Int `json:"ema"`
	FundingPerDay sdkmath.Int `json:"funding_per_day"`
}

// FundingHistoryProjection keeps the last capacity funding entries.
type FundingHistoryProjection struct {
	mu       sync.RWMutex
	entries  []FundingHistoryEntry
	capacity int
}

func NewFundingHistoryProjection(capacity int) *FundingHistoryProjection {
	if capacity < 1 {
		capacity = 1
	}
	return &FundingHistoryProjection{
		entries:  make([]FundingHistoryEntry, 0, capacity),
		capacity: capacity,
	}
}

// Observe records an entry when rm's funding timestamp is newer than the
// last recorded one. It reports whether an entry was added.
func (p *FundingHistoryProjection) Observe(rm *ReadModel) (FundingHistoryEntry, bool) {
	ts := rm.Summary.LastFundingUpdate
	if ts == 0 {
		return FundingHistoryEntry{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.entries); n > 0 && p.entries[n-1].Timestamp >= ts {
		return FundingHistoryEntry{}, false
	}
	entry := FundingHistoryEntry{
		Sequence:      rm.Sequence,
		Timestamp:     ts,
		Price:         rm.Summary.LastPrice,
		EMA:           rm.Summary.EMA,
		FundingPerDay: rm.Summary.FundingPerDay,
	}
	if len(p.entries) == p.capacity {
		copy(p.entries, p.entries[1:])
		p.entries = p.entries[:len(p.entries)-1]
	}
	p.entries = append(p.entries, entry)
	return entry, true
}

// Recent returns up to limit entries, newest first.
func (p *FundingHistoryProjection) Recent(limit int) []FundingHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]FundingHistoryEntry, 0, limit)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, p.entries[i])
	}
	return result
}
