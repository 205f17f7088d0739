package state

import (
	"encoding/json"
	"sort"

	sdkmath "cosmossdk.io/math"

	fpmath "PerpVault/internal/math"
)

type tickSnapshot struct {
	Tick      int32       `json:"tick"`
	Version   uint64      `json:"version"`
	Data      TickData    `json:"data"`
	Positions []*Position `json:"positions"`
}

type ledgerSnapshot struct {
	TickSpacing int32            `json:"tick_spacing"`
	Versions    map[int32]uint64 `json:"versions"`
	Ticks       []tickSnapshot   `json:"ticks"`
	Accumulator fpmath.Uint512   `json:"accumulator"`
	TotalExpo   sdkmath.Int      `json:"total_expo"`
	TotalPos    int              `json:"total_pos"`
}

func (pl *PositionLedger) MarshalJSON() ([]byte, error) {
	snap := ledgerSnapshot{
		TickSpacing: pl.tickSpacing,
		Versions:    pl.versions,
		Accumulator: pl.accumulator,
		TotalExpo:   pl.totalExpo,
		TotalPos:    pl.totalPos,
	}
	for k, td := range pl.ticks {
		snap.Ticks = append(snap.Ticks, tickSnapshot{
			Tick:      k.tick,
			Version:   k.version,
			Data:      *td,
			Positions: pl.positions[k],
		})
	}
	sort.Slice(snap.Ticks, func(i, j int) bool {
		return snap.Ticks[i].Tick < snap.Ticks[j].Tick
	})
	return json.Marshal(snap)
}

// UnmarshalJSON restores a ledger and rebuilds the bitmap from populated ticks.
func (pl *PositionLedger) UnmarshalJSON(data []byte) error {
	var snap ledgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	restored := NewPositionLedger(snap.TickSpacing)
	for k, v := range snap.Versions {
		restored.versions[k] = v
	}
	for _, t := range snap.Ticks {
		key := tickKey{t.Tick, t.Version}
		td := t.Data
		restored.ticks[key] = &td
		restored.positions[key] = t.Positions
		if td.TotalPos > 0 && restored.versions[t.Tick] == t.Version {
			restored.bitmap.Set(restored.tickIndex(t.Tick))
		}
	}
	restored.accumulator = snap.Accumulator
	restored.totalExpo = snap.TotalExpo
	restored.totalPos = snap.TotalPos
	if idx, ok := restored.bitmap.Highest(); ok {
		restored.highestTick = restored.indexTick(idx)
	}
	*pl = *restored
	return nil
}
