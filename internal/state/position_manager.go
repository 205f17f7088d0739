package state

import (
	"encoding/binary"
	"hash"
	"sort"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "PerpVault/internal/math"
)

type tickKey struct {
	tick    int32
	version uint64
}

// PositionLedger stores long positions grouped by tick. It maintains the
// aggregate exposure, the liquidation multiplier accumulator and a bitmap
// of populated ticks.
type PositionLedger struct {
	tickSpacing int32
	minTick     int32
	maxTick     int32

	ticks     map[tickKey]*TickData
	versions  map[int32]uint64
	positions map[tickKey][]*Position // nil slot = removed position

	bitmap      *TickBitmap
	accumulator fpmath.Uint512
	totalExpo   sdkmath.Int
	totalPos    int
	highestTick int32
}

func NewPositionLedger(tickSpacing int32) *PositionLedger {
	minTick := fpmath.MinUsableTick(tickSpacing)
	maxTick := fpmath.MaxUsableTick(tickSpacing)
	return &PositionLedger{
		tickSpacing: tickSpacing,
		minTick:     minTick,
		maxTick:     maxTick,
		ticks:       make(map[tickKey]*TickData),
		versions:    make(map[int32]uint64),
		positions:   make(map[tickKey][]*Position),
		bitmap:      NewTickBitmap(uint32((maxTick-minTick)/tickSpacing) + 1),
		totalExpo:   sdkmath.ZeroInt(),
		highestTick: NoPositionTick,
	}
}

func (pl *PositionLedger) TickSpacing() int32 { return pl.tickSpacing }
func (pl *PositionLedger) TotalExpo() sdkmath.Int { return pl.totalExpo }
func (pl *PositionLedger) TotalPositions() int { return pl.totalPos }
func (pl *PositionLedger) Accumulator() fpmath.Uint512 { return pl.accumulator }
func (pl *PositionLedger) TickVersion(tick int32) uint64 { return pl.versions[tick] }
func (pl *PositionLedger) MinUsableTick() int32 { return pl.minTick }
func (pl *PositionLedger) MaxUsableTick() int32 { return pl.maxTick }
func (pl *PositionLedger) tickIndex(tick int32) uint32 { return uint32((tick - pl.minTick) / pl.tickSpacing) }
func (pl *PositionLedger) indexTick(index uint32) int32 { return pl.minTick + int32(index)*pl.tickSpacing }
func (pl *PositionLedger) currentKey(tick int32) tickKey { return tickKey{tick, pl.versions[tick]} }

func (pl *PositionLedger) checkTick(tick int32) error {
	if tick < pl.minTick || tick > pl.maxTick || (tick-pl.minTick)%pl.tickSpacing != 0 {
		return errorsmod.Wrapf(ErrInvalidTick, "tick %d with spacing %d", tick, pl.tickSpacing)
	}
	return nil
}

// TickData returns the aggregate of the tick's current version.
func (pl *PositionLedger) TickData(tick int32) (TickData, bool) {
	td, ok := pl.ticks[pl.currentKey(tick)]
	if !ok {
		return TickData{TotalExpo: sdkmath.ZeroInt()}, false
	}
	return *td, true
}

// TickLiquidationPenalty returns the penalty stored with a populated tick,
// or fallback when the tick is empty.
func (pl *PositionLedger) TickLiquidationPenalty(tick int32, fallback int32) int32 {
	if td, ok := pl.ticks[pl.currentKey(tick)]; ok && td.TotalPos > 0 {
		return td.LiquidationPenalty
	}
	return fallback
}

func (pl *PositionLedger) contribution(tick int32, penalty int32, expo sdkmath.Int) (fpmath.Uint512, error) {
	unadjusted, err := fpmath.PriceAtTick(tick - penalty)
	if err != nil {
		return fpmath.Uint512{}, errorsmod.Wrapf(ErrInvalidTick, "tick %d minus penalty %d", tick, penalty)
	}
	return fpmath.MulInts(unadjusted, expo), nil
}

func (pl *PositionLedger) addToAccumulator(tick, penalty int32, expo sdkmath.Int) error {
	c, err := pl.contribution(tick, penalty, expo)
	if err != nil {
		return err
	}
	acc, err := pl.accumulator.Add(c)
	if err != nil {
		return errorsmod.Wrap(ErrAccumulatorUnderflow, err.Error())
	}
	pl.accumulator = acc
	return nil
}

func (pl *PositionLedger) subFromAccumulator(tick, penalty int32, expo sdkmath.Int) error {
	c, err := pl.contribution(tick, penalty, expo)
	if err != nil {
		return err
	}
	acc, err := pl.accumulator.Sub(c)
	if err != nil {
		return errorsmod.Wrapf(ErrAccumulatorUnderflow, "removing %s expo at tick %d", expo, tick)
	}
	pl.accumulator = acc
	return nil
}

// OpenPosition stores pos in tick. The tick keeps the penalty of its first
// position; later positions inherit it.
func (pl *PositionLedger) OpenPosition(tick int32, pos Position, liquidationPenalty int32) (PositionID, error) {
	if err := pl.checkTick(tick); err != nil {
		return NoPositionID, err
	}
	if !pos.Amount.IsPositive() || !pos.TotalExpo.IsPositive() {
		return NoPositionID, errorsmod.Wrap(ErrInvalidAmount, "position amount and expo must be > 0")
	}
	key := pl.currentKey(tick)
	td, ok := pl.ticks[key]
	if !ok {
		td = &TickData{TotalExpo: sdkmath.ZeroInt(), LiquidationPenalty: liquidationPenalty}
		pl.ticks[key] = td
	} else if td.TotalPos == 0 {
		td.LiquidationPenalty = liquidationPenalty
	}
	if err := pl.addToAccumulator(tick, td.LiquidationPenalty, pos.TotalExpo); err != nil {
		return NoPositionID, err
	}

	pos.Tick = tick
	pos.Index = len(pl.positions[key])
	stored := pos
	pl.positions[key] = append(pl.positions[key], &stored)

	td.TotalExpo = td.TotalExpo.Add(pos.TotalExpo)
	td.TotalPos++
	pl.totalExpo = pl.totalExpo.Add(pos.TotalExpo)
	pl.totalPos++

	if td.TotalPos == 1 {
		pl.bitmap.Set(pl.tickIndex(tick))
		if pl.highestTick == NoPositionTick || tick > pl.highestTick {
			pl.highestTick = tick
		}
	}
	return PositionID{Tick: tick, TickVersion: key.version, Index: pos.Index}, nil
}

func (pl *PositionLedger) lookup(id PositionID) (*Position, *TickData, error) {
	if id.IsNone() {
		return nil, nil, errorsmod.Wrap(ErrPositionNotFound, "empty position id")
	}
	if pl.versions[id.Tick] != id.TickVersion {
		return nil, nil, errorsmod.Wrapf(ErrOutdatedTick, "tick %d version %d, current %d",
			id.Tick, id.TickVersion, pl.versions[id.Tick])
	}
	key := tickKey{id.Tick, id.TickVersion}
	slots := pl.positions[key]
	if id.Index < 0 || id.Index >= len(slots) || slots[id.Index] == nil {
		return nil, nil, errorsmod.Wrapf(ErrPositionNotFound, "tick %d index %d", id.Tick, id.Index)
	}
	return slots[id.Index], pl.ticks[key], nil
}

// GetPosition returns a copy of the position and its tick's penalty.
func (pl *PositionLedger) GetPosition(id PositionID) (Position, int32, error) {
	pos, td, err := pl.lookup(id)
	if err != nil {
		return Position{}, 0, err
	}
	return *pos, td.LiquidationPenalty, nil
}

// ClosePosition removes amount of collateral and expo of exposure from a
// position. Removing the whole amount deletes the position.
func (pl *PositionLedger) ClosePosition(id PositionID, amount, expo sdkmath.Int) error {
	pos, td, err := pl.lookup(id)
	if err != nil {
		return err
	}
	if amount.IsNegative() || amount.GT(pos.Amount) || expo.IsNegative() || expo.GT(pos.TotalExpo) {
		return errorsmod.Wrapf(ErrInvalidAmount, "remove %s/%s from position %s/%s",
			amount, expo, pos.Amount, pos.TotalExpo)
	}
	full := amount.Equal(pos.Amount)
	if full {
		expo = pos.TotalExpo
	}
	if err := pl.subFromAccumulator(id.Tick, td.LiquidationPenalty, expo); err != nil {
		return err
	}

	if full {
		pl.positions[tickKey{id.Tick, id.TickVersion}][id.Index] = nil
		td.TotalPos--
		pl.totalPos--
	} else {
		pos.Amount = pos.Amount.Sub(amount)
		pos.TotalExpo = pos.TotalExpo.Sub(expo)
	}
	td.TotalExpo = td.TotalExpo.Sub(expo)
	pl.totalExpo = pl.totalExpo.Sub(expo)

	if td.TotalPos == 0 {
		pl.unsetTick(id.Tick)
	}
	return nil
}

// UpdatePositionExpo replaces the exposure of a position in place.
func (pl *PositionLedger) UpdatePositionExpo(id PositionID, newExpo sdkmath.Int) error {
	pos, td, err := pl.lookup(id)
	if err != nil {
		return err
	}
	if !newExpo.IsPositive() {
		return errorsmod.Wrap(ErrInvalidAmount, "expo must be > 0")
	}
	if err := pl.subFromAccumulator(id.Tick, td.LiquidationPenalty, pos.TotalExpo); err != nil {
		return err
	}
	if err := pl.addToAccumulator(id.Tick, td.LiquidationPenalty, newExpo); err != nil {
		return err
	}
	diff := newExpo.Sub(pos.TotalExpo)
	pos.TotalExpo = newExpo
	td.TotalExpo = td.TotalExpo.Add(diff)
	pl.totalExpo = pl.totalExpo.Add(diff)
	return nil
}

// MarkValidated flags a position as validated.
func (pl *PositionLedger) MarkValidated(id PositionID) error {
	pos, _, err := pl.lookup(id)
	if err != nil {
		return err
	}
	pos.Validated = true
	return nil
}

func (pl *PositionLedger) unsetTick(tick int32) {
	pl.bitmap.Unset(pl.tickIndex(tick))
	if tick != pl.highestTick {
		return
	}
	if next, ok := pl.bitmap.FindLastSetAtOrBelow(pl.tickIndex(tick)); ok {
		pl.highestTick = pl.indexTick(next)
	} else {
		pl.highestTick = NoPositionTick
	}
}

// FindHighestPopulatedTick is O(1): the highest tick is cached.
func (pl *PositionLedger) FindHighestPopulatedTick() (int32, bool) {
	return pl.highestTick, pl.highestTick != NoPositionTick
}

// FindNextPopulatedTickAtOrBelow searches the bitmap for the highest
// populated tick <= tick.
func (pl *PositionLedger) FindNextPopulatedTickAtOrBelow(tick int32) (int32, bool) {
	if tick < pl.minTick {
		return NoPositionTick, false
	}
	if tick > pl.maxTick {
		tick = pl.maxTick
	}
	idx, ok := pl.bitmap.FindLastSetAtOrBelow(pl.tickIndex(fpmath.RoundTickDown(tick-pl.minTick, pl.tickSpacing) + pl.minTick))
	if !ok {
		return NoPositionTick, false
	}
	return pl.indexTick(idx), true
}

// LiquidatedTick describes a tick removed by liquidation.
type LiquidatedTick struct {
	Tick      int32      `json:"tick"`
	Version   uint64     `json:"version"`
	Data      TickData   `json:"data"`
	Positions []Position `json:"positions"`
}

// LiquidateTick removes every position of the tick's current version and
// bumps the version.
func (pl *PositionLedger) LiquidateTick(tick int32) (LiquidatedTick, error) {
	key := pl.currentKey(tick)
	td, ok := pl.ticks[key]
	if !ok || td.TotalPos == 0 {
		return LiquidatedTick{}, errorsmod.Wrapf(ErrPositionNotFound, "tick %d is empty", tick)
	}
	if err := pl.subFromAccumulator(tick, td.LiquidationPenalty, td.TotalExpo); err != nil {
		return LiquidatedTick{}, err
	}
	out := LiquidatedTick{Tick: tick, Version: key.version, Data: *td}
	for _, p := range pl.positions[key] {
		if p != nil {
			out.Positions = append(out.Positions, *p)
		}
	}

	pl.totalExpo = pl.totalExpo.Sub(td.TotalExpo)
	pl.totalPos -= td.TotalPos
	pl.versions[tick] = key.version + 1
	delete(pl.ticks, key)
	delete(pl.positions, key)
	pl.unsetTick(tick)
	return out, nil
}

// AdjustPrice applies the liquidation multiplier to an unadjusted tick
// price: unadjusted * assetPrice * longTradingExpo / accumulator.
func (pl *PositionLedger) AdjustPrice(unadjusted, assetPrice, longTradingExpo sdkmath.Int) (sdkmath.Int, error) {
	return adjustWith(pl.accumulator, unadjusted, assetPrice, longTradingExpo)
}

// EffectivePriceForTick is the price at which tick is liquidated under the
// current multiplier.
func (pl *PositionLedger) EffectivePriceForTick(tick int32, assetPrice, longTradingExpo sdkmath.Int) (sdkmath.Int, error) {
	unadjusted, err := fpmath.PriceAtTick(tick)
	if err != nil {
		return sdkmath.Int{}, errorsmod.Wrapf(ErrInvalidTick, "tick %d", tick)
	}
	return pl.AdjustPrice(unadjusted, assetPrice, longTradingExpo)
}

// EffectiveTickForPrice returns the highest usable tick whose effective
// price is <= price.
func (pl *PositionLedger) EffectiveTickForPrice(price, assetPrice, longTradingExpo sdkmath.Int) (int32, error) {
	unadjusted := price
	if !pl.accumulator.IsZero() {
		if !longTradingExpo.IsPositive() || !assetPrice.IsPositive() {
			return NoPositionTick, errorsmod.Wrapf(ErrDegenerateMultiplier, "long trading expo %s", longTradingExpo)
		}
		var err error
		unadjusted, err = pl.accumulator.MulDiv(price, assetPrice.Mul(longTradingExpo), fpmath.RoundDown)
		if err != nil {
			return NoPositionTick, errorsmod.Wrap(ErrDegenerateMultiplier, err.Error())
		}
	}
	if unadjusted.LT(fpmath.MinPrice) {
		return pl.minTick, nil
	}
	if unadjusted.GT(fpmath.MaxPrice) {
		unadjusted = fpmath.MaxPrice
	}
	tick, err := fpmath.TickAtPrice(unadjusted)
	if err != nil {
		return NoPositionTick, errorsmod.Wrap(ErrInvalidPrice, err.Error())
	}
	tick = fpmath.RoundTickDown(tick-pl.minTick, pl.tickSpacing) + pl.minTick
	if tick < pl.minTick {
		tick = pl.minTick
	}
	return tick, nil
}

// Clone deep-copies the ledger.
func (pl *PositionLedger) Clone() *PositionLedger {
	c := *pl
	c.ticks = make(map[tickKey]*TickData, len(pl.ticks))
	for k, td := range pl.ticks {
		cp := *td
		c.ticks[k] = &cp
	}
	c.versions = make(map[int32]uint64, len(pl.versions))
	for k, v := range pl.versions {
		c.versions[k] = v
	}
	c.positions = make(map[tickKey][]*Position, len(pl.positions))
	for k, slots := range pl.positions {
		cs := make([]*Position, len(slots))
		for i, p := range slots {
			if p != nil {
				cp := *p
				cs[i] = &cp
			}
		}
		c.positions[k] = cs
	}
	c.bitmap = pl.bitmap.Clone()
	return &c
}

// PopulatedTicks returns the populated ticks, highest first.
func (pl *PositionLedger) PopulatedTicks() []int32 {
	var out []int32
	tick, ok := pl.FindHighestPopulatedTick()
	for ok {
		out = append(out, tick)
		if tick-pl.tickSpacing < pl.minTick {
			break
		}
		tick, ok = pl.FindNextPopulatedTickAtOrBelow(tick - pl.tickSpacing)
	}
	return out
}

// Positions returns the live positions of a tick's current version.
func (pl *PositionLedger) Positions(tick int32) []Position {
	var out []Position
	for _, p := range pl.positions[pl.currentKey(tick)] {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Digest writes a canonical encoding of the ledger to h.
func (pl *PositionLedger) Digest(h hash.Hash) {
	keys := make([]tickKey, 0, len(pl.positions))
	for k := range pl.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tick != keys[j].tick {
			return keys[i].tick < keys[j].tick
		}
		return keys[i].version < keys[j].version
	})
	var buf [12]byte
	for _, k := range keys {
		binary.LittleEndian.PutUint32(buf[:4], uint32(k.tick))
		binary.LittleEndian.PutUint64(buf[4:], k.version)
		h.Write(buf[:])
		for _, p := range pl.positions[k] {
			if p != nil {
				h.Write(p.CanonicalBytes())
			}
		}
	}
	acc, _ := pl.accumulator.MarshalText()
	h.Write(acc)
	h.Write([]byte(pl.totalExpo.String()))
}
