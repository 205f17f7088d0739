// internal/state/position.go
package state

import (
	"math"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpVault/internal/math"
)

// NoPositionTick marks an empty PositionID.
const NoPositionTick int32 = math.MinInt32

// PositionID locates a position: a tick, the tick's version when the position
// was stored, and the slot within that tick. A liquidated tick bumps its
// version, which invalidates every id pointing at the old version.
type PositionID struct {
	Tick        int32  `json:"tick"`
	TickVersion uint64 `json:"tick_version"`
	Index       int    `json:"index"`
}

var NoPositionID = PositionID{Tick: NoPositionTick}

func (id PositionID) IsNone() bool {
	return id.Tick == NoPositionTick
}

// Position is a leveraged long stored in a tick.
type Position struct {
	Validated bool           `json:"validated"`
	Timestamp int64          `json:"timestamp"`
	Owner     common.Address `json:"owner"`
	Recipient common.Address `json:"recipient"`
	Amount    sdkmath.Int    `json:"amount"`
	TotalExpo sdkmath.Int    `json:"total_expo"`
	Tick      int32          `json:"tick"`
	Index     int            `json:"index"`
}

// TickData aggregates the positions of one tick version. The liquidation
// penalty is fixed when the first position is stored.
type TickData struct {
	TotalExpo          sdkmath.Int `json:"total_expo"`
	TotalPos           int         `json:"total_pos"`
	LiquidationPenalty int32       `json:"liquidation_penalty"`
}

// Leverage returns totalExpo / amount with 21 decimals.
func (p *Position) Leverage() sdkmath.Int {
	if p.Amount.IsZero() {
		return sdkmath.ZeroInt()
	}
	return fpmath.MulDiv(p.TotalExpo, fpmath.LeverageScale, p.Amount, fpmath.RoundDown)
}

// CanonicalBytes returns a deterministic serialization for state hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	if p.Validated {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, p.Timestamp)
	buf = append(buf, p.Owner.Bytes()...)
	buf = append(buf, p.Recipient.Bytes()...)
	buf = appendIntBytes(buf, p.Amount)
	buf = appendIntBytes(buf, p.TotalExpo)
	buf = appendInt64LE(buf, int64(p.Tick))
	buf = appendInt64LE(buf, int64(p.Index))
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// appendIntBytes writes sign, length and big-endian magnitude.
func appendIntBytes(buf []byte, v sdkmath.Int) []byte {
	if v.IsNil() {
		return append(buf, 0, 0)
	}
	mag := v.Abs().BigInt().Bytes()
	sign := byte(0)
	if v.IsNegative() {
		sign = 1
	}
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}
