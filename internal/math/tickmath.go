package math

import (
	"errors"
	stdmath "math"
	"math/big"

	sdkmath "cosmossdk.io/math"
)

const (
	MinTick int32 = -322378
	MaxTick int32 = 980000
)

var (
	ErrTickOutOfRange  = errors.New("tickmath: tick out of range")
	ErrPriceOutOfRange = errors.New("tickmath: price out of range")

	// internal fixed-point scale for the 1.0001^n exponentiation
	tickScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(40), nil)
	tickBase  = new(big.Int).Div(new(big.Int).Mul(big.NewInt(10001), tickScale), big.NewInt(10000))

	MinPrice = mustPriceAtTick(MinTick)
	MaxPrice = mustPriceAtTick(MaxTick)
)

func mustPriceAtTick(tick int32) sdkmath.Int {
	p, err := PriceAtTick(tick)
	if err != nil {
		panic(err)
	}
	return p
}

// pow computes 1.0001^n at tickScale by square-and-multiply.
func pow(n uint32) *big.Int {
	result := new(big.Int).Set(tickScale)
	base := new(big.Int).Set(tickBase)
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, base)
			result.Quo(result, tickScale)
		}
		base.Mul(base, base)
		base.Quo(base, tickScale)
		n >>= 1
	}
	return result
}

// PriceAtTick returns 1.0001^tick with 18 decimals, rounded down.
func PriceAtTick(tick int32) (sdkmath.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return sdkmath.Int{}, ErrTickOutOfRange
	}
	one := TokenScale.BigInt()
	var price *big.Int
	if tick >= 0 {
		price = pow(uint32(tick))
		price.Mul(price, one)
		price.Quo(price, tickScale)
	} else {
		r := pow(uint32(-tick))
		price = new(big.Int).Mul(one, tickScale)
		price.Quo(price, r)
	}
	return sdkmath.NewIntFromBigInt(price), nil
}

// TickAtPrice returns the largest tick whose price is <= price.
func TickAtPrice(price sdkmath.Int) (int32, error) {
	if price.LT(MinPrice) || price.GT(MaxPrice) {
		return 0, ErrPriceOutOfRange
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(price.BigInt()), new(big.Float).SetInt(TokenScale.BigInt())).Float64()
	estimate := stdmath.Floor(stdmath.Log(f) / stdmath.Log(1.0001))
	tick := int32(estimate)
	if tick < MinTick {
		tick = MinTick
	}
	if tick > MaxTick {
		tick = MaxTick
	}

	// the float estimate is off by at most a few ticks; settle it exactly
	for tick > MinTick {
		p, _ := PriceAtTick(tick)
		if p.LTE(price) {
			break
		}
		tick--
	}
	for tick < MaxTick {
		p, _ := PriceAtTick(tick + 1)
		if p.GT(price) {
			break
		}
		tick++
	}
	return tick, nil
}

// RoundTickDown rounds tick towards negative infinity to a multiple of spacing.
func RoundTickDown(tick, spacing int32) int32 {
	r := tick % spacing
	if r < 0 {
		r += spacing
	}
	return tick - r
}

// MinUsableTick is the lowest multiple of spacing within range.
func MinUsableTick(spacing int32) int32 {
	t := RoundTickDown(MinTick, spacing)
	if t < MinTick {
		t += spacing
	}
	return t
}

// MaxUsableTick is the highest multiple of spacing within range.
func MaxUsableTick(spacing int32) int32 {
	return RoundTickDown(MaxTick, spacing)
}
