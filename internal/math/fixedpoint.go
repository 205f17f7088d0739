// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"

	sdkmath "cosmossdk.io/math"
)

const (
	TokensDecimals      = 18
	PriceDecimals       = 18
	LeverageDecimals    = 21
	FundingRateDecimals = 18
	FundingSFDecimals   = 3
	BPSDivisor          = 10_000
	SecondsPerDay       = 86_400
)

var (
	// TokenScale is 10^TokensDecimals; prices share the same scale.
	TokenScale    = Pow10(TokensDecimals)
	LeverageScale = Pow10(LeverageDecimals)
	FundingScale  = Pow10(FundingRateDecimals)
	FundingSFUnit = Pow10(FundingSFDecimals)
	BPS           = sdkmath.NewInt(BPSDivisor)
)

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // towards negative infinity
	RoundUp                           // towards positive infinity
	RoundHalfEven                     // banker's rounding
)

// scratch big.Ints for intermediate products, which may exceed 256 bits
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Pow10 returns 10^n as an Int.
func Pow10(n int) sdkmath.Int {
	return sdkmath.NewIntFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil))
}

// MulDiv computes a*b/denominator with a full-width intermediate product.
// It panics when denominator is zero; callers guard that case explicitly.
func MulDiv(a, b, denominator sdkmath.Int, mode RoundingMode) sdkmath.Int {
	if denominator.IsZero() {
		panic("math: MulDiv division by zero")
	}
	num := getBig()
	defer putBig(num)
	num.Mul(a.BigIntMut(), b.BigIntMut())
	return divRound(num, denominator.BigIntMut(), mode)
}

// Div computes a/denominator with the given rounding.
func Div(a, denominator sdkmath.Int, mode RoundingMode) sdkmath.Int {
	if denominator.IsZero() {
		panic("math: Div division by zero")
	}
	num := getBig()
	defer putBig(num)
	num.Set(a.BigIntMut())
	return divRound(num, denominator.BigIntMut(), mode)
}

func divRound(num, denom *big.Int, mode RoundingMode) sdkmath.Int {
	quotient := new(big.Int)
	remainder := getBig()
	defer putBig(remainder)

	// Euclidean division gives floor for a positive denominator.
	d := denom
	n := num
	if denom.Sign() < 0 {
		d = new(big.Int).Neg(denom)
		n = new(big.Int).Neg(num)
	}
	quotient.DivMod(n, d, remainder)

	switch mode {
	case RoundUp:
		if remainder.Sign() != 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := new(big.Int).Lsh(remainder, 1)
		cmp := twice.Cmp(d)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return sdkmath.NewIntFromBigInt(quotient)
}

// ApplyBps returns amount*bps/10000 rounded down.
func ApplyBps(amount sdkmath.Int, bps int64) sdkmath.Int {
	return MulDiv(amount, sdkmath.NewInt(bps), BPS, RoundDown)
}

func MinInt(a, b sdkmath.Int) sdkmath.Int {
	if a.LT(b) {
		return a
	}
	return b
}

func MaxInt(a, b sdkmath.Int) sdkmath.Int {
	if a.GT(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi sdkmath.Int) sdkmath.Int {
	return MaxInt(lo, MinInt(v, hi))
}

// ToTokens converts a whole-unit amount to 18-decimal base units.
func ToTokens(units int64) sdkmath.Int {
	return sdkmath.NewInt(units).Mul(TokenScale)
}
