package math

import (
	"errors"
	"math/big"
	"math/bits"

	sdkmath "cosmossdk.io/math"
	"github.com/holiman/uint256"
)

var (
	ErrUint512Underflow = errors.New("uint512: subtraction underflow")
	ErrUint512Overflow  = errors.New("uint512: addition overflow")
	ErrUint512DivZero   = errors.New("uint512: division by zero")
)

// Uint512 is an unsigned 512-bit integer stored as two 256-bit limbs.
// The zero value is ready to use.
type Uint512 struct {
	Hi uint256.Int
	Lo uint256.Int
}

// Uint512FromInt converts a non-negative Int.
func Uint512FromInt(v sdkmath.Int) Uint512 {
	var u Uint512
	if v.IsNil() || v.IsZero() {
		return u
	}
	lo, _ := uint256.FromBig(v.BigInt())
	u.Lo = *lo
	return u
}

func (u Uint512) IsZero() bool {
	return u.Hi.IsZero() && u.Lo.IsZero()
}

func (u Uint512) Cmp(o Uint512) int {
	if c := u.Hi.Cmp(&o.Hi); c != 0 {
		return c
	}
	return u.Lo.Cmp(&o.Lo)
}

// Add returns u+o. Overflow of 512 bits is reported, never wrapped.
func (u Uint512) Add(o Uint512) (Uint512, error) {
	var r Uint512
	_, carry := r.Lo.AddOverflow(&u.Lo, &o.Lo)
	_, hiOverflow := r.Hi.AddOverflow(&u.Hi, &o.Hi)
	if carry {
		var overflow bool
		_, overflow = r.Hi.AddOverflow(&r.Hi, uint256.NewInt(1))
		hiOverflow = hiOverflow || overflow
	}
	if hiOverflow {
		return Uint512{}, ErrUint512Overflow
	}
	return r, nil
}

// Sub returns u-o, or ErrUint512Underflow when o > u.
func (u Uint512) Sub(o Uint512) (Uint512, error) {
	if u.Cmp(o) < 0 {
		return Uint512{}, ErrUint512Underflow
	}
	var r Uint512
	_, borrow := r.Lo.SubOverflow(&u.Lo, &o.Lo)
	r.Hi.Sub(&u.Hi, &o.Hi)
	if borrow {
		r.Hi.Sub(&r.Hi, uint256.NewInt(1))
	}
	return r, nil
}

// Mul256 computes the full 512-bit product of two 256-bit values.
func Mul256(a, b *uint256.Int) Uint512 {
	var words [8]uint64
	for i := 0; i < 4; i++ {
		var carry uint64
		for j := 0; j < 4; j++ {
			hi, lo := bits.Mul64(a[i], b[j])
			var c uint64
			lo, c = bits.Add64(lo, words[i+j], 0)
			hi += c
			lo, c = bits.Add64(lo, carry, 0)
			hi += c
			words[i+j] = lo
			carry = hi
		}
		words[i+4] = carry
	}
	var r Uint512
	r.Lo = uint256.Int{words[0], words[1], words[2], words[3]}
	r.Hi = uint256.Int{words[4], words[5], words[6], words[7]}
	return r
}

// MulInts multiplies two non-negative Ints into a Uint512.
func MulInts(a, b sdkmath.Int) Uint512 {
	au, _ := uint256.FromBig(a.BigInt())
	bu, _ := uint256.FromBig(b.BigInt())
	return Mul256(au, bu)
}

// BigInt returns the value as a new big.Int.
func (u Uint512) BigInt() *big.Int {
	hi := u.Hi.ToBig()
	hi.Lsh(hi, 256)
	return hi.Add(hi, u.Lo.ToBig())
}

// MulDivUint512 computes a*b*c/u where u is a 512-bit denominator.
// The result must fit 256 bits.
func MulDivUint512(a, b, c sdkmath.Int, u Uint512, mode RoundingMode) (sdkmath.Int, error) {
	if u.IsZero() {
		return sdkmath.Int{}, ErrUint512DivZero
	}
	num := getBig()
	defer putBig(num)
	num.Mul(a.BigIntMut(), b.BigIntMut())
	num.Mul(num, c.BigIntMut())
	return divRound(num, u.BigInt(), mode), nil
}

// MulDiv computes u*m/d.
func (u Uint512) MulDiv(m, d sdkmath.Int, mode RoundingMode) (sdkmath.Int, error) {
	if d.IsZero() {
		return sdkmath.Int{}, ErrUint512DivZero
	}
	num := u.BigInt()
	num.Mul(num, m.BigIntMut())
	return divRound(num, d.BigIntMut(), mode), nil
}

func (u Uint512) String() string {
	return u.BigInt().String()
}

// MarshalText renders the decimal representation for snapshots.
func (u Uint512) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Uint512) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 512 {
		return errors.New("uint512: invalid text")
	}
	lo := new(big.Int).And(v, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))
	hi := new(big.Int).Rsh(v, 256)
	l, _ := uint256.FromBig(lo)
	h, _ := uint256.FromBig(hi)
	u.Lo, u.Hi = *l, *h
	return nil
}
