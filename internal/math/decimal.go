package math

import (
	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ParseDecimal converts a human-readable amount ("0.5", "1e-3") into an
// integer with the given number of decimals. Amounts with more precision
// than decimals allows are rejected.
func ParseDecimal(s string, decimals int) (sdkmath.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return sdkmath.Int{}, errors.Wrapf(err, "parse amount %q", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return sdkmath.Int{}, errors.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return sdkmath.NewIntFromBigInt(scaled.BigInt()), nil
}

// FormatDecimal renders v, an integer with the given number of decimals,
// without trailing zeros.
func FormatDecimal(v sdkmath.Int, decimals int) string {
	if v.IsNil() {
		return "0"
	}
	return decimal.NewFromBigInt(v.BigInt(), -int32(decimals)).String()
}
