package common

import (
	"fmt"
	"math/big"

	"github.com/cockroachdb/apd"
)

// DefaultDecimals is the ERC-20 fixed-point scale used by every token this
// system reads unless told otherwise.
const DefaultDecimals = 18

// ScaleDown converts a raw fixed-point integer into a display float by
// dividing by 10^decimals. The conversion is exact up to the final float64
// rounding; callers doing further accounting must keep the raw integer.
func ScaleDown(raw *big.Int, decimals int32) (float64, error) {
	if raw == nil {
		return 0, nil
	}
	d := apd.NewWithBigInt(new(big.Int).Set(raw), -decimals)
	f, err := d.Float64()
	if err != nil {
		return 0, fmt.Errorf("scale %s by 10^-%d: %w", raw, decimals, err)
	}
	return f, nil
}

// MustScaleDown is ScaleDown for values already known to be finite.
func MustScaleDown(raw *big.Int, decimals int32) float64 {
	f, err := ScaleDown(raw, decimals)
	if err != nil {
		panic(err)
	}
	return f
}

// ToTokens scales an 18-decimal raw amount.
func (b BigInt) ToTokens() float64 {
	return MustScaleDown(&b.Int, DefaultDecimals)
}

// DecimalString renders raw / 10^decimals exactly, with `decimals`
// fractional digits.
func DecimalString(raw *big.Int, decimals int32) string {
	if raw == nil {
		raw = new(big.Int)
	}
	return apd.NewWithBigInt(new(big.Int).Set(raw), -decimals).Text('f')
}
