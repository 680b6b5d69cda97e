package math

import (
	"github.com/holiman/uint256"
)

// maxDecayMinutes caps the exponent: after ~1000 years any decay factor
// below one has reached zero anyway.
const maxDecayMinutes uint64 = 525_600_000

// DecPow returns base^n for a WAD-scaled base by exponentiation by
// squaring, rounding half-even at each step. The result is deterministic
// on every platform.
func DecPow(base *uint256.Int, n uint64) (*uint256.Int, error) {
	if n > maxDecayMinutes {
		n = maxDecayMinutes
	}
	if n == 0 {
		return WAD.Clone(), nil
	}

	x := base.Clone()
	y := WAD.Clone()
	var err error
	for n > 1 {
		if n%2 == 1 {
			if y, err = MulDiv(x, y, WAD, RoundHalfEven); err != nil {
				return nil, err
			}
		}
		if x, err = MulDiv(x, x, WAD, RoundHalfEven); err != nil {
			return nil, err
		}
		n /= 2
	}
	return MulDiv(x, y, WAD, RoundHalfEven)
}

// Decay multiplies value by factor^minutes.
func Decay(value, factor *uint256.Int, minutes uint64) (*uint256.Int, error) {
	if value.IsZero() || minutes == 0 {
		return value.Clone(), nil
	}
	f, err := DecPow(factor, minutes)
	if err != nil {
		return nil, err
	}
	return MulDiv(value, f, WAD, RoundDown)
}
