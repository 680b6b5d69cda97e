package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow     = errors.New("fixedpoint: result overflows 256 bits")
	ErrUnderflow    = errors.New("fixedpoint: result below zero")
)

// BasisPoints is the denominator of every *_bps quantity.
const BasisPoints uint64 = 10_000

// WAD is 1e18, the scale used for fractional protocol state
// (stability pool product, redemption base rate).
var WAD = uint256.NewInt(1_000_000_000_000_000_000)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// ParseRoundingMode accepts the names produced by String.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "half_even", "halfeven", "bankers":
		return RoundHalfEven, nil
	case "down", "floor":
		return RoundDown, nil
	case "up", "ceil":
		return RoundUp, nil
	default:
		return RoundDown, fmt.Errorf("unknown rounding mode %q", s)
	}
}

// Intermediates are pooled: a 256x256 product needs up to 512 bits.
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

var bigOne = big.NewInt(1)

// MulDiv returns x*y/d rounded according to mode.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return Ratio([]*uint256.Int{x, y}, []*uint256.Int{d}, mode)
}

// Ratio returns Π nums / Π dens with a single rounding step, so chained
// unit conversions do not accumulate truncation error.
func Ratio(nums, dens []*uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	num := getBig()
	den := getBig()
	tmp := getBig()
	defer putBig(num)
	defer putBig(den)
	defer putBig(tmp)

	num.SetInt64(1)
	for _, n := range nums {
		num.Mul(num, n.ToBig())
	}
	den.SetInt64(1)
	for _, d := range dens {
		if d.IsZero() {
			return nil, ErrDivideByZero
		}
		den.Mul(den, d.ToBig())
	}
	return divRound(num, den, tmp, mode)
}

func divRound(num, den, scratch *big.Int, mode RoundingMode) (*uint256.Int, error) {
	quotient := getBig()
	remainder := getBig()
	defer putBig(quotient)
	defer putBig(remainder)

	quotient.QuoRem(num, den, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, bigOne)
		case RoundHalfEven:
			// compare 2r against d instead of r against d/2 to stay exact for odd d
			scratch.Lsh(remainder, 1)
			cmp := scratch.Cmp(den)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, bigOne)
			}
		}
	}

	result, overflow := uint256.FromBig(quotient)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrUnderflow.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if a.Lt(b) {
		return nil, ErrUnderflow
	}
	return new(uint256.Int).Sub(a, b), nil
}

// SaturatingSub returns max(a-b, 0).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// Zero returns a fresh zero value. Amounts are never shared between
// records, so callers always get their own pointer.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// OrZero maps nil to zero.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Bps returns amount*bps/10000.
func Bps(amount *uint256.Int, bps uint64, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(bps), uint256.NewInt(BasisPoints), mode)
}

// RatioBps returns num*10000/den, saturated to the uint64 range. The caller
// handles den == 0.
func RatioBps(num, den *uint256.Int) (uint64, error) {
	v, err := MulDiv(num, uint256.NewInt(BasisPoints), den, RoundDown)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return ^uint64(0), nil
	}
	return v.Uint64(), nil
}

var pow10 [78]*uint256.Int

func init() {
	pow10[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

// Pow10 returns 10^n for n <= 77 (the largest power that fits 256 bits).
func Pow10(n uint8) *uint256.Int {
	if int(n) >= len(pow10) {
		panic(fmt.Sprintf("fixedpoint: 10^%d overflows 256 bits", n))
	}
	return pow10[n].Clone()
}

// Rescale converts an amount between two decimal scales.
func Rescale(amount *uint256.Int, from, to uint8, mode RoundingMode) (*uint256.Int, error) {
	switch {
	case from == to:
		return amount.Clone(), nil
	case to > from:
		return MulDiv(amount, Pow10(to-from), uint256.NewInt(1), mode)
	default:
		return MulDiv(amount, uint256.NewInt(1), Pow10(from-to), mode)
	}
}

// CmpProducts compares a*b with c*d exactly.
func CmpProducts(a, b, c, d *uint256.Int) int {
	left := getBig()
	right := getBig()
	defer putBig(left)
	defer putBig(right)

	left.Mul(a.ToBig(), b.ToBig())
	right.Mul(c.ToBig(), d.ToBig())
	return left.Cmp(right)
}
