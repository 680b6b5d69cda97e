package math

import (
	"github.com/holiman/uint256"
)

// SecondsPerYear is the accrual year (365 days).
const SecondsPerYear uint64 = 31_536_000

// ComputeInterest returns debt * rateBps * elapsed / 10000 / SecondsPerYear.
// Interest is owed to the protocol, so it rounds up.
func ComputeInterest(debt *uint256.Int, rateBps uint32, elapsed int64) (*uint256.Int, error) {
	if debt.IsZero() || rateBps == 0 || elapsed <= 0 {
		return new(uint256.Int), nil
	}

	return Ratio(
		[]*uint256.Int{debt, uint256.NewInt(uint64(rateBps)), uint256.NewInt(uint64(elapsed))},
		[]*uint256.Int{uint256.NewInt(BasisPoints), uint256.NewInt(SecondsPerYear)},
		RoundUp,
	)
}

// Accrual is the outcome of bringing a debt current.
type Accrual struct {
	Interest *uint256.Int
	NewDebt  *uint256.Int
	Elapsed  int64
}

// AccrueDebt brings debt from lastAccrual up to now. A clock that went
// backwards accrues nothing.
func AccrueDebt(debt *uint256.Int, rateBps uint32, lastAccrual, now int64) (Accrual, error) {
	elapsed := now - lastAccrual
	if elapsed < 0 {
		elapsed = 0
	}

	interest, err := ComputeInterest(debt, rateBps, elapsed)
	if err != nil {
		return Accrual{}, err
	}
	newDebt, err := Add(debt, interest)
	if err != nil {
		return Accrual{}, err
	}

	return Accrual{Interest: interest, NewDebt: newDebt, Elapsed: elapsed}, nil
}
