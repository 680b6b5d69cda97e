package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InfiniteICR stands in for the collateral ratio of a debt-free vault.
const InfiniteICR = ^uint64(0)

// Units describes the internal fixed-point scales. Prices are debt units per
// one whole unit of collateral.
type Units struct {
	CollateralDecimals uint8 `json:"collateral_decimals"`
	DebtDecimals       uint8 `json:"debt_decimals"`
	PriceDecimals      uint8 `json:"price_decimals"`
}

var DefaultUnits = Units{CollateralDecimals: 18, DebtDecimals: 18, PriceDecimals: 18}

func (u Units) Validate() error {
	for name, d := range map[string]uint8{
		"collateral_decimals": u.CollateralDecimals,
		"debt_decimals":       u.DebtDecimals,
		"price_decimals":      u.PriceDecimals,
	} {
		if d > 36 {
			return fmt.Errorf("%s must be <= 36, got %d", name, d)
		}
	}
	return nil
}

// Value converts a collateral amount to debt units at price.
func (u Units) Value(coll, price *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return Ratio(
		[]*uint256.Int{coll, price, Pow10(u.DebtDecimals)},
		[]*uint256.Int{Pow10(u.CollateralDecimals), Pow10(u.PriceDecimals)},
		mode,
	)
}

// CollateralFor converts a debt amount to the collateral worth it at price.
func (u Units) CollateralFor(debt, price *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrDivideByZero
	}
	return Ratio(
		[]*uint256.Int{debt, Pow10(u.CollateralDecimals), Pow10(u.PriceDecimals)},
		[]*uint256.Int{price, Pow10(u.DebtDecimals)},
		mode,
	)
}

// CollateralRatio returns value(coll)*10000/debt, or InfiniteICR when debt is zero.
func (u Units) CollateralRatio(coll, debt, price *uint256.Int) (uint64, error) {
	if debt.IsZero() {
		return InfiniteICR, nil
	}
	value, err := u.Value(coll, price, RoundDown)
	if err != nil {
		return 0, err
	}
	return RatioBps(value, debt)
}

// OneDebtUnit is 10^DebtDecimals.
func (u Units) OneDebtUnit() *uint256.Int {
	return Pow10(u.DebtDecimals)
}
