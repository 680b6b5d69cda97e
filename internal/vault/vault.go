package vault

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// Vault is one collateralized debt position. Amounts are in accounted units.
type Vault struct {
	Owner           protocol.Address        `json:"owner"`
	Kind            protocol.CollateralKind `json:"kind"`
	ID              uint64                  `json:"id"`
	Collateral      *uint256.Int            `json:"collateral"`
	Debt            *uint256.Int            `json:"debt"`
	InterestRateBps uint32                  `json:"interest_rate_bps"`
	LastAccrual     int64                   `json:"last_accrual"`
}

func (v *Vault) Clone() *Vault {
	c := *v
	c.Collateral = v.Collateral.Clone()
	c.Debt = v.Debt.Clone()
	return &c
}

// Accrued returns a copy brought current to now and the interest charged.
func (v *Vault) Accrued(now int64) (*Vault, *uint256.Int, error) {
	acc, err := fpmath.AccrueDebt(v.Debt, v.InterestRateBps, v.LastAccrual, now)
	if err != nil {
		return nil, nil, err
	}
	c := v.Clone()
	c.Debt = acc.NewDebt
	if now > c.LastAccrual {
		c.LastAccrual = now
	}
	return c, acc.Interest, nil
}

// Op names the kind of mutation a Change carries.
type Op string

const (
	OpOpen         Op = "open"
	OpAdjust       Op = "adjust"
	OpClose        Op = "close"
	OpAdjustRate   Op = "adjust_rate"
	OpLiquidate    Op = "liquidate"
	OpRedeem       Op = "redeem"
	OpRedeemClosed Op = "redeem_close"
)

// Change is a planned mutation of one vault. Plans are computed against the
// current branch without touching it; Branch.Apply commits them. The money
// legs are what the caller must settle with the token adapters between the
// two steps.
type Change struct {
	Op      Op                      `json:"op"`
	Kind    protocol.CollateralKind `json:"kind"`
	VaultID uint64                  `json:"vault_id"`
	Owner   protocol.Address        `json:"owner"`

	// Before is the stored record (nil on open); After is the record to
	// store (nil when the vault is removed).
	Before *Vault `json:"before,omitempty"`
	After  *Vault `json:"after,omitempty"`

	Interest      *uint256.Int `json:"interest"`
	CollateralIn  *uint256.Int `json:"collateral_in"`
	CollateralOut *uint256.Int `json:"collateral_out"`
	Minted        *uint256.Int `json:"minted"`
	Burned        *uint256.Int `json:"burned"`

	// Effects on behalf of a third party (liquidator, redeemer): debt
	// cancelled without the owner paying and collateral leaving to them.
	DebtCancelled *uint256.Int `json:"debt_cancelled"`
	Drawn         *uint256.Int `json:"drawn"`

	ICR uint64 `json:"icr_bps"`
}

// NewChange returns a change with every amount set to zero.
func NewChange(op Op, kind protocol.CollateralKind, id uint64, owner protocol.Address) *Change {
	return &Change{
		Op:            op,
		Kind:          kind,
		VaultID:       id,
		Owner:         owner,
		Interest:      fpmath.Zero(),
		CollateralIn:  fpmath.Zero(),
		CollateralOut: fpmath.Zero(),
		Minted:        fpmath.Zero(),
		Burned:        fpmath.Zero(),
		DebtCancelled: fpmath.Zero(),
		Drawn:         fpmath.Zero(),
		ICR:           fpmath.InfiniteICR,
	}
}

// Removed reports whether the change deletes the vault.
func (c *Change) Removed() bool { return c.Before != nil && c.After == nil }

// Adjustment is a one-sided change to collateral and/or debt. CollateralIn
// and CollateralOut are mutually exclusive, as are DebtIncrease and
// DebtRepay. Nil fields count as zero.
type Adjustment struct {
	CollateralIn  *uint256.Int `json:"collateral_in,omitempty"`
	CollateralOut *uint256.Int `json:"collateral_out,omitempty"`
	DebtIncrease  *uint256.Int `json:"debt_increase,omitempty"`
	DebtRepay     *uint256.Int `json:"debt_repay,omitempty"`
}

func (a Adjustment) normalized() Adjustment {
	return Adjustment{
		CollateralIn:  fpmath.OrZero(a.CollateralIn),
		CollateralOut: fpmath.OrZero(a.CollateralOut),
		DebtIncrease:  fpmath.OrZero(a.DebtIncrease),
		DebtRepay:     fpmath.OrZero(a.DebtRepay),
	}
}

// IncreasesRisk is true when the adjustment draws debt or removes collateral.
// Such adjustments are blocked in safe mode.
func (a Adjustment) IncreasesRisk() bool {
	n := a.normalized()
	return !n.DebtIncrease.IsZero() || !n.CollateralOut.IsZero()
}

// Status is the branch aggregate.
type Status struct {
	Kind            protocol.CollateralKind `json:"kind"`
	TotalCollateral *uint256.Int            `json:"total_collateral"`
	TotalDebt       *uint256.Int            `json:"total_debt"`
	VaultCount      uint64                  `json:"vault_count"`
	NextID          uint64                  `json:"next_id"`
}
