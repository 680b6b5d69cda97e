package vault

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

func (b *Branch) checkRate(rateBps uint32) error {
	if rateBps < b.params.MinInterestRateBps || rateBps > b.params.MaxInterestRateBps {
		return fmt.Errorf("rate %d bps outside [%d, %d]: %w",
			rateBps, b.params.MinInterestRateBps, b.params.MaxInterestRateBps, protocol.ErrInterestRateOutOfBounds)
	}
	return nil
}

// checkMinDebt enforces debt == 0 || debt >= MinDebt.
func (b *Branch) checkMinDebt(debt *uint256.Int) error {
	if !debt.IsZero() && debt.Lt(b.params.MinDebt) {
		return fmt.Errorf("debt %s below minimum %s: %w", debt.Dec(), b.params.MinDebt.Dec(), protocol.ErrBelowMinDebt)
	}
	return nil
}

// checkSolvency runs the MCR and CCR tests on the planned result.
func (b *Branch) checkSolvency(ch *Change, price *uint256.Int) error {
	icr, err := b.ICR(ch.After, price)
	if err != nil {
		return err
	}
	ch.ICR = icr
	if !ch.After.Debt.IsZero() && icr < b.params.MCRBps {
		return fmt.Errorf("icr %d bps below mcr %d bps: %w", icr, b.params.MCRBps, protocol.ErrInsufficientCollateralization)
	}
	worsens, err := b.tcrWorsens(ch, price)
	if err != nil {
		return err
	}
	if worsens {
		return fmt.Errorf("branch tcr would stay below ccr %d bps: %w", b.params.CCRBps, protocol.ErrInsufficientCollateralization)
	}
	return nil
}

func (b *Branch) owned(caller protocol.Address, id uint64) (*Vault, error) {
	v, ok := b.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%s vault %d: %w", b.kind, id, protocol.ErrVaultNotFound)
	}
	if v.Owner != caller {
		return nil, fmt.Errorf("%s vault %d not owned by %s: %w", b.kind, id, caller, protocol.ErrUnauthorized)
	}
	return v, nil
}

// PlanOpen validates opening a vault and returns the change without applying it.
func (b *Branch) PlanOpen(owner protocol.Address, collIn, debtOut *uint256.Int, rateBps uint32, quote oracle.PriceQuote, now int64) (*Change, error) {
	if owner == "" {
		return nil, fmt.Errorf("open: empty owner: %w", protocol.ErrInvalidAmount)
	}
	if collIn == nil || collIn.IsZero() {
		return nil, fmt.Errorf("open: collateral must be > 0: %w", protocol.ErrInvalidAmount)
	}
	if debtOut == nil || debtOut.Lt(b.params.MinDebt) {
		return nil, fmt.Errorf("open: debt %s below minimum %s: %w", fpmath.OrZero(debtOut).Dec(), b.params.MinDebt.Dec(), protocol.ErrBelowMinDebt)
	}
	if err := b.checkRate(rateBps); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := b.oracle.Guard(); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	price, err := b.price(quote)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	id := b.nextID
	ch := NewChange(OpOpen, b.kind, id, owner)
	ch.After = &Vault{
		Owner:           owner,
		Kind:            b.kind,
		ID:              id,
		Collateral:      collIn.Clone(),
		Debt:            debtOut.Clone(),
		InterestRateBps: rateBps,
		LastAccrual:     now,
	}
	ch.CollateralIn = collIn.Clone()
	ch.Minted = debtOut.Clone()

	if err := b.checkSolvency(ch, price); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return ch, nil
}

// Open plans and applies in one step.
func (b *Branch) Open(owner protocol.Address, collIn, debtOut *uint256.Int, rateBps uint32, quote oracle.PriceQuote, now int64) (*Change, error) {
	ch, err := b.PlanOpen(owner, collIn, debtOut, rateBps, quote, now)
	if err != nil {
		return nil, err
	}
	b.Apply(ch)
	return ch, nil
}

// PlanAdjust validates an adjustment. In safe mode only risk-reducing
// adjustments pass, and they skip the price checks since the quote cannot
// be trusted.
func (b *Branch) PlanAdjust(caller protocol.Address, id uint64, adj Adjustment, quote oracle.PriceQuote, now int64) (*Change, error) {
	a := adj.normalized()
	if !a.CollateralIn.IsZero() && !a.CollateralOut.IsZero() {
		return nil, fmt.Errorf("adjust: collateral in and out together: %w", protocol.ErrInvalidAdjustment)
	}
	if !a.DebtIncrease.IsZero() && !a.DebtRepay.IsZero() {
		return nil, fmt.Errorf("adjust: debt increase and repay together: %w", protocol.ErrInvalidAdjustment)
	}
	if a.CollateralIn.IsZero() && a.CollateralOut.IsZero() && a.DebtIncrease.IsZero() && a.DebtRepay.IsZero() {
		return nil, fmt.Errorf("adjust: nothing to do: %w", protocol.ErrInvalidAdjustment)
	}

	stored, err := b.owned(caller, id)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}

	riskUp := a.IncreasesRisk()
	if riskUp {
		if err := b.oracle.Guard(); err != nil {
			return nil, fmt.Errorf("adjust: %w", err)
		}
	}

	v, interest, err := stored.Accrued(now)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}

	if a.DebtRepay.Gt(v.Debt) {
		return nil, fmt.Errorf("adjust: repay %s exceeds debt %s: %w", a.DebtRepay.Dec(), v.Debt.Dec(), protocol.ErrRepayExceedsDebt)
	}
	if a.CollateralOut.Gt(v.Collateral) {
		return nil, fmt.Errorf("adjust: withdraw %s exceeds collateral %s: %w", a.CollateralOut.Dec(), v.Collateral.Dec(), protocol.ErrInsufficientCollateral)
	}

	coll, err := fpmath.Add(v.Collateral, a.CollateralIn)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	coll.Sub(coll, a.CollateralOut)
	debt, err := fpmath.Add(v.Debt, a.DebtIncrease)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	debt.Sub(debt, a.DebtRepay)

	if err := b.checkMinDebt(debt); err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}

	ch := NewChange(OpAdjust, b.kind, id, stored.Owner)
	ch.Before = stored.Clone()
	v.Collateral = coll
	v.Debt = debt
	ch.After = v
	ch.Interest = interest
	ch.CollateralIn = a.CollateralIn
	ch.CollateralOut = a.CollateralOut
	ch.Minted = a.DebtIncrease
	ch.Burned = a.DebtRepay

	if b.oracle.SafeMode() {
		// risk-reducing under the breaker: the only transient ICR < MCR
		return ch, nil
	}
	price, err := b.price(quote)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	if err := b.checkSolvency(ch, price); err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	return ch, nil
}

func (b *Branch) Adjust(caller protocol.Address, id uint64, adj Adjustment, quote oracle.PriceQuote, now int64) (*Change, error) {
	ch, err := b.PlanAdjust(caller, id, adj, quote, now)
	if err != nil {
		return nil, err
	}
	b.Apply(ch)
	return ch, nil
}

// PlanClose repays the whole accrued debt and returns all collateral. Close
// is a full withdrawal, so it is blocked in safe mode.
func (b *Branch) PlanClose(caller protocol.Address, id uint64, now int64) (*Change, error) {
	stored, err := b.owned(caller, id)
	if err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	if err := b.oracle.Guard(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	v, interest, err := stored.Accrued(now)
	if err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}

	ch := NewChange(OpClose, b.kind, id, stored.Owner)
	ch.Before = stored.Clone()
	ch.Interest = interest
	ch.CollateralOut = v.Collateral.Clone()
	ch.Burned = v.Debt.Clone()
	return ch, nil
}

func (b *Branch) Close(caller protocol.Address, id uint64, now int64) (*Change, error) {
	ch, err := b.PlanClose(caller, id, now)
	if err != nil {
		return nil, err
	}
	b.Apply(ch)
	return ch, nil
}

// PlanAdjustInterestRate moves a vault within the redemption order. It has
// no price exposure and stays available in safe mode.
func (b *Branch) PlanAdjustInterestRate(caller protocol.Address, id uint64, rateBps uint32, now int64) (*Change, error) {
	if err := b.checkRate(rateBps); err != nil {
		return nil, fmt.Errorf("adjust rate: %w", err)
	}
	stored, err := b.owned(caller, id)
	if err != nil {
		return nil, fmt.Errorf("adjust rate: %w", err)
	}
	v, interest, err := stored.Accrued(now)
	if err != nil {
		return nil, fmt.Errorf("adjust rate: %w", err)
	}
	v.InterestRateBps = rateBps

	ch := NewChange(OpAdjustRate, b.kind, id, stored.Owner)
	ch.Before = stored.Clone()
	ch.After = v
	ch.Interest = interest
	return ch, nil
}

func (b *Branch) AdjustInterestRate(caller protocol.Address, id uint64, rateBps uint32, now int64) (*Change, error) {
	ch, err := b.PlanAdjustInterestRate(caller, id, rateBps, now)
	if err != nil {
		return nil, err
	}
	b.Apply(ch)
	return ch, nil
}
