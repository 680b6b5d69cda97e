package ledger

import (
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

var ErrCustodyMismatch = errors.New("ledger: custody does not match protocol state")

// Aggregates is what the subsystems claim to hold. The core builds it
// after every command.
type Aggregates struct {
	VaultCollateral map[protocol.CollateralKind]*uint256.Int
	TotalDebt       *uint256.Int
	PoolStable      *uint256.Int
	PoolCollateral  map[protocol.CollateralKind]*uint256.Int
	Treasury        map[protocol.Asset]*uint256.Int
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateBatchBalance verifies the batch is well-formed and affordable.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return v.tracker.CheckBatch(batch)
}

// ValidateGlobalBalance verifies Σ debits == Σ credits per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, cols := range v.tracker.ComputeGlobalBalance() {
		if !cols[0].Eq(cols[1]) {
			return fmt.Errorf("global balance for %s: debits %s != credits %s", asset, cols[0].Dec(), cols[1].Dec())
		}
	}
	return nil
}

// ValidateCustody compares every system account with the subsystem that
// owns it, and the issuance liability with total branch debt.
func (v *InvariantValidator) ValidateCustody(a Aggregates) error {
	check := func(k AccountKey, want *uint256.Int) error {
		got := v.tracker.Balance(k)
		if !got.Eq(fpmath.OrZero(want)) {
			return fmt.Errorf("%w: %s holds %s, state says %s", ErrCustodyMismatch, k, got.Dec(), fpmath.OrZero(want).Dec())
		}
		return nil
	}

	for _, kind := range protocol.Kinds {
		if err := check(VaultAccount(kind), a.VaultCollateral[kind]); err != nil {
			return err
		}
		if err := check(PoolCollateralAccount(kind), a.PoolCollateral[kind]); err != nil {
			return err
		}
		if err := check(TreasuryAccount(protocol.CollateralAsset(kind)), a.Treasury[protocol.CollateralAsset(kind)]); err != nil {
			return err
		}
	}
	if err := check(PoolStableAccount(), a.PoolStable); err != nil {
		return err
	}
	if err := check(TreasuryAccount(protocol.AssetStable), a.Treasury[protocol.AssetStable]); err != nil {
		return err
	}

	if got := v.tracker.Liability(IssuanceAccount()); !got.Eq(fpmath.OrZero(a.TotalDebt)) {
		return fmt.Errorf("%w: issuance %s, total debt %s", ErrCustodyMismatch, got.Dec(), fpmath.OrZero(a.TotalDebt).Dec())
	}
	return nil
}
