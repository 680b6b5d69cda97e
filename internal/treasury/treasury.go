package treasury

import (
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// Treasury accumulates protocol revenue: accrued interest (a stablecoin
// claim, minted on withdrawal) and redemption fees (collateral).
type Treasury struct {
	balances map[protocol.Asset]*uint256.Int
	authz    protocol.Authorizer
}

func New(authz protocol.Authorizer) *Treasury {
	if authz == nil {
		authz = protocol.DenyAll{}
	}
	return &Treasury{
		balances: make(map[protocol.Asset]*uint256.Int),
		authz:    authz,
	}
}

func (t *Treasury) Balance(asset protocol.Asset) *uint256.Int {
	return fpmath.OrZero(t.balances[asset]).Clone()
}

// Balances returns a copy of every non-empty balance.
func (t *Treasury) Balances() map[protocol.Asset]*uint256.Int {
	out := make(map[protocol.Asset]*uint256.Int, len(t.balances))
	for a, b := range t.balances {
		if !b.IsZero() {
			out[a] = b.Clone()
		}
	}
	return out
}

func (t *Treasury) credit(asset protocol.Asset, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	t.balances[asset] = new(uint256.Int).Add(t.Balance(asset), amount)
}

// RecordInterest books interest accrued on a branch, in debt units.
func (t *Treasury) RecordInterest(_ protocol.CollateralKind, amount *uint256.Int) {
	t.credit(protocol.AssetStable, amount)
}

// RecordRedemptionFee books the collateral kept as a redemption fee.
func (t *Treasury) RecordRedemptionFee(kind protocol.CollateralKind, coll *uint256.Int) {
	t.credit(protocol.CollateralAsset(kind), coll)
}

// Withdrawal is a planned payout to an administrator-chosen recipient.
type Withdrawal struct {
	Asset     protocol.Asset   `json:"asset"`
	Amount    *uint256.Int     `json:"amount"`
	Recipient protocol.Address `json:"recipient"`
}

func (t *Treasury) PlanWithdraw(caller protocol.Address, asset protocol.Asset, amount *uint256.Int, to protocol.Address) (*Withdrawal, error) {
	if !t.authz.Can(caller, protocol.ActionTreasuryWithdraw) {
		return nil, fmt.Errorf("treasury withdraw: %w", protocol.ErrUnauthorized)
	}
	if amount == nil || amount.IsZero() || to == "" {
		return nil, fmt.Errorf("treasury withdraw: %w", protocol.ErrInvalidAmount)
	}
	if bal := t.Balance(asset); amount.Gt(bal) {
		return nil, fmt.Errorf("treasury withdraw %s %s of %s: %w", amount.Dec(), asset, bal.Dec(), protocol.ErrInsufficientFunds)
	}
	return &Withdrawal{Asset: asset, Amount: amount.Clone(), Recipient: to}, nil
}

func (t *Treasury) Apply(w *Withdrawal) {
	t.balances[w.Asset] = fpmath.SaturatingSub(t.Balance(w.Asset), w.Amount)
}

type Entry struct {
	Asset   protocol.Asset `json:"asset"`
	Balance *uint256.Int   `json:"balance"`
}

func (t *Treasury) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.balances))
	for a, b := range t.balances {
		out = append(out, Entry{Asset: a, Balance: b.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (t *Treasury) Restore(entries []Entry) {
	t.balances = make(map[protocol.Asset]*uint256.Int, len(entries))
	for _, e := range entries {
		t.balances[e.Asset] = e.Balance.Clone()
	}
}
