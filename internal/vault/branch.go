package vault

import (
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/tidwall/btree"
)

// indexKey orders vaults for redemption: lowest rate first, lower id on ties.
type indexKey struct {
	Rate uint32
	ID   uint64
}

func byRateThenID(a, b indexKey) bool {
	if a.Rate != b.Rate {
		return a.Rate < b.Rate
	}
	return a.ID < b.ID
}

func keyOf(v *Vault) indexKey {
	return indexKey{Rate: v.InterestRateBps, ID: v.ID}
}

// Branch is the vault ledger of one collateral kind. Not thread-safe: the
// core serializes every call.
type Branch struct {
	kind   protocol.CollateralKind
	params *protocol.Params
	oracle *oracle.State

	vaults map[uint64]*Vault
	index  *btree.BTreeG[indexKey]

	totalCollateral *uint256.Int
	totalDebt       *uint256.Int
	nextID          uint64
}

func NewBranch(kind protocol.CollateralKind, params *protocol.Params, state *oracle.State) *Branch {
	return &Branch{
		kind:            kind,
		params:          params,
		oracle:          state,
		vaults:          make(map[uint64]*Vault),
		index:           btree.NewBTreeGOptions(byRateThenID, btree.Options{NoLocks: true}),
		totalCollateral: fpmath.Zero(),
		totalDebt:       fpmath.Zero(),
		nextID:          1,
	}
}

func (b *Branch) Kind() protocol.CollateralKind { return b.kind }

func (b *Branch) SetParams(p *protocol.Params) { b.params = p }

func (b *Branch) Params() *protocol.Params { return b.params }

// OracleState is the breaker handle shared with the other branch.
func (b *Branch) OracleState() *oracle.State { return b.oracle }

func (b *Branch) Status() Status {
	return Status{
		Kind:            b.kind,
		TotalCollateral: b.totalCollateral.Clone(),
		TotalDebt:       b.totalDebt.Clone(),
		VaultCount:      uint64(len(b.vaults)),
		NextID:          b.nextID,
	}
}

func (b *Branch) TotalCollateral() *uint256.Int { return b.totalCollateral.Clone() }
func (b *Branch) TotalDebt() *uint256.Int       { return b.totalDebt.Clone() }
func (b *Branch) VaultCount() int               { return len(b.vaults) }

// Vault returns a copy of the stored record.
func (b *Branch) Vault(id uint64) (*Vault, error) {
	v, ok := b.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%s vault %d: %w", b.kind, id, protocol.ErrVaultNotFound)
	}
	return v.Clone(), nil
}

// VaultsByOwner returns copies of owner's vaults ordered by id.
func (b *Branch) VaultsByOwner(owner protocol.Address) []*Vault {
	var out []*Vault
	for _, v := range b.vaults {
		if v.Owner == owner {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AscendByRate walks vaults lowest interest rate first, lower id on ties,
// until fn returns false. fn receives copies.
func (b *Branch) AscendByRate(fn func(v *Vault) bool) {
	b.index.Scan(func(k indexKey) bool {
		return fn(b.vaults[k.ID].Clone())
	})
}

// TCR returns the branch collateral ratio at price, InfiniteICR with no debt.
func (b *Branch) TCR(price *uint256.Int) (uint64, error) {
	return b.params.Units.CollateralRatio(b.totalCollateral, b.totalDebt, price)
}

// RecoveryMode is true while the branch TCR is below CCR.
func (b *Branch) RecoveryMode(price *uint256.Int) (bool, error) {
	tcr, err := b.TCR(price)
	if err != nil {
		return false, err
	}
	return tcr < b.params.CCRBps, nil
}

// ICR of a vault at price.
func (b *Branch) ICR(v *Vault, price *uint256.Int) (uint64, error) {
	return b.params.Units.CollateralRatio(v.Collateral, v.Debt, price)
}

// Health returns the ICR including interest accrued up to now. Read-only.
func (b *Branch) Health(id uint64, quote oracle.PriceQuote, now int64) (uint64, error) {
	price, err := b.price(quote)
	if err != nil {
		return 0, err
	}
	v, ok := b.vaults[id]
	if !ok {
		return 0, fmt.Errorf("%s vault %d: %w", b.kind, id, protocol.ErrVaultNotFound)
	}
	accrued, _, err := v.Accrued(now)
	if err != nil {
		return 0, err
	}
	return b.ICR(accrued, price)
}

// Accrued returns a copy of the vault brought current and the interest owed.
func (b *Branch) Accrued(id uint64, now int64) (*Vault, *uint256.Int, error) {
	v, ok := b.vaults[id]
	if !ok {
		return nil, nil, fmt.Errorf("%s vault %d: %w", b.kind, id, protocol.ErrVaultNotFound)
	}
	return v.Accrued(now)
}

// Apply commits a planned change. It cannot fail: plans are only valid
// against the state they were computed from, and the core never interleaves.
func (b *Branch) Apply(ch *Change) {
	if ch.Before != nil {
		b.totalCollateral = fpmath.SaturatingSub(b.totalCollateral, ch.Before.Collateral)
		b.totalDebt = fpmath.SaturatingSub(b.totalDebt, ch.Before.Debt)
		b.index.Delete(keyOf(ch.Before))
		delete(b.vaults, ch.Before.ID)
	}
	if ch.After != nil {
		v := ch.After.Clone()
		b.totalCollateral = new(uint256.Int).Add(b.totalCollateral, v.Collateral)
		b.totalDebt = new(uint256.Int).Add(b.totalDebt, v.Debt)
		b.vaults[v.ID] = v
		b.index.Set(keyOf(v))
		if v.ID >= b.nextID {
			b.nextID = v.ID + 1
		}
	}
}

// price extracts a usable price from quote, failing closed.
func (b *Branch) price(q oracle.PriceQuote) (*uint256.Int, error) {
	if q.Kind != b.kind {
		return nil, fmt.Errorf("quote for %s used on %s branch: %w", q.Kind, b.kind, protocol.ErrUnsupportedCollateral)
	}
	if !q.OK() {
		return nil, q.Err()
	}
	return q.Price, nil
}

// tcrWorsens reports whether the branch would sit below CCR after ch without
// the change strictly improving the ratio.
func (b *Branch) tcrWorsens(ch *Change, price *uint256.Int) (bool, error) {
	collAfter, debtAfter := b.totalCollateral.Clone(), b.totalDebt.Clone()
	if ch.Before != nil {
		collAfter = fpmath.SaturatingSub(collAfter, ch.Before.Collateral)
		debtAfter = fpmath.SaturatingSub(debtAfter, ch.Before.Debt)
	}
	if ch.After != nil {
		collAfter.Add(collAfter, ch.After.Collateral)
		debtAfter.Add(debtAfter, ch.After.Debt)
	}

	tcrAfter, err := b.params.Units.CollateralRatio(collAfter, debtAfter, price)
	if err != nil {
		return false, err
	}
	if tcrAfter >= b.params.CCRBps {
		return false, nil
	}
	// coll/debt ratios compared by cross-multiplication; price cancels
	improves := fpmath.CmpProducts(collAfter, b.totalDebt, b.totalCollateral, debtAfter) > 0
	return !improves, nil
}
