package liquidation

import (
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
)

// Liquidation is the planned outcome for one vault.
type Liquidation struct {
	Kind    protocol.CollateralKind `json:"kind"`
	VaultID uint64                  `json:"vault_id"`
	Owner   protocol.Address        `json:"owner"`
	Change  *vault.Change           `json:"change"`

	ICR        uint64       `json:"icr_bps"`
	Debt       *uint256.Int `json:"debt"`
	Collateral *uint256.Int `json:"collateral"`
	Seized     *uint256.Int `json:"seized"`
	// GasCompensation goes to the liquidator, ToPool to depositors, Surplus
	// back to the owner.
	GasCompensation *uint256.Int `json:"gas_compensation"`
	ToPool          *uint256.Int `json:"to_pool"`
	Surplus         *uint256.Int `json:"surplus"`
}

type Skip struct {
	VaultID uint64 `json:"vault_id"`
	Reason  string `json:"reason"`
}

// Plan is a batch computed against a single price read. Nothing is applied
// until Commit.
type Plan struct {
	Kind         protocol.CollateralKind `json:"kind"`
	Liquidator   protocol.Address        `json:"liquidator"`
	Quote        oracle.PriceQuote       `json:"quote"`
	Liquidations []*Liquidation          `json:"liquidations"`
	Skipped      []Skip                  `json:"skipped,omitempty"`
	// Stopped is set when the pool ran out before the batch did.
	Stopped bool `json:"stopped"`
}

func (p *Plan) TotalDebt() *uint256.Int {
	out := fpmath.Zero()
	for _, l := range p.Liquidations {
		out.Add(out, l.Debt)
	}
	return out
}

type Stats struct {
	TotalLiquidations     uint64       `json:"total_liquidations"`
	TotalDebtLiquidated   *uint256.Int `json:"total_debt_liquidated"`
	TotalCollateralSeized *uint256.Int `json:"total_collateral_seized"`
}

func newStats() *Stats {
	return &Stats{TotalDebtLiquidated: fpmath.Zero(), TotalCollateralSeized: fpmath.Zero()}
}

// Engine liquidates vaults against the stability pool.
type Engine struct {
	params   *protocol.Params
	oracle   *oracle.State
	pool     *stability.Pool
	branches map[protocol.CollateralKind]*vault.Branch
	stats    map[protocol.CollateralKind]*Stats
}

func New(params *protocol.Params, state *oracle.State, pool *stability.Pool, branches ...*vault.Branch) *Engine {
	e := &Engine{
		params:   params,
		oracle:   state,
		pool:     pool,
		branches: make(map[protocol.CollateralKind]*vault.Branch, len(branches)),
		stats:    make(map[protocol.CollateralKind]*Stats, len(branches)),
	}
	for _, b := range branches {
		e.branches[b.Kind()] = b
		e.stats[b.Kind()] = newStats()
	}
	return e
}

func (e *Engine) SetParams(p *protocol.Params) { e.params = p }

func (e *Engine) branch(kind protocol.CollateralKind) (*vault.Branch, error) {
	b, ok := e.branches[kind]
	if !ok {
		return nil, fmt.Errorf("liquidation: %s: %w", kind, protocol.ErrUnsupportedCollateral)
	}
	return b, nil
}

// batchState tracks branch and pool totals as the plan consumes them.
type batchState struct {
	coll *uint256.Int
	debt *uint256.Int
	pool *uint256.Int
}

// PlanLiquidate plans a single liquidation. Any reason the vault cannot be
// liquidated is returned as an error.
func (e *Engine) PlanLiquidate(kind protocol.CollateralKind, id uint64, liquidator protocol.Address, quote oracle.PriceQuote, now int64) (*Plan, error) {
	plan, err := e.PlanBatch(kind, []uint64{id}, 1, liquidator, quote, now)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanBatch plans ids in caller order, up to maxCount, at one price.
// Unknown or healthy vaults are skipped; the batch stops at the first vault
// the pool cannot cover.
func (e *Engine) PlanBatch(kind protocol.CollateralKind, ids []uint64, maxCount int, liquidator protocol.Address, quote oracle.PriceQuote, now int64) (*Plan, error) {
	b, err := e.branch(kind)
	if err != nil {
		return nil, err
	}
	if err := e.oracle.Guard(); err != nil {
		return nil, fmt.Errorf("liquidate: %w", err)
	}
	if quote.Kind != kind {
		return nil, fmt.Errorf("liquidate: quote for %s: %w", quote.Kind, protocol.ErrUnsupportedCollateral)
	}
	if !quote.OK() {
		return nil, fmt.Errorf("liquidate: %w", quote.Err())
	}
	if maxCount <= 0 || maxCount > len(ids) {
		maxCount = len(ids)
	}

	plan := &Plan{Kind: kind, Liquidator: liquidator, Quote: quote}
	st := &batchState{coll: b.TotalCollateral(), debt: b.TotalDebt(), pool: e.pool.TotalDeposits()}
	seen := make(map[uint64]bool, maxCount)
	var lastErr error

	for _, id := range ids[:maxCount] {
		if seen[id] {
			plan.Skipped = append(plan.Skipped, Skip{VaultID: id, Reason: "duplicate"})
			continue
		}
		seen[id] = true

		liq, err := e.planOne(b, id, quote.Price, st, now)
		switch {
		case err == nil:
			plan.Liquidations = append(plan.Liquidations, liq)
		case errors.Is(err, protocol.ErrInsufficientPoolBalance):
			plan.Stopped = true
			lastErr = err
		default:
			plan.Skipped = append(plan.Skipped, Skip{VaultID: id, Reason: err.Error()})
			lastErr = err
		}
		if plan.Stopped {
			break
		}
	}

	if len(plan.Liquidations) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("liquidate: empty batch: %w", protocol.ErrNotLiquidatable)
		}
		return nil, lastErr
	}
	return plan, nil
}

func (e *Engine) planOne(b *vault.Branch, id uint64, price *uint256.Int, st *batchState, now int64) (*Liquidation, error) {
	stored, err := b.Vault(id)
	if err != nil {
		return nil, err
	}
	v, interest, err := stored.Accrued(now)
	if err != nil {
		return nil, err
	}

	icr, err := b.ICR(v, price)
	if err != nil {
		return nil, err
	}
	tcr, err := e.params.Units.CollateralRatio(st.coll, st.debt, price)
	if err != nil {
		return nil, err
	}
	threshold := e.params.MCRBps
	if tcr < e.params.CCRBps {
		threshold = e.params.CCRBps
	}
	if icr >= threshold {
		return nil, fmt.Errorf("vault %d icr %d bps >= %d bps: %w", id, icr, threshold, protocol.ErrNotLiquidatable)
	}
	if st.pool.IsZero() || v.Debt.Gt(st.pool) {
		return nil, fmt.Errorf("vault %d debt %s, pool %s: %w", id, v.Debt.Dec(), st.pool.Dec(), protocol.ErrInsufficientPoolBalance)
	}

	liq, err := e.split(v, price)
	if err != nil {
		return nil, err
	}
	liq.ICR = icr
	ch := vault.NewChange(vault.OpLiquidate, b.Kind(), id, stored.Owner)
	ch.Before = stored
	ch.Interest = interest
	ch.CollateralOut = liq.Surplus.Clone()
	ch.DebtCancelled = v.Debt.Clone()
	ch.Drawn = liq.Seized.Clone()
	ch.ICR = icr
	liq.Change = ch

	st.coll = fpmath.SaturatingSub(st.coll, stored.Collateral)
	st.debt = fpmath.SaturatingSub(st.debt, stored.Debt)
	st.pool = new(uint256.Int).Sub(st.pool, v.Debt)
	return liq, nil
}

// split divides a vault's collateral between pool, liquidator and owner.
func (e *Engine) split(v *vault.Vault, price *uint256.Int) (*Liquidation, error) {
	units := e.params.Units

	owed, err := fpmath.Bps(v.Debt, fpmath.BasisPoints+e.params.LiquidationPenaltyBps, e.params.Rounding.Inbound)
	if err != nil {
		return nil, err
	}
	seize, err := units.CollateralFor(owed, price, e.params.Rounding.Inbound)
	if err != nil {
		return nil, err
	}
	seize = fpmath.Min(seize, v.Collateral)

	gas, err := units.CollateralFor(e.params.GasCompensation, price, e.params.Rounding.Outbound)
	if err != nil {
		return nil, err
	}
	if gas.Gt(seize) {
		if gas, err = fpmath.Bps(seize, e.params.GasCompensationFallbackBps, e.params.Rounding.Outbound); err != nil {
			return nil, err
		}
	}

	return &Liquidation{
		Kind:            v.Kind,
		VaultID:         v.ID,
		Owner:           v.Owner,
		Debt:            v.Debt.Clone(),
		Collateral:      v.Collateral.Clone(),
		Seized:          seize,
		GasCompensation: gas,
		ToPool:          new(uint256.Int).Sub(seize, gas),
		Surplus:         new(uint256.Int).Sub(v.Collateral, seize),
	}, nil
}

// Commit applies a plan. The plan must have been computed against the
// current state; an error here means the pool and the plan disagree.
func (e *Engine) Commit(plan *Plan) error {
	b, err := e.branch(plan.Kind)
	if err != nil {
		return err
	}
	stats := e.stats[plan.Kind]
	for _, l := range plan.Liquidations {
		if err := e.pool.Absorb(l.Debt, l.ToPool, plan.Kind); err != nil {
			return fmt.Errorf("commit liquidation of vault %d: %w", l.VaultID, err)
		}
		b.Apply(l.Change)
		stats.TotalLiquidations++
		stats.TotalDebtLiquidated = new(uint256.Int).Add(stats.TotalDebtLiquidated, l.Debt)
		stats.TotalCollateralSeized = new(uint256.Int).Add(stats.TotalCollateralSeized, l.Seized)
	}
	return nil
}

func (e *Engine) Liquidate(kind protocol.CollateralKind, id uint64, liquidator protocol.Address, quote oracle.PriceQuote, now int64) (*Plan, error) {
	plan, err := e.PlanLiquidate(kind, id, liquidator, quote, now)
	if err != nil {
		return nil, err
	}
	return plan, e.Commit(plan)
}

func (e *Engine) LiquidateBatch(kind protocol.CollateralKind, ids []uint64, maxCount int, liquidator protocol.Address, quote oracle.PriceQuote, now int64) (*Plan, error) {
	plan, err := e.PlanBatch(kind, ids, maxCount, liquidator, quote, now)
	if err != nil {
		return nil, err
	}
	return plan, e.Commit(plan)
}

// Candidates lists vaults currently below the liquidation threshold, in
// redemption order. Read-only; used by the keeper loop.
func (e *Engine) Candidates(kind protocol.CollateralKind, quote oracle.PriceQuote, now int64, limit int) ([]uint64, error) {
	b, err := e.branch(kind)
	if err != nil {
		return nil, err
	}
	if !quote.OK() {
		return nil, quote.Err()
	}
	recovery, err := b.RecoveryMode(quote.Price)
	if err != nil {
		return nil, err
	}
	threshold := e.params.MCRBps
	if recovery {
		threshold = e.params.CCRBps
	}

	var out []uint64
	var scanErr error
	b.AscendByRate(func(v *vault.Vault) bool {
		acc, _, err := v.Accrued(now)
		if err != nil {
			scanErr = err
			return false
		}
		icr, err := b.ICR(acc, quote.Price)
		if err != nil {
			scanErr = err
			return false
		}
		if icr < threshold {
			out = append(out, v.ID)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, scanErr
}

func (e *Engine) Stats(kind protocol.CollateralKind) Stats {
	s, ok := e.stats[kind]
	if !ok {
		return *newStats()
	}
	return Stats{
		TotalLiquidations:     s.TotalLiquidations,
		TotalDebtLiquidated:   s.TotalDebtLiquidated.Clone(),
		TotalCollateralSeized: s.TotalCollateralSeized.Clone(),
	}
}

func (e *Engine) RestoreStats(kind protocol.CollateralKind, s Stats) {
	e.stats[kind] = &Stats{
		TotalLiquidations:     s.TotalLiquidations,
		TotalDebtLiquidated:   fpmath.OrZero(s.TotalDebtLiquidated).Clone(),
		TotalCollateralSeized: fpmath.OrZero(s.TotalCollateralSeized).Clone(),
	}
}
