package redemption

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
)

// Request is a redemption as submitted. MaxIterations of zero means no
// limit; MinCollateralOut is optional slippage protection.
type Request struct {
	Redeemer         protocol.Address        `json:"redeemer"`
	Kind             protocol.CollateralKind `json:"kind"`
	Amount           *uint256.Int            `json:"amount"`
	MaxFeeBps        uint64                  `json:"max_fee_bps"`
	MaxIterations    int                     `json:"max_iterations"`
	MinCollateralOut *uint256.Int            `json:"min_collateral_out,omitempty"`
}

// Plan is a computed redemption. RedemptionQuote previews reuse it and are
// never committed.
type Plan struct {
	Request Request           `json:"request"`
	Quote   oracle.PriceQuote `json:"quote"`
	Changes []*vault.Change   `json:"changes"`

	Redeemed       *uint256.Int `json:"redeemed"`
	CollateralDraw *uint256.Int `json:"collateral_drawn"`
	FeeBps         uint64       `json:"fee_bps"`
	Fee            *uint256.Int `json:"fee"`
	CollateralOut  *uint256.Int `json:"collateral_out"`
	Visited        int          `json:"visited"`

	fee FeeState
}

// RedemptionQuote is the read-only preview of a redemption.
type RedemptionQuote struct {
	Kind          protocol.CollateralKind `json:"kind"`
	Redeemable    *uint256.Int            `json:"redeemable"`
	FeeBps        uint64                  `json:"fee_bps"`
	Fee           *uint256.Int            `json:"fee"`
	CollateralOut *uint256.Int            `json:"collateral_out"`
	Vaults        int                     `json:"vaults"`
}

type Totals struct {
	TotalRedeemed              *uint256.Int `json:"total_redeemed"`
	TotalCollateralDistributed *uint256.Int `json:"total_collateral_distributed"`
	TotalFeesCollected         *uint256.Int `json:"total_fees_collected"`
	TotalRedemptions           uint64       `json:"total_redemptions"`
	LastRedemptionTime         int64        `json:"last_redemption_time"`
}

func newTotals() *Totals {
	return &Totals{
		TotalRedeemed:              fpmath.Zero(),
		TotalCollateralDistributed: fpmath.Zero(),
		TotalFeesCollected:         fpmath.Zero(),
	}
}

func (t *Totals) clone() Totals {
	return Totals{
		TotalRedeemed:              fpmath.OrZero(t.TotalRedeemed).Clone(),
		TotalCollateralDistributed: fpmath.OrZero(t.TotalCollateralDistributed).Clone(),
		TotalFeesCollected:         fpmath.OrZero(t.TotalFeesCollected).Clone(),
		TotalRedemptions:           t.TotalRedemptions,
		LastRedemptionTime:         t.LastRedemptionTime,
	}
}

// Engine redeems stablecoin for collateral at par, lowest interest rate first.
type Engine struct {
	params   *protocol.Params
	oracle   *oracle.State
	branches map[protocol.CollateralKind]*vault.Branch
	fee      FeeState
	totals   map[protocol.CollateralKind]*Totals
}

func New(params *protocol.Params, state *oracle.State, branches ...*vault.Branch) *Engine {
	e := &Engine{
		params:   params,
		oracle:   state,
		branches: make(map[protocol.CollateralKind]*vault.Branch, len(branches)),
		fee:      newFeeState(),
		totals:   make(map[protocol.CollateralKind]*Totals, len(branches)),
	}
	for _, b := range branches {
		e.branches[b.Kind()] = b
		e.totals[b.Kind()] = newTotals()
	}
	return e
}

func (e *Engine) SetParams(p *protocol.Params) { e.params = p }

// Plan computes a redemption without applying it. Blocked in safe mode.
func (e *Engine) Plan(req Request, quote oracle.PriceQuote, now int64) (*Plan, error) {
	if err := e.oracle.Guard(); err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	plan, err := e.plan(req, quote, now)
	if err != nil {
		return nil, err
	}
	if plan.FeeBps > req.MaxFeeBps {
		return nil, fmt.Errorf("redeem: fee %d bps > max %d bps: %w", plan.FeeBps, req.MaxFeeBps, protocol.ErrFeeExceedsMax)
	}
	if req.MinCollateralOut != nil && plan.CollateralOut.Lt(req.MinCollateralOut) {
		return nil, fmt.Errorf("redeem: collateral out %s < min %s: %w",
			plan.CollateralOut.Dec(), req.MinCollateralOut.Dec(), protocol.ErrSlippageExceeded)
	}
	return plan, nil
}

// Quote previews a redemption of amount. Read-only.
func (e *Engine) Quote(kind protocol.CollateralKind, amount *uint256.Int, quote oracle.PriceQuote, now int64) (*RedemptionQuote, error) {
	plan, err := e.plan(Request{Kind: kind, Amount: amount}, quote, now)
	if err != nil {
		return nil, err
	}
	return &RedemptionQuote{
		Kind:          kind,
		Redeemable:    plan.Redeemed,
		FeeBps:        plan.FeeBps,
		Fee:           plan.Fee,
		CollateralOut: plan.CollateralOut,
		Vaults:        len(plan.Changes),
	}, nil
}

// CurrentFeeBps is the fee a vanishingly small redemption would pay now.
func (e *Engine) CurrentFeeBps(now int64) (uint64, error) {
	base, err := e.fee.decayed(&e.params.Redemption, now)
	if err != nil {
		return 0, err
	}
	return feeBps(&e.params.Redemption, base)
}

func (e *Engine) plan(req Request, quote oracle.PriceQuote, now int64) (*Plan, error) {
	b, ok := e.branches[req.Kind]
	if !ok {
		return nil, fmt.Errorf("redeem: %s: %w", req.Kind, protocol.ErrUnsupportedCollateral)
	}
	rp := &e.params.Redemption
	if req.Amount == nil || req.Amount.Lt(rp.MinRedemption) {
		return nil, fmt.Errorf("redeem: amount %s below minimum %s: %w",
			fpmath.OrZero(req.Amount).Dec(), rp.MinRedemption.Dec(), protocol.ErrInvalidAmount)
	}
	if quote.Kind != req.Kind {
		return nil, fmt.Errorf("redeem: quote for %s: %w", quote.Kind, protocol.ErrUnsupportedCollateral)
	}
	if !quote.OK() {
		return nil, fmt.Errorf("redeem: %w", quote.Err())
	}
	price := quote.Price

	plan := &Plan{
		Request:        req,
		Quote:          quote,
		Redeemed:       fpmath.Zero(),
		CollateralDraw: fpmath.Zero(),
	}
	remaining := req.Amount.Clone()
	var walkErr error

	b.AscendByRate(func(stored *vault.Vault) bool {
		if req.MaxIterations > 0 && plan.Visited >= req.MaxIterations {
			return false
		}
		plan.Visited++

		ch, err := e.redeemVault(b, stored, remaining, price, now)
		if err != nil {
			walkErr = err
			return false
		}
		if ch == nil {
			return true
		}
		plan.Changes = append(plan.Changes, ch)
		plan.Redeemed.Add(plan.Redeemed, ch.DebtCancelled)
		plan.CollateralDraw.Add(plan.CollateralDraw, ch.Drawn)
		remaining.Sub(remaining, ch.DebtCancelled)
		return !remaining.IsZero()
	})
	if walkErr != nil {
		return nil, fmt.Errorf("redeem: %w", walkErr)
	}
	if plan.Redeemed.IsZero() {
		return nil, fmt.Errorf("redeem %s from %s: %w", req.Amount.Dec(), req.Kind, protocol.ErrNothingToRedeem)
	}

	next, err := e.fee.next(rp, plan.Redeemed, b.TotalDebt(), now)
	if err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	plan.fee = next
	if plan.FeeBps, err = feeBps(rp, next.BaseRate); err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	if plan.Fee, err = fpmath.Bps(plan.CollateralDraw, plan.FeeBps, e.params.Rounding.Inbound); err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	plan.Fee = fpmath.Min(plan.Fee, plan.CollateralDraw)
	plan.CollateralOut = new(uint256.Int).Sub(plan.CollateralDraw, plan.Fee)
	return plan, nil
}

// redeemVault plans the draw on one vault, or returns nil to skip it.
// Vaults below MCR are left to liquidation; a partial draw never leaves
// debt under MinDebt. Residual collateral of a fully redeemed vault goes
// back to its owner through CollateralOut.
func (e *Engine) redeemVault(b *vault.Branch, stored *vault.Vault, remaining, price *uint256.Int, now int64) (*vault.Change, error) {
	v, interest, err := stored.Accrued(now)
	if err != nil {
		return nil, err
	}
	if v.Debt.IsZero() {
		return nil, nil
	}
	icr, err := b.ICR(v, price)
	if err != nil {
		return nil, err
	}
	if icr < e.params.MCRBps {
		return nil, nil
	}

	amount := fpmath.Min(remaining, v.Debt)
	if left := new(uint256.Int).Sub(v.Debt, amount); !left.IsZero() && left.Lt(e.params.MinDebt) {
		amount = fpmath.SaturatingSub(v.Debt, e.params.MinDebt)
	}
	if amount.IsZero() {
		return nil, nil
	}

	draw, err := e.params.Units.CollateralFor(amount, price, e.params.Rounding.Outbound)
	if err != nil {
		return nil, err
	}
	draw = fpmath.Min(draw, v.Collateral)

	ch := vault.NewChange(vault.OpRedeem, b.Kind(), v.ID, v.Owner)
	ch.Before = stored.Clone()
	ch.Interest = interest
	ch.DebtCancelled = amount
	ch.Drawn = draw
	ch.ICR = icr
	v.Debt = new(uint256.Int).Sub(v.Debt, amount)
	v.Collateral = new(uint256.Int).Sub(v.Collateral, draw)
	if v.Debt.IsZero() {
		ch.Op = vault.OpRedeemClosed
		ch.CollateralOut = v.Collateral.Clone()
		return ch, nil
	}
	ch.After = v
	return ch, nil
}

// Commit applies a plan computed against the current state.
func (e *Engine) Commit(plan *Plan, now int64) {
	b := e.branches[plan.Request.Kind]
	for _, ch := range plan.Changes {
		b.Apply(ch)
	}
	e.fee = plan.fee

	t := e.totals[plan.Request.Kind]
	t.TotalRedeemed = new(uint256.Int).Add(t.TotalRedeemed, plan.Redeemed)
	t.TotalCollateralDistributed = new(uint256.Int).Add(t.TotalCollateralDistributed, plan.CollateralOut)
	t.TotalFeesCollected = new(uint256.Int).Add(t.TotalFeesCollected, plan.Fee)
	t.TotalRedemptions++
	t.LastRedemptionTime = now
}

// Redeem plans and commits in one step.
func (e *Engine) Redeem(req Request, quote oracle.PriceQuote, now int64) (*Plan, error) {
	plan, err := e.Plan(req, quote, now)
	if err != nil {
		return nil, err
	}
	e.Commit(plan, now)
	return plan, nil
}

func (e *Engine) Totals(kind protocol.CollateralKind) Totals {
	t, ok := e.totals[kind]
	if !ok {
		return newTotals().clone()
	}
	return t.clone()
}

func (e *Engine) FeeState() FeeState {
	return FeeState{BaseRate: e.fee.BaseRate.Clone(), LastFeeOpTime: e.fee.LastFeeOpTime}
}

func (e *Engine) Restore(fee FeeState, totals map[protocol.CollateralKind]Totals) {
	e.fee = FeeState{BaseRate: fpmath.OrZero(fee.BaseRate).Clone(), LastFeeOpTime: fee.LastFeeOpTime}
	for k, t := range totals {
		c := t.clone()
		e.totals[k] = &c
	}
}
