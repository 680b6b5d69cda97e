package stability

import (
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// ScaleFactor rescales P when it would fall below it; one scale step
// divides every older snapshot's compounded value by it.
var ScaleFactor = uint256.NewInt(1_000_000_000)

// Snapshot is a depositor's view of the accumulators at their last interaction.
type Snapshot struct {
	P     *uint256.Int                             `json:"p"`
	S     map[protocol.CollateralKind]*uint256.Int `json:"s"`
	Epoch uint64                                   `json:"epoch"`
	Scale uint64                                   `json:"scale"`
}

// Deposit is one depositor's position. Amount is the value at the time of
// Snapshot; the current value is derived lazily from P.
type Deposit struct {
	Depositor    protocol.Address                         `json:"depositor"`
	Amount       *uint256.Int                             `json:"amount"`
	Snapshot     Snapshot                                 `json:"snapshot"`
	PendingGains map[protocol.CollateralKind]*uint256.Int `json:"pending_gains"`
}

func (d *Deposit) Clone() *Deposit {
	c := &Deposit{
		Depositor:    d.Depositor,
		Amount:       d.Amount.Clone(),
		Snapshot:     Snapshot{P: d.Snapshot.P.Clone(), Epoch: d.Snapshot.Epoch, Scale: d.Snapshot.Scale},
		PendingGains: make(map[protocol.CollateralKind]*uint256.Int, len(d.PendingGains)),
	}
	c.Snapshot.S = make(map[protocol.CollateralKind]*uint256.Int, len(d.Snapshot.S))
	for k, v := range d.Snapshot.S {
		c.Snapshot.S[k] = v.Clone()
	}
	for k, v := range d.PendingGains {
		c.PendingGains[k] = v.Clone()
	}
	return c
}

type sumKey struct {
	Epoch uint64
	Scale uint64
	Kind  protocol.CollateralKind
}

// Pool is the stability pool. Liquidations cost O(1) regardless of the
// number of depositors: absorb only touches P, S, epoch and scale.
type Pool struct {
	params *protocol.Params
	oracle *oracle.State

	deposits      map[protocol.Address]*Deposit
	totalDeposits *uint256.Int
	// stable the pool holds but owes nobody, left by near-total offsets
	dust *uint256.Int

	p     *uint256.Int
	epoch uint64
	scale uint64
	sums  map[sumKey]*uint256.Int

	collateral map[protocol.CollateralKind]*uint256.Int
}

func NewPool(params *protocol.Params, state *oracle.State) *Pool {
	pool := &Pool{
		params:        params,
		oracle:        state,
		deposits:      make(map[protocol.Address]*Deposit),
		totalDeposits: fpmath.Zero(),
		dust:          fpmath.Zero(),
		p:             fpmath.WAD.Clone(),
		sums:          make(map[sumKey]*uint256.Int),
		collateral:    make(map[protocol.CollateralKind]*uint256.Int),
	}
	for _, k := range protocol.Kinds {
		pool.collateral[k] = fpmath.Zero()
	}
	return pool
}

func (p *Pool) SetParams(params *protocol.Params) { p.params = params }

func (p *Pool) TotalDeposits() *uint256.Int { return p.totalDeposits.Clone() }
func (p *Pool) Dust() *uint256.Int          { return p.dust.Clone() }
func (p *Pool) DepositorCount() int         { return len(p.deposits) }
func (p *Pool) P() *uint256.Int             { return p.p.Clone() }
func (p *Pool) Epoch() uint64               { return p.epoch }
func (p *Pool) Scale() uint64               { return p.scale }

// Collateral is the collateral of kind held for depositors.
func (p *Pool) Collateral(kind protocol.CollateralKind) *uint256.Int {
	return fpmath.OrZero(p.collateral[kind]).Clone()
}

// StableHeld is what the pool custody account should hold.
func (p *Pool) StableHeld() *uint256.Int {
	return new(uint256.Int).Add(p.totalDeposits, p.dust)
}

func (p *Pool) sum(epoch, scale uint64, kind protocol.CollateralKind) *uint256.Int {
	if s, ok := p.sums[sumKey{Epoch: epoch, Scale: scale, Kind: kind}]; ok {
		return s
	}
	return fpmath.Zero()
}

func (p *Pool) currentSnapshot() Snapshot {
	s := Snapshot{
		P:     p.p.Clone(),
		S:     make(map[protocol.CollateralKind]*uint256.Int, len(protocol.Kinds)),
		Epoch: p.epoch,
		Scale: p.scale,
	}
	for _, k := range protocol.Kinds {
		s.S[k] = p.sum(p.epoch, p.scale, k).Clone()
	}
	return s
}

// Absorb offsets debt against the pool and distributes coll of kind to
// depositors pro rata. Only the liquidation engine calls it.
func (p *Pool) Absorb(debt, coll *uint256.Int, kind protocol.CollateralKind) error {
	total := p.totalDeposits
	if total.IsZero() || debt.Gt(total) {
		return fmt.Errorf("absorb %s against %s: %w", debt.Dec(), total.Dec(), protocol.ErrInsufficientPoolBalance)
	}

	// S[epoch][scale][kind] += coll * P * 1e18 / total
	marginal, err := fpmath.Ratio([]*uint256.Int{coll, p.p, fpmath.WAD}, []*uint256.Int{total}, fpmath.RoundDown)
	if err != nil {
		return fmt.Errorf("absorb: %w", err)
	}
	key := sumKey{Epoch: p.epoch, Scale: p.scale, Kind: kind}
	s, err := fpmath.Add(p.sum(p.epoch, p.scale, kind), marginal)
	if err != nil {
		return fmt.Errorf("absorb: %w", err)
	}

	remaining := new(uint256.Int).Sub(total, debt)
	newP, newScale, depleted, err := p.nextProduct(remaining, total)
	if err != nil {
		return fmt.Errorf("absorb: %w", err)
	}

	p.sums[key] = s
	p.collateral[kind] = new(uint256.Int).Add(p.Collateral(kind), coll)
	if depleted {
		p.epoch++
		p.scale = 0
		p.p = fpmath.WAD.Clone()
		p.dust = new(uint256.Int).Add(p.dust, remaining)
		p.totalDeposits = fpmath.Zero()
		return nil
	}
	p.p = newP
	p.scale = newScale
	p.totalDeposits = remaining
	return nil
}

// nextProduct computes P * remaining / total, rescaling when P would drop
// below ScaleFactor. A product that rounds to zero counts as depletion.
func (p *Pool) nextProduct(remaining, total *uint256.Int) (*uint256.Int, uint64, bool, error) {
	if remaining.IsZero() {
		return nil, 0, true, nil
	}
	newP, err := fpmath.MulDiv(p.p, remaining, total, fpmath.RoundDown)
	if err != nil {
		return nil, 0, false, err
	}
	if !newP.Lt(ScaleFactor) {
		return newP, p.scale, false, nil
	}
	newP, err = fpmath.Ratio([]*uint256.Int{p.p, remaining, ScaleFactor}, []*uint256.Int{total}, fpmath.RoundDown)
	if err != nil {
		return nil, 0, false, err
	}
	if newP.IsZero() {
		return nil, 0, true, nil
	}
	return newP, p.scale + 1, false, nil
}

// CompoundedDeposit is d's current value after the losses absorbed since
// its snapshot.
func (p *Pool) CompoundedDeposit(d *Deposit) (*uint256.Int, error) {
	if d.Amount.IsZero() || d.Snapshot.Epoch < p.epoch {
		return fpmath.Zero(), nil
	}
	switch p.scale - d.Snapshot.Scale {
	case 0:
		return fpmath.MulDiv(d.Amount, p.p, d.Snapshot.P, fpmath.RoundDown)
	case 1:
		return fpmath.Ratio([]*uint256.Int{d.Amount, p.p}, []*uint256.Int{d.Snapshot.P, ScaleFactor}, fpmath.RoundDown)
	default:
		return fpmath.Zero(), nil
	}
}

// Gain is the collateral of kind d earned since its snapshot, excluding
// anything already parked in PendingGains.
func (p *Pool) Gain(d *Deposit, kind protocol.CollateralKind) (*uint256.Int, error) {
	if d.Amount.IsZero() {
		return fpmath.Zero(), nil
	}
	e0, s0 := d.Snapshot.Epoch, d.Snapshot.Scale
	first := fpmath.SaturatingSub(p.sum(e0, s0, kind), fpmath.OrZero(d.Snapshot.S[kind]))
	second := new(uint256.Int).Div(p.sum(e0, s0+1, kind), ScaleFactor)
	delta, err := fpmath.Add(first, second)
	if err != nil {
		return nil, err
	}
	return fpmath.Ratio([]*uint256.Int{d.Amount, delta}, []*uint256.Int{d.Snapshot.P, fpmath.WAD}, fpmath.RoundDown)
}

// Position is the read-only view of a depositor.
type Position struct {
	Depositor  protocol.Address                         `json:"depositor"`
	Deposit    *uint256.Int                             `json:"deposit"`
	Compounded *uint256.Int                             `json:"compounded"`
	Gains      map[protocol.CollateralKind]*uint256.Int `json:"gains"`
}

func (p *Pool) Position(depositor protocol.Address) (*Position, error) {
	d, ok := p.deposits[depositor]
	if !ok {
		return nil, fmt.Errorf("%s: %w", depositor, protocol.ErrDepositNotFound)
	}
	comp, err := p.CompoundedDeposit(d)
	if err != nil {
		return nil, err
	}
	gains, err := p.totalGains(d)
	if err != nil {
		return nil, err
	}
	return &Position{Depositor: depositor, Deposit: d.Amount.Clone(), Compounded: comp, Gains: gains}, nil
}

// totalGains is parked plus newly earned gains per kind.
func (p *Pool) totalGains(d *Deposit) (map[protocol.CollateralKind]*uint256.Int, error) {
	out := make(map[protocol.CollateralKind]*uint256.Int, len(protocol.Kinds))
	for _, k := range protocol.Kinds {
		g, err := p.Gain(d, k)
		if err != nil {
			return nil, err
		}
		out[k] = new(uint256.Int).Add(g, fpmath.OrZero(d.PendingGains[k]))
	}
	return out, nil
}

// Depositors lists depositors in a stable order.
func (p *Pool) Depositors() []protocol.Address {
	out := make([]protocol.Address, 0, len(p.deposits))
	for a := range p.deposits {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
