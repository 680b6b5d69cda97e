package stability

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

type Op string

const (
	OpDeposit  Op = "deposit"
	OpWithdraw Op = "withdraw"
	OpClaim    Op = "claim"
)

// Movement is a planned depositor interaction. The caller settles
// StableIn, StableOut and CollateralOut, then commits with Apply.
type Movement struct {
	Op        Op               `json:"op"`
	Depositor protocol.Address `json:"depositor"`
	// After is the record to store; nil removes the deposit.
	After *Deposit `json:"after,omitempty"`

	Compounded    *uint256.Int                             `json:"compounded"`
	StableIn      *uint256.Int                             `json:"stable_in"`
	StableOut     *uint256.Int                             `json:"stable_out"`
	CollateralOut map[protocol.CollateralKind]*uint256.Int `json:"collateral_out"`

	totalDeposits *uint256.Int
	dust          *uint256.Int
}

func (p *Pool) newMovement(op Op, depositor protocol.Address) *Movement {
	m := &Movement{
		Op:            op,
		Depositor:     depositor,
		Compounded:    fpmath.Zero(),
		StableIn:      fpmath.Zero(),
		StableOut:     fpmath.Zero(),
		CollateralOut: make(map[protocol.CollateralKind]*uint256.Int, len(protocol.Kinds)),
		totalDeposits: p.totalDeposits.Clone(),
		dust:          p.dust.Clone(),
	}
	for _, k := range protocol.Kinds {
		m.CollateralOut[k] = fpmath.Zero()
	}
	return m
}

// Apply commits a planned movement.
func (p *Pool) Apply(m *Movement) {
	if m.After != nil {
		p.deposits[m.Depositor] = m.After.Clone()
	} else {
		delete(p.deposits, m.Depositor)
	}
	for k, amt := range m.CollateralOut {
		p.collateral[k] = fpmath.SaturatingSub(p.Collateral(k), amt)
	}
	p.totalDeposits = m.totalDeposits.Clone()
	p.dust = m.dust.Clone()
}

// PlanDeposit adds amount to depositor's position. Allowed in safe mode;
// gains earned so far are parked rather than paid.
func (p *Pool) PlanDeposit(depositor protocol.Address, amount *uint256.Int) (*Movement, error) {
	if depositor == "" || amount == nil || amount.IsZero() || amount.Lt(p.params.MinDeposit) {
		return nil, fmt.Errorf("deposit %s: %w", fpmath.OrZero(amount).Dec(), protocol.ErrInvalidAmount)
	}

	m := p.newMovement(OpDeposit, depositor)
	after := &Deposit{
		Depositor:    depositor,
		Amount:       amount.Clone(),
		Snapshot:     p.currentSnapshot(),
		PendingGains: make(map[protocol.CollateralKind]*uint256.Int, len(protocol.Kinds)),
	}
	if d, ok := p.deposits[depositor]; ok {
		comp, err := p.CompoundedDeposit(d)
		if err != nil {
			return nil, fmt.Errorf("deposit: %w", err)
		}
		gains, err := p.totalGains(d)
		if err != nil {
			return nil, fmt.Errorf("deposit: %w", err)
		}
		m.Compounded = comp
		after.Amount.Add(after.Amount, comp)
		after.PendingGains = gains
	} else {
		for _, k := range protocol.Kinds {
			after.PendingGains[k] = fpmath.Zero()
		}
	}

	total, err := fpmath.Add(p.totalDeposits, amount)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	m.totalDeposits = total
	m.StableIn = amount.Clone()
	m.After = after
	return m, nil
}

func (p *Pool) Deposit(depositor protocol.Address, amount *uint256.Int) (*Movement, error) {
	m, err := p.PlanDeposit(depositor, amount)
	if err != nil {
		return nil, err
	}
	p.Apply(m)
	return m, nil
}

// PlanWithdraw takes amount out of the compounded deposit and pays every
// pending gain. Blocked in safe mode.
func (p *Pool) PlanWithdraw(depositor protocol.Address, amount *uint256.Int) (*Movement, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("withdraw: %w", protocol.ErrInvalidAmount)
	}
	if err := p.oracle.Guard(); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	d, ok := p.deposits[depositor]
	if !ok {
		return nil, fmt.Errorf("withdraw %s: %w", depositor, protocol.ErrDepositNotFound)
	}
	comp, err := p.CompoundedDeposit(d)
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	if amount.Gt(comp) {
		return nil, fmt.Errorf("withdraw %s of %s: %w", amount.Dec(), comp.Dec(), protocol.ErrInsufficientDeposit)
	}
	return p.payout(OpWithdraw, d, comp, amount)
}

func (p *Pool) Withdraw(depositor protocol.Address, amount *uint256.Int) (*Movement, error) {
	m, err := p.PlanWithdraw(depositor, amount)
	if err != nil {
		return nil, err
	}
	p.Apply(m)
	return m, nil
}

// PlanClaimGains pays pending gains without touching the deposit. Blocked
// in safe mode.
func (p *Pool) PlanClaimGains(depositor protocol.Address) (*Movement, error) {
	if err := p.oracle.Guard(); err != nil {
		return nil, fmt.Errorf("claim gains: %w", err)
	}
	d, ok := p.deposits[depositor]
	if !ok {
		return nil, fmt.Errorf("claim gains %s: %w", depositor, protocol.ErrDepositNotFound)
	}
	comp, err := p.CompoundedDeposit(d)
	if err != nil {
		return nil, fmt.Errorf("claim gains: %w", err)
	}
	return p.payout(OpClaim, d, comp, fpmath.Zero())
}

func (p *Pool) ClaimGains(depositor protocol.Address) (*Movement, error) {
	m, err := p.PlanClaimGains(depositor)
	if err != nil {
		return nil, err
	}
	p.Apply(m)
	return m, nil
}

// payout pays all gains and amount of stable, re-snapshotting what is left.
// The last depositor out sweeps rounding dust so the pool ends empty.
func (p *Pool) payout(op Op, d *Deposit, comp, amount *uint256.Int) (*Movement, error) {
	m := p.newMovement(op, d.Depositor)
	m.Compounded = comp

	gains, err := p.totalGains(d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for k, g := range gains {
		m.CollateralOut[k] = fpmath.Min(g, p.Collateral(k))
	}

	left := new(uint256.Int).Sub(comp, amount)
	m.StableOut = amount.Clone()
	m.totalDeposits = fpmath.SaturatingSub(p.totalDeposits, amount)

	if left.IsZero() {
		m.After = nil
		if len(p.deposits) == 1 {
			m.StableOut.Add(m.StableOut, m.totalDeposits)
			m.StableOut.Add(m.StableOut, p.dust)
			m.totalDeposits = fpmath.Zero()
			m.dust = fpmath.Zero()
			for _, k := range protocol.Kinds {
				m.CollateralOut[k] = p.Collateral(k)
			}
		}
		return m, nil
	}

	after := &Deposit{
		Depositor:    d.Depositor,
		Amount:       left,
		Snapshot:     p.currentSnapshot(),
		PendingGains: make(map[protocol.CollateralKind]*uint256.Int, len(protocol.Kinds)),
	}
	for _, k := range protocol.Kinds {
		after.PendingGains[k] = fpmath.Zero()
	}
	m.After = after
	return m, nil
}
