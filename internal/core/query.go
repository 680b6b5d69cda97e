package core

import (
	"context"

	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
)

// Reads take the same lock as Execute, so they observe whole commands only.
// Quotes here are read-only: they never update the oracle state.

type OracleView struct {
	SafeMode    bool                                          `json:"safe_mode"`
	Reason      *oracle.Status                                `json:"reason,omitempty"`
	TriggeredAt int64                                         `json:"triggered_at,omitempty"`
	LastGood    map[protocol.CollateralKind]oracle.PricePoint `json:"last_good"`
	Quotes      map[protocol.CollateralKind]oracle.PriceQuote `json:"quotes"`
}

func (p *Protocol) Oracle(ctx context.Context, now int64) OracleView {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := OracleView{
		SafeMode: p.oracleState.SafeMode(),
		LastGood: make(map[protocol.CollateralKind]oracle.PricePoint),
		Quotes:   make(map[protocol.CollateralKind]oracle.PriceQuote),
	}
	if v.SafeMode {
		r := p.oracleState.Reason()
		v.Reason = &r
		v.TriggeredAt = p.oracleState.TriggeredAt()
	}
	for _, kind := range protocol.Kinds {
		if pp, ok := p.oracleState.LastGood(kind); ok {
			v.LastGood[kind] = pp
		}
		v.Quotes[kind] = p.oracle.Quote(ctx, kind, now)
	}
	return v
}

type BranchView struct {
	vault.Status
	Quote        oracle.PriceQuote `json:"quote"`
	TCRBps       *uint64           `json:"tcr_bps,omitempty"`
	RecoveryMode bool              `json:"recovery_mode"`
	Liquidations liquidation.Stats `json:"liquidations"`
	Redemptions  redemption.Totals `json:"redemptions"`
	FeeBps       uint64            `json:"redemption_fee_bps"`
}

func (p *Protocol) Branch(ctx context.Context, kind protocol.CollateralKind, now int64) (*BranchView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.branch(kind)
	if err != nil {
		return nil, err
	}
	v := &BranchView{
		Status:       b.Status(),
		Quote:        p.oracle.Quote(ctx, kind, now),
		Liquidations: p.liquidations.Stats(kind),
		Redemptions:  p.redemptions.Totals(kind),
	}
	if v.Quote.OK() {
		tcr, err := b.TCR(v.Quote.Price)
		if err != nil {
			return nil, err
		}
		v.TCRBps = &tcr
		if v.RecoveryMode, err = b.RecoveryMode(v.Quote.Price); err != nil {
			return nil, err
		}
	}
	if v.FeeBps, err = p.redemptions.CurrentFeeBps(now); err != nil {
		return nil, err
	}
	return v, nil
}

type VaultView struct {
	// Vault carries the debt with interest accrued up to the query time.
	Vault    *vault.Vault      `json:"vault"`
	Interest *uint256.Int      `json:"pending_interest"`
	Quote    oracle.PriceQuote `json:"quote"`
	ICRBps   *uint64           `json:"icr_bps,omitempty"`
}

func (p *Protocol) Vault(ctx context.Context, kind protocol.CollateralKind, id uint64, now int64) (*VaultView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.branch(kind)
	if err != nil {
		return nil, err
	}
	acc, interest, err := b.Accrued(id, now)
	if err != nil {
		return nil, err
	}
	v := &VaultView{Vault: acc, Interest: interest, Quote: p.oracle.Quote(ctx, kind, now)}
	if v.Quote.OK() {
		icr, err := b.Health(id, v.Quote, now)
		if err != nil {
			return nil, err
		}
		v.ICRBps = &icr
	}
	return v, nil
}

func (p *Protocol) VaultsByOwner(kind protocol.CollateralKind, owner protocol.Address) ([]*vault.Vault, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.branch(kind)
	if err != nil {
		return nil, err
	}
	return b.VaultsByOwner(owner), nil
}

type PoolView struct {
	TotalDeposits *uint256.Int                             `json:"total_deposits"`
	Dust          *uint256.Int                             `json:"dust"`
	Depositors    int                                      `json:"depositors"`
	Collateral    map[protocol.CollateralKind]*uint256.Int `json:"collateral"`
}

func (p *Protocol) Pool() PoolView {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := PoolView{
		TotalDeposits: p.pool.TotalDeposits(),
		Dust:          p.pool.Dust(),
		Depositors:    p.pool.DepositorCount(),
		Collateral:    make(map[protocol.CollateralKind]*uint256.Int),
	}
	for _, kind := range protocol.Kinds {
		v.Collateral[kind] = p.pool.Collateral(kind)
	}
	return v
}

func (p *Protocol) PoolPosition(depositor protocol.Address) (*stability.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Position(depositor)
}

// RedemptionQuote previews a redemption at the current fee.
func (p *Protocol) RedemptionQuote(ctx context.Context, kind protocol.CollateralKind, amount *uint256.Int, now int64) (*redemption.RedemptionQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.branch(kind); err != nil {
		return nil, err
	}
	return p.redemptions.Quote(kind, amount, p.oracle.Quote(ctx, kind, now), now)
}

// LiquidationCandidates lists vaults a keeper could liquidate now.
func (p *Protocol) LiquidationCandidates(ctx context.Context, kind protocol.CollateralKind, now int64, limit int) ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liquidations.Candidates(kind, p.oracle.Quote(ctx, kind, now), now, limit)
}

func (p *Protocol) TreasuryBalances() map[protocol.Asset]*uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.treasury.Balances()
}

func (p *Protocol) Params() protocol.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.params.Clone()
}

// Head returns the last applied sequence and its state hash.
func (p *Protocol) Head() (uint64, [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence, p.chain.Tip()
}

// Clock is the timestamp of the last applied command.
func (p *Protocol) Clock() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock
}
