package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/token"
	"CDPLedger/internal/treasury"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Settler moves real tokens for a journal batch and undoes what it did if a
// leg fails. token.Settler implements it.
type Settler interface {
	Settle(ctx context.Context, batch *ledger.Batch) ([]token.Leg, error)
}

// Config wires a Protocol to its collaborators. Only Params is required.
type Config struct {
	Params protocol.Params

	Feed       oracle.PriceFeed
	Rates      oracle.RateSource
	DirectFeed oracle.PriceFeed
	Authz      protocol.Authorizer

	// Settler is nil in ledger-only mode.
	Settler Settler

	DedupCapacity int
	DBChecker     DBIdempotencyChecker

	// Now bounds caller timestamps: a command stamped more than
	// MaxClockSkew ahead of it is rejected. Defaults to time.Now and
	// DefaultMaxClockSkew.
	Now          func() time.Time
	MaxClockSkew time.Duration

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// PersistChan receives every output (blocking send). PublishChan is
	// best effort.
	PersistChan chan<- CoreOutput
	PublishChan chan<- CoreOutput
}

// Protocol owns every subsystem and applies commands one at a time.
type Protocol struct {
	mu sync.Mutex

	cfg    Config
	params *protocol.Params

	oracleState  *oracle.State
	oracle       *oracle.Oracle
	branches     map[protocol.CollateralKind]*vault.Branch
	pool         *stability.Pool
	liquidations *liquidation.Engine
	redemptions  *redemption.Engine
	treasury     *treasury.Treasury

	tracker     *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	chain       *Chain
	idempotency *IdempotencyChecker

	sequence uint64
	clock    int64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New builds an empty protocol at genesis.
func New(cfg Config) (*Protocol, error) {
	params := cfg.Params.Clone()
	if err := protocol.ValidateParams(params); err != nil {
		return nil, err
	}
	state := oracle.NewState()
	branches := make([]*vault.Branch, 0, len(protocol.Kinds))
	for _, kind := range protocol.Kinds {
		branches = append(branches, vault.NewBranch(kind, params, state))
	}

	p := newProtocol(cfg)
	p.wire(params, state, stability.NewPool(params, state), branches)
	p.treasury = treasury.New(p.cfg.Authz)
	p.tracker = ledger.NewBalanceTracker()
	p.validator = ledger.NewInvariantValidator(p.tracker)
	p.observe()
	return p, nil
}

func newProtocol(cfg Config) *Protocol {
	if cfg.Authz == nil {
		cfg.Authz = protocol.DenyAll{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	return &Protocol{
		cfg:         cfg,
		chain:       NewChain(),
		idempotency: NewIdempotencyChecker(cfg.DedupCapacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// wire connects the subsystems that share the params and oracle state.
func (p *Protocol) wire(params *protocol.Params, state *oracle.State, pool *stability.Pool, branches []*vault.Branch) {
	p.params = params
	p.oracleState = state
	p.oracle = oracle.New(state, params, p.cfg.Feed, p.cfg.Rates, p.cfg.Authz)
	if p.cfg.DirectFeed != nil {
		p.oracle.SetDirectFeed(p.cfg.DirectFeed)
	}
	p.branches = make(map[protocol.CollateralKind]*vault.Branch, len(branches))
	for _, b := range branches {
		p.branches[b.Kind()] = b
	}
	p.pool = pool
	p.liquidations = liquidation.New(params, state, pool, branches...)
	p.redemptions = redemption.New(params, state, branches...)
}

func (p *Protocol) setParams(next *protocol.Params) {
	p.params = next
	p.oracle.SetParams(next)
	for _, b := range p.branches {
		b.SetParams(next)
	}
	p.pool.SetParams(next)
	p.liquidations.SetParams(next)
	p.redemptions.SetParams(next)
	if s, ok := p.cfg.Settler.(interface{ SetParams(*protocol.Params) }); ok {
		s.SetParams(next)
	}
}

func (p *Protocol) branch(kind protocol.CollateralKind) (*vault.Branch, error) {
	b, ok := p.branches[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, protocol.ErrUnsupportedCollateral)
	}
	return b, nil
}

func (p *Protocol) aggregates() ledger.Aggregates {
	a := ledger.Aggregates{
		VaultCollateral: make(map[protocol.CollateralKind]*uint256.Int, len(p.branches)),
		PoolCollateral:  make(map[protocol.CollateralKind]*uint256.Int, len(p.branches)),
		TotalDebt:       new(uint256.Int),
		PoolStable:      p.pool.StableHeld(),
		Treasury:        p.treasury.Balances(),
	}
	for kind, b := range p.branches {
		a.VaultCollateral[kind] = b.TotalCollateral()
		a.PoolCollateral[kind] = p.pool.Collateral(kind)
		a.TotalDebt.Add(a.TotalDebt, b.TotalDebt())
	}
	return a
}

func (p *Protocol) checkInvariants() error {
	if err := p.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return p.validator.ValidateCustody(p.aggregates())
}

// observe refreshes the state gauges.
func (p *Protocol) observe() {
	m := p.metrics
	if m == nil {
		return
	}
	units := p.params.Units
	for kind, b := range p.branches {
		k := kind.String()
		m.BranchCollateral.WithLabelValues(k).Set(observability.Units(b.TotalCollateral(), units.CollateralDecimals))
		m.BranchDebt.WithLabelValues(k).Set(observability.Units(b.TotalDebt(), units.DebtDecimals))
		m.VaultCount.WithLabelValues(k).Set(float64(b.VaultCount()))
		m.PoolCollateral.WithLabelValues(k).Set(observability.Units(p.pool.Collateral(kind), units.CollateralDecimals))
		if pp, ok := p.oracleState.LastGood(kind); ok {
			m.LastGoodPrice.WithLabelValues(k).Set(observability.Units(pp.Price, units.PriceDecimals))
		}
	}
	m.PoolDeposits.Set(observability.Units(p.pool.TotalDeposits(), units.DebtDecimals))
	if p.oracleState.SafeMode() {
		m.SafeMode.Set(1)
	} else {
		m.SafeMode.Set(0)
	}
	m.CoreSequence.Set(float64(p.sequence))
	m.DedupLRUSize.Set(float64(p.idempotency.lru.Size()))
}
