package ledger_test

import (
	"errors"
	"testing"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/treasury"
	"CDPLedger/internal/vault"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const now int64 = 1_700_000_000

func coll(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(9))
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(18))
}

func quoteAt(dollars uint64) oracle.PriceQuote {
	return oracle.PriceQuote{Kind: protocol.KindNative, Price: usd(dollars), Decimals: 18, Timestamp: now, Status: oracle.StatusOK}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := map[string]ledger.AccountKey{
		"system:vault:native":               ledger.VaultAccount(protocol.KindNative),
		"system:pool_stable:stable":         ledger.PoolStableAccount(),
		"system:pool_collateral:derivative": ledger.PoolCollateralAccount(protocol.KindDerivative),
		"system:treasury:stable":            ledger.TreasuryAccount(protocol.AssetStable),
		"external:users:native":             ledger.UsersAccount(protocol.CollateralAsset(protocol.KindNative)),
		"external:issuance:stable":          ledger.IssuanceAccount(),
	}
	for want, key := range cases {
		if got := key.AccountPath(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func journal(batchID uuid.UUID, debit, credit ledger.AccountKey, amount uint64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        uint256.NewInt(amount),
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.Balance(ledger.PoolStableAccount()).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()
	native := protocol.CollateralAsset(protocol.KindNative)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			journal(batchID, ledger.VaultAccount(protocol.KindNative), ledger.UsersAccount(native), 500),
			journal(batchID, ledger.UsersAccount(native), ledger.VaultAccount(protocol.KindNative), 200),
		},
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.Balance(ledger.VaultAccount(protocol.KindNative)).Uint64(); got != 300 {
		t.Errorf("vault: got %d, want 300", got)
	}
	if got := bt.Liability(ledger.UsersAccount(native)).Uint64(); got != 300 {
		t.Errorf("users: got %d, want 300 net outflow", got)
	}
}

func TestBalanceTracker_OverdraftRejectsWholeBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()
	native := protocol.CollateralAsset(protocol.KindNative)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			journal(batchID, ledger.VaultAccount(protocol.KindNative), ledger.UsersAccount(native), 100),
			journal(batchID, ledger.UsersAccount(native), ledger.VaultAccount(protocol.KindNative), 101),
		},
	}
	err := bt.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrOverdraft) {
		t.Fatalf("expected overdraft, got %v", err)
	}
	if !bt.Balance(ledger.VaultAccount(protocol.KindNative)).IsZero() {
		t.Error("a rejected batch must not apply its first leg")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(journal(uuid.New(), ledger.PoolStableAccount(), ledger.UsersAccount(protocol.AssetStable), 999))

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot rows: got %d, want 2", len(snap))
	}

	// mutating the snapshot does not leak into the tracker
	snap[1].Debits.SetUint64(0)
	if bt.Balance(ledger.PoolStableAccount()).Uint64() != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.RestoreBalanceTracker(bt.Snapshot())
	if !restored.Balance(ledger.PoolStableAccount()).Eq(bt.Balance(ledger.PoolStableAccount())) {
		t.Error("restore lost the pool balance")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate(t *testing.T) {
	batchID := uuid.New()
	stable := ledger.PoolStableAccount()
	users := ledger.UsersAccount(protocol.AssetStable)

	zero := journal(batchID, stable, users, 0)
	self := journal(batchID, stable, stable, 1)
	foreign := journal(uuid.New(), stable, users, 1)
	mixed := journal(batchID, stable, ledger.UsersAccount(protocol.CollateralAsset(protocol.KindNative)), 1)
	nilAmount := journal(batchID, stable, users, 1)
	nilAmount.Amount = nil

	cases := []struct {
		name string
		j    ledger.Journal
	}{
		{"zero amount", zero},
		{"nil amount", nilAmount},
		{"self transfer", self},
		{"mismatched batch id", foreign},
		{"mixed assets", mixed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{tc.j}}
			if err := b.Validate(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}

	ok := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{journal(batchID, stable, users, 1)}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid batch should pass: %v", err)
	}
	if err := (&ledger.Batch{BatchID: batchID}).Validate(); err != nil {
		t.Errorf("empty batch moves nothing and is valid: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator against real subsystem plans
// ============================================================================

type world struct {
	params   *protocol.Params
	branch   *vault.Branch
	pool     *stability.Pool
	liq      *liquidation.Engine
	treasury *treasury.Treasury
	tracker  *ledger.BalanceTracker
	seq      uint64
}

func newWorld() *world {
	p := protocol.DefaultParams()
	state := oracle.NewState()
	branch := vault.NewBranch(protocol.KindNative, &p, state)
	pool := stability.NewPool(&p, state)
	return &world{
		params:   &p,
		branch:   branch,
		pool:     pool,
		liq:      liquidation.New(&p, state, pool, branch),
		treasury: treasury.New(protocol.NewAdminSet("admin")),
		tracker:  ledger.NewBalanceTracker(),
	}
}

func (w *world) book(t *testing.T, fill func(g *ledger.JournalGenerator)) {
	t.Helper()
	w.seq++
	g := ledger.NewBatch("cmd", w.seq, now)
	fill(g)
	if err := w.tracker.ApplyBatch(g.Batch()); err != nil {
		t.Fatalf("apply batch %d: %v", w.seq, err)
	}
}

func (w *world) aggregates() ledger.Aggregates {
	return ledger.Aggregates{
		VaultCollateral: map[protocol.CollateralKind]*uint256.Int{protocol.KindNative: w.branch.TotalCollateral()},
		TotalDebt:       w.branch.TotalDebt(),
		PoolStable:      w.pool.StableHeld(),
		PoolCollateral:  map[protocol.CollateralKind]*uint256.Int{protocol.KindNative: w.pool.Collateral(protocol.KindNative)},
		Treasury:        w.treasury.Balances(),
	}
}

func TestGenerator_CustodyFollowsProtocolState(t *testing.T) {
	w := newWorld()
	v := ledger.NewInvariantValidator(w.tracker)

	for _, o := range []struct {
		owner protocol.Address
		c, d  uint64
	}{{"alice", 3, 4_000}, {"bob", 2, 2_000}} {
		ch, err := w.branch.Open(o.owner, coll(o.c), usd(o.d), 0, quoteAt(2000), now)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		w.book(t, func(g *ledger.JournalGenerator) { g.VaultChange(ch) })
	}

	// bob puts his stablecoin into the pool
	m, err := w.pool.Deposit("bob", usd(2_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	w.book(t, func(g *ledger.JournalGenerator) { g.PoolMovement(m) })

	// alice tops up
	m2, err := w.pool.Deposit("alice", usd(3_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	w.book(t, func(g *ledger.JournalGenerator) { g.PoolMovement(m2) })

	if err := v.ValidateCustody(w.aggregates()); err != nil {
		t.Fatalf("before liquidation: %v", err)
	}

	plan, err := w.liq.Liquidate(protocol.KindNative, 1, "keeper", quoteAt(1700), now)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	w.book(t, func(g *ledger.JournalGenerator) {
		for _, l := range plan.Liquidations {
			g.Liquidation(l, plan.Liquidator)
		}
	})

	if err := v.ValidateCustody(w.aggregates()); err != nil {
		t.Fatalf("after liquidation: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Fatalf("global balance: %v", err)
	}

	// the keeper received gas compensation, alice her surplus
	l := plan.Liquidations[0]
	paid := new(uint256.Int).Add(l.GasCompensation, l.Surplus)
	native := protocol.CollateralAsset(protocol.KindNative)
	if got := w.tracker.Debits(ledger.UsersAccount(native)); !got.Eq(paid) {
		t.Errorf("collateral paid out: got %s, want %s", got.Dec(), paid.Dec())
	}

	// a stale aggregate is caught
	bad := w.aggregates()
	bad.PoolStable = new(uint256.Int).AddUint64(bad.PoolStable, 1)
	if err := v.ValidateCustody(bad); !errors.Is(err, ledger.ErrCustodyMismatch) {
		t.Errorf("expected custody mismatch, got %v", err)
	}
}

func TestGenerator_InterestAndTreasuryWithdrawal(t *testing.T) {
	w := newWorld()
	v := ledger.NewInvariantValidator(w.tracker)

	ch, err := w.branch.Open("alice", coll(10), usd(10_000), 1_000, quoteAt(2000), now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.book(t, func(g *ledger.JournalGenerator) { g.VaultChange(ch) })

	// a year later, repay a little; 10% interest has accrued
	repay, err := w.branch.Adjust("alice", ch.VaultID, vault.Adjustment{DebtRepay: usd(1)}, quoteAt(2000), now+31_536_000)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if repay.Interest.Cmp(usd(1_000)) != 0 {
		t.Fatalf("interest: got %s", repay.Interest.Dec())
	}
	w.treasury.RecordInterest(protocol.KindNative, repay.Interest)
	w.book(t, func(g *ledger.JournalGenerator) { g.VaultChange(repay) })

	if err := v.ValidateCustody(w.aggregates()); err != nil {
		t.Fatalf("after interest: %v", err)
	}

	wd, err := w.treasury.PlanWithdraw("admin", protocol.AssetStable, usd(400), "ops")
	if err != nil {
		t.Fatalf("plan withdraw: %v", err)
	}
	w.book(t, func(g *ledger.JournalGenerator) { g.TreasuryWithdrawal(wd) })
	w.treasury.Apply(wd)

	if err := v.ValidateCustody(w.aggregates()); err != nil {
		t.Fatalf("after withdrawal: %v", err)
	}
	if got := w.tracker.Liability(ledger.IssuanceAccount()); !got.Eq(usd(10_999)) {
		t.Errorf("issuance: got %s, want 10999", got.Dec())
	}
}

func TestGenerator_DeterministicIDs(t *testing.T) {
	a := ledger.NewBatch("ref-1", 7, now)
	b := ledger.NewBatch("ref-1", 7, now)
	c := ledger.NewBatch("ref-1", 8, now)
	if a.Batch().BatchID != b.Batch().BatchID {
		t.Error("same ref and sequence must give the same batch id")
	}
	if a.Batch().BatchID == c.Batch().BatchID {
		t.Error("different sequence must give a different batch id")
	}
	if !a.Batch().Empty() {
		t.Error("new batch should be empty")
	}
}
