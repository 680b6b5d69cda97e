package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/feed"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/token"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	custody protocol.Address = "protocol"
	admin   protocol.Address = "admin"
	t0      int64            = 1_700_000_000

	// wall is the server time the harness core checks stamps against.
	wall int64 = t0 + 2*int64(fpmath.SecondsPerYear)
)

var nativeAsset = protocol.CollateralAsset(protocol.KindNative)

func coll(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(9))
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(18))
}

// testParams raises the oracle ceiling so the fixture asset can trade in
// the thousands. The default ceiling of 1000 fits the native asset.
func testParams() protocol.Params {
	p := protocol.DefaultParams()
	p.Oracle.MaxPrice = usd(1_000_000)
	return p
}

type harness struct {
	p       *core.Protocol
	cfg     core.Config
	feed    *feed.Manual
	stable  *token.Memory
	native  *token.Memory
	persist chan core.CoreOutput
	seq     int
}

// newHarness wires a protocol to in-memory tokens and a manual feed priced
// at 2000 per native unit. Token decimals equal the internal ones.
func newHarness(t *testing.T) *harness {
	t.Helper()
	params := testParams()
	f := feed.NewManual(18)
	f.SetPrice(protocol.KindNative, usd(2000), t0)

	stable := token.NewMemory(protocol.AssetStable, custody)
	native := token.NewMemory(nativeAsset, custody)
	derivative := token.NewMemory(protocol.CollateralAsset(protocol.KindDerivative), custody)
	settler := token.NewSettler(stable, map[protocol.CollateralKind]token.Adapter{
		protocol.KindNative:     native,
		protocol.KindDerivative: derivative,
	}, custody, nil, &params, zerolog.Nop())

	persist := make(chan core.CoreOutput, 256)
	cfg := core.Config{
		Params:      params,
		Now:         func() time.Time { return time.Unix(wall, 0) },
		Feed:        f,
		Authz:       protocol.NewAdminSet(admin),
		Settler:     settler,
		Logger:      zerolog.Nop(),
		PersistChan: persist,
	}
	p, err := core.New(cfg)
	if err != nil {
		t.Fatalf("new protocol: %v", err)
	}
	return &harness{p: p, cfg: cfg, feed: f, stable: stable, native: native, persist: persist}
}

func (h *harness) header(caller protocol.Address) event.Header {
	h.seq++
	return event.Header{RequestID: fmt.Sprintf("req-%d", h.seq), Caller: caller, Timestamp: t0 + int64(h.seq)}
}

func (h *harness) mustExecute(t *testing.T, cmd event.Command) *core.Result {
	t.Helper()
	res, err := h.p.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.CommandType(), err)
	}
	return res
}

func (h *harness) open(t *testing.T, owner protocol.Address, c, d uint64, rate uint32) {
	t.Helper()
	h.native.Fund(owner, coll(c))
	h.mustExecute(t, &event.OpenVault{Header: h.header(owner), Kind: protocol.KindNative, Collateral: coll(c), Debt: usd(d), RateBps: rate})
}

func (h *harness) deposit(t *testing.T, who protocol.Address, amount uint64) {
	t.Helper()
	h.mustExecute(t, &event.PoolDeposit{Header: h.header(who), Amount: usd(amount)})
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func balance(t *testing.T, m *token.Memory, who protocol.Address) *uint256.Int {
	t.Helper()
	b, err := m.BalanceExternal(context.Background(), who)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// ===========================================================================
// Lifecycle
// ===========================================================================

func TestOpenDepositLiquidate_TokensFollowLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t, "alice", 3, 4_000, 0)
	h.open(t, "bob", 2, 2_000, 0)
	h.deposit(t, "bob", 2_000)
	h.deposit(t, "alice", 3_000)

	if got := balance(t, h.native, custody); !got.Eq(coll(5)) {
		t.Fatalf("custody holds %s, want 5 native", got.Dec())
	}

	// TCR (5*1700)/6000 is below CCR: alice's 127% vault goes.
	h.feed.SetPrice(protocol.KindNative, usd(1700), t0+10)
	res := h.mustExecute(t, &event.Liquidate{Header: h.header("keeper"), Kind: protocol.KindNative, VaultID: 1})

	if len(res.Events) != 1 || res.Events[0].Type != event.EventVaultLiquidated {
		t.Fatalf("events: %+v", res.Events)
	}
	if res.Quote == nil || !res.Quote.OK() {
		t.Fatalf("liquidation must record the quote it used: %+v", res.Quote)
	}

	br, err := h.p.Branch(ctx, protocol.KindNative, t0+10)
	if err != nil {
		t.Fatal(err)
	}
	if br.VaultCount != 1 || !br.TotalDebt.Eq(usd(2_000)) {
		t.Errorf("branch after liquidation: %d vaults, debt %s", br.VaultCount, br.TotalDebt.Dec())
	}
	if br.Liquidations.TotalLiquidations != 1 {
		t.Errorf("stats: %+v", br.Liquidations)
	}

	pool := h.p.Pool()
	if !pool.TotalDeposits.Eq(usd(1_000)) {
		t.Errorf("pool deposits %s, want 1000", pool.TotalDeposits.Dec())
	}

	// outstanding stablecoin equals branch debt once the offset is burned
	if !h.stable.Supply().Eq(br.TotalDebt) {
		t.Errorf("supply %s != debt %s", h.stable.Supply().Dec(), br.TotalDebt.Dec())
	}
	// collateral in custody equals what the vaults and the pool account for
	want := new(uint256.Int).Add(br.TotalCollateral, pool.Collateral[protocol.KindNative])
	if got := balance(t, h.native, custody); !got.Eq(want) {
		t.Errorf("custody %s != vaults+pool %s", got.Dec(), want.Dec())
	}
	if balance(t, h.native, "keeper").IsZero() {
		t.Error("liquidator received no gas compensation")
	}
	if balance(t, h.native, "alice").IsZero() {
		t.Error("owner received no surplus")
	}

	if got := len(drainOutputs(h.persist)); got != 5 {
		t.Errorf("persisted %d outputs, want 5", got)
	}
}

func TestRedeem_LowestRateFirst(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 3, 4_000, 0)
	h.open(t, "bob", 2, 2_000, 500)

	res := h.mustExecute(t, &event.Redeem{
		Header:    h.header("bob"),
		Kind:      protocol.KindNative,
		Amount:    usd(1_000),
		MaxFeeBps: 500,
	})
	if len(res.Events) != 1 || res.Events[0].Type != event.EventRedemption {
		t.Fatalf("events: %+v", res.Events)
	}

	v, err := h.p.Vault(context.Background(), protocol.KindNative, 1, res.Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Vault.Debt.Eq(usd(3_000)) {
		t.Errorf("alice debt %s, want 3000", v.Vault.Debt.Dec())
	}
	if !h.stable.Supply().Eq(usd(5_000)) {
		t.Errorf("supply %s, want 5000", h.stable.Supply().Dec())
	}
	if h.p.TreasuryBalances()[nativeAsset] == nil || h.p.TreasuryBalances()[nativeAsset].IsZero() {
		t.Error("redemption fee not booked to the treasury")
	}
}

// ===========================================================================
// Fail-atomicity and idempotency
// ===========================================================================

func TestSettlementFailure_StateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 3, 4_000, 0)
	seqBefore, hashBefore := h.p.Head()
	clockBefore := h.p.Clock()
	supplyBefore := h.stable.Supply().Clone()
	custodyBefore := balance(t, h.native, custody).Clone()

	boom := errors.New("rpc down")
	h.stable.FailNext(token.ActionMint, boom)
	h.native.Fund("bob", coll(2))
	cmd := &event.OpenVault{Header: h.header("bob"), Kind: protocol.KindNative, Collateral: coll(2), Debt: usd(2_000)}

	_, err := h.p.Execute(context.Background(), cmd)
	if !errors.Is(err, boom) || !errors.Is(err, token.ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}

	seq, hash := h.p.Head()
	if seq != seqBefore || hash != hashBefore {
		t.Errorf("head moved: %d -> %d", seqBefore, seq)
	}
	if h.p.Clock() != clockBefore {
		t.Errorf("clock moved: %d -> %d", clockBefore, h.p.Clock())
	}
	if !h.stable.Supply().Eq(supplyBefore) {
		t.Errorf("supply %s, want %s", h.stable.Supply().Dec(), supplyBefore.Dec())
	}
	if got := balance(t, h.native, custody); !got.Eq(custodyBefore) {
		t.Errorf("custody %s, want %s", got.Dec(), custodyBefore.Dec())
	}
	br, err := h.p.Branch(context.Background(), protocol.KindNative, t0+10)
	if err != nil {
		t.Fatal(err)
	}
	if br.VaultCount != 1 || !br.TotalDebt.Eq(usd(4_000)) || !br.TotalCollateral.Eq(coll(3)) {
		t.Errorf("branch changed: %d vaults, debt %s, collateral %s", br.VaultCount, br.TotalDebt.Dec(), br.TotalCollateral.Dec())
	}
	if got := balance(t, h.native, "bob"); !got.Eq(coll(2)) {
		t.Errorf("bob's collateral not returned: %s", got.Dec())
	}
	if vs, _ := h.p.VaultsByOwner(protocol.KindNative, "bob"); len(vs) != 0 {
		t.Errorf("bob has %d vaults", len(vs))
	}

	// the key was never marked processed, a retry goes through
	if _, err := h.p.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if seq, _ := h.p.Head(); seq != seqBefore+1 {
		t.Errorf("sequence after retry %d", seq)
	}
}

func TestIdempotency_DuplicateRejected(t *testing.T) {
	h := newHarness(t)
	h.native.Fund("alice", coll(6))
	cmd := &event.OpenVault{Header: h.header("alice"), Kind: protocol.KindNative, Collateral: coll(3), Debt: usd(2_000)}

	h.mustExecute(t, cmd)
	_, err := h.p.Execute(context.Background(), cmd)
	if !errors.Is(err, core.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if seq, _ := h.p.Head(); seq != 1 {
		t.Errorf("sequence %d, want 1", seq)
	}
	if vs, _ := h.p.VaultsByOwner(protocol.KindNative, "alice"); len(vs) != 1 {
		t.Errorf("alice has %d vaults", len(vs))
	}
}

func TestMissingIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Execute(context.Background(), &event.PoolClaim{Header: event.Header{Caller: "alice", Timestamp: t0}})
	if !errors.Is(err, core.ErrMissingKey) {
		t.Fatalf("got %v", err)
	}
}

func TestTimestampNeverRunsBackwards(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 3, 2_000, 0)
	last := h.p.Clock()

	hdr := h.header("alice")
	hdr.Timestamp = last - 100
	res := h.mustExecute(t, &event.AdjustInterestRate{Header: hdr, Kind: protocol.KindNative, VaultID: 1, RateBps: 300})
	if res.Timestamp != last {
		t.Errorf("timestamp %d, want clamped to %d", res.Timestamp, last)
	}
}

func TestFutureTimestampRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "alice", 3, 4_000, 0)
	seqBefore, hashBefore := h.p.Head()
	clockBefore := h.p.Clock()

	hdr := h.header("alice")
	hdr.Timestamp = t0 + 100*int64(fpmath.SecondsPerYear)
	_, err := h.p.Execute(ctx, &event.PoolDeposit{Header: hdr, Amount: usd(1_000)})
	if !errors.Is(err, core.ErrClockSkew) {
		t.Fatalf("expected clock skew, got %v", err)
	}
	if seq, hash := h.p.Head(); seq != seqBefore || hash != hashBefore {
		t.Errorf("head moved: %d -> %d", seqBefore, seq)
	}
	if h.p.Clock() != clockBefore {
		t.Fatalf("clock moved to %d", h.p.Clock())
	}

	// the rejected stamp left later prices fresh
	res := h.mustExecute(t, &event.RefreshPrice{Header: h.header("keeper"), Kind: protocol.KindNative})
	if res.QuoteErr != nil {
		t.Fatalf("refresh after rejected stamp: %v", res.QuoteErr)
	}
	if h.p.Oracle(ctx, res.Timestamp).SafeMode {
		t.Error("safe mode tripped")
	}

	// a retry with a sane stamp goes through under the same key
	hdr.Timestamp = t0 + 10
	h.mustExecute(t, &event.PoolDeposit{Header: hdr, Amount: usd(1_000)})
	if !h.p.Pool().TotalDeposits.Eq(usd(1_000)) {
		t.Errorf("pool deposits %s", h.p.Pool().TotalDeposits.Dec())
	}
}

func TestTimestampSkewBoundary(t *testing.T) {
	h := newHarness(t)
	limit := wall + int64(core.DefaultMaxClockSkew/time.Second)

	hdr := h.header("keeper")
	hdr.Timestamp = limit + 1
	if _, err := h.p.Execute(context.Background(), &event.RefreshPrice{Header: hdr, Kind: protocol.KindNative}); !errors.Is(err, core.ErrClockSkew) {
		t.Fatalf("one second past the limit: %v", err)
	}

	hdr.Timestamp = limit
	res := h.mustExecute(t, &event.RefreshPrice{Header: hdr, Kind: protocol.KindNative})
	if res.Timestamp != limit || h.p.Clock() != limit {
		t.Errorf("committed at %d, clock %d, want %d", res.Timestamp, h.p.Clock(), limit)
	}
}

// ===========================================================================
// Oracle and safe mode
// ===========================================================================

func TestQueriesNeverMoveTheOracle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view := h.p.Oracle(ctx, t0)
	if !view.Quotes[protocol.KindNative].OK() {
		t.Fatalf("quote: %+v", view.Quotes[protocol.KindNative])
	}
	if len(view.LastGood) != 0 {
		t.Fatalf("a quote must not record a last good price: %+v", view.LastGood)
	}

	h.open(t, "alice", 3, 2_000, 0)
	if view := h.p.Oracle(ctx, t0+5); len(view.LastGood) != 0 {
		t.Errorf("a vault operation must not record a last good price")
	}

	res := h.mustExecute(t, &event.RefreshPrice{Header: h.header("keeper"), Kind: protocol.KindNative})
	if res.QuoteErr != nil {
		t.Fatalf("refresh: %v", res.QuoteErr)
	}
	if lg, ok := h.p.Oracle(ctx, t0+5).LastGood[protocol.KindNative]; !ok || !lg.Price.Eq(usd(2000)) {
		t.Errorf("last good after refresh: %+v", lg)
	}
}

func TestDefaultPriceCeiling(t *testing.T) {
	f := feed.NewManual(18)
	f.SetPrice(protocol.KindNative, usd(2000), t0)
	p, err := core.New(core.Config{Params: protocol.DefaultParams(), Feed: f, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if q := p.Oracle(context.Background(), t0).Quotes[protocol.KindNative]; q.Status != oracle.StatusDeviation {
		t.Errorf("2000 is above the default ceiling of 1000, got %s", q.Status)
	}

	f.SetPrice(protocol.KindNative, usd(1000), t0)
	if q := p.Oracle(context.Background(), t0).Quotes[protocol.KindNative]; !q.OK() {
		t.Errorf("the ceiling itself is a valid price: %+v", q)
	}
}

func TestRefreshTripsSafeMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mustExecute(t, &event.RefreshPrice{Header: h.header("keeper"), Kind: protocol.KindNative})
	h.feed.SetPrice(protocol.KindNative, usd(1000), t0+2)

	res := h.mustExecute(t, &event.RefreshPrice{Header: h.header("keeper"), Kind: protocol.KindNative})
	if !errors.Is(res.QuoteErr, protocol.ErrOracleDeviation) {
		t.Fatalf("refresh quote error: %v", res.QuoteErr)
	}
	var tripped bool
	for _, e := range res.Events {
		tripped = tripped || e.Type == event.EventSafeModeTripped
	}
	if !tripped {
		t.Fatalf("no safe_mode_tripped event: %+v", res.Events)
	}
	if !h.p.Oracle(ctx, t0+3).SafeMode {
		t.Fatal("safe mode not latched")
	}

	h.native.Fund("alice", coll(3))
	_, err := h.p.Execute(ctx, &event.OpenVault{Header: h.header("alice"), Kind: protocol.KindNative, Collateral: coll(3), Debt: usd(1_000)})
	var sme *oracle.SafeModeError
	if !errors.As(err, &sme) || sme.Reason != oracle.StatusDeviation {
		t.Fatalf("open in safe mode: %v", err)
	}

	if _, err := h.p.Execute(ctx, &event.ClearSafeMode{Header: h.header("mallory")}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("clear by non-admin: %v", err)
	}
	res = h.mustExecute(t, &event.ClearSafeMode{Header: h.header(admin)})
	if len(res.Events) != 1 || res.Events[0].Type != event.EventSafeModeCleared {
		t.Errorf("events: %+v", res.Events)
	}
	if h.p.Oracle(ctx, t0+10).SafeMode {
		t.Error("safe mode still set")
	}
}

// ===========================================================================
// Administration
// ===========================================================================

func TestUpdateParams_VersionMustIncrease(t *testing.T) {
	h := newHarness(t)

	next := h.p.Params()
	next.MCRBps = 12_000
	if _, err := h.p.Execute(context.Background(), &event.UpdateParams{Header: h.header(admin), Params: next}); !errors.Is(err, protocol.ErrInvalidParams) {
		t.Fatalf("same version: %v", err)
	}

	next.Version++
	if _, err := h.p.Execute(context.Background(), &event.UpdateParams{Header: h.header("mallory"), Params: next}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("non-admin: %v", err)
	}
	h.mustExecute(t, &event.UpdateParams{Header: h.header(admin), Params: next})
	if got := h.p.Params(); got.MCRBps != 12_000 || got.Version != next.Version {
		t.Errorf("params: %+v", got)
	}

	// 3 * 2000 / 5100 is about 117%: enough for the old MCR, not the new one
	h.native.Fund("alice", coll(3))
	_, err := h.p.Execute(context.Background(), &event.OpenVault{Header: h.header("alice"), Kind: protocol.KindNative, Collateral: coll(3), Debt: usd(5_100)})
	if !errors.Is(err, protocol.ErrInsufficientCollateralization) {
		t.Errorf("open below new MCR: %v", err)
	}
}

func TestTreasuryWithdraw_AfterInterest(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 10, 10_000, 1_000)
	opened := h.p.Clock()

	// a year later, repaying 1 accrues 1000 of interest to the treasury
	hdr := h.header("alice")
	hdr.Timestamp = opened + int64(fpmath.SecondsPerYear)
	h.feed.SetPrice(protocol.KindNative, usd(2000), hdr.Timestamp)
	h.mustExecute(t, &event.AdjustVault{Header: hdr, Kind: protocol.KindNative, VaultID: 1,
		Adjustment: vault.Adjustment{DebtRepay: usd(1)}})

	if got := h.p.TreasuryBalances()[protocol.AssetStable]; got == nil || !got.Eq(usd(1_000)) {
		t.Fatalf("treasury stable %v, want 1000", got)
	}

	if _, err := h.p.Execute(context.Background(), &event.TreasuryWithdraw{Header: h.header("mallory"), Asset: protocol.AssetStable, Amount: usd(400), Recipient: "mallory"}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("non-admin withdraw: %v", err)
	}
	h.mustExecute(t, &event.TreasuryWithdraw{Header: h.header(admin), Asset: protocol.AssetStable, Amount: usd(400), Recipient: "ops"})
	if got := balance(t, h.stable, "ops"); !got.Eq(usd(400)) {
		t.Errorf("recipient got %s", got.Dec())
	}
}

// ===========================================================================
// Replay and snapshots
// ===========================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	h := newHarness(t)
	h.mustExecute(t, &event.RefreshPrice{Header: h.header("keeper"), Kind: protocol.KindNative})
	h.open(t, "alice", 3, 4_000, 0)
	h.open(t, "bob", 2, 2_000, 250)

	snap := h.p.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	h.deposit(t, "bob", 2_000)
	h.deposit(t, "alice", 3_000)
	h.feed.SetPrice(protocol.KindNative, usd(1950), t0+20)
	h.mustExecute(t, &event.RefreshPrice{Header: h.header("keeper"), Kind: protocol.KindNative})
	h.mustExecute(t, &event.Redeem{Header: h.header("alice"), Kind: protocol.KindNative, Amount: usd(500), MaxFeeBps: 500})

	envs := make([]*event.Envelope, 0)
	for _, o := range drainOutputs(h.persist) {
		envs = append(envs, o.Envelope)
	}
	wantSeq, wantHash := h.p.Head()

	// from genesis, no feeds and no tokens: everything comes from the log
	cfg := core.Config{Params: testParams(), Authz: protocol.NewAdminSet(admin), Logger: zerolog.Nop()}
	fresh, err := core.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.Replay(context.Background(), envs); err != nil {
		t.Fatalf("replay from genesis: %v", err)
	}
	if seq, hash := fresh.Head(); seq != wantSeq || hash != wantHash {
		t.Errorf("genesis replay head %d/%x, want %d/%x", seq, hash, wantSeq, wantHash)
	}
	if fresh.Clock() != h.p.Clock() {
		t.Errorf("replayed clock %d, want %d", fresh.Clock(), h.p.Clock())
	}
	want, err := h.p.Branch(context.Background(), protocol.KindNative, h.p.Clock())
	if err != nil {
		t.Fatal(err)
	}
	got, err := fresh.Branch(context.Background(), protocol.KindNative, fresh.Clock())
	if err != nil {
		t.Fatal(err)
	}
	if got.VaultCount != want.VaultCount || !got.TotalDebt.Eq(want.TotalDebt) || !got.TotalCollateral.Eq(want.TotalCollateral) {
		t.Errorf("replayed branch %d/%s/%s, want %d/%s/%s",
			got.VaultCount, got.TotalDebt.Dec(), got.TotalCollateral.Dec(),
			want.VaultCount, want.TotalDebt.Dec(), want.TotalCollateral.Dec())
	}
	if !fresh.Pool().TotalDeposits.Eq(h.p.Pool().TotalDeposits) {
		t.Errorf("replayed pool %s, want %s", fresh.Pool().TotalDeposits.Dec(), h.p.Pool().TotalDeposits.Dec())
	}

	// from the snapshot, the first three envelopes are skipped
	var decoded core.Snapshot
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	restored, err := core.Restore(cfg, &decoded)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := restored.Replay(context.Background(), envs); err != nil {
		t.Fatalf("replay from snapshot: %v", err)
	}
	if seq, hash := restored.Head(); seq != wantSeq || hash != wantHash {
		t.Errorf("snapshot replay head %d, want %d", seq, wantSeq)
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 3, 4_000, 0)
	h.open(t, "bob", 2, 2_000, 0)

	outs := drainOutputs(h.persist)
	outs[1].Envelope.StateHash[0] ^= 0xff

	fresh, err := core.New(core.Config{Params: testParams(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	err = fresh.Replay(context.Background(), []*event.Envelope{outs[0].Envelope, outs[1].Envelope})
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("expected divergence, got %v", err)
	}
}

func TestEnvelope_ChainsHashes(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 3, 4_000, 0)
	h.deposit(t, "alice", 1_000)

	outs := drainOutputs(h.persist)
	if len(outs) != 2 {
		t.Fatalf("outputs: %d", len(outs))
	}
	if outs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain onto genesis")
	}
	if outs[1].Envelope.PrevHash != outs[0].Envelope.StateHash {
		t.Error("second envelope must chain onto the first")
	}
	if outs[0].Envelope.Sequence != 1 || outs[1].Envelope.Sequence != 2 {
		t.Errorf("sequences %d, %d", outs[0].Envelope.Sequence, outs[1].Envelope.Sequence)
	}
	if outs[0].Envelope.Kind == nil || *outs[0].Envelope.Kind != protocol.KindNative || outs[1].Envelope.Kind != nil {
		t.Error("envelope kind")
	}
	if len(outs[0].Legs) != 2 {
		t.Errorf("open should settle a transfer-in and a mint, got %+v", outs[0].Legs)
	}
}

func TestPublishChannel_DropsOnFull(t *testing.T) {
	params := testParams()
	publish := make(chan core.CoreOutput, 1)
	f := feed.NewManual(18)
	f.SetPrice(protocol.KindNative, usd(2000), t0)
	p, err := core.New(core.Config{Params: params, Feed: f, Logger: zerolog.Nop(), PublishChan: publish})
	if err != nil {
		t.Fatal(err)
	}
	for i, key := range []string{"r1", "r2", "r3"} {
		_, err := p.Execute(context.Background(), &event.RefreshPrice{
			Header: event.Header{RequestID: key, Caller: "keeper", Timestamp: t0 + int64(i)},
			Kind:   protocol.KindNative,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(publish) != 1 {
		t.Errorf("publish channel holds %d", len(publish))
	}
	if seq, _ := p.Head(); seq != 3 {
		t.Errorf("a full publish channel must not block the core, sequence %d", seq)
	}
}
