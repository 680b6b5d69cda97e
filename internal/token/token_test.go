package token_test

import (
	"context"
	"errors"
	"testing"

	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/token"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const custody protocol.Address = "protocol"

var native = protocol.CollateralAsset(protocol.KindNative)

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(18))
}

type fixture struct {
	params  *protocol.Params
	stable  *token.Memory
	coll    *token.Memory
	settler *token.Settler
}

// native collateral is 9 decimals inside, 18 on the token
func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := protocol.DefaultParams()
	stable := token.NewMemory(protocol.AssetStable, custody)
	coll := token.NewMemory(native, custody)
	s := token.NewSettler(stable,
		map[protocol.CollateralKind]token.Adapter{protocol.KindNative: coll},
		custody,
		map[protocol.Asset]uint8{native: 18},
		&p, zerolog.Nop())
	return &fixture{params: &p, stable: stable, coll: coll, settler: s}
}

func openBatch(collIn, minted *uint256.Int) *ledger.Batch {
	ch := vault.NewChange(vault.OpOpen, protocol.KindNative, 1, "alice")
	ch.CollateralIn = collIn
	ch.Minted = minted
	g := ledger.NewBatch("open-1", 1, 0)
	g.VaultChange(ch)
	return g.Batch()
}

func TestSettleOpen(t *testing.T) {
	f := newFixture(t)
	f.coll.Fund("alice", e18(10))

	legs, err := f.settler.Settle(context.Background(), openBatch(uint256.NewInt(2_000_000_000), e18(1_000)))
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, token.ActionTransferIn, legs[0].Action)
	assert.Equal(t, e18(2), legs[0].External, "9 -> 18 decimals")
	assert.Equal(t, token.ActionMint, legs[1].Action)

	bal, _ := f.coll.BalanceExternal(context.Background(), custody)
	assert.Equal(t, e18(2), bal)
	bal, _ = f.stable.BalanceExternal(context.Background(), "alice")
	assert.Equal(t, e18(1_000), bal)
	assert.Equal(t, e18(1_000), f.stable.Supply())
}

func TestSettleFailureReversesExecutedLegs(t *testing.T) {
	f := newFixture(t)
	f.coll.Fund("alice", e18(10))
	boom := errors.New("rpc down")
	f.stable.FailNext(token.ActionMint, boom)

	_, err := f.settler.Settle(context.Background(), openBatch(uint256.NewInt(2_000_000_000), e18(1_000)))
	require.ErrorIs(t, err, token.ErrSettlementFailed)
	require.ErrorIs(t, err, boom)

	bal, _ := f.coll.BalanceExternal(context.Background(), "alice")
	assert.Equal(t, e18(10), bal, "collateral returned")
	bal, _ = f.coll.BalanceExternal(context.Background(), custody)
	assert.True(t, bal.IsZero())
	assert.True(t, f.stable.Supply().IsZero())
}

func TestSettleInsufficientBalanceMovesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.settler.Settle(context.Background(), openBatch(uint256.NewInt(1), e18(1)))
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
	assert.True(t, f.stable.Supply().IsZero())
}

func TestRoundingDirection(t *testing.T) {
	f := newFixture(t)
	// a 6 decimal stablecoin
	s := token.NewSettler(f.stable, nil, custody, map[protocol.Asset]uint8{protocol.AssetStable: 6}, f.params, zerolog.Nop())
	odd := uint256.NewInt(1_000_000_000_001) // 1e-6 + 1 wei

	in, err := s.ToExternal(protocol.AssetStable, odd, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), in.Uint64(), "inbound rounds up")

	out, err := s.ToExternal(protocol.AssetStable, odd, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Uint64(), "outbound rounds down")
}

func TestPoolOffsetBurnsFromCustody(t *testing.T) {
	f := newFixture(t)
	f.stable.Fund(custody, e18(500))

	g := ledger.NewBatch("liq", 1, 0)
	g.Batch().Journals = append(g.Batch().Journals, ledger.Journal{
		BatchID:       g.Batch().BatchID,
		DebitAccount:  ledger.IssuanceAccount(),
		CreditAccount: ledger.PoolStableAccount(),
		Asset:         protocol.AssetStable,
		Amount:        e18(200),
		JournalType:   ledger.JournalTypePoolOffset,
	})

	legs, err := f.settler.Settle(context.Background(), g.Batch())
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, custody, legs[0].Party)
	assert.Equal(t, e18(300), f.stable.Supply())
}

func TestCustodyOnlyJournalsHaveNoLegs(t *testing.T) {
	f := newFixture(t)
	ch := vault.NewChange(vault.OpAdjust, protocol.KindNative, 1, "alice")
	ch.Interest = e18(3)
	g := ledger.NewBatch("accrue", 1, 0)
	g.VaultChange(ch)

	legs, err := f.settler.Plan(g.Batch())
	require.NoError(t, err)
	assert.Empty(t, legs)
}

func TestMissingAdapter(t *testing.T) {
	f := newFixture(t)
	ch := vault.NewChange(vault.OpOpen, protocol.KindDerivative, 1, "alice")
	ch.CollateralIn = uint256.NewInt(5)
	g := ledger.NewBatch("open-d", 1, 0)
	g.VaultChange(ch)

	_, err := f.settler.Settle(context.Background(), g.Batch())
	require.ErrorIs(t, err, token.ErrNoAdapter)
}

func TestHoldings(t *testing.T) {
	f := newFixture(t)
	f.coll.Fund(custody, e18(4))
	h, err := f.settler.Holdings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e18(4), h[native])
	assert.True(t, h[protocol.AssetStable].IsZero())
}
