package testutil

import (
	"context"
	"fmt"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/feed"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/token"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	Custody protocol.Address = "protocol"
	Admin   protocol.Address = "admin"
	T0      int64            = 1_700_000_000
)

// Coll is n whole native units at the default 9 collateral decimals.
func Coll(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(9))
}

// USD is n whole stablecoins at 18 decimals.
func USD(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.Pow10(18))
}

// Params widens the oracle ceiling so fixtures can price native in the
// thousands.
func Params() protocol.Params {
	p := protocol.DefaultParams()
	p.Oracle.MaxPrice = USD(1_000_000)
	return p
}

// Protocol is a core wired to in-memory tokens and a manual feed.
type Protocol struct {
	*core.Protocol
	Config  core.Config
	Feed    *feed.Manual
	Stable  *token.Memory
	Native  *token.Memory
	Outputs chan core.CoreOutput

	seq int
}

// NewProtocol prices native at 2000 and buffers every output.
func NewProtocol(t *testing.T) *Protocol {
	t.Helper()
	params := Params()
	f := feed.NewManual(18)
	f.SetPrice(protocol.KindNative, USD(2000), T0)

	stable := token.NewMemory(protocol.AssetStable, Custody)
	native := token.NewMemory(protocol.CollateralAsset(protocol.KindNative), Custody)
	derivative := token.NewMemory(protocol.CollateralAsset(protocol.KindDerivative), Custody)
	settler := token.NewSettler(stable, map[protocol.CollateralKind]token.Adapter{
		protocol.KindNative:     native,
		protocol.KindDerivative: derivative,
	}, Custody, nil, &params, zerolog.Nop())

	outputs := make(chan core.CoreOutput, 1024)
	cfg := core.Config{
		Params:      params,
		Feed:        f,
		Authz:       protocol.NewAdminSet(Admin),
		Settler:     settler,
		Logger:      zerolog.Nop(),
		PersistChan: outputs,
	}
	p, err := core.New(cfg)
	if err != nil {
		t.Fatalf("new protocol: %v", err)
	}
	return &Protocol{Protocol: p, Config: cfg, Feed: f, Stable: stable, Native: native, Outputs: outputs}
}

// Header returns a fresh request header one second after the last.
func (p *Protocol) Header(caller protocol.Address) event.Header {
	p.seq++
	return event.Header{RequestID: fmt.Sprintf("req-%d", p.seq), Caller: caller, Timestamp: T0 + int64(p.seq)}
}

func (p *Protocol) MustExecute(t *testing.T, cmd event.Command) *core.Result {
	t.Helper()
	res, err := p.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.CommandType(), err)
	}
	return res
}

// Open funds owner and opens a native vault.
func (p *Protocol) Open(t *testing.T, owner protocol.Address, coll, debt uint64, rate uint32) *core.Result {
	t.Helper()
	p.Native.Fund(owner, Coll(coll))
	return p.MustExecute(t, &event.OpenVault{
		Header: p.Header(owner), Kind: protocol.KindNative,
		Collateral: Coll(coll), Debt: USD(debt), RateBps: rate,
	})
}

func (p *Protocol) Deposit(t *testing.T, who protocol.Address, amount uint64) *core.Result {
	t.Helper()
	return p.MustExecute(t, &event.PoolDeposit{Header: p.Header(who), Amount: USD(amount)})
}

// Drain returns every buffered output.
func (p *Protocol) Drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-p.Outputs:
			out = append(out, o)
		default:
			return out
		}
	}
}

// Scenario opens three vaults, fills the pool, drops the price and
// liquidates alice, then has bob redeem against carol. It returns the
// outputs in order.
func (p *Protocol) Scenario(t *testing.T) []core.CoreOutput {
	t.Helper()
	p.Open(t, "alice", 3, 4_000, 0)
	p.Open(t, "bob", 5, 4_000, 300)
	p.Open(t, "carol", 4, 3_000, 0)
	p.Deposit(t, "bob", 3_000)
	p.Deposit(t, "carol", 1_500)

	p.Feed.SetPrice(protocol.KindNative, USD(1_450), T0)
	p.MustExecute(t, &event.Liquidate{Header: p.Header("keeper"), Kind: protocol.KindNative, VaultID: 1})
	p.MustExecute(t, &event.Redeem{Header: p.Header("bob"), Kind: protocol.KindNative, Amount: USD(500), MaxFeeBps: 500})
	return p.Drain()
}
