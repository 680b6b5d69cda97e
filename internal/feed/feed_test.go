package feed

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualFeed(t *testing.T) {
	m := NewManual(8)
	ctx := context.Background()

	_, err := m.LatestPrice(ctx, protocol.KindNative)
	require.ErrorIs(t, err, oracle.ErrNoReading)
	_, err = m.LatestRate(ctx)
	require.ErrorIs(t, err, oracle.ErrNoReading)

	m.SetPrice(protocol.KindNative, uint256.NewInt(200_000_000_000), 100)
	m.SetRate(uint256.NewInt(1_050_000), 6, 90)

	r, err := m.LatestPrice(ctx, protocol.KindNative)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), r.Decimals)
	assert.Equal(t, int64(100), r.Timestamp)

	// readings are copies
	r.Value.SetUint64(1)
	again, err := m.LatestPrice(ctx, protocol.KindNative)
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000_000_000), again.Value.Uint64())

	rate, err := m.LatestRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), rate.Decimals)

	m.Clear()
	_, err = m.LatestPrice(ctx, protocol.KindNative)
	require.ErrorIs(t, err, oracle.ErrNoReading)
}

func TestSequenceTracker(t *testing.T) {
	s := NewSequenceTracker()

	ok, gap := s.Accept("a", 5)
	assert.True(t, ok)
	assert.False(t, gap, "first sighting sets the baseline")

	ok, _ = s.Accept("a", 5)
	assert.False(t, ok)
	ok, _ = s.Accept("a", 3)
	assert.False(t, ok)

	ok, gap = s.Accept("a", 6)
	assert.True(t, ok)
	assert.False(t, gap)

	ok, gap = s.Accept("a", 9)
	assert.True(t, ok)
	assert.True(t, gap)
	assert.Equal(t, uint64(1), s.Gaps("a"))
	assert.Equal(t, uint64(10), s.Expected("a"))

	// partitions are independent
	ok, _ = s.Accept("b", 0)
	assert.True(t, ok)

	s.Reset("a", 2)
	ok, _ = s.Accept("a", 2)
	assert.True(t, ok)
}

func TestStreamFeed(t *testing.T) {
	f := NewStreamFeed(18, zerolog.Nop())
	ctx := context.Background()

	update := func(seq uint64, price string, ts int64) (bool, error) {
		return f.Update(PriceUpdate{
			Source:    "cex",
			Kind:      protocol.KindNative,
			Price:     decimal.RequireFromString(price),
			Timestamp: ts,
			Sequence:  seq,
		})
	}

	ok, err := update(1, "2000.5", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := f.LatestPrice(ctx, protocol.KindNative)
	require.NoError(t, err)
	assert.Equal(t, "2000500000000000000000", r.Value.Dec())
	assert.Equal(t, int64(100), r.Timestamp)

	ok, err = update(1, "1", 101)
	require.NoError(t, err)
	assert.False(t, ok, "replayed sequence")

	ok, err = update(4, "1990", 99)
	require.NoError(t, err)
	assert.False(t, ok, "older timestamp")
	assert.Equal(t, uint64(1), f.Gaps("cex", protocol.KindNative))

	_, err = update(5, "0", 120)
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = update(6, "-1", 120)
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = f.LatestPrice(ctx, protocol.KindDerivative)
	require.ErrorIs(t, err, oracle.ErrNoReading)
}

func TestToFixedRoundTrip(t *testing.T) {
	v, err := ToFixed(decimal.RequireFromString("1.123456789"), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_123_456), v.Uint64(), "truncates")
	assert.Equal(t, "1.123456", FromFixed(v, 6).String())
	assert.True(t, FromFixed(nil, 6).IsZero())
}

type stubEVM struct {
	assets *big.Int
	time   uint64
	err    error
	calls  int
}

func (s *stubEVM) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	args, err := erc4626ABI.Methods["convertToAssets"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	if args[0].(*big.Int).Cmp(big.NewInt(1e18)) != 0 {
		return nil, errors.New("expected one whole share")
	}
	return erc4626ABI.Methods["convertToAssets"].Outputs.Pack(s.assets)
}

func (s *stubEVM) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(100), Time: s.time}, nil
}

func TestERC4626RateSource(t *testing.T) {
	client := &stubEVM{assets: big.NewInt(1_080_000_000_000_000_000), time: 1_700_000_000}
	src, err := NewERC4626RateSource(client, ERC4626Options{
		Vault:    "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497",
		Decimals: 18,
	}, zerolog.Nop())
	require.NoError(t, err)

	r, err := src.LatestRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1080000000000000000", r.Value.Dec())
	assert.Equal(t, uint8(18), r.Decimals)
	assert.Equal(t, int64(1_700_000_000), r.Timestamp)

	// the RPC fails: last reading keeps its timestamp so it ages out
	client.err = errors.New("connection refused")
	client.time = 1_700_009_999
	again, err := src.LatestRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), again.Timestamp)
	assert.Equal(t, 2, client.calls)
}

func TestERC4626RateSourceWithoutHistory(t *testing.T) {
	src, err := NewERC4626RateSource(&stubEVM{err: errors.New("down")}, ERC4626Options{
		Vault:    "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497",
		Decimals: 18,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = src.LatestRate(context.Background())
	require.ErrorIs(t, err, oracle.ErrNoReading)

	_, err = NewERC4626RateSource(&stubEVM{}, ERC4626Options{Vault: "nope"}, zerolog.Nop())
	require.Error(t, err)
}
