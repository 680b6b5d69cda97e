package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var ErrInvalidPrice = errors.New("feed: invalid price")

// PriceUpdate is one pushed price, as carried on cdp.prices.<kind>.
type PriceUpdate struct {
	Source    string                  `json:"source"`
	Kind      protocol.CollateralKind `json:"kind"`
	Price     decimal.Decimal         `json:"price"`
	Timestamp int64                   `json:"timestamp"`
	Sequence  uint64                  `json:"sequence"`
}

// StreamFeed keeps the latest pushed price per kind. Ingestion writes,
// the oracle reads.
type StreamFeed struct {
	mu       sync.RWMutex
	latest   map[protocol.CollateralKind]oracle.Reading
	seq      *SequenceTracker
	decimals uint8
	logger   zerolog.Logger
}

func NewStreamFeed(decimals uint8, logger zerolog.Logger) *StreamFeed {
	return &StreamFeed{
		latest:   make(map[protocol.CollateralKind]oracle.Reading),
		seq:      NewSequenceTracker(),
		decimals: decimals,
		logger:   logger.With().Str("component", "stream_feed").Logger(),
	}
}

// Update records u if it is the newest for its source and kind. Stale or
// out-of-order updates are dropped without error.
func (f *StreamFeed) Update(u PriceUpdate) (bool, error) {
	if !u.Kind.Valid() {
		return false, fmt.Errorf("%w: kind %d", protocol.ErrUnsupportedCollateral, uint8(u.Kind))
	}
	value, err := ToFixed(u.Price, f.decimals)
	if err != nil {
		return false, err
	}
	if value.IsZero() {
		return false, fmt.Errorf("%w: zero price from %s", ErrInvalidPrice, u.Source)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	partition := u.Source + ":" + u.Kind.String()
	ok, gap := f.seq.Accept(partition, u.Sequence)
	if !ok {
		f.logger.Debug().Str("partition", partition).Uint64("sequence", u.Sequence).Msg("stale price update dropped")
		return false, nil
	}
	if gap {
		f.logger.Warn().Str("partition", partition).Uint64("sequence", u.Sequence).Msg("price sequence gap")
	}
	if prev, exists := f.latest[u.Kind]; exists && prev.Timestamp > u.Timestamp {
		return false, nil
	}
	f.latest[u.Kind] = oracle.Reading{Value: value, Decimals: f.decimals, Timestamp: u.Timestamp}
	return true, nil
}

func (f *StreamFeed) LatestPrice(_ context.Context, kind protocol.CollateralKind) (oracle.Reading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.latest[kind]
	if !ok {
		return oracle.Reading{}, oracle.ErrNoReading
	}
	return cloneReading(r), nil
}

// Gaps reports sequence gaps seen for source and kind.
func (f *StreamFeed) Gaps(source string, kind protocol.CollateralKind) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seq.Gaps(source + ":" + kind.String())
}

// ToFixed converts a non-negative decimal to a fixed-point integer with
// the given decimals, truncating extra precision.
func ToFixed(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative %s", ErrInvalidPrice, d.String())
	}
	v, overflow := uint256.FromBig(d.Shift(int32(decimals)).Truncate(0).BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows", ErrInvalidPrice, d.String())
	}
	return v, nil
}

// FromFixed is the inverse of ToFixed, for display.
func FromFixed(v *uint256.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}

var _ oracle.PriceFeed = (*StreamFeed)(nil)
