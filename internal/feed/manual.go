package feed

import (
	"context"
	"sync"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// Manual is a settable feed for tests, the paper runtime and operator
// overrides. Safe for concurrent use.
type Manual struct {
	mu       sync.RWMutex
	prices   map[protocol.CollateralKind]oracle.Reading
	rate     *oracle.Reading
	decimals uint8
}

func NewManual(decimals uint8) *Manual {
	return &Manual{prices: make(map[protocol.CollateralKind]oracle.Reading), decimals: decimals}
}

// SetPrice records a price in the feed's decimals.
func (m *Manual) SetPrice(kind protocol.CollateralKind, value *uint256.Int, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[kind] = oracle.Reading{Value: value.Clone(), Decimals: m.decimals, Timestamp: ts}
}

// SetRate records the native_per_derivative rate with explicit decimals.
func (m *Manual) SetRate(value *uint256.Int, decimals uint8, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = &oracle.Reading{Value: value.Clone(), Decimals: decimals, Timestamp: ts}
}

// Clear drops every reading, as if the upstream went silent.
func (m *Manual) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = make(map[protocol.CollateralKind]oracle.Reading)
	m.rate = nil
}

func (m *Manual) LatestPrice(_ context.Context, kind protocol.CollateralKind) (oracle.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.prices[kind]
	if !ok {
		return oracle.Reading{}, oracle.ErrNoReading
	}
	return cloneReading(r), nil
}

func (m *Manual) LatestRate(_ context.Context) (oracle.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rate == nil {
		return oracle.Reading{}, oracle.ErrNoReading
	}
	return cloneReading(*m.rate), nil
}

func cloneReading(r oracle.Reading) oracle.Reading {
	if r.Value != nil {
		r.Value = r.Value.Clone()
	}
	return r
}

var (
	_ oracle.PriceFeed  = (*Manual)(nil)
	_ oracle.RateSource = (*Manual)(nil)
)
