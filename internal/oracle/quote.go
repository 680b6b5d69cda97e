package oracle

import (
	"fmt"
	"strings"

	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// Status classifies a quote. Anything other than StatusOK trips the
// circuit breaker on refresh.
type Status uint8

const (
	StatusOK Status = iota
	StatusUnavailable
	StatusStale
	StatusDeviation
	StatusInvalidRate
	StatusDecimalsMismatch
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusStale:
		return "STALE"
	case StatusDeviation:
		return "DEVIATION"
	case StatusInvalidRate:
		return "INVALID_RATE"
	case StatusDecimalsMismatch:
		return "DECIMALS_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// Err maps a status to its sentinel, nil for OK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnavailable:
		return protocol.ErrOracleUnavailable
	case StatusStale:
		return protocol.ErrOracleStale
	case StatusDeviation:
		return protocol.ErrOracleDeviation
	case StatusInvalidRate:
		return protocol.ErrOracleInvalidRate
	case StatusDecimalsMismatch:
		return protocol.ErrOracleDecimalsMismatch
	default:
		return protocol.ErrOracleUnavailable
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "OK":
		*s = StatusOK
	case "UNAVAILABLE":
		*s = StatusUnavailable
	case "STALE":
		*s = StatusStale
	case "DEVIATION":
		*s = StatusDeviation
	case "INVALID_RATE":
		*s = StatusInvalidRate
	case "DECIMALS_MISMATCH":
		*s = StatusDecimalsMismatch
	default:
		return fmt.Errorf("unknown oracle status %q", string(b))
	}
	return nil
}

// PriceQuote is immutable once produced. Price is in PRICE_UNIT: debt units
// per whole unit of collateral, scaled by Decimals.
type PriceQuote struct {
	Kind      protocol.CollateralKind `json:"kind"`
	Price     *uint256.Int            `json:"price"`
	Decimals  uint8                   `json:"decimals"`
	Timestamp int64                   `json:"timestamp"`
	Status    Status                  `json:"status"`
}

func (q PriceQuote) OK() bool {
	return q.Status == StatusOK && q.Price != nil && !q.Price.IsZero()
}

// Err returns the typed oracle error for a non-OK quote.
func (q PriceQuote) Err() error {
	if q.OK() {
		return nil
	}
	err := q.Status.Err()
	if err == nil {
		err = protocol.ErrOracleUnavailable
	}
	return fmt.Errorf("%w (kind=%s)", err, q.Kind)
}

// Reading is one raw observation from a feed, in the feed's own decimals.
type Reading struct {
	Value     *uint256.Int `json:"value"`
	Decimals  uint8        `json:"decimals"`
	Timestamp int64        `json:"timestamp"`
}

// Inputs is everything a quote depends on. Recording it makes a quote
// reproducible.
type Inputs struct {
	Native *Reading `json:"native,omitempty"`
	Rate   *Reading `json:"rate,omitempty"`
	// Direct derivative feed. Monitoring only, never priced.
	Direct *Reading `json:"direct,omitempty"`
}
