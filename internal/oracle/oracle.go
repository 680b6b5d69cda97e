package oracle

import (
	"context"
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// ErrNoReading is returned by a feed that has nothing to report yet.
var ErrNoReading = errors.New("oracle: no reading available")

// PriceFeed serves native collateral prices (and, optionally, a direct
// derivative price for monitoring).
type PriceFeed interface {
	LatestPrice(ctx context.Context, kind protocol.CollateralKind) (Reading, error)
}

// RateSource serves the native_per_derivative exchange rate from the
// derivative's on-chain accounting.
type RateSource interface {
	LatestRate(ctx context.Context) (Reading, error)
}

// Oracle produces quotes and owns the circuit breaker.
type Oracle struct {
	state      *State
	params     protocol.OracleParams
	units      fpmath.Units
	feed       PriceFeed
	rates      RateSource
	directFeed PriceFeed
	authz      protocol.Authorizer
}

func New(state *State, params *protocol.Params, feed PriceFeed, rates RateSource, authz protocol.Authorizer) *Oracle {
	if authz == nil {
		authz = protocol.DenyAll{}
	}
	return &Oracle{
		state:  state,
		params: params.Oracle,
		units:  params.Units,
		feed:   feed,
		rates:  rates,
		authz:  authz,
	}
}

// SetDirectFeed enables monitoring of a direct derivative feed.
func (o *Oracle) SetDirectFeed(f PriceFeed) { o.directFeed = f }

func (o *Oracle) SetParams(p *protocol.Params) {
	o.params = p.Oracle
	o.units = p.Units
}

func (o *Oracle) State() *State { return o.state }

// Read collects the inputs for kind. A collaborator error is recorded as a
// missing reading; the quote then reports UNAVAILABLE.
func (o *Oracle) Read(ctx context.Context, kind protocol.CollateralKind) Inputs {
	var in Inputs
	if o.feed != nil {
		if r, err := o.feed.LatestPrice(ctx, protocol.KindNative); err == nil {
			in.Native = &r
		}
	}
	if kind == protocol.KindDerivative {
		if o.rates != nil {
			if r, err := o.rates.LatestRate(ctx); err == nil {
				in.Rate = &r
			}
		}
		if o.directFeed != nil {
			if r, err := o.directFeed.LatestPrice(ctx, protocol.KindDerivative); err == nil {
				in.Direct = &r
			}
		}
	}
	return in
}

// Quote reads the feeds and evaluates. It never mutates State.
func (o *Oracle) Quote(ctx context.Context, kind protocol.CollateralKind, now int64) PriceQuote {
	return o.Evaluate(kind, o.Read(ctx, kind), now)
}

// Evaluate is the pure pricing function over recorded inputs.
func (o *Oracle) Evaluate(kind protocol.CollateralKind, in Inputs, now int64) PriceQuote {
	q := PriceQuote{Kind: kind, Decimals: o.units.PriceDecimals, Price: new(uint256.Int)}

	native, ok := o.normalize(in.Native)
	if !ok {
		q.Status = StatusUnavailable
		return q
	}
	q.Price = native
	q.Timestamp = in.Native.Timestamp

	var nativeStatus Status
	if native.Lt(o.params.MinPrice) || native.Gt(o.params.MaxPrice) {
		nativeStatus = StatusDeviation
	}

	if kind == protocol.KindDerivative {
		rateStatus := o.checkRate(in.Rate)
		if rateStatus == StatusUnavailable {
			q.Status = StatusUnavailable
			return q
		}
		if rateStatus == StatusOK {
			composite, err := fpmath.MulDiv(native, in.Rate.Value, fpmath.Pow10(o.params.RateDecimals), fpmath.RoundDown)
			if err != nil {
				q.Status = StatusInvalidRate
				return q
			}
			q.Price = composite
		}
		// effective age is the older of the two inputs
		if in.Rate.Timestamp < q.Timestamp {
			q.Timestamp = in.Rate.Timestamp
		}
		if nativeStatus == StatusOK {
			nativeStatus = rateStatus
		}
	}

	if age(q.Timestamp, now) > o.params.MaxPriceAgeSeconds {
		q.Status = StatusStale
		return q
	}
	if nativeStatus != StatusOK {
		q.Status = nativeStatus
		return q
	}
	if o.deviates(kind, q.Price) {
		q.Status = StatusDeviation
		return q
	}

	q.Status = StatusOK
	return q
}

func (o *Oracle) normalize(r *Reading) (*uint256.Int, bool) {
	if r == nil || r.Value == nil || r.Value.IsZero() {
		return nil, false
	}
	p, err := fpmath.Rescale(r.Value, r.Decimals, o.units.PriceDecimals, fpmath.RoundHalfEven)
	if err != nil || p.IsZero() {
		return nil, false
	}
	return p, true
}

func (o *Oracle) checkRate(r *Reading) Status {
	switch {
	case r == nil || r.Value == nil:
		return StatusUnavailable
	case r.Decimals != o.params.RateDecimals:
		return StatusDecimalsMismatch
	case r.Value.IsZero():
		return StatusInvalidRate
	case r.Value.Lt(o.params.MinRate) || r.Value.Gt(o.params.MaxRate):
		return StatusInvalidRate
	}
	return StatusOK
}

// deviates compares against the last good price, not the previous raw feed value.
func (o *Oracle) deviates(kind protocol.CollateralKind, price *uint256.Int) bool {
	ref, ok := o.state.lastGood[kind]
	if !ok || ref.Price == nil || ref.Price.IsZero() {
		return false
	}
	var diff uint256.Int
	if price.Gt(ref.Price) {
		diff.Sub(price, ref.Price)
	} else {
		diff.Sub(ref.Price, price)
	}
	bps, err := fpmath.MulDiv(&diff, uint256.NewInt(fpmath.BasisPoints), ref.Price, fpmath.RoundDown)
	if err != nil {
		return true
	}
	return bps.Gt(uint256.NewInt(o.params.MaxDeviationBps))
}

func age(ts, now int64) int64 {
	if now <= ts {
		return 0
	}
	return now - ts
}

// RefreshResult reports what a refresh did.
type RefreshResult struct {
	Quote   PriceQuote `json:"quote"`
	Inputs  Inputs     `json:"inputs"`
	Tripped bool       `json:"tripped"`
}

// Refresh is the write path: an OK quote becomes the last good price, any
// other status latches safe mode.
func (o *Oracle) Refresh(ctx context.Context, kind protocol.CollateralKind, now int64) RefreshResult {
	in := o.Read(ctx, kind)
	return o.RefreshFrom(kind, in, now)
}

// RefreshFrom applies a refresh over recorded inputs. Replay uses it.
func (o *Oracle) RefreshFrom(kind protocol.CollateralKind, in Inputs, now int64) RefreshResult {
	q := o.Evaluate(kind, in, now)
	res := RefreshResult{Quote: q, Inputs: in}
	if q.OK() {
		o.state.recordGood(kind, q.Price, q.Timestamp)
		return res
	}
	res.Tripped = o.state.latch(q.Status, now)
	return res
}

// ClearSafeMode is administrative only. It is never itself gated.
func (o *Oracle) ClearSafeMode(caller protocol.Address) (bool, error) {
	if !o.authz.Can(caller, protocol.ActionClearSafeMode) {
		return false, fmt.Errorf("clear safe mode: %w", protocol.ErrUnauthorized)
	}
	return o.state.clear(), nil
}
