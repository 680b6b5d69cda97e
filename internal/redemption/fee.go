package redemption

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// FeeState is the decaying base rate shared by every branch. BaseRate is a
// WAD fraction.
type FeeState struct {
	BaseRate      *uint256.Int `json:"base_rate"`
	LastFeeOpTime int64        `json:"last_fee_op_time"`
}

func newFeeState() FeeState {
	return FeeState{BaseRate: fpmath.Zero()}
}

func minutesSince(last, now int64) uint64 {
	if now <= last {
		return 0
	}
	return uint64((now - last) / 60)
}

// decayed is the base rate after whole minutes elapsed since the last fee
// operation.
func (s FeeState) decayed(p *protocol.RedemptionParams, now int64) (*uint256.Int, error) {
	return fpmath.Decay(s.BaseRate, p.MinuteDecayFactor, minutesSince(s.LastFeeOpTime, now))
}

// next returns the state after redeeming amount against branchDebt:
// decayed + amount / (branchDebt * beta), capped at 100%.
func (s FeeState) next(p *protocol.RedemptionParams, amount, branchDebt *uint256.Int, now int64) (FeeState, error) {
	base, err := s.decayed(p, now)
	if err != nil {
		return FeeState{}, err
	}
	inc, err := fpmath.Ratio(
		[]*uint256.Int{amount, fpmath.WAD},
		[]*uint256.Int{branchDebt, uint256.NewInt(p.Beta)},
		fpmath.RoundDown,
	)
	if err != nil {
		return FeeState{}, err
	}
	base, err = fpmath.Add(base, inc)
	if err != nil {
		return FeeState{}, err
	}
	base = fpmath.Min(base, fpmath.WAD)

	// whole minutes only, so frequent redemptions cannot stall the decay
	last := s.LastFeeOpTime
	if last == 0 {
		last = now
	} else {
		last += int64(minutesSince(last, now)) * 60
	}
	return FeeState{BaseRate: base, LastFeeOpTime: last}, nil
}

// feeBps converts a base rate to the charged fee: base_fee + rate, capped.
func feeBps(p *protocol.RedemptionParams, baseRate *uint256.Int) (uint64, error) {
	rateBps, err := fpmath.MulDiv(baseRate, uint256.NewInt(fpmath.BasisPoints), fpmath.WAD, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	fee := p.MaxFeeBps
	if rateBps.IsUint64() && p.BaseFeeBps+rateBps.Uint64() < p.MaxFeeBps {
		fee = p.BaseFeeBps + rateBps.Uint64()
	}
	return fee, nil
}
