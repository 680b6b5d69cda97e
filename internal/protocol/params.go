package protocol

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// Params is the versioned parameter set injected at initialization. Nothing
// here is a source constant: decimals, thresholds, the fee curve and the
// oracle limits all come from configuration.
type Params struct {
	Version uint32
	Units   fpmath.Units

	MCRBps             uint64
	CCRBps             uint64
	MinDebt            *uint256.Int
	MinInterestRateBps uint32
	MaxInterestRateBps uint32

	LiquidationPenaltyBps      uint64
	GasCompensation            *uint256.Int // debt units
	GasCompensationFallbackBps uint64

	MinDeposit *uint256.Int

	Redemption RedemptionParams
	Oracle     OracleParams
	Rounding   RoundingPolicy
}

type RedemptionParams struct {
	BaseFeeBps        uint64
	MaxFeeBps         uint64
	MinRedemption     *uint256.Int
	MinuteDecayFactor *uint256.Int // WAD
	Beta              uint64
}

type OracleParams struct {
	MaxPriceAgeSeconds int64
	MaxDeviationBps    uint64
	MinPrice           *uint256.Int // price decimals
	MaxPrice           *uint256.Int
	RateDecimals       uint8
	MinRate            *uint256.Int // rate decimals
	MaxRate            *uint256.Int
}

// RoundingPolicy fixes the direction of external<->internal conversions:
// what the protocol receives and what it pays out.
type RoundingPolicy struct {
	Inbound  fpmath.RoundingMode
	Outbound fpmath.RoundingMode
}

const (
	MaxLiquidationPenaltyBps = 5_000
	MaxRedemptionFeeCapBps   = 1_000
)

// DefaultParams mirrors the launch configuration of the original deployment.
func DefaultParams() Params {
	units := fpmath.Units{CollateralDecimals: 9, DebtDecimals: 18, PriceDecimals: 18}
	oneDebt := units.OneDebtUnit()
	onePrice := fpmath.Pow10(units.PriceDecimals)

	return Params{
		Version:            1,
		Units:              units,
		MCRBps:             11_000,
		CCRBps:             15_000,
		MinDebt:            oneDebt.Clone(),
		MinInterestRateBps: 0,
		MaxInterestRateBps: 4_000,

		LiquidationPenaltyBps:      1_000,
		GasCompensation:            new(uint256.Int).Mul(uint256.NewInt(200), oneDebt),
		GasCompensationFallbackBps: 100,

		MinDeposit: uint256.NewInt(1_000_000),

		Redemption: RedemptionParams{
			BaseFeeBps:        50,
			MaxFeeBps:         500,
			MinRedemption:     oneDebt.Clone(),
			MinuteDecayFactor: uint256.MustFromDecimal("999037758833783000"),
			Beta:              2,
		},
		Oracle: OracleParams{
			MaxPriceAgeSeconds: 3_600,
			MaxDeviationBps:    500,
			MinPrice:           new(uint256.Int).Div(onePrice, uint256.NewInt(1_000)),
			MaxPrice:           new(uint256.Int).Mul(onePrice, uint256.NewInt(1_000)),
			RateDecimals:       18,
			MinRate:            uint256.MustFromDecimal("500000000000000000"),
			MaxRate:            uint256.MustFromDecimal("3000000000000000000"),
		},
		Rounding: RoundingPolicy{
			Inbound:  fpmath.RoundUp,
			Outbound: fpmath.RoundDown,
		},
	}
}

// ValidateParams checks that parameters are internally consistent.
func ValidateParams(p *Params) error {
	if err := p.Units.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.MCRBps <= fpmath.BasisPoints {
		return fmt.Errorf("%w: mcr_bps must be > 10000, got %d", ErrInvalidParams, p.MCRBps)
	}
	if p.CCRBps < p.MCRBps {
		return fmt.Errorf("%w: ccr_bps (%d) must be >= mcr_bps (%d)", ErrInvalidParams, p.CCRBps, p.MCRBps)
	}
	if p.MinDebt == nil || p.MinDebt.IsZero() {
		return fmt.Errorf("%w: min_debt must be > 0", ErrInvalidParams)
	}
	if p.MinInterestRateBps > p.MaxInterestRateBps {
		return fmt.Errorf("%w: min_interest_rate_bps (%d) > max_interest_rate_bps (%d)",
			ErrInvalidParams, p.MinInterestRateBps, p.MaxInterestRateBps)
	}
	if p.MaxInterestRateBps > uint32(fpmath.BasisPoints) {
		return fmt.Errorf("%w: max_interest_rate_bps must be <= 10000, got %d", ErrInvalidParams, p.MaxInterestRateBps)
	}
	if p.LiquidationPenaltyBps > MaxLiquidationPenaltyBps {
		return fmt.Errorf("%w: liquidation_penalty_bps must be <= %d, got %d",
			ErrInvalidParams, MaxLiquidationPenaltyBps, p.LiquidationPenaltyBps)
	}
	if p.GasCompensation == nil {
		return fmt.Errorf("%w: gas_compensation must be set", ErrInvalidParams)
	}
	if p.GasCompensationFallbackBps > fpmath.BasisPoints {
		return fmt.Errorf("%w: gas_compensation_fallback_bps must be <= 10000", ErrInvalidParams)
	}
	if p.MinDeposit == nil {
		return fmt.Errorf("%w: min_deposit must be set", ErrInvalidParams)
	}
	if err := validateRedemption(&p.Redemption); err != nil {
		return err
	}
	return validateOracle(&p.Oracle)
}

func validateRedemption(r *RedemptionParams) error {
	if r.MaxFeeBps > MaxRedemptionFeeCapBps {
		return fmt.Errorf("%w: redemption max_fee_bps must be <= %d, got %d",
			ErrInvalidParams, MaxRedemptionFeeCapBps, r.MaxFeeBps)
	}
	if r.BaseFeeBps > r.MaxFeeBps {
		return fmt.Errorf("%w: redemption base_fee_bps (%d) > max_fee_bps (%d)",
			ErrInvalidParams, r.BaseFeeBps, r.MaxFeeBps)
	}
	if r.MinRedemption == nil || r.MinRedemption.IsZero() {
		return fmt.Errorf("%w: min_redemption must be > 0", ErrInvalidParams)
	}
	if r.MinuteDecayFactor == nil || r.MinuteDecayFactor.IsZero() || r.MinuteDecayFactor.Gt(fpmath.WAD) {
		return fmt.Errorf("%w: minute_decay_factor must be in (0, 1]", ErrInvalidParams)
	}
	if r.Beta == 0 {
		return fmt.Errorf("%w: beta must be > 0", ErrInvalidParams)
	}
	return nil
}

func validateOracle(o *OracleParams) error {
	if o.MaxPriceAgeSeconds <= 0 {
		return fmt.Errorf("%w: max_price_age must be > 0", ErrInvalidParams)
	}
	if o.MaxDeviationBps == 0 {
		return fmt.Errorf("%w: max_deviation_bps must be > 0", ErrInvalidParams)
	}
	if o.MinPrice == nil || o.MaxPrice == nil || o.MinPrice.Gt(o.MaxPrice) {
		return fmt.Errorf("%w: price bounds must satisfy min <= max", ErrInvalidParams)
	}
	if o.MinRate == nil || o.MaxRate == nil || o.MinRate.IsZero() || o.MinRate.Gt(o.MaxRate) {
		return fmt.Errorf("%w: rate bounds must satisfy 0 < min <= max", ErrInvalidParams)
	}
	if o.RateDecimals > 36 {
		return fmt.Errorf("%w: rate_decimals must be <= 36", ErrInvalidParams)
	}
	return nil
}

// Clone returns a deep copy, so a pending update can be validated without
// touching the live set.
func (p *Params) Clone() *Params {
	c := *p
	c.MinDebt = cloneOrNil(p.MinDebt)
	c.GasCompensation = cloneOrNil(p.GasCompensation)
	c.MinDeposit = cloneOrNil(p.MinDeposit)
	c.Redemption.MinRedemption = cloneOrNil(p.Redemption.MinRedemption)
	c.Redemption.MinuteDecayFactor = cloneOrNil(p.Redemption.MinuteDecayFactor)
	c.Oracle.MinPrice = cloneOrNil(p.Oracle.MinPrice)
	c.Oracle.MaxPrice = cloneOrNil(p.Oracle.MaxPrice)
	c.Oracle.MinRate = cloneOrNil(p.Oracle.MinRate)
	c.Oracle.MaxRate = cloneOrNil(p.Oracle.MaxRate)
	return &c
}

func cloneOrNil(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
