package protocol_test

import (
	"CDPLedger/internal/protocol"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestDefaultParamsValid(t *testing.T) {
	p := protocol.DefaultParams()
	if err := protocol.ValidateParams(&p); err != nil {
		t.Fatalf("default params must validate: %v", err)
	}
}

func TestValidateParamsRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *protocol.Params)
	}{
		{"mcr at 100%", func(p *protocol.Params) { p.MCRBps = 10_000 }},
		{"ccr below mcr", func(p *protocol.Params) { p.CCRBps = p.MCRBps - 1 }},
		{"zero min debt", func(p *protocol.Params) { p.MinDebt = new(uint256.Int) }},
		{"inverted rate bounds", func(p *protocol.Params) { p.MinInterestRateBps = p.MaxInterestRateBps + 1 }},
		{"penalty above cap", func(p *protocol.Params) { p.LiquidationPenaltyBps = protocol.MaxLiquidationPenaltyBps + 1 }},
		{"redemption fee cap", func(p *protocol.Params) { p.Redemption.MaxFeeBps = protocol.MaxRedemptionFeeCapBps + 1 }},
		{"base fee above max", func(p *protocol.Params) { p.Redemption.BaseFeeBps = p.Redemption.MaxFeeBps + 1 }},
		{"decay factor above one", func(p *protocol.Params) {
			p.Redemption.MinuteDecayFactor = uint256.MustFromDecimal("1000000000000000001")
		}},
		{"zero beta", func(p *protocol.Params) { p.Redemption.Beta = 0 }},
		{"zero max age", func(p *protocol.Params) { p.Oracle.MaxPriceAgeSeconds = 0 }},
		{"inverted price bounds", func(p *protocol.Params) { p.Oracle.MinPrice, p.Oracle.MaxPrice = p.Oracle.MaxPrice, p.Oracle.MinPrice }},
		{"zero min rate", func(p *protocol.Params) { p.Oracle.MinRate = new(uint256.Int) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := protocol.DefaultParams()
			tt.mutate(&p)
			err := protocol.ValidateParams(&p)
			if !errors.Is(err, protocol.ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestParamsCloneIsDeep(t *testing.T) {
	p := protocol.DefaultParams()
	c := p.Clone()
	c.MinDebt.SetUint64(42)
	if p.MinDebt.Uint64() == 42 {
		t.Error("clone shares MinDebt with the original")
	}
}

func TestCollateralKindText(t *testing.T) {
	for _, k := range protocol.Kinds {
		b, err := k.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", k, err)
		}
		var back protocol.CollateralKind
		if err := back.UnmarshalText(b); err != nil || back != k {
			t.Errorf("round trip %v: got %v, %v", k, back, err)
		}
	}
	if _, err := protocol.ParseCollateralKind("gold"); !errors.Is(err, protocol.ErrUnsupportedCollateral) {
		t.Errorf("expected ErrUnsupportedCollateral, got %v", err)
	}
}

func TestAdminSet(t *testing.T) {
	authz := protocol.NewAdminSet("alice")
	if !authz.Can("alice", protocol.ActionClearSafeMode) {
		t.Error("admin must be authorized")
	}
	if authz.Can("mallory", protocol.ActionClearSafeMode) {
		t.Error("non-admin must not be authorized")
	}
	if (protocol.DenyAll{}).Can("alice", protocol.ActionUpdateParams) {
		t.Error("DenyAll must deny")
	}
}
