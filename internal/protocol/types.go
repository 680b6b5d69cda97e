package protocol

import (
	"fmt"
	"strings"
)

// CollateralKind identifies a collateral branch.
type CollateralKind uint8

const (
	KindNative CollateralKind = iota
	KindDerivative
)

// Kinds lists every supported collateral kind in a stable order.
var Kinds = []CollateralKind{KindNative, KindDerivative}

func (k CollateralKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindDerivative:
		return "derivative"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k CollateralKind) Valid() bool {
	return k == KindNative || k == KindDerivative
}

func ParseCollateralKind(s string) (CollateralKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native":
		return KindNative, nil
	case "derivative":
		return KindDerivative, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCollateral, s)
	}
}

func (k CollateralKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCollateral, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *CollateralKind) UnmarshalText(b []byte) error {
	parsed, err := ParseCollateralKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Address is an opaque account identifier understood by the token adapters.
type Address string

func (a Address) String() string { return string(a) }

// Asset names a token the protocol moves: the stablecoin or a collateral.
type Asset string

const AssetStable Asset = "stable"

// CollateralAsset returns the asset held by a collateral branch.
func CollateralAsset(k CollateralKind) Asset {
	return Asset(k.String())
}
