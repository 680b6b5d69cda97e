package ledger

import (
	"fmt"

	"CDPLedger/internal/protocol"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types: tokens (or claims) in protocol custody
	SubTypeVaultCollateral AccountSubType = iota
	SubTypePoolStable
	SubTypePoolCollateral
	SubTypeTreasury

	// External sub-types: the boundary
	SubTypeExternalUsers
	SubTypeExternalIssuance
)

// AccountKey identifies a custody bucket. Comparable, used as a map key.
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Asset   protocol.Asset
}

func NewSystemAccountKey(subType AccountSubType, asset protocol.Asset) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType, Asset: asset}
}

func NewExternalAccountKey(subType AccountSubType, asset protocol.Asset) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType, Asset: asset}
}

// VaultAccount holds the collateral backing every vault of a branch.
func VaultAccount(kind protocol.CollateralKind) AccountKey {
	return NewSystemAccountKey(SubTypeVaultCollateral, protocol.CollateralAsset(kind))
}

// PoolStableAccount holds stability pool deposits plus dust.
func PoolStableAccount() AccountKey {
	return NewSystemAccountKey(SubTypePoolStable, protocol.AssetStable)
}

// PoolCollateralAccount holds liquidation gains not yet paid out.
func PoolCollateralAccount(kind protocol.CollateralKind) AccountKey {
	return NewSystemAccountKey(SubTypePoolCollateral, protocol.CollateralAsset(kind))
}

func TreasuryAccount(asset protocol.Asset) AccountKey {
	return NewSystemAccountKey(SubTypeTreasury, asset)
}

// UsersAccount is everyone outside the protocol for asset.
func UsersAccount(asset protocol.Asset) AccountKey {
	return NewExternalAccountKey(SubTypeExternalUsers, asset)
}

// IssuanceAccount is the stablecoin's issuer side. Its credit balance is
// the outstanding debt the protocol recognizes: circulating supply plus
// unminted treasury interest.
func IssuanceAccount() AccountKey {
	return NewExternalAccountKey(SubTypeExternalIssuance, protocol.AssetStable)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) String() string { return k.AccountPath() }

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeVaultCollateral:
		return "vault"
	case SubTypePoolStable:
		return "pool_stable"
	case SubTypePoolCollateral:
		return "pool_collateral"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeExternalUsers:
		return "users"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}
