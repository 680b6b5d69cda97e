package event

import (
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
)

type OpenVault struct {
	Header
	Kind       protocol.CollateralKind `json:"kind"`
	Collateral *uint256.Int            `json:"collateral"`
	Debt       *uint256.Int            `json:"debt"`
	RateBps    uint32                  `json:"rate_bps"`
}

func (c *OpenVault) CommandType() CommandType                 { return CommandTypeOpenVault }
func (c *OpenVault) CollateralKind() *protocol.CollateralKind { return kindPtr(c.Kind) }

type AdjustVault struct {
	Header
	Kind       protocol.CollateralKind `json:"kind"`
	VaultID    uint64                  `json:"vault_id"`
	Adjustment vault.Adjustment        `json:"adjustment"`
}

func (c *AdjustVault) CommandType() CommandType                 { return CommandTypeAdjustVault }
func (c *AdjustVault) CollateralKind() *protocol.CollateralKind { return kindPtr(c.Kind) }

type CloseVault struct {
	Header
	Kind    protocol.CollateralKind `json:"kind"`
	VaultID uint64                  `json:"vault_id"`
}

func (c *CloseVault) CommandType() CommandType                 { return CommandTypeCloseVault }
func (c *CloseVault) CollateralKind() *protocol.CollateralKind { return kindPtr(c.Kind) }

type AdjustInterestRate struct {
	Header
	Kind    protocol.CollateralKind `json:"kind"`
	VaultID uint64                  `json:"vault_id"`
	RateBps uint32                  `json:"rate_bps"`
}

func (c *AdjustInterestRate) CommandType() CommandType { return CommandTypeAdjustInterestRate }
func (c *AdjustInterestRate) CollateralKind() *protocol.CollateralKind {
	return kindPtr(c.Kind)
}
