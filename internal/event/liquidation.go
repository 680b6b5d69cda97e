package event

import "CDPLedger/internal/protocol"

// Liquidate liquidates one vault. The caller is the liquidator and receives
// the gas compensation.
type Liquidate struct {
	Header
	Kind    protocol.CollateralKind `json:"kind"`
	VaultID uint64                  `json:"vault_id"`
}

func (l *Liquidate) CommandType() CommandType                 { return CommandTypeLiquidate }
func (l *Liquidate) CollateralKind() *protocol.CollateralKind { return kindPtr(l.Kind) }

// LiquidateBatch liquidates VaultIDs in order at one price read, up to
// MaxCount (0 means all).
type LiquidateBatch struct {
	Header
	Kind     protocol.CollateralKind `json:"kind"`
	VaultIDs []uint64                `json:"vault_ids"`
	MaxCount int                     `json:"max_count"`
}

func (l *LiquidateBatch) CommandType() CommandType                 { return CommandTypeLiquidateBatch }
func (l *LiquidateBatch) CollateralKind() *protocol.CollateralKind { return kindPtr(l.Kind) }
