package event

import (
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

type PoolDeposit struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (p *PoolDeposit) CommandType() CommandType                 { return CommandTypePoolDeposit }
func (p *PoolDeposit) CollateralKind() *protocol.CollateralKind { return nil }

type PoolWithdraw struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (p *PoolWithdraw) CommandType() CommandType                 { return CommandTypePoolWithdraw }
func (p *PoolWithdraw) CollateralKind() *protocol.CollateralKind { return nil }

type PoolClaim struct {
	Header
}

func (p *PoolClaim) CommandType() CommandType                 { return CommandTypePoolClaim }
func (p *PoolClaim) CollateralKind() *protocol.CollateralKind { return nil }
