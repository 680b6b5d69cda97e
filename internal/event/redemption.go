package event

import (
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// Redeem swaps stablecoin for collateral from the lowest-rate vaults.
type Redeem struct {
	Header
	Kind             protocol.CollateralKind `json:"kind"`
	Amount           *uint256.Int            `json:"amount"`
	MaxFeeBps        uint64                  `json:"max_fee_bps"`
	MaxIterations    int                     `json:"max_iterations"`
	MinCollateralOut *uint256.Int            `json:"min_collateral_out,omitempty"`
}

func (r *Redeem) CommandType() CommandType                 { return CommandTypeRedeem }
func (r *Redeem) CollateralKind() *protocol.CollateralKind { return kindPtr(r.Kind) }
