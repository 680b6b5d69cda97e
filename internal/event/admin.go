package event

import (
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// RefreshPrice reads the feeds for Kind and updates the oracle state.
// Anyone may send it.
type RefreshPrice struct {
	Header
	Kind protocol.CollateralKind `json:"kind"`
}

func (r *RefreshPrice) CommandType() CommandType                 { return CommandTypeRefreshPrice }
func (r *RefreshPrice) CollateralKind() *protocol.CollateralKind { return kindPtr(r.Kind) }

type ClearSafeMode struct {
	Header
}

func (c *ClearSafeMode) CommandType() CommandType                 { return CommandTypeClearSafeMode }
func (c *ClearSafeMode) CollateralKind() *protocol.CollateralKind { return nil }

// UpdateParams replaces the whole parameter set. The new Version must be
// greater than the current one.
type UpdateParams struct {
	Header
	Params protocol.Params `json:"params"`
}

func (u *UpdateParams) CommandType() CommandType                 { return CommandTypeUpdateParams }
func (u *UpdateParams) CollateralKind() *protocol.CollateralKind { return nil }

type TreasuryWithdraw struct {
	Header
	Asset     protocol.Asset   `json:"asset"`
	Amount    *uint256.Int     `json:"amount"`
	Recipient protocol.Address `json:"recipient"`
}

func (t *TreasuryWithdraw) CommandType() CommandType                 { return CommandTypeTreasuryWithdraw }
func (t *TreasuryWithdraw) CollateralKind() *protocol.CollateralKind { return nil }
