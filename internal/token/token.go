package token

import (
	"context"
	"errors"

	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrNoAdapter           = errors.New("token: no adapter for asset")
	ErrSettlementFailed    = errors.New("token: settlement failed")
)

// Adapter moves one asset across the protocol boundary. Amounts are in the
// asset's external decimals.
type Adapter interface {
	TransferIn(ctx context.Context, from protocol.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, to protocol.Address, amount *uint256.Int) error
	BalanceExternal(ctx context.Context, owner protocol.Address) (*uint256.Int, error)
}

// Stablecoin is the adapter for the debt token, which the protocol issues.
type Stablecoin interface {
	Adapter
	Mint(ctx context.Context, to protocol.Address, amount *uint256.Int) error
	Burn(ctx context.Context, from protocol.Address, amount *uint256.Int) error
}

// Action is the token call a journal entry settles with.
type Action uint8

const (
	ActionNone Action = iota
	ActionTransferIn
	ActionTransferOut
	ActionMint
	ActionBurn
)

func (a Action) String() string {
	switch a {
	case ActionTransferIn:
		return "transfer_in"
	case ActionTransferOut:
		return "transfer_out"
	case ActionMint:
		return "mint"
	case ActionBurn:
		return "burn"
	default:
		return "none"
	}
}

// inverse is the compensating call for a.
func (a Action) inverse() Action {
	switch a {
	case ActionTransferIn:
		return ActionTransferOut
	case ActionTransferOut:
		return ActionTransferIn
	case ActionMint:
		return ActionBurn
	case ActionBurn:
		return ActionMint
	default:
		return ActionNone
	}
}
