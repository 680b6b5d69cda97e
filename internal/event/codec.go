package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of type ct, ready to be decoded into.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeOpenVault:
		return &OpenVault{}, nil
	case CommandTypeAdjustVault:
		return &AdjustVault{}, nil
	case CommandTypeCloseVault:
		return &CloseVault{}, nil
	case CommandTypeAdjustInterestRate:
		return &AdjustInterestRate{}, nil
	case CommandTypeLiquidate:
		return &Liquidate{}, nil
	case CommandTypeLiquidateBatch:
		return &LiquidateBatch{}, nil
	case CommandTypePoolDeposit:
		return &PoolDeposit{}, nil
	case CommandTypePoolWithdraw:
		return &PoolWithdraw{}, nil
	case CommandTypePoolClaim:
		return &PoolClaim{}, nil
	case CommandTypeRedeem:
		return &Redeem{}, nil
	case CommandTypeRefreshPrice:
		return &RefreshPrice{}, nil
	case CommandTypeClearSafeMode:
		return &ClearSafeMode{}, nil
	case CommandTypeUpdateParams:
		return &UpdateParams{}, nil
	case CommandTypeTreasuryWithdraw:
		return &TreasuryWithdraw{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", int32(ct))
	}
}

// Decode reads a command from its canonical JSON form, as stored in the
// event log.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}

func Encode(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return b, nil
}
