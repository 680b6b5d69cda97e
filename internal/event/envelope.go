package event

import (
	"encoding/json"
	"fmt"

	"CDPLedger/internal/protocol"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeOpenVault
	CommandTypeAdjustVault
	CommandTypeCloseVault
	CommandTypeAdjustInterestRate
	CommandTypeLiquidate
	CommandTypeLiquidateBatch
	CommandTypePoolDeposit
	CommandTypePoolWithdraw
	CommandTypePoolClaim
	CommandTypeRedeem
	CommandTypeRefreshPrice
	CommandTypeClearSafeMode
	CommandTypeUpdateParams
	CommandTypeTreasuryWithdraw
)

var commandTypeNames = map[CommandType]string{
	CommandTypeOpenVault:          "open_vault",
	CommandTypeAdjustVault:        "adjust_vault",
	CommandTypeCloseVault:         "close_vault",
	CommandTypeAdjustInterestRate: "adjust_interest_rate",
	CommandTypeLiquidate:          "liquidate",
	CommandTypeLiquidateBatch:     "liquidate_batch",
	CommandTypePoolDeposit:        "pool_deposit",
	CommandTypePoolWithdraw:       "pool_withdraw",
	CommandTypePoolClaim:          "pool_claim",
	CommandTypeRedeem:             "redeem",
	CommandTypeRefreshPrice:       "refresh_price",
	CommandTypeClearSafeMode:      "clear_safe_mode",
	CommandTypeUpdateParams:       "update_params",
	CommandTypeTreasuryWithdraw:   "treasury_withdraw",
}

func (ct CommandType) String() string {
	if n, ok := commandTypeNames[ct]; ok {
		return n
	}
	return "unknown"
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, error) {
	for ct, n := range commandTypeNames {
		if n == s {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type: %s", s)
}

func (ct CommandType) MarshalText() ([]byte, error) { return []byte(ct.String()), nil }

func (ct *CommandType) UnmarshalText(b []byte) error {
	v, err := ParseCommandType(string(b))
	if err != nil {
		return err
	}
	*ct = v
	return nil
}

// Command is the interface every inbound operation implements
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// CollateralKind returns the branch context (nil for global commands)
	CollateralKind() *protocol.CollateralKind

	// Caller is the address the command acts for
	CallerAddress() protocol.Address

	// Time is the versioned input timestamp, unix seconds
	Time() int64
}

// Header carries the fields every command shares.
type Header struct {
	RequestID string           `json:"request_id"`
	Caller    protocol.Address `json:"caller"`
	Timestamp int64            `json:"timestamp"`
}

func (h Header) IdempotencyKey() string          { return h.RequestID }
func (h Header) CallerAddress() protocol.Address { return h.Caller }
func (h Header) Time() int64                     { return h.Timestamp }

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence uint64 `json:"sequence"`

	// Stable idempotency key from upstream
	IdempotencyKey string `json:"idempotency_key"`

	CommandType CommandType `json:"command_type"`

	// Branch context (nil for global commands)
	Kind *protocol.CollateralKind `json:"kind,omitempty"`

	// Timestamp the core ran the command at, after clamping
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded command
	Payload json.RawMessage `json:"payload"`

	// JSON-encoded Record: everything needed to replay the command
	Record json.RawMessage `json:"record"`

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte `json:"state_hash"`

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

func kindPtr(k protocol.CollateralKind) *protocol.CollateralKind { return &k }
