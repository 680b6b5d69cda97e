package ledger

import (
	"fmt"

	"CDPLedger/internal/protocol"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry. It also decides
// how the entry settles against the token adapters.
type JournalType int32

const (
	JournalTypeCollateralIn JournalType = iota
	JournalTypeCollateralOut
	JournalTypeMint
	JournalTypeBurn
	JournalTypeInterest
	JournalTypeLiquidationToPool
	JournalTypeGasCompensation
	JournalTypeLiquidationSurplus
	JournalTypePoolOffset
	JournalTypeRedemptionBurn
	JournalTypeRedemptionCollateral
	JournalTypeRedemptionFee
	JournalTypePoolDeposit
	JournalTypePoolWithdraw
	JournalTypePoolGain
	JournalTypeTreasuryWithdraw
)

var journalTypeNames = map[JournalType]string{
	JournalTypeCollateralIn:         "collateral_in",
	JournalTypeCollateralOut:        "collateral_out",
	JournalTypeMint:                 "mint",
	JournalTypeBurn:                 "burn",
	JournalTypeInterest:             "interest",
	JournalTypeLiquidationToPool:    "liquidation_to_pool",
	JournalTypeGasCompensation:      "gas_compensation",
	JournalTypeLiquidationSurplus:   "liquidation_surplus",
	JournalTypePoolOffset:           "pool_offset",
	JournalTypeRedemptionBurn:       "redemption_burn",
	JournalTypeRedemptionCollateral: "redemption_collateral",
	JournalTypeRedemptionFee:        "redemption_fee",
	JournalTypePoolDeposit:          "pool_deposit",
	JournalTypePoolWithdraw:         "pool_withdraw",
	JournalTypePoolGain:             "pool_gain",
	JournalTypeTreasuryWithdraw:     "treasury_withdraw",
}

func (t JournalType) String() string {
	if n, ok := journalTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      `json:"journal_id"`
	BatchID       uuid.UUID      `json:"batch_id"`
	EventRef      string         `json:"event_ref"` // idempotency key of the command
	Sequence      uint64         `json:"sequence"`
	DebitAccount  AccountKey     `json:"debit_account"`  // balance increases
	CreditAccount AccountKey     `json:"credit_account"` // balance decreases
	Asset         protocol.Asset `json:"asset"`
	Amount        *uint256.Int   `json:"amount"` // always positive
	JournalType   JournalType    `json:"journal_type"`
	// Counterparty is the external address on the boundary side, if any.
	Counterparty protocol.Address `json:"counterparty,omitempty"`
	Timestamp    int64            `json:"timestamp"`
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	EventRef  string    `json:"event_ref"`
	Sequence  uint64    `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from credit to debit, so every entry
// balances on its own; multi-leg commands put several entries under one
// batch_id. An empty batch is valid: reads and rate changes move nothing.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}
	return nil
}

// Empty reports whether the batch moves nothing.
func (b *Batch) Empty() bool { return len(b.Journals) == 0 }
