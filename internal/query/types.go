package query

import "github.com/shopspring/decimal"

// VaultResponse is a vault as last projected. Amounts are whole units.
type VaultResponse struct {
	Kind            string          `json:"kind"`
	VaultID         uint64          `json:"vault_id"`
	Owner           string          `json:"owner"`
	Collateral      decimal.Decimal `json:"collateral"`
	Debt            decimal.Decimal `json:"debt"`
	InterestRateBps uint32          `json:"interest_rate_bps"`
	Status          string          `json:"status"`
	LastSequence    uint64          `json:"last_sequence"`
	UpdatedAt       int64           `json:"updated_at"`
}

// LiquidationResponse is one liquidated vault.
type LiquidationResponse struct {
	Sequence        uint64          `json:"sequence"`
	Kind            string          `json:"kind"`
	VaultID         uint64          `json:"vault_id"`
	Owner           string          `json:"owner"`
	Liquidator      string          `json:"liquidator"`
	ICRBps          uint64          `json:"icr_bps"`
	Debt            decimal.Decimal `json:"debt"`
	Collateral      decimal.Decimal `json:"collateral"`
	GasCompensation decimal.Decimal `json:"gas_compensation"`
	ToPool          decimal.Decimal `json:"to_pool"`
	Surplus         decimal.Decimal `json:"surplus"`
	Timestamp       int64           `json:"timestamp"`
}

// RedemptionResponse is one committed redemption.
type RedemptionResponse struct {
	Sequence      uint64          `json:"sequence"`
	Kind          string          `json:"kind"`
	Redeemer      string          `json:"redeemer"`
	Redeemed      decimal.Decimal `json:"redeemed"`
	FeeBps        uint64          `json:"fee_bps"`
	Fee           decimal.Decimal `json:"fee"`
	CollateralOut decimal.Decimal `json:"collateral_out"`
	VaultsTouched int             `json:"vaults_touched"`
	Timestamp     int64           `json:"timestamp"`
}

// JournalHistoryEntry is a logged custody journal touching an account.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      uint64          `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// Page wraps list results with the projection watermark they reflect.
type Page[T any] struct {
	Items        []T    `json:"items"`
	AsOfSequence uint64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []uint64          `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     uint64            `json:"as_of_sequence"`
}

// UnbalancedAsset is an asset whose journal debits and credits differ.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
