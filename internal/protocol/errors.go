package protocol

import "errors"

// Oracle failures. Each maps to one non-OK quote status.
var (
	ErrOracleUnavailable      = errors.New("oracle: price unavailable")
	ErrOracleStale            = errors.New("oracle: price is stale")
	ErrOracleDeviation        = errors.New("oracle: price deviates from last good price")
	ErrOracleInvalidRate      = errors.New("oracle: invalid exchange rate")
	ErrOracleDecimalsMismatch = errors.New("oracle: exchange rate decimals mismatch")
)

// ErrSafeModeBlocked is the policy gate. It is distinct from the oracle
// errors; the wrapping error carries the oracle-derived reason.
var ErrSafeModeBlocked = errors.New("blocked by safe mode")

// Vault ledger.
var (
	ErrInsufficientCollateralization = errors.New("vault: insufficient collateralization")
	ErrBelowMinDebt                  = errors.New("vault: debt below minimum")
	ErrVaultNotFound                 = errors.New("vault: not found")
	ErrUnauthorized                  = errors.New("unauthorized")
	ErrInterestRateOutOfBounds       = errors.New("vault: interest rate out of bounds")
	ErrRepayExceedsDebt              = errors.New("vault: repayment exceeds debt")
	ErrInsufficientCollateral        = errors.New("vault: withdrawal exceeds collateral")
	ErrInvalidAdjustment             = errors.New("vault: invalid adjustment")
	ErrInvalidAmount                 = errors.New("invalid amount")
	ErrUnsupportedCollateral         = errors.New("unsupported collateral kind")
)

// Liquidation and stability pool.
var (
	ErrInsufficientPoolBalance = errors.New("liquidation: insufficient stability pool balance")
	ErrNotLiquidatable         = errors.New("liquidation: vault is not liquidatable")
	ErrInsufficientDeposit     = errors.New("stability pool: withdrawal exceeds deposit")
	ErrDepositNotFound         = errors.New("stability pool: no deposit")
)

// Redemption.
var (
	ErrFeeExceedsMax     = errors.New("redemption: fee exceeds maximum")
	ErrNothingToRedeem   = errors.New("redemption: nothing to redeem")
	ErrSlippageExceeded  = errors.New("redemption: collateral out below minimum")
	ErrInsufficientFunds = errors.New("treasury: insufficient balance")
)

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid protocol parameters")
