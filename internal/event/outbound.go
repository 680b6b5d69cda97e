package event

import "CDPLedger/internal/protocol"

// EventType names an outbound event. It is also the last token of the
// publish subject.
type EventType string

const (
	EventVaultChanged       EventType = "vault_changed"
	EventVaultLiquidated    EventType = "vault_liquidated"
	EventRedemption         EventType = "redemption"
	EventPoolMovement       EventType = "pool_movement"
	EventPriceRefreshed     EventType = "price_refreshed"
	EventSafeModeTripped    EventType = "safe_mode_tripped"
	EventSafeModeCleared    EventType = "safe_mode_cleared"
	EventParamsUpdated      EventType = "params_updated"
	EventTreasuryWithdrawal EventType = "treasury_withdrawal"
)

// Event is what the core tells the outside world after a command commits.
// Data holds the subsystem record (a *vault.Change, *liquidation.Liquidation,
// *redemption.Plan, *stability.Movement, oracle.PriceQuote, ...).
type Event struct {
	Type      EventType                `json:"type"`
	Sequence  uint64                   `json:"sequence"`
	Timestamp int64                    `json:"timestamp"`
	Kind      *protocol.CollateralKind `json:"kind,omitempty"`
	Data      any                      `json:"data"`
}
