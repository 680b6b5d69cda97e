package oracle

import (
	"fmt"

	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// PricePoint is a price accepted as good.
type PricePoint struct {
	Price     *uint256.Int `json:"price"`
	Timestamp int64        `json:"timestamp"`
}

// State is the process-wide oracle and circuit-breaker state shared by both
// branches. Only latch, clear and recordGood mutate it, reached through
// Oracle.RefreshFrom, Oracle.ClearSafeMode and snapshot restore.
// Not thread-safe: the core serializes access.
type State struct {
	lastGood    map[protocol.CollateralKind]PricePoint
	safeMode    bool
	reason      Status
	triggeredAt int64
}

func NewState() *State {
	return &State{lastGood: make(map[protocol.CollateralKind]PricePoint)}
}

func (s *State) SafeMode() bool     { return s.safeMode }
func (s *State) Reason() Status     { return s.reason }
func (s *State) TriggeredAt() int64 { return s.triggeredAt }

func (s *State) LastGood(kind protocol.CollateralKind) (PricePoint, bool) {
	p, ok := s.lastGood[kind]
	if !ok {
		return PricePoint{}, false
	}
	return PricePoint{Price: p.Price.Clone(), Timestamp: p.Timestamp}, true
}

// Guard returns nil outside safe mode, otherwise a *SafeModeError carrying
// the status that tripped the breaker.
func (s *State) Guard() error {
	if !s.safeMode {
		return nil
	}
	return &SafeModeError{Reason: s.reason, TriggeredAt: s.triggeredAt}
}

// latch sets safe mode unless already set. First trip wins.
func (s *State) latch(reason Status, now int64) bool {
	if s.safeMode {
		return false
	}
	s.safeMode = true
	s.reason = reason
	s.triggeredAt = now
	return true
}

func (s *State) clear() bool {
	if !s.safeMode {
		return false
	}
	s.safeMode = false
	s.reason = StatusOK
	s.triggeredAt = 0
	return true
}

func (s *State) recordGood(kind protocol.CollateralKind, price *uint256.Int, ts int64) {
	s.lastGood[kind] = PricePoint{Price: price.Clone(), Timestamp: ts}
}

// SafeModeError reports a write blocked by the circuit breaker.
type SafeModeError struct {
	Reason      Status
	TriggeredAt int64
}

func (e *SafeModeError) Error() string {
	return fmt.Sprintf("%v: oracle reported %s at %d", protocol.ErrSafeModeBlocked, e.Reason, e.TriggeredAt)
}

func (e *SafeModeError) Unwrap() error {
	return protocol.ErrSafeModeBlocked
}

// StateSnapshot is the serializable form of State.
type StateSnapshot struct {
	LastGood    map[protocol.CollateralKind]PricePoint `json:"last_good"`
	SafeMode    bool                                   `json:"safe_mode"`
	Reason      Status                                 `json:"reason"`
	TriggeredAt int64                                  `json:"triggered_at"`
}

func (s *State) Snapshot() StateSnapshot {
	out := StateSnapshot{
		LastGood:    make(map[protocol.CollateralKind]PricePoint, len(s.lastGood)),
		SafeMode:    s.safeMode,
		Reason:      s.reason,
		TriggeredAt: s.triggeredAt,
	}
	for k, p := range s.lastGood {
		out.LastGood[k] = PricePoint{Price: p.Price.Clone(), Timestamp: p.Timestamp}
	}
	return out
}

func RestoreState(snap StateSnapshot) *State {
	s := NewState()
	for k, p := range snap.LastGood {
		if p.Price != nil {
			s.recordGood(k, p.Price, p.Timestamp)
		}
	}
	s.safeMode = snap.SafeMode
	s.reason = snap.Reason
	s.triggeredAt = snap.TriggeredAt
	return s
}
