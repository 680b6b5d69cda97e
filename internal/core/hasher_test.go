package core_test

import (
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/protocol"
)

func link() core.Link {
	kind := protocol.KindNative
	return core.Link{
		Sequence:    1,
		CommandType: event.CommandTypeOpenVault,
		Kind:        &kind,
		Timestamp:   t0,
		Key:         "req-1",
		StateDigest: []byte("digest"),
	}
}

func TestChain_AppendIsDeterministic(t *testing.T) {
	a, b := core.NewChain(), core.NewChain()
	if a.Append(link()) != b.Append(link()) {
		t.Fatal("same link on the same tip must hash the same")
	}
	if a.Tip() == core.GenesisHash() {
		t.Error("tip did not advance")
	}
}

func TestChain_CommandIdentityIsHashed(t *testing.T) {
	base := core.NewChain().Append(link())

	derivative := protocol.KindDerivative
	variants := map[string]func(l *core.Link){
		"command type": func(l *core.Link) { l.CommandType = event.CommandTypeAdjustVault },
		"kind":         func(l *core.Link) { l.Kind = &derivative },
		"no kind":      func(l *core.Link) { l.Kind = nil },
		"timestamp":    func(l *core.Link) { l.Timestamp++ },
		"key":          func(l *core.Link) { l.Key = "req-2" },
		"sequence":     func(l *core.Link) { l.Sequence = 2 },
		"digest":       func(l *core.Link) { l.StateDigest = []byte("other") },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			l := link()
			mutate(&l)
			if core.NewChain().Append(l) == base {
				t.Errorf("changing the %s left the hash unchanged", name)
			}
		})
	}
}

func TestChain_ResetContinuesFromTip(t *testing.T) {
	a := core.NewChain()
	a.Append(link())
	next := link()
	next.Sequence = 2

	b := core.NewChain()
	b.Reset(a.Tip())
	if a.Append(next) != b.Append(next) {
		t.Error("a reset chain must continue like the original")
	}
}
