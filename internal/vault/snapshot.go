package vault

import (
	"sort"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
)

// BranchSnapshot is the serializable form of a Branch. Aggregates are
// rebuilt from the vaults on restore.
type BranchSnapshot struct {
	Kind   protocol.CollateralKind `json:"kind"`
	NextID uint64                  `json:"next_id"`
	Vaults []*Vault                `json:"vaults"`
}

func (b *Branch) Snapshot() BranchSnapshot {
	out := BranchSnapshot{Kind: b.kind, NextID: b.nextID, Vaults: make([]*Vault, 0, len(b.vaults))}
	for _, v := range b.vaults {
		out.Vaults = append(out.Vaults, v.Clone())
	}
	sort.Slice(out.Vaults, func(i, j int) bool { return out.Vaults[i].ID < out.Vaults[j].ID })
	return out
}

func RestoreBranch(snap BranchSnapshot, params *protocol.Params, state *oracle.State) *Branch {
	b := NewBranch(snap.Kind, params, state)
	for _, v := range snap.Vaults {
		b.Apply(&Change{After: v})
	}
	if snap.NextID > b.nextID {
		b.nextID = snap.NextID
	}
	return b
}
