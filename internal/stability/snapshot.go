package stability

import (
	"sort"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

type SumEntry struct {
	Epoch uint64                  `json:"epoch"`
	Scale uint64                  `json:"scale"`
	Kind  protocol.CollateralKind `json:"kind"`
	Value *uint256.Int            `json:"value"`
}

// PoolSnapshot is the serializable form of a Pool.
type PoolSnapshot struct {
	TotalDeposits *uint256.Int                             `json:"total_deposits"`
	Dust          *uint256.Int                             `json:"dust"`
	P             *uint256.Int                             `json:"p"`
	Epoch         uint64                                   `json:"epoch"`
	Scale         uint64                                   `json:"scale"`
	Sums          []SumEntry                               `json:"sums"`
	Collateral    map[protocol.CollateralKind]*uint256.Int `json:"collateral"`
	Deposits      []*Deposit                               `json:"deposits"`
}

func (p *Pool) Snapshot() PoolSnapshot {
	snap := PoolSnapshot{
		TotalDeposits: p.totalDeposits.Clone(),
		Dust:          p.dust.Clone(),
		P:             p.p.Clone(),
		Epoch:         p.epoch,
		Scale:         p.scale,
		Collateral:    make(map[protocol.CollateralKind]*uint256.Int, len(p.collateral)),
	}
	for k, v := range p.sums {
		snap.Sums = append(snap.Sums, SumEntry{Epoch: k.Epoch, Scale: k.Scale, Kind: k.Kind, Value: v.Clone()})
	}
	sort.Slice(snap.Sums, func(i, j int) bool {
		a, b := snap.Sums[i], snap.Sums[j]
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		if a.Scale != b.Scale {
			return a.Scale < b.Scale
		}
		return a.Kind < b.Kind
	})
	for k, v := range p.collateral {
		snap.Collateral[k] = v.Clone()
	}
	for _, a := range p.Depositors() {
		snap.Deposits = append(snap.Deposits, p.deposits[a].Clone())
	}
	return snap
}

func RestorePool(snap PoolSnapshot, params *protocol.Params, state *oracle.State) *Pool {
	p := NewPool(params, state)
	p.totalDeposits = fpmath.OrZero(snap.TotalDeposits).Clone()
	p.dust = fpmath.OrZero(snap.Dust).Clone()
	if snap.P != nil && !snap.P.IsZero() {
		p.p = snap.P.Clone()
	}
	p.epoch = snap.Epoch
	p.scale = snap.Scale
	for _, e := range snap.Sums {
		p.sums[sumKey{Epoch: e.Epoch, Scale: e.Scale, Kind: e.Kind}] = e.Value.Clone()
	}
	for k, v := range snap.Collateral {
		p.collateral[k] = v.Clone()
	}
	for _, d := range snap.Deposits {
		p.deposits[d.Depositor] = d.Clone()
	}
	return p
}
