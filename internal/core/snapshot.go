package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/treasury"
	"CDPLedger/internal/vault"
)

// Snapshot is the whole protocol state at one sequence.
type Snapshot struct {
	Sequence  uint64 `json:"sequence"`
	StateHash string `json:"state_hash"`
	Clock     int64  `json:"clock"`
	TakenAt   int64  `json:"taken_at"`

	Params   protocol.Params        `json:"params"`
	Oracle   oracle.StateSnapshot   `json:"oracle"`
	Branches []vault.BranchSnapshot `json:"branches"`
	Pool     stability.PoolSnapshot `json:"pool"`

	Liquidations     map[protocol.CollateralKind]liquidation.Stats `json:"liquidations"`
	RedemptionFee    redemption.FeeState                           `json:"redemption_fee"`
	RedemptionTotals map[protocol.CollateralKind]redemption.Totals `json:"redemption_totals"`
	Treasury         []treasury.Entry                              `json:"treasury"`

	Custody         []ledger.AccountBalance `json:"custody"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// Snapshot exports the state under the lock.
func (p *Protocol) Snapshot() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	tip := p.chain.Tip()
	snap := &Snapshot{
		Sequence:         p.sequence,
		StateHash:        hex.EncodeToString(tip[:]),
		Clock:            p.clock,
		TakenAt:          time.Now().Unix(),
		Params:           *p.params.Clone(),
		Oracle:           p.oracleState.Snapshot(),
		Pool:             p.pool.Snapshot(),
		Liquidations:     make(map[protocol.CollateralKind]liquidation.Stats, len(p.branches)),
		RedemptionFee:    p.redemptions.FeeState(),
		RedemptionTotals: make(map[protocol.CollateralKind]redemption.Totals, len(p.branches)),
		Treasury:         p.treasury.Snapshot(),
		Custody:          p.tracker.Snapshot(),
		IdempotencyKeys:  p.idempotency.Keys(),
	}
	for _, kind := range protocol.Kinds {
		b, ok := p.branches[kind]
		if !ok {
			continue
		}
		snap.Branches = append(snap.Branches, b.Snapshot())
		snap.Liquidations[kind] = p.liquidations.Stats(kind)
		snap.RedemptionTotals[kind] = p.redemptions.Totals(kind)
	}
	return snap
}

// Restore rebuilds a protocol from a snapshot. The custody ledger must agree
// with the restored subsystems.
func Restore(cfg Config, snap *Snapshot) (*Protocol, error) {
	params := snap.Params.Clone()
	if err := protocol.ValidateParams(params); err != nil {
		return nil, err
	}
	tip, err := decodeHash(snap.StateHash)
	if err != nil {
		return nil, err
	}
	state := oracle.RestoreState(snap.Oracle)

	restored := make(map[protocol.CollateralKind]vault.BranchSnapshot, len(snap.Branches))
	for _, bs := range snap.Branches {
		restored[bs.Kind] = bs
	}
	branches := make([]*vault.Branch, 0, len(protocol.Kinds))
	for _, kind := range protocol.Kinds {
		if bs, ok := restored[kind]; ok {
			branches = append(branches, vault.RestoreBranch(bs, params, state))
		} else {
			branches = append(branches, vault.NewBranch(kind, params, state))
		}
	}

	p := newProtocol(cfg)
	p.wire(params, state, stability.RestorePool(snap.Pool, params, state), branches)
	for kind, s := range snap.Liquidations {
		p.liquidations.RestoreStats(kind, s)
	}
	p.redemptions.Restore(snap.RedemptionFee, snap.RedemptionTotals)
	p.treasury = treasury.New(p.cfg.Authz)
	p.treasury.Restore(snap.Treasury)
	p.tracker = ledger.RestoreBalanceTracker(snap.Custody)
	p.validator = ledger.NewInvariantValidator(p.tracker)
	p.chain.Reset(tip)
	p.idempotency.Warm(snap.IdempotencyKeys)
	p.sequence = snap.Sequence
	p.clock = snap.Clock

	if err := p.checkInvariants(); err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	p.observe()
	return p, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return GenesisHash(), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("invalid state hash %q", s)
	}
	copy(out[:], b)
	return out, nil
}

// Replay re-applies logged commands on top of the current state with
// settlement and publishing disabled. Envelopes at or below the current
// sequence are skipped. Every replayed command must reproduce its logged
// state hash.
func (p *Protocol) Replay(ctx context.Context, envelopes []*event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	replayed := 0
	for _, env := range envelopes {
		if env.Sequence <= p.sequence {
			continue
		}
		if env.Sequence != p.sequence+1 {
			return fmt.Errorf("%w: expected sequence %d, got %d", ErrReplayDivergence, p.sequence+1, env.Sequence)
		}
		if env.PrevHash != p.chain.Tip() {
			return fmt.Errorf("%w: sequence %d does not chain onto the current tip", ErrReplayDivergence, env.Sequence)
		}
		cmd, err := event.Decode(env.CommandType, env.Payload)
		if err != nil {
			return fmt.Errorf("replay %d: %w", env.Sequence, err)
		}
		res, err := p.execute(ctx, cmd, env)
		if err != nil {
			return fmt.Errorf("%w: sequence %d: %v", ErrReplayDivergence, env.Sequence, err)
		}
		if res.StateHash != env.StateHash {
			return fmt.Errorf("%w: state hash mismatch at sequence %d", ErrReplayDivergence, env.Sequence)
		}
		replayed++
		if p.metrics != nil {
			p.metrics.ReplayEventsTotal.Inc()
		}
	}
	if p.metrics != nil {
		p.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	p.logger.Info().Int("replayed", replayed).Uint64("sequence", p.sequence).
		Dur("took", time.Since(start)).Msg("replay complete")
	return nil
}
