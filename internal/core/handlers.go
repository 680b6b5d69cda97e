package core

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/vault"
)

// dispatch plans a command. It must not change any state: every mutation
// goes into the step's commit list.
func (p *Protocol) dispatch(x *execution, cmd event.Command) (*step, error) {
	st := &step{gen: ledger.NewBatch(cmd.IdempotencyKey(), x.seq, x.now)}

	var err error
	switch c := cmd.(type) {
	case *event.OpenVault:
		err = p.openVault(x, st, c)
	case *event.AdjustVault:
		err = p.adjustVault(x, st, c)
	case *event.CloseVault:
		err = p.closeVault(x, st, c)
	case *event.AdjustInterestRate:
		err = p.adjustInterestRate(x, st, c)
	case *event.Liquidate:
		err = p.liquidate(x, st, c.Kind, func(q oracle.PriceQuote) (*liquidation.Plan, error) {
			return p.liquidations.PlanLiquidate(c.Kind, c.VaultID, c.Caller, q, x.now)
		})
	case *event.LiquidateBatch:
		err = p.liquidate(x, st, c.Kind, func(q oracle.PriceQuote) (*liquidation.Plan, error) {
			return p.liquidations.PlanBatch(c.Kind, c.VaultIDs, c.MaxCount, c.Caller, q, x.now)
		})
	case *event.PoolDeposit:
		err = p.poolMovement(st, func() (*stability.Movement, error) { return p.pool.PlanDeposit(c.Caller, c.Amount) })
	case *event.PoolWithdraw:
		err = p.poolMovement(st, func() (*stability.Movement, error) { return p.pool.PlanWithdraw(c.Caller, c.Amount) })
	case *event.PoolClaim:
		err = p.poolMovement(st, func() (*stability.Movement, error) { return p.pool.PlanClaimGains(c.Caller) })
	case *event.Redeem:
		err = p.redeem(x, st, c)
	case *event.RefreshPrice:
		err = p.refreshPrice(x, st, c)
	case *event.ClearSafeMode:
		err = p.clearSafeMode(st, c)
	case *event.UpdateParams:
		err = p.updateParams(st, c)
	case *event.TreasuryWithdraw:
		err = p.treasuryWithdraw(st, c)
	default:
		err = fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// quote reads the feeds (or the recorded inputs during replay) and
// evaluates without touching oracle state.
func (p *Protocol) quote(x *execution, st *step, kind protocol.CollateralKind) oracle.PriceQuote {
	in := p.inputs(x, kind)
	q := p.oracle.Evaluate(kind, in, x.now)
	st.record.Inputs = &in
	st.record.Quote = &q
	if p.metrics != nil && x.replay == nil {
		p.metrics.OracleQuotes.WithLabelValues(kind.String(), q.Status.String()).Inc()
	}
	return q
}

func (p *Protocol) inputs(x *execution, kind protocol.CollateralKind) oracle.Inputs {
	if x.replay != nil {
		if x.replay.Inputs != nil {
			return *x.replay.Inputs
		}
		return oracle.Inputs{}
	}
	return p.oracle.Read(x.ctx, kind)
}

// vaultChange books a branch change and schedules its commit. Interest
// accrued on the way lands in the treasury.
func (p *Protocol) vaultChange(st *step, ch *vault.Change) {
	b := p.branches[ch.Kind]
	st.gen.VaultChange(ch)
	st.then(func() {
		b.Apply(ch)
		p.treasury.RecordInterest(ch.Kind, ch.Interest)
	})
	st.emit(event.EventVaultChanged, kindRef(ch.Kind), ch)
}

func (p *Protocol) openVault(x *execution, st *step, c *event.OpenVault) error {
	b, err := p.branch(c.Kind)
	if err != nil {
		return err
	}
	q := p.quote(x, st, c.Kind)
	ch, err := b.PlanOpen(c.Caller, c.Collateral, c.Debt, c.RateBps, q, x.now)
	if err != nil {
		return err
	}
	p.vaultChange(st, ch)
	return nil
}

func (p *Protocol) adjustVault(x *execution, st *step, c *event.AdjustVault) error {
	b, err := p.branch(c.Kind)
	if err != nil {
		return err
	}
	q := p.quote(x, st, c.Kind)
	ch, err := b.PlanAdjust(c.Caller, c.VaultID, c.Adjustment, q, x.now)
	if err != nil {
		return err
	}
	p.vaultChange(st, ch)
	return nil
}

func (p *Protocol) closeVault(x *execution, st *step, c *event.CloseVault) error {
	b, err := p.branch(c.Kind)
	if err != nil {
		return err
	}
	ch, err := b.PlanClose(c.Caller, c.VaultID, x.now)
	if err != nil {
		return err
	}
	p.vaultChange(st, ch)
	return nil
}

func (p *Protocol) adjustInterestRate(x *execution, st *step, c *event.AdjustInterestRate) error {
	b, err := p.branch(c.Kind)
	if err != nil {
		return err
	}
	ch, err := b.PlanAdjustInterestRate(c.Caller, c.VaultID, c.RateBps, x.now)
	if err != nil {
		return err
	}
	p.vaultChange(st, ch)
	return nil
}

func (p *Protocol) liquidate(x *execution, st *step, kind protocol.CollateralKind, planner func(oracle.PriceQuote) (*liquidation.Plan, error)) error {
	if _, err := p.branch(kind); err != nil {
		return err
	}
	plan, err := planner(p.quote(x, st, kind))
	if err != nil {
		return err
	}
	if len(plan.Liquidations) == 0 {
		return fmt.Errorf("liquidate %s: %w", kind, protocol.ErrNotLiquidatable)
	}
	for _, l := range plan.Liquidations {
		st.gen.Liquidation(l, plan.Liquidator)
		st.emit(event.EventVaultLiquidated, kindRef(kind), l)
	}
	st.then(func() {
		if err := p.liquidations.Commit(plan); err != nil {
			panic(fmt.Sprintf("FATAL: commit planned liquidation: %v", err))
		}
		for _, l := range plan.Liquidations {
			p.treasury.RecordInterest(kind, l.Change.Interest)
		}
		p.countLiquidations(kind, plan)
	})
	return nil
}

func (p *Protocol) countLiquidations(kind protocol.CollateralKind, plan *liquidation.Plan) {
	if p.metrics == nil {
		return
	}
	p.metrics.Liquidations.WithLabelValues(kind.String()).Add(float64(len(plan.Liquidations)))
	p.metrics.LiquidatedDebt.WithLabelValues(kind.String()).Add(observability.Units(plan.TotalDebt(), p.params.Units.DebtDecimals))
}

func (p *Protocol) poolMovement(st *step, plan func() (*stability.Movement, error)) error {
	m, err := plan()
	if err != nil {
		return err
	}
	st.gen.PoolMovement(m)
	st.then(func() { p.pool.Apply(m) })
	st.emit(event.EventPoolMovement, nil, m)
	return nil
}

func (p *Protocol) redeem(x *execution, st *step, c *event.Redeem) error {
	if _, err := p.branch(c.Kind); err != nil {
		return err
	}
	q := p.quote(x, st, c.Kind)
	plan, err := p.redemptions.Plan(redemption.Request{
		Redeemer:         c.Caller,
		Kind:             c.Kind,
		Amount:           c.Amount,
		MaxFeeBps:        c.MaxFeeBps,
		MaxIterations:    c.MaxIterations,
		MinCollateralOut: c.MinCollateralOut,
	}, q, x.now)
	if err != nil {
		return err
	}
	st.gen.Redemption(plan)
	st.then(func() {
		p.redemptions.Commit(plan, x.now)
		for _, ch := range plan.Changes {
			p.treasury.RecordInterest(c.Kind, ch.Interest)
		}
		p.treasury.RecordRedemptionFee(c.Kind, plan.Fee)
		if p.metrics != nil {
			p.metrics.Redemptions.WithLabelValues(c.Kind.String()).Inc()
			p.metrics.RedeemedDebt.WithLabelValues(c.Kind.String()).Add(observability.Units(plan.Redeemed, p.params.Units.DebtDecimals))
			p.metrics.RedemptionFeeBps.Set(float64(plan.FeeBps))
		}
	})
	st.emit(event.EventRedemption, kindRef(c.Kind), plan)
	return nil
}

// SafeModeTripped is the payload of a safe_mode_tripped event.
type SafeModeTripped struct {
	Reason      oracle.Status `json:"reason"`
	TriggeredAt int64         `json:"triggered_at"`
}

// refreshPrice is the only command that writes oracle state.
func (p *Protocol) refreshPrice(x *execution, st *step, c *event.RefreshPrice) error {
	if _, err := p.branch(c.Kind); err != nil {
		return err
	}
	in := p.inputs(x, c.Kind)
	q := p.oracle.Evaluate(c.Kind, in, x.now)
	st.record.Inputs = &in
	st.record.Quote = &q
	st.quoteErr = q.Err()

	st.then(func() {
		res := p.oracle.RefreshFrom(c.Kind, in, x.now)
		st.emit(event.EventPriceRefreshed, kindRef(c.Kind), res.Quote)
		if res.Tripped {
			st.emit(event.EventSafeModeTripped, kindRef(c.Kind), SafeModeTripped{
				Reason:      p.oracleState.Reason(),
				TriggeredAt: p.oracleState.TriggeredAt(),
			})
			p.logger.Warn().Str("kind", c.Kind.String()).Str("reason", res.Quote.Status.String()).
				Int64("at", x.now).Msg("safe mode tripped")
		}
		if p.metrics != nil && x.replay == nil {
			p.metrics.OracleQuotes.WithLabelValues(c.Kind.String(), res.Quote.Status.String()).Inc()
			if in.Direct != nil {
				p.metrics.DirectPrice.Set(observability.Units(in.Direct.Value, in.Direct.Decimals))
			}
		}
	})
	return nil
}

func (p *Protocol) clearSafeMode(st *step, c *event.ClearSafeMode) error {
	if !p.cfg.Authz.Can(c.Caller, protocol.ActionClearSafeMode) {
		return fmt.Errorf("clear safe mode: %w", protocol.ErrUnauthorized)
	}
	st.then(func() {
		cleared, err := p.oracle.ClearSafeMode(c.Caller)
		if err != nil {
			panic(fmt.Sprintf("FATAL: clear safe mode after authorization: %v", err))
		}
		if cleared {
			st.emit(event.EventSafeModeCleared, nil, c.Caller)
			p.logger.Info().Str("caller", string(c.Caller)).Msg("safe mode cleared")
		}
	})
	return nil
}

func (p *Protocol) updateParams(st *step, c *event.UpdateParams) error {
	if !p.cfg.Authz.Can(c.Caller, protocol.ActionUpdateParams) {
		return fmt.Errorf("update params: %w", protocol.ErrUnauthorized)
	}
	next := c.Params.Clone()
	if err := protocol.ValidateParams(next); err != nil {
		return err
	}
	if next.Version <= p.params.Version {
		return fmt.Errorf("%w: version %d is not above %d", protocol.ErrInvalidParams, next.Version, p.params.Version)
	}
	if next.Units != p.params.Units {
		return fmt.Errorf("%w: units cannot change", protocol.ErrInvalidParams)
	}
	st.then(func() {
		p.setParams(next)
		p.logger.Info().Uint32("version", next.Version).Msg("protocol parameters updated")
	})
	st.emit(event.EventParamsUpdated, nil, next)
	return nil
}

func (p *Protocol) treasuryWithdraw(st *step, c *event.TreasuryWithdraw) error {
	w, err := p.treasury.PlanWithdraw(c.Caller, c.Asset, c.Amount, c.Recipient)
	if err != nil {
		return err
	}
	st.gen.TreasuryWithdrawal(w)
	st.then(func() { p.treasury.Apply(w) })
	st.emit(event.EventTreasuryWithdrawal, nil, w)
	return nil
}
