package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/vault"

	"github.com/rs/zerolog"
)

const workerID = "main"

// Vault status values in projections.vaults.
const (
	StatusActive     = "active"
	StatusClosed     = "closed"
	StatusLiquidated = "liquidated"
	StatusRedeemed   = "redeemed"
)

// ProjectionWorker maintains the read model from persisted outputs. It may
// miss outputs when its channel is full; Rebuild recovers from the log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   uint64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
}

func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, out); err != nil {
				// eventually consistent; Rebuild repairs it
				pw.logger.Warn().Err(err).Uint64("sequence", out.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply projects one output in a single transaction. Outputs at or below
// the watermark are ignored.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	start := time.Now()
	seq := out.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	watermark, err := readWatermark(ctx, tx)
	if err != nil {
		return err
	}
	if seq <= watermark {
		return nil
	}
	if seq != watermark+1 {
		pw.logger.Warn().Uint64("watermark", watermark).Uint64("sequence", seq).Msg("projection gap, rebuild advised")
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := applyJournal(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	if err := applyEvents(ctx, tx, out.Events, callerOf(out.Envelope.Payload), seq, out.Envelope.Timestamp); err != nil {
		return err
	}
	if err := writeWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq = seq
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionWatermark.Set(float64(seq))
	}
	return nil
}

// callerOf reads the caller from a command payload. Every command embeds
// the request header, so the field sits at the top level.
func callerOf(payload []byte) string {
	var h struct {
		Caller string `json:"caller"`
	}
	_ = json.Unmarshal(payload, &h)
	return h.Caller
}

func applyEvents(ctx context.Context, tx *sql.Tx, events []event.Event, caller string, seq uint64, ts int64) error {
	for _, ev := range events {
		if err := applyEvent(ctx, tx, ev, caller, seq, ts); err != nil {
			return fmt.Errorf("%s projection: %w", ev.Type, err)
		}
	}
	return nil
}

// applyEvent dispatches on the event payload. Payloads are the core's
// typed records, or their JSON decoding when rebuilding.
func applyEvent(ctx context.Context, tx *sql.Tx, ev event.Event, caller string, seq uint64, ts int64) error {
	switch data := ev.Data.(type) {
	case *vault.Change:
		return upsertVault(ctx, tx, data, seq, ts)
	case *liquidation.Liquidation:
		if err := insertLiquidation(ctx, tx, data, caller, seq, ts); err != nil {
			return err
		}
		return upsertVault(ctx, tx, data.Change, seq, ts)
	case *redemption.Plan:
		if err := insertRedemption(ctx, tx, data, seq, ts); err != nil {
			return err
		}
		for _, ch := range data.Changes {
			if err := upsertVault(ctx, tx, ch, seq, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

func vaultStatus(ch *vault.Change) string {
	if ch.After != nil {
		return StatusActive
	}
	switch ch.Op {
	case vault.OpLiquidate:
		return StatusLiquidated
	case vault.OpRedeem, vault.OpRedeemClosed:
		return StatusRedeemed
	default:
		return StatusClosed
	}
}

func upsertVault(ctx context.Context, tx *sql.Tx, ch *vault.Change, seq uint64, ts int64) error {
	if ch == nil {
		return nil
	}
	coll, debt, rate := "0", "0", uint32(0)
	switch {
	case ch.After != nil:
		coll, debt, rate = ch.After.Collateral.Dec(), ch.After.Debt.Dec(), ch.After.InterestRateBps
	case ch.Before != nil:
		rate = ch.Before.InterestRateBps
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vaults
			(kind, vault_id, owner, collateral, debt, interest_rate_bps, status, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (kind, vault_id) DO UPDATE SET
			collateral = EXCLUDED.collateral,
			debt = EXCLUDED.debt,
			interest_rate_bps = EXCLUDED.interest_rate_bps,
			status = EXCLUDED.status,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
	`, ch.Kind.String(), int64(ch.VaultID), string(ch.Owner), coll, debt, int64(rate), vaultStatus(ch), int64(seq), ts)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, l *liquidation.Liquidation, liquidator string, seq uint64, ts int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, kind, vault_id, owner, liquidator, icr_bps, debt, collateral, gas_compensation, to_pool, surplus, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12)
		ON CONFLICT (sequence, kind, vault_id) DO NOTHING
	`, int64(seq), l.Kind.String(), int64(l.VaultID), string(l.Owner), liquidator, int64(l.ICR),
		l.Debt.Dec(), l.Collateral.Dec(), l.GasCompensation.Dec(), l.ToPool.Dec(), l.Surplus.Dec(), ts)
	return err
}

func insertRedemption(ctx context.Context, tx *sql.Tx, p *redemption.Plan, seq uint64, ts int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.redemptions
			(sequence, kind, redeemer, redeemed, fee_bps, fee, collateral_out, vaults_touched, timestamp)
		VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, int64(seq), p.Request.Kind.String(), string(p.Request.Redeemer), p.Redeemed.Dec(), int64(p.FeeBps),
		p.Fee.Dec(), p.CollateralOut.Dec(), len(p.Changes), ts)
	return err
}

func applyJournal(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq uint64) error {
	amount := j.Amount.Dec()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, debits, credits, last_sequence)
		VALUES ($1, $2, $3::numeric, 0, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET debits = projections.balances.debits + $3::numeric, last_sequence = $4
	`, j.DebitAccount.AccountPath(), string(j.Asset), amount, int64(seq)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, debits, credits, last_sequence)
		VALUES ($1, $2, 0, $3::numeric, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET credits = projections.balances.credits + $3::numeric, last_sequence = $4
	`, j.CreditAccount.AccountPath(), string(j.Asset), amount, int64(seq))
	return err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func readWatermark(ctx context.Context, q queryRower) (uint64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(seq), err
}

func writeWatermark(ctx context.Context, tx *sql.Tx, seq uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, int64(seq))
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}
