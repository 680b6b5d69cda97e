package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/shopspring/decimal"
)

// ErrStale is returned when the projection has not yet reached the
// sequence a caller asked to read at.
var ErrStale = errors.New("query: projection behind requested sequence")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to projection tables and the
// journal. The projection is eventually consistent; every response carries
// as_of_sequence, and callers that just wrote can pass the sequence they
// got back as a minimum.
type QueryService struct {
	db    *sql.DB
	units fpmath.Units
}

func NewQueryService(db *sql.DB, units fpmath.Units) *QueryService {
	return &QueryService{db: db, units: units}
}

// Cursor pages newest first. Before is exclusive; zero means from the
// newest.
type Cursor struct {
	Before uint64
	Limit  int
}

func (c Cursor) limit() int {
	switch {
	case c.Limit <= 0:
		return defaultLimit
	case c.Limit > maxLimit:
		return maxLimit
	default:
		return c.Limit
	}
}

// GetVaultsByOwner returns owner's projected vaults, closed ones included.
func (qs *QueryService) GetVaultsByOwner(ctx context.Context, owner string, minSequence uint64) (*Page[VaultResponse], error) {
	asOf, err := qs.freshWatermark(ctx, minSequence)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT kind, vault_id, owner, collateral::text, debt::text,
		       interest_rate_bps, status, last_sequence, updated_at
		FROM projections.vaults
		WHERE owner = $1
		ORDER BY kind, vault_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[VaultResponse]{Items: []VaultResponse{}, AsOfSequence: asOf}
	for rows.Next() {
		var (
			v          VaultResponse
			coll, debt string
			id, seq    int64
			rate       int64
		)
		if err := rows.Scan(&v.Kind, &id, &v.Owner, &coll, &debt, &rate, &v.Status, &seq, &v.UpdatedAt); err != nil {
			return nil, err
		}
		if v.Collateral, err = scaled(coll, qs.units.CollateralDecimals); err != nil {
			return nil, err
		}
		if v.Debt, err = scaled(debt, qs.units.DebtDecimals); err != nil {
			return nil, err
		}
		v.VaultID, v.InterestRateBps, v.LastSequence = uint64(id), uint32(rate), uint64(seq)
		page.Items = append(page.Items, v)
	}
	return page, rows.Err()
}

// LiquidationFilter narrows GetLiquidations. Empty fields match all.
type LiquidationFilter struct {
	Kind  string
	Owner string
	Cursor
}

// GetLiquidations returns liquidations newest first.
func (qs *QueryService) GetLiquidations(ctx context.Context, f LiquidationFilter) (*Page[LiquidationResponse], error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, kind, vault_id, owner, liquidator, icr_bps, debt::text, collateral::text,
		       gas_compensation::text, to_pool::text, surplus::text, timestamp
		FROM projections.liquidations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if f.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, f.Kind)
		argIdx++
	}
	if f.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, f.Owner)
		argIdx++
	}
	if f.Before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(f.Before))
		argIdx++
	}
	query += " ORDER BY sequence DESC, vault_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, f.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[LiquidationResponse]{Items: []LiquidationResponse{}, AsOfSequence: asOf}
	for rows.Next() {
		var (
			l                                LiquidationResponse
			seq, id, icr                     int64
			debt, coll, gas, toPool, surplus string
		)
		if err := rows.Scan(&seq, &l.Kind, &id, &l.Owner, &l.Liquidator, &icr,
			&debt, &coll, &gas, &toPool, &surplus, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Sequence, l.VaultID, l.ICRBps = uint64(seq), uint64(id), uint64(icr)
		for _, a := range []struct {
			dst *decimal.Decimal
			src string
			dec uint8
		}{
			{&l.Debt, debt, qs.units.DebtDecimals},
			{&l.Collateral, coll, qs.units.CollateralDecimals},
			{&l.GasCompensation, gas, qs.units.CollateralDecimals},
			{&l.ToPool, toPool, qs.units.CollateralDecimals},
			{&l.Surplus, surplus, qs.units.CollateralDecimals},
		} {
			if *a.dst, err = scaled(a.src, a.dec); err != nil {
				return nil, err
			}
		}
		page.Items = append(page.Items, l)
	}
	return page, rows.Err()
}

// GetRedemptions returns redemptions newest first, optionally for one
// redeemer.
func (qs *QueryService) GetRedemptions(ctx context.Context, redeemer string, c Cursor) (*Page[RedemptionResponse], error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, kind, redeemer, redeemed::text, fee_bps, fee::text,
		       collateral_out::text, vaults_touched, timestamp
		FROM projections.redemptions
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if redeemer != "" {
		query += fmt.Sprintf(" AND redeemer = $%d", argIdx)
		args = append(args, redeemer)
		argIdx++
	}
	if c.Before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(c.Before))
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, c.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[RedemptionResponse]{Items: []RedemptionResponse{}, AsOfSequence: asOf}
	for rows.Next() {
		var (
			r                      RedemptionResponse
			seq, feeBps            int64
			redeemed, fee, collOut string
		)
		if err := rows.Scan(&seq, &r.Kind, &r.Redeemer, &redeemed, &feeBps, &fee,
			&collOut, &r.VaultsTouched, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Sequence, r.FeeBps = uint64(seq), uint64(feeBps)
		if r.Redeemed, err = scaled(redeemed, qs.units.DebtDecimals); err != nil {
			return nil, err
		}
		if r.Fee, err = scaled(fee, qs.units.CollateralDecimals); err != nil {
			return nil, err
		}
		if r.CollateralOut, err = scaled(collOut, qs.units.CollateralDecimals); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, r)
	}
	return page, rows.Err()
}

// GetJournalHistory returns logged journals that debit or credit
// accountPath, newest first. It reads the event log, so it is never behind
// the persisted head.
func (qs *QueryService) GetJournalHistory(ctx context.Context, accountPath string, c Cursor) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type,
		       COALESCE(counterparty, ''), timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if c.Before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(c.Before))
		argIdx++
	}
	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, c.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			seq    int64
			amount string
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &seq,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Counterparty, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		if e.Amount, err = scaled(amount, qs.decimalsOf(protocol.Asset(e.Asset))); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the state hash chain of the event log and that
// every asset's journals balance.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report.AsOfSequence = asOf

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, uint64(seq))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, (SUM(debits) - SUM(credits))::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(debits) != SUM(credits)
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// Watermark is the last sequence the projection has applied.
func (qs *QueryService) Watermark(ctx context.Context) (uint64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) freshWatermark(ctx context.Context, minSequence uint64) (uint64, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	if asOf < minSequence {
		return asOf, fmt.Errorf("at %d, want %d: %w", asOf, minSequence, ErrStale)
	}
	return asOf, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (uint64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(seq), err
}
