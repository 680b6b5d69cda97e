package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/vault"

	"github.com/rs/zerolog"
)

const rebuildPage = 500

// DecodeEvents turns the events column of the log back into typed events.
// Types the read model does not project keep their raw data.
func DecodeEvents(raw []byte) ([]event.Event, error) {
	var stored []struct {
		Type      event.EventType `json:"type"`
		Sequence  uint64          `json:"sequence"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}

	events := make([]event.Event, 0, len(stored))
	for _, s := range stored {
		ev := event.Event{Type: s.Type, Sequence: s.Sequence, Timestamp: s.Timestamp}
		var target any
		switch s.Type {
		case event.EventVaultChanged:
			target = &vault.Change{}
		case event.EventVaultLiquidated:
			target = &liquidation.Liquidation{}
		case event.EventRedemption:
			target = &redemption.Plan{}
		default:
			ev.Data = s.Data
			events = append(events, ev)
			continue
		}
		if err := json.Unmarshal(s.Data, target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.Type, err)
		}
		ev.Data = target
		events = append(events, ev)
	}
	return events, nil
}

// RebuildProjections empties the read model and rebuilds it from the event
// log. Balances come straight from journal aggregates; the other tables
// replay the logged events page by page.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.vaults`,
		`TRUNCATE projections.liquidations`,
		`TRUNCATE projections.redemptions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, debits, credits, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			0,
			SUM(amount),
			MAX(sequence)
		FROM event_log.journal
		GROUP BY credit_account, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, debits, credits, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount),
			0,
			MAX(sequence)
		FROM event_log.journal
		GROUP BY debit_account, asset
		ON CONFLICT (account_path) DO UPDATE
			SET debits = EXCLUDED.debits,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	var last uint64
	for {
		n, next, err := rebuildPageFrom(ctx, db, last)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		last = next
	}

	if last > 0 {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := writeWatermark(ctx, tx, last); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	logger.Info().Uint64("watermark", last).Msg("projection rebuild complete")
	return nil
}

func rebuildPageFrom(ctx context.Context, db *sql.DB, after uint64) (int, uint64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, payload, events, timestamp
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, int64(after), rebuildPage)
	if err != nil {
		return 0, after, err
	}

	type logged struct {
		seq    uint64
		caller string
		events []event.Event
		ts     int64
	}
	var page []logged
	for rows.Next() {
		var (
			seq              int64
			payload, evsJSON []byte
			ts               int64
		)
		if err := rows.Scan(&seq, &payload, &evsJSON, &ts); err != nil {
			rows.Close()
			return 0, after, err
		}
		evs, err := DecodeEvents(evsJSON)
		if err != nil {
			rows.Close()
			return 0, after, fmt.Errorf("sequence %d: %w", seq, err)
		}
		page = append(page, logged{seq: uint64(seq), caller: callerOf(payload), events: evs, ts: ts})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, after, err
	}
	if len(page) == 0 {
		return 0, after, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, after, err
	}
	defer tx.Rollback()
	for _, l := range page {
		if err := applyEvents(ctx, tx, l.events, l.caller, l.seq, l.ts); err != nil {
			return 0, after, fmt.Errorf("sequence %d: %w", l.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, after, err
	}
	return len(page), page[len(page)-1].seq, nil
}
