package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"CDPLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow is a row of event_log.events.
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Kind           *string
	Payload        []byte
	Record         []byte
	Events         []byte
	Legs           []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
}

// JournalRow is a row of event_log.journal. Amount is a base-10 integer.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Counterparty  *string
	Timestamp     int64
}

// RowsFromOutput flattens one core output into its log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow, error) {
	env := out.Envelope
	events, err := json.Marshal(out.Events)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("marshal events %d: %w", env.Sequence, err)
	}
	legs, err := json.Marshal(out.Legs)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("marshal legs %d: %w", env.Sequence, err)
	}
	row := EventRow{
		Sequence:       int64(env.Sequence),
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Record:         env.Record,
		Events:         events,
		Legs:           legs,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if env.Kind != nil {
		k := env.Kind.String()
		row.Kind = &k
	}
	if len(row.Record) == 0 {
		row.Record = []byte("{}")
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			jr := JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      int64(env.Sequence),
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         string(j.Asset),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			}
			if j.Counterparty != "" {
				cp := string(j.Counterparty)
				jr.Counterparty = &cp
			}
			journals = append(journals, jr)
		}
	}
	return row, journals, nil
}

// EventLogWriter writes the event log with multi-row INSERTs. Writes are
// idempotent on the primary keys, so a retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, kind, payload, record, events, legs, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Kind,
			e.Payload, e.Record, e.Events, e.Legs,
			e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, counterparty, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Counterparty, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+i)
	}
	sb.WriteByte(')')
	return sb.String()
}
