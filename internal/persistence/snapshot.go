package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/protocol"

	"github.com/google/uuid"
)

// snapshotFormat v1 is a JSON-encoded core.Snapshot.
const snapshotFormat = 1

// SnapshotManager stores core snapshots and reads the log back for replay.
// A snapshot is only trusted after Verify matched it against the log.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save stores snap unverified and returns its encoded size.
func (sm *SnapshotManager) Save(ctx context.Context, snap *core.Snapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot %d state hash: %w", snap.Sequence, err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), int64(snap.Sequence), data, hash, snapshotFormat, len(data), time.Unix(snap.TakenAt, 0).UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// Verify marks every snapshot whose state hash matches the logged command
// at its sequence. Snapshots ahead of the log stay unverified until the
// persistence worker catches up.
func (sm *SnapshotManager) Verify(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
		  AND NOT s.verified
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadLatest returns the newest verified snapshot, or nil for a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*core.Snapshot, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes verified snapshots older than the newest keep.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE verified = TRUE AND sequence < (
			SELECT COALESCE(MIN(sequence), 0) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified = TRUE
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadEnvelopesFrom reads up to limit logged commands starting at from.
func (sm *SnapshotManager) LoadEnvelopesFrom(ctx context.Context, from uint64, limit int) ([]*event.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, kind, payload, record,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, int64(from), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*event.Envelope
	for rows.Next() {
		var (
			r          EventRow
			ct         string
			state, prv []byte
		)
		if err := rows.Scan(&r.Sequence, &ct, &r.IdempotencyKey, &r.Kind, &r.Payload, &r.Record,
			&state, &prv, &r.Timestamp); err != nil {
			return nil, err
		}
		env, err := envelopeFromRow(r, ct, state, prv)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func envelopeFromRow(r EventRow, ct string, state, prev []byte) (*event.Envelope, error) {
	cmdType, err := event.ParseCommandType(ct)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
	}
	if len(state) != 32 || len(prev) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash", r.Sequence)
	}
	env := &event.Envelope{
		Sequence:       uint64(r.Sequence),
		IdempotencyKey: r.IdempotencyKey,
		CommandType:    cmdType,
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
		Record:         r.Record,
	}
	if r.Kind != nil {
		kind, err := protocol.ParseCollateralKind(*r.Kind)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
		}
		env.Kind = &kind
	}
	copy(env.StateHash[:], state)
	copy(env.PrevHash[:], prev)
	return env, nil
}

// LatestSequence returns the highest logged sequence, 0 when empty.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
