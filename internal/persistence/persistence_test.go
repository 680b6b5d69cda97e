package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsFromOutput(t *testing.T) {
	p := testutil.NewProtocol(t)
	p.Open(t, "alice", 3, 4_000, 0)
	outs := p.Drain()
	require.Len(t, outs, 1)

	row, journals, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	assert.EqualValues(t, 1, row.Sequence)
	assert.Equal(t, "open_vault", row.CommandType)
	assert.Equal(t, "req-1", row.IdempotencyKey)
	require.NotNil(t, row.Kind)
	assert.Equal(t, "native", *row.Kind)
	assert.Len(t, row.StateHash, 32)
	genesis := core.GenesisHash()
	assert.Equal(t, genesis[:], row.PrevHash)

	var evs []map[string]any
	require.NoError(t, json.Unmarshal(row.Events, &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, "vault_changed", evs[0]["type"])

	require.Len(t, journals, len(outs[0].Batch.Journals))
	for i, j := range journals {
		src := outs[0].Batch.Journals[i]
		assert.Equal(t, src.Amount.Dec(), j.Amount)
		assert.Equal(t, src.DebitAccount.AccountPath(), j.DebitAccount)
		assert.EqualValues(t, 1, j.Sequence)
	}
}

func TestRowsFromOutput_GlobalCommandHasNoKind(t *testing.T) {
	p := testutil.NewProtocol(t)
	p.Open(t, "alice", 3, 4_000, 0)
	p.Deposit(t, "alice", 1_000)
	outs := p.Drain()

	row, _, err := persistence.RowsFromOutput(outs[1])
	require.NoError(t, err)
	assert.Nil(t, row.Kind)
	assert.Equal(t, "pool_deposit", row.CommandType)
}

// ===========================================================================
// Postgres
// ===========================================================================

func TestWorkerAndRecovery_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	p := testutil.NewProtocol(t)
	outs := p.Scenario(t)

	in := make(chan core.CoreOutput, len(outs))
	downstream := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)
	w := persistence.NewPersistenceWorker(db, in, downstream, 4, time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, w.Run(ctx))
	assert.Len(t, downstream, len(outs))

	store := persistence.NewSnapshotManager(db)
	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	head, hash := p.Head()
	assert.Equal(t, head, latest)

	// idempotency tier sees the logged keys
	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("open_vault", "req-1")
	require.NoError(t, err)
	assert.True(t, dup)

	cfg := p.Config
	cfg.PersistChan = nil
	cfg.Settler = nil
	recovered, err := persistence.Recover(ctx, store, cfg, zerolog.Nop())
	require.NoError(t, err)
	gotHead, gotHash := recovered.Head()
	assert.Equal(t, head, gotHead)
	assert.Equal(t, hash, gotHash)
}

func TestSnapshotVerifyAndLoad_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := persistence.NewSnapshotManager(db)

	p := testutil.NewProtocol(t)
	p.Open(t, "alice", 3, 4_000, 0)
	p.Open(t, "bob", 2, 2_000, 0)

	snap := p.Snapshot()
	_, err := store.Save(ctx, snap)
	require.NoError(t, err)

	// not verified while the log is behind
	loaded, err := store.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	in := make(chan core.CoreOutput, 8)
	for _, o := range p.Drain() {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, nil, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	n, err := store.Verify(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	loaded, err = store.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	envs, err := store.LoadEnvelopesFrom(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, event.CommandTypeOpenVault, envs[0].CommandType)
}

func TestMigratorRoundTrip_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop())

	status, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Applied, s.File)
	}

	rolled, err := m.Down(ctx)
	require.NoError(t, err)
	assert.True(t, rolled)

	ran, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
}
