package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/testutil"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvents_RoundTripsLoggedOutputs(t *testing.T) {
	p := testutil.NewProtocol(t)
	outs := p.Scenario(t)

	seen := map[event.EventType]bool{}
	for _, out := range outs {
		raw, err := json.Marshal(out.Events)
		require.NoError(t, err)

		evs, err := DecodeEvents(raw)
		require.NoError(t, err)
		require.Len(t, evs, len(out.Events))

		for i, ev := range evs {
			seen[ev.Type] = true
			assert.Equal(t, out.Events[i].Type, ev.Type)
			switch ev.Type {
			case event.EventVaultChanged:
				got := ev.Data.(*vault.Change)
				want := out.Events[i].Data.(*vault.Change)
				assert.Equal(t, want.VaultID, got.VaultID)
				assert.Equal(t, want.Op, got.Op)
			case event.EventVaultLiquidated:
				got := ev.Data.(*liquidation.Liquidation)
				want := out.Events[i].Data.(*liquidation.Liquidation)
				assert.Equal(t, want.Debt.Dec(), got.Debt.Dec())
				assert.Equal(t, want.ToPool.Dec(), got.ToPool.Dec())
			case event.EventRedemption:
				got := ev.Data.(*redemption.Plan)
				want := out.Events[i].Data.(*redemption.Plan)
				assert.Equal(t, want.Redeemed.Dec(), got.Redeemed.Dec())
				assert.Len(t, got.Changes, len(want.Changes))
			default:
				assert.IsType(t, json.RawMessage{}, ev.Data)
			}
		}
	}
	assert.True(t, seen[event.EventVaultLiquidated])
	assert.True(t, seen[event.EventRedemption])
}

func TestVaultStatus(t *testing.T) {
	after := &vault.Vault{}
	cases := []struct {
		ch   vault.Change
		want string
	}{
		{vault.Change{Op: vault.OpOpen, After: after}, StatusActive},
		{vault.Change{Op: vault.OpRedeem, After: after}, StatusActive},
		{vault.Change{Op: vault.OpClose}, StatusClosed},
		{vault.Change{Op: vault.OpLiquidate}, StatusLiquidated},
		{vault.Change{Op: vault.OpRedeemClosed}, StatusRedeemed},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, vaultStatus(&c.ch), string(c.ch.Op))
	}
}

func TestCallerOf(t *testing.T) {
	payload, err := event.Encode(&event.Liquidate{Header: event.Header{RequestID: "r", Caller: "keeper"}, VaultID: 1})
	require.NoError(t, err)
	assert.Equal(t, "keeper", callerOf(payload))
	assert.Empty(t, callerOf([]byte("not json")))
}

// ===========================================================================
// Postgres
// ===========================================================================

type vaultRow struct {
	Owner, Collateral, Debt, Status string
	Seq                             int64
}

func TestProjectionMatchesRebuild_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	p := testutil.NewProtocol(t)
	outs := p.Scenario(t)

	in := make(chan core.CoreOutput, len(outs))
	durable := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, durable, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx))
	close(durable)

	pw := NewProjectionWorker(db, durable, nil, zerolog.Nop())
	require.NoError(t, pw.Run(ctx))

	snapshot := func() (map[int64]vaultRow, int, int, string) {
		rows, err := db.QueryContext(ctx, `
			SELECT vault_id, owner, collateral::text, debt::text, status, last_sequence
			FROM projections.vaults ORDER BY vault_id`)
		require.NoError(t, err)
		defer rows.Close()
		vaults := map[int64]vaultRow{}
		for rows.Next() {
			var id int64
			var r vaultRow
			require.NoError(t, rows.Scan(&id, &r.Owner, &r.Collateral, &r.Debt, &r.Status, &r.Seq))
			vaults[id] = r
		}
		require.NoError(t, rows.Err())

		var liqs, reds int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.liquidations`).Scan(&liqs))
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.redemptions`).Scan(&reds))

		var net string
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(debits) - SUM(credits), 0)::text FROM projections.balances`).Scan(&net))
		return vaults, liqs, reds, net
	}

	live, liqs, reds, net := snapshot()
	require.Len(t, live, 3)
	assert.Equal(t, StatusLiquidated, live[1].Status)
	assert.Equal(t, 1, liqs)
	assert.Equal(t, 1, reds)
	assert.Equal(t, "0", net)

	var liquidator string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT liquidator FROM projections.liquidations WHERE vault_id = 1`).Scan(&liquidator))
	assert.Equal(t, "keeper", liquidator)

	head, _ := p.Head()
	wm, err := readWatermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, head, wm)

	require.NoError(t, RebuildProjections(ctx, db, zerolog.Nop()))
	rebuilt, liqs2, reds2, net2 := snapshot()
	assert.Equal(t, live, rebuilt)
	assert.Equal(t, liqs, liqs2)
	assert.Equal(t, reds, reds2)
	assert.Equal(t, net, net2)

	wm, err = readWatermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, head, wm)
}

func TestApplySkipsBelowWatermark_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	p := testutil.NewProtocol(t)
	p.Open(t, "alice", 3, 4_000, 0)
	outs := p.Drain()

	pw := NewProjectionWorker(db, nil, nil, zerolog.Nop())
	require.NoError(t, pw.Apply(ctx, outs[0]))
	require.NoError(t, pw.Apply(ctx, outs[0]))

	var debits string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(debits), 0)::text FROM projections.balances`).Scan(&debits))

	want := new(uint256.Int)
	for _, j := range outs[0].Batch.Journals {
		want.Add(want, j.Amount)
	}
	assert.Equal(t, want.Dec(), debits)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.vaults`).Scan(&count))
	assert.Equal(t, 1, count)
}
