package treasury_test

import (
	"testing"

	"CDPLedger/internal/protocol"
	"CDPLedger/internal/treasury"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndWithdraw(t *testing.T) {
	tr := treasury.New(protocol.NewAdminSet("admin"))
	tr.RecordInterest(protocol.KindNative, uint256.NewInt(70))
	tr.RecordInterest(protocol.KindDerivative, uint256.NewInt(30))
	tr.RecordRedemptionFee(protocol.KindDerivative, uint256.NewInt(5))

	assert.Equal(t, uint256.NewInt(100), tr.Balance(protocol.AssetStable))
	assert.Equal(t, uint256.NewInt(5), tr.Balance(protocol.CollateralAsset(protocol.KindDerivative)))
	assert.Len(t, tr.Balances(), 2)

	_, err := tr.PlanWithdraw("bob", protocol.AssetStable, uint256.NewInt(1), "bob")
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	_, err = tr.PlanWithdraw("admin", protocol.AssetStable, uint256.NewInt(101), "ops")
	require.ErrorIs(t, err, protocol.ErrInsufficientFunds)

	w, err := tr.PlanWithdraw("admin", protocol.AssetStable, uint256.NewInt(60), "ops")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(100), tr.Balance(protocol.AssetStable), "planning does not move funds")

	tr.Apply(w)
	assert.Equal(t, uint256.NewInt(40), tr.Balance(protocol.AssetStable))

	restored := treasury.New(nil)
	restored.Restore(tr.Snapshot())
	assert.Equal(t, tr.Balances(), restored.Balances())
}
