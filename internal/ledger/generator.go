package ledger

import (
	"fmt"

	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/redemption"
	"CDPLedger/internal/stability"
	"CDPLedger/internal/treasury"
	"CDPLedger/internal/vault"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds deterministic batch and journal IDs, so a replay
// produces the same journal as the original run.
var journalNamespace = uuid.MustParse("5b2f6d0e-8c3a-4f1e-9a57-0d4c2b7e91a3")

// JournalGenerator creates balanced journal batches from planned changes.
// Nothing here touches balances; the core checks and applies the batch.
type JournalGenerator struct {
	batch *Batch
}

// NewBatch starts a batch for the command identified by ref.
func NewBatch(ref string, sequence uint64, timestamp int64) *JournalGenerator {
	id := uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s/%d", ref, sequence)))
	return &JournalGenerator{batch: &Batch{
		BatchID:   id,
		EventRef:  ref,
		Sequence:  sequence,
		Timestamp: timestamp,
	}}
}

// Batch returns the batch built so far.
func (jg *JournalGenerator) Batch() *Batch { return jg.batch }

func (jg *JournalGenerator) add(typ JournalType, debit, credit AccountKey, amount *uint256.Int, counterparty protocol.Address) {
	if amount == nil || amount.IsZero() {
		return
	}
	b := jg.batch
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("%d", len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        amount.Clone(),
		JournalType:   typ,
		Counterparty:  counterparty,
		Timestamp:     b.Timestamp,
	})
}

// VaultChange books the owner-side legs of a vault change: accrued
// interest, collateral in and out, mint and burn.
// Moves: users:<coll> <-> vault:<coll>, issuance <-> users:stable
func (jg *JournalGenerator) VaultChange(ch *vault.Change) {
	jg.vaultChange(ch, JournalTypeCollateralOut)
}

func (jg *JournalGenerator) vaultChange(ch *vault.Change, outType JournalType) {
	asset := protocol.CollateralAsset(ch.Kind)
	jg.add(JournalTypeInterest, TreasuryAccount(protocol.AssetStable), IssuanceAccount(), ch.Interest, "")
	jg.add(JournalTypeCollateralIn, VaultAccount(ch.Kind), UsersAccount(asset), ch.CollateralIn, ch.Owner)
	jg.add(JournalTypeMint, UsersAccount(protocol.AssetStable), IssuanceAccount(), ch.Minted, ch.Owner)
	jg.add(JournalTypeBurn, IssuanceAccount(), UsersAccount(protocol.AssetStable), ch.Burned, ch.Owner)
	jg.add(outType, UsersAccount(asset), VaultAccount(ch.Kind), ch.CollateralOut, ch.Owner)
}

// Liquidation books one liquidated vault.
// Moves: vault -> pool collateral, vault -> liquidator (gas), vault ->
// owner (surplus), pool stable -> issuance (debt offset)
func (jg *JournalGenerator) Liquidation(l *liquidation.Liquidation, liquidator protocol.Address) {
	asset := protocol.CollateralAsset(l.Kind)
	jg.vaultChange(l.Change, JournalTypeLiquidationSurplus)
	jg.add(JournalTypeLiquidationToPool, PoolCollateralAccount(l.Kind), VaultAccount(l.Kind), l.ToPool, "")
	jg.add(JournalTypeGasCompensation, UsersAccount(asset), VaultAccount(l.Kind), l.GasCompensation, liquidator)
	jg.add(JournalTypePoolOffset, IssuanceAccount(), PoolStableAccount(), l.Debt, "")
}

// Redemption books a redemption plan. Every vault's accrued interest and
// closed-vault residuals go first, then the redeemer's burn and payout,
// then the fee.
func (jg *JournalGenerator) Redemption(p *redemption.Plan) {
	kind := p.Request.Kind
	asset := protocol.CollateralAsset(kind)
	for _, ch := range p.Changes {
		jg.vaultChange(ch, JournalTypeCollateralOut)
	}
	jg.add(JournalTypeRedemptionBurn, IssuanceAccount(), UsersAccount(protocol.AssetStable), p.Redeemed, p.Request.Redeemer)
	jg.add(JournalTypeRedemptionCollateral, UsersAccount(asset), VaultAccount(kind), p.CollateralOut, p.Request.Redeemer)
	jg.add(JournalTypeRedemptionFee, TreasuryAccount(asset), VaultAccount(kind), p.Fee, "")
}

// PoolMovement books a stability pool deposit, withdrawal or claim.
func (jg *JournalGenerator) PoolMovement(m *stability.Movement) {
	jg.add(JournalTypePoolDeposit, PoolStableAccount(), UsersAccount(protocol.AssetStable), m.StableIn, m.Depositor)
	jg.add(JournalTypePoolWithdraw, UsersAccount(protocol.AssetStable), PoolStableAccount(), m.StableOut, m.Depositor)
	for _, kind := range protocol.Kinds {
		jg.add(JournalTypePoolGain, UsersAccount(protocol.CollateralAsset(kind)), PoolCollateralAccount(kind), m.CollateralOut[kind], m.Depositor)
	}
}

// TreasuryWithdrawal books a treasury payout.
func (jg *JournalGenerator) TreasuryWithdrawal(w *treasury.Withdrawal) {
	jg.add(JournalTypeTreasuryWithdraw, UsersAccount(w.Asset), TreasuryAccount(w.Asset), w.Amount, w.Recipient)
}
