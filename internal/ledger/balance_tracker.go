package ledger

import (
	"errors"
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrOverdraft = errors.New("ledger: system account overdraft")

// side keeps both columns of a T-account so balances stay unsigned.
type side struct {
	debits  *uint256.Int
	credits *uint256.Int
}

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	accounts map[AccountKey]*side
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{accounts: make(map[AccountKey]*side)}
}

func (bt *BalanceTracker) account(k AccountKey) *side {
	s, ok := bt.accounts[k]
	if !ok {
		s = &side{debits: fpmath.Zero(), credits: fpmath.Zero()}
		bt.accounts[k] = s
	}
	return s
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	d := bt.account(j.DebitAccount)
	d.debits = new(uint256.Int).Add(d.debits, j.Amount)
	c := bt.account(j.CreditAccount)
	c.credits = new(uint256.Int).Add(c.credits, j.Amount)
}

// CheckBatch verifies the batch and that no system account would go below
// zero, without applying anything.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	pending := make(map[AccountKey]*side)
	get := func(k AccountKey) *side {
		if s, ok := pending[k]; ok {
			return s
		}
		s := &side{debits: bt.Debits(k), credits: bt.Credits(k)}
		pending[k] = s
		return s
	}
	for _, j := range batch.Journals {
		d := get(j.DebitAccount)
		d.debits = new(uint256.Int).Add(d.debits, j.Amount)
		c := get(j.CreditAccount)
		c.credits = new(uint256.Int).Add(c.credits, j.Amount)
		if j.CreditAccount.Scope == AccountScopeSystem && c.credits.Gt(c.debits) {
			return fmt.Errorf("%w: %s short by %s (journal %s)",
				ErrOverdraft, j.CreditAccount, new(uint256.Int).Sub(c.credits, c.debits).Dec(), j.JournalType)
		}
	}
	return nil
}

// ApplyBatch applies all journals in a batch, or none.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := bt.CheckBatch(batch); err != nil {
		return err
	}
	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

func (bt *BalanceTracker) Debits(k AccountKey) *uint256.Int {
	if s, ok := bt.accounts[k]; ok {
		return s.debits.Clone()
	}
	return fpmath.Zero()
}

func (bt *BalanceTracker) Credits(k AccountKey) *uint256.Int {
	if s, ok := bt.accounts[k]; ok {
		return s.credits.Clone()
	}
	return fpmath.Zero()
}

// Balance is debits minus credits, floored at zero. System accounts never
// go negative; use Liability for the issuance side.
func (bt *BalanceTracker) Balance(k AccountKey) *uint256.Int {
	s, ok := bt.accounts[k]
	if !ok {
		return fpmath.Zero()
	}
	return fpmath.SaturatingSub(s.debits, s.credits)
}

// Liability is credits minus debits, floored at zero.
func (bt *BalanceTracker) Liability(k AccountKey) *uint256.Int {
	s, ok := bt.accounts[k]
	if !ok {
		return fpmath.Zero()
	}
	return fpmath.SaturatingSub(s.credits, s.debits)
}

// ComputeGlobalBalance sums both columns per asset. Double entry keeps
// them equal.
func (bt *BalanceTracker) ComputeGlobalBalance() map[string][2]*uint256.Int {
	totals := make(map[string][2]*uint256.Int)
	for k, s := range bt.accounts {
		t, ok := totals[string(k.Asset)]
		if !ok {
			t = [2]*uint256.Int{fpmath.Zero(), fpmath.Zero()}
		}
		t[0] = new(uint256.Int).Add(t[0], s.debits)
		t[1] = new(uint256.Int).Add(t[1], s.credits)
		totals[string(k.Asset)] = t
	}
	return totals
}

// AccountBalance is one row of a snapshot.
type AccountBalance struct {
	Account AccountKey   `json:"account"`
	Debits  *uint256.Int `json:"debits"`
	Credits *uint256.Int `json:"credits"`
}

// Snapshot returns every account sorted by path (for state hashing)
func (bt *BalanceTracker) Snapshot() []AccountBalance {
	out := make([]AccountBalance, 0, len(bt.accounts))
	for k, s := range bt.accounts {
		out = append(out, AccountBalance{Account: k, Debits: s.debits.Clone(), Credits: s.credits.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.AccountPath() < out[j].Account.AccountPath() })
	return out
}

func RestoreBalanceTracker(rows []AccountBalance) *BalanceTracker {
	bt := NewBalanceTracker()
	for _, r := range rows {
		bt.accounts[r.Account] = &side{debits: fpmath.OrZero(r.Debits).Clone(), credits: fpmath.OrZero(r.Credits).Clone()}
	}
	return bt
}
