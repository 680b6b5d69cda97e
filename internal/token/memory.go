package token

import (
	"context"
	"fmt"
	"sync"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
)

// Memory is an in-process token used by tests and the paper runtime. The
// protocol's holdings sit under the custody address.
type Memory struct {
	mu       sync.Mutex
	asset    protocol.Asset
	custody  protocol.Address
	balances map[protocol.Address]*uint256.Int
	supply   *uint256.Int

	// one-shot failure injection, see FailNext
	failOn  Action
	failErr error
}

func NewMemory(asset protocol.Asset, custody protocol.Address) *Memory {
	return &Memory{
		asset:    asset,
		custody:  custody,
		balances: make(map[protocol.Address]*uint256.Int),
		supply:   fpmath.Zero(),
	}
}

// Fund credits an external holder without touching custody, as a faucet.
func (m *Memory) Fund(to protocol.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(to, amount)
	m.supply = new(uint256.Int).Add(m.supply, amount)
}

// FailNext arms a one-shot failure for the next call of action a.
func (m *Memory) FailNext(a Action, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn, m.failErr = a, err
}

func (m *Memory) Supply() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply.Clone()
}

func (m *Memory) Custody() protocol.Address { return m.custody }

func (m *Memory) tripped(a Action) error {
	if m.failErr != nil && m.failOn == a {
		err := m.failErr
		m.failErr = nil
		return err
	}
	return nil
}

func (m *Memory) balance(addr protocol.Address) *uint256.Int {
	return fpmath.OrZero(m.balances[addr])
}

func (m *Memory) credit(addr protocol.Address, amount *uint256.Int) {
	m.balances[addr] = new(uint256.Int).Add(m.balance(addr), amount)
}

func (m *Memory) debit(addr protocol.Address, amount *uint256.Int) error {
	bal := m.balance(addr)
	if amount.Gt(bal) {
		return fmt.Errorf("%s: %s holds %s, needs %s: %w", m.asset, addr, bal.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	m.balances[addr] = new(uint256.Int).Sub(bal, amount)
	return nil
}

func (m *Memory) move(a Action, from, to protocol.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tripped(a); err != nil {
		return err
	}
	if err := m.debit(from, amount); err != nil {
		return err
	}
	m.credit(to, amount)
	return nil
}

func (m *Memory) TransferIn(_ context.Context, from protocol.Address, amount *uint256.Int) error {
	return m.move(ActionTransferIn, from, m.custody, amount)
}

func (m *Memory) TransferOut(_ context.Context, to protocol.Address, amount *uint256.Int) error {
	return m.move(ActionTransferOut, m.custody, to, amount)
}

func (m *Memory) BalanceExternal(_ context.Context, owner protocol.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(owner).Clone(), nil
}

func (m *Memory) Mint(_ context.Context, to protocol.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tripped(ActionMint); err != nil {
		return err
	}
	m.credit(to, amount)
	m.supply = new(uint256.Int).Add(m.supply, amount)
	return nil
}

func (m *Memory) Burn(_ context.Context, from protocol.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tripped(ActionBurn); err != nil {
		return err
	}
	if err := m.debit(from, amount); err != nil {
		return err
	}
	m.supply = new(uint256.Int).Sub(m.supply, amount)
	return nil
}
