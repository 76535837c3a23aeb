package registryclient

import (
	"context"
	"sync"
)

// Mock records every call made through it in memory, for ingest and
// coordinator tests that need to assert on registry traffic without an HTTP
// server (spec.md §9 capability-trait pattern).
type Mock struct {
	mu sync.Mutex

	DepositUpdates    []DepositUpdate
	WithdrawalUpdates []WithdrawalUpdate
	NewWithdrawals    []CreateWithdrawalRequestBody
	Chainstates       []Chainstate

	Err error
}

// NewMock returns an empty mock client.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) UpdateDeposits(_ context.Context, updates []DepositUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.DepositUpdates = append(m.DepositUpdates, updates...)
	return nil
}

func (m *Mock) UpdateWithdrawals(_ context.Context, updates []WithdrawalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.WithdrawalUpdates = append(m.WithdrawalUpdates, updates...)
	return nil
}

func (m *Mock) CreateWithdrawals(_ context.Context, bodies []CreateWithdrawalRequestBody) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.NewWithdrawals = append(m.NewWithdrawals, bodies...)
	return nil
}

func (m *Mock) SetChainstate(_ context.Context, tip Chainstate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Chainstates = append(m.Chainstates, tip)
	return nil
}

func (m *Mock) Apply(ctx context.Context, batch Batch) error {
	if err := m.UpdateDeposits(ctx, batch.DepositUpdates); err != nil {
		return err
	}
	if err := m.UpdateWithdrawals(ctx, batch.WithdrawalUpdates); err != nil {
		return err
	}
	if err := m.CreateWithdrawals(ctx, batch.NewWithdrawals); err != nil {
		return err
	}
	if batch.Chainstate != nil {
		return m.SetChainstate(ctx, *batch.Chainstate)
	}
	return nil
}
