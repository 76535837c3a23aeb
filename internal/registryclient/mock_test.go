package registryclient

import (
	"context"
	"errors"
	"testing"
)

func TestMock_RecordsCalls(t *testing.T) {
	m := NewMock()
	batch := Batch{
		DepositUpdates:    []DepositUpdate{{BitcoinTxID: "tx1"}},
		WithdrawalUpdates: []WithdrawalUpdate{{RequestID: 1}},
		NewWithdrawals:    []CreateWithdrawalRequestBody{{RequestID: 2}},
		Chainstate:        &Chainstate{StacksBlockHash: "h1", StacksBlockHeight: 5},
	}
	if err := m.Apply(context.Background(), batch); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(m.DepositUpdates) != 1 || len(m.WithdrawalUpdates) != 1 || len(m.NewWithdrawals) != 1 || len(m.Chainstates) != 1 {
		t.Errorf("mock did not record every call: %+v", m)
	}
}

func TestMock_PropagatesConfiguredError(t *testing.T) {
	m := NewMock()
	m.Err = errors.New("boom")
	if err := m.UpdateDeposits(context.Background(), []DepositUpdate{{BitcoinTxID: "tx1"}}); err == nil {
		t.Error("expected configured error to propagate")
	}
}
