package bitcoin

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements Client entirely in memory, for ReorgExecutor, SweepPackager,
// and SweepValidator tests that need deterministic Bitcoin state without a
// network call (spec.md §9 "a single operational implementation and a mock
// for tests").
type Mock struct {
	mu sync.Mutex

	Blocks     map[string]*Block
	Txs        map[string]*Tx
	TxInfos    map[string]*TxInfo
	LastFees   map[OutPoint]int64
	FeeRate    int64
	Broadcasts []string

	BroadcastErr error
	nextTxID     int
}

// NewMock returns an empty mock with a sane default fee rate.
func NewMock() *Mock {
	return &Mock{
		Blocks:   make(map[string]*Block),
		Txs:      make(map[string]*Tx),
		TxInfos:  make(map[string]*TxInfo),
		LastFees: make(map[OutPoint]int64),
		FeeRate:  10,
	}
}

func (m *Mock) GetBlock(_ context.Context, hash string) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Blocks[hash]
	if !ok {
		return nil, fmt.Errorf("mock: unknown block %s", hash)
	}
	return b, nil
}

func (m *Mock) GetTx(_ context.Context, txid string) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Txs[txid]
	if !ok {
		return nil, fmt.Errorf("mock: unknown tx %s", txid)
	}
	return t, nil
}

func (m *Mock) GetTxInfo(_ context.Context, txid string) (*TxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.TxInfos[txid]
	if !ok {
		return nil, fmt.Errorf("mock: unknown tx info %s", txid)
	}
	return info, nil
}

func (m *Mock) EstimateFeeRate(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FeeRate, nil
}

func (m *Mock) GetLastFee(_ context.Context, out OutPoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fee, ok := m.LastFees[out]
	if !ok {
		return 0, fmt.Errorf("mock: unknown outpoint %+v", out)
	}
	return fee, nil
}

func (m *Mock) BroadcastTransaction(_ context.Context, rawHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BroadcastErr != nil {
		return "", m.BroadcastErr
	}
	m.Broadcasts = append(m.Broadcasts, rawHex)
	m.nextTxID++
	return fmt.Sprintf("mocktx%d", m.nextTxID), nil
}
