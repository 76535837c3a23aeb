// Package models defines the signer's data model: deposit and withdrawal
// requests, their history events, the chainstate, and the UTXO the signers
// currently control. Types carry the wire-stable JSON field names the
// registry and peer bus contracts require (spec.md §6).
package models

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Status is the lifecycle state of a deposit or withdrawal request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"

	// StatusReprocessing marks a request whose history was truncated back
	// to nothing by a reorg; the ingestor must reclassify it from scratch
	// on the next matching on-chain event (spec.md §4.D).
	StatusReprocessing Status = "reprocessing"
)

// HistoryEvent records one status transition a request went through, tagged
// with the Bitcoin block height and hash observed at the time. History is
// append-only except for reorg truncation (spec.md §3, §4.D).
type HistoryEvent struct {
	Status          Status `json:"status"`
	BlockHeight     uint64 `json:"blockHeight"`
	BlockHash       string `json:"blockHash"`
	StacksBlockHash string `json:"stacksBlockHash,omitempty"`
}

// DepositRequest mirrors an on-chain deposit transaction's lifecycle as
// tracked by the registry.
type DepositRequest struct {
	TxID             string         `json:"txid"`
	VoutIndex        uint32         `json:"voutIndex"`
	Recipient        string         `json:"recipient"`
	Amount           uint64         `json:"amount"`
	MaxFee           uint64         `json:"maxFee"`
	SenderAddresses  []string       `json:"senderAddresses,omitempty"`
	LastUpdateHeight uint64         `json:"lastUpdateHeight"`
	LastUpdateBlock  string         `json:"lastUpdateBlockHash"`
	Status           Status         `json:"status"`
	History          []HistoryEvent `json:"history"`
	ReclaimScript    string         `json:"reclaimScript"`
	DepositScript    string         `json:"depositScript"`
	LockTime         uint32         `json:"lockTime"`
	Version          int64          `json:"version"`
}

// PrimaryKey returns the (txid, vout) pair the registry keys deposits by.
func (d *DepositRequest) PrimaryKey() (string, uint32) { return d.TxID, d.VoutIndex }

// WithdrawalRequest mirrors a Stacks-initiated withdrawal's lifecycle.
type WithdrawalRequest struct {
	RequestID        uint64         `json:"requestId"`
	Recipient        string         `json:"recipient"`
	Amount           uint64         `json:"amount"`
	MaxFee           uint64         `json:"maxFee"`
	Sender           string         `json:"sender"`
	LastUpdateHeight uint64         `json:"lastUpdateHeight"`
	LastUpdateBlock  string         `json:"lastUpdateBlockHash"`
	Status           Status         `json:"status"`
	History          []HistoryEvent `json:"history"`
	FulfillingTxID   string         `json:"fulfillingTxid,omitempty"`
	Version          int64          `json:"version"`
}

// PrimaryKey returns the request ID the registry keys withdrawals by.
func (w *WithdrawalRequest) PrimaryKey() uint64 { return w.RequestID }

// ChainTip identifies a single Bitcoin block by height and hash.
type ChainTip struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// ChainstateStatus names where the ChainstateMachine currently sits
// (spec.md §4.C).
type ChainstateStatus string

const (
	ChainstateStable ChainstateStatus = "stable"
	ChainstateReorg  ChainstateStatus = "reorg"
)

// ApiState is the single-row, optimistically-versioned chainstate record.
type ApiState struct {
	Tip     ChainTip         `json:"chaintip"`
	Status  ChainstateStatus `json:"status"`
	ReorgAt *ChainTip        `json:"reorgAt,omitempty"`
	Version int64            `json:"version"`
}

// SignerUtxo is the single UTXO the signer set currently controls, the
// output of the most recent sweep (or the genesis deposit, pre-sweep).
type SignerUtxo struct {
	TxID        string `json:"txid"`
	VoutIndex   uint32 `json:"voutIndex"`
	Amount      uint64 `json:"amount"`
	BlockHeight uint64 `json:"blockHeight"`
}

// OutPoint returns the chainhash + index pair wire code needs to reference
// this UTXO as a transaction input.
func (s *SignerUtxo) OutPoint() (chainhash.Hash, uint32, error) {
	h, err := chainhash.NewHashFromStr(s.TxID)
	if err != nil {
		return chainhash.Hash{}, 0, err
	}
	return *h, s.VoutIndex, nil
}

// Fulfillment is the outcome recorded against a withdrawal when its sweep
// transaction is reported confirmed (the contract's withdrawal-accept event).
type Fulfillment struct {
	RequestID uint64 `json:"requestId"`
	TxID      string `json:"txid"`
	VoutIndex uint32 `json:"voutIndex"`
}
