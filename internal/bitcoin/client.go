// Package bitcoin implements the Bitcoin capability interface (spec.md §6,
// §9): "the bitcoin client ... modeled as a capability trait with a single
// operational implementation and a mock for tests". Client is that trait;
// EsploraClient is the operational implementation over Blockstream/
// mempool.space-compatible Esplora HTTP APIs, and Mock backs tests.
package bitcoin

import "context"

// Block is the subset of a Bitcoin block header the signer needs to track
// chain tip and validate sweep package ancestry.
type Block struct {
	Hash   string
	Height uint64
}

// Tx is a raw transaction as last broadcast or observed, keyed by txid.
type Tx struct {
	TxID string
	Hex  string
}

// TxInfo is confirmation metadata for a transaction.
type TxInfo struct {
	TxID        string
	Confirmed   bool
	BlockHeight uint64
	BlockHash   string
}

// OutPoint identifies a transaction output.
type OutPoint struct {
	TxID string
	Vout uint32
}

// Client is the Bitcoin capability interface the coordinator, packager, and
// validator depend on (spec.md §6: get_block, get_tx, get_tx_info,
// estimate_fee_rate, get_last_fee, broadcast_transaction).
type Client interface {
	GetBlock(ctx context.Context, hash string) (*Block, error)
	GetTx(ctx context.Context, txid string) (*Tx, error)
	GetTxInfo(ctx context.Context, txid string) (*TxInfo, error)
	EstimateFeeRate(ctx context.Context) (int64, error)
	GetLastFee(ctx context.Context, out OutPoint) (int64, error)
	BroadcastTransaction(ctx context.Context, rawHex string) (txid string, err error)
}
