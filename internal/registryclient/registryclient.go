// Package registryclient implements the RegistryClient component (spec.md
// §4.E, §6, §9): outbound HTTP calls to the external request registry
// service. The wire-stable four-call surface (update_deposits,
// update_withdrawals, create_withdrawals, set_chainstate) is kept for
// compatibility with §6; Apply batches all four into one client-side call
// per the Open Question decision recorded in SPEC_FULL.md §9 — the registry
// server itself still receives four HTTP requests, only the caller's
// interface is unified.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/config"
)

// Chainstate mirrors the wire-stable registry chainstate payload.
type Chainstate struct {
	StacksBlockHash   string `json:"stacks_block_hash"`
	StacksBlockHeight uint64 `json:"stacks_block_height"`
}

// Fulfillment mirrors the wire-stable fulfillment payload attached to a
// Confirmed deposit or withdrawal update.
type Fulfillment struct {
	BitcoinBlockHash   string `json:"bitcoin_block_hash"`
	BitcoinBlockHeight uint64 `json:"bitcoin_block_height"`
	BitcoinTxID        string `json:"bitcoin_txid"`
	BitcoinTxIndex     uint32 `json:"bitcoin_tx_index"`
	BTCFee             uint64 `json:"btc_fee"`
	StacksTxID         string `json:"stacks_txid"`
}

// DepositUpdate mirrors the wire-stable deposit update payload.
type DepositUpdate struct {
	BitcoinTxID          string       `json:"bitcoin_txid"`
	BitcoinTxOutputIndex uint32       `json:"bitcoin_tx_output_index"`
	Status               string       `json:"status"`
	StatusMessage        string       `json:"status_message"`
	Fulfillment          *Fulfillment `json:"fulfillment,omitempty"`
	LastUpdateBlockHash  string       `json:"last_update_block_hash"`
	LastUpdateHeight     uint64       `json:"last_update_height"`
}

// WithdrawalUpdate mirrors the wire-stable withdrawal update payload.
type WithdrawalUpdate struct {
	RequestID           uint64       `json:"request_id"`
	Status              string       `json:"status"`
	StatusMessage       string       `json:"status_message"`
	Fulfillment         *Fulfillment `json:"fulfillment,omitempty"`
	LastUpdateBlockHash string       `json:"last_update_block_hash"`
	LastUpdateHeight    uint64       `json:"last_update_height"`
}

// CreateWithdrawalRequestBody mirrors the wire-stable withdrawal-creation
// payload from the contract event stream.
type CreateWithdrawalRequestBody struct {
	RequestID         uint64 `json:"request_id"`
	Amount            uint64 `json:"amount"`
	Parameters        struct {
		MaxFee uint64 `json:"max_fee"`
	} `json:"parameters"`
	Recipient         string `json:"recipient"`
	StacksBlockHash   string `json:"stacks_block_hash"`
	StacksBlockHeight uint64 `json:"stacks_block_height"`
}

// Batch groups one webhook's worth of registry calls for Apply.
type Batch struct {
	DepositUpdates    []DepositUpdate
	WithdrawalUpdates []WithdrawalUpdate
	NewWithdrawals    []CreateWithdrawalRequestBody
	Chainstate        *Chainstate
}

// API is the outbound registry capability the ingestor and coordinator
// depend on; Client is its operational implementation, Mock backs tests
// (spec.md §9).
type API interface {
	UpdateDeposits(ctx context.Context, updates []DepositUpdate) error
	UpdateWithdrawals(ctx context.Context, updates []WithdrawalUpdate) error
	CreateWithdrawals(ctx context.Context, bodies []CreateWithdrawalRequestBody) error
	SetChainstate(ctx context.Context, tip Chainstate) error
	Apply(ctx context.Context, batch Batch) error
}

// Client issues the outbound registry HTTP calls.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a registry client from configuration.
func New(cfg config.RegistryClientConfig) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
	}
}

// UpdateDeposits reports a batch of deposit status transitions.
func (c *Client) UpdateDeposits(ctx context.Context, updates []DepositUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return c.post(ctx, "/deposits", map[string]any{"deposits": updates})
}

// UpdateWithdrawals reports a batch of withdrawal status transitions.
func (c *Client) UpdateWithdrawals(ctx context.Context, updates []WithdrawalUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return c.post(ctx, "/withdrawals", map[string]any{"withdrawals": updates})
}

// CreateWithdrawals registers newly observed withdrawal requests.
func (c *Client) CreateWithdrawals(ctx context.Context, bodies []CreateWithdrawalRequestBody) error {
	if len(bodies) == 0 {
		return nil
	}
	return c.post(ctx, "/withdrawals/create", map[string]any{"withdrawals": bodies})
}

// SetChainstate reports the signer's observed Stacks chain tip.
func (c *Client) SetChainstate(ctx context.Context, tip Chainstate) error {
	return c.post(ctx, "/chainstate", tip)
}

// Apply issues all four registry calls a single webhook produced, in a
// fixed order (deposits, withdrawals, new withdrawals, chainstate) and stops
// at the first failure, so the chainstate is only reported once every entry
// update in the batch has been accepted.
func (c *Client) Apply(ctx context.Context, batch Batch) error {
	if err := c.UpdateDeposits(ctx, batch.DepositUpdates); err != nil {
		return fmt.Errorf("apply deposit updates: %w", err)
	}
	if err := c.UpdateWithdrawals(ctx, batch.WithdrawalUpdates); err != nil {
		return fmt.Errorf("apply withdrawal updates: %w", err)
	}
	if err := c.CreateWithdrawals(ctx, batch.NewWithdrawals); err != nil {
		return fmt.Errorf("apply new withdrawals: %w", err)
	}
	if batch.Chainstate != nil {
		if err := c.SetChainstate(ctx, *batch.Chainstate); err != nil {
			return fmt.Errorf("apply chainstate: %w", err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(apperr.KindJSONParse, "encode registry request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, fmt.Sprintf("registry call %s", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return apperr.Wrap(apperr.KindSqlxQuery, fmt.Sprintf("registry %s returned HTTP %d: %s", path, resp.StatusCode, respBody), nil)
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Warn("registry call rejected", "path", path, "status", resp.StatusCode, "body", string(respBody))
		return apperr.Wrap(apperr.KindInconsistentState, fmt.Sprintf("registry %s returned HTTP %d", path, resp.StatusCode), nil)
	}
	return nil
}
