package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/config"
)

// EsploraClient implements Client against an ordered list of
// Esplora-compatible HTTP APIs (Blockstream, mempool.space), trying each in
// turn on failure and gating every call behind a per-provider rate limiter
// and a shared circuit breaker. Adapted from the teacher's
// BTCUTXOFetcher/BTCBroadcaster/BTCFeeEstimator/BlockstreamProvider family,
// consolidated into the single Bitcoin capability trait spec.md §9 calls for.
type EsploraClient struct {
	client    *http.Client
	providers []string
	limiters  []*RateLimiter
	breaker   *CircuitBreaker
}

// NewEsploraClient builds a client for the given network, selecting the
// matching Blockstream/mempool.space provider pair.
func NewEsploraClient(network string) *EsploraClient {
	var providers []string
	if network == "mainnet" {
		providers = []string{config.BlockstreamMainnetURL, config.MempoolMainnetURL}
	} else {
		providers = []string{config.BlockstreamTestnetURL, config.MempoolTestnetURL}
	}

	limiters := []*RateLimiter{
		NewRateLimiter("blockstream", config.RateLimitBlockstream),
		NewRateLimiter("mempool", config.RateLimitMempool),
	}

	return &EsploraClient{
		client:    &http.Client{Timeout: config.BitcoinCallTimeout},
		providers: providers,
		limiters:  limiters,
		breaker:   NewCircuitBreaker(config.CircuitBreakerFailureThreshold, config.CircuitBreakerCooldown),
	}
}

type esploraBlockStatus struct {
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	Confirmed   bool   `json:"confirmed"`
}

// GetBlock fetches a block header's height by hash.
func (c *EsploraClient) GetBlock(ctx context.Context, hash string) (*Block, error) {
	var status esploraBlockStatus
	if err := c.get(ctx, "/block/"+hash+"/status", &status); err != nil {
		return nil, err
	}
	return &Block{Hash: hash, Height: status.BlockHeight}, nil
}

// GetTx fetches a transaction's raw hex by txid.
func (c *EsploraClient) GetTx(ctx context.Context, txid string) (*Tx, error) {
	hex, err := c.getRaw(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}
	return &Tx{TxID: txid, Hex: strings.TrimSpace(hex)}, nil
}

// GetTxInfo fetches confirmation status for a transaction.
func (c *EsploraClient) GetTxInfo(ctx context.Context, txid string) (*TxInfo, error) {
	var status esploraBlockStatus
	if err := c.get(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return nil, err
	}
	return &TxInfo{
		TxID:        txid,
		Confirmed:   status.Confirmed,
		BlockHeight: status.BlockHeight,
		BlockHash:   status.BlockHash,
	}, nil
}

type feeEstimateResponse struct {
	HalfHourFee int64 `json:"halfHourFee"`
}

// EstimateFeeRate returns the current medium-priority fee rate in sat/vB,
// falling back to config.BTCDefaultFeeRate if every provider is unreachable.
func (c *EsploraClient) EstimateFeeRate(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, config.FeeEstimateTimeout)
	defer cancel()

	var estimate feeEstimateResponse
	if err := c.get(ctx, config.MempoolFeeEstimatePath, &estimate); err != nil {
		slog.Warn("fee estimate unavailable, using default", "error", err, "default", config.BTCDefaultFeeRate)
		return config.BTCDefaultFeeRate, nil
	}
	if estimate.HalfHourFee < config.BTCMinFeeRate {
		return config.BTCMinFeeRate, nil
	}
	return estimate.HalfHourFee, nil
}

// GetLastFee returns the fee paid by the transaction that produced out, used
// to reconstruct the previous sweep package's per-vbyte rate.
func (c *EsploraClient) GetLastFee(ctx context.Context, out OutPoint) (int64, error) {
	var tx struct {
		Fee int64 `json:"fee"`
	}
	if err := c.get(ctx, "/tx/"+out.TxID, &tx); err != nil {
		return 0, err
	}
	return tx.Fee, nil
}

// BroadcastTransaction submits a raw signed transaction, trying providers in
// order and refusing to retry a rejection the network itself flagged as
// invalid (HTTP 400).
func (c *EsploraClient) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	if !c.breaker.Allow() {
		return "", apperr.Wrap(apperr.KindBitcoinValidation, "bitcoin provider circuit open", nil)
	}

	var lastErr error
	for i, baseURL := range c.providers {
		txid, err := c.broadcastToProvider(ctx, rawHex, baseURL, i)
		if err == nil {
			c.breaker.RecordSuccess()
			return txid, nil
		}
		lastErr = err
		if _, ok := err.(*badTxError); ok {
			return "", apperr.Wrap(apperr.KindBitcoinValidation, "broadcast rejected", err)
		}
		slog.Warn("bitcoin broadcast failed, trying next provider", "provider", baseURL, "error", err)
	}
	c.breaker.RecordFailure()
	return "", apperr.Wrap(apperr.KindSqlxQuery, "all bitcoin providers failed", lastErr)
}

func (c *EsploraClient) broadcastToProvider(ctx context.Context, rawHex, baseURL string, providerIdx int) (string, error) {
	if providerIdx < len(c.limiters) {
		if err := c.limiters[providerIdx].Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tx", strings.NewReader(rawHex))
	if err != nil {
		return "", fmt.Errorf("create broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read broadcast response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		return "", &badTxError{message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		time.Sleep(parseRetryAfter(resp.Header))
		return "", fmt.Errorf("rate limited by %s", baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast HTTP %d from %s: %s", resp.StatusCode, baseURL, string(body))
	}

	return strings.TrimSpace(string(body)), nil
}

type badTxError struct{ message string }

func (e *badTxError) Error() string { return "bad transaction: " + e.message }

// get issues a GET request against the first healthy provider and decodes
// the JSON response into out.
func (c *EsploraClient) get(ctx context.Context, path string, out any) error {
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

func (c *EsploraClient) getRaw(ctx context.Context, path string) (string, error) {
	if !c.breaker.Allow() {
		return "", apperr.Wrap(apperr.KindBitcoinValidation, "bitcoin provider circuit open", nil)
	}

	var lastErr error
	for i, baseURL := range c.providers {
		if i < len(c.limiters) {
			if err := c.limiters[i].Wait(ctx); err != nil {
				return "", err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited by %s", baseURL)
			time.Sleep(parseRetryAfter(resp.Header))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, baseURL, strconv.Quote(string(body)))
			continue
		}

		c.breaker.RecordSuccess()
		return string(body), nil
	}

	c.breaker.RecordFailure()
	return "", apperr.Wrap(apperr.KindSqlxQuery, "all bitcoin providers failed", lastErr)
}
