// Package reorg implements the ReorgExecutor component (spec.md §4.D):
// truncating deposit and withdrawal history back to a common ancestor
// once the chainstate machine has observed a Bitcoin reorg, then
// releasing the chainstate back to Stable.
package reorg

import (
	"fmt"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/chainstate"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/models"
	"github.com/sbtc-signer/signer/internal/registry"
)

// Executor truncates registry history on reorg.
type Executor struct {
	reg   *registry.Registry
	chain *chainstate.Machine
}

// New wires an executor over the given registry and chainstate machine.
func New(reg *registry.Registry, chain *chainstate.Machine) *Executor {
	return &Executor{reg: reg, chain: chain}
}

// Execute truncates every deposit and withdrawal whose history extends
// past target back to target, then exits reorg. Each entry is retried up
// to config.ReorgEntryRetries times against optimistic version conflicts;
// the whole operation is idempotent and safe to re-run if the process
// crashes partway through (spec.md §4.D, §5).
func (e *Executor) Execute(target models.ChainTip) error {
	if err := e.chain.EnterReorg(target); err != nil {
		return fmt.Errorf("enter reorg: %w", err)
	}

	deposits, err := e.reg.DepositsAboveHeight(target.Height)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		if err := e.truncateDepositWithRetry(d.TxID, d.VoutIndex, target); err != nil {
			return err
		}
	}

	withdrawals, err := e.reg.WithdrawalsAboveHeight(target.Height)
	if err != nil {
		return err
	}
	for _, w := range withdrawals {
		if err := e.truncateWithdrawalWithRetry(w.RequestID, target); err != nil {
			return err
		}
	}

	return e.chain.ExitReorg(target)
}

func (e *Executor) truncateDepositWithRetry(txid string, vout uint32, target models.ChainTip) error {
	var lastErr error
	for attempt := 0; attempt < config.ReorgEntryRetries; attempt++ {
		d, err := e.reg.GetDeposit(txid, vout)
		if err != nil {
			return err
		}
		if d == nil || d.LastUpdateHeight <= target.Height {
			return nil
		}
		lastErr = e.reg.TruncateDepositHistory(txid, vout, target.Height, target.Hash, d.Version)
		if lastErr == nil {
			return nil
		}
		if !apperr.Transient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("truncate deposit %s:%d: %w", txid, vout, lastErr)
}

func (e *Executor) truncateWithdrawalWithRetry(requestID uint64, target models.ChainTip) error {
	var lastErr error
	for attempt := 0; attempt < config.ReorgEntryRetries; attempt++ {
		w, err := e.reg.GetWithdrawal(requestID)
		if err != nil {
			return err
		}
		if w == nil || w.LastUpdateHeight <= target.Height {
			return nil
		}
		lastErr = e.reg.TruncateWithdrawalHistory(requestID, target.Height, target.Hash, w.Version)
		if lastErr == nil {
			return nil
		}
		if !apperr.Transient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("truncate withdrawal %d: %w", requestID, lastErr)
}
