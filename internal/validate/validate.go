// Package validate implements the SweepValidator component (spec.md §4.G):
// checking a proposed Bitcoin sweep transaction, received from a peer,
// against this signer's own view of the request registry and chain tip
// before it votes to accept or reject the proposal.
package validate

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/bitcoin"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/keys"
	"github.com/sbtc-signer/signer/internal/models"
	"github.com/sbtc-signer/signer/internal/registry"
)

// BitcoinValidationError is the rich, contextual error SweepValidator raises
// for every rejected proposal (spec.md §4.G "Each failure returns a rich
// BitcoinValidationError{error, context}").
type BitcoinValidationError struct {
	*apperr.Error
	Reason  string
	Context map[string]any
}

func newValidationError(reason string, context map[string]any) *BitcoinValidationError {
	return &BitcoinValidationError{
		Error:   apperr.New(apperr.KindBitcoinValidation, reason),
		Reason:  reason,
		Context: context,
	}
}

// Failure reason strings, matching the sub-variants spec.md §4.G names.
const (
	ReasonInvalidPrevout              = "SignerInput::InvalidPrevout"
	ReasonInvalidOutputScript         = "SignerOutput::InvalidOpReturnOutput"
	ReasonUnknownWithdrawal           = "Withdrawal::Unknown"
	ReasonTxNotOnBestChain            = "DepositRequest::TxNotOnBestChain"
	ReasonDepositUtxoSpent            = "DepositRequest::DepositUtxoSpent"
	ReasonNoVote                      = "DepositRequest::NoVote"
	ReasonCannotSignUtxo              = "DepositRequest::CannotSignUtxo"
	ReasonRejectedRequest             = "DepositRequest::RejectedRequest"
	ReasonUnsupportedLockTime         = "DepositRequest::UnsupportedLockTime"
	ReasonLockTimeExpiry              = "DepositRequest::LockTimeExpiry"
	ReasonWithdrawalNotConfirmed      = "WithdrawalRequest::NotConfirmed"
	ReasonWithdrawalAmountMismatch    = "WithdrawalRequest::AmountMismatch"
	ReasonWithdrawalRecipientMismatch = "WithdrawalRequest::RecipientMismatch"
	ReasonAssessedFeeTooHigh          = "AssessedFeeTooHigh"
)

// BitcoinTxContext carries the proposed transaction plus the metadata the
// validator needs to check it that isn't recoverable from the transaction
// bytes alone (spec.md §4.G).
type BitcoinTxContext struct {
	ChainTip      models.ChainTip
	Tx            *wire.MsgTx
	WithdrawalIDs []uint64 // one per output starting at index 1, in order
	Origin        string
}

// Validator checks a proposed sweep transaction against the local registry
// and chain tip.
type Validator struct {
	reg             *registry.Registry
	bitcoinClient   bitcoin.Client
	aggregatePubKey *keys.PublicKey
}

// New wires a Validator over the given registry, Bitcoin capability, and
// the signer group's current aggregate public key.
func New(reg *registry.Registry, bitcoinClient bitcoin.Client, aggregatePubKey *keys.PublicKey) *Validator {
	return &Validator{reg: reg, bitcoinClient: bitcoinClient, aggregatePubKey: aggregatePubKey}
}

// Validate runs all six checks of spec.md §4.G in order, stopping at the
// first failure.
func (v *Validator) Validate(ctx context.Context, bctx BitcoinTxContext) error {
	signersScript, err := keys.SignersScriptPubKey(v.aggregatePubKey)
	if err != nil {
		return fmt.Errorf("derive signers scriptPubKey: %w", err)
	}

	signerInputValue, err := v.checkInputZero(ctx, bctx.Tx, signersScript)
	if err != nil {
		return err
	}
	if err := v.checkOutputZero(bctx.Tx, signersScript); err != nil {
		return err
	}
	if len(bctx.Tx.TxOut) != len(bctx.WithdrawalIDs)+1 {
		return newValidationError(ReasonUnknownWithdrawal, map[string]any{
			"outputs":        len(bctx.Tx.TxOut),
			"request_ids":    len(bctx.WithdrawalIDs),
			"expected_total": len(bctx.WithdrawalIDs) + 1,
		})
	}

	depositTotal, depositMaxFeeTotal, err := v.checkDeposits(bctx.Tx, bctx.ChainTip)
	if err != nil {
		return err
	}

	withdrawalMaxFeeTotal, err := v.checkWithdrawals(bctx.Tx, bctx.WithdrawalIDs)
	if err != nil {
		return err
	}

	return checkFee(bctx.Tx, signerInputValue, depositTotal, depositMaxFeeTotal+withdrawalMaxFeeTotal)
}

// checkInputZero verifies input 0's prevout is known locally and locked
// with the signers' scriptPubKey (spec.md §4.G step 1), returning its
// value for the fee check.
func (v *Validator) checkInputZero(ctx context.Context, tx *wire.MsgTx, signersScript []byte) (int64, error) {
	if len(tx.TxIn) == 0 {
		return 0, newValidationError(ReasonInvalidPrevout, map[string]any{"reason": "transaction has no inputs"})
	}
	in := tx.TxIn[0]
	prevTx, err := v.bitcoinClient.GetTx(ctx, in.PreviousOutPoint.Hash.String())
	if err != nil || prevTx == nil {
		return 0, newValidationError(ReasonInvalidPrevout, map[string]any{
			"txid":  in.PreviousOutPoint.Hash.String(),
			"error": fmt.Sprint(err),
		})
	}

	out, err := outputAt(prevTx.Hex, in.PreviousOutPoint.Index)
	if err != nil {
		return 0, newValidationError(ReasonInvalidPrevout, map[string]any{
			"txid":  in.PreviousOutPoint.Hash.String(),
			"vout":  in.PreviousOutPoint.Index,
			"error": err.Error(),
		})
	}
	if !bytesEqual(out.PkScript, signersScript) {
		return 0, newValidationError(ReasonInvalidPrevout, map[string]any{
			"txid": in.PreviousOutPoint.Hash.String(),
			"vout": in.PreviousOutPoint.Index,
		})
	}
	return out.Value, nil
}

// checkOutputZero verifies output 0 is locked with the signers'
// scriptPubKey (spec.md §4.G step 2).
func (v *Validator) checkOutputZero(tx *wire.MsgTx, signersScript []byte) error {
	if len(tx.TxOut) == 0 || !bytesEqual(tx.TxOut[0].PkScript, signersScript) {
		return newValidationError(ReasonInvalidOutputScript, map[string]any{})
	}
	return nil
}

// checkDeposits validates every deposit input (spec.md §4.G step 4) and
// returns their total amount plus the sum of their max_fee, which folds into
// step 6's fee budget alongside every involved withdrawal's max_fee.
func (v *Validator) checkDeposits(tx *wire.MsgTx, tip models.ChainTip) (total, maxFeeTotal int64, err error) {
	for i := 1; i < len(tx.TxIn); i++ {
		outpoint := tx.TxIn[i].PreviousOutPoint
		deposit, err := v.reg.GetDeposit(outpoint.Hash.String(), outpoint.Index)
		if err != nil {
			return 0, 0, err
		}
		if err := checkDepositReport(deposit, outpoint, tip); err != nil {
			return 0, 0, err
		}
		total += int64(deposit.Amount)
		maxFeeTotal += int64(deposit.MaxFee)
	}
	return total, maxFeeTotal, nil
}

// checkDepositReport applies the deposit report checks of spec.md §4.G
// "Deposit report checks" against this signer's locally stored view of the
// request, keyed on its registry status. StatusAccepted is the one status
// meaning "signers have voted this deposit in and it is awaiting its
// sweep"; every other status maps onto one of the spec's named rejections.
func checkDepositReport(d *models.DepositRequest, outpoint wire.OutPoint, tip models.ChainTip) error {
	ctx := map[string]any{"txid": outpoint.Hash.String(), "vout": outpoint.Index}
	if d == nil {
		return newValidationError(ReasonTxNotOnBestChain, ctx)
	}

	switch d.Status {
	case models.StatusReprocessing:
		return newValidationError(ReasonTxNotOnBestChain, ctx)
	case models.StatusFailed:
		return newValidationError(ReasonRejectedRequest, ctx)
	case models.StatusPending:
		return newValidationError(ReasonNoVote, ctx)
	case models.StatusConfirmed:
		return newValidationError(ReasonDepositUtxoSpent, ctx)
	case models.StatusAccepted:
		// falls through to the lock-time check below
	default:
		return newValidationError(ReasonCannotSignUtxo, ctx)
	}

	if d.LockTime == 0 {
		return newValidationError(ReasonUnsupportedLockTime, ctx)
	}

	buffer := uint64(config.DepositLocktimeBlockBuffer)
	if uint64(d.LockTime) <= buffer {
		return newValidationError(ReasonUnsupportedLockTime, ctx)
	}

	h := d.LastUpdateHeight
	remaining := uint64(d.LockTime) - buffer
	if tip.Height-h >= remaining {
		ctx["chain_tip_height"] = tip.Height
		ctx["confirmed_height"] = h
		ctx["lock_time"] = d.LockTime
		return newValidationError(ReasonLockTimeExpiry, ctx)
	}
	return nil
}

// checkWithdrawals validates every withdrawal output (spec.md §4.G step 5)
// and returns the sum of each involved request's max_fee.
func (v *Validator) checkWithdrawals(tx *wire.MsgTx, ids []uint64) (maxFeeTotal int64, err error) {
	for i, requestID := range ids {
		out := tx.TxOut[i+1]
		w, err := v.reg.GetWithdrawal(requestID)
		if err != nil {
			return 0, err
		}
		ctx := map[string]any{"request_id": requestID}
		if w == nil {
			return 0, newValidationError(ReasonUnknownWithdrawal, ctx)
		}
		if w.Status != models.StatusAccepted {
			return 0, newValidationError(ReasonWithdrawalNotConfirmed, ctx)
		}
		recipientScript, err := hex.DecodeString(w.Recipient)
		if err != nil || !bytesEqual(recipientScript, out.PkScript) {
			return 0, newValidationError(ReasonWithdrawalRecipientMismatch, ctx)
		}
		// The withdrawal output is reduced by its apportioned fee share
		// (spec.md §4.F step 3), so it is allowed to be less than the
		// requested amount, never more, and never by more than max_fee.
		if out.Value > int64(w.Amount) || int64(w.Amount)-out.Value > int64(w.MaxFee) {
			ctx["requested"], ctx["actual"] = w.Amount, out.Value
			return 0, newValidationError(ReasonWithdrawalAmountMismatch, ctx)
		}
		maxFeeTotal += int64(w.MaxFee)
	}
	return maxFeeTotal, nil
}

// checkFee verifies the assessed fee does not exceed the summed max_fee of
// every involved deposit and withdrawal (spec.md §4.G step 6).
func checkFee(tx *wire.MsgTx, signerInputValue, depositTotal, maxFeeTotal int64) error {
	inputTotal := signerInputValue + depositTotal
	var outputTotal int64
	for _, out := range tx.TxOut {
		outputTotal += out.Value
	}
	assessedFee := inputTotal - outputTotal
	if assessedFee > maxFeeTotal {
		return newValidationError(ReasonAssessedFeeTooHigh, map[string]any{
			"assessed_fee":  assessedFee,
			"max_fee_total": maxFeeTotal,
		})
	}
	return nil
}

func outputAt(rawHex string, index uint32) (*wire.TxOut, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize raw tx: %w", err)
	}
	if int(index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("output index %d out of range (tx has %d outputs)", index, len(tx.TxOut))
	}
	return tx.TxOut[index], nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
