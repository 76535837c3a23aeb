package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/models"
	"github.com/sbtc-signer/signer/internal/registry"
	"github.com/sbtc-signer/signer/internal/registryclient"
)

// Ingestor parses new-block webhook bodies, filters and classifies their
// events, applies them to the local registry, and fans the batch out to
// the external request registry (spec.md §4.E).
type Ingestor struct {
	reg             *registry.Registry
	client          registryclient.API
	trustedContract string
	onBlock         func(models.ChainTip)
}

// New wires an ingestor over the given registry, registry client, and the
// one contract identifier events are trusted from.
func New(reg *registry.Registry, client registryclient.API, trustedContract string) *Ingestor {
	return &Ingestor{reg: reg, client: client, trustedContract: trustedContract}
}

// OnBlock registers a callback invoked with the Bitcoin tip embedded in
// each successfully parsed notification (its burn_block_height/hash),
// after the notification's events have been applied. The coordinator uses
// this to learn about new Bitcoin blocks without re-parsing webhook bodies
// itself (spec.md §4.H rule 1).
func (ing *Ingestor) OnBlock(fn func(models.ChainTip)) {
	ing.onBlock = fn
}

// Handle parses and applies one new-block notification. It returns a
// non-nil error only when the webhook handler should answer with a
// retryable status (a transient local storage failure); a malformed body
// or a per-event logical failure is logged and swallowed, returning nil,
// per spec.md §4.E rule 1 and rule 4.
func (ing *Ingestor) Handle(ctx context.Context, body []byte) error {
	var note Notification
	if err := json.Unmarshal(body, &note); err != nil {
		slog.Warn("malformed new_block notification", "error", err)
		return nil
	}

	var batch registryclient.Batch
	for _, ev := range note.Events {
		if !ing.accepted(ev) {
			continue
		}
		if err := ing.applyEvent(note, ev, &batch); err != nil {
			if apperr.Transient(err) {
				return fmt.Errorf("apply event %s: %w", ev.TxID, err)
			}
			slog.Warn("dropping event", "txid", ev.TxID, "error", err)
		}
	}

	batch.Chainstate = &registryclient.Chainstate{
		StacksBlockHash:   note.IndexBlockHash,
		StacksBlockHeight: note.BlockHeight,
	}
	if err := ing.client.Apply(ctx, batch); err != nil {
		slog.Warn("registry fan-out failed", "error", err, "block_height", note.BlockHeight)
	}

	if ing.onBlock != nil {
		ing.onBlock(models.ChainTip{Height: note.BurnBlockHeight, Hash: note.BurnBlockHash})
	}
	return nil
}

// accepted applies the trusted-contract filter of spec.md §4.E rule 2.
// This is the security-critical boundary: an upstream misconfigured to
// relay events from arbitrary contracts must still only have this one
// contract's events acted on.
func (ing *Ingestor) accepted(ev Event) bool {
	if !ev.Committed || ev.ContractEvent == nil {
		return false
	}
	ce := ev.ContractEvent
	return ce.Topic == "print" && ce.ContractIdentifier == ing.trustedContract
}

func (ing *Ingestor) applyEvent(note Notification, ev Event, batch *registryclient.Batch) error {
	dec, err := decodeEvent(ev.ContractEvent.Value)
	if err != nil {
		return err
	}

	switch dec.kind {
	case eventCompletedDeposit:
		return ing.applyCompletedDeposit(note, *dec.completedDeposit, batch)
	case eventWithdrawalAccept:
		return ing.applyWithdrawalAccept(note, *dec.withdrawalAccept, batch)
	case eventWithdrawalReject:
		return ing.applyWithdrawalReject(note, *dec.withdrawalReject, batch)
	case eventWithdrawalCreate:
		return ing.applyWithdrawalCreate(note, *dec.withdrawalCreate, batch)
	default:
		return fmt.Errorf("unhandled event kind %q", dec.kind)
	}
}

func (ing *Ingestor) applyCompletedDeposit(note Notification, cd CompletedDeposit, batch *registryclient.Batch) error {
	d, err := ing.reg.GetDeposit(cd.BitcoinTxID, cd.BitcoinTxOutputIndex)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("completed-deposit for unknown deposit %s:%d", cd.BitcoinTxID, cd.BitcoinTxOutputIndex)
	}

	hev := models.HistoryEvent{
		Status:          models.StatusConfirmed,
		BlockHeight:     note.BlockHeight,
		BlockHash:       note.IndexBlockHash,
		StacksBlockHash: note.IndexBlockHash,
	}
	if err := registry.EnsureFollowingEventIsValid(d.History, hev); err != nil {
		return err
	}
	if err := ing.reg.ApplyDepositUpdate(d.TxID, d.VoutIndex, d.Version, models.StatusConfirmed, hev); err != nil {
		return err
	}

	batch.DepositUpdates = append(batch.DepositUpdates, registryclient.DepositUpdate{
		BitcoinTxID:          d.TxID,
		BitcoinTxOutputIndex: d.VoutIndex,
		Status:               string(models.StatusConfirmed),
		// StacksTxID is left blank: the contract's completed-deposit print
		// event does not carry the Stacks transaction id that reported it.
		Fulfillment: &registryclient.Fulfillment{
			BitcoinBlockHash:   cd.SweepBlockHash,
			BitcoinBlockHeight: cd.SweepBlockHeight,
			BitcoinTxID:        cd.SweepTxID,
			BTCFee:             placeholderDepositFeeSats,
		},
		LastUpdateBlockHash: note.IndexBlockHash,
		LastUpdateHeight:    note.BlockHeight,
	})
	return nil
}

func (ing *Ingestor) applyWithdrawalAccept(note Notification, wa WithdrawalAccept, batch *registryclient.Batch) error {
	w, err := ing.reg.GetWithdrawal(wa.RequestID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("withdrawal-accept for unknown request %d", wa.RequestID)
	}

	hev := models.HistoryEvent{
		Status:          models.StatusConfirmed,
		BlockHeight:     note.BlockHeight,
		BlockHash:       note.IndexBlockHash,
		StacksBlockHash: note.IndexBlockHash,
	}
	if err := registry.EnsureFollowingEventIsValid(w.History, hev); err != nil {
		return err
	}
	fulfillment := &models.Fulfillment{RequestID: wa.RequestID, TxID: wa.SweepTxID, VoutIndex: wa.VoutIndex}
	if err := ing.reg.ApplyWithdrawalUpdate(wa.RequestID, w.Version, models.StatusConfirmed, hev, fulfillment); err != nil {
		return err
	}

	batch.WithdrawalUpdates = append(batch.WithdrawalUpdates, registryclient.WithdrawalUpdate{
		RequestID: wa.RequestID,
		Status:    string(models.StatusConfirmed),
		Fulfillment: &registryclient.Fulfillment{
			BitcoinTxID:    wa.SweepTxID,
			BitcoinTxIndex: wa.VoutIndex,
			BTCFee:         wa.Fee,
		},
		LastUpdateBlockHash: note.IndexBlockHash,
		LastUpdateHeight:    note.BlockHeight,
	})
	return nil
}

func (ing *Ingestor) applyWithdrawalReject(note Notification, wr WithdrawalReject, batch *registryclient.Batch) error {
	w, err := ing.reg.GetWithdrawal(wr.RequestID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("withdrawal-reject for unknown request %d", wr.RequestID)
	}

	hev := models.HistoryEvent{
		Status:          models.StatusFailed,
		BlockHeight:     note.BlockHeight,
		BlockHash:       note.IndexBlockHash,
		StacksBlockHash: note.IndexBlockHash,
	}
	if err := registry.EnsureFollowingEventIsValid(w.History, hev); err != nil {
		return err
	}
	if err := ing.reg.ApplyWithdrawalUpdate(wr.RequestID, w.Version, models.StatusFailed, hev, nil); err != nil {
		return err
	}

	batch.WithdrawalUpdates = append(batch.WithdrawalUpdates, registryclient.WithdrawalUpdate{
		RequestID:           wr.RequestID,
		Status:              string(models.StatusFailed),
		LastUpdateBlockHash: note.IndexBlockHash,
		LastUpdateHeight:    note.BlockHeight,
	})
	return nil
}

func (ing *Ingestor) applyWithdrawalCreate(note Notification, wc WithdrawalCreate, batch *registryclient.Batch) error {
	existing, err := ing.reg.GetWithdrawal(wc.RequestID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("withdrawal-create for already-known request %d", wc.RequestID)
	}

	w := &models.WithdrawalRequest{
		RequestID:        wc.RequestID,
		Recipient:        wc.Recipient,
		Amount:           wc.Amount,
		MaxFee:           wc.MaxFee,
		Sender:           wc.Sender,
		Status:           models.StatusPending,
		LastUpdateHeight: note.BlockHeight,
		LastUpdateBlock:  note.IndexBlockHash,
	}
	hev := models.HistoryEvent{
		Status:          models.StatusPending,
		BlockHeight:     note.BlockHeight,
		BlockHash:       note.IndexBlockHash,
		StacksBlockHash: note.IndexBlockHash,
	}
	if err := ing.reg.PutWithdrawal(w, hev); err != nil {
		return err
	}

	body := registryclient.CreateWithdrawalRequestBody{
		RequestID:         wc.RequestID,
		Amount:            wc.Amount,
		Recipient:         wc.Recipient,
		StacksBlockHash:   note.IndexBlockHash,
		StacksBlockHeight: note.BlockHeight,
	}
	body.Parameters.MaxFee = wc.MaxFee
	batch.NewWithdrawals = append(batch.NewWithdrawals, body)
	return nil
}
