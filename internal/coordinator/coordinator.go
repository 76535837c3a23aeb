// Package coordinator implements the Coordinator component (spec.md §4.H):
// the signer's run loop. It drains Bitcoin tip notifications the
// EventIngestor surfaces, recomputes the pending sweep on every new tip via
// SweepPackager and the chain builder, runs the peer signing ceremony for
// each resulting package, and submits the finished transaction. On an
// incoming proposal from a peer it runs SweepValidator and votes.
//
// The WSTS/FROST signature ceremony itself is out of scope (spec.md §1);
// this package only moves sighashes and signature shares across the peer
// bus and collects enough shares to know a ceremony finished.
package coordinator

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/sbtc-signer/signer/internal/bitcoin"
	"github.com/sbtc-signer/signer/internal/chainstate"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/keys"
	"github.com/sbtc-signer/signer/internal/models"
	"github.com/sbtc-signer/signer/internal/peer"
	"github.com/sbtc-signer/signer/internal/registry"
	"github.com/sbtc-signer/signer/internal/reorg"
	"github.com/sbtc-signer/signer/internal/sweep"
	"github.com/sbtc-signer/signer/internal/validate"
)

// ceremony tracks one in-flight package's signing round: the unsigned
// transaction, the set of inputs that need a signature share, and the
// shares collected so far.
type ceremony struct {
	tx             *wire.MsgTx
	requiredInputs []int
	shares         map[int][]byte
	ackCount       map[int]int
	nextUtxo       models.SignerUtxo
}

// Coordinator owns the signer's run loop.
type Coordinator struct {
	reg             *registry.Registry
	chain           *chainstate.Machine
	reorgExec       *reorg.Executor
	btc             bitcoin.Client
	bus             peer.Bus
	validator       *validate.Validator
	cfg             *config.Config
	selfPriv        *keys.PrivateKey
	selfPub         keys.PublicKey
	aggregatePubKey *keys.PublicKey

	inbox  <-chan peer.SignerMessage
	blocks chan models.ChainTip

	mu          sync.Mutex
	rejectVotes map[string]int
	ceremonies  map[uuid.UUID]*ceremony
}

// New wires a Coordinator over its dependencies and subscribes it to the
// peer bus under its own identity.
func New(
	reg *registry.Registry,
	chain *chainstate.Machine,
	reorgExec *reorg.Executor,
	btc bitcoin.Client,
	bus peer.Bus,
	validator *validate.Validator,
	cfg *config.Config,
	selfPriv *keys.PrivateKey,
	aggregatePubKey *keys.PublicKey,
) (*Coordinator, error) {
	selfPub, err := keys.FromPrivate(selfPriv)
	if err != nil {
		return nil, fmt.Errorf("derive signer identity public key: %w", err)
	}

	c := &Coordinator{
		reg:             reg,
		chain:           chain,
		reorgExec:       reorgExec,
		btc:             btc,
		bus:             bus,
		validator:       validator,
		cfg:             cfg,
		selfPriv:        selfPriv,
		selfPub:         *selfPub,
		aggregatePubKey: aggregatePubKey,
		blocks:          make(chan models.ChainTip, 16),
		rejectVotes:     make(map[string]int),
		ceremonies:      make(map[uuid.UUID]*ceremony),
	}
	c.inbox = bus.Subscribe(*selfPub)
	return c, nil
}

// NotifyBlock enqueues tip for processing by Run. It never blocks: when the
// queue is full, tip itself is dropped with a warning, since the next tip
// will supersede it anyway.
func (c *Coordinator) NotifyBlock(tip models.ChainTip) {
	select {
	case c.blocks <- tip:
	default:
		slog.Warn("coordinator block queue full, dropping tip notification", "height", tip.Height, "hash", tip.Hash)
	}
}

// Run drains block notifications and peer messages until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("coordinator run loop starting")
	for {
		select {
		case <-ctx.Done():
			slog.Info("coordinator run loop stopping")
			return nil
		case tip := <-c.blocks:
			c.onNewTip(ctx, tip)
		case msg, ok := <-c.inbox:
			if !ok {
				c.inbox = nil
				continue
			}
			c.onPeerMessage(ctx, msg)
		}
	}
}

// onNewTip advances or reorganizes the chainstate machine per spec.md §4.C
// and §4.D, then recomputes the pending sweep.
func (c *Coordinator) onNewTip(ctx context.Context, tip models.ChainTip) {
	cur, err := c.chain.Get()
	if err != nil {
		slog.Error("read chainstate", "error", err)
		return
	}

	switch {
	case cur.Status == models.ChainstateReorg:
		// Executor.Execute drives the full EnterReorg -> truncate -> ExitReorg
		// cycle itself and leaves the machine Stable at cur.ReorgAt; advance
		// on from there if the observed tip has moved further since.
		if err := c.reorgExec.Execute(*cur.ReorgAt); err != nil {
			slog.Error("execute reorg", "target_height", cur.ReorgAt.Height, "error", err)
			return
		}
		if tip.Height > cur.ReorgAt.Height {
			if err := c.chain.Advance(tip); err != nil {
				slog.Error("advance chainstate after reorg", "error", err)
				return
			}
		}
	case tip.Height < cur.Tip.Height || (tip.Height == cur.Tip.Height && cur.Tip.Hash != "" && tip.Hash != cur.Tip.Hash):
		if err := c.reorgExec.Execute(tip); err != nil {
			slog.Error("execute reorg", "target_height", tip.Height, "error", err)
			return
		}
	case tip.Height > cur.Tip.Height:
		if err := c.chain.Advance(tip); err != nil {
			slog.Error("advance chainstate", "error", err)
			return
		}
	default:
		return // duplicate notification for the current tip
	}

	c.evaluatePendingWithdrawals(ctx)
	c.runSweepRound(ctx)
}

// evaluatePendingWithdrawals runs this signer's local acceptance decision on
// every withdrawal the ingestor has recorded as Pending, moving well-formed
// ones to Accepted so runSweepRound's StatusAccepted query actually has
// something to find. The history event it appends reuses the withdrawal's
// own last-recorded height/hash rather than the current Bitcoin tip: this
// is a local decision, not a new on-chain event, so it carries no new
// stacks_block_height of its own, and EnsureFollowingEventIsValid's
// equal-height rule requires the two to agree (spec.md §3).
//
// DepositRequests are never moved from Pending to Accepted here: see the
// "Deposit acceptance" note in DESIGN.md's coordinator entry for why the
// Bitcoin side of this decision is out of scope here.
func (c *Coordinator) evaluatePendingWithdrawals(ctx context.Context) {
	withdrawals, err := c.reg.QueryWithdrawalsByStatusHeightRange(models.StatusPending, 0, math.MaxUint64)
	if err != nil {
		slog.Error("query pending withdrawals", "error", err)
		return
	}

	for _, w := range withdrawals {
		if _, err := hex.DecodeString(w.Recipient); err != nil || w.Amount == 0 {
			slog.Warn("rejecting malformed pending withdrawal", "request_id", w.RequestID, "error", err)
			continue
		}

		hev := models.HistoryEvent{
			Status:          models.StatusAccepted,
			BlockHeight:     w.LastUpdateHeight,
			BlockHash:       w.LastUpdateBlock,
			StacksBlockHash: w.LastUpdateBlock,
		}
		if err := c.reg.ApplyWithdrawalUpdate(w.RequestID, w.Version, models.StatusAccepted, hev, nil); err != nil {
			slog.Error("accept pending withdrawal", "request_id", w.RequestID, "error", err)
			continue
		}
		c.publish(ctx, peer.KindSignerWithdrawDecision, peer.SignerWithdrawDecision{RequestID: w.RequestID, Accept: true})
	}
}

// runSweepRound recomputes pending requests, packages them, builds the
// unsigned transaction chain, and starts a signing ceremony for every
// resulting package (spec.md §4.H rule 2).
func (c *Coordinator) runSweepRound(ctx context.Context) {
	deposits, err := c.reg.QueryDepositsByStatusHeightRange(models.StatusAccepted, 0, math.MaxUint64)
	if err != nil {
		slog.Error("query accepted deposits", "error", err)
		return
	}
	withdrawals, err := c.reg.QueryWithdrawalsByStatusHeightRange(models.StatusAccepted, 0, math.MaxUint64)
	if err != nil {
		slog.Error("query accepted withdrawals", "error", err)
		return
	}
	if len(deposits) == 0 && len(withdrawals) == 0 {
		return
	}

	utxo, err := c.reg.GetSignerUtxo()
	if err != nil {
		slog.Error("read signer utxo", "error", err)
		return
	}
	if utxo == nil {
		slog.Warn("no signer utxo recorded yet, skipping sweep round")
		return
	}

	feeRate, err := c.btc.EstimateFeeRate(ctx)
	if err != nil {
		slog.Warn("estimate fee rate failed, using default", "error", err, "default", config.BTCDefaultFeeRate)
		feeRate = config.BTCDefaultFeeRate
	}

	c.mu.Lock()
	depositCandidates := make([]sweep.DepositCandidate, len(deposits))
	for i, d := range deposits {
		txid, vout := d.PrimaryKey()
		depositCandidates[i] = sweep.DepositCandidate{Request: d, RejectVotes: c.rejectVotes[depositKey(txid, vout)]}
	}
	withdrawalCandidates := make([]sweep.WithdrawalCandidate, len(withdrawals))
	for i, w := range withdrawals {
		withdrawalCandidates[i] = sweep.WithdrawalCandidate{Request: w, RejectVotes: c.rejectVotes[withdrawalKey(w.PrimaryKey())]}
	}
	c.mu.Unlock()

	packages := sweep.Pack(depositCandidates, withdrawalCandidates, c.cfg.RejectCapacity())
	if len(packages) == 0 {
		return
	}

	state := sweep.SignerState{Utxo: *utxo, FeeRate: feeRate, AggregatePubKey: c.aggregatePubKey}
	built, err := sweep.BuildChain(packages, state)
	if err != nil {
		slog.Error("build sweep chain", "error", err)
		return
	}

	c.mu.Lock()
	c.ceremonies = make(map[uuid.UUID]*ceremony, len(built))
	c.mu.Unlock()

	for i, b := range built {
		c.beginCeremony(ctx, packages[i].ID, packages[i], b)
	}
}

// beginCeremony registers the package's pending ceremony and broadcasts its
// proposal and per-input sighashes to the peer bus.
func (c *Coordinator) beginCeremony(ctx context.Context, packageID uuid.UUID, pkg sweep.Package, built sweep.BuiltTransaction) {
	requiredInputs := make([]int, len(built.Tx.TxIn))
	for i := range built.Tx.TxIn {
		requiredInputs[i] = i
	}

	cer := &ceremony{
		tx:             built.Tx,
		requiredInputs: requiredInputs,
		shares:         make(map[int][]byte),
		ackCount:       make(map[int]int),
		nextUtxo:       built.NextSignerUtxo,
	}
	c.mu.Lock()
	c.ceremonies[packageID] = cer
	c.mu.Unlock()

	withdrawalIDs := make([]uint64, len(pkg.Withdrawals))
	for i, w := range pkg.Withdrawals {
		withdrawalIDs[i] = w.Request.RequestID
	}

	var buf bytes.Buffer
	if err := built.Tx.Serialize(&buf); err != nil {
		slog.Error("serialize sweep package", "package_id", packageID, "error", err)
		return
	}

	c.publish(ctx, peer.KindBitcoinTransactionProposal, peer.BitcoinTransactionProposal{
		PackageID:     packageID,
		TxBytes:       buf.Bytes(),
		WithdrawalIDs: withdrawalIDs,
	})

	c.publish(ctx, peer.KindBitcoinTransactionSignRequest, peer.BitcoinTransactionSignRequest{
		PackageID:  packageID,
		InputIndex: 0,
		Sighash:    built.Sighashes.SignersSighash,
	})
	for i, ds := range built.Sighashes.DepositSighashes {
		c.publish(ctx, peer.KindBitcoinTransactionSignRequest, peer.BitcoinTransactionSignRequest{
			PackageID:  packageID,
			InputIndex: i + 1,
			Sighash:    ds.Sighash,
		})
	}
}

func (c *Coordinator) onPeerMessage(ctx context.Context, msg peer.SignerMessage) {
	switch msg.Kind {
	case peer.KindSignerDepositDecision:
		d, ok := msg.Payload.(peer.SignerDepositDecision)
		if ok && !d.Accept {
			c.recordReject(depositKey(d.BitcoinTxID, d.BitcoinTxOutputIndex))
		}
	case peer.KindSignerWithdrawDecision:
		w, ok := msg.Payload.(peer.SignerWithdrawDecision)
		if ok && !w.Accept {
			c.recordReject(withdrawalKey(w.RequestID))
		}
	case peer.KindBitcoinTransactionProposal:
		c.handleProposal(ctx, msg)
	case peer.KindBitcoinTransactionSignAck:
		c.handleSignAck(ctx, msg)
	}
}

func (c *Coordinator) recordReject(key string) {
	c.mu.Lock()
	c.rejectVotes[key]++
	c.mu.Unlock()
}

// handleProposal runs SweepValidator against an incoming peer proposal and
// votes accept or reject on the bus (spec.md §4.H rule 3).
func (c *Coordinator) handleProposal(ctx context.Context, msg peer.SignerMessage) {
	p, ok := msg.Payload.(peer.BitcoinTransactionProposal)
	if !ok {
		return
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(p.TxBytes)); err != nil {
		c.vote(ctx, p.PackageID, false, "malformed proposal: "+err.Error())
		return
	}

	cur, err := c.chain.Get()
	if err != nil {
		slog.Error("read chainstate for proposal validation", "error", err)
		return
	}

	err = c.validator.Validate(ctx, validate.BitcoinTxContext{
		ChainTip:      cur.Tip,
		Tx:            &tx,
		WithdrawalIDs: p.WithdrawalIDs,
	})
	if err != nil {
		c.vote(ctx, p.PackageID, false, err.Error())
		return
	}
	c.vote(ctx, p.PackageID, true, "")
}

func (c *Coordinator) vote(ctx context.Context, packageID uuid.UUID, accept bool, reason string) {
	c.publish(ctx, peer.KindBitcoinTransactionProposalVote, peer.BitcoinTransactionProposalVote{
		PackageID: packageID,
		Accept:    accept,
		Reason:    reason,
	})
}

// handleSignAck records one signer's signature share and, once every
// required input has at least AcceptThreshold shares, finalizes and
// submits the transaction.
func (c *Coordinator) handleSignAck(ctx context.Context, msg peer.SignerMessage) {
	ack, ok := msg.Payload.(peer.BitcoinTransactionSignAck)
	if !ok {
		return
	}

	c.mu.Lock()
	cer, ok := c.ceremonies[ack.PackageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cer.shares[ack.InputIndex] = ack.Signature
	cer.ackCount[ack.InputIndex]++

	ready := true
	for _, idx := range cer.requiredInputs {
		if cer.ackCount[idx] < c.cfg.AcceptThreshold {
			ready = false
			break
		}
	}
	var finished *ceremony
	if ready {
		finished = cer
		delete(c.ceremonies, ack.PackageID)
	}
	c.mu.Unlock()

	if finished != nil {
		c.finalizeAndSubmit(ctx, finished)
	}
}

// finalizeAndSubmit assembles the collected signature shares into the
// transaction's witnesses and broadcasts it. Assembling a script-path
// witness for a deposit input (signature, leaf script, control block) is
// the ceremony's job, out of scope here; this only wires whatever bytes
// the ceremony delivered as each input's witness.
func (c *Coordinator) finalizeAndSubmit(ctx context.Context, cer *ceremony) {
	for idx, sig := range cer.shares {
		cer.tx.TxIn[idx].Witness = wire.TxWitness{sig}
	}

	var buf bytes.Buffer
	if err := cer.tx.Serialize(&buf); err != nil {
		slog.Error("serialize finalized sweep transaction", "error", err)
		return
	}

	txid, err := c.btc.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		slog.Error("broadcast sweep transaction", "error", err)
		return
	}
	if err := c.reg.SetSignerUtxo(cer.nextUtxo); err != nil {
		slog.Error("advance signer utxo after submit", "error", err)
		return
	}
	slog.Info("submitted sweep transaction", "txid", txid, "next_signer_utxo_amount", cer.nextUtxo.Amount)
}

func (c *Coordinator) publish(ctx context.Context, kind peer.Kind, payload any) {
	err := c.bus.Publish(ctx, peer.SignerMessage{From: c.selfPub, Kind: kind, Payload: payload})
	if err != nil {
		slog.Warn("publish peer message failed", "kind", kind, "error", err)
	}
}

func depositKey(txid string, vout uint32) string {
	return fmt.Sprintf("deposit:%s:%d", txid, vout)
}

func withdrawalKey(requestID uint64) string {
	return fmt.Sprintf("withdrawal:%d", requestID)
}
