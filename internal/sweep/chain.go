package sweep

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/keys"
	"github.com/sbtc-signer/signer/internal/models"
)

// dummySchnorrSigLen is the fixed size of a BIP-340 signature, used to fill
// every witness before measuring vsize (spec.md §4.F step 3).
const dummySchnorrSigLen = 64

// SignerState is the signer group's view of the world a packaging round
// starts from: the UTXO it currently controls, the fee rate to pay, and
// the group's aggregate public key.
type SignerState struct {
	Utxo            models.SignerUtxo
	FeeRate         int64 // sat/vB
	AggregatePubKey *keys.PublicKey
}

// DepositSighash is the script-path sighash for one deposit input.
type DepositSighash struct {
	Deposit *models.DepositRequest
	Sighash [32]byte
}

// SignatureHashes is what the packager hands to the peer signing ceremony
// for one package: the key-path sighash for the signer input, and one
// script-path sighash per deposit input (spec.md §4.F step 5).
type SignatureHashes struct {
	SignersSighash   [32]byte
	DepositSighashes []DepositSighash
}

// BuiltTransaction is one package's unsigned transaction, its sighashes,
// and the signer UTXO it produces for the next package in the chain.
type BuiltTransaction struct {
	Tx             *wire.MsgTx
	Sighashes      SignatureHashes
	NextSignerUtxo models.SignerUtxo
	FeeSats        int64
	VirtualSize    int
}

// BuildChain builds the deterministic sequence of unsigned transactions for
// an ordered list of packages, threading the signer UTXO from one package's
// output 0 into the next package's input 0 (spec.md §4.F step 4). It is a
// pure function of packages and the starting state: the same inputs always
// produce the same transactions.
func BuildChain(packages []Package, state SignerState) ([]BuiltTransaction, error) {
	results := make([]BuiltTransaction, 0, len(packages))
	current := state.Utxo

	for _, pkg := range packages {
		built, err := buildOne(pkg, current, state)
		if err != nil {
			return nil, err
		}
		results = append(results, built)
		current = built.NextSignerUtxo
	}
	return results, nil
}

// depositLeaf holds the per-deposit taproot script-path spend material
// derived from its stored deposit_script and reclaim_script: the leaf
// itself, the control block for spending via the deposit leaf, and the
// resulting P2TR scriptPubKey the deposit output is locked with.
type depositLeaf struct {
	script       []byte
	leafVersion  txscript.TapscriptLeafVersion
	controlBlock []byte
	pkScript     []byte
}

func newDepositLeaf(d *models.DepositRequest, aggregatePubKey *keys.PublicKey) (depositLeaf, error) {
	depositScript, err := hex.DecodeString(d.DepositScript)
	if err != nil {
		return depositLeaf{}, fmt.Errorf("decode deposit script: %w", err)
	}
	reclaimScript, err := hex.DecodeString(d.ReclaimScript)
	if err != nil {
		return depositLeaf{}, fmt.Errorf("decode reclaim script: %w", err)
	}

	depLeaf := txscript.NewBaseTapLeaf(depositScript)
	reclaimLeaf := txscript.NewBaseTapLeaf(reclaimScript)
	tree := txscript.AssembleTaprootScriptTree(depLeaf, reclaimLeaf)
	proof := tree.LeafMerkleProofs[0]

	controlBlock := proof.ToControlBlock(aggregatePubKey)
	controlBlockBytes, err := controlBlock.ToBytes()
	if err != nil {
		return depositLeaf{}, fmt.Errorf("serialize deposit control block: %w", err)
	}

	merkleRoot := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(aggregatePubKey, merkleRoot[:])
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return depositLeaf{}, fmt.Errorf("deposit taproot scriptPubKey: %w", err)
	}

	return depositLeaf{
		script:       depositScript,
		leafVersion:  txscript.BaseLeafVersion,
		controlBlock: controlBlockBytes,
		pkScript:     pkScript,
	}, nil
}

// packageAmounts computes the fixed (pre-fee) input total (the signer's
// current UTXO plus every deposit being swept in) and the fixed output
// demand (the sum of withdrawal amounts requested out) so packaging can be
// rejected before any fee math if it is already unbalanced (spec.md §4.F
// "failure: packaging fails with InvalidAmount iff any package has output
// sum exceeding input sum before fees"). The new signer output itself is
// the residual, not a fixed demand, so it is excluded from outputTotal.
func packageAmounts(signerUtxo models.SignerUtxo, pkg Package) (inputTotal, outputTotal int64) {
	inputTotal = int64(signerUtxo.Amount)
	for _, d := range pkg.Deposits {
		inputTotal += int64(d.Request.Amount)
	}
	for _, w := range pkg.Withdrawals {
		outputTotal += int64(w.Request.Amount)
	}
	return inputTotal, outputTotal
}

func buildOne(pkg Package, signerUtxo models.SignerUtxo, state SignerState) (BuiltTransaction, error) {
	if len(pkg.Deposits) == 0 && len(pkg.Withdrawals) == 0 {
		return BuiltTransaction{}, ErrEmptyPackage
	}

	signersScript, err := keys.SignersScriptPubKey(state.AggregatePubKey)
	if err != nil {
		return BuiltTransaction{}, fmt.Errorf("derive signers scriptPubKey: %w", err)
	}

	leaves := make([]depositLeaf, len(pkg.Deposits))
	for i, d := range pkg.Deposits {
		leaf, err := newDepositLeaf(d.Request, state.AggregatePubKey)
		if err != nil {
			return BuiltTransaction{}, fmt.Errorf("deposit %s:%d taproot leaf: %w", d.Request.TxID, d.Request.VoutIndex, err)
		}
		leaves[i] = leaf
	}

	withdrawalScripts := make([][]byte, len(pkg.Withdrawals))
	for i, w := range pkg.Withdrawals {
		script, err := hex.DecodeString(w.Request.Recipient)
		if err != nil {
			return BuiltTransaction{}, fmt.Errorf("withdrawal %d recipient script: %w", w.Request.PrimaryKey(), err)
		}
		withdrawalScripts[i] = script
	}

	inputTotal, outputTotalBeforeFees := packageAmounts(signerUtxo, pkg)
	if outputTotalBeforeFees > inputTotal {
		return BuiltTransaction{}, fmt.Errorf("%w: package output sum %d exceeds input sum %d", apperr.ErrInvalidAmount, outputTotalBeforeFees, inputTotal)
	}

	// Step 3: measure vsize with every witness filled by a dummy 64-byte
	// Schnorr signature. Output amounts don't affect vsize, only
	// witness/script presence does, so the pre-fee split is good enough
	// for this measurement pass.
	dummyTx, _, err := buildMsgTx(signerUtxo, pkg, leaves, withdrawalScripts, signersScript, 0, 0)
	if err != nil {
		return BuiltTransaction{}, err
	}
	fillDummyWitnesses(dummyTx, leaves)
	vsize := mempoolVsize(dummyTx)

	numParticipants := len(pkg.Deposits) + len(pkg.Withdrawals)
	totalFee := int64(vsize) * state.FeeRate
	perRequestFee := ceilDiv(totalFee, int64(numParticipants))

	// The signer output absorbs the deposits' apportioned fee share; each
	// withdrawal output is reduced by its own apportioned fee (so the full
	// requested withdrawal amount, not the reduced one, is what leaves the
	// input pool here).
	signerOutputAmount := inputTotal
	for _, w := range pkg.Withdrawals {
		signerOutputAmount -= int64(w.Request.Amount)
	}
	signerOutputAmount -= perRequestFee * int64(len(pkg.Deposits))

	finalTx, finalPrevOuts, err := buildMsgTx(signerUtxo, pkg, leaves, withdrawalScripts, signersScript, signerOutputAmount, perRequestFee)
	if err != nil {
		return BuiltTransaction{}, err
	}

	sighashes, err := computeSighashes(finalTx, signersScript, pkg, leaves, finalPrevOuts)
	if err != nil {
		return BuiltTransaction{}, err
	}

	txid := finalTx.TxHash()
	return BuiltTransaction{
		Tx:        finalTx,
		Sighashes: sighashes,
		NextSignerUtxo: models.SignerUtxo{
			TxID:      txid.String(),
			VoutIndex: 0,
			Amount:    uint64(signerOutputAmount),
		},
		FeeSats:     totalFee,
		VirtualSize: vsize,
	}, nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func buildMsgTx(signerUtxo models.SignerUtxo, pkg Package, leaves []depositLeaf, withdrawalScripts [][]byte, signersScript []byte, signerOutputAmount, perRequestFee int64) (*wire.MsgTx, []*wire.TxOut, error) {
	tx := wire.NewMsgTx(2)
	tx.LockTime = 0

	utxoHash, vout, err := signerUtxo.OutPoint()
	if err != nil {
		return nil, nil, fmt.Errorf("signer utxo outpoint: %w", err)
	}
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: utxoHash, Index: vout}, Sequence: wire.MaxTxInSequenceNum})
	prevOuts := []*wire.TxOut{{Value: int64(signerUtxo.Amount), PkScript: signersScript}}

	for i, d := range pkg.Deposits {
		hash, err := chainhash.NewHashFromStr(d.Request.TxID)
		if err != nil {
			return nil, nil, fmt.Errorf("deposit txid: %w", err)
		}
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: *hash, Index: d.Request.VoutIndex}, Sequence: wire.MaxTxInSequenceNum})
		prevOuts = append(prevOuts, &wire.TxOut{Value: int64(d.Request.Amount), PkScript: leaves[i].pkScript})
	}

	tx.AddTxOut(&wire.TxOut{Value: signerOutputAmount, PkScript: signersScript})
	for i, w := range pkg.Withdrawals {
		tx.AddTxOut(&wire.TxOut{Value: int64(w.Request.Amount) - perRequestFee, PkScript: withdrawalScripts[i]})
	}

	return tx, prevOuts, nil
}

func fillDummyWitnesses(tx *wire.MsgTx, leaves []depositLeaf) {
	dummySig := make([]byte, dummySchnorrSigLen)
	tx.TxIn[0].Witness = wire.TxWitness{dummySig}
	for i, leaf := range leaves {
		tx.TxIn[i+1].Witness = wire.TxWitness{dummySig, leaf.script, leaf.controlBlock}
	}
}

func clearWitnesses(tx *wire.MsgTx) {
	for _, in := range tx.TxIn {
		in.Witness = nil
	}
}

// mempoolVsize computes stripped-size-weighted vsize per BIP-141:
// vsize = ceil((3*stripped_size + total_size) / 4).
func mempoolVsize(tx *wire.MsgTx) int {
	return (tx.SerializeSizeStripped()*3 + tx.SerializeSize() + 3) / 4
}

func computeSighashes(tx *wire.MsgTx, signersScript []byte, pkg Package, leaves []depositLeaf, prevOuts []*wire.TxOut) (SignatureHashes, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	signersHash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, 0, fetcher)
	if err != nil {
		return SignatureHashes{}, fmt.Errorf("signer key-path sighash: %w", err)
	}
	var out SignatureHashes
	copy(out.SignersSighash[:], signersHash)

	for i, d := range pkg.Deposits {
		leaf := txscript.NewBaseTapLeaf(leaves[i].script)
		h, err := txscript.CalcTapscriptSignaturehash(sigHashes, txscript.SigHashDefault, tx, i+1, fetcher, leaf)
		if err != nil {
			return SignatureHashes{}, fmt.Errorf("deposit %s:%d script-path sighash: %w", d.Request.TxID, d.Request.VoutIndex, err)
		}
		var arr [32]byte
		copy(arr[:], h)
		out.DepositSighashes = append(out.DepositSighashes, DepositSighash{Deposit: d.Request, Sighash: arr})
	}

	clearWitnesses(tx)
	return out, nil
}
