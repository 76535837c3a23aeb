package sweep

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/txscript"

	"github.com/sbtc-signer/signer/internal/keys"
	"github.com/sbtc-signer/signer/internal/models"
)

func testAggregateKey(t *testing.T, seed byte) *keys.PublicKey {
	t.Helper()
	priv, err := keys.ParsePrivateKey(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	pub, err := keys.FromPrivate(priv)
	if err != nil {
		t.Fatalf("FromPrivate() error = %v", err)
	}
	return pub
}

// anyoneCanSpendScript is a minimal valid tapscript leaf (OP_TRUE) used as
// deposit/reclaim script stand-ins; the chain builder never executes these
// scripts, it only needs well-formed bytes to build a leaf and control block.
func anyoneCanSpendScript() string {
	return hex.EncodeToString([]byte{txscript.OP_TRUE})
}

func p2wpkhScript(t *testing.T) string {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(bytes.Repeat([]byte{0xAB}, 20)).
		Script()
	if err != nil {
		t.Fatalf("build p2wpkh script: %v", err)
	}
	return hex.EncodeToString(script)
}

func testDeposit(t *testing.T, txid string, amount uint64) *models.DepositRequest {
	t.Helper()
	return &models.DepositRequest{
		TxID:          txid,
		VoutIndex:     0,
		Amount:        amount,
		DepositScript: anyoneCanSpendScript(),
		ReclaimScript: anyoneCanSpendScript(),
		LockTime:      144,
	}
}

func testWithdrawal(t *testing.T, requestID uint64, amount, maxFee uint64) *models.WithdrawalRequest {
	t.Helper()
	return &models.WithdrawalRequest{
		RequestID: requestID,
		Amount:    amount,
		MaxFee:    maxFee,
		Recipient: p2wpkhScript(t),
	}
}

func testSignerState(t *testing.T, utxoAmount uint64) SignerState {
	t.Helper()
	pub := testAggregateKey(t, 0x07)
	return SignerState{
		Utxo: models.SignerUtxo{
			TxID:      "aa00000000000000000000000000000000000000000000000000000000aa",
			VoutIndex: 0,
			Amount:    utxoAmount,
		},
		FeeRate:         10,
		AggregatePubKey: pub,
	}
}

func TestBuildChain_EmptyPackagesYieldsEmptyResult(t *testing.T) {
	state := testSignerState(t, 100000)
	built, err := BuildChain(nil, state)
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(built) != 0 {
		t.Fatalf("len(built) = %d, want 0", len(built))
	}
}

func TestBuildChain_SingleWithdrawalPackage(t *testing.T) {
	state := testSignerState(t, 100000)
	pkg := Package{
		Withdrawals: []*WithdrawalCandidate{
			{Request: testWithdrawal(t, 1, 5000, 1000)},
		},
	}

	built, err := BuildChain([]Package{pkg}, state)
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(built) != 1 {
		t.Fatalf("len(built) = %d, want 1", len(built))
	}
	tx := built[0].Tx
	if len(tx.TxIn) != 1 {
		t.Fatalf("len(TxIn) = %d, want 1 (signer utxo only, no deposits)", len(tx.TxIn))
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("len(TxOut) = %d, want 2 (signer output + one withdrawal)", len(tx.TxOut))
	}
	if built[0].FeeSats <= 0 {
		t.Fatalf("FeeSats = %d, want > 0", built[0].FeeSats)
	}
}

func TestBuildChain_DepositAndWithdrawalPackageProducesSighashes(t *testing.T) {
	state := testSignerState(t, 100000)
	pkg := Package{
		Deposits: []*DepositCandidate{
			{Request: testDeposit(t, "bb00000000000000000000000000000000000000000000000000000000bb", 20000)},
		},
		Withdrawals: []*WithdrawalCandidate{
			{Request: testWithdrawal(t, 1, 5000, 1000)},
		},
	}

	built, err := BuildChain([]Package{pkg}, state)
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	tx := built[0].Tx
	if len(tx.TxIn) != 2 {
		t.Fatalf("len(TxIn) = %d, want 2 (signer utxo + one deposit)", len(tx.TxIn))
	}
	if len(built[0].Sighashes.DepositSighashes) != 1 {
		t.Fatalf("len(DepositSighashes) = %d, want 1", len(built[0].Sighashes.DepositSighashes))
	}
	for _, in := range tx.TxIn {
		if len(in.Witness) != 0 {
			t.Errorf("input witness should be cleared after sighash computation, got %d items", len(in.Witness))
		}
	}
}

func TestBuildChain_ChainsSignerUtxoAcrossPackages(t *testing.T) {
	state := testSignerState(t, 200000)
	packages := []Package{
		{Withdrawals: []*WithdrawalCandidate{{Request: testWithdrawal(t, 1, 5000, 1000)}}},
		{Withdrawals: []*WithdrawalCandidate{{Request: testWithdrawal(t, 2, 5000, 1000)}}},
	}

	built, err := BuildChain(packages, state)
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(built) != 2 {
		t.Fatalf("len(built) = %d, want 2", len(built))
	}

	firstTxID := built[0].Tx.TxHash().String()
	secondInput := built[1].Tx.TxIn[0].PreviousOutPoint
	if secondInput.Hash.String() != firstTxID {
		t.Fatalf("second package's input 0 prevout = %s, want first package's txid %s", secondInput.Hash.String(), firstTxID)
	}
	if secondInput.Index != 0 {
		t.Fatalf("second package's input 0 prevout index = %d, want 0", secondInput.Index)
	}
}

func TestBuildChain_RejectsPackageWhoseOutputsExceedInputsBeforeFees(t *testing.T) {
	state := testSignerState(t, 1000)
	pkg := Package{
		Withdrawals: []*WithdrawalCandidate{
			{Request: testWithdrawal(t, 1, 50000, 1000)},
		},
	}

	if _, err := BuildChain([]Package{pkg}, state); err == nil {
		t.Fatal("expected InvalidAmount error, got nil")
	}
}

func TestBuildChain_EmptyPackageIsRejected(t *testing.T) {
	state := testSignerState(t, 100000)
	if _, err := BuildChain([]Package{{}}, state); err == nil {
		t.Fatal("expected error for a package with neither deposits nor withdrawals")
	}
}
