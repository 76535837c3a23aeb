package validate

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/sbtc-signer/signer/internal/bitcoin"
	"github.com/sbtc-signer/signer/internal/db"
	"github.com/sbtc-signer/signer/internal/keys"
	"github.com/sbtc-signer/signer/internal/models"
	"github.com/sbtc-signer/signer/internal/registry"
)

func testSetup(t *testing.T) (*registry.Registry, *bitcoin.Mock, *keys.PublicKey) {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	reg := registry.New(d.Conn())

	priv, err := keys.ParsePrivateKey(bytes.Repeat([]byte{0x09}, 32))
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	pub, err := keys.FromPrivate(priv)
	if err != nil {
		t.Fatalf("FromPrivate() error = %v", err)
	}
	return reg, bitcoin.NewMock(), pub
}

func zeroHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// seedSignerPrevout registers a fake confirmed transaction whose output 0
// is the signers' scriptPubKey, for checkInputZero to resolve.
func seedSignerPrevout(t *testing.T, mock *bitcoin.Mock, txid string, amount int64, signersScript []byte) {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: amount, PkScript: signersScript})
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize prevout tx: %v", err)
	}
	mock.Txs[txid] = &bitcoin.Tx{TxID: txid, Hex: hex.EncodeToString(buf.Bytes())}
}

func buildProposal(signerInTxID string, signerOutScript []byte, signerOutAmount int64, withdrawalScript []byte, withdrawalAmount int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	hash, _ := chainhash.NewHashFromStr(signerInTxID)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: *hash, Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: signerOutAmount, PkScript: signerOutScript})
	tx.AddTxOut(&wire.TxOut{Value: withdrawalAmount, PkScript: withdrawalScript})
	return tx
}

func TestValidate_AcceptsWellFormedWithdrawalOnlyProposal(t *testing.T) {
	reg, mock, pub := testSetup(t)
	signersScript, err := keys.SignersScriptPubKey(pub)
	if err != nil {
		t.Fatalf("SignersScriptPubKey() error = %v", err)
	}

	signerInTxID := zeroHash(0xaa).String()
	seedSignerPrevout(t, mock, signerInTxID, 100000, signersScript)

	withdrawalScript := []byte{0x00, 0x14}
	withdrawalScript = append(withdrawalScript, bytes.Repeat([]byte{0xCD}, 20)...)

	w := &models.WithdrawalRequest{
		RequestID: 1,
		Recipient: hex.EncodeToString(withdrawalScript),
		Amount:    5000,
		MaxFee:    2000,
		Status:    models.StatusAccepted,
	}
	if err := reg.PutWithdrawal(w, models.HistoryEvent{Status: models.StatusAccepted}); err != nil {
		t.Fatalf("PutWithdrawal() error = %v", err)
	}

	tx := buildProposal(signerInTxID, signersScript, 94000, withdrawalScript, 4500)

	v := New(reg, mock, pub)
	err = v.Validate(context.Background(), BitcoinTxContext{
		ChainTip:      models.ChainTip{Height: 100, Hash: "tip"},
		Tx:            tx,
		WithdrawalIDs: []uint64{1},
	})
	if err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_RejectsWrongSignerInputScript(t *testing.T) {
	reg, mock, pub := testSetup(t)
	signersScript, _ := keys.SignersScriptPubKey(pub)

	signerInTxID := zeroHash(0xbb).String()
	seedSignerPrevout(t, mock, signerInTxID, 100000, []byte{0x51}) // wrong script

	tx := buildProposal(signerInTxID, signersScript, 99000, []byte{0x51}, 0)
	tx.TxOut = tx.TxOut[:1] // no withdrawals

	v := New(reg, mock, pub)
	err := v.Validate(context.Background(), BitcoinTxContext{
		ChainTip: models.ChainTip{Height: 100},
		Tx:       tx,
	})
	var verr *BitcoinValidationError
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !asValidationError(err, &verr) || verr.Reason != ReasonInvalidPrevout {
		t.Fatalf("error = %v, want reason %s", err, ReasonInvalidPrevout)
	}
}

func TestValidate_RejectsOutputCountMismatch(t *testing.T) {
	reg, mock, pub := testSetup(t)
	signersScript, _ := keys.SignersScriptPubKey(pub)

	signerInTxID := zeroHash(0xcc).String()
	seedSignerPrevout(t, mock, signerInTxID, 100000, signersScript)

	tx := buildProposal(signerInTxID, signersScript, 99000, []byte{0x51}, 500)

	v := New(reg, mock, pub)
	err := v.Validate(context.Background(), BitcoinTxContext{
		ChainTip:      models.ChainTip{Height: 100},
		Tx:            tx,
		WithdrawalIDs: nil, // tx has 2 outputs but 0 declared withdrawal ids
	})
	var verr *BitcoinValidationError
	if !asValidationError(err, &verr) || verr.Reason != ReasonUnknownWithdrawal {
		t.Fatalf("error = %v, want reason %s", err, ReasonUnknownWithdrawal)
	}
}

func TestValidate_DepositLockTimeExpiryBoundary(t *testing.T) {
	// spec.md §8 scenario 5: lock_time = buffer+2, confirmed_height=0, tip=2
	// must be rejected; lock_time = buffer+3 must be accepted.
	for _, tc := range []struct {
		name     string
		lockTime uint32
		wantErr  bool
	}{
		{"expired", uint32(6 + 2), true},
		{"valid", uint32(6 + 3), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg, mock, pub := testSetup(t)
			signersScript, _ := keys.SignersScriptPubKey(pub)

			signerInTxID := zeroHash(0xdd).String()
			seedSignerPrevout(t, mock, signerInTxID, 100000, signersScript)

			depositTxID := zeroHash(0xee).String()
			d := &models.DepositRequest{
				TxID:             depositTxID,
				VoutIndex:        0,
				Amount:           20000,
				MaxFee:           1000,
				Status:           models.StatusAccepted,
				LockTime:         tc.lockTime,
				LastUpdateHeight: 0,
				DepositScript:    "51",
				ReclaimScript:    "51",
			}
			if err := reg.PutDeposit(d, models.HistoryEvent{Status: models.StatusAccepted}); err != nil {
				t.Fatalf("PutDeposit() error = %v", err)
			}

			tx := wire.NewMsgTx(2)
			signerHash, _ := chainhash.NewHashFromStr(signerInTxID)
			tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: *signerHash, Index: 0}})
			depositHash, _ := chainhash.NewHashFromStr(depositTxID)
			tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: *depositHash, Index: 0}})
			tx.AddTxOut(&wire.TxOut{Value: 119000, PkScript: signersScript})

			v := New(reg, mock, pub)
			err := v.Validate(context.Background(), BitcoinTxContext{
				ChainTip: models.ChainTip{Height: 2},
				Tx:       tx,
			})
			if tc.wantErr && err == nil {
				t.Fatal("expected lock-time rejection, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected acceptance, got error %v", err)
			}
		})
	}
}

func asValidationError(err error, target **BitcoinValidationError) bool {
	verr, ok := err.(*BitcoinValidationError)
	if ok {
		*target = verr
	}
	return ok
}
