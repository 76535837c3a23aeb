package sweep

import (
	"testing"

	"github.com/sbtc-signer/signer/internal/models"
)

func deposit(txid string, vout uint32, rejectVotes int) DepositCandidate {
	return DepositCandidate{
		Request:     &models.DepositRequest{TxID: txid, VoutIndex: vout, Amount: 10000},
		RejectVotes: rejectVotes,
	}
}

func withdrawal(requestID uint64, rejectVotes int) WithdrawalCandidate {
	return WithdrawalCandidate{
		Request:     &models.WithdrawalRequest{RequestID: requestID, Amount: 5000},
		RejectVotes: rejectVotes,
	}
}

func TestPack_EmptyInputYieldsEmptyOutput(t *testing.T) {
	packages := Pack(nil, nil, 2)
	if len(packages) != 0 {
		t.Fatalf("len(packages) = %d, want 0", len(packages))
	}
}

func TestPack_SplitsWhenRejectCapacityExceeded(t *testing.T) {
	deposits := []DepositCandidate{
		deposit("a", 0, 2),
		deposit("b", 0, 2),
	}
	packages := Pack(deposits, nil, 2)

	if len(packages) != 2 {
		t.Fatalf("len(packages) = %d, want 2", len(packages))
	}
	for _, p := range packages {
		if len(p.Deposits) != 1 {
			t.Fatalf("package has %d deposits, want 1 (each weight-2 item should fill its own bin under capacity 2)", len(p.Deposits))
		}
	}
}

func TestPack_FirstFitDecreasingFillsABinBeforeOpeningAnother(t *testing.T) {
	deposits := []DepositCandidate{
		deposit("heavy", 0, 2),
		deposit("light", 0, 1),
	}
	packages := Pack(deposits, nil, 3)

	if len(packages) != 1 {
		t.Fatalf("len(packages) = %d, want 1", len(packages))
	}
	if len(packages[0].Deposits) != 2 {
		t.Fatalf("package has %d deposits, want 2", len(packages[0].Deposits))
	}
	if packages[0].Deposits[0].Request.TxID != "heavy" {
		t.Fatalf("packages[0].Deposits[0] = %q, want %q (decreasing weight order)", packages[0].Deposits[0].Request.TxID, "heavy")
	}
}

func TestPack_TieBreaksByKindThenPrimaryKeyAscending(t *testing.T) {
	items := []DepositCandidate{
		deposit("zzz", 0, 1),
		deposit("aaa", 0, 1),
	}
	w := []WithdrawalCandidate{
		withdrawal(1, 1),
	}
	// Capacity 1 forces every item into its own bin; the ORDER packages
	// come out in still follows (weight desc, kind asc, primary key asc).
	packages := Pack(items, w, 1)

	if len(packages) != 3 {
		t.Fatalf("len(packages) = %d, want 3", len(packages))
	}
	if len(packages[0].Deposits) != 1 || packages[0].Deposits[0].Request.TxID != "aaa" {
		t.Fatalf("packages[0] should hold deposit %q first (kind asc, then primary key asc)", "aaa")
	}
	if len(packages[1].Deposits) != 1 || packages[1].Deposits[0].Request.TxID != "zzz" {
		t.Fatalf("packages[1] should hold deposit %q", "zzz")
	}
	if len(packages[2].Withdrawals) != 1 {
		t.Fatalf("packages[2] should hold the withdrawal (kindWithdrawal sorts after kindDeposit)")
	}
}

func TestPack_MixedDepositsAndWithdrawalsShareABin(t *testing.T) {
	deposits := []DepositCandidate{deposit("a", 0, 1)}
	withdrawals := []WithdrawalCandidate{withdrawal(1, 1)}
	packages := Pack(deposits, withdrawals, 2)

	if len(packages) != 1 {
		t.Fatalf("len(packages) = %d, want 1", len(packages))
	}
	if len(packages[0].Deposits) != 1 || len(packages[0].Withdrawals) != 1 {
		t.Fatalf("package should hold both the deposit and the withdrawal under capacity 2")
	}
}
