package registry

import (
	"path/filepath"
	"testing"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/db"
	"github.com/sbtc-signer/signer/internal/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return New(d.Conn())
}

func sampleDeposit() *models.DepositRequest {
	return &models.DepositRequest{
		TxID:            "abc123",
		VoutIndex:       0,
		Recipient:       "SP000000000000000000002Q6VF78",
		Amount:          100_000,
		ReclaimScript:   "51",
		DepositScript:   "52",
		LockTime:        500,
		Status:          models.StatusPending,
		LastUpdateHeight: 100,
		LastUpdateBlock:  "hash100",
	}
}

func TestPutAndGetDeposit(t *testing.T) {
	reg := newTestRegistry(t)
	d := sampleDeposit()
	ev := models.HistoryEvent{Status: models.StatusPending, BlockHeight: 100, BlockHash: "hash100"}

	if err := reg.PutDeposit(d, ev); err != nil {
		t.Fatalf("PutDeposit() error = %v", err)
	}

	got, err := reg.GetDeposit(d.TxID, d.VoutIndex)
	if err != nil {
		t.Fatalf("GetDeposit() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetDeposit() = nil, want a deposit")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if len(got.History) != 1 || got.History[0].BlockHeight != 100 {
		t.Errorf("History = %+v, want one event at height 100", got.History)
	}
}

func TestPutDeposit_DuplicateIsVersionConflict(t *testing.T) {
	reg := newTestRegistry(t)
	d := sampleDeposit()
	ev := models.HistoryEvent{Status: models.StatusPending, BlockHeight: 100, BlockHash: "hash100"}

	if err := reg.PutDeposit(d, ev); err != nil {
		t.Fatalf("first PutDeposit() error = %v", err)
	}
	err := reg.PutDeposit(sampleDeposit(), ev)
	if !apperr.Transient(err) {
		t.Fatalf("expected transient VersionConflict, got %v", err)
	}
}

func TestApplyDepositUpdate_Success(t *testing.T) {
	reg := newTestRegistry(t)
	d := sampleDeposit()
	ev := models.HistoryEvent{Status: models.StatusPending, BlockHeight: 100, BlockHash: "hash100"}
	if err := reg.PutDeposit(d, ev); err != nil {
		t.Fatalf("PutDeposit() error = %v", err)
	}

	next := models.HistoryEvent{Status: models.StatusAccepted, BlockHeight: 101, BlockHash: "hash101"}
	if err := reg.ApplyDepositUpdate(d.TxID, d.VoutIndex, 1, models.StatusAccepted, next); err != nil {
		t.Fatalf("ApplyDepositUpdate() error = %v", err)
	}

	got, err := reg.GetDeposit(d.TxID, d.VoutIndex)
	if err != nil {
		t.Fatalf("GetDeposit() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Status != models.StatusAccepted {
		t.Errorf("Status = %q, want accepted", got.Status)
	}
	if len(got.History) != 2 {
		t.Errorf("History length = %d, want 2", len(got.History))
	}
}

func TestApplyDepositUpdate_StaleVersionRejected(t *testing.T) {
	reg := newTestRegistry(t)
	d := sampleDeposit()
	ev := models.HistoryEvent{Status: models.StatusPending, BlockHeight: 100, BlockHash: "hash100"}
	if err := reg.PutDeposit(d, ev); err != nil {
		t.Fatalf("PutDeposit() error = %v", err)
	}

	next := models.HistoryEvent{Status: models.StatusAccepted, BlockHeight: 101, BlockHash: "hash101"}
	err := reg.ApplyDepositUpdate(d.TxID, d.VoutIndex, 99, models.StatusAccepted, next)
	if !apperr.Transient(err) {
		t.Fatalf("expected transient VersionConflict for stale version, got %v", err)
	}
}

func TestQueryDepositsByStatusHeightRange(t *testing.T) {
	reg := newTestRegistry(t)

	d1 := sampleDeposit()
	d1.TxID = "tx1"
	d1.LastUpdateHeight = 100
	reg.PutDeposit(d1, models.HistoryEvent{Status: models.StatusPending, BlockHeight: 100, BlockHash: "h100"})

	d2 := sampleDeposit()
	d2.TxID = "tx2"
	d2.LastUpdateHeight = 200
	reg.PutDeposit(d2, models.HistoryEvent{Status: models.StatusPending, BlockHeight: 200, BlockHash: "h200"})

	got, err := reg.QueryDepositsByStatusHeightRange(models.StatusPending, 100, 150)
	if err != nil {
		t.Fatalf("QueryDepositsByStatusHeightRange() error = %v", err)
	}
	if len(got) != 1 || got[0].TxID != "tx1" {
		t.Errorf("got %+v, want only tx1", got)
	}
}

func TestEnsureFollowingEventIsValid(t *testing.T) {
	history := []models.HistoryEvent{{Status: models.StatusPending, BlockHeight: 100, BlockHash: "h100"}}

	if err := registryValid(history, models.HistoryEvent{Status: models.StatusAccepted, BlockHeight: 101, BlockHash: "h101"}); err != nil {
		t.Errorf("advancing height: unexpected error %v", err)
	}
	if err := registryValid(history, models.HistoryEvent{Status: models.StatusAccepted, BlockHeight: 100, BlockHash: "h100"}); err != nil {
		t.Errorf("same height same hash: unexpected error %v", err)
	}
	if err := registryValid(history, models.HistoryEvent{Status: models.StatusAccepted, BlockHeight: 99, BlockHash: "h99"}); err == nil {
		t.Error("regressing height: expected error, got nil")
	}
	if err := registryValid(history, models.HistoryEvent{Status: models.StatusAccepted, BlockHeight: 100, BlockHash: "different"}); err == nil {
		t.Error("conflicting hash at same height: expected error, got nil")
	}
}

func registryValid(history []models.HistoryEvent, next models.HistoryEvent) error {
	return EnsureFollowingEventIsValid(history, next)
}
