package chainstate

import (
	"path/filepath"
	"testing"

	"github.com/sbtc-signer/signer/internal/db"
	"github.com/sbtc-signer/signer/internal/models"
)

func newTestMachine(t *testing.T) *Machine {
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

func TestGet_InitializesEmptyState(t *testing.T) {
	m := newTestMachine(t)
	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != models.ChainstateStable || s.Tip.Height != 0 {
		t.Errorf("initial state = %+v, want stable at height 0", s)
	}
}

func TestAdvance(t *testing.T) {
	m := newTestMachine(t)
	if err := m.Advance(models.ChainTip{Height: 10, Hash: "h10"}); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	s, _ := m.Get()
	if s.Tip.Height != 10 || s.Tip.Hash != "h10" {
		t.Errorf("tip = %+v, want height 10", s.Tip)
	}
	if s.Version != 2 {
		t.Errorf("Version = %d, want 2", s.Version)
	}
}

func TestAdvance_RejectsRegression(t *testing.T) {
	m := newTestMachine(t)
	m.Advance(models.ChainTip{Height: 10, Hash: "h10"})
	if err := m.Advance(models.ChainTip{Height: 5, Hash: "h5"}); err == nil {
		t.Error("expected error advancing to a lower height")
	}
}

func TestEnterReorg_ThenExit(t *testing.T) {
	m := newTestMachine(t)
	m.Advance(models.ChainTip{Height: 10, Hash: "h10"})

	if err := m.EnterReorg(models.ChainTip{Height: 8, Hash: "h8"}); err != nil {
		t.Fatalf("EnterReorg() error = %v", err)
	}
	s, _ := m.Get()
	if s.Status != models.ChainstateReorg {
		t.Errorf("Status = %q, want reorg", s.Status)
	}

	if err := m.Advance(models.ChainTip{Height: 9, Hash: "h9"}); err == nil {
		t.Error("expected Advance to fail while reorging")
	}

	if err := m.ExitReorg(models.ChainTip{Height: 8, Hash: "h8"}); err != nil {
		t.Fatalf("ExitReorg() error = %v", err)
	}
	s, _ = m.Get()
	if s.Status != models.ChainstateStable || s.Tip.Height != 8 {
		t.Errorf("post-reorg state = %+v", s)
	}
}

func TestEnterReorg_IdempotentForSameTarget(t *testing.T) {
	m := newTestMachine(t)
	m.Advance(models.ChainTip{Height: 10, Hash: "h10"})

	if err := m.EnterReorg(models.ChainTip{Height: 8, Hash: "h8"}); err != nil {
		t.Fatalf("first EnterReorg() error = %v", err)
	}
	if err := m.EnterReorg(models.ChainTip{Height: 8, Hash: "h8"}); err != nil {
		t.Errorf("second EnterReorg() to the same target should be idempotent, got %v", err)
	}
}

func TestEnterReorg_ConflictingTargetIsInconsistent(t *testing.T) {
	m := newTestMachine(t)
	m.Advance(models.ChainTip{Height: 10, Hash: "h10"})
	m.EnterReorg(models.ChainTip{Height: 8, Hash: "h8"})

	if err := m.EnterReorg(models.ChainTip{Height: 7, Hash: "h7"}); err == nil {
		t.Error("expected error entering reorg with a different target while already reorging")
	}
}
