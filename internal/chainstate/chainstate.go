// Package chainstate implements the ChainstateMachine component
// (spec.md §4.C): a single-row, optimistically-versioned record of the
// signer's view of the Bitcoin chain tip and whether it currently
// considers itself in a reorg.
package chainstate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/models"
)

// Machine owns the api_state row.
type Machine struct {
	conn *sql.DB
}

// New wraps an open database connection.
func New(conn *sql.DB) *Machine {
	return &Machine{conn: conn}
}

// Get reads the current chainstate, initializing it to an empty stable
// state at height 0 on first use.
func (m *Machine) Get() (*models.ApiState, error) {
	row := m.conn.QueryRow(`SELECT tip_height, tip_hash, status, reorg_height, reorg_hash, version FROM api_state WHERE id = 1`)

	var s models.ApiState
	var reorgHeight sql.NullInt64
	var reorgHash sql.NullString

	err := row.Scan(&s.Tip.Height, &s.Tip.Hash, &s.Status, &reorgHeight, &reorgHash, &s.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return m.initialize()
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "get chainstate", err)
	}
	if reorgHeight.Valid {
		s.ReorgAt = &models.ChainTip{Height: uint64(reorgHeight.Int64), Hash: reorgHash.String}
	}
	return &s, nil
}

func (m *Machine) initialize() (*models.ApiState, error) {
	_, err := m.conn.Exec(`
		INSERT INTO api_state (id, tip_height, tip_hash, status, version)
		VALUES (1, 0, '', ?, 1)
		ON CONFLICT(id) DO NOTHING`, models.ChainstateStable)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "initialize chainstate", err)
	}
	return m.Get()
}

// Advance moves the chainstate's tip forward to newTip, under an
// optimistic CAS retried up to config.ChainstateCASRetries times
// (spec.md §4.C). Only legal while Status is Stable.
func (m *Machine) Advance(newTip models.ChainTip) error {
	for attempt := 0; attempt < config.ChainstateCASRetries; attempt++ {
		cur, err := m.Get()
		if err != nil {
			return err
		}
		if cur.Status != models.ChainstateStable {
			return fmt.Errorf("%w: cannot advance tip while status is %s", apperr.ErrInconsistentState, cur.Status)
		}
		if newTip.Height < cur.Tip.Height {
			return fmt.Errorf("%w: new tip height %d precedes current tip %d", apperr.ErrInconsistentState, newTip.Height, cur.Tip.Height)
		}

		res, err := m.conn.Exec(`
			UPDATE api_state SET tip_height = ?, tip_hash = ?, version = version + 1
			WHERE id = 1 AND version = ?`, newTip.Height, newTip.Hash, cur.Version)
		if err != nil {
			return apperr.Wrap(apperr.KindSqlxQuery, "advance chainstate", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: exhausted %d retries advancing chainstate", apperr.ErrVersionConflict, config.ChainstateCASRetries)
}

// EnterReorg marks the machine as reorganizing back to reorgTip. A second
// caller racing to set the same reorgTip observes it already set and
// returns nil (idempotent); a caller racing with a different target
// observes InconsistentState (spec.md §4.D).
func (m *Machine) EnterReorg(reorgTip models.ChainTip) error {
	for attempt := 0; attempt < config.ChainstateCASRetries; attempt++ {
		cur, err := m.Get()
		if err != nil {
			return err
		}
		if cur.Status == models.ChainstateReorg {
			if cur.ReorgAt != nil && *cur.ReorgAt == reorgTip {
				return nil
			}
			return fmt.Errorf("%w: already reorging to a different target", apperr.ErrInconsistentState)
		}

		res, err := m.conn.Exec(`
			UPDATE api_state SET status = ?, reorg_height = ?, reorg_hash = ?, version = version + 1
			WHERE id = 1 AND version = ?`, models.ChainstateReorg, reorgTip.Height, reorgTip.Hash, cur.Version)
		if err != nil {
			return apperr.Wrap(apperr.KindSqlxQuery, "enter reorg", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: exhausted %d retries entering reorg", apperr.ErrVersionConflict, config.ChainstateCASRetries)
}

// ExitReorg clears reorg status once the ReorgExecutor has truncated
// history back to reorgTip and the new tip has been established.
func (m *Machine) ExitReorg(newTip models.ChainTip) error {
	for attempt := 0; attempt < config.ChainstateCASRetries; attempt++ {
		cur, err := m.Get()
		if err != nil {
			return err
		}
		if cur.Status != models.ChainstateReorg {
			return fmt.Errorf("%w: cannot exit reorg from status %s", apperr.ErrInconsistentState, cur.Status)
		}

		res, err := m.conn.Exec(`
			UPDATE api_state
			SET status = ?, tip_height = ?, tip_hash = ?, reorg_height = NULL, reorg_hash = NULL, version = version + 1
			WHERE id = 1 AND version = ?`, models.ChainstateStable, newTip.Height, newTip.Hash, cur.Version)
		if err != nil {
			return apperr.Wrap(apperr.KindSqlxQuery, "exit reorg", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: exhausted %d retries exiting reorg", apperr.ErrVersionConflict, config.ChainstateCASRetries)
}
