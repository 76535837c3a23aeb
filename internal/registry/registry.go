// Package registry implements the RequestRegistry component (spec.md §4.B):
// durable, optimistically-versioned storage for deposit and withdrawal
// requests and their append-only history, over internal/db's SQLite
// connection. Every request insert or update runs inside one *sql.Tx, so
// the versioned conditional update and its history append are atomic. The
// monotonicity check (EnsureFollowingEventIsValid) is not part of that
// transaction: callers run it against the history they read, and the
// version compare-and-swap rejects the update if that history has changed
// since. SetSignerUtxo runs its compare-and-swap without a transaction.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/models"
)

// Registry is the signer's view onto the persisted request set.
type Registry struct {
	conn *sql.DB
}

// New wraps an open database connection.
func New(conn *sql.DB) *Registry {
	return &Registry{conn: conn}
}

// GetDeposit looks up a deposit by its primary key (txid, vout).
func (r *Registry) GetDeposit(txid string, vout uint32) (*models.DepositRequest, error) {
	row := r.conn.QueryRow(`
		SELECT txid, vout_index, recipient, amount, max_fee, sender_addresses, reclaim_script, deposit_script,
		       lock_time, status, last_update_height, last_update_block_hash, version
		FROM deposit_requests WHERE txid = ? AND vout_index = ?`, txid, vout)

	d, err := scanDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "get deposit", err)
	}

	history, err := r.depositHistory(txid, vout)
	if err != nil {
		return nil, err
	}
	d.History = history
	return d, nil
}

// PutDeposit inserts a brand new deposit request at version 1, with its
// first history event. Returns apperr.ErrVersionConflict if one already
// exists at this primary key.
func (r *Registry) PutDeposit(d *models.DepositRequest, ev models.HistoryEvent) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "begin put deposit", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO deposit_requests
			(txid, vout_index, recipient, amount, max_fee, sender_addresses, reclaim_script, deposit_script,
			 lock_time, status, last_update_height, last_update_block_hash, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		d.TxID, d.VoutIndex, d.Recipient, d.Amount, d.MaxFee, joinSenderAddresses(d.SenderAddresses), d.ReclaimScript, d.DepositScript,
		d.LockTime, d.Status, d.LastUpdateHeight, d.LastUpdateBlock)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrVersionConflict
		}
		return apperr.Wrap(apperr.KindSqlxQuery, "insert deposit", err)
	}

	if err := insertDepositHistory(tx, d.TxID, d.VoutIndex, ev); err != nil {
		return err
	}
	d.Version = 1
	return tx.Commit()
}

// ApplyDepositUpdate transitions a deposit to a new status, appending a
// history event, under an optimistic compare-and-swap against expectVersion.
// Callers must first validate the transition against the deposit's current
// history (spec.md §4.B "ensure_following_event_is_valid"): the event's
// block height must not regress, and an event at the same height must carry
// the same block hash. The order of statuses is not checked.
func (r *Registry) ApplyDepositUpdate(txid string, vout uint32, expectVersion int64, status models.Status, ev models.HistoryEvent) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "begin apply deposit update", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE deposit_requests
		SET status = ?, last_update_height = ?, last_update_block_hash = ?, version = version + 1
		WHERE txid = ? AND vout_index = ? AND version = ?`,
		status, ev.BlockHeight, ev.BlockHash, txid, vout, expectVersion)
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "update deposit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "rows affected", err)
	}
	if n == 0 {
		return apperr.ErrVersionConflict
	}

	if err := insertDepositHistory(tx, txid, vout, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryDepositsByStatusHeightRange returns deposits in the given status
// whose last_update_height falls in [minHeight, maxHeight], using the
// (status, last_update_height) secondary index.
func (r *Registry) QueryDepositsByStatusHeightRange(status models.Status, minHeight, maxHeight uint64) ([]*models.DepositRequest, error) {
	rows, err := r.conn.Query(`
		SELECT txid, vout_index, recipient, amount, max_fee, sender_addresses, reclaim_script, deposit_script,
		       lock_time, status, last_update_height, last_update_block_hash, version
		FROM deposit_requests
		WHERE status = ? AND last_update_height BETWEEN ? AND ?
		ORDER BY last_update_height ASC`, status, minHeight, maxHeight)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "query deposits by status/height", err)
	}
	defer rows.Close()

	var out []*models.DepositRequest
	for rows.Next() {
		d, err := scanDepositRows(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindSqlxQuery, "scan deposit row", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetWithdrawal looks up a withdrawal by request ID.
func (r *Registry) GetWithdrawal(requestID uint64) (*models.WithdrawalRequest, error) {
	row := r.conn.QueryRow(`
		SELECT request_id, recipient, amount, max_fee, sender, status, last_update_height,
		       last_update_block_hash, fulfilling_txid, fulfilling_vout, version
		FROM withdrawal_requests WHERE request_id = ?`, requestID)

	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "get withdrawal", err)
	}

	history, err := r.withdrawalHistory(requestID)
	if err != nil {
		return nil, err
	}
	w.History = history
	return w, nil
}

// PutWithdrawal inserts a new withdrawal request at version 1.
func (r *Registry) PutWithdrawal(w *models.WithdrawalRequest, ev models.HistoryEvent) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "begin put withdrawal", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO withdrawal_requests
			(request_id, recipient, amount, max_fee, sender, status, last_update_height, last_update_block_hash, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		w.RequestID, w.Recipient, w.Amount, w.MaxFee, w.Sender, w.Status, w.LastUpdateHeight, w.LastUpdateBlock)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrVersionConflict
		}
		return apperr.Wrap(apperr.KindSqlxQuery, "insert withdrawal", err)
	}

	if err := insertWithdrawalHistory(tx, w.RequestID, ev); err != nil {
		return err
	}
	w.Version = 1
	return tx.Commit()
}

// ApplyWithdrawalUpdate transitions a withdrawal's status under optimistic CAS.
func (r *Registry) ApplyWithdrawalUpdate(requestID uint64, expectVersion int64, status models.Status, ev models.HistoryEvent, fulfillment *models.Fulfillment) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "begin apply withdrawal update", err)
	}
	defer tx.Rollback()

	var txid sql.NullString
	var voutIdx sql.NullInt64
	if fulfillment != nil {
		txid = sql.NullString{String: fulfillment.TxID, Valid: true}
		voutIdx = sql.NullInt64{Int64: int64(fulfillment.VoutIndex), Valid: true}
	}

	res, err := tx.Exec(`
		UPDATE withdrawal_requests
		SET status = ?, last_update_height = ?, last_update_block_hash = ?,
		    fulfilling_txid = COALESCE(?, fulfilling_txid),
		    fulfilling_vout = COALESCE(?, fulfilling_vout),
		    version = version + 1
		WHERE request_id = ? AND version = ?`,
		status, ev.BlockHeight, ev.BlockHash, txid, voutIdx, requestID, expectVersion)
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "update withdrawal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "rows affected", err)
	}
	if n == 0 {
		return apperr.ErrVersionConflict
	}

	if err := insertWithdrawalHistory(tx, requestID, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryWithdrawalsByStatusHeightRange mirrors QueryDepositsByStatusHeightRange.
func (r *Registry) QueryWithdrawalsByStatusHeightRange(status models.Status, minHeight, maxHeight uint64) ([]*models.WithdrawalRequest, error) {
	rows, err := r.conn.Query(`
		SELECT request_id, recipient, amount, max_fee, sender, status, last_update_height,
		       last_update_block_hash, fulfilling_txid, fulfilling_vout, version
		FROM withdrawal_requests
		WHERE status = ? AND last_update_height BETWEEN ? AND ?
		ORDER BY last_update_height ASC`, status, minHeight, maxHeight)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "query withdrawals by status/height", err)
	}
	defer rows.Close()

	var out []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawalRows(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindSqlxQuery, "scan withdrawal row", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ModifiedAfter returns every deposit and withdrawal whose last_update_height
// exceeds height, for peer gossip / catch-up reads (spec.md §6).
func (r *Registry) ModifiedAfter(height uint64) ([]*models.DepositRequest, []*models.WithdrawalRequest, error) {
	rows, err := r.conn.Query(`
		SELECT txid, vout_index, recipient, amount, max_fee, sender_addresses, reclaim_script, deposit_script,
		       lock_time, status, last_update_height, last_update_block_hash, version
		FROM deposit_requests WHERE last_update_height > ? ORDER BY last_update_height ASC`, height)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindSqlxQuery, "modified deposits", err)
	}
	defer rows.Close()
	var deposits []*models.DepositRequest
	for rows.Next() {
		d, err := scanDepositRows(rows)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindSqlxQuery, "scan deposit row", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindSqlxQuery, "modified deposits rows", err)
	}

	wRows, err := r.conn.Query(`
		SELECT request_id, recipient, amount, max_fee, sender, status, last_update_height,
		       last_update_block_hash, fulfilling_txid, fulfilling_vout, version
		FROM withdrawal_requests WHERE last_update_height > ? ORDER BY last_update_height ASC`, height)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindSqlxQuery, "modified withdrawals", err)
	}
	defer wRows.Close()
	var withdrawals []*models.WithdrawalRequest
	for wRows.Next() {
		w, err := scanWithdrawalRows(wRows)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindSqlxQuery, "scan withdrawal row", err)
		}
		withdrawals = append(withdrawals, w)
	}
	return deposits, withdrawals, wRows.Err()
}

// EnsureFollowingEventIsValid checks that appending next to history keeps
// it monotone: height must not regress, and two events at the same height
// must agree on block hash (spec.md §3 invariants, §4.D reorg semantics).
func EnsureFollowingEventIsValid(history []models.HistoryEvent, next models.HistoryEvent) error {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if next.BlockHeight < last.BlockHeight {
		return fmt.Errorf("%w: next height %d precedes last recorded height %d", apperr.ErrInconsistentState, next.BlockHeight, last.BlockHeight)
	}
	if next.BlockHeight == last.BlockHeight && next.BlockHash != last.BlockHash {
		return fmt.Errorf("%w: conflicting hash at height %d (have %s, got %s)", apperr.ErrInconsistentState, next.BlockHeight, last.BlockHash, next.BlockHash)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
