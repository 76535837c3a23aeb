package registry

import (
	"database/sql"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/models"
)

// DepositsAboveHeight returns every deposit whose last_update_height
// exceeds height, candidates for reorg truncation (spec.md §4.D).
func (r *Registry) DepositsAboveHeight(height uint64) ([]*models.DepositRequest, error) {
	rows, err := r.conn.Query(`
		SELECT txid, vout_index, recipient, amount, max_fee, sender_addresses, reclaim_script, deposit_script,
		       lock_time, status, last_update_height, last_update_block_hash, version
		FROM deposit_requests WHERE last_update_height > ?`, height)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "deposits above height", err)
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

// WithdrawalsAboveHeight mirrors DepositsAboveHeight for withdrawals.
func (r *Registry) WithdrawalsAboveHeight(height uint64) ([]*models.WithdrawalRequest, error) {
	rows, err := r.conn.Query(`
		SELECT request_id, recipient, amount, max_fee, sender, status, last_update_height,
		       last_update_block_hash, fulfilling_txid, fulfilling_vout, version
		FROM withdrawal_requests WHERE last_update_height > ?`, height)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "withdrawals above height", err)
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

// TruncateDepositHistory deletes every history entry recorded above
// targetHeight and rewrites the request's denormalized status/height/hash
// columns from whatever event remains, under the given expectVersion CAS.
// If truncation empties the history entirely, the request falls back to
// StatusReprocessing at targetHeight (spec.md §4.D).
func (r *Registry) TruncateDepositHistory(txid string, vout uint32, targetHeight uint64, targetHash string, expectVersion int64) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "begin truncate deposit", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM deposit_history WHERE txid = ? AND vout_index = ? AND block_height > ?`, txid, vout, targetHeight); err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "delete deposit history", err)
	}

	status, height, hash, err := remainingDepositState(tx, txid, vout, targetHeight, targetHash)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		UPDATE deposit_requests SET status = ?, last_update_height = ?, last_update_block_hash = ?, version = version + 1
		WHERE txid = ? AND vout_index = ? AND version = ?`, status, height, hash, txid, vout, expectVersion)
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "update truncated deposit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrVersionConflict
	}
	return tx.Commit()
}

func remainingDepositState(tx *sql.Tx, txid string, vout uint32, targetHeight uint64, targetHash string) (models.Status, uint64, string, error) {
	row := tx.QueryRow(`
		SELECT status, block_height, block_hash FROM deposit_history
		WHERE txid = ? AND vout_index = ? ORDER BY seq DESC LIMIT 1`, txid, vout)

	var status models.Status
	var height uint64
	var hash string
	err := row.Scan(&status, &height, &hash)
	if err == sql.ErrNoRows {
		return models.StatusReprocessing, targetHeight, targetHash, nil
	}
	if err != nil {
		return "", 0, "", apperr.Wrap(apperr.KindSqlxQuery, "remaining deposit state", err)
	}
	return status, height, hash, nil
}

// TruncateWithdrawalHistory mirrors TruncateDepositHistory for withdrawals.
func (r *Registry) TruncateWithdrawalHistory(requestID uint64, targetHeight uint64, targetHash string, expectVersion int64) error {
	tx, err := r.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "begin truncate withdrawal", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM withdrawal_history WHERE request_id = ? AND block_height > ?`, requestID, targetHeight); err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "delete withdrawal history", err)
	}

	row := tx.QueryRow(`SELECT status, block_height, block_hash FROM withdrawal_history WHERE request_id = ? ORDER BY seq DESC LIMIT 1`, requestID)
	var status models.Status
	var height uint64
	var hash string
	err = row.Scan(&status, &height, &hash)
	if err == sql.ErrNoRows {
		status, height, hash = models.StatusReprocessing, targetHeight, targetHash
	} else if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "remaining withdrawal state", err)
	}

	res, err := tx.Exec(`
		UPDATE withdrawal_requests SET status = ?, last_update_height = ?, last_update_block_hash = ?, version = version + 1
		WHERE request_id = ? AND version = ?`, status, height, hash, requestID, expectVersion)
	if err != nil {
		return apperr.Wrap(apperr.KindSqlxQuery, "update truncated withdrawal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrVersionConflict
	}
	return tx.Commit()
}
