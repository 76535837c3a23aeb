package registry

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sbtc-signer/signer/internal/apperr"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/models"
)

// GetSignerUtxo reads the single live signer UTXO, or nil if none has been
// recorded yet (the genesis state, before any deposit has swept).
func (r *Registry) GetSignerUtxo() (*models.SignerUtxo, error) {
	row := r.conn.QueryRow(`SELECT txid, vout_index, amount, block_height FROM signer_utxo WHERE id = 1`)

	var u models.SignerUtxo
	err := row.Scan(&u.TxID, &u.VoutIndex, &u.Amount, &u.BlockHeight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSqlxQuery, "get signer utxo", err)
	}
	return &u, nil
}

// SetSignerUtxo replaces the signer UTXO row under an optimistic CAS
// retried up to config.ChainstateCASRetries times (the spec.md §8 chain
// invariant requires this to be the last write a successful sweep submit
// makes, so a conflict here means two coordinators raced to advance the
// same UTXO and one of them must lose).
func (r *Registry) SetSignerUtxo(u models.SignerUtxo) error {
	for attempt := 0; attempt < config.ChainstateCASRetries; attempt++ {
		var curVersion int64
		row := r.conn.QueryRow(`SELECT version FROM signer_utxo WHERE id = 1`)
		err := row.Scan(&curVersion)
		if errors.Is(err, sql.ErrNoRows) {
			res, err := r.conn.Exec(`
				INSERT INTO signer_utxo (id, txid, vout_index, amount, block_height, version)
				VALUES (1, ?, ?, ?, ?, 1)
				ON CONFLICT(id) DO NOTHING`, u.TxID, u.VoutIndex, u.Amount, u.BlockHeight)
			if err != nil {
				return apperr.Wrap(apperr.KindSqlxQuery, "insert signer utxo", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return nil
			}
			continue
		}
		if err != nil {
			return apperr.Wrap(apperr.KindSqlxQuery, "read signer utxo version", err)
		}

		res, err := r.conn.Exec(`
			UPDATE signer_utxo SET txid = ?, vout_index = ?, amount = ?, block_height = ?, version = version + 1
			WHERE id = 1 AND version = ?`, u.TxID, u.VoutIndex, u.Amount, u.BlockHeight, curVersion)
		if err != nil {
			return apperr.Wrap(apperr.KindSqlxQuery, "update signer utxo", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: exhausted %d retries setting signer utxo", apperr.ErrVersionConflict, config.ChainstateCASRetries)
}
