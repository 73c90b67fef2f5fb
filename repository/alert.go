package repository

import (
	"context"
	"errors"
)

// ToggleAlert flips the alert subscription of a messaging user for the
// transaction: inserted when absent, removed when present. Returns the
// resulting subscription state.
func (db DataBase) ToggleAlert(ctx context.Context, tgID int64, hash string) (bool, error) {
	res, err := db.inner.ExecContext(ctx,
		`DELETE FROM alerts WHERE tg_id = $1 AND transaction_hash = $2`, tgID, hash)
	if err != nil {
		return false, errors.Join(ErrRemoveFailed, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	if _, err := db.inner.ExecContext(ctx,
		`INSERT INTO alerts (tg_id, transaction_hash) VALUES ($1, $2)`, tgID, hash); err != nil {
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, errors.Join(ErrInsertFailed, err)
	}
	return true, nil
}

// ReadAlertSubscribers lists messaging users subscribed to the transaction.
func (db DataBase) ReadAlertSubscribers(ctx context.Context, hash string) ([]int64, error) {
	rows, err := db.inner.QueryContext(ctx,
		`SELECT tg_id FROM alerts WHERE transaction_hash = $1`, hash)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Join(ErrScanFailed, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
