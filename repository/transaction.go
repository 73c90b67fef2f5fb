package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/attid/eurmtl/transaction"
)

// WriteTransaction stores a new transaction row. A hash collision reports
// ErrAlreadyExists so that concurrent ingests of the same body converge.
func (db DataBase) WriteTransaction(ctx context.Context, trx *transaction.Transaction) error {
	resolved, err := json.Marshal(trx.ResolvedSources)
	if err != nil {
		return errors.Join(ErrMarshalFailed, err)
	}
	_, err = db.inner.ExecContext(
		ctx,
		`INSERT INTO
			transactions(
				hash, uuid, description, body, resolved_sources, state, stellar_sequence, source_account, owner_id, add_dt, updated_dt
			) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		trx.Hash, trx.UUID, trx.Description, trx.Body, resolved,
		trx.State, trx.StellarSequence, trx.SourceAccount, trx.OwnerID,
		trx.AddDt, trx.UpdatedDt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Join(ErrAlreadyExists, err)
		}
		return errors.Join(ErrInsertFailed, err)
	}
	return nil
}

// ReadTransaction reads the transaction by its hash.
func (db DataBase) ReadTransaction(ctx context.Context, hash string) (transaction.Transaction, error) {
	return db.readTransactionBy(ctx, "hash", hash)
}

// ReadTransactionByUUID reads the transaction by its opaque routing id.
func (db DataBase) ReadTransactionByUUID(ctx context.Context, uuid string) (transaction.Transaction, error) {
	return db.readTransactionBy(ctx, "uuid", uuid)
}

func (db DataBase) readTransactionBy(ctx context.Context, field, key string) (transaction.Transaction, error) {
	var trx transaction.Transaction
	var resolved []byte
	err := db.inner.QueryRowContext(ctx,
		`SELECT hash, uuid, description, body, resolved_sources, state, stellar_sequence, source_account, owner_id, add_dt, updated_dt
			FROM transactions WHERE `+field+` = $1`, key).
		Scan(&trx.Hash, &trx.UUID, &trx.Description, &trx.Body, &resolved,
			&trx.State, &trx.StellarSequence, &trx.SourceAccount, &trx.OwnerID,
			&trx.AddDt, &trx.UpdatedDt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return transaction.Transaction{}, ErrNotFound
	case err != nil:
		return transaction.Transaction{}, errors.Join(ErrSelectFailed, err)
	}
	if err := json.Unmarshal(resolved, &trx.ResolvedSources); err != nil {
		return transaction.Transaction{}, errors.Join(ErrScanFailed, err)
	}
	return trx, nil
}

// UpdateResolvedSources overwrites the resolved signer requirements.
func (db DataBase) UpdateResolvedSources(ctx context.Context, hash string, sources transaction.ResolvedSources) error {
	resolved, err := json.Marshal(sources)
	if err != nil {
		return errors.Join(ErrMarshalFailed, err)
	}
	res, err := db.inner.ExecContext(ctx,
		`UPDATE transactions SET resolved_sources = $1, updated_dt = now() WHERE hash = $2`, resolved, hash)
	if err != nil {
		return errors.Join(ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateState moves the transaction to the given lifecycle state. The body of
// a submitted transaction is immutable, the update never touches it.
func (db DataBase) UpdateState(ctx context.Context, hash string, state uint8) error {
	res, err := db.inner.ExecContext(ctx,
		`UPDATE transactions SET state = $1, updated_dt = now() WHERE hash = $2`, state, hash)
	if err != nil {
		return errors.Join(ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBySequence counts stored transactions sharing a primary source and a
// sequence number. Used to surface the duplicate sequence warning.
func (db DataBase) CountBySequence(ctx context.Context, source string, sequence int64) (int, error) {
	var count int
	err := db.inner.QueryRowContext(ctx,
		`SELECT count(*) FROM transactions WHERE source_account = $1 AND stellar_sequence = $2`,
		source, sequence).Scan(&count)
	if err != nil {
		return 0, errors.Join(ErrSelectFailed, err)
	}
	return count, nil
}

// ReadPendingBySigner lists not yet submitted transactions whose resolved
// signer set contains the public key and which this key did not sign yet.
func (db DataBase) ReadPendingBySigner(ctx context.Context, publicKey string) ([]transaction.Transaction, error) {
	rows, err := db.inner.QueryContext(ctx,
		`SELECT hash, uuid, description, body, resolved_sources, state, stellar_sequence, source_account, owner_id, add_dt, updated_dt
			FROM transactions
			WHERE state < $1
			AND resolved_sources::text LIKE '%' || $2 || '%'
			AND hash NOT IN (
				SELECT s.transaction_hash FROM signatures s
					JOIN signers k ON k.id = s.signer_id
					WHERE k.public_key = $2 AND NOT s.hidden
			)
			ORDER BY add_dt DESC`,
		transaction.StateSubmitted, publicKey)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	defer rows.Close()

	var trxs []transaction.Transaction
	for rows.Next() {
		var trx transaction.Transaction
		var resolved []byte
		err := rows.Scan(&trx.Hash, &trx.UUID, &trx.Description, &trx.Body, &resolved,
			&trx.State, &trx.StellarSequence, &trx.SourceAccount, &trx.OwnerID,
			&trx.AddDt, &trx.UpdatedDt)
		if err != nil {
			return nil, errors.Join(ErrScanFailed, err)
		}
		if err := json.Unmarshal(resolved, &trx.ResolvedSources); err != nil {
			return nil, errors.Join(ErrScanFailed, err)
		}
		trxs = append(trxs, trx)
	}
	return trxs, nil
}
