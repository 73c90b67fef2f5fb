package repository

import (
	"context"
	"errors"

	"github.com/attid/eurmtl/transaction"
)

// WriteSignature stores a collected decorated signature. The duplicate of a
// (transaction_hash, signature_xdr) pair deterministically loses the unique
// race and reports ErrAlreadyExists.
func (db DataBase) WriteSignature(ctx context.Context, hash string, signerID *int64, signatureXDR []byte) error {
	_, err := db.inner.ExecContext(ctx,
		`INSERT INTO signatures (transaction_hash, signer_id, signature_xdr) VALUES ($1, $2, $3)`,
		hash, signerID, signatureXDR)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Join(ErrAlreadyExists, err)
		}
		return errors.Join(ErrInsertFailed, err)
	}
	return nil
}

// ReadSignatures reads every stored signature of the transaction, the hidden
// ones included. Filtering is the caller's concern.
func (db DataBase) ReadSignatures(ctx context.Context, hash string) ([]transaction.Signature, error) {
	rows, err := db.inner.QueryContext(ctx,
		`SELECT id, transaction_hash, signer_id, signature_xdr, hidden, add_dt
			FROM signatures WHERE transaction_hash = $1 ORDER BY add_dt ASC`, hash)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	defer rows.Close()

	var sigs []transaction.Signature
	for rows.Next() {
		var s transaction.Signature
		if err := rows.Scan(&s.ID, &s.TransactionHash, &s.SignerID, &s.SignatureXDR, &s.Hidden, &s.AddDt); err != nil {
			return nil, errors.Join(ErrScanFailed, err)
		}
		sigs = append(sigs, s)
	}
	return sigs, nil
}

// SetSignatureHidden flips the soft hide flag used by admins to exclude a
// stored signature from aggregation without deleting it.
func (db DataBase) SetSignatureHidden(ctx context.Context, id int64, hidden bool) error {
	res, err := db.inner.ExecContext(ctx,
		`UPDATE signatures SET hidden = $1 WHERE id = $2`, hidden, id)
	if err != nil {
		return errors.Join(ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
