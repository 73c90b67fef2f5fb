package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/attid/eurmtl/transaction"
)

// UpsertSigner inserts the signing key if unknown and returns the signer id.
// An existing anonymous entry is upgraded in place when a real username
// arrives, a known username is never downgraded. The public key never changes.
func (db DataBase) UpsertSigner(ctx context.Context, publicKey, hint, username string) (int64, error) {
	if username == "" {
		username = transaction.AnonymousUsername
	}
	var id int64
	err := db.inner.QueryRowContext(ctx,
		`INSERT INTO signers (public_key, signature_hint, username)
			VALUES ($1, $2, $3)
			ON CONFLICT (public_key) DO UPDATE SET
				username = CASE WHEN signers.username = $4 THEN EXCLUDED.username ELSE signers.username END
			RETURNING id`,
		publicKey, hint, username, transaction.AnonymousUsername).Scan(&id)
	if err != nil {
		return 0, errors.Join(ErrInsertFailed, err)
	}
	return id, nil
}

// ReadSignerByPublicKey reads the signer entity for the public key.
func (db DataBase) ReadSignerByPublicKey(ctx context.Context, publicKey string) (transaction.Signer, error) {
	var s transaction.Signer
	err := db.inner.QueryRowContext(ctx,
		`SELECT id, public_key, signature_hint, username, tg_id FROM signers WHERE public_key = $1`,
		publicKey).Scan(&s.ID, &s.PublicKey, &s.SignatureHint, &s.Username, &s.TgID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return transaction.Signer{}, ErrNotFound
	case err != nil:
		return transaction.Signer{}, errors.Join(ErrSelectFailed, err)
	}
	return s, nil
}

// UpdateSignerIdentity binds directory identity to the signing key.
func (db DataBase) UpdateSignerIdentity(ctx context.Context, publicKey, username string, tgID *int64) error {
	res, err := db.inner.ExecContext(ctx,
		`UPDATE signers SET username = $1, tg_id = $2 WHERE public_key = $3`,
		username, tgID, publicKey)
	if err != nil {
		return errors.Join(ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
