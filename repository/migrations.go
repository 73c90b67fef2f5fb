package repository

import (
	"context"
	"errors"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		hash VARCHAR(64) PRIMARY KEY,
		uuid VARCHAR(32) NOT NULL UNIQUE,
		description VARCHAR(4000) NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		resolved_sources JSONB NOT NULL DEFAULT '{}',
		state SMALLINT NOT NULL DEFAULT 0,
		stellar_sequence BIGINT NOT NULL DEFAULT 0,
		source_account VARCHAR(56) NOT NULL DEFAULT '',
		owner_id VARCHAR(64) NOT NULL DEFAULT '',
		add_dt TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_dt TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_source_idx ON transactions (source_account)`,
	`CREATE INDEX IF NOT EXISTS transactions_state_idx ON transactions (state)`,
	`CREATE TABLE IF NOT EXISTS signers (
		id BIGSERIAL PRIMARY KEY,
		public_key VARCHAR(56) NOT NULL UNIQUE,
		signature_hint VARCHAR(8) NOT NULL,
		username VARCHAR(64) NOT NULL DEFAULT 'anonymous',
		tg_id BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS signers_hint_idx ON signers (signature_hint)`,
	`CREATE TABLE IF NOT EXISTS signatures (
		id BIGSERIAL PRIMARY KEY,
		transaction_hash VARCHAR(64) NOT NULL REFERENCES transactions (hash),
		signer_id BIGINT REFERENCES signers (id),
		signature_xdr BYTEA NOT NULL,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		add_dt TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (transaction_hash, signature_xdr)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		tg_id BIGINT NOT NULL,
		transaction_hash VARCHAR(64) NOT NULL REFERENCES transactions (hash),
		PRIMARY KEY (tg_id, transaction_hash)
	)`,
}

// RunMigrations creates the schema. Every statement is idempotent so the
// function is safe to run on each startup.
func (db DataBase) RunMigrations(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := db.inner.ExecContext(ctx, stmt); err != nil {
			return errors.Join(ErrInsertFailed, err)
		}
	}
	return nil
}
