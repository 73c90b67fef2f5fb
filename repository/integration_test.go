//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attid/eurmtl/transaction"
)

func connectTestDB(t *testing.T, ctx context.Context) *DataBase {
	t.Helper()
	godotenv.Load("../.env")
	user := os.Getenv("POSTGRES_DB_USER")
	passwd := os.Getenv("POSTGRES_DB_PASSWORD")
	dbName := os.Getenv("POSTGRES_DB_NAME")

	db, err := Connect(ctx, DBConfig{
		ConnStr:      fmt.Sprintf("postgres://%s:%s@localhost:5432", user, passwd),
		DatabaseName: dbName,
	})
	require.Nil(t, err)
	require.Nil(t, db.Ping(ctx))
	require.Nil(t, db.RunMigrations(ctx))
	return db
}

func TestConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := connectTestDB(t, ctx)
	assert.Nil(t, db.Disconnect(ctx))
}

func TestTransactionRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := connectTestDB(t, ctx)
	defer db.Disconnect(ctx)

	now := time.Now().UTC()
	trx := transaction.Transaction{
		Hash:            fmt.Sprintf("%064d", now.UnixNano()%1e18),
		UUID:            fmt.Sprintf("it-%d", now.UnixNano()),
		Description:     "integration round trip",
		Body:            "AAAA",
		ResolvedSources: transaction.ResolvedSources{},
		State:           transaction.StateNew,
		StellarSequence: 7,
		SourceAccount:   "GTEST",
		OwnerID:         "it",
		AddDt:           now,
		UpdatedDt:       now,
	}
	require.Nil(t, db.WriteTransaction(ctx, &trx))

	got, err := db.ReadTransaction(ctx, trx.Hash)
	require.Nil(t, err)
	assert.Equal(t, trx.UUID, got.UUID)

	err = db.WriteTransaction(ctx, &trx)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}
