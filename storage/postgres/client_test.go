package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
	"github.com/waveyops/ledgerwatch/storage/postgres"
	"github.com/waveyops/ledgerwatch/storage/postgres/testutil"
)

func TestInvalidConnect(t *testing.T) {
	_, err := postgres.NewClient("an invalid connstring", log.NewNopLogger())
	require.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	require.True(t, postgres.IsUniqueViolation(dup))
	require.True(t, postgres.IsUniqueViolation(fmt.Errorf("insert vote: %w", dup)))
	require.False(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: pgerrcode.NotNullViolation}))
	require.False(t, postgres.IsUniqueViolation(errors.New("connection reset")))
	require.False(t, postgres.IsUniqueViolation(nil))
}

func TestQueryRow(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()

	var result int
	require.NoError(t, client.QueryRow(context.Background(), `SELECT 1+1`).Scan(&result))
	require.Equal(t, 2, result)

	require.Error(t, client.QueryRow(context.Background(), `an invalid query`).Scan(&result))
}

func TestSendBatchAndUniqueness(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()
	ctx := context.Background()

	create := &storage.QueryBatch{}
	create.Queue(`DROP TABLE IF EXISTS batch_test`)
	create.Queue(`
		CREATE TABLE batch_test (
			txn_hash  TEXT NOT NULL,
			log_index INTEGER NOT NULL,
			amount    NUMERIC(78,0) NOT NULL,
			UNIQUE (txn_hash, log_index)
		)
	`)
	require.NoError(t, client.SendBatch(ctx, create))
	defer func() {
		_, err := client.Exec(ctx, `DROP TABLE batch_test`)
		require.NoError(t, err)
	}()

	insert := &storage.QueryBatch{}
	insert.Queue(`INSERT INTO batch_test VALUES ($1, $2, $3)`, "0xaa", 1, 100)
	insert.Queue(`INSERT INTO batch_test VALUES ($1, $2, $3)`, "0xaa", 2, 150)
	require.NoError(t, client.SendBatch(ctx, insert))

	var total int64
	require.NoError(t, client.QueryRow(ctx, `SELECT SUM(amount)::BIGINT FROM batch_test`).Scan(&total))
	require.Equal(t, int64(250), total)

	tx, err := client.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO batch_test VALUES ($1, $2, $3)`, "0xaa", 1, 100)
	require.True(t, postgres.IsUniqueViolation(err))
	require.NoError(t, tx.Rollback(ctx))

	invalid := &storage.QueryBatch{}
	invalid.Queue(`an invalid query`)
	require.Error(t, client.SendBatch(ctx, invalid))
}
