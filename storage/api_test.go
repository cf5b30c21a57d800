package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/storage"
	"github.com/waveyops/ledgerwatch/storage/postgres/testutil"
)

func TestSanitizeString(t *testing.T) {
	for _, tc := range []struct {
		text      string
		sanitized string
	}{
		{"", ""},
		{"Raise borrow limit", "Raise borrow limit"},
		{"a\000\000b", "a??b"},
		{"a\000", "a?"},
		{"\xc5z", "?z"},
	} {
		require.Equal(t, tc.sanitized, storage.SanitizeString(tc.text), "text %q", tc.text)
	}
}

func TestSanitizedStringAccepted(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Wipe(ctx), "failed to wipe database")

	_, err := client.Exec(ctx, `CREATE TABLE sanitize_test (t TEXT)`)
	require.NoError(t, err)

	for _, text := range []string{"a\000b", "\xc5z"} {
		_, err = client.Exec(ctx, `INSERT INTO sanitize_test (t) VALUES ($1)`, text)
		require.Error(t, err, "raw text %q should be rejected", text)

		_, err = client.Exec(ctx, `INSERT INTO sanitize_test (t) VALUES ($1)`, storage.SanitizeString(text))
		require.NoError(t, err)
	}
}

func TestQueryBatch(t *testing.T) {
	var b storage.QueryBatch
	b.Queue(`INSERT INTO t VALUES ($1)`, 1)

	var other storage.QueryBatch
	other.Queue(`INSERT INTO t VALUES ($1)`, 2)
	other.Queue(`DELETE FROM t`)
	b.Extend(&other)
	b.Extend(nil)

	require.Equal(t, 3, b.Len())
	pgxBatch := b.AsPgxBatch()
	require.Equal(t, 3, pgxBatch.Len())
	require.Equal(t, "DELETE FROM t []", b.Queries()[2].String())
}
