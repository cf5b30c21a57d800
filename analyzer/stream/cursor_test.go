package stream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/storage/postgres/testutil"
)

func TestSQLCursorStorePostgres(t *testing.T) {
	client := testutil.NewMigratedClient(t, "file://../../storage/migrations")
	ctx := context.Background()
	cursors := stream.NewSQLCursorStore(client, "gauge_votes")

	s := &stream.Stream{
		ID:          "gauge_votes:test",
		FloorBlock:  500,
		CursorQuery: `SELECT MAX(block) FROM curve_gauge_votes`,
	}

	_, ok, err := cursors.MaxPersistedBlock(ctx, s)
	require.NoError(t, err)
	require.False(t, ok)
	cursor, err := stream.Cursor(ctx, cursors, s)
	require.NoError(t, err)
	require.Equal(t, uint64(500), cursor)

	// Progress reports never move the cursor.
	require.NoError(t, cursors.ReportProgress(ctx, s, 900, 1_000))
	cursor, err = stream.Cursor(ctx, cursors, s)
	require.NoError(t, err)
	require.Equal(t, uint64(500), cursor)

	require.NoError(t, cursors.SaveWatermark(ctx, s, 799, 1_000))
	cursor, err = stream.Cursor(ctx, cursors, s)
	require.NoError(t, err)
	require.Equal(t, uint64(800), cursor)

	// A lower watermark does not rewind.
	require.NoError(t, cursors.SaveWatermark(ctx, s, 600, 1_000))
	block, ok, err := cursors.MaxPersistedBlock(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(799), block)

	_, ok, err = cursors.ScannedBlock(ctx, s)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cursors.ReportScanned(ctx, s, 950, 1_000))
	require.NoError(t, cursors.ReportScanned(ctx, s, 900, 1_000))
	scanned, ok, err := cursors.ScannedBlock(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(950), scanned, "scanned progress never goes back")

	cursor, err = stream.Cursor(ctx, cursors, s)
	require.NoError(t, err)
	require.Equal(t, uint64(800), cursor)
}
