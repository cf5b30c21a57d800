package v1_test

import (
	"context"
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/evmabi/evmabitest"
	"github.com/waveyops/ledgerwatch/analyzer/governance"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/api/common"
	v1 "github.com/waveyops/ledgerwatch/api/v1"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage/postgres/testutil"
)

func TestStorageClientPostgres(t *testing.T) {
	client := testutil.NewMigratedClient(t, "file://../../storage/migrations")
	ctx := context.Background()

	cursors := stream.NewSQLCursorStore(client, "harvests")
	s := &stream.Stream{ID: "harvests:test"}
	require.NoError(t, cursors.ReportProgress(ctx, s, 1_000, 1_009))

	voter := ethCommon.HexToAddress("0x11111111084a560ea5755Ed904a57e5411888C28")
	w := writer.New(client, log.NewNopLogger(), nil)
	for id := uint64(1); id <= 2; id++ {
		_, err := w.Write(ctx, &governance.ProposalCreated{
			Meta: governance.Meta{
				Voter:     voter,
				Block:     100 + id,
				TxHash:    evmabitest.Hash(int64(id)),
				Timestamp: 1_700_000_000 + int64(id),
			},
			ProposalID: id,
			Proposer:   voter,
			Quorum:     big.NewInt(10),
			EndTime:    1_800_000_000,
		})
		require.NoError(t, err)
	}

	sc := v1.NewStorageClient(client)

	streams, err := sc.Streams(ctx)
	require.NoError(t, err)
	require.Len(t, streams.Streams, 1)
	st := streams.Streams[0]
	require.Equal(t, "harvests:test", st.StreamID)
	require.Equal(t, "harvests", st.Analyzer)
	require.Equal(t, uint64(1_000), st.Cursor)
	require.Equal(t, uint64(1_009), st.Height)
	require.Equal(t, uint64(10), st.Lag)
	require.Nil(t, st.Watermark)

	all, err := sc.Proposals(ctx, "", common.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all.Proposals, 2)
	require.Equal(t, uint64(2), all.Proposals[0].ID, "latest first")
	require.Equal(t, "10", all.Proposals[0].Quorum.String())

	page, err := sc.Proposals(ctx, "", common.Pagination{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page.Proposals, 1)
	require.Equal(t, uint64(1), page.Proposals[0].ID)

	none, err := sc.Proposals(ctx, string(governance.StatusExecuted), common.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, none.Proposals)
}
