package eth

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

type fakeRPC struct {
	ranges [][2]uint64
	logs   []ethTypes.Log
	fail   bool
}

func (f *fakeRPC) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeRPC) BlockNumber(context.Context) (uint64, error) {
	return 5000, nil
}

func (f *fakeRPC) HeaderByNumber(_ context.Context, n *big.Int) (*ethTypes.Header, error) {
	return &ethTypes.Header{Number: n, Time: 1000 + n.Uint64()*12}, nil
}

func (f *fakeRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error) {
	if f.fail {
		return nil, errors.New("query returned more than 10000 results")
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("call without deadline")
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	var out []ethTypes.Log
	// Newest first, to exercise sorting.
	for i := len(f.logs) - 1; i >= 0; i-- {
		if l := f.logs[i]; l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRPC) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRPC) CodeAt(context.Context, ethCommon.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRPC) TransactionReceipt(context.Context, ethCommon.Hash) (*ethTypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeRPC) Close() {}

func testClient(rpc rpcClient, chunk uint64) *Client {
	return newClient(rpc, &config.SourceConfig{RequestTimeout: time.Second, LogChunkSize: chunk}, log.NewNopLogger())
}

func TestLogsChunking(t *testing.T) {
	rpc := &fakeRPC{logs: []ethTypes.Log{
		{BlockNumber: 1000, Index: 0},
		{BlockNumber: 1500, Index: 1},
		{BlockNumber: 1500, Index: 4},
		{BlockNumber: 2999, Index: 2},
		{BlockNumber: 3000, Index: 0},
	}}
	c := testClient(rpc, 1000)

	logs, err := c.Logs(context.Background(), storage.LogQuery{FromBlock: 1000, ToBlock: 3000})
	require.NoError(t, err)
	require.Equal(t, [][2]uint64{{1000, 1999}, {2000, 2999}, {3000, 3000}}, rpc.ranges)
	require.Len(t, logs, 5)
	for i := 1; i < len(logs); i++ {
		prev, cur := logs[i-1], logs[i]
		require.True(t, prev.BlockNumber < cur.BlockNumber || (prev.BlockNumber == cur.BlockNumber && prev.Index < cur.Index))
	}
}

func TestLogsEmptyRange(t *testing.T) {
	rpc := &fakeRPC{}
	logs, err := testClient(rpc, 1000).Logs(context.Background(), storage.LogQuery{FromBlock: 10, ToBlock: 9})
	require.NoError(t, err)
	require.Empty(t, logs)
	require.Empty(t, rpc.ranges)
}

func TestLogsError(t *testing.T) {
	_, err := testClient(&fakeRPC{fail: true}, 1000).Logs(context.Background(), storage.LogQuery{FromBlock: 1, ToBlock: 2})
	require.ErrorContains(t, err, "FilterLogs [1, 2]")
}

func TestBlockTimestamp(t *testing.T) {
	ts, err := testClient(&fakeRPC{}, 0).BlockTimestamp(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1120), ts)
}

func TestTransactionReceiptNotFound(t *testing.T) {
	_, err := testClient(&fakeRPC{}, 0).TransactionReceipt(context.Background(), ethCommon.Hash{})
	require.ErrorIs(t, err, ethereum.NotFound)
}
