package blocktime

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/cache/kvstore"
	"github.com/waveyops/ledgerwatch/log"
)

// chain is an in-memory ledger with non-decreasing timestamps.
type chain struct {
	mu     sync.Mutex
	ts     []uint64
	reads  int
	fail   bool
}

func newChain(ts ...uint64) *chain {
	return &chain{ts: ts}
}

func (c *chain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *chain) LatestHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.ts) - 1), nil
}

func (c *chain) BlockTimestamp(_ context.Context, h uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("rpc unavailable")
	}
	c.reads++
	return c.ts[h], nil
}

func (c *chain) extend(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts = append(c.ts, ts)
}

func TestClosestBlockAtOrAfter(t *testing.T) {
	// Block:          0    1    2    3    4    5    6
	c := newChain(100, 112, 112, 124, 136, 136, 160)
	r := NewResolver(c, nil, log.NewNopLogger())
	ctx := context.Background()

	for _, tc := range []struct {
		ts    uint64
		block uint64
	}{
		{50, 0},
		{100, 0},
		{101, 1},
		{112, 1},
		{113, 3},
		{130, 4},
		{136, 4},
		{137, 6},
		{160, 6},
	} {
		block, err := r.ClosestBlockAtOrAfter(ctx, tc.ts)
		require.NoError(t, err, "ts %d", tc.ts)
		require.Equal(t, tc.block, block, "ts %d", tc.ts)
	}
}

func TestBinarySearchProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ts := []uint64{1_600_000_000}
	for i := 1; i < 5000; i++ {
		ts = append(ts, ts[i-1]+uint64(rng.Intn(3)*6))
	}
	c := newChain(ts...)
	r := NewResolver(c, nil, log.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		target := ts[0] + 1 + uint64(rng.Int63n(int64(ts[len(ts)-1]-ts[0])))
		block, err := r.ClosestBlockAtOrAfter(ctx, target)
		require.NoError(t, err)
		require.GreaterOrEqual(t, ts[block], target)
		require.Less(t, ts[block-1], target)
	}
}

func TestFutureTimestamp(t *testing.T) {
	c := newChain(100, 112, 124)
	r := NewResolver(c, nil, log.NewNopLogger())
	ctx := context.Background()

	_, err := r.ClosestBlockAtOrAfter(ctx, 125)
	require.True(t, IsFutureTimestamp(err))
	var fte *FutureTimestampError
	require.ErrorAs(t, err, &fte)
	require.Equal(t, uint64(124), fte.HeadTimestamp)

	// Not memoized as a result: once the chain catches up it resolves.
	c.extend(136)
	block, err := r.ClosestBlockAtOrAfter(ctx, 125)
	require.NoError(t, err)
	require.Equal(t, uint64(3), block)
}

func TestClosestBlockBefore(t *testing.T) {
	c := newChain(100, 112, 124, 136)
	r := NewResolver(c, nil, log.NewNopLogger())
	ctx := context.Background()

	block, err := r.ClosestBlockBefore(ctx, 124)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block)

	_, err = r.ClosestBlockBefore(ctx, 100)
	require.ErrorIs(t, err, ErrBeforeGenesis)
}

func TestMemoization(t *testing.T) {
	ts := make([]uint64, 1<<12)
	for i := range ts {
		ts[i] = 1000 + uint64(i)*12
	}
	c := newChain(ts...)
	cache := kvstore.NewMemoryKVStore()
	r := NewResolver(c, cache, log.NewNopLogger())
	ctx := context.Background()

	_, err := r.ClosestBlockAtOrAfter(ctx, 1000+12*1234)
	require.NoError(t, err)
	cold := c.reads
	require.LessOrEqual(t, cold, 16)

	_, err = r.ClosestBlockAtOrAfter(ctx, 1000+12*1234)
	require.NoError(t, err)
	require.Equal(t, cold, c.reads, "repeated lookups are served from memory")

	// A fresh resolver over the same persistent cache only re-reads the head.
	r2 := NewResolver(c, cache, log.NewNopLogger())
	before := c.reads
	_, err = r2.ClosestBlockAtOrAfter(ctx, 1000+12*1234)
	require.NoError(t, err)
	require.Equal(t, before+1, c.reads)
}

func TestSourceErrorNotMemoized(t *testing.T) {
	c := newChain(100, 112, 124, 136)
	r := NewResolver(c, nil, log.NewNopLogger())
	ctx := context.Background()

	c.fail = true
	_, err := r.ClosestBlockAtOrAfter(ctx, 120)
	require.Error(t, err)

	c.fail = false
	block, err := r.ClosestBlockAtOrAfter(ctx, 120)
	require.NoError(t, err)
	require.Equal(t, uint64(2), block)
}
