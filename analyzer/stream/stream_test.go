package stream

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/storage"
)

type record struct {
	block    uint64
	txHash   ethCommon.Hash
	logIndex uint
}

func (r record) NaturalKey() string {
	return fmt.Sprintf("%s/%d", r.txHash.Hex(), r.logIndex)
}

func (r record) Persist(context.Context, storage.Tx, *log.Logger) error {
	return nil
}

// memory is a durable store for records, doubling as the cursor store.
type memory struct {
	mu         sync.Mutex
	records    map[string]record
	watermark  *uint64
	progress   [2]uint64
	scanned    *uint64
	failWrites error
	// failKey fails the write of the record with this natural key.
	failKey string
}

func newMemory() *memory {
	return &memory{records: map[string]record{}}
}

// WriteAll stores all of recs or none of them.
func (m *memory) WriteAll(_ context.Context, recs []writer.Record) ([]writer.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return nil, m.failWrites
	}
	pending := map[string]record{}
	outcomes := make([]writer.Outcome, len(recs))
	for i, rec := range recs {
		r := rec.(record)
		key := r.NaturalKey()
		if key == m.failKey {
			return nil, fmt.Errorf("writing %s: connection reset", key)
		}
		_, stored := m.records[key]
		_, seen := pending[key]
		if stored || seen {
			outcomes[i] = writer.DuplicateSkipped
			continue
		}
		pending[key] = r
	}
	for k, r := range pending {
		m.records[k] = r
	}
	return outcomes, nil
}

func (m *memory) MaxPersistedBlock(context.Context, *Stream) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxBlock uint64
	ok := false
	for _, r := range m.records {
		if !ok || r.block > maxBlock {
			maxBlock, ok = r.block, true
		}
	}
	if m.watermark != nil && (!ok || *m.watermark > maxBlock) {
		maxBlock, ok = *m.watermark, true
	}
	return maxBlock, ok, nil
}

func (m *memory) SaveWatermark(_ context.Context, _ *Stream, block uint64, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = &block
	return nil
}

func (m *memory) ReportProgress(_ context.Context, _ *Stream, next uint64, head uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = [2]uint64{next, head}
	return nil
}

func (m *memory) ReportScanned(_ context.Context, _ *Stream, block uint64, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanned = &block
	return nil
}

type chain struct {
	head    uint64
	logs    []ethTypes.Log
	queries []storage.LogQuery
	err     error
}

func (c *chain) LatestHeight(context.Context) (uint64, error) {
	return c.head, nil
}

func (c *chain) Logs(_ context.Context, q storage.LogQuery) ([]ethTypes.Log, error) {
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	var out []ethTypes.Log
	for _, l := range c.logs {
		if l.BlockNumber >= q.FromBlock && l.BlockNumber <= q.ToBlock {
			out = append(out, l)
		}
	}
	return out, nil
}

func logAt(block uint64, tx int64, index uint) ethTypes.Log {
	return ethTypes.Log{BlockNumber: block, TxHash: ethCommon.BigToHash(big.NewInt(tx)), Index: index}
}

var toRecord = NormalizerFunc[record](func(_ context.Context, l *ethTypes.Log) (record, error) {
	if l.Index == 99 {
		return record{}, ErrSkip
	}
	return record{block: l.BlockNumber, txHash: l.TxHash, logIndex: l.Index}, nil
})

type sink struct {
	msgs []notifier.Message
}

func (s *sink) Notify(_ context.Context, msg notifier.Message) {
	s.msgs = append(s.msgs, msg)
}

func format(r record) (notifier.Message, bool) {
	return notifier.NewMessage("test", fmt.Sprintf("block %d", r.block)), true
}

func newTestProcessor(c *chain, m *memory, s *sink, cfg config.StreamConfig) *Processor[record] {
	st := &Stream{ID: "test", FloorBlock: 1000}
	return NewProcessor[record](st, cfg, Deps{
		Source:  c,
		Cursors: m,
		Writer:  m,
		Sink:    s,
		Logger:  log.NewNopLogger(),
	}, toRecord, format)
}

func TestCursorScenario(t *testing.T) {
	c := &chain{head: 5000, logs: []ethTypes.Log{logAt(2500, 1, 0)}}
	m := newMemory()
	p := newTestProcessor(c, m, &sink{}, config.StreamConfig{MaxWidth: 2000, PollInterval: time.Second})
	ctx := context.Background()

	res, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.From)
	require.Equal(t, uint64(3000), res.To)
	require.Equal(t, 1, res.Inserted)

	res, err = p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2501), res.From)
	require.Equal(t, uint64(4501), res.To)
	require.Equal(t, [2]uint64{2501, 5000}, m.progress)
	require.Equal(t, uint64(4501), *m.scanned)
}

// failOnce fails the normalization of the log at index once.
type failOnce struct {
	index  uint
	failed bool
}

func (f *failOnce) Normalize(ctx context.Context, l *ethTypes.Log) (record, error) {
	if l.Index == f.index && !f.failed {
		f.failed = true
		return record{}, errors.New("eth_call timeout")
	}
	return toRecord(ctx, l)
}

func TestFailureInsideBlockKeepsBlockWhole(t *testing.T) {
	c := &chain{head: 5000, logs: []ethTypes.Log{
		logAt(1200, 1, 0),
		logAt(2500, 2, 0),
		logAt(2500, 2, 1),
	}}
	m := newMemory()
	s := &sink{}
	p := NewProcessor[record](&Stream{ID: "test", FloorBlock: 1000}, config.StreamConfig{MaxWidth: 2000}, Deps{
		Source:  c,
		Cursors: m,
		Writer:  m,
		Sink:    s,
		Logger:  log.NewNopLogger(),
	}, &failOnce{index: 1}, format)
	ctx := context.Background()

	_, err := p.Tick(ctx)
	require.Error(t, err)
	require.Len(t, m.records, 1, "blocks before the failing one are kept")
	require.Nil(t, m.scanned, "a failed tick reports nothing as scanned")

	res, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1201), res.From, "the failing block is rescanned")
	require.Equal(t, 2, res.Inserted)
	require.Len(t, m.records, 3)
	require.Len(t, s.msgs, 3)

	res, err = p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2501), res.From)
}

func TestWriteFailureInsideBlockStoresNothingOfIt(t *testing.T) {
	c := &chain{head: 5000, logs: []ethTypes.Log{
		logAt(2500, 2, 0),
		logAt(2500, 2, 1),
	}}
	m := newMemory()
	m.failKey = record{txHash: c.logs[1].TxHash, logIndex: 1}.NaturalKey()
	s := &sink{}
	p := newTestProcessor(c, m, s, config.StreamConfig{MaxWidth: 2000})
	ctx := context.Background()

	_, err := p.Tick(ctx)
	require.Error(t, err)
	require.Empty(t, m.records)
	require.Empty(t, s.msgs)

	m.failKey = ""
	res, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.From)
	require.Equal(t, 2, res.Inserted)
}

func TestCursorIsFloorWhenEmpty(t *testing.T) {
	m := newMemory()
	s := &Stream{ID: "x", FloorBlock: 77}
	cur, err := Cursor(context.Background(), m, s)
	require.NoError(t, err)
	require.Equal(t, uint64(77), cur)

	// Records below the floor never pull the cursor under it.
	m.records["a"] = record{block: 10}
	cur, err = Cursor(context.Background(), m, s)
	require.NoError(t, err)
	require.Equal(t, uint64(77), cur)
}

func TestCursorMonotonic(t *testing.T) {
	c := &chain{head: 1000}
	for b := uint64(1000); b < 1600; b += 37 {
		c.logs = append(c.logs, logAt(b, int64(b), 0))
	}
	m := newMemory()
	p := newTestProcessor(c, m, &sink{}, config.StreamConfig{MaxWidth: 100})
	ctx := context.Background()

	var last uint64
	for c.head = 1000; c.head < 1700; c.head += 50 {
		res, err := p.Tick(ctx)
		require.NoError(t, err)
		if res.Idle {
			continue
		}
		require.GreaterOrEqual(t, res.From, last, "a tick never goes back")
		maxBlock, ok, _ := m.MaxPersistedBlock(ctx, nil)
		if ok {
			require.GreaterOrEqual(t, res.From, uint64(1000))
			require.LessOrEqual(t, maxBlock, res.To)
		}
		last = res.From
	}
	require.Len(t, m.records, len(c.logs))
}

func TestIdleWhenCaughtUp(t *testing.T) {
	c := &chain{head: 999}
	p := newTestProcessor(c, newMemory(), &sink{}, config.StreamConfig{MaxWidth: 10})
	res, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Idle)
	require.Empty(t, c.queries)
}

func TestIdleTickReportsHeadScanned(t *testing.T) {
	c := &chain{head: 999}
	m := newMemory()
	p := newTestProcessor(c, m, &sink{}, config.StreamConfig{MaxWidth: 10})
	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(999), *m.scanned)
}

func TestOnlyInsertedRecordsAreAnnounced(t *testing.T) {
	c := &chain{head: 2000, logs: []ethTypes.Log{
		logAt(1001, 1, 0),
		logAt(1001, 1, 1),
		logAt(1002, 2, 99), // skipped by the normalizer
		logAt(1003, 3, 0),
	}}
	m := newMemory()
	s := &sink{}
	p := newTestProcessor(c, m, s, config.StreamConfig{MaxWidth: 10_000})

	res, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Inserted)
	require.Len(t, s.msgs, 3)
	require.Equal(t, "block 1001", s.msgs[0].Text)
	require.Equal(t, "block 1003", s.msgs[2].Text)
}

func TestRedeliveryIsAbsorbed(t *testing.T) {
	c := &chain{head: 2000, logs: []ethTypes.Log{
		logAt(1001, 1, 0),
		logAt(1003, 3, 0),
	}}
	// The writer already holds the first record but the cursor store lags
	// behind it, as after a crash between write and any later progress.
	stored := newMemory()
	_, err := stored.WriteAll(context.Background(), []writer.Record{record{block: 1001, txHash: c.logs[0].TxHash}})
	require.NoError(t, err)
	s := &sink{}
	p := NewProcessor[record](&Stream{ID: "test", FloorBlock: 1000}, config.StreamConfig{MaxWidth: 10_000}, Deps{
		Source:  c,
		Cursors: newMemory(),
		Writer:  stored,
		Sink:    s,
		Logger:  log.NewNopLogger(),
	}, toRecord, format)

	res, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Duplicates)
	require.Equal(t, 1, res.Inserted)
	require.Len(t, s.msgs, 1)
	require.Equal(t, "block 1003", s.msgs[0].Text)
	require.Len(t, stored.records, 2)
}

func TestErrorsAbortTick(t *testing.T) {
	c := &chain{head: 2000, logs: []ethTypes.Log{logAt(1500, 1, 0)}}
	m := newMemory()
	p := newTestProcessor(c, m, &sink{}, config.StreamConfig{MaxWidth: 10_000})
	ctx := context.Background()

	c.err = errors.New("rpc timeout")
	_, err := p.Tick(ctx)
	require.ErrorIs(t, err, c.err)

	c.err = nil
	m.failWrites = errors.New("db down")
	_, err = p.Tick(ctx)
	require.ErrorIs(t, err, m.failWrites)

	// Nothing moved; the next tick rescans the same range.
	m.failWrites = nil
	res, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.From)
	require.Equal(t, 1, res.Inserted)
}

func TestCheckpointEmptyWindows(t *testing.T) {
	c := &chain{head: 5000}
	m := newMemory()
	p := newTestProcessor(c, m, &sink{}, config.StreamConfig{MaxWidth: 1000, CheckpointEmptyWindows: true})
	ctx := context.Background()

	res, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), res.To)
	res, err = p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2001), res.From)

	// Without checkpointing an empty window is rescanned.
	m2 := newMemory()
	p2 := newTestProcessor(c, m2, &sink{}, config.StreamConfig{MaxWidth: 1000})
	_, err = p2.Tick(ctx)
	require.NoError(t, err)
	res, err = p2.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.From)
}

func TestConfigFromRaisesFloor(t *testing.T) {
	p := newTestProcessor(&chain{}, newMemory(), &sink{}, config.StreamConfig{MaxWidth: 5, From: 4000})
	require.Equal(t, uint64(4000), p.Stream().FloorBlock)
	require.Equal(t, uint64(5), p.Stream().MaxWidth)
}

func TestStartStopsOnCancel(t *testing.T) {
	c := &chain{head: 999}
	p := newTestProcessor(c, newMemory(), &sink{}, config.StreamConfig{MaxWidth: 10, PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}
