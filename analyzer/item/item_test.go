package item_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/item"
	"github.com/waveyops/ledgerwatch/log"
)

type mockItem struct {
	id         uint64
	canProcess bool // whether or not the item should return an error during processing.
	deferred   bool
}

type mockProcessor struct {
	lock sync.Mutex
	// The work queue; processed items are removed from it.
	queue []*mockItem
	// Order in which items were successfully processed.
	processed []uint64
	passes    int
}

var _ item.ItemProcessor[*mockItem] = (*mockProcessor)(nil)

func (p *mockProcessor) GetItems(ctx context.Context) ([]*mockItem, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.passes++
	return append([]*mockItem{}, p.queue...), nil
}

func (p *mockProcessor) ProcessItem(ctx context.Context, it *mockItem) error {
	if it.deferred {
		return item.ErrDeferred
	}
	if !it.canProcess {
		return fmt.Errorf("error processing item %d", it.id)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.processed = append(p.processed, it.id)
	for i, q := range p.queue {
		if q.id == it.id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (p *mockProcessor) processedIDs() []uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]uint64{}, p.processed...)
}

func newAnalyzer(p *mockProcessor, cfg item.Config) item.Analyzer {
	return item.NewAnalyzer[*mockItem]("test", "mock", cfg, p, log.NewNopLogger(), nil)
}

func TestOrderedStopsAtFirstFailure(t *testing.T) {
	p := &mockProcessor{queue: []*mockItem{
		{id: 1, canProcess: true},
		{id: 2, canProcess: false},
		{id: 3, canProcess: true},
	}}
	a := newAnalyzer(p, item.Config{Ordered: true})

	res, err := a.RunPass(context.Background())
	require.Error(t, err)
	require.Equal(t, item.PassResult{Queued: 3, Processed: 1, Failed: 1}, res)
	require.Equal(t, []uint64{1}, p.processedIDs(), "item 3 must wait for item 2")

	// Once item 2 can be processed, the queue drains in order.
	p.queue[0].canProcess = true
	res, err = a.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, []uint64{1, 2, 3}, p.processedIDs())
}

func TestUnorderedContinuesPastFailure(t *testing.T) {
	p := &mockProcessor{queue: []*mockItem{
		{id: 1, canProcess: false},
		{id: 2, canProcess: true},
		{id: 3, canProcess: false},
		{id: 4, canProcess: true},
	}}
	a := newAnalyzer(p, item.Config{})

	res, err := a.RunPass(context.Background())
	require.ErrorContains(t, err, "item 1")
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, []uint64{2, 4}, p.processedIDs())
}

func TestDeferredEndsPass(t *testing.T) {
	p := &mockProcessor{queue: []*mockItem{
		{id: 1, canProcess: true},
		{id: 2, deferred: true},
		{id: 3, canProcess: true},
	}}
	a := newAnalyzer(p, item.Config{Ordered: true})

	res, err := a.RunPass(context.Background())
	require.NoError(t, err)
	require.True(t, res.Deferred)
	require.Equal(t, []uint64{1}, p.processedIDs())
	require.Len(t, p.queue, 2, "deferred items stay queued")
}

func TestEmptyQueue(t *testing.T) {
	a := newAnalyzer(&mockProcessor{}, item.Config{})
	res, err := a.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, item.PassResult{}, res)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	p := &mockProcessor{queue: []*mockItem{
		{id: 1, canProcess: true},
		{id: 2, canProcess: true},
	}}
	a := newAnalyzer(p, item.Config{Interval: 10 * time.Millisecond})
	require.Equal(t, "test", a.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(p.processedIDs()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer did not stop after cancellation")
	}
	require.Equal(t, []uint64{1, 2}, p.processedIDs())
}
