// Package item implements the generic item based analyzer.
//
// Item based analyzer uses an ItemProcessor to process work items that
// are not tied to a block range, e.g. completed incentive periods or
// non-terminal proposals. Every pass fetches the full work queue and
// processes it in order, one item at a time.
package item

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/util"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
)

const (
	// Timeout to process a single item.
	defaultItemTimeout = 2 * time.Minute
	// Timeout to fetch the work queue.
	getItemsTimeout = 30 * time.Second
)

// ErrDeferred is returned by ProcessItem for items that are not ready
// yet. The item is left in the queue and the pass stops without logging
// an error.
var ErrDeferred = errors.New("item deferred")

type ItemProcessor[Item any] interface {
	// GetItems returns the current work queue, in processing order.
	GetItems(ctx context.Context) ([]Item, error)
	// ProcessItem processes a single item and durably records the
	// result. An item that is not recorded is returned again by the
	// next GetItems.
	ProcessItem(ctx context.Context, item Item) error
}

// Config tunes an item based analyzer.
type Config struct {
	// Interval between two passes.
	Interval time.Duration
	// ItemTimeout bounds the processing of one item.
	ItemTimeout time.Duration
	// Ordered stops a pass at the first failed item, so items are
	// never recorded out of order. Otherwise failures are logged and
	// the pass continues with the next item.
	Ordered bool
}

type itemBasedAnalyzer[Item any] struct {
	cfg          Config
	analyzerName string
	queueName    string

	processor ItemProcessor[Item]

	logger  *log.Logger
	metrics *metrics.AnalysisMetrics
}

var _ analyzer.Analyzer = (*itemBasedAnalyzer[any])(nil)

// PassResult summarizes one pass over the work queue.
type PassResult struct {
	Queued    int
	Processed int
	Failed    int
	Deferred  bool
}

// Analyzer is an item based analyzer. RunPass is exposed for tests and
// one-shot commands.
type Analyzer interface {
	analyzer.Analyzer
	RunPass(ctx context.Context) (PassResult, error)
}

// NewAnalyzer returns a new item based analyzer using the provided item
// processor. `queue` labels the work queue in metrics and logs.
func NewAnalyzer[Item any](
	name string,
	queue string,
	cfg Config,
	processor ItemProcessor[Item],
	logger *log.Logger,
	m *metrics.AnalysisMetrics,
) Analyzer {
	if cfg.ItemTimeout == 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	return &itemBasedAnalyzer[Item]{
		cfg:          cfg,
		analyzerName: name,
		queueName:    queue,
		processor:    processor,
		logger:       logger.With("queue", queue),
		metrics:      m,
	}
}

// RunPass fetches the work queue and processes it. The returned error is
// the first item failure, or the failure to fetch the queue.
func (a *itemBasedAnalyzer[Item]) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult

	getCtx, cancel := context.WithTimeout(ctx, getItemsTimeout)
	items, err := a.processor.GetItems(getCtx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("error fetching work items: %w", err)
	}
	res.Queued = len(items)
	if a.metrics != nil {
		a.metrics.QueueLength(a.queueName).Set(float64(len(items)))
	}
	if len(items) == 0 {
		return res, nil
	}
	a.logger.Debug("processing", "num_items", len(items))

	var firstErr error
	for _, it := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		itemCtx, cancel := context.WithTimeout(ctx, a.cfg.ItemTimeout)
		err := a.processor.ProcessItem(itemCtx, it)
		cancel()
		switch {
		case err == nil:
			res.Processed++
			continue
		case errors.Is(err, ErrDeferred):
			a.logger.Debug("item deferred", "item", it)
			res.Deferred = true
			return res, firstErr
		}
		res.Failed++
		a.logger.Error("failed to process item", "item", it, "err", err)
		if firstErr == nil {
			firstErr = err
		}
		if a.cfg.Ordered {
			return res, firstErr
		}
	}
	if a.metrics != nil {
		a.metrics.QueueLength(a.queueName).Set(float64(res.Queued - res.Processed))
	}
	return res, firstErr
}

// Start starts the item based analyzer.
func (a *itemBasedAnalyzer[Item]) Start(ctx context.Context) {
	maxDelay := a.cfg.Interval
	if maxDelay < time.Second {
		maxDelay = time.Second
	}
	backoff, err := util.NewBackoff(
		time.Second,
		maxDelay,
	)
	if err != nil {
		a.logger.Error("error configuring backoff policy",
			"err", err.Error(),
		)
		return
	}

	for firstIter := true; ; firstIter = false {
		// Failed passes are retried sooner than the regular interval,
		// backing off up to it.
		delay := a.cfg.Interval
		if backoff.Timeout() > time.Second {
			delay = backoff.Timeout()
		}
		if firstIter {
			delay = 0 // Don't sleep before first iteration.
		}
		if !util.Sleep(ctx, delay) {
			a.logger.Warn("shutting down item analyzer", "reason", ctx.Err())
			return
		}

		res, err := a.RunPass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.logger.Error("error processing work queue", "err", err, "processed", res.Processed, "failed", res.Failed)
			backoff.Failure()
			continue
		}
		if res.Processed > 0 {
			a.logger.Info("processed work items", "num_items", res.Processed, "queued", res.Queued)
		}
		backoff.Success()
	}
}

func (a *itemBasedAnalyzer[Item]) Name() string {
	return a.analyzerName
}
