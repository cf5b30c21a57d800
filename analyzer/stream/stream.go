// Package stream implements the generic log stream processor.
//
// A stream is a (contracts, events) pair polled independently. On every
// tick the processor derives the stream's cursor from the store, scans the
// next bounded block range, normalizes the logs and writes them block by
// block, and announces the records that were actually inserted. The
// records of one block are written in a single transaction, so the
// highest stored block is always complete. The cursor is never cached in
// memory, so a crash at any point resumes from what is durably stored.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/util"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/storage"
)

// Timeout of a single tick. Ticks that exceed it are abandoned and
// retried from the unchanged cursor.
const tickTimeout = 5 * time.Minute

// ErrSkip is returned by a Normalizer for logs that yield no record.
var ErrSkip = errors.New("log skipped")

// Stream describes what to poll.
type Stream struct {
	ID        string
	Addresses []ethCommon.Address
	// Topics follows the eth_getLogs positional convention; Topics[0]
	// lists the accepted event signatures.
	Topics [][]ethCommon.Hash

	// FloorBlock is the first block ever scanned.
	FloorBlock uint64
	// MaxWidth bounds the range of a single tick: [from, from+MaxWidth].
	MaxWidth uint64

	// CursorQuery selects MAX(block) over the stream's records; it must
	// return NULL when there are none.
	CursorQuery string
	CursorArgs  []interface{}
}

// Source is the subset of storage.LedgerSource a stream reads.
type Source interface {
	LatestHeight(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, q storage.LogQuery) ([]ethTypes.Log, error)
}

// Normalizer turns a raw log into a record, reading any auxiliary state
// pinned to the log's block.
type Normalizer[R writer.Record] interface {
	Normalize(ctx context.Context, log *ethTypes.Log) (R, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc[R writer.Record] func(ctx context.Context, log *ethTypes.Log) (R, error)

func (f NormalizerFunc[R]) Normalize(ctx context.Context, log *ethTypes.Log) (R, error) {
	return f(ctx, log)
}

// Formatter renders the alert for an inserted record. ok is false when
// the record is not announced.
type Formatter[R writer.Record] func(rec R) (msg notifier.Message, ok bool)

// RecordWriter persists the records of one block atomically. Satisfied
// by *writer.Writer.
type RecordWriter interface {
	WriteAll(ctx context.Context, recs []writer.Record) ([]writer.Outcome, error)
}

// TickResult summarizes one tick.
type TickResult struct {
	From, To   uint64
	Head       uint64
	Idle       bool // nothing new to scan
	Logs       int
	Inserted   int
	Duplicates int
}

// Processor runs one stream.
type Processor[R writer.Record] struct {
	stream     *Stream
	source     Source
	cursors    CursorStore
	normalizer Normalizer[R]
	writer     RecordWriter
	formatter  Formatter[R]
	sink       notifier.Sink

	pollInterval    time.Duration
	checkpointEmpty bool

	logger  *log.Logger
	metrics *metrics.AnalysisMetrics
}

var _ analyzer.Analyzer = (*Processor[writer.Record])(nil)

// Deps groups the collaborators shared by the streams of an analyzer.
type Deps struct {
	Source  Source
	Cursors CursorStore
	Writer  RecordWriter
	Sink    notifier.Sink
	Logger  *log.Logger
	Metrics *metrics.AnalysisMetrics
}

// NewDeps wires the stream collaborators of an analyzer over the shared
// dependencies: one writer, cursor store and set of metrics per analyzer.
func NewDeps(analyzerName string, shared analyzer.Deps) Deps {
	m := metrics.NewDefaultAnalysisMetrics(analyzerName)
	logger := shared.Logger.With("analyzer", analyzerName)
	return Deps{
		Source:  shared.Source,
		Cursors: NewSQLCursorStore(shared.Target, analyzerName),
		Writer:  writer.New(shared.Target, logger, &m),
		Sink:    shared.Sink,
		Logger:  logger,
		Metrics: &m,
	}
}

// NewProcessor creates a processor. formatter may be nil for streams
// without alerts.
func NewProcessor[R writer.Record](
	s *Stream,
	cfg config.StreamConfig,
	deps Deps,
	normalizer Normalizer[R],
	formatter Formatter[R],
) *Processor[R] {
	if s.MaxWidth == 0 {
		s.MaxWidth = cfg.MaxWidth
	}
	if cfg.From > s.FloorBlock {
		s.FloorBlock = cfg.From
	}
	return &Processor[R]{
		stream:          s,
		source:          deps.Source,
		cursors:         deps.Cursors,
		normalizer:      normalizer,
		writer:          deps.Writer,
		formatter:       formatter,
		sink:            deps.Sink,
		pollInterval:    cfg.PollInterval,
		checkpointEmpty: cfg.CheckpointEmptyWindows,
		logger:          deps.Logger.With("stream", s.ID),
		metrics:         deps.Metrics,
	}
}

// Stream returns the processor's stream descriptor.
func (p *Processor[R]) Stream() *Stream {
	return p.stream
}

// Tick scans the next range of the stream. On error nothing past the last
// successfully written record is considered processed.
func (p *Processor[R]) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if p.metrics != nil {
		timer := p.metrics.TickLatency(p.stream.ID)
		defer timer.ObserveDuration()
	}

	from, err := Cursor(ctx, p.cursors, p.stream)
	if err != nil {
		return res, err
	}
	head, err := p.source.LatestHeight(ctx)
	if err != nil {
		return res, fmt.Errorf("latest height: %w", err)
	}
	to := from + p.stream.MaxWidth
	if to > head {
		to = head
	}
	res.From, res.To, res.Head = from, to, head
	p.reportProgress(ctx, from, head)
	if from > to {
		res.Idle = true
		p.reportScanned(ctx, to, head)
		return res, nil
	}

	logs, err := p.source.Logs(ctx, storage.LogQuery{
		Addresses: p.stream.Addresses,
		Topics:    p.stream.Topics,
		FromBlock: from,
		ToBlock:   to,
	})
	if err != nil {
		return res, fmt.Errorf("fetching logs [%d, %d]: %w", from, to, err)
	}
	res.Logs = len(logs)

	for start := 0; start < len(logs); {
		end := start + 1
		for end < len(logs) && logs[end].BlockNumber == logs[start].BlockNumber {
			end++
		}
		if err := p.processBlock(ctx, logs[start:end], &res); err != nil {
			return res, err
		}
		start = end
	}

	if p.checkpointEmpty && res.Inserted == 0 && res.Duplicates == 0 {
		if err := p.cursors.SaveWatermark(ctx, p.stream, to, head); err != nil {
			return res, fmt.Errorf("saving watermark: %w", err)
		}
	}
	if p.metrics != nil {
		p.metrics.CursorLag(p.stream.ID).Set(float64(head - to))
	}
	p.reportScanned(ctx, to, head)
	return res, nil
}

// processBlock normalizes every log of one block before writing any of
// them, then writes the records in one transaction.
func (p *Processor[R]) processBlock(ctx context.Context, logs []ethTypes.Log, res *TickResult) error {
	recs := make([]R, 0, len(logs))
	batch := make([]writer.Record, 0, len(logs))
	for i := range logs {
		lg := &logs[i]
		rec, err := p.normalizer.Normalize(ctx, lg)
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			return fmt.Errorf("normalizing log %s/%d at block %d: %w", lg.TxHash.Hex(), lg.Index, lg.BlockNumber, err)
		}
		recs = append(recs, rec)
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return nil
	}

	outcomes, err := p.writer.WriteAll(ctx, batch)
	if err != nil {
		return fmt.Errorf("writing block %d: %w", logs[0].BlockNumber, err)
	}
	for i, outcome := range outcomes {
		if outcome == writer.DuplicateSkipped {
			res.Duplicates++
			continue
		}
		res.Inserted++
		p.announce(ctx, recs[i])
	}
	return nil
}

func (p *Processor[R]) announce(ctx context.Context, rec R) {
	if p.formatter == nil || p.sink == nil {
		return
	}
	msg, ok := p.formatter(rec)
	if !ok {
		return
	}
	p.sink.Notify(ctx, msg)
}

func (p *Processor[R]) reportProgress(ctx context.Context, next uint64, head uint64) {
	if err := p.cursors.ReportProgress(ctx, p.stream, next, head); err != nil {
		p.logger.Warn("failed to report stream progress", "err", err)
	}
}

func (p *Processor[R]) reportScanned(ctx context.Context, block uint64, head uint64) {
	if err := p.cursors.ReportScanned(ctx, p.stream, block, head); err != nil {
		p.logger.Warn("failed to report scanned block", "err", err)
	}
}

// Start ticks every poll interval until ctx is done. Errors abort the
// current tick only.
func (p *Processor[R]) Start(ctx context.Context) {
	p.logger.Info("starting stream",
		"floor_block", p.stream.FloorBlock,
		"max_width", p.stream.MaxWidth,
		"poll_interval", p.pollInterval,
	)
	for {
		tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
		res, err := p.Tick(tickCtx)
		cancel()
		switch {
		case err != nil:
			p.logger.Error("tick failed", "err", err, "from", res.From, "to", res.To)
		case res.Idle:
			p.logger.Debug("nothing to scan", "cursor", res.From, "head", res.Head)
		default:
			p.logger.Info("scanned range",
				"from", res.From,
				"to", res.To,
				"head", res.Head,
				"logs", res.Logs,
				"inserted", res.Inserted,
				"duplicates", res.Duplicates,
			)
		}
		if !util.Sleep(ctx, p.pollInterval) {
			p.logger.Warn("shutting down stream", "reason", ctx.Err())
			return
		}
	}
}

// Name returns the stream id.
func (p *Processor[R]) Name() string {
	return p.stream.ID
}
