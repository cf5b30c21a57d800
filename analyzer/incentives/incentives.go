// Package incentives accounts for weekly vote-incentive distributions.
//
// Every program scans one week at a time. A week is processed once it is
// over, its transfers are stored one record per log, and a marker row is
// written last so that an interrupted week is scanned again from scratch.
package incentives

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/blocktime"
	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/item"
	"github.com/waveyops/ledgerwatch/analyzer/pricefeed"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/storage"
)

const analyzerName = "incentives"

// Gauge is a Curve gauge whose votes the program buys.
type Gauge struct {
	Address ethCommon.Address
	Name    string
}

// Program is a parsed incentive program.
type Program struct {
	Protocol            string
	Kind                config.ProgramKind
	Token               ethCommon.Address
	Symbol              string
	Source              ethCommon.Address
	Recipient           ethCommon.Address
	VotiumTarget        ethCommon.Address
	VotemarketTarget    ethCommon.Address
	EmissionsController ethCommon.Address
	GaugeController     ethCommon.Address
	Voters              []ethCommon.Address
	Gauges              []Gauge
	StartTimestamp      int64
	Channel             string
}

func optionalAddress(hex string) ethCommon.Address {
	if hex == "" {
		return common.ZeroAddress
	}
	return ethCommon.HexToAddress(hex)
}

// ProgramFromConfig parses a validated program configuration.
func ProgramFromConfig(cfg config.IncentiveProgramConfig) (*Program, error) {
	voters, err := common.ParseAddresses(cfg.Voters)
	if err != nil {
		return nil, err
	}
	if len(voters) == 0 {
		return nil, fmt.Errorf("program %s has no voters", cfg.Protocol)
	}
	p := &Program{
		Protocol:            cfg.Protocol,
		Kind:                cfg.Kind,
		Token:               ethCommon.HexToAddress(cfg.Token),
		Symbol:              cfg.Symbol,
		Source:              ethCommon.HexToAddress(cfg.Source),
		Recipient:           optionalAddress(cfg.Recipient),
		VotiumTarget:        optionalAddress(cfg.VotiumTarget),
		VotemarketTarget:    optionalAddress(cfg.VotemarketTarget),
		EmissionsController: optionalAddress(cfg.EmissionsController),
		GaugeController:     ethCommon.HexToAddress(cfg.GaugeController),
		Voters:              voters,
		StartTimestamp:      cfg.StartTimestamp,
		Channel:             cfg.Channel,
	}
	for _, g := range cfg.Gauges {
		p.Gauges = append(p.Gauges, Gauge{Address: ethCommon.HexToAddress(g.Address), Name: g.Name})
	}
	return p, nil
}

func addressTopic(a ethCommon.Address) ethCommon.Hash {
	return ethCommon.BytesToHash(a.Bytes())
}

// query selects the program's distribution transfers in a block range.
func (p *Program) query(from, to uint64) storage.LogQuery {
	topics := [][]ethCommon.Hash{{dialect.TransferTopic}, {addressTopic(p.Source)}}
	if p.Recipient != common.ZeroAddress {
		topics = append(topics, []ethCommon.Hash{addressTopic(p.Recipient)})
	}
	return storage.LogQuery{
		Addresses: []ethCommon.Address{p.Token},
		Topics:    topics,
		FromBlock: from,
		ToBlock:   to,
	}
}

// BlockTimes resolves blocks and timestamps. Satisfied by
// *blocktime.Resolver.
type BlockTimes interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
	ClosestBlockAtOrAfter(ctx context.Context, t uint64) (uint64, error)
	ClosestBlockBefore(ctx context.Context, t uint64) (uint64, error)
}

// PeriodStore returns the last fully processed period of a program.
type PeriodStore interface {
	LastPeriod(ctx context.Context, protocol string) (*int64, error)
}

// RowQueryer is satisfied by storage.TargetStorage.
type RowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) storage.QueryResult
}

type SQLPeriodStore struct {
	target RowQueryer
}

var _ PeriodStore = (*SQLPeriodStore)(nil)

func NewSQLPeriodStore(target RowQueryer) *SQLPeriodStore {
	return &SQLPeriodStore{target: target}
}

func (s *SQLPeriodStore) LastPeriod(ctx context.Context, protocol string) (*int64, error) {
	var last *int64
	if err := s.target.QueryRow(ctx, lastPeriod, protocol).Scan(&last); err != nil {
		return nil, fmt.Errorf("last period of %s: %w", protocol, err)
	}
	return last, nil
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Source  storage.LedgerSource
	Times   BlockTimes
	Periods PeriodStore
	Writer  *writer.Writer
	// Prices may be nil, in which case votes per USD are never computed.
	Prices pricefeed.PriceSource
	Sink   notifier.Sink
	// Clock may be nil for wall-clock time.
	Clock  func() time.Time
	Logger *log.Logger
}

// Processor processes the periods of one program in order.
type Processor struct {
	program *Program
	deps    Deps
	logger  *log.Logger
}

var _ item.ItemProcessor[int64] = (*Processor)(nil)

func NewProcessor(p *Program, deps Deps) *Processor {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Processor{
		program: p,
		deps:    deps,
		logger:  deps.Logger.With("protocol", p.Protocol),
	}
}

func (pr *Processor) GetItems(ctx context.Context) ([]int64, error) {
	last, err := pr.deps.Periods.LastPeriod(ctx, pr.program.Protocol)
	if err != nil {
		return nil, err
	}
	return MissingPeriods(pr.deps.Clock().Unix(), last, pr.program.StartTimestamp), nil
}

// deferOnFuture maps an unresolvable future timestamp to item.ErrDeferred.
func deferOnFuture(err error) error {
	if blocktime.IsFutureTimestamp(err) {
		return fmt.Errorf("%w: %v", item.ErrDeferred, err)
	}
	return err
}

// ProcessItem stores every distribution of the period starting at
// `period`, then marks the period processed. A period that has not ended
// on chain yet is deferred without writes.
func (pr *Processor) ProcessItem(ctx context.Context, period int64) error {
	if period > pr.deps.Clock().Unix() {
		pr.logger.Info("skipping future period", "period_start", period, "date", common.DateString(period))
		return item.ErrDeferred
	}
	startBlock, err := pr.deps.Times.ClosestBlockBefore(ctx, uint64(period))
	switch {
	case errors.Is(err, blocktime.ErrBeforeGenesis):
		startBlock = 0
	case err != nil:
		return deferOnFuture(err)
	}
	endBlock, err := pr.deps.Times.ClosestBlockBefore(ctx, uint64(period+Week))
	if err != nil {
		return deferOnFuture(err)
	}
	pr.logger.Info("processing period",
		"period_start", period,
		"date", common.DateString(period),
		"start_block", startBlock,
		"end_block", endBlock,
	)

	logs, err := pr.deps.Source.Logs(ctx, pr.program.query(startBlock, endBlock))
	if err != nil {
		return fmt.Errorf("fetching transfers: %w", err)
	}

	seenTx := map[ethCommon.Hash]bool{}
	stored := 0
	for i := range logs {
		lg := &logs[i]
		// The yieldbasis source fans out to several helpers in one
		// transaction; the first log stands for the whole transaction.
		if pr.program.Kind == config.ProgramYieldBasis && seenTx[lg.TxHash] {
			continue
		}
		seenTx[lg.TxHash] = true

		d, err := pr.distribution(ctx, lg)
		if err != nil {
			return deferOnFuture(fmt.Errorf("transfer %s/%d: %w", lg.TxHash.Hex(), lg.Index, err))
		}
		outcome, err := pr.deps.Writer.Write(ctx, d)
		if err != nil {
			return err
		}
		stored++
		if outcome == writer.Inserted {
			pr.logger.Info("stored incentive distribution",
				"tx_hash", d.TxHash.Hex(),
				"total", tokens(d.Total),
				"votium", tokens(d.Votium),
				"votemarket", tokens(d.Votemarket),
			)
			if pr.deps.Sink != nil {
				pr.deps.Sink.Notify(ctx, notifier.NewMessage(pr.program.Channel, ReportMessage(pr.program, d)))
			}
		}
	}

	marker := &PeriodMarker{
		Protocol:    pr.program.Protocol,
		PeriodStart: period,
		StartBlock:  startBlock,
		EndBlock:    endBlock,
		Transfers:   stored,
	}
	if _, err := pr.deps.Writer.Write(ctx, marker); err != nil {
		return err
	}
	pr.logger.Info("completed period", "period_start", period, "transfers", stored)
	return nil
}

func (pr *Processor) epoch(ctx context.Context, block uint64) (*int64, error) {
	if pr.program.EmissionsController == common.ZeroAddress {
		return nil, nil
	}
	e, err := evm.CallBigInt(ctx, pr.deps.Source, block, pr.program.EmissionsController, evmabi.EmissionsController, "getEpoch")
	if err != nil {
		return nil, fmt.Errorf("getEpoch: %w", err)
	}
	if !e.IsInt64() {
		return nil, fmt.Errorf("epoch %s out of range", e)
	}
	return common.Ptr(e.Int64()), nil
}

func (pr *Processor) price(ctx context.Context) *float64 {
	if pr.deps.Prices == nil {
		return nil
	}
	price, err := pr.deps.Prices.Price(ctx, pr.program.Token)
	if err != nil {
		pr.logger.Warn("token price unavailable; votes per USD will be null", "token", pr.program.Token.Hex(), "err", err)
		return nil
	}
	return &price
}

func (pr *Processor) distribution(ctx context.Context, lg *ethTypes.Log) (*Distribution, error) {
	transfer, err := dialect.ParseTransfer(lg)
	if err != nil {
		return nil, fmt.Errorf("decoding transfer: %w", err)
	}
	ts, err := pr.deps.Times.BlockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
	}
	receipt, err := pr.deps.Source.TransactionReceipt(ctx, lg.TxHash)
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	amounts := Split(pr.program, transfer, receipt)
	epoch, err := pr.epoch(ctx, lg.BlockNumber)
	if err != nil {
		return nil, err
	}

	// Votes are counted at the boundary where the bought votes apply.
	periodStart := PeriodStart(int64(ts))
	next := periodStart + Week
	nextBlock, err := pr.deps.Times.ClosestBlockAtOrAfter(ctx, uint64(next))
	if err != nil {
		return nil, fmt.Errorf("block of next period: %w", err)
	}
	eff := computeEfficiency(ctx, pr.deps.Source, pr.program, nextBlock, next, amounts, pr.price(ctx), pr.logger)

	return &Distribution{
		Protocol:    pr.program.Protocol,
		PeriodStart: periodStart,
		Epoch:       epoch,
		Block:       lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		Timestamp:   int64(ts),
		Amounts:     amounts,
		Efficiency:  eff,
	}, nil
}

// NewAnalyzer creates one ordered period queue per configured program.
func NewAnalyzer(cfg *config.IncentivesConfig, deps analyzer.Deps) (analyzer.Analyzer, error) {
	m := metrics.NewDefaultAnalysisMetrics(analyzerName)
	logger := deps.Logger.With("analyzer", analyzerName)
	w := writer.New(deps.Target, logger, &m)
	prices := pricefeed.NewDefiLlama(cfg.PriceAPI, logger)

	var members []analyzer.Analyzer
	for _, pc := range cfg.Programs {
		program, err := ProgramFromConfig(pc)
		if err != nil {
			return nil, err
		}
		processor := NewProcessor(program, Deps{
			Source:  deps.Source,
			Times:   deps.Timestamps,
			Periods: NewSQLPeriodStore(deps.Target),
			Writer:  w,
			Prices:  prices,
			Sink:    deps.Sink,
			Logger:  logger,
		})
		members = append(members, item.NewAnalyzer[int64](
			analyzerName,
			program.Protocol,
			item.Config{Interval: cfg.Interval, ItemTimeout: 10 * time.Minute, Ordered: true},
			processor,
			logger,
			&m,
		))
	}
	return analyzer.NewGroup(analyzerName, members...), nil
}
