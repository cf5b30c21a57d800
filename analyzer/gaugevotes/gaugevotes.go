// Package gaugevotes ingests Curve gauge controller votes, sized by the
// voter's vote-escrowed balance at the vote's block.
package gaugevotes

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

const (
	analyzerName = "gaugevotes"

	// Weights are basis points of the voter's power.
	maxWeight = 10_000

	cursorQuery = `
    SELECT MAX(block) FROM curve_gauge_votes`

	insertVote = `
    INSERT INTO curve_gauge_votes (
      gauge, gauge_name, account, amount, weight, block, txn_hash, log_index, timestamp, date_str
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
)

// Vote is one VoteForGauge event.
type Vote struct {
	Gauge     ethCommon.Address
	GaugeName string
	Account   ethCommon.Address
	// Weight in basis points.
	Weight uint64
	// Amount is the vote-escrowed balance allocated to the gauge, in tokens.
	Amount    float64
	Block     uint64
	TxHash    ethCommon.Hash
	LogIndex  uint
	Timestamp int64
}

var _ writer.Record = (*Vote)(nil)

func (v *Vote) NaturalKey() string {
	return fmt.Sprintf("gauge_vote:%s:%d", v.TxHash.Hex(), v.LogIndex)
}

func (v *Vote) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertVote,
		v.Gauge.Hex(),
		storage.SanitizeString(v.GaugeName),
		v.Account.Hex(),
		v.Amount,
		int64(v.Weight),
		v.Block,
		v.TxHash.Hex(),
		int64(v.LogIndex),
		v.Timestamp,
		common.DateString(v.Timestamp),
	)
	return err
}

// VoteAmount allocates `weight` basis points of a raw balance.
func VoteAmount(balance *big.Int, weight uint64) float64 {
	return common.MustScaleDown(balance, common.DefaultDecimals) * float64(weight) / maxWeight
}

// TimestampReader resolves block timestamps. Satisfied by
// *blocktime.Resolver.
type TimestampReader interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

// Namer resolves gauge names. Satisfied by *GaugeNames.
type Namer interface {
	Name(ctx context.Context, gauge ethCommon.Address) string
}

type Normalizer struct {
	controller   ethCommon.Address
	votingEscrow ethCommon.Address
	caller       evm.Caller
	timestamps   TimestampReader
	names        Namer
	logger       *log.Logger
}

var _ stream.Normalizer[*Vote] = (*Normalizer)(nil)

func NewNormalizer(controller, votingEscrow ethCommon.Address, caller evm.Caller, timestamps TimestampReader, names Namer, logger *log.Logger) *Normalizer {
	return &Normalizer{
		controller:   controller,
		votingEscrow: votingEscrow,
		caller:       caller,
		timestamps:   timestamps,
		names:        names,
		logger:       logger,
	}
}

func (n *Normalizer) Normalize(ctx context.Context, lg *ethTypes.Log) (*Vote, error) {
	if lg.Address != n.controller {
		return nil, stream.ErrSkip
	}
	event, args, err := dialect.Decode(evmabi.GaugeController, lg)
	if err != nil || event.Name != "VoteForGauge" {
		n.logger.Warn("undecodable gauge controller log", "tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "err", err)
		return nil, stream.ErrSkip
	}
	v := &Vote{
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
	}
	if v.Account, err = args.Address("user"); err != nil {
		return nil, err
	}
	if v.Gauge, err = args.Address("gauge_addr"); err != nil {
		return nil, err
	}
	if v.Weight, err = args.Uint64("weight"); err != nil {
		return nil, err
	}
	if v.Weight > maxWeight {
		return nil, fmt.Errorf("vote weight %d above %d", v.Weight, maxWeight)
	}

	ts, err := n.timestamps.BlockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
	}
	v.Timestamp = int64(ts)

	balance, err := evm.CallBigInt(ctx, n.caller, lg.BlockNumber, n.votingEscrow, evmabi.ERC20, "balanceOf", v.Account)
	switch {
	case errors.Is(err, evm.DeterministicError{}):
		n.logger.Warn("voting escrow balance unavailable", "account", v.Account.Hex(), "block", lg.BlockNumber, "err", err)
	case err != nil:
		return nil, fmt.Errorf("voting escrow balance: %w", err)
	default:
		v.Amount = VoteAmount(balance, v.Weight)
	}

	v.GaugeName = n.names.Name(ctx, v.Gauge)
	return v, nil
}

// Stream scans every VoteForGauge log of the controller.
func Stream(controller ethCommon.Address, floor uint64) *stream.Stream {
	return &stream.Stream{
		ID:          fmt.Sprintf("%s:%s", analyzerName, controller.Hex()),
		Addresses:   []ethCommon.Address{controller},
		Topics:      [][]ethCommon.Hash{{evmabi.EventID(evmabi.GaugeController, "VoteForGauge")}},
		FloorBlock:  floor,
		CursorQuery: cursorQuery,
	}
}

func NewAnalyzer(ctx context.Context, cfg *config.GaugeVotesConfig, deps analyzer.Deps) analyzer.Analyzer {
	sdeps := stream.NewDeps(analyzerName, deps)
	names := NewGaugeNames(cfg.GaugesAPI, sdeps.Logger.WithModule("gauge_names"))
	if err := names.Refresh(ctx); err != nil {
		sdeps.Logger.Warn("initial gauge name load failed", "err", err)
	}
	controller := ethCommon.HexToAddress(cfg.GaugeController)
	return stream.NewProcessor[*Vote](
		Stream(controller, cfg.From),
		cfg.StreamConfig,
		sdeps,
		NewNormalizer(controller, ethCommon.HexToAddress(cfg.VotingEscrow), deps.Source, deps.Timestamps, names, sdeps.Logger),
		nil,
	)
}
