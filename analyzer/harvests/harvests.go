// Package harvests records the profit reported by liquid-locker
// compounders each time they harvest.
package harvests

import (
	"context"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

const (
	analyzerName = "harvests"

	cursorQuery = `
    SELECT MAX(block) FROM crv_ll_harvests WHERE compounder = $1`

	insertHarvest = `
    INSERT INTO crv_ll_harvests (
      compounder, name, underlying, profit_raw, profit, block, txn_hash, log_index, timestamp, date_str
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
)

type Compounder struct {
	Address     ethCommon.Address
	Name        string
	Symbol      string
	Underlying  ethCommon.Address
	Dialect     dialect.HarvestDialect
	DeployBlock uint64
}

func CompoundersFromConfig(cfg *config.HarvestsConfig) ([]*Compounder, error) {
	out := make([]*Compounder, 0, len(cfg.Compounders))
	for _, c := range cfg.Compounders {
		d, err := dialect.HarvestDialectFor(c.Dialect)
		if err != nil {
			return nil, fmt.Errorf("compounder %s: %w", c.Symbol, err)
		}
		out = append(out, &Compounder{
			Address:     ethCommon.HexToAddress(c.Address),
			Name:        c.Name,
			Symbol:      c.Symbol,
			Underlying:  ethCommon.HexToAddress(c.Underlying),
			Dialect:     d,
			DeployBlock: c.DeployBlock,
		})
	}
	return out, nil
}

// Stream scans the compounder's harvest event from its deploy block. The
// configured start block raises the floor further.
func (c *Compounder) Stream() *stream.Stream {
	return &stream.Stream{
		ID:          fmt.Sprintf("%s:%s", analyzerName, c.Address.Hex()),
		Addresses:   []ethCommon.Address{c.Address},
		Topics:      [][]ethCommon.Hash{{c.Dialect.Topic()}},
		FloorBlock:  c.DeployBlock,
		CursorQuery: cursorQuery,
		CursorArgs:  []interface{}{c.Address.Hex()},
	}
}

// Harvest is one reported profit.
type Harvest struct {
	Compounder *Compounder
	Profit     *big.Int
	Block      uint64
	TxHash     ethCommon.Hash
	LogIndex   uint
	Timestamp  int64
}

var _ writer.Record = (*Harvest)(nil)

// NaturalKey matches the table's uniqueness: a transaction reports a given
// profit for a compounder once.
func (h *Harvest) NaturalKey() string {
	return fmt.Sprintf("harvest:%s:%s:%s", h.TxHash.Hex(), h.Profit, h.Compounder.Address.Hex())
}

func (h *Harvest) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertHarvest,
		h.Compounder.Address.Hex(),
		h.Compounder.Symbol,
		h.Compounder.Underlying.Hex(),
		common.BigIntFromInt(h.Profit),
		common.DecimalString(h.Profit, common.DefaultDecimals),
		h.Block,
		h.TxHash.Hex(),
		int64(h.LogIndex),
		h.Timestamp,
		common.DateString(h.Timestamp),
	)
	return err
}

// TimestampReader resolves block timestamps. Satisfied by
// *blocktime.Resolver.
type TimestampReader interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

// Normalizer decodes the harvest logs of one compounder.
type Normalizer struct {
	compounder *Compounder
	timestamps TimestampReader
	logger     *log.Logger
}

var _ stream.Normalizer[*Harvest] = (*Normalizer)(nil)

func NewNormalizer(c *Compounder, timestamps TimestampReader, logger *log.Logger) *Normalizer {
	return &Normalizer{compounder: c, timestamps: timestamps, logger: logger}
}

func (n *Normalizer) Normalize(ctx context.Context, lg *ethTypes.Log) (*Harvest, error) {
	if lg.Address != n.compounder.Address {
		return nil, stream.ErrSkip
	}
	profit, err := n.compounder.Dialect.Profit(lg)
	if err != nil {
		n.logger.Warn("undecodable harvest log", "compounder", n.compounder.Symbol, "tx_hash", lg.TxHash.Hex(), "err", err)
		return nil, stream.ErrSkip
	}
	ts, err := n.timestamps.BlockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
	}
	return &Harvest{
		Compounder: n.compounder,
		Profit:     profit,
		Block:      lg.BlockNumber,
		TxHash:     lg.TxHash,
		LogIndex:   lg.Index,
		Timestamp:  int64(ts),
	}, nil
}

func NewAnalyzer(cfg *config.HarvestsConfig, deps analyzer.Deps) (analyzer.Analyzer, error) {
	compounders, err := CompoundersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	sdeps := stream.NewDeps(analyzerName, deps)

	members := make([]analyzer.Analyzer, 0, len(compounders))
	for _, c := range compounders {
		sdeps.Logger.Info("monitoring compounder", "symbol", c.Symbol, "compounder", c.Address.Hex(), "dialect", c.Dialect.Name)
		members = append(members, stream.NewProcessor[*Harvest](
			c.Stream(),
			cfg.StreamConfig,
			sdeps,
			NewNormalizer(c, deps.Timestamps, sdeps.Logger),
			nil,
		))
	}
	return analyzer.NewGroup(analyzerName, members...), nil
}
