package incentives

import (
	"context"
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

// Distribution is one incentive transfer with its bucket split and the
// efficiency of the votes it paid for.
type Distribution struct {
	Protocol    string
	PeriodStart int64
	// Epoch is nil for programs without an emissions controller.
	Epoch     *int64
	Block     uint64
	TxHash    ethCommon.Hash
	LogIndex  uint
	Timestamp int64
	Amounts
	Efficiency
}

var _ writer.Record = (*Distribution)(nil)

func (d *Distribution) NaturalKey() string {
	return fmt.Sprintf("%s:%s:%d", d.Protocol, d.TxHash.Hex(), d.LogIndex)
}

func (d *Distribution) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	gauges := d.Gauges
	if gauges == nil {
		gauges = []GaugeWeight{}
	}
	_, err := tx.Exec(ctx, insertDistribution,
		d.Protocol,
		d.PeriodStart,
		d.PeriodTs,
		d.Epoch,
		d.TxHash.Hex(),
		int64(d.LogIndex),
		d.Block,
		d.Timestamp,
		common.DateString(d.PeriodStart),
		common.BigIntFromInt(d.Total),
		common.BigIntFromInt(d.Votium),
		common.BigIntFromInt(d.Votemarket),
		tokens(d.Total),
		tokens(d.Votium),
		tokens(d.Votemarket),
		d.TotalBias,
		d.VotiumBias,
		d.VotemarketBias,
		d.Price,
		d.VotiumVotesPerUSD,
		d.VotemarketVotesPerUSD,
		gauges,
	)
	return err
}

// PeriodMarker records that every transfer of a period is stored.
type PeriodMarker struct {
	Protocol    string
	PeriodStart int64
	StartBlock  uint64
	EndBlock    uint64
	Transfers   int
}

var _ writer.Record = (*PeriodMarker)(nil)

func (m *PeriodMarker) NaturalKey() string {
	return fmt.Sprintf("period:%s:%d", m.Protocol, m.PeriodStart)
}

func (m *PeriodMarker) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertPeriod, m.Protocol, m.PeriodStart, m.StartBlock, m.EndBlock, m.Transfers)
	return err
}
