package incentives_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/analyzer/blocktime"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi/evmabitest"
	"github.com/waveyops/ledgerwatch/analyzer/incentives"
	"github.com/waveyops/ledgerwatch/analyzer/item"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/notifier/notifiertest"
	"github.com/waveyops/ledgerwatch/storage/storagetest"
)

// period is the first period of the test program. With the ledger's
// default schedule its boundary blocks are 25_067 and 75_467.
const period = 2646 * incentives.Week

var (
	controller = ethCommon.HexToAddress(config.CurveGaugeController)
	convex     = ethCommon.HexToAddress(config.ConvexCurveVoter)
	prisma     = ethCommon.HexToAddress("0x2F50D538606Fa9EDD2B11E2446BEb18C9D5846bB")
	gaugeA     = ethCommon.HexToAddress("0x09F62a6777032329C0d49F1FD4fBe9b3468CDa56")
	gaugeB     = ethCommon.HexToAddress("0xaF01d68714E7eA67f43f08b5947e367126B889b1")
)

type fixedPrice struct {
	price float64
	err   error
}

func (f fixedPrice) Price(context.Context, ethCommon.Address) (float64, error) {
	return f.price, f.err
}

// storedPeriods reads period markers back from the store.
type storedPeriods struct {
	store *storagetest.Store
}

func (s storedPeriods) LastPeriod(_ context.Context, protocol string) (*int64, error) {
	var last *int64
	for _, st := range s.store.CommittedMatching("INSERT INTO incentive_periods") {
		if st.Args[0] != protocol {
			continue
		}
		p := st.Args[1].(int64)
		if last == nil || p > *last {
			last = &p
		}
	}
	return last, nil
}

type clock struct{ now int64 }

func (c *clock) Now() time.Time { return time.Unix(c.now, 0) }

func resupplyProgram() *incentives.Program {
	return &incentives.Program{
		Protocol:            "resupply",
		Kind:                config.ProgramResupply,
		Token:               token,
		Symbol:              "RSUP",
		Source:              source,
		Recipient:           multisig,
		VotiumTarget:        deployer,
		EmissionsController: source,
		GaugeController:     controller,
		Voters:              []ethCommon.Address{convex, prisma},
		Gauges: []incentives.Gauge{
			{Address: gaugeA, Name: "RSUP_WETH"},
			{Address: gaugeB, Name: "REUSD_SCRVUSD"},
		},
		StartTimestamp: period + 3600,
		Channel:        "resupply_incentives",
	}
}

func scriptLedger(t *testing.T) *storagetest.Ledger {
	ledger := storagetest.NewLedger(100_000)
	next := big.NewInt(period + incentives.Week)

	ledger.Respond(source, evmabi.EmissionsController, "getEpoch", func([]interface{}, uint64) ([]interface{}, error) {
		return []interface{}{big.NewInt(42)}, nil
	})
	ledger.Respond(controller, evmabi.GaugeController, "vote_user_slopes", func(args []interface{}, _ uint64) ([]interface{}, error) {
		slope := big.NewInt(1e15)
		lock := int64(100_000)
		if args[0].(ethCommon.Address) == prisma {
			lock = 50_000
		}
		end := new(big.Int).Add(next, big.NewInt(lock))
		return []interface{}{slope, big.NewInt(10_000), end}, nil
	})
	ledger.Respond(controller, evmabi.GaugeController, "points_weight", func(args []interface{}, _ uint64) ([]interface{}, error) {
		if args[0].(ethCommon.Address) == gaugeB {
			return nil, errors.New("node unavailable")
		}
		return []interface{}{e18(1_000), big.NewInt(0)}, nil
	})
	ledger.Respond(controller, evmabi.GaugeController, "gauge_relative_weight", func([]interface{}, uint64) ([]interface{}, error) {
		return []interface{}{new(big.Int).Div(e18(1), big.NewInt(4))}, nil
	})

	pos := evmabitest.Position{Block: 30_000, TxHash: evmabitest.Hash(1), LogIndex: 5}
	distro := transferLog(t, token, source, multisig, e18(1_000), pos)
	pos.LogIndex = 6
	forward := transferLog(t, token, multisig, deployer, e18(400), pos)
	// Same token and sender, other receiver: not a distribution.
	stray := transferLog(t, token, source, vmHelper, e18(7), evmabitest.Position{Block: 30_001, TxHash: evmabitest.Hash(2)})
	ledger.AddLogs(distro, forward, stray)
	ledger.AddReceipt(&ethTypes.Receipt{TxHash: distro.TxHash, Logs: []*ethTypes.Log{&distro, &forward}})
	return ledger
}

type fixture struct {
	ledger    *storagetest.Ledger
	store     *storagetest.Store
	sink      *notifiertest.Sink
	clock     *clock
	processor *incentives.Processor
	analyzer  item.Analyzer
}

func newFixture(t *testing.T, prices fixedPrice) *fixture {
	f := &fixture{
		ledger: scriptLedger(t),
		store:  storagetest.NewStore(),
		sink:   &notifiertest.Sink{},
		clock:  &clock{now: period + 2*incentives.Week + 60},
	}
	f.processor = incentives.NewProcessor(resupplyProgram(), incentives.Deps{
		Source:  f.ledger,
		Times:   blocktime.NewResolver(f.ledger, nil, log.NewNopLogger()),
		Periods: storedPeriods{f.store},
		Writer:  writer.New(f.store, log.NewNopLogger(), nil),
		Prices:  prices,
		Sink:    f.sink,
		Clock:   f.clock.Now,
		Logger:  log.NewNopLogger(),
	})
	f.analyzer = item.NewAnalyzer[int64]("incentives", "resupply", item.Config{Ordered: true}, f.processor, log.NewNopLogger(), nil)
	return f
}

func TestProcessPeriod(t *testing.T) {
	f := newFixture(t, fixedPrice{price: 0.5})
	ctx := context.Background()

	res, err := f.analyzer.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Queued)
	require.Equal(t, 1, res.Processed)
	require.True(t, res.Deferred, "the second period has not ended on chain")

	rows := f.store.CommittedMatching("INSERT INTO incentives")
	require.Len(t, rows, 1)
	args := rows[0].Args
	require.Equal(t, "resupply", args[0])
	require.Equal(t, period, args[1])
	require.Equal(t, period+incentives.Week, args[2])
	require.Equal(t, int64(42), *args[3].(*int64))
	require.Equal(t, evmabitest.Hash(1).Hex(), args[4])
	require.Equal(t, int64(5), args[5])
	require.Equal(t, 1_000.0, args[12])
	require.Equal(t, 400.0, args[13])
	require.Equal(t, 600.0, args[14])
	require.Equal(t, 1_000.0, args[15], "total bias")
	require.Equal(t, 100.0, args[16], "votium bias")
	require.Equal(t, 850.0, args[17], "votemarket bias excludes every voter")
	require.Equal(t, 0.5, *args[18].(*float64))
	require.Equal(t, 1.0, *args[19].(*float64))
	require.InDelta(t, 850.0/150.0, *args[20].(*float64), 1e-9)
	gauges := args[21].([]incentives.GaugeWeight)
	require.Len(t, gauges, 1, "the unreadable gauge is left out")
	require.Equal(t, "RSUP_WETH", gauges[0].Name)
	require.Equal(t, 50.0, gauges[0].OtherBias)
	require.Equal(t, 0.25, gauges[0].RelativeWeight)

	markers := f.store.CommittedMatching("INSERT INTO incentive_periods")
	require.Len(t, markers, 1)
	require.Equal(t, []interface{}{"resupply", period, uint64(25_066), uint64(75_466), 1}, markers[0].Args)

	texts := f.sink.Texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "🎯 *RSUP Incentives Report*")
	require.Contains(t, texts[0], "Epoch 42 distributions | Effective 09/24/20")
	require.Contains(t, texts[0], "- 100 votes for 400 RSUP")
	require.Contains(t, texts[0], "- 850 votes for 600 RSUP")
	require.Contains(t, texts[0], "[RSUP_WETH](https://crv.lol/?gauge="+gaugeA.Hex()+")")
	require.Contains(t, texts[0], "- Votes: 1,000 (25.00%)")
	require.NotContains(t, texts[0], "REUSD_SCRVUSD")
	require.Equal(t, "resupply_incentives", f.sink.Messages()[0].Channel)

	// Deferred periods stay missing and leave no trace.
	res, err = f.analyzer.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Queued)
	require.True(t, res.Deferred)
	require.Len(t, f.store.Committed(), 2)

	// Once the chain and the clock move on, the remaining periods complete.
	f.ledger.Head = 200_000
	f.clock.now = period + 3*incentives.Week + 60
	res, err = f.analyzer.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Len(t, f.store.CommittedMatching("INSERT INTO incentive_periods"), 3)
	require.Len(t, f.sink.Texts(), 1)

	// Reprocessing a stored period is harmless.
	require.NoError(t, f.processor.ProcessItem(ctx, period))
	require.Len(t, f.store.CommittedMatching("INSERT INTO incentives"), 1)
	require.Len(t, f.sink.Texts(), 1)
}

func TestFuturePeriodIsSkipped(t *testing.T) {
	f := newFixture(t, fixedPrice{price: 0.5})
	ctx := context.Background()

	err := f.processor.ProcessItem(ctx, f.clock.now+incentives.Week)
	require.ErrorIs(t, err, item.ErrDeferred)
	require.Empty(t, f.store.Committed())

	periods, err := f.processor.GetItems(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{period, period + incentives.Week}, periods)
}

func TestMissingPriceDegrades(t *testing.T) {
	f := newFixture(t, fixedPrice{err: errors.New("price unavailable")})

	require.NoError(t, f.processor.ProcessItem(context.Background(), period))
	args := f.store.CommittedMatching("INSERT INTO incentives")[0].Args
	require.Nil(t, args[18].(*float64))
	require.Nil(t, args[19].(*float64))
	require.Nil(t, args[20].(*float64))
	require.Equal(t, 100.0, args[16], "biases do not need a price")
}

func TestFailedPeriodIsRetried(t *testing.T) {
	f := newFixture(t, fixedPrice{price: 0.5})
	f.ledger.LogsErr = errors.New("query returned more than 10000 results")
	ctx := context.Background()

	_, err := f.analyzer.RunPass(ctx)
	require.Error(t, err)
	require.Empty(t, f.store.Committed())

	f.ledger.LogsErr = nil
	periods, err := f.processor.GetItems(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(period), periods[0])
}
