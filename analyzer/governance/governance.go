// Package governance ingests Resupply DAO voter events and drives the
// proposal lifecycle.
//
// Each voter contract is one stream over all five voter events, so a
// proposal's creation is always applied before the votes that follow it
// in the same range. A separate lifecycle loop re-evaluates every
// non-terminal proposal against the clock.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/item"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/util"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
)

const analyzerName = "governance"

// DiscoverVoters returns the configured voter contracts plus the
// registry's current VOTER. A reverting or zero registry answer is logged
// and ignored; any other call error is returned.
func DiscoverVoters(ctx context.Context, caller evm.Caller, head uint64, cfg *config.GovernanceConfig, logger *log.Logger) ([]ethCommon.Address, error) {
	voters, err := common.ParseAddresses(cfg.Voters)
	if err != nil {
		return nil, err
	}
	if cfg.Registry == "" {
		return voters, nil
	}
	registry := ethCommon.HexToAddress(cfg.Registry)
	current, err := evm.CallAddress(ctx, caller, head, registry, evmabi.ResupplyRegistry, "getAddress", "VOTER")
	switch {
	case errors.Is(err, evm.DeterministicError{}):
		logger.Error("error getting registry voter; continuing with configured voters", "registry", registry.Hex(), "err", err)
		return voters, nil
	case err != nil:
		return nil, fmt.Errorf("registry voter: %w", err)
	case current == common.ZeroAddress:
		return voters, nil
	}
	for _, v := range voters {
		if v == current {
			return voters, nil
		}
	}
	logger.Info("added registry voter", "voter_contract", current.Hex())
	return append(voters, current), nil
}

// VoterStream describes the stream of one voter contract.
func VoterStream(voter ethCommon.Address, floor uint64) *stream.Stream {
	return &stream.Stream{
		ID:          fmt.Sprintf("%s:%s", analyzerName, voter.Hex()),
		Addresses:   []ethCommon.Address{voter},
		Topics:      [][]ethCommon.Hash{Topics},
		FloorBlock:  floor,
		CursorQuery: cursorQuery,
		CursorArgs:  []interface{}{voter.Hex()},
	}
}

// TimingFromConfig extracts the lifecycle windows.
func TimingFromConfig(cfg *config.GovernanceConfig) Timing {
	return Timing{
		ExecutionDelay:    cfg.ExecutionDelay,
		ExecutionDeadline: cfg.ExecutionDeadline,
		EndingSoonWindow:  cfg.EndingSoonWindow,
	}
}

// NewAnalyzer creates one stream per voter contract and the lifecycle
// loop, grouped as a single analyzer.
func NewAnalyzer(ctx context.Context, cfg *config.GovernanceConfig, deps analyzer.Deps) (analyzer.Analyzer, error) {
	sdeps := stream.NewDeps(analyzerName, deps)
	logger := sdeps.Logger

	if _, err := common.ParseAddresses(cfg.Voters); err != nil {
		return nil, err
	}
	backoff, err := util.NewBackoff(time.Second, time.Minute)
	if err != nil {
		return nil, err
	}
	var voters []ethCommon.Address
	err = util.Retry(ctx, backoff, nil, logger, "discovering voter contracts", func(ctx context.Context) error {
		head, err := deps.Source.LatestHeight(ctx)
		if err != nil {
			return fmt.Errorf("latest height: %w", err)
		}
		voters, err = DiscoverVoters(ctx, deps.Source, head, cfg, logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	permastakers, err := common.ParseAddresses(cfg.Permastakers)
	if err != nil {
		return nil, err
	}
	announced := make(map[ethCommon.Address]bool, len(permastakers))
	for _, a := range permastakers {
		announced[a] = true
	}

	normalizer := NewNormalizer(deps.Source, deps.Timestamps, cfg.VotingPeriod, permastakers, logger)
	formatter := &Formatter{Channel: cfg.Channel, Announced: announced}

	var (
		members []analyzer.Analyzer
		streams []*stream.Stream
	)
	for _, voter := range voters {
		logger.Info("monitoring voter contract", "voter_contract", voter.Hex())
		s := VoterStream(voter, cfg.From)
		streams = append(streams, s)
		members = append(members, stream.NewProcessor[Event](
			s,
			cfg.StreamConfig,
			sdeps,
			normalizer,
			formatter.Format,
		))
	}

	timing := TimingFromConfig(cfg)
	ingestion := NewStreamIngestion(stream.NewSQLCursorStore(deps.Target, analyzerName), deps.Timestamps, streams)
	lifecycle := NewLifecycle(NewSQLProposalStore(deps.Target), ingestion, timing, cfg.Channel, deps.Sink, nil, logger.With("loop", "lifecycle"))
	members = append(members, item.NewAnalyzer[Proposal](
		analyzerName,
		"proposals",
		item.Config{Interval: cfg.LifecycleInterval},
		lifecycle,
		logger,
		sdeps.Metrics,
	))

	return analyzer.NewGroup(analyzerName, members...), nil
}
