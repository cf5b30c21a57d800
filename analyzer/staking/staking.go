// Package staking ingests stake and reward activity of the Yearn boosted
// staker deployments listed in the staking registry.
//
// Every deployment contributes four streams: Staked and Unstaked on the
// staker, RewardDeposited and RewardsClaimed on its reward distributor.
// Each stream keeps its own cursor, so a stalled event type never holds
// back the others.
package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/util"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
)

const analyzerName = "staking"

// Deployment is one staker with its reward distributor.
type Deployment struct {
	Token    ethCommon.Address
	Symbol   string
	Decimals int32
	YBS      ethCommon.Address
	Rewards  ethCommon.Address
	Utils    ethCommon.Address
}

// Discover lists the registry's deployments as of `head`.
func Discover(ctx context.Context, caller evm.Caller, head uint64, registry ethCommon.Address, logger *log.Logger) ([]*Deployment, error) {
	n, err := evm.CallBigInt(ctx, caller, head, registry, evmabi.YBSRegistry, "numTokens")
	if err != nil {
		return nil, fmt.Errorf("registry numTokens: %w", err)
	}
	if !n.IsUint64() {
		return nil, evm.NewDeterministicError(fmt.Errorf("registry numTokens out of range: %s", n))
	}

	var deployments []*Deployment
	for i := uint64(0); i < n.Uint64(); i++ {
		token, err := evm.CallAddress(ctx, caller, head, registry, evmabi.YBSRegistry, "tokens", new(big.Int).SetUint64(i))
		if err != nil {
			return nil, fmt.Errorf("registry tokens(%d): %w", i, err)
		}
		out, err := evm.CallWithABI(ctx, caller, head, registry, evmabi.YBSRegistry, "deployments", token)
		if err != nil {
			return nil, fmt.Errorf("registry deployments(%s): %w", token.Hex(), err)
		}
		addrs := make([]ethCommon.Address, len(out))
		for j, v := range out {
			a, ok := v.(ethCommon.Address)
			if !ok {
				return nil, evm.NewDeterministicError(fmt.Errorf("registry deployments(%s): output %d is %T", token.Hex(), j, v))
			}
			addrs[j] = a
		}
		if len(addrs) != 3 {
			return nil, evm.NewDeterministicError(fmt.Errorf("registry deployments(%s): %d outputs", token.Hex(), len(addrs)))
		}
		symbol, err := evm.CallString(ctx, caller, head, token, evmabi.ERC20, "symbol")
		switch {
		case errors.Is(err, evm.DeterministicError{}):
			logger.Warn("token symbol unavailable", "token", token.Hex(), "err", err)
		case err != nil:
			return nil, fmt.Errorf("token %s symbol: %w", token.Hex(), err)
		}
		deployments = append(deployments, &Deployment{
			Token:    token,
			Symbol:   symbol,
			Decimals: common.DefaultDecimals,
			YBS:      addrs[0],
			Rewards:  addrs[1],
			Utils:    addrs[2],
		})
	}
	return deployments, nil
}

func isDeterministic(err error) bool {
	return errors.Is(err, evm.DeterministicError{})
}

func eventStream(contract ethCommon.Address, event string, topic ethCommon.Hash, floor uint64, cursorQuery string, flag bool) *stream.Stream {
	return &stream.Stream{
		ID:          fmt.Sprintf("%s:%s:%s", analyzerName, contract.Hex(), event),
		Addresses:   []ethCommon.Address{contract},
		Topics:      [][]ethCommon.Hash{{topic}},
		FloorBlock:  floor,
		CursorQuery: cursorQuery,
		CursorArgs:  []interface{}{contract.Hex(), flag},
	}
}

// StakeStreams returns the Staked and Unstaked streams of a deployment.
func StakeStreams(d *Deployment, floor uint64) []*stream.Stream {
	return []*stream.Stream{
		eventStream(d.YBS, "Staked", evmabi.EventID(evmabi.YearnBoostedStaker, "Staked"), floor, stakeCursorQuery, true),
		eventStream(d.YBS, "Unstaked", evmabi.EventID(evmabi.YearnBoostedStaker, "Unstaked"), floor, stakeCursorQuery, false),
	}
}

// RewardStreams returns the RewardDeposited and RewardsClaimed streams of a
// deployment.
func RewardStreams(d *Deployment, floor uint64) []*stream.Stream {
	return []*stream.Stream{
		eventStream(d.Rewards, "RewardDeposited", evmabi.EventID(evmabi.SingleTokenRewardDistributor, "RewardDeposited"), floor, rewardCursorQuery, false),
		eventStream(d.Rewards, "RewardsClaimed", evmabi.EventID(evmabi.SingleTokenRewardDistributor, "RewardsClaimed"), floor, rewardCursorQuery, true),
	}
}

// Floor returns the first block to scan for `contract`: its creation block
// when discovery is enabled and succeeds, the configured block otherwise.
func Floor(ctx context.Context, source evm.CodeReader, contract ethCommon.Address, cfg *config.StakingConfig, logger *log.Logger) uint64 {
	if !cfg.DiscoverFloor {
		return cfg.From
	}
	block, err := evm.ContractCreationBlock(ctx, source, contract)
	if err != nil {
		logger.Warn("contract creation block not found; using configured floor", "contract", contract.Hex(), "err", err)
		return cfg.From
	}
	return block
}

func NewAnalyzer(ctx context.Context, cfg *config.StakingConfig, deps analyzer.Deps) (analyzer.Analyzer, error) {
	sdeps := stream.NewDeps(analyzerName, deps)
	logger := sdeps.Logger

	backoff, err := util.NewBackoff(time.Second, time.Minute)
	if err != nil {
		return nil, err
	}
	var deployments []*Deployment
	err = util.Retry(ctx, backoff, isDeterministic, logger, "discovering staking deployments", func(ctx context.Context) error {
		head, err := deps.Source.LatestHeight(ctx)
		if err != nil {
			return fmt.Errorf("latest height: %w", err)
		}
		deployments, err = Discover(ctx, deps.Source, head, ethCommon.HexToAddress(cfg.Registry), logger)
		return err
	})
	if err != nil {
		return nil, err
	}

	stakes := NewStakeNormalizer(deployments, deps.Timestamps, logger)
	rewards := NewRewardNormalizer(deployments, deps.Timestamps, logger)

	var members []analyzer.Analyzer
	for _, d := range deployments {
		logger.Info("monitoring staking deployment",
			"symbol", d.Symbol,
			"token", d.Token.Hex(),
			"ybs", d.YBS.Hex(),
			"rewards", d.Rewards.Hex(),
		)
		for _, s := range StakeStreams(d, Floor(ctx, deps.Source, d.YBS, cfg, logger)) {
			members = append(members, stream.NewProcessor[*StakeChange](s, cfg.StreamConfig, sdeps, stakes, nil))
		}
		for _, s := range RewardStreams(d, Floor(ctx, deps.Source, d.Rewards, cfg, logger)) {
			members = append(members, stream.NewProcessor[*RewardEvent](s, cfg.StreamConfig, sdeps, rewards, nil))
		}
	}
	return analyzer.NewGroup(analyzerName, members...), nil
}
