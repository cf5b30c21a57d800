package staking

import (
	"context"
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/log"
)

// TimestampReader resolves block timestamps. Satisfied by
// *blocktime.Resolver.
type TimestampReader interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

func position(ctx context.Context, timestamps TimestampReader, lg *ethTypes.Log) (Position, error) {
	ts, err := timestamps.BlockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return Position{}, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
	}
	return Position{
		Block:     lg.BlockNumber,
		TxHash:    lg.TxHash,
		LogIndex:  lg.Index,
		Timestamp: int64(ts),
	}, nil
}

// StakeNormalizer decodes staker logs of known deployments.
type StakeNormalizer struct {
	byStaker   map[ethCommon.Address]*Deployment
	timestamps TimestampReader
	logger     *log.Logger
}

var _ stream.Normalizer[*StakeChange] = (*StakeNormalizer)(nil)

func NewStakeNormalizer(deployments []*Deployment, timestamps TimestampReader, logger *log.Logger) *StakeNormalizer {
	byStaker := make(map[ethCommon.Address]*Deployment, len(deployments))
	for _, d := range deployments {
		byStaker[d.YBS] = d
	}
	return &StakeNormalizer{byStaker: byStaker, timestamps: timestamps, logger: logger}
}

func (n *StakeNormalizer) Normalize(ctx context.Context, lg *ethTypes.Log) (*StakeChange, error) {
	d, ok := n.byStaker[lg.Address]
	if !ok {
		return nil, stream.ErrSkip
	}
	event, args, err := dialect.Decode(evmabi.YearnBoostedStaker, lg)
	if err != nil {
		n.logger.Warn("undecodable staker log", "tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "err", err)
		return nil, stream.ErrSkip
	}
	var change StakeChange
	switch event.Name {
	case "Staked":
		change.IsStake = true
		change.WeightChange, err = args.BigInt("weightAdded")
	case "Unstaked":
		change.WeightChange, err = args.BigInt("weightRemoved")
	default:
		return nil, stream.ErrSkip
	}
	if err != nil {
		return nil, err
	}
	if change.Account, err = args.Address("account"); err != nil {
		return nil, err
	}
	if change.Amount, err = args.BigInt("amount"); err != nil {
		return nil, err
	}
	if change.Week, err = args.Uint64("week"); err != nil {
		return nil, err
	}
	if change.NewWeight, err = args.BigInt("newUserWeight"); err != nil {
		return nil, err
	}
	if change.Position, err = position(ctx, n.timestamps, lg); err != nil {
		return nil, err
	}
	change.Deployment = d
	return &change, nil
}

// RewardNormalizer decodes reward distributor logs of known deployments.
type RewardNormalizer struct {
	byDistributor map[ethCommon.Address]*Deployment
	timestamps    TimestampReader
	logger        *log.Logger
}

var _ stream.Normalizer[*RewardEvent] = (*RewardNormalizer)(nil)

func NewRewardNormalizer(deployments []*Deployment, timestamps TimestampReader, logger *log.Logger) *RewardNormalizer {
	byDistributor := make(map[ethCommon.Address]*Deployment, len(deployments))
	for _, d := range deployments {
		byDistributor[d.Rewards] = d
	}
	return &RewardNormalizer{byDistributor: byDistributor, timestamps: timestamps, logger: logger}
}

func (n *RewardNormalizer) Normalize(ctx context.Context, lg *ethTypes.Log) (*RewardEvent, error) {
	d, ok := n.byDistributor[lg.Address]
	if !ok {
		return nil, stream.ErrSkip
	}
	event, args, err := dialect.Decode(evmabi.SingleTokenRewardDistributor, lg)
	if err != nil {
		n.logger.Warn("undecodable reward distributor log", "tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "err", err)
		return nil, stream.ErrSkip
	}
	var reward RewardEvent
	switch event.Name {
	case "RewardDeposited":
		reward.Account, err = args.Address("depositor")
	case "RewardsClaimed":
		reward.IsClaim = true
		reward.Account, err = args.Address("account")
	default:
		return nil, stream.ErrSkip
	}
	if err != nil {
		return nil, err
	}
	if reward.Amount, err = args.BigInt("rewardAmount"); err != nil {
		return nil, err
	}
	if reward.Week, err = args.Uint64("week"); err != nil {
		return nil, err
	}
	if reward.Position, err = position(ctx, n.timestamps, lg); err != nil {
		return nil, err
	}
	reward.Deployment = d
	return &reward, nil
}
