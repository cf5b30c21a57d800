package staking

import (
	"context"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/common"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

// Position locates a log on chain.
type Position struct {
	Block     uint64
	TxHash    ethCommon.Hash
	LogIndex  uint
	Timestamp int64
}

// StakeChange is a Staked or Unstaked event of a staker.
type StakeChange struct {
	Position
	Deployment *Deployment
	Account    ethCommon.Address
	IsStake    bool
	Amount     *big.Int
	Week       uint64
	NewWeight  *big.Int
	// WeightChange is the weight added or removed, unsigned.
	WeightChange *big.Int
}

var _ writer.Record = (*StakeChange)(nil)

func (s *StakeChange) NaturalKey() string {
	return fmt.Sprintf("stake:%s:%d", s.TxHash.Hex(), s.LogIndex)
}

// NetWeightChange is positive for stakes and negative for unstakes.
func (s *StakeChange) NetWeightChange() *big.Int {
	if s.IsStake {
		return new(big.Int).Set(s.WeightChange)
	}
	return new(big.Int).Neg(s.WeightChange)
}

func (s *StakeChange) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertStake,
		s.Deployment.YBS.Hex(),
		s.Deployment.Token.Hex(),
		s.Account.Hex(),
		s.IsStake,
		common.BigIntFromInt(s.Amount),
		common.MustScaleDown(s.Amount, s.Deployment.Decimals),
		int64(s.Week),
		common.BigIntFromInt(s.NewWeight),
		common.BigIntFromInt(s.NetWeightChange()),
		s.Block,
		s.TxHash.Hex(),
		int64(s.LogIndex),
		s.Timestamp,
		common.DateString(s.Timestamp),
	)
	return err
}

// RewardEvent is a RewardDeposited or RewardsClaimed event of a reward
// distributor.
type RewardEvent struct {
	Position
	Deployment *Deployment
	IsClaim    bool
	// Account is the depositor of a deposit or the claimant of a claim.
	Account ethCommon.Address
	Amount  *big.Int
	Week    uint64
}

var _ writer.Record = (*RewardEvent)(nil)

func (r *RewardEvent) NaturalKey() string {
	return fmt.Sprintf("reward:%s:%d", r.TxHash.Hex(), r.LogIndex)
}

func (r *RewardEvent) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertReward,
		r.Deployment.YBS.Hex(),
		r.Deployment.Token.Hex(),
		r.Deployment.Rewards.Hex(),
		r.IsClaim,
		r.Account.Hex(),
		common.BigIntFromInt(r.Amount),
		common.MustScaleDown(r.Amount, r.Deployment.Decimals),
		int64(r.Week),
		r.Block,
		r.TxHash.Hex(),
		int64(r.LogIndex),
		r.Timestamp,
		common.DateString(r.Timestamp),
	)
	return err
}
