package governance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/waveyops/ledgerwatch/analyzer/dialect"
	"github.com/waveyops/ledgerwatch/analyzer/evm"
	"github.com/waveyops/ledgerwatch/analyzer/evmabi"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/log"
)

// Topics are the voter events of a governance stream.
var Topics = []ethCommon.Hash{
	evmabi.EventID(evmabi.ResupplyVoter, "ProposalCreated"),
	evmabi.EventID(evmabi.ResupplyVoter, "VoteCast"),
	evmabi.EventID(evmabi.ResupplyVoter, "ProposalCancelled"),
	evmabi.EventID(evmabi.ResupplyVoter, "ProposalExecuted"),
	evmabi.EventID(evmabi.ResupplyVoter, "ProposalDescriptionUpdated"),
}

// TimestampReader resolves block timestamps. Satisfied by
// *blocktime.Resolver.
type TimestampReader interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

// Normalizer turns voter contract logs into governance events. Auxiliary
// reads are pinned to the log's block.
type Normalizer struct {
	caller       evm.Caller
	timestamps   TimestampReader
	votingPeriod time.Duration
	announced    map[ethCommon.Address]bool
	logger       *log.Logger
}

var _ stream.Normalizer[Event] = (*Normalizer)(nil)

// NewNormalizer creates a normalizer. Descriptions of votes are only read
// for accounts in `announced`.
func NewNormalizer(caller evm.Caller, timestamps TimestampReader, votingPeriod time.Duration, announced []ethCommon.Address, logger *log.Logger) *Normalizer {
	set := make(map[ethCommon.Address]bool, len(announced))
	for _, a := range announced {
		set[a] = true
	}
	return &Normalizer{
		caller:       caller,
		timestamps:   timestamps,
		votingPeriod: votingPeriod,
		announced:    set,
		logger:       logger,
	}
}

func (n *Normalizer) Normalize(ctx context.Context, lg *ethTypes.Log) (Event, error) {
	event, args, err := dialect.Decode(evmabi.ResupplyVoter, lg)
	if err != nil {
		n.logger.Warn("undecodable voter log", "tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "err", err)
		return nil, stream.ErrSkip
	}
	ts, err := n.timestamps.BlockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
	}
	meta := Meta{
		Voter:     lg.Address,
		Block:     lg.BlockNumber,
		TxHash:    lg.TxHash,
		LogIndex:  lg.Index,
		Timestamp: int64(ts),
	}

	switch event.Name {
	case "ProposalCreated":
		id, err := args.Uint64("id")
		if err != nil {
			return nil, err
		}
		proposer, err := args.Address("account")
		if err != nil {
			return nil, err
		}
		epoch, err := args.Uint64("epoch")
		if err != nil {
			return nil, err
		}
		quorum, err := args.BigInt("quorumWeight")
		if err != nil {
			return nil, err
		}
		description, err := n.description(ctx, meta, id)
		if err != nil {
			return nil, err
		}
		return &ProposalCreated{
			Meta:        meta,
			ProposalID:  id,
			Proposer:    proposer,
			Epoch:       epoch,
			Quorum:      quorum,
			Description: description,
			EndTime:     meta.Timestamp + int64(n.votingPeriod/time.Second),
		}, nil

	case "VoteCast":
		id, err := args.Uint64("id")
		if err != nil {
			return nil, err
		}
		account, err := args.Address("account")
		if err != nil {
			return nil, err
		}
		yes, err := args.BigInt("weightYes")
		if err != nil {
			return nil, err
		}
		no, err := args.BigInt("weightNo")
		if err != nil {
			return nil, err
		}
		vote := &VoteCast{
			Meta:       meta,
			ProposalID: id,
			Account:    account,
			WeightYes:  yes,
			WeightNo:   no,
		}
		if n.announced[account] {
			if vote.Description, err = n.description(ctx, meta, id); err != nil {
				return nil, err
			}
		}
		return vote, nil

	case "ProposalCancelled", "ProposalExecuted":
		id, err := args.Uint64("proposalId")
		if err != nil {
			return nil, err
		}
		kind := KindCancelled
		if event.Name == "ProposalExecuted" {
			kind = KindExecuted
		}
		description, err := n.description(ctx, meta, id)
		if err != nil {
			return nil, err
		}
		return &ProposalUpdated{Meta: meta, Kind: kind, ProposalID: id, Description: description}, nil

	case "ProposalDescriptionUpdated":
		id, err := args.Uint64("proposalId")
		if err != nil {
			return nil, err
		}
		description, err := args.String("description")
		if err != nil {
			return nil, err
		}
		return &ProposalUpdated{Meta: meta, Kind: KindDescriptionUpdated, ProposalID: id, Description: description}, nil
	}
	return nil, stream.ErrSkip
}

// description reads proposalDescription(id) at the event's block. A
// revert yields an empty description rather than blocking the stream.
func (n *Normalizer) description(ctx context.Context, meta Meta, id uint64) (string, error) {
	s, err := evm.CallString(ctx, n.caller, meta.Block, meta.Voter, evmabi.ResupplyVoter, "proposalDescription", new(big.Int).SetUint64(id))
	if errors.Is(err, evm.DeterministicError{}) {
		n.logger.Warn("proposal description unavailable", "proposal_id", id, "voter_contract", meta.Voter.Hex(), "err", err)
		return "", nil
	}
	return s, err
}
