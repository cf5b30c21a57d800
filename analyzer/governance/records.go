package governance

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

// Meta locates a governance event on chain.
type Meta struct {
	Voter     ethCommon.Address
	Block     uint64
	TxHash    ethCommon.Hash
	LogIndex  uint
	Timestamp int64
}

func (m Meta) dateStr() string {
	return common.DateString(m.Timestamp)
}

// Event is a normalized governance event.
type Event interface {
	writer.Record
	meta() Meta
}

// ProposalCreated opens a proposal.
type ProposalCreated struct {
	Meta
	ProposalID  uint64
	Proposer    ethCommon.Address
	Epoch       uint64
	Quorum      *big.Int
	Description string
	EndTime     int64
}

var _ Event = (*ProposalCreated)(nil)

func (e *ProposalCreated) meta() Meta { return e.Meta }

func (e *ProposalCreated) NaturalKey() string {
	return fmt.Sprintf("proposal:%s:%d", e.Voter.Hex(), e.ProposalID)
}

func (e *ProposalCreated) Persist(ctx context.Context, tx storage.Tx, _ *log.Logger) error {
	_, err := tx.Exec(ctx, insertProposal,
		e.ProposalID,
		e.Voter.Hex(),
		storage.SanitizeString(e.Description),
		e.Proposer.Hex(),
		e.Epoch,
		e.Timestamp,
		e.EndTime,
		common.BigIntFromInt(e.Quorum),
		e.Block,
		e.TxHash.Hex(),
		e.Timestamp,
		e.dateStr(),
	)
	return err
}

// VoteCast records a vote and adds its weights to the proposal totals.
type VoteCast struct {
	Meta
	ProposalID uint64
	Account    ethCommon.Address
	WeightYes  *big.Int
	WeightNo   *big.Int
	// Description is only resolved for votes that are announced.
	Description string
}

var _ Event = (*VoteCast)(nil)

func (e *VoteCast) meta() Meta { return e.Meta }

// Support is true for a yes vote.
func (e *VoteCast) Support() bool {
	return e.WeightYes.Sign() > 0
}

// Weight is the weight of the side voted for.
func (e *VoteCast) Weight() *big.Int {
	if e.Support() {
		return e.WeightYes
	}
	return e.WeightNo
}

func (e *VoteCast) NaturalKey() string {
	return fmt.Sprintf("vote:%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Persist inserts the vote and updates the proposal aggregate in the same
// transaction. A vote for an unknown proposal is still recorded.
func (e *VoteCast) Persist(ctx context.Context, tx storage.Tx, logger *log.Logger) error {
	if _, err := tx.Exec(ctx, insertVote,
		e.ProposalID,
		e.Voter.Hex(),
		e.Account.Hex(),
		e.Support(),
		common.BigIntFromInt(e.Weight()),
		common.BigIntFromInt(e.WeightYes),
		common.BigIntFromInt(e.WeightNo),
		e.Block,
		e.TxHash.Hex(),
		int64(e.LogIndex),
		e.Timestamp,
		e.dateStr(),
	); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, addVoteTotals,
		e.ProposalID,
		e.Voter.Hex(),
		common.BigIntFromInt(e.WeightYes),
		common.BigIntFromInt(e.WeightNo),
		e.Block,
	)
	if err != nil {
		return fmt.Errorf("updating vote totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		logger.Warn("vote for unknown proposal",
			"proposal_id", e.ProposalID,
			"voter_contract", e.Voter.Hex(),
			"tx_hash", e.TxHash.Hex(),
		)
	}
	return nil
}

// EventKind distinguishes the events that mutate an existing proposal.
type EventKind string

const (
	KindCancelled          EventKind = "cancelled"
	KindExecuted           EventKind = "executed"
	KindDescriptionUpdated EventKind = "description_updated"
)

// ProposalUpdated is a cancellation, execution or description update.
type ProposalUpdated struct {
	Meta
	Kind       EventKind
	ProposalID uint64
	// Description is the proposal's description as of the event's block.
	Description string
}

var _ Event = (*ProposalUpdated)(nil)

func (e *ProposalUpdated) meta() Meta { return e.Meta }

func (e *ProposalUpdated) NaturalKey() string {
	return fmt.Sprintf("%s:%s:%d", e.Kind, e.TxHash.Hex(), e.LogIndex)
}

func (e *ProposalUpdated) Persist(ctx context.Context, tx storage.Tx, logger *log.Logger) error {
	if _, err := tx.Exec(ctx, insertGovernanceEvent,
		e.Voter.Hex(),
		e.ProposalID,
		string(e.Kind),
		e.Block,
		e.TxHash.Hex(),
		int64(e.LogIndex),
		e.Timestamp,
	); err != nil {
		return err
	}

	args := []interface{}{e.ProposalID, e.Voter.Hex(), e.Block, e.TxHash.Hex(), e.Timestamp, e.dateStr()}
	var update string
	switch e.Kind {
	case KindCancelled:
		update = markCancelled
	case KindExecuted:
		update = markExecuted
	case KindDescriptionUpdated:
		update = updateDescription
		args = append(args, storage.SanitizeString(e.Description))
	default:
		return fmt.Errorf("unknown proposal event kind %q", e.Kind)
	}
	tag, err := tx.Exec(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("applying %s: %w", e.Kind, err)
	}
	if tag.RowsAffected() == 0 {
		logger.Warn("proposal event not applied",
			"kind", e.Kind,
			"proposal_id", e.ProposalID,
			"voter_contract", e.Voter.Hex(),
			"tx_hash", e.TxHash.Hex(),
		)
	}
	return nil
}
