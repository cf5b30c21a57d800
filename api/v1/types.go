package v1

import (
	"time"

	"github.com/waveyops/ledgerwatch/common"
)

// StreamStatus is the reported progress of one stream.
type StreamStatus struct {
	StreamID string `json:"stream_id"`
	Analyzer string `json:"analyzer"`
	// Cursor is the next block the stream has not processed.
	Cursor uint64 `json:"cursor"`
	// Height is the ledger head the stream last observed.
	Height    uint64    `json:"height"`
	Lag       uint64    `json:"lag"`
	Watermark *uint64   `json:"watermark,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreamStatusList is the response of GET /v1/streams.
type StreamStatusList struct {
	Streams []StreamStatus `json:"streams"`
}

// Proposal is a governance proposal as stored.
type Proposal struct {
	ID                  uint64        `json:"id"`
	VoterContract       string        `json:"voter_contract"`
	Status              string        `json:"status"`
	Description         string        `json:"description"`
	Proposer            string        `json:"proposer"`
	StartTime           int64         `json:"start_time"`
	EndTime             int64         `json:"end_time"`
	YesVotes            common.BigInt `json:"yes_votes"`
	NoVotes             common.BigInt `json:"no_votes"`
	Quorum              common.BigInt `json:"quorum"`
	TxHash              string        `json:"tx_hash"`
	ExecutionTime       *int64        `json:"execution_time,omitempty"`
	EndingSoonAlertSent bool          `json:"ending_soon_alert_sent"`
}

// ProposalList is the response of GET /v1/proposals.
type ProposalList struct {
	Proposals []Proposal `json:"proposals"`
}
