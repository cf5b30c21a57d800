package v1

import (
	"context"
	"fmt"

	"github.com/waveyops/ledgerwatch/api/common"
	"github.com/waveyops/ledgerwatch/storage"
)

// StatusStore reads what the status endpoints report.
type StatusStore interface {
	Streams(ctx context.Context) (*StreamStatusList, error)
	// Proposals returns the latest proposals first. An empty status
	// matches every status.
	Proposals(ctx context.Context, status string, p common.Pagination) (*ProposalList, error)
}

// Queryer runs read queries. Satisfied by storage.TargetStorage.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...interface{}) (storage.QueryResults, error)
}

// StorageClient is the StatusStore over target storage.
type StorageClient struct {
	db Queryer
}

var _ StatusStore = (*StorageClient)(nil)

func NewStorageClient(db Queryer) *StorageClient {
	return &StorageClient{db: db}
}

func (c *StorageClient) Streams(ctx context.Context) (*StreamStatusList, error) {
	rows, err := c.db.Query(ctx, streams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageError, err)
	}
	defer rows.Close()

	list := StreamStatusList{Streams: []StreamStatus{}}
	for rows.Next() {
		var (
			s         StreamStatus
			watermark *int64
			next      int64
			head      int64
			lag       int64
		)
		if err := rows.Scan(&s.StreamID, &s.Analyzer, &watermark, &next, &head, &lag, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorageError, err)
		}
		if watermark != nil {
			w := uint64(*watermark)
			s.Watermark = &w
		}
		s.Cursor = uint64(next)
		s.Height = uint64(head)
		s.Lag = uint64(lag)
		list.Streams = append(list.Streams, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageError, err)
	}
	return &list, nil
}

func (c *StorageClient) Proposals(ctx context.Context, status string, p common.Pagination) (*ProposalList, error) {
	var statusArg *string
	if status != "" {
		statusArg = &status
	}
	rows, err := c.db.Query(ctx, proposals, statusArg, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageError, err)
	}
	defer rows.Close()

	list := ProposalList{Proposals: []Proposal{}}
	for rows.Next() {
		var pr Proposal
		if err := rows.Scan(
			&pr.ID,
			&pr.VoterContract,
			&pr.Status,
			&pr.Description,
			&pr.Proposer,
			&pr.StartTime,
			&pr.EndTime,
			&pr.YesVotes,
			&pr.NoVotes,
			&pr.Quorum,
			&pr.TxHash,
			&pr.ExecutionTime,
			&pr.EndingSoonAlertSent,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorageError, err)
		}
		list.Proposals = append(list.Proposals, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageError, err)
	}
	return &list, nil
}
