package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/waveyops/ledgerwatch/analyzer/item"
	"github.com/waveyops/ledgerwatch/analyzer/stream"
	"github.com/waveyops/ledgerwatch/analyzer/writer"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/storage"
)

// ProposalStore holds the proposal state the lifecycle engine drives.
type ProposalStore interface {
	// ActiveProposals returns every proposal in a non-terminal status.
	ActiveProposals(ctx context.Context) ([]Proposal, error)
	// SetStatus moves p from p.Status to `to`. It reports false, without
	// error, when the stored status is no longer p.Status.
	SetStatus(ctx context.Context, p Proposal, to Status, now int64) (bool, error)
	// MarkEndingSoon sets the ending-soon flag and reports whether this
	// call was the one to set it.
	MarkEndingSoon(ctx context.Context, p Proposal) (bool, error)
}

// Queryer reads and writes proposals. Satisfied by storage.TargetStorage.
type Queryer interface {
	writer.Beginner
	Query(ctx context.Context, sql string, args ...interface{}) (storage.QueryResults, error)
}

// SQLProposalStore is the ProposalStore over resupply_proposals.
type SQLProposalStore struct {
	target Queryer
}

var _ ProposalStore = (*SQLProposalStore)(nil)

func NewSQLProposalStore(target Queryer) *SQLProposalStore {
	return &SQLProposalStore{target: target}
}

func (s *SQLProposalStore) ActiveProposals(ctx context.Context) ([]Proposal, error) {
	statuses := make([]string, len(ActiveStatuses))
	for i, st := range ActiveStatuses {
		statuses[i] = string(st)
	}
	rows, err := s.target.Query(ctx, selectActiveProposals, statuses)
	if err != nil {
		return nil, fmt.Errorf("querying active proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		var (
			p      Proposal
			voter  string
			status string
			txHash string
		)
		if err := rows.Scan(
			&p.ID,
			&voter,
			&status,
			&p.Description,
			&p.EndTime,
			&p.YesVotes,
			&p.NoVotes,
			&p.Quorum,
			&txHash,
			&p.EndingSoonAlertSent,
		); err != nil {
			return nil, fmt.Errorf("scanning proposal: %w", err)
		}
		p.Voter = ethCommon.HexToAddress(voter)
		p.Status = Status(status)
		p.TxHash = ethCommon.HexToHash(txHash)
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// exec runs one statement in its own transaction and returns the number
// of rows affected.
func (s *SQLProposalStore) exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tx, err := s.target.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *SQLProposalStore) SetStatus(ctx context.Context, p Proposal, to Status, now int64) (bool, error) {
	n, err := s.exec(ctx, updateStatus, p.ID, p.Voter.Hex(), string(p.Status), string(to), now)
	if err != nil {
		return false, fmt.Errorf("updating status of proposal %d: %w", p.ID, err)
	}
	return n == 1, nil
}

func (s *SQLProposalStore) MarkEndingSoon(ctx context.Context, p Proposal) (bool, error) {
	n, err := s.exec(ctx, markEndingSoonSent, p.ID, p.Voter.Hex())
	if err != nil {
		return false, fmt.Errorf("marking proposal %d ending soon: %w", p.ID, err)
	}
	return n == 1, nil
}

// VoteIngestion reports how far the voter streams have stored their
// events.
type VoteIngestion interface {
	// IngestedUntil returns, per voter contract, the timestamp up to which
	// every event is stored; 0 when nothing is yet. Voter contracts that
	// are missing from the map are not monitored.
	IngestedUntil(ctx context.Context) (map[ethCommon.Address]int64, error)
}

// ScanProgress is satisfied by *stream.SQLCursorStore.
type ScanProgress interface {
	ScannedBlock(ctx context.Context, s *stream.Stream) (uint64, bool, error)
}

// BlockTimestamper is satisfied by *blocktime.Resolver.
type BlockTimestamper interface {
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

// StreamIngestion is the VoteIngestion of the voter streams.
type StreamIngestion struct {
	progress   ScanProgress
	timestamps BlockTimestamper
	streams    []*stream.Stream
}

var _ VoteIngestion = (*StreamIngestion)(nil)

// NewStreamIngestion reports on streams, which must be voter streams.
func NewStreamIngestion(progress ScanProgress, timestamps BlockTimestamper, streams []*stream.Stream) *StreamIngestion {
	return &StreamIngestion{progress: progress, timestamps: timestamps, streams: streams}
}

func (g *StreamIngestion) IngestedUntil(ctx context.Context) (map[ethCommon.Address]int64, error) {
	out := make(map[ethCommon.Address]int64, len(g.streams))
	for _, s := range g.streams {
		voter := s.Addresses[0]
		block, ok, err := g.progress.ScannedBlock(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("scanned block of %s: %w", s.ID, err)
		}
		if !ok {
			out[voter] = 0
			continue
		}
		ts, err := g.timestamps.BlockTimestamp(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("timestamp of block %d: %w", block, err)
		}
		out[voter] = int64(ts)
	}
	return out, nil
}

// Lifecycle advances time-gated proposal states. Every proposal is an item
// of the work queue; the queue is re-read on every tick, independent of
// new events.
//
// An open proposal is only decided once its voter stream has stored every
// event up to the end time. The ingestion snapshot is taken before the
// proposals are read, so the totals read are at least as recent.
type Lifecycle struct {
	store     ProposalStore
	ingestion VoteIngestion
	timing    Timing
	channel   string
	sink      notifier.Sink
	clock     func() time.Time
	logger    *log.Logger

	mu       sync.Mutex
	ingested map[ethCommon.Address]int64
}

var _ item.ItemProcessor[Proposal] = (*Lifecycle)(nil)

// NewLifecycle creates the engine. ingestion may be nil to decide open
// proposals on the stored totals alone. clock may be nil for wall-clock
// time.
func NewLifecycle(store ProposalStore, ingestion VoteIngestion, timing Timing, channel string, sink notifier.Sink, clock func() time.Time, logger *log.Logger) *Lifecycle {
	if clock == nil {
		clock = time.Now
	}
	return &Lifecycle{
		store:     store,
		ingestion: ingestion,
		timing:    timing,
		channel:   channel,
		sink:      sink,
		clock:     clock,
		logger:    logger,
	}
}

func (l *Lifecycle) GetItems(ctx context.Context) ([]Proposal, error) {
	if l.ingestion != nil {
		ingested, err := l.ingestion.IngestedUntil(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.ingested = ingested
		l.mu.Unlock()
	}
	return l.store.ActiveProposals(ctx)
}

// votesFinal reports whether every vote on p is stored.
func (l *Lifecycle) votesFinal(p Proposal) bool {
	if l.ingestion == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until, monitored := l.ingested[p.Voter]
	if !monitored {
		return true
	}
	return until >= p.EndTime
}

// ProcessItem evaluates one proposal. Alerts fire only when this call is
// the one that changed the stored state, so re-scanning a proposal in
// the same status never repeats them.
func (l *Lifecycle) ProcessItem(ctx context.Context, p Proposal) error {
	now := l.clock().Unix()

	if EndingSoon(p, now, l.timing) {
		marked, err := l.store.MarkEndingSoon(ctx, p)
		if err != nil {
			return err
		}
		if marked {
			l.notify(ctx, EndingSoonMessage(p))
		}
	}

	to, ok := Transition(p, now, l.timing)
	if !ok {
		return nil
	}
	if p.Status == StatusOpen && !l.votesFinal(p) {
		l.logger.Debug("waiting for votes to be stored", "proposal_id", p.ID, "voter_contract", p.Voter.Hex())
		return nil
	}
	changed, err := l.store.SetStatus(ctx, p, to, now)
	if err != nil {
		return err
	}
	if !changed {
		l.logger.Debug("proposal status changed concurrently", "proposal_id", p.ID, "voter_contract", p.Voter.Hex(), "from", p.Status)
		return nil
	}
	l.logger.Info("proposal status changed",
		"proposal_id", p.ID,
		"voter_contract", p.Voter.Hex(),
		"from", p.Status,
		"to", to,
	)
	l.notify(ctx, StatusMessage(p, to, l.timing))
	return nil
}

func (l *Lifecycle) notify(ctx context.Context, text string) {
	if l.sink != nil {
		l.sink.Notify(ctx, notifier.NewMessage(l.channel, text))
	}
}
