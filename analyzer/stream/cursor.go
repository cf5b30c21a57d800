package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/waveyops/ledgerwatch/storage"
)

const (
	selectWatermark = `
		SELECT watermark FROM stream_watermarks WHERE stream_id = $1`

	upsertWatermark = `
		INSERT INTO stream_watermarks (stream_id, analyzer, watermark, next_block, head_block, updated_at)
			VALUES ($1, $2, $3, $3 + 1, $4, NOW())
		ON CONFLICT (stream_id) DO UPDATE SET
			watermark = GREATEST(stream_watermarks.watermark, excluded.watermark),
			next_block = GREATEST(stream_watermarks.next_block, excluded.next_block),
			head_block = excluded.head_block,
			updated_at = excluded.updated_at`

	upsertScanned = `
		INSERT INTO stream_watermarks (stream_id, analyzer, next_block, head_block, scanned_block, updated_at)
			VALUES ($1, $2, $3 + 1, $4, $3, NOW())
		ON CONFLICT (stream_id) DO UPDATE SET
			scanned_block = GREATEST(stream_watermarks.scanned_block, excluded.scanned_block),
			head_block = excluded.head_block,
			updated_at = excluded.updated_at`

	selectScanned = `
		SELECT scanned_block FROM stream_watermarks WHERE stream_id = $1`

	upsertProgress = `
		INSERT INTO stream_watermarks (stream_id, analyzer, next_block, head_block, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (stream_id) DO UPDATE SET
			analyzer = excluded.analyzer,
			next_block = excluded.next_block,
			head_block = excluded.head_block,
			updated_at = excluded.updated_at`
)

// CursorStore reads stream positions from the durable store.
type CursorStore interface {
	// MaxPersistedBlock returns the highest block of any record (or
	// watermark) of the stream. ok is false when there is none.
	MaxPersistedBlock(ctx context.Context, s *Stream) (block uint64, ok bool, err error)

	// SaveWatermark records that [.., block] was scanned completely.
	SaveWatermark(ctx context.Context, s *Stream, block uint64, head uint64) error

	// ReportProgress records the stream's cursor and the head it saw, for
	// status reporting only. It never affects the cursor.
	ReportProgress(ctx context.Context, s *Stream, next uint64, head uint64) error

	// ReportScanned records that every log of the stream in [.., block]
	// is stored. Like ReportProgress it never affects the cursor.
	ReportScanned(ctx context.Context, s *Stream, block uint64, head uint64) error
}

// Cursor returns the next block the stream has not processed: one past the
// highest persisted block, or the floor block when nothing is persisted.
// It is never below the floor.
func Cursor(ctx context.Context, store CursorStore, s *Stream) (uint64, error) {
	block, ok, err := store.MaxPersistedBlock(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("stream %s: reading cursor: %w", s.ID, err)
	}
	if !ok || block+1 < s.FloorBlock {
		return s.FloorBlock, nil
	}
	return block + 1, nil
}

// Querier runs single-row reads and statements. Satisfied by
// storage.TargetStorage.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) storage.QueryResult
	SendBatch(ctx context.Context, batch *storage.QueryBatch) error
}

// SQLCursorStore derives cursors from each stream's CursorQuery.
type SQLCursorStore struct {
	target   Querier
	analyzer string
}

var _ CursorStore = (*SQLCursorStore)(nil)

// NewSQLCursorStore creates a cursor store for streams of one analyzer.
func NewSQLCursorStore(target Querier, analyzer string) *SQLCursorStore {
	return &SQLCursorStore{target: target, analyzer: analyzer}
}

func (c *SQLCursorStore) MaxPersistedBlock(ctx context.Context, s *Stream) (uint64, bool, error) {
	var maxBlock *int64
	if err := c.target.QueryRow(ctx, s.CursorQuery, s.CursorArgs...).Scan(&maxBlock); err != nil {
		return 0, false, err
	}

	var watermark *int64
	err := c.target.QueryRow(ctx, selectWatermark, s.ID).Scan(&watermark)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	if watermark != nil && (maxBlock == nil || *watermark > *maxBlock) {
		maxBlock = watermark
	}
	if maxBlock == nil {
		return 0, false, nil
	}
	return uint64(*maxBlock), true, nil
}

func (c *SQLCursorStore) SaveWatermark(ctx context.Context, s *Stream, block uint64, head uint64) error {
	batch := &storage.QueryBatch{}
	batch.Queue(upsertWatermark, s.ID, c.analyzer, block, head)
	return c.target.SendBatch(ctx, batch)
}

func (c *SQLCursorStore) ReportProgress(ctx context.Context, s *Stream, next uint64, head uint64) error {
	batch := &storage.QueryBatch{}
	batch.Queue(upsertProgress, s.ID, c.analyzer, next, head)
	return c.target.SendBatch(ctx, batch)
}

func (c *SQLCursorStore) ReportScanned(ctx context.Context, s *Stream, block uint64, head uint64) error {
	batch := &storage.QueryBatch{}
	batch.Queue(upsertScanned, s.ID, c.analyzer, block, head)
	return c.target.SendBatch(ctx, batch)
}

// ScannedBlock returns the highest block reported through ReportScanned.
// ok is false when the stream has not completed a tick yet.
func (c *SQLCursorStore) ScannedBlock(ctx context.Context, s *Stream) (uint64, bool, error) {
	var block *int64
	err := c.target.QueryRow(ctx, selectScanned, s.ID).Scan(&block)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	case block == nil:
		return 0, false, nil
	}
	return uint64(*block), true, nil
}
