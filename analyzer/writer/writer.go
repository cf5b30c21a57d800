// Package writer persists normalized records exactly once per natural key.
package writer

import (
	"context"
	"fmt"

	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
	"github.com/waveyops/ledgerwatch/storage"
	"github.com/waveyops/ledgerwatch/storage/postgres"
)

// Outcome is the result of writing one record.
type Outcome int

const (
	// Inserted means the record was new and is now stored.
	Inserted Outcome = iota
	// DuplicateSkipped means a record with the same natural key was
	// already stored; nothing changed.
	DuplicateSkipped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateSkipped:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Record is a normalized event ready to be stored.
type Record interface {
	// NaturalKey identifies the real-world event, for logging. Uniqueness
	// itself is enforced by the store's constraints.
	NaturalKey() string

	// Persist writes the record inside tx. A unique violation on the
	// record's natural key must be returned unwrapped or wrapped with %w.
	Persist(ctx context.Context, tx storage.Tx, logger *log.Logger) error
}

// Beginner starts transactions. Satisfied by storage.TargetStorage.
type Beginner interface {
	Begin(ctx context.Context) (storage.Tx, error)
}

// Writer writes records in transactions, one savepoint per record.
type Writer struct {
	target      Beginner
	isDuplicate func(error) bool
	logger      *log.Logger
	metrics     *metrics.AnalysisMetrics
}

// Each record runs under this savepoint, so a natural-key collision skips
// only that record and leaves the rest of the transaction usable.
const (
	savepoint           = "SAVEPOINT record"
	rollbackToSavepoint = "ROLLBACK TO SAVEPOINT record"
	releaseSavepoint    = "RELEASE SAVEPOINT record"
)

// New creates a writer over target. `m` may be nil.
func New(target Beginner, logger *log.Logger, m *metrics.AnalysisMetrics) *Writer {
	return &Writer{
		target:      target,
		isDuplicate: postgres.IsUniqueViolation,
		logger:      logger,
		metrics:     m,
	}
}

// Write persists rec in its own transaction. A natural-key collision
// yields DuplicateSkipped and no error; any other failure rolls back and
// is returned.
func (w *Writer) Write(ctx context.Context, rec Record) (Outcome, error) {
	outcomes, err := w.WriteAll(ctx, []Record{rec})
	if err != nil {
		return 0, err
	}
	return outcomes[0], nil
}

// WriteAll persists recs in a single transaction: either every record is
// stored or skipped as a duplicate, or nothing is. outcomes[i] belongs to
// recs[i].
func (w *Writer) WriteAll(ctx context.Context, recs []Record) ([]Outcome, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	outcomes, err := w.writeAll(ctx, recs)
	if err != nil {
		w.count(metrics.WriteError)
		return nil, err
	}
	for i, outcome := range outcomes {
		if outcome == DuplicateSkipped {
			w.count(metrics.WriteDuplicate)
			w.logger.Debug("record already stored", "key", recs[i].NaturalKey())
			continue
		}
		w.count(metrics.WriteInserted)
	}
	return outcomes, nil
}

func (w *Writer) writeAll(ctx context.Context, recs []Record) ([]Outcome, error) {
	tx, err := w.target.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	// No-op after a successful commit.
	defer func() { _ = tx.Rollback(ctx) }()

	outcomes := make([]Outcome, len(recs))
	for i, rec := range recs {
		if outcomes[i], err = w.persist(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", recs[0].NaturalKey(), err)
	}
	return outcomes, nil
}

func (w *Writer) persist(ctx context.Context, tx storage.Tx, rec Record) (Outcome, error) {
	if _, err := tx.Exec(ctx, savepoint); err != nil {
		return 0, fmt.Errorf("savepoint %s: %w", rec.NaturalKey(), err)
	}
	err := rec.Persist(ctx, tx, w.logger)
	switch {
	case err == nil:
		if _, err = tx.Exec(ctx, releaseSavepoint); err != nil {
			return 0, fmt.Errorf("release savepoint %s: %w", rec.NaturalKey(), err)
		}
		return Inserted, nil
	case w.isDuplicate(err):
		if _, err = tx.Exec(ctx, rollbackToSavepoint); err != nil {
			return 0, fmt.Errorf("rollback savepoint %s: %w", rec.NaturalKey(), err)
		}
		if _, err = tx.Exec(ctx, releaseSavepoint); err != nil {
			return 0, fmt.Errorf("release savepoint %s: %w", rec.NaturalKey(), err)
		}
		return DuplicateSkipped, nil
	default:
		return 0, fmt.Errorf("persist %s: %w", rec.NaturalKey(), err)
	}
}

func (w *Writer) count(outcome metrics.WriteOutcome) {
	if w.metrics != nil {
		w.metrics.RecordsWritten(outcome).Inc()
	}
}
