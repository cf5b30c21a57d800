// Package storage defines storage interfaces.
package storage

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// QueryBatch represents a batch of queries to be executed atomically.
// Unlike pgx.Batch, it remembers the queued statements so that a failing
// batch can be replayed one statement at a time for better error messages.
type QueryBatch struct {
	items []*BatchItem
}

// BatchItem is one queued statement.
type BatchItem struct {
	Cmd  string
	Args []interface{}
}

func (q BatchItem) String() string {
	return fmt.Sprintf("%s %v", strings.Join(strings.Fields(q.Cmd), " "), q.Args)
}

// Queue adds a statement to the batch.
func (b *QueryBatch) Queue(cmd string, args ...interface{}) {
	b.items = append(b.items, &BatchItem{Cmd: cmd, Args: args})
}

// Extend appends all statements of another batch.
func (b *QueryBatch) Extend(qb *QueryBatch) {
	if qb == nil {
		return
	}
	b.items = append(b.items, qb.items...)
}

// Len returns the number of queued statements.
func (b *QueryBatch) Len() int {
	return len(b.items)
}

// AsPgxBatch converts the batch into a pgx.Batch.
func (b *QueryBatch) AsPgxBatch() pgx.Batch {
	pgxBatch := pgx.Batch{}
	for _, item := range b.items {
		pgxBatch.Queue(item.Cmd, item.Args...)
	}
	return pgxBatch
}

// Queries returns the queued statements.
func (b *QueryBatch) Queries() []*BatchItem {
	return b.items
}

// QueryResults represents the results from a read query.
type QueryResults = pgx.Rows

// QueryResult represents the result from a read query.
type QueryResult = pgx.Row

// Tx is a scoped unit of work against target storage. Records are written
// inside a Tx and only become visible on Commit.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TargetStorage defines an interface for reading and writing
// normalized records.
type TargetStorage interface {
	// SendBatch sends a batch of queries to be applied to target storage.
	SendBatch(ctx context.Context, batch *QueryBatch) error

	// Query submits a query to fetch data from target storage.
	Query(ctx context.Context, sql string, args ...interface{}) (QueryResults, error)

	// QueryRow submits a query to fetch a single row of data from target storage.
	QueryRow(ctx context.Context, sql string, args ...interface{}) QueryResult

	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)

	// Close shuts down the target storage client.
	Close()

	// Name returns the name of the target storage.
	Name() string

	// Wipe removes all contents of the target storage.
	Wipe(ctx context.Context) error
}

// LogQuery selects logs emitted by any of Addresses, matching Topics, in
// the inclusive block range [FromBlock, ToBlock]. Topics follows the
// eth_getLogs positional convention.
type LogQuery struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// LedgerSource is the point-in-time view of the chain consumed by the
// analyzers. Reads taking a height are pinned to that block.
type LedgerSource interface {
	ChainID(ctx context.Context) (*big.Int, error)

	// LatestHeight returns the current head block number.
	LatestHeight(ctx context.Context) (uint64, error)

	// BlockTimestamp returns the unix timestamp of a block.
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)

	// Logs returns matching logs ordered by (block number, log index).
	Logs(ctx context.Context, q LogQuery) ([]ethTypes.Log, error)

	// CallContract executes a read-only call against a contract.
	CallContract(ctx context.Context, to common.Address, data []byte, height uint64) ([]byte, error)

	// CodeAt returns the contract code deployed at an address.
	CodeAt(ctx context.Context, addr common.Address, height uint64) ([]byte, error)

	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethTypes.Receipt, error)
}

// SanitizeString replaces NUL bytes and invalid UTF-8 sequences, which
// Postgres rejects in TEXT columns, with '?'.
func SanitizeString(s string) string {
	s = strings.ToValidUTF8(s, "?")
	return strings.ReplaceAll(s, "\x00", "?")
}
