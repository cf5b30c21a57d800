// Package blocktime maps wall-clock timestamps onto block numbers.
package blocktime

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/waveyops/ledgerwatch/cache/kvstore"
	"github.com/waveyops/ledgerwatch/log"
)

// ErrBeforeGenesis is returned when asked for a block strictly before a
// timestamp that is not later than block 0.
var ErrBeforeGenesis = errors.New("no block before genesis")

// FutureTimestampError is returned for timestamps past the current head.
// Callers should retry once the chain has caught up.
type FutureTimestampError struct {
	Timestamp     uint64
	HeadTimestamp uint64
}

func (e *FutureTimestampError) Error() string {
	return fmt.Sprintf("timestamp %d is after the head block timestamp %d", e.Timestamp, e.HeadTimestamp)
}

// IsFutureTimestamp reports whether err is (or wraps) a FutureTimestampError.
func IsFutureTimestamp(err error) bool {
	var fte *FutureTimestampError
	return errors.As(err, &fte)
}

// Source is the subset of storage.LedgerSource the resolver needs.
type Source interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestHeight(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

type blockKey struct {
	chainID string
	height  uint64
}

type resultKey struct {
	chainID   string
	timestamp uint64
}

// Resolver answers "which block is closest to time T" by binary search
// over the non-decreasing block timestamps. It is safe for concurrent use.
// Finalized timestamps never change, so reads and results are memoized
// for the life of the process and, when a cache is given, across restarts.
type Resolver struct {
	source Source
	cache  kvstore.KVStore
	logger *log.Logger

	chainMu sync.Mutex
	chainID string

	mu         sync.RWMutex
	timestamps map[blockKey]uint64
	results    map[resultKey]uint64
}

// NewResolver creates a resolver. `cache` may be nil.
func NewResolver(source Source, cache kvstore.KVStore, logger *log.Logger) *Resolver {
	if cache == nil {
		cache = kvstore.NewMemoryKVStore()
	}
	return &Resolver{
		source:     source,
		cache:      cache,
		logger:     logger.WithModule("blocktime"),
		timestamps: map[blockKey]uint64{},
		results:    map[resultKey]uint64{},
	}
}

func (r *Resolver) chain(ctx context.Context) (string, error) {
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	if r.chainID != "" {
		return r.chainID, nil
	}
	id, err := r.source.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id: %w", err)
	}
	r.chainID = id.String()
	return r.chainID, nil
}

// BlockTimestamp returns the timestamp of a block at or below the head.
func (r *Resolver) BlockTimestamp(ctx context.Context, height uint64) (uint64, error) {
	chainID, err := r.chain(ctx)
	if err != nil {
		return 0, err
	}
	return r.blockTimestamp(ctx, chainID, height, false)
}

// blockTimestamp memoizes reads. `volatile` reads (the head) are not
// memoized since the head may still be reorganized.
func (r *Resolver) blockTimestamp(ctx context.Context, chainID string, height uint64, volatile bool) (uint64, error) {
	key := blockKey{chainID, height}
	if !volatile {
		r.mu.RLock()
		ts, ok := r.timestamps[key]
		r.mu.RUnlock()
		if ok {
			return ts, nil
		}
	}

	ts, err := kvstore.GetFromCacheOrCall(
		r.cache, volatile,
		kvstore.GenerateCacheKey("BlockTimestamp", chainID, height),
		func() (*uint64, error) {
			ts, err := r.source.BlockTimestamp(ctx, height)
			if err != nil {
				return nil, err
			}
			return &ts, nil
		},
	)
	if err != nil {
		return 0, err
	}
	if !volatile {
		r.mu.Lock()
		r.timestamps[key] = *ts
		r.mu.Unlock()
	}
	return *ts, nil
}

// ClosestBlockAtOrAfter returns the first block whose timestamp is >= t,
// or 0 when t is not later than block 0. It fails with a
// FutureTimestampError when t is after the head block's timestamp.
func (r *Resolver) ClosestBlockAtOrAfter(ctx context.Context, t uint64) (uint64, error) {
	chainID, err := r.chain(ctx)
	if err != nil {
		return 0, err
	}
	rk := resultKey{chainID, t}
	r.mu.RLock()
	cached, ok := r.results[rk]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	head, err := r.source.LatestHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest height: %w", err)
	}
	headTS, err := r.blockTimestamp(ctx, chainID, head, true)
	if err != nil {
		return 0, fmt.Errorf("head timestamp: %w", err)
	}
	if t > headTS {
		return 0, &FutureTimestampError{Timestamp: t, HeadTimestamp: headTS}
	}
	genesisTS, err := r.blockTimestamp(ctx, chainID, 0, false)
	if err != nil {
		return 0, fmt.Errorf("genesis timestamp: %w", err)
	}

	var block uint64
	if t > genesisTS {
		// Invariant: ts(lo) < t <= ts(hi).
		lo, hi := uint64(0), head
		for hi-lo > 1 {
			mid := lo + (hi-lo)/2
			ts, err := r.blockTimestamp(ctx, chainID, mid, false)
			if err != nil {
				return 0, fmt.Errorf("reading block %d: %w", mid, err)
			}
			if ts >= t {
				hi = mid
			} else {
				lo = mid
			}
		}
		block = hi
	}

	r.logger.Debug("resolved timestamp", "timestamp", t, "block", block, "head", head)
	r.mu.Lock()
	r.results[rk] = block
	r.mu.Unlock()
	return block, nil
}

// ClosestBlockBefore returns the last block whose timestamp is < t.
func (r *Resolver) ClosestBlockBefore(ctx context.Context, t uint64) (uint64, error) {
	block, err := r.ClosestBlockAtOrAfter(ctx, t)
	if err != nil {
		return 0, err
	}
	if block == 0 {
		return 0, ErrBeforeGenesis
	}
	return block - 1, nil
}
