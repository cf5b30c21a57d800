// Package util contains utility analyzer functionality.
package util

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/waveyops/ledgerwatch/log"
)

const (
	initialTimeoutLowerBound = 0
	maximumTimeoutUpperBound = math.MaxInt64 / 2
)

// Backoff implements retry backoff on failure.
type Backoff struct {
	initialTimeout time.Duration
	currentTimeout time.Duration
	maximumTimeout time.Duration
}

// NewBackoff returns a new backoff.
func NewBackoff(initialTimeout time.Duration, maximumTimeout time.Duration) (*Backoff, error) {
	if initialTimeout <= initialTimeoutLowerBound {
		return nil, fmt.Errorf(
			"initial timeout %fs less than lower bound %ds",
			initialTimeout.Seconds(),
			initialTimeoutLowerBound,
		)
	}
	if maximumTimeout.Seconds() >= math.MaxInt64/2 {
		return nil, fmt.Errorf(
			"maximum timeout %fs greater than upper bound %ds",
			maximumTimeout.Seconds(),
			maximumTimeoutUpperBound,
		)
	}
	if maximumTimeout < initialTimeout {
		return nil, fmt.Errorf("maximum timeout %s less than initial timeout %s", maximumTimeout, initialTimeout)
	}
	return &Backoff{initialTimeout, initialTimeout, maximumTimeout}, nil
}

// Failure doubles the timeout, up to the maximum.
func (b *Backoff) Failure() {
	b.currentTimeout *= 2
	if b.currentTimeout > b.maximumTimeout {
		b.currentTimeout = b.maximumTimeout
	}
}

// Success resets the backoff.
func (b *Backoff) Success() {
	b.Reset()
}

// Reset resets the backoff.
func (b *Backoff) Reset() {
	b.currentTimeout = b.initialTimeout
}

// Timeout returns the backoff timeout.
func (b *Backoff) Timeout() time.Duration {
	return b.currentTimeout
}

// Sleep waits for d or until ctx is done, whichever comes first. It
// reports whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Retry calls fn until it succeeds, its error is permanent, or ctx is
// done. Attempts are spaced by b. isPermanent may be nil to retry every
// error.
func Retry(ctx context.Context, b *Backoff, isPermanent func(error) bool, logger *log.Logger, what string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			b.Success()
			return nil
		}
		if isPermanent != nil && isPermanent(err) {
			return err
		}
		wait := b.Timeout()
		logger.Warn("retrying after error", "what", what, "err", err, "retry_in", wait)
		if !Sleep(ctx, wait) {
			return fmt.Errorf("%s: %w (%v)", what, err, ctx.Err())
		}
		b.Failure()
	}
}
