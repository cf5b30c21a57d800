package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/waveyops/ledgerwatch/analyzer/util"
)

// RetryPolicy bounds delivery retries. Generic failures are retried with
// exponential backoff up to MaxAttempts attempts in total; rate-limited
// responses wait the requested time and do not count as attempts.
type RetryPolicy struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs send until it succeeds, fails permanently, runs out of attempts
// or ctx is done. onRetry, if set, is called before every wait.
func (p RetryPolicy) Do(ctx context.Context, send func(context.Context) error, onRetry func(err error, wait time.Duration)) error {
	op := func() error {
		for {
			err := send(ctx)
			var rl *RateLimitedError
			if !errors.As(err, &rl) {
				return err
			}
			if onRetry != nil {
				onRetry(err, rl.RetryAfter)
			}
			if !util.Sleep(ctx, rl.RetryAfter) {
				return backoff.Permanent(ctx.Err())
			}
		}
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	}
	return backoff.RetryNotify(op, p.newBackOff(ctx), notify)
}
