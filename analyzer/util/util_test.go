package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/log"
)

// TestBackoffFailure tests if the backoff time is
// updated correctly.
func TestBackoffFailure(t *testing.T) {
	backoff, err := NewBackoff(time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		backoff.Failure()
	}
	require.Equal(t, 1024*time.Millisecond, backoff.Timeout())
}

// TestBackoffReset tests if the backoff time is
// reset correctly.
func TestBackoffReset(t *testing.T) {
	backoff, err := NewBackoff(time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	backoff.Failure()
	backoff.Success()
	require.Equal(t, time.Millisecond, backoff.Timeout())
}

// TestBackoffMaximum tests if the backoff time is
// appropriately upper bounded.
func TestBackoffMaximum(t *testing.T) {
	backoff, err := NewBackoff(time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		backoff.Failure()
	}
	require.Equal(t, 10*time.Millisecond, backoff.Timeout())
}

func TestNewBackoffBounds(t *testing.T) {
	_, err := NewBackoff(0, time.Second)
	require.Error(t, err)
	_, err = NewBackoff(time.Second, time.Millisecond)
	require.Error(t, err)
}

func TestSleep(t *testing.T) {
	require.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, Sleep(ctx, time.Hour))
	require.False(t, Sleep(ctx, 0))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	backoff, err := NewBackoff(time.Millisecond, 4*time.Millisecond)
	require.NoError(t, err)
	transient := errors.New("connection refused")
	permanent := errors.New("reverted")
	isPermanent := func(err error) bool { return errors.Is(err, permanent) }

	calls := 0
	err = Retry(ctx, backoff, isPermanent, log.NewNopLogger(), "discovery", func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, time.Millisecond, backoff.Timeout(), "success resets the backoff")

	calls = 0
	err = Retry(ctx, backoff, isPermanent, log.NewNopLogger(), "discovery", func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = Retry(cctx, backoff, nil, log.NewNopLogger(), "discovery", func(context.Context) error {
		return transient
	})
	require.ErrorIs(t, err, transient)
}
