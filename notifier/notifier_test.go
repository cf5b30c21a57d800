package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
)

func testConfig() *config.NotifierConfig {
	cfg := &config.NotifierConfig{
		BotToken:     "t",
		Chats:        map[string]string{"gov": "-1", "dev": "-2"},
		DevChat:      "dev",
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		QueueSize:    4,
	}
	cfg.ApplyDefaults()
	cfg.RatePerSecond = 1000
	return cfg
}

func TestRouter(t *testing.T) {
	cfg := testConfig()
	r := NewRouter(cfg)
	id, err := r.Resolve("gov")
	require.NoError(t, err)
	require.Equal(t, "-1", id)
	_, err = r.Resolve("nope")
	require.ErrorIs(t, err, ErrUnknownChannel)

	cfg.DevMode = true
	r = NewRouter(cfg)
	for _, ch := range []string{"gov", "resupply_alerts", "nope"} {
		id, err = r.Resolve(ch)
		require.NoError(t, err)
		require.Equal(t, "-2", id)
	}
}

type scriptedSend struct {
	errs  []error
	calls int
}

func (s *scriptedSend) send(context.Context) error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	ctx := context.Background()
	boom := errors.New("boom")

	s := &scriptedSend{errs: []error{boom, boom}}
	require.NoError(t, policy.Do(ctx, s.send, nil))
	require.Equal(t, 3, s.calls)

	s = &scriptedSend{errs: []error{boom, boom, boom, boom}}
	require.ErrorIs(t, policy.Do(ctx, s.send, nil), boom)
	require.Equal(t, 3, s.calls, "gives up after MaxAttempts")

	s = &scriptedSend{errs: []error{Permanent(boom)}}
	require.ErrorIs(t, policy.Do(ctx, s.send, nil), boom)
	require.Equal(t, 1, s.calls, "permanent errors are not retried")
}

func TestRateLimitDoesNotConsumeAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	rl := &RateLimitedError{RetryAfter: time.Millisecond}
	boom := errors.New("boom")

	var waits []time.Duration
	s := &scriptedSend{errs: []error{rl, rl, rl, rl, boom, rl}}
	err := policy.Do(context.Background(), s.send, func(_ error, wait time.Duration) {
		waits = append(waits, wait)
	})
	require.NoError(t, err)
	require.Equal(t, 7, s.calls)
	require.Len(t, waits, 6)
}

func TestRetryPolicyCancelled(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	s := &scriptedSend{errs: []error{&RateLimitedError{RetryAfter: time.Hour}}}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, s.send, nil)
	require.ErrorIs(t, err, context.Canceled)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]int
	done chan struct{}
}

func (n *recordingNotifier) Send(_ context.Context, chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[text] > 0 {
		n.fail[text]--
		return errors.New("temporary")
	}
	n.sent[chatID] = append(n.sent[chatID], text)
	n.done <- struct{}{}
	return nil
}

func TestDispatcher(t *testing.T) {
	n := &recordingNotifier{
		sent: map[string][]string{},
		fail: map[string]int{"flaky": 1, "broken": 10},
		done: make(chan struct{}, 10),
	}
	d := NewDispatcher(testConfig(), n, log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.Notify(ctx, NewMessage("gov", "one"))
	d.Notify(ctx, NewMessage("gov", "broken"))
	d.Notify(ctx, NewMessage("unrouted", "lost"))
	d.Notify(ctx, NewMessage("gov", "flaky"))

	for i := 0; i < 2; i++ {
		select {
		case <-n.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, []string{"one", "flaky"}, n.sent["-1"])
}

func TestNotifyDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, &recordingNotifier{}, log.NewNopLogger())

	d.Notify(context.Background(), NewMessage("gov", "kept"))
	d.Notify(context.Background(), NewMessage("gov", "dropped"))
	require.Len(t, d.queue, 1)
	require.Equal(t, "kept", (<-d.queue).Text)
}

func TestNewMessage(t *testing.T) {
	a := NewMessage("gov", "x")
	b := NewMessage("gov", "x")
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, "gov", a.Channel)
}
