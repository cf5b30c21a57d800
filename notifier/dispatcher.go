package notifier

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
)

const moduleName = "notifier"

// Dispatcher queues messages and delivers them in the background, paced by
// a rate limiter and retried per its RetryPolicy. Delivery never blocks
// the caller of Notify: when the queue is full the message is dropped.
type Dispatcher struct {
	notifier Notifier
	router   *Router
	policy   RetryPolicy
	limiter  *rate.Limiter
	timeout  time.Duration
	queue    chan Message

	logger  *log.Logger
	metrics metrics.NotifierMetrics
}

var _ Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher sending through n.
func NewDispatcher(cfg *config.NotifierConfig, n Notifier, logger *log.Logger) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: n,
		router:   NewRouter(cfg),
		policy: RetryPolicy{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2,
		},
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		queue:   make(chan Message, cfg.QueueSize),
		logger:  logger.WithModule(moduleName),
		metrics: metrics.NewDefaultNotifierMetrics(),
	}
}

// Notify enqueues msg.
func (d *Dispatcher) Notify(_ context.Context, msg Message) {
	select {
	case d.queue <- msg:
		d.metrics.QueueLength().Set(float64(len(d.queue)))
	default:
		d.metrics.Deliveries(msg.Channel, metrics.DeliveryDropped).Inc()
		d.logger.Error("notification queue full, dropping message",
			"id", msg.ID,
			"channel", msg.Channel,
			"text", msg.Text,
		)
	}
}

// Start delivers queued messages until ctx is done. Messages still queued
// at that point are not delivered.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.logger.Warn("shutting down with undelivered messages", "count", n)
			}
			return
		case msg := <-d.queue:
			d.metrics.QueueLength().Set(float64(len(d.queue)))
			d.deliver(ctx, msg)
		}
	}
}

// Name returns the name of the dispatcher.
func (d *Dispatcher) Name() string {
	return moduleName
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	logger := d.logger.With("id", msg.ID, "channel", msg.Channel)
	chatID, err := d.router.Resolve(msg.Channel)
	if err != nil {
		d.metrics.Deliveries(msg.Channel, metrics.DeliveryDropped).Inc()
		logger.Error("dropping message", "err", err, "text", msg.Text)
		return
	}

	send := func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return Permanent(err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.notifier.Send(sendCtx, chatID, msg.Text)
	}
	onRetry := func(err error, wait time.Duration) {
		outcome := metrics.DeliveryRetry
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			outcome = metrics.DeliveryRateLimited
		}
		d.metrics.Deliveries(msg.Channel, outcome).Inc()
		logger.Warn("delivery failed, retrying", "err", err, "wait", wait)
	}

	if err = d.policy.Do(ctx, send, onRetry); err != nil {
		d.metrics.Deliveries(msg.Channel, metrics.DeliveryDropped).Inc()
		logger.Error("dropping message after failed delivery", "err", err, "text", msg.Text)
		return
	}
	d.metrics.Deliveries(msg.Channel, metrics.DeliverySent).Inc()
	logger.Debug("message delivered", "latency", time.Since(msg.CreatedAt))
}
