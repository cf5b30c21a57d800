// Package notifier delivers human-readable alerts on a best-effort basis.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
)

// Message is one alert addressed to a logical channel.
type Message struct {
	ID        uuid.UUID
	Channel   string
	Text      string
	CreatedAt time.Time
}

// NewMessage creates a message for a logical channel.
func NewMessage(channel, text string) Message {
	return Message{
		ID:        uuid.New(),
		Channel:   channel,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// Notifier is the chat transport.
type Notifier interface {
	Send(ctx context.Context, chatID string, text string) error
}

// Sink accepts messages for delivery without blocking the caller.
type Sink interface {
	Notify(ctx context.Context, msg Message)
}

// RateLimitedError is returned by a Notifier when the transport asks the
// caller to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Permanent marks a send error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// ErrUnknownChannel is returned for channels without a configured chat.
var ErrUnknownChannel = errors.New("unknown notification channel")

// Router maps logical channels to chat ids.
type Router struct {
	chats   map[string]string
	devMode bool
	devChat string
}

// NewRouter creates a router from the notifier config.
func NewRouter(cfg *config.NotifierConfig) *Router {
	chats := make(map[string]string, len(cfg.Chats))
	for name, id := range cfg.Chats {
		chats[name] = id
	}
	return &Router{chats: chats, devMode: cfg.DevMode, devChat: cfg.DevChat}
}

// Resolve returns the chat id of a channel. In dev mode every channel
// resolves to the dev chat.
func (r *Router) Resolve(channel string) (string, error) {
	if r.devMode {
		channel = r.devChat
	}
	id, ok := r.chats[channel]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return id, nil
}

type logSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink that only logs messages. It is used when no
// notifier is configured.
func NewLogSink(logger *log.Logger) Sink {
	return &logSink{logger: logger.WithModule("notifier")}
}

func (s *logSink) Notify(_ context.Context, msg Message) {
	s.logger.Info("alert", "channel", msg.Channel, "id", msg.ID, "text", msg.Text)
}
