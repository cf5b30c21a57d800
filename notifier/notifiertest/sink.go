// Package notifiertest provides a recording notifier.Sink.
package notifiertest

import (
	"context"
	"sync"

	"github.com/waveyops/ledgerwatch/notifier"
)

// Sink records every message it is handed.
type Sink struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

var _ notifier.Sink = (*Sink)(nil)

func (s *Sink) Notify(_ context.Context, msg notifier.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

// Messages returns a copy of the recorded messages.
func (s *Sink) Messages() []notifier.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifier.Message(nil), s.msgs...)
}

// Texts returns the text of every recorded message.
func (s *Sink) Texts() []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.Text)
	}
	return out
}

// Reset forgets all recorded messages.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}
