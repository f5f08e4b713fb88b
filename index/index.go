// Package index defines the contract of the external search index fed by the engine.
package index

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
)

type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"

	case OpUpdate:
		return "update"

	case OpDelete:
		return "delete"

	default:
		return "unknown"
	}
}

type Event struct {
	MessageID string
	Op        Op

	// Text is the searchable text of the message. Empty for deletes.
	Text string
}

// Sink receives index events. Delivery is at least once; Apply must tolerate replays.
type Sink interface {
	Apply(ctx context.Context, events []Event) error
}

// MemorySink keeps the latest text of every indexed message.
type MemorySink struct {
	docs map[string]string
	lock sync.RWMutex
}

func NewMemorySink() *MemorySink {
	return &MemorySink{docs: make(map[string]string)}
}

func (s *MemorySink) Apply(_ context.Context, events []Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, event := range events {
		if event.Op == OpDelete {
			delete(s.docs, event.MessageID)
		} else {
			s.docs[event.MessageID] = event.Text
		}
	}

	return nil
}

func (s *MemorySink) Get(messageID string) (string, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	text, ok := s.docs[messageID]

	return text, ok
}

func (s *MemorySink) IDs() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return maps.Keys(s.docs)
}

// NullSink discards every event.
type NullSink struct{}

func (NullSink) Apply(context.Context, []Event) error {
	return nil
}
