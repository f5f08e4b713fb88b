package mail

import (
	"reflect"

	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/internal/queue"
)

// subscription queues the engine events one consumer asked for. Publishing never blocks on a slow
// consumer; the queue grows instead.
type subscription struct {
	match func(events.Event) bool
	queue *queue.QueuedChannel[events.Event]
}

func subscribe(match func(events.Event) bool) *subscription {
	if match == nil {
		match = func(events.Event) bool { return true }
	}

	return &subscription{
		match: match,
		queue: queue.NewQueuedChannel[events.Event](1, 16),
	}
}

// ofTypes matches events with the same dynamic type as one of the examples, or every event if
// there are none.
func ofTypes(examples ...events.Event) func(events.Event) bool {
	if len(examples) == 0 {
		return nil
	}

	types := make(map[reflect.Type]struct{}, len(examples))

	for _, example := range examples {
		types[reflect.TypeOf(example)] = struct{}{}
	}

	return func(event events.Event) bool {
		_, ok := types[reflect.TypeOf(event)]
		return ok
	}
}

// deliver queues the event if the subscription wants it. It reports false only when a wanted
// event could not be queued because the subscription was cancelled.
func (s *subscription) deliver(event events.Event) bool {
	if !s.match(event) {
		return true
	}

	return s.queue.Enqueue(event)
}

func (s *subscription) events() <-chan events.Event {
	return s.queue.GetChannel()
}

// cancel closes the channel; events still queued are dropped.
func (s *subscription) cancel() {
	s.queue.CloseAndDiscardQueued()
}
