// Package events holds the events the engine publishes about accounts, mailboxes and the outbox.
package events

type Event interface {
	_isEvent()
}

type eventBase struct{}

func (eventBase) _isEvent() {}
