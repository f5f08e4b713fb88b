package events

type OutboxItemSent struct {
	eventBase

	AccountID      int64
	IdempotencyKey string
	Attempts       int
}

// OutboxItemFailed is published when an item moved to the failed state.
// NeedsConfirmation is set when the server may have accepted the message anyway.
type OutboxItemFailed struct {
	eventBase

	AccountID         int64
	IdempotencyKey    string
	Err               string
	NeedsConfirmation bool
}
