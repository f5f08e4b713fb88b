package db

import (
	"context"
	"time"
)

type OutboxReadOps interface {
	GetOutboxItem(ctx context.Context, key string) (*OutboxItem, error)

	GetOutboxItems(ctx context.Context, accountID AccountID, states ...OutboxState) ([]*OutboxItem, error)

	// GetOutboxHead returns the oldest queued or sending item of the account.
	GetOutboxHead(ctx context.Context, accountID AccountID) (*OutboxItem, error)
}

type OutboxWriteOps interface {
	// EnqueueOutbox inserts the item unless its idempotency key exists, in which case the stored item is returned.
	EnqueueOutbox(ctx context.Context, item *OutboxItem) (*OutboxItem, bool, error)

	UpdateOutboxItem(ctx context.Context, item *OutboxItem) error

	FailInterruptedOutboxItems(ctx context.Context, accountID AccountID) (int, error)

	// PruneSentOutboxItems deletes the account's sent items last updated before olderThan,
	// releasing their blobs.
	PruneSentOutboxItems(ctx context.Context, accountID AccountID, olderThan time.Time) (int, error)
}

type IndexReadOps interface {
	GetIndexFeed(ctx context.Context, limit int) ([]IndexFeedEntry, error)
}

type IndexWriteOps interface {
	DeleteIndexFeed(ctx context.Context, upTo int64) error
}
