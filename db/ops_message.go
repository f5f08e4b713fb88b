package db

import (
	"context"
	"time"

	"github.com/NostraDavid/mail/imap"
)

type MessageReadOps interface {
	GetMessage(ctx context.Context, id MessageID) (*Message, error)

	GetMessageAttachments(ctx context.Context, id MessageID) ([]Attachment, error)

	ListMessages(ctx context.Context, mailboxID MailboxID, filter ListFilter) (MessagePage, error)

	// GetMailboxUIDs returns the messages mapped under the given validity, keyed by UID.
	GetMailboxUIDs(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity) (map[imap.UID]MessageID, error)

	GetMailboxFlags(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity) (map[imap.UID]imap.FlagSet, error)

	GetMessageCount(ctx context.Context, mailboxID MailboxID) (int, error)

	FindMessageByUID(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity, uid imap.UID) (MessageID, error)

	FindByIdentityKey(ctx context.Context, accountID AccountID, key string) ([]*IdentityRecord, error)

	FindByHeaderMessageID(ctx context.Context, accountID AccountID, headerID string) ([]*IdentityRecord, error)

	// FindByAnchor returns the messages last known under the anchor. Anchors of an epoch the anchor
	// mailbox has since left are not matched.
	FindByAnchor(ctx context.Context, anchor UIDAnchor) ([]*IdentityRecord, error)

	// GetMoveOrigins returns, keyed by destination UID, where the messages moved into the mailbox came from.
	GetMoveOrigins(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity) (map[imap.UID]UIDAnchor, error)

	GetFlagWriteBacks(ctx context.Context, mailboxID MailboxID) ([]*FlagWriteBack, error)
}

type MessageWriteOps interface {
	// UpsertMessages inserts new messages or re-maps existing ones (moves, validity changes) to their new UID.
	UpsertMessages(ctx context.Context, reqs ...*MessageUpsert) error

	ApplyFlagChanges(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity, changes ...FlagChange) error

	// ApplyExpunges turns the messages into tombstones which remember their last UID as anchor.
	ApplyExpunges(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity, uids ...imap.UID) error

	// TombstoneUnmapped marks every message of the mailbox without a UID as expunged.
	TombstoneUnmapped(ctx context.Context, mailboxID MailboxID) (int, error)

	// RecordMove remembers that the message at source now lives at target.
	RecordMove(ctx context.Context, target, source UIDAnchor) error

	DeleteMoves(ctx context.Context, mailboxID MailboxID, validity imap.UIDValidity, uids ...imap.UID) error

	// PruneTombstones deletes tombstones and unclaimed moves older than olderThan.
	PruneTombstones(ctx context.Context, olderThan time.Time) (int, error)

	// SetMessageFlags applies a local flag change and queues it for the server.
	SetMessageFlags(ctx context.Context, id MessageID, add, remove []string) error

	DeleteFlagWriteBack(ctx context.Context, id int64) error
}
