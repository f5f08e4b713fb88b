package db

import (
	"context"

	"github.com/NostraDavid/mail/imap"
)

type MailboxReadOps interface {
	GetMailbox(ctx context.Context, id MailboxID) (*Mailbox, error)

	GetMailboxByName(ctx context.Context, accountID AccountID, name string) (*Mailbox, error)

	GetMailboxes(ctx context.Context, accountID AccountID) ([]*Mailbox, error)

	// GetCursor returns ErrNotFound if the mailbox never completed a sync in its current epoch.
	GetCursor(ctx context.Context, id MailboxID) (Cursor, error)
}

type MailboxWriteOps interface {
	CreateMailbox(ctx context.Context, accountID AccountID, name, delimiter string, role imap.Role) (*Mailbox, error)

	UpdateMailboxRole(ctx context.Context, id MailboxID, delimiter string, role imap.Role) error

	// DeleteMailbox removes the mailbox and its messages.
	DeleteMailbox(ctx context.Context, id MailboxID) error

	SetMailboxSyncState(ctx context.Context, id MailboxID, state string) error

	// SetCursor must be the last write of a sync transaction.
	SetCursor(ctx context.Context, id MailboxID, cursor Cursor) error

	// ResetMailboxEpoch drops the cursor and every UID mapping of the mailbox. Messages keep their identity.
	ResetMailboxEpoch(ctx context.Context, id MailboxID) error
}
