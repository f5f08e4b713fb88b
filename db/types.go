package db

import (
	"time"

	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/store"
)

type AccountID int64

type MailboxID int64

// MessageID is the engine's own identifier of a message, stable across moves and validity changes.
type MessageID string

// ConnectionPolicy holds the per-account connection limits.
type ConnectionPolicy struct {
	DNSTimeout       time.Duration
	ConnectTimeout   time.Duration
	FirstByteTimeout time.Duration
	IdleReadTimeout  time.Duration
	MaxConnections   int
	BackoffBase      time.Duration
	BackoffCeiling   time.Duration
	MaxAuthFailures  int
}

func DefaultConnectionPolicy() ConnectionPolicy {
	return ConnectionPolicy{
		DNSTimeout:       10 * time.Second,
		ConnectTimeout:   30 * time.Second,
		FirstByteTimeout: 30 * time.Second,
		IdleReadTimeout:  31 * time.Minute,
		MaxConnections:   4,
		BackoffBase:      time.Second,
		BackoffCeiling:   5 * time.Minute,
		MaxAuthFailures:  3,
	}
}

type Account struct {
	ID            AccountID
	Address       string
	IMAPHost      string
	IMAPPort      int
	SMTPHost      string
	SMTPPort      int
	CredentialRef string
	Policy        ConnectionPolicy
	CreatedAt     time.Time
}

type Mailbox struct {
	ID        MailboxID
	AccountID AccountID
	Name      string
	Delimiter string
	Role      imap.Role
	SyncState string
}

// Cursor is the per-mailbox sync position. HighWatermark and ModSeq only mean something under Validity.
type Cursor struct {
	Validity      imap.UIDValidity
	HighWatermark imap.UID
	ModSeq        imap.ModSeq
	SyncedAt      time.Time
}

type Message struct {
	ID              MessageID
	MailboxID       MailboxID
	UID             imap.UID
	Validity        imap.UIDValidity
	IdentityKey     string
	HeaderMessageID string
	Subject         string
	From            string
	To              []string
	Date            time.Time
	Size            int64
	Blob            store.Digest
	Flags           imap.FlagSet
	Deleted         bool
	UpdatedAt       time.Time
}

// Mapped reports whether the message currently has a server UID.
func (m *Message) Mapped() bool {
	return m.UID != 0
}

type Attachment struct {
	Index       int
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Size        int64
	Blob        store.Digest
}

// MessageUpsert describes a message as reported by the server, after identity resolution.
type MessageUpsert struct {
	ID              MessageID
	MailboxID       MailboxID
	UID             imap.UID
	Validity        imap.UIDValidity
	IdentityKey     string
	HeaderMessageID string
	HeuristicKey    string
	Subject         string
	From            string
	To              []string
	Date            time.Time
	Size            int64
	Blob            store.Digest
	Flags           imap.FlagSet
	Attachments     []Attachment
}

// FlagChange replaces the full flag set of the message holding UID.
type FlagChange struct {
	UID   imap.UID
	Flags imap.FlagSet
}

// UIDAnchor is a (mailbox, validity, UID) triple a message was last known under.
type UIDAnchor struct {
	MailboxID MailboxID
	Validity  imap.UIDValidity
	UID       imap.UID
}

func (a UIDAnchor) IsZero() bool {
	return a.UID == 0
}

// IdentityRecord is the subset of a message the identity resolver matches on.
type IdentityRecord struct {
	ID              MessageID
	MailboxID       MailboxID
	UID             imap.UID
	Validity        imap.UIDValidity
	IdentityKey     string
	HeaderMessageID string
	HeuristicKey    string
	From            string
	Subject         string
	Date            time.Time
	Deleted         bool
	Anchor          UIDAnchor
}

// Live reports whether the record is neither expunged nor waiting to be re-mapped.
func (r *IdentityRecord) Live() bool {
	return !r.Deleted && r.UID != 0
}

type ListFilter struct {
	// Flag restricts the listing to messages carrying the flag.
	Flag string

	// Unflagged restricts the listing to messages not carrying the flag.
	Unflagged string

	Since time.Time

	// Limit defaults to 50 and is capped at ChunkLimit.
	Limit int

	// PageToken continues a previous listing.
	PageToken string
}

type MessagePage struct {
	Messages      []*Message
	NextPageToken string
}

type OutboxState string

const (
	OutboxQueued  OutboxState = "queued"
	OutboxSending OutboxState = "sending"
	OutboxSent    OutboxState = "sent"
	OutboxFailed  OutboxState = "failed"
)

type OutboxItem struct {
	ID             int64
	AccountID      AccountID
	IdempotencyKey string
	From           string
	To             []string
	Blob           store.Digest
	State          OutboxState
	Attempts       int
	LastError      string
	NextAttemptAt  time.Time

	// NeedsConfirmation marks a failure where the server may or may not have accepted the message.
	NeedsConfirmation bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type IndexOp string

const (
	IndexInsert IndexOp = "insert"
	IndexUpdate IndexOp = "update"
	IndexDelete IndexOp = "delete"
)

type IndexFeedEntry struct {
	Seq       int64
	MessageID MessageID
	Op        IndexOp
}

// FlagWriteBack is a local flag change waiting to be pushed to the server.
type FlagWriteBack struct {
	ID        int64
	MessageID MessageID
	MailboxID MailboxID
	UID       imap.UID
	Validity  imap.UIDValidity
	Add       []string
	Remove    []string
}

type BlobRef struct {
	Digest   store.Digest
	Size     int64
	RefCount int
}
