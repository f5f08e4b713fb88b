package connector

import (
	"context"
	"strings"
	"time"

	"github.com/NostraDavid/mail/imap"
)

// Connector is a live, authenticated session with the remote mail store.
// A session has at most one selected mailbox; message operations apply to it.
type Connector interface {
	// Capabilities returns what the server advertised when the session was opened.
	Capabilities() imap.Capabilities

	// ListMailboxes returns every mailbox of the account.
	ListMailboxes(ctx context.Context) ([]MailboxInfo, error)

	// Select makes name the selected mailbox and returns its status.
	Select(ctx context.Context, name string) (Status, error)

	// UIDs returns the UIDs of the selected mailbox within the range, in ascending order.
	UIDs(ctx context.Context, uids imap.UIDRange) ([]imap.UID, error)

	// Flags returns the flags of the messages in the range. If changedSince is non-zero and the server
	// supports change sequences, only messages changed after it are returned.
	Flags(ctx context.Context, uids imap.UIDRange, changedSince imap.ModSeq) ([]FlagState, error)

	// Fetch returns the messages with the given UIDs. UIDs which no longer exist are omitted.
	Fetch(ctx context.Context, uids []imap.UID) ([]RemoteMessage, error)

	// StoreFlags adds and removes flags of a message in the selected mailbox.
	StoreFlags(ctx context.Context, uid imap.UID, add, remove []string) error

	// Move moves a message of the selected mailbox into the target mailbox. It returns the validity and
	// UID the message got in the target if the server reported them, zero values otherwise.
	Move(ctx context.Context, uid imap.UID, target string) (imap.UIDValidity, imap.UID, error)

	// WaitForChanges blocks until the server reports a change to the selected mailbox,
	// the timeout passes or ctx is done. It reports whether a change was seen.
	WaitForChanges(ctx context.Context, timeout time.Duration) (bool, error)

	Close() error
}

type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// Selectable reports whether messages can be stored in the mailbox.
func (m MailboxInfo) Selectable() bool {
	for _, attr := range m.Attributes {
		if strings.EqualFold(attr, `\Noselect`) || strings.EqualFold(attr, `\NonExistent`) {
			return false
		}
	}

	return true
}

type Status struct {
	Validity      imap.UIDValidity
	UIDNext       imap.UID
	Messages      uint32
	HighestModSeq imap.ModSeq
}

type FlagState struct {
	UID    imap.UID
	Flags  imap.FlagSet
	ModSeq imap.ModSeq
}

// Envelope is the header summary the server computed for a message.
type Envelope struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
}

type RemoteMessage struct {
	UID          imap.UID
	Flags        imap.FlagSet
	ModSeq       imap.ModSeq
	Size         int64
	InternalDate time.Time

	// Envelope is nil if the server did not return one.
	Envelope *Envelope

	Literal []byte
}

// DeliveryEnvelope addresses an outgoing message. EnvelopeID lets servers supporting DSN recognize retries.
type DeliveryEnvelope struct {
	From       string
	To         []string
	EnvelopeID string
}

// Sender is a live, authenticated session with the delivery server.
type Sender interface {
	// Send submits the literal. A *DeliveryError describes how a failure should be handled.
	Send(ctx context.Context, env DeliveryEnvelope, literal []byte) error

	// SupportsDSN reports whether the server takes the envelope ID, which lets it recognize a resubmission.
	SupportsDSN() bool

	Close() error
}
