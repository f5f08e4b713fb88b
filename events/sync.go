package events

import "time"

type SyncStateChanged struct {
	eventBase

	MailboxID int64
	State     string
}

// MailboxSynced is published after a sync pass committed its cursor.
type MailboxSynced struct {
	eventBase

	MailboxID int64
	Mode      string

	Added     int
	Updated   int
	Expunged  int
	Skipped   int
	Watermark uint32
	Took      time.Duration
}

// SyncFailed is published when a sync attempt failed. The mailbox retries after a backoff.
type SyncFailed struct {
	eventBase

	MailboxID int64
	Err       error
}

// MessageMoved is published once the server moved a message. The message keeps its ID when the
// target mailbox syncs if the server reported the UID it got there.
type MessageMoved struct {
	eventBase

	MessageID string
	From      int64
	To        int64
}
