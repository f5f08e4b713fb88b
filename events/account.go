package events

type AccountAdded struct {
	eventBase

	AccountID int64
	Address   string
}

type AccountRemoved struct {
	eventBase

	AccountID int64
}

// AccountFatal is published when an account stopped syncing and needs user action,
// e.g. because its credential is no longer accepted.
type AccountFatal struct {
	eventBase

	AccountID int64
	Err       error
}

type MailboxAdded struct {
	eventBase

	AccountID int64
	MailboxID int64
	Name      string
	Role      string
}

type MailboxRemoved struct {
	eventBase

	AccountID int64
	MailboxID int64
	Name      string
}
