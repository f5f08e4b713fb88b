package mail

import (
	"errors"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/internal/outbox"
	"github.com/NostraDavid/mail/store"
)

var (
	ErrNoSuchAccount   = errors.New("no such account")
	ErrSendingDisabled = errors.New("account has no submission server")
)

// IsAuthExpired returns true if the error means the account's credential is no longer accepted.
func IsAuthExpired(err error) bool {
	return errors.Is(err, connector.ErrAuthExpired) || errors.Is(err, connector.ErrAuthFatal)
}

// IsStorageFailure returns true if the error comes from the local database or blob store.
func IsStorageFailure(err error) bool {
	return errors.Is(err, db.ErrTransactionFailed) ||
		errors.Is(err, db.ErrMigrationFailed) ||
		errors.Is(err, store.ErrDigestMismatch)
}

// IsDeliveryFailure returns true if the error describes a message the outbox could not deliver.
func IsDeliveryFailure(err error) bool {
	var deliveryErr *connector.DeliveryError

	return errors.As(err, &deliveryErr) || errors.Is(err, outbox.ErrNeedsConfirmation)
}

// IsNoSuchMessage returns true if the error is caused by an unknown message or mailbox.
func IsNoSuchMessage(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
