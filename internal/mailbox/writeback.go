package mailbox

import (
	"context"
	"fmt"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/durable"
)

// pushWriteBacks sends pending local flag changes to the server before flags are reconciled, so the
// reconciliation does not undo them. Changes the server rejects outright are dropped.
func (s *Syncer) pushWriteBacks(ctx context.Context, conn connector.Connector, validity imap.UIDValidity) error {
	pending, err := durable.ReadResult(ctx, s.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.FlagWriteBack, error) {
		return rd.GetFlagWriteBacks(ctx, s.mailbox.ID)
	})
	if err != nil {
		return err
	}

	for _, wb := range pending {
		// Waits for the next initial sync to map the message under the current validity.
		if wb.Validity != validity {
			continue
		}

		if err := conn.StoreFlags(ctx, wb.UID, wb.Add, wb.Remove); err != nil {
			if connector.IsTransient(err) || connector.IsAuth(err) || connector.IsCancellation(err) {
				return fmt.Errorf("failed to push flags of UID %v: %w", wb.UID, err)
			}

			s.log.WithError(err).WithField("uid", wb.UID).Warn("Server rejected flag change, dropping it")
		}

		if err := s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
			return tx.DeleteFlagWriteBack(ctx, wb.ID)
		}); err != nil {
			return err
		}
	}

	return nil
}
