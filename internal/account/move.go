package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/mailbox"
	"golang.org/x/exp/slices"
)

// ErrStalePosition is returned when the server no longer holds a message where the store last saw it.
// The next sync of its mailbox settles where the message is.
var ErrStalePosition = errors.New("message is not at its stored position")

type movePlan struct {
	message        *db.Message
	source, target *db.Mailbox
}

// MoveMessage moves a message to another mailbox of the account on the server. The source copy is
// tombstoned right away; the message reappears under the same ID when the target mailbox syncs.
func (r *Runner) MoveMessage(ctx context.Context, id db.MessageID, target db.MailboxID) error {
	plan, err := durable.ReadResult(ctx, r.store, func(ctx context.Context, rd db.ReadOnly) (movePlan, error) {
		return r.planMove(ctx, rd, id, target)
	})
	if err != nil {
		return err
	}

	if plan.source.ID == plan.target.ID {
		return nil
	}

	conn, err := r.imap.Acquire(ctx)
	if err != nil {
		return err
	}

	defer r.imap.Release(conn)

	var uid imap.UID

	// The target must not sync the moved message before the move is recorded, and the source's
	// messages are only written by its own passes otherwise.
	if err := r.hold(func() error {
		validity, newUID, err := moveRemote(ctx, conn, plan)

		if err != nil && connector.IsTransient(err) {
			r.imap.Failed()
		} else {
			r.imap.Succeeded()
		}

		if err != nil {
			return fmt.Errorf("failed to move message %v to %q: %w", id, plan.target.Name, err)
		}

		uid = newUID

		return r.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
			from := db.UIDAnchor{MailboxID: plan.source.ID, Validity: plan.message.Validity, UID: plan.message.UID}

			if err := tx.ApplyExpunges(ctx, from.MailboxID, from.Validity, from.UID); err != nil {
				return err
			}

			if newUID == 0 {
				return nil
			}

			return tx.RecordMove(ctx, db.UIDAnchor{MailboxID: plan.target.ID, Validity: validity, UID: newUID}, from)
		})
	}, plan.source.ID, plan.target.ID); err != nil {
		return err
	}

	r.log.WithField("message", id).
		WithField("from", plan.source.Name).
		WithField("to", plan.target.Name).
		WithField("uid", uid).
		Debug("Moved message")

	r.cfg.Publish(events.MessageMoved{MessageID: string(id), From: int64(plan.source.ID), To: int64(plan.target.ID)})

	r.RefreshMailbox(plan.target.ID)

	return nil
}

// hold runs fn while none of the mailboxes runs a pass. Mailboxes are held in ID order so that
// concurrent moves cannot deadlock.
func (r *Runner) hold(fn func() error, ids ...db.MailboxID) error {
	slices.Sort(ids)

	r.lock.Lock()

	syncers := make([]*mailbox.Syncer, 0, len(ids))

	for _, id := range ids {
		if t, ok := r.tasks[id]; ok {
			syncers = append(syncers, t.syncer)
		}
	}

	r.lock.Unlock()

	run := fn

	for i := len(syncers) - 1; i >= 0; i-- {
		syncer, inner := syncers[i], run
		run = func() error { return syncer.Hold(inner) }
	}

	return run()
}

func (r *Runner) planMove(ctx context.Context, rd db.ReadOnly, id db.MessageID, target db.MailboxID) (movePlan, error) {
	message, err := rd.GetMessage(ctx, id)
	if err != nil {
		return movePlan{}, err
	}

	if message.Deleted || !message.Mapped() {
		return movePlan{}, fmt.Errorf("message %v has no server UID: %w", id, ErrStalePosition)
	}

	source, err := rd.GetMailbox(ctx, message.MailboxID)
	if err != nil {
		return movePlan{}, err
	}

	dest, err := rd.GetMailbox(ctx, target)
	if err != nil {
		return movePlan{}, err
	}

	if source.AccountID != r.account.ID || dest.AccountID != r.account.ID {
		return movePlan{}, fmt.Errorf("%w: message %v and mailbox %v are not both of account %v", db.ErrNotFound, id, target, r.account.ID)
	}

	return movePlan{message: message, source: source, target: dest}, nil
}

func moveRemote(ctx context.Context, conn connector.Connector, plan movePlan) (imap.UIDValidity, imap.UID, error) {
	status, err := conn.Select(ctx, plan.source.Name)
	if err != nil {
		return 0, 0, err
	}

	if status.Validity != plan.message.Validity {
		return 0, 0, fmt.Errorf("%q is at validity %v, not %v: %w", plan.source.Name, status.Validity, plan.message.Validity, ErrStalePosition)
	}

	return conn.Move(ctx, plan.message.UID, plan.target.Name)
}
