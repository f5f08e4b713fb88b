package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/supervisor"
	"github.com/NostraDavid/mail/reporter"
)

// Run drains the queue until ctx is done. Items found mid-send, left by a previous run that stopped
// abruptly, are failed and held for confirmation first.
func (o *Outbox) Run(ctx context.Context) error {
	interrupted, err := durable.WriteResult(ctx, o.store, func(ctx context.Context, tx *durable.Tx) (int, error) {
		return tx.FailInterruptedOutboxItems(ctx, o.accountID)
	})
	if err != nil {
		return fmt.Errorf("failed to resolve interrupted sends: %w", err)
	}

	if interrupted > 0 {
		o.log.WithField("count", interrupted).Warn("Found interrupted sends, holding them for confirmation")

		if err := o.publishHeld(ctx); err != nil {
			return err
		}
	}

	for {
		head, err := o.head(ctx)
		if err != nil {
			return err
		}

		if head == nil {
			o.sweep(ctx)

			if err := o.sleep(ctx, nil); err != nil {
				return err
			}

			continue
		}

		if wait := head.NextAttemptAt.Sub(o.cfg.Now()); wait > 0 {
			timer := time.NewTimer(wait)

			err := o.sleep(ctx, timer.C)

			timer.Stop()

			if err != nil {
				return err
			}

			continue
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		if err := o.attempt(ctx, head); err != nil {
			return err
		}
	}
}

// sweep deletes sent items older than the retention, at most once per retention period or hour.
// Their blobs become garbage for the next collection.
func (o *Outbox) sweep(ctx context.Context) {
	now := o.cfg.Now()

	if now.Sub(o.lastSweep) < min(o.cfg.SentRetention, time.Hour) {
		return
	}

	o.lastSweep = now

	pruned, err := durable.WriteResult(ctx, o.store, func(ctx context.Context, tx *durable.Tx) (int, error) {
		return tx.PruneSentOutboxItems(ctx, o.accountID, now.Add(-o.cfg.SentRetention))
	})
	if err != nil {
		if ctx.Err() == nil {
			o.log.WithError(err).Warn("Failed to prune sent items")
		}

		return
	}

	if pruned > 0 {
		o.log.WithField("count", pruned).Debug("Pruned sent items")
	}
}

func (o *Outbox) head(ctx context.Context) (*db.OutboxItem, error) {
	head, err := durable.ReadResult(ctx, o.store, func(ctx context.Context, rd db.ReadOnly) (*db.OutboxItem, error) {
		return rd.GetOutboxHead(ctx, o.accountID)
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}

	return head, err
}

func (o *Outbox) sleep(ctx context.Context, timer <-chan time.Time) error {
	select {
	case <-o.wakeCh:
	case <-timer:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// attempt makes one delivery attempt of the head item and records its outcome.
// It only returns errors which stop the drainer.
func (o *Outbox) attempt(ctx context.Context, item *db.OutboxItem) error {
	log := o.log.WithField("key", item.IdempotencyKey)

	sender, err := o.sessions.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item.Attempts++

		return o.resolve(ctx, item, fmt.Errorf("failed to connect: %w", err), false)
	}

	literal, err := o.store.GetBlob(item.Blob)
	if err != nil {
		o.sessions.Release(sender)

		reporter.MessageWithContext(ctx, "Outbox item content missing", reporter.Context{"key": item.IdempotencyKey, "error": err})

		return o.fail(ctx, item, fmt.Errorf("message content missing: %w", err), false)
	}

	o.lock.Lock()

	item.State = db.OutboxSending
	item.Attempts++

	err = o.update(ctx, item)

	o.lock.Unlock()

	if err != nil {
		o.sessions.Release(sender)
		return err
	}

	log.WithField("attempt", item.Attempts).Debug("Submitting message")

	// The exchange is not interrupted half way; a cancelled drainer waits for the server's answer.
	err = sender.Send(context.WithoutCancel(ctx), connector.DeliveryEnvelope{
		From:       item.From,
		To:         item.To,
		EnvelopeID: item.IdempotencyKey,
	}, literal)

	if connector.IsTransient(err) || connector.IsAmbiguous(err) {
		o.sessions.Failed()
	} else {
		o.sessions.Succeeded()
	}

	dsn := sender.SupportsDSN()

	o.sessions.Release(sender)

	return o.resolve(context.WithoutCancel(ctx), item, err, dsn)
}

// resolve records the outcome of an attempt. An ambiguous failure is only resubmitted automatically
// if the server took the envelope ID, so it can drop the copy it may already have queued.
func (o *Outbox) resolve(ctx context.Context, item *db.OutboxItem, err error, dsn bool) error {
	log := o.log.WithField("key", item.IdempotencyKey).WithField("attempt", item.Attempts)

	switch {
	case err == nil:
		o.lock.Lock()
		item.State = db.OutboxSent
		item.LastError = ""
		updateErr := o.update(ctx, item)
		o.lock.Unlock()

		if updateErr != nil {
			return updateErr
		}

		log.Info("Message sent")

		o.cfg.Metrics.OutboxAttempt("sent")
		o.cfg.Publish(events.OutboxItemSent{AccountID: int64(o.accountID), IdempotencyKey: item.IdempotencyKey, Attempts: item.Attempts})

		return nil

	case connector.IsAmbiguous(err) && o.cfg.RetryAmbiguous && dsn && item.Attempts < o.cfg.MaxAttempts:
		log.WithError(err).Warn("Send outcome unknown, resubmitting under the same envelope ID")

		return o.retry(ctx, item, err)

	case connector.IsAmbiguous(err):
		log.WithError(err).Warn("Send outcome unknown, holding message for confirmation")

		return o.fail(ctx, item, err, true)

	case connector.IsTransient(err) && item.Attempts < o.cfg.MaxAttempts:
		log.WithError(err).Warn("Send failed, will retry")

		return o.retry(ctx, item, err)

	default:
		log.WithError(err).Error("Send failed permanently")

		return o.fail(ctx, item, err, false)
	}
}

func (o *Outbox) retry(ctx context.Context, item *db.OutboxItem, cause error) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	item.State = db.OutboxQueued
	item.LastError = cause.Error()
	item.NextAttemptAt = o.cfg.Now().Add(supervisor.Delay(o.cfg.BackoffBase, o.cfg.BackoffCeiling, item.Attempts-1))

	o.cfg.Metrics.OutboxAttempt("retry")

	return o.update(ctx, item)
}

func (o *Outbox) fail(ctx context.Context, item *db.OutboxItem, cause error, ambiguous bool) error {
	o.lock.Lock()

	item.State = db.OutboxFailed
	item.LastError = cause.Error()
	item.NeedsConfirmation = ambiguous

	err := o.update(ctx, item)

	o.lock.Unlock()

	if err != nil {
		return err
	}

	result := "failed"
	if ambiguous {
		result = "held"
	}

	o.cfg.Metrics.OutboxAttempt(result)
	o.cfg.Publish(events.OutboxItemFailed{
		AccountID:         int64(o.accountID),
		IdempotencyKey:    item.IdempotencyKey,
		Err:               item.LastError,
		NeedsConfirmation: ambiguous,
	})

	return nil
}

func (o *Outbox) publishHeld(ctx context.Context) error {
	failed, err := o.List(ctx, db.OutboxFailed)
	if err != nil {
		return err
	}

	for _, item := range failed {
		if !item.NeedsConfirmation {
			continue
		}

		o.cfg.Publish(events.OutboxItemFailed{
			AccountID:         int64(o.accountID),
			IdempotencyKey:    item.IdempotencyKey,
			Err:               item.LastError,
			NeedsConfirmation: true,
		})
	}

	return nil
}
