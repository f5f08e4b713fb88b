// Package outbox drains the durable send queue of one account.
//
// Items are sent one at a time in the order they were queued. Every attempt carries the item's
// idempotency key as the envelope ID and, through the Message-ID header, inside the message itself.
// A submission that may have reached the server is never repeated on its own: the item is held until
// the user confirms whether to send it again.
package outbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/supervisor"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownItem       = errors.New("no such outbox item")
	ErrNotAwaitingAnswer = errors.New("outbox item is not awaiting confirmation")
	ErrNotFailed         = errors.New("outbox item has not failed")
	ErrNeedsConfirmation = errors.New("outbox item may have been delivered and needs confirmation")
	ErrNoRecipients      = errors.New("message has no recipients")
)

const (
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 30 * time.Second
	DefaultBackoffCeiling = 30 * time.Minute
	DefaultSendRate       = rate.Limit(1)
	DefaultSendBurst      = 5
	DefaultSentRetention  = 7 * 24 * time.Hour
)

type Config struct {
	// MaxAttempts bounds the attempts of an item which keeps failing transiently.
	MaxAttempts int

	BackoffBase    time.Duration
	BackoffCeiling time.Duration

	// SendRate and SendBurst pace submissions to the server.
	SendRate  rate.Limit
	SendBurst int

	// SentRetention is how long sent items are kept before the drainer deletes them.
	SentRetention time.Duration

	// RetryAmbiguous resends after an ambiguous failure instead of waiting for confirmation.
	// Only set it for servers known to drop resubmissions of an envelope ID they already accepted.
	RetryAmbiguous bool

	Publish func(events.Event)
	Metrics *metrics.Metrics
	Log     *logrus.Entry
	Now     func() time.Time
}

func (cfg *Config) normalize() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}

	if cfg.BackoffCeiling < cfg.BackoffBase {
		cfg.BackoffCeiling = max(DefaultBackoffCeiling, cfg.BackoffBase)
	}

	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}

	if cfg.SendBurst <= 0 {
		cfg.SendBurst = DefaultSendBurst
	}

	if cfg.SentRetention <= 0 {
		cfg.SentRetention = DefaultSentRetention
	}

	if cfg.Publish == nil {
		cfg.Publish = func(events.Event) {}
	}

	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

type Outbox struct {
	accountID db.AccountID
	store     *durable.Store
	sessions  *supervisor.Supervisor[connector.Sender]
	limiter   *rate.Limiter
	cfg       Config
	log       *logrus.Entry

	// lock serialises state changes of items between the drainer and user actions.
	lock sync.Mutex

	wakeCh chan struct{}

	// lastSweep is only touched by the drainer.
	lastSweep time.Time
}

func New(accountID db.AccountID, store *durable.Store, sessions *supervisor.Supervisor[connector.Sender], cfg Config) *Outbox {
	cfg.normalize()

	return &Outbox{
		accountID: accountID,
		store:     store,
		sessions:  sessions,
		limiter:   rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		cfg:       cfg,
		log:       cfg.Log.WithField("account", accountID),
		wakeCh:    make(chan struct{}, 1),
	}
}

// Enqueue stores a message for sending and returns its item. Enqueueing again with the same key
// returns the stored item without queueing a second copy. An empty key is generated.
func (o *Outbox) Enqueue(ctx context.Context, key, from string, to []string, literal []byte) (*db.OutboxItem, error) {
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}

	if key == "" {
		key = uuid.NewString()
	}

	literal, err := withMessageID(literal, key, from)
	if err != nil {
		return nil, err
	}

	var created bool

	item, err := durable.WriteResult(ctx, o.store, func(ctx context.Context, tx *durable.Tx) (*db.OutboxItem, error) {
		digest, err := tx.PutBlob(ctx, literal)
		if err != nil {
			return nil, err
		}

		item, isNew, err := tx.EnqueueOutbox(ctx, &db.OutboxItem{
			AccountID:      o.accountID,
			IdempotencyKey: key,
			From:           from,
			To:             to,
			Blob:           digest,
		})

		created = isNew

		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	if created {
		o.log.WithField("key", key).WithField("recipients", len(to)).Info("Message queued for sending")
		o.wake()
	}

	return item, nil
}

func (o *Outbox) Get(ctx context.Context, key string) (*db.OutboxItem, error) {
	item, err := durable.ReadResult(ctx, o.store, func(ctx context.Context, rd db.ReadOnly) (*db.OutboxItem, error) {
		return rd.GetOutboxItem(ctx, key)
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownItem, key)
	}

	return item, err
}

func (o *Outbox) List(ctx context.Context, states ...db.OutboxState) ([]*db.OutboxItem, error) {
	return durable.ReadResult(ctx, o.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.OutboxItem, error) {
		return rd.GetOutboxItems(ctx, o.accountID, states...)
	})
}

// ConfirmSend resolves an item held after an ambiguous failure. With resend the item is queued again;
// otherwise it is recorded as sent.
func (o *Outbox) ConfirmSend(ctx context.Context, key string, resend bool) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	item, err := o.Get(ctx, key)
	if err != nil {
		return err
	}

	if item.State != db.OutboxFailed || !item.NeedsConfirmation {
		return fmt.Errorf("%w: %v is %v", ErrNotAwaitingAnswer, key, item.State)
	}

	item.NeedsConfirmation = false

	if resend {
		item.State = db.OutboxQueued
		item.NextAttemptAt = o.cfg.Now()
	} else {
		item.State = db.OutboxSent
	}

	if err := o.update(ctx, item); err != nil {
		return err
	}

	if resend {
		o.wake()
	} else {
		o.cfg.Publish(events.OutboxItemSent{AccountID: int64(o.accountID), IdempotencyKey: key, Attempts: item.Attempts})
	}

	return nil
}

// RetryFailed queues a failed item again with a fresh attempt budget.
func (o *Outbox) RetryFailed(ctx context.Context, key string) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	item, err := o.Get(ctx, key)
	if err != nil {
		return err
	}

	if item.State != db.OutboxFailed {
		return fmt.Errorf("%w: %v is %v", ErrNotFailed, key, item.State)
	}

	if item.NeedsConfirmation {
		return fmt.Errorf("%w: %v", ErrNeedsConfirmation, key)
	}

	item.State = db.OutboxQueued
	item.Attempts = 0
	item.NextAttemptAt = o.cfg.Now()

	if err := o.update(ctx, item); err != nil {
		return err
	}

	o.wake()

	return nil
}

func (o *Outbox) wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *Outbox) update(ctx context.Context, item *db.OutboxItem) error {
	return o.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.UpdateOutboxItem(ctx, item)
	})
}

// withMessageID adds a Message-ID header derived from the idempotency key unless the message has one.
func withMessageID(literal []byte, key, from string) ([]byte, error) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(literal)))
	if err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	if header.Has("Message-Id") {
		return literal, nil
	}

	domain := "localhost"

	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}

	return append([]byte(fmt.Sprintf("Message-ID: <%v@%v>\r\n", key, domain)), literal...), nil
}
