// Package mail keeps a local, durable replica of remote mailboxes and a reliable outgoing message queue.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/internal/account"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/export"
	"github.com/NostraDavid/mail/internal/indexer"
	"github.com/NostraDavid/mail/internal/outbox"
	"github.com/NostraDavid/mail/internal/supervisor"
	"github.com/NostraDavid/mail/limits"
	"github.com/NostraDavid/mail/logging"
	"github.com/NostraDavid/mail/observability"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/NostraDavid/mail/reporter"
	"github.com/NostraDavid/mail/wait"
	"github.com/sirupsen/logrus"
)

// Engine syncs every configured account in the background and serves reads from the local replica.
type Engine struct {
	dir         string
	store       *durable.Store
	credentials credential.Provider
	imapConnect IMAPConnectFunc
	smtpConnect SMTPConnectFunc
	indexer     *indexer.Indexer
	runnerCfg   account.Config
	retention   time.Duration
	maintenance time.Duration
	limits      limits.Limits
	metrics     *metrics.Metrics
	reporter    reporter.Reporter

	// ctx is cancelled by Close and parents every background task.
	ctx    context.Context
	cancel context.CancelFunc
	group  wait.Group

	accounts     map[db.AccountID]*accountHandle
	accountsLock sync.RWMutex

	watchers     []*subscription
	watchersLock sync.RWMutex

	closeOnce sync.Once
}

type accountHandle struct {
	account *db.Account
	runner  *account.Runner
	imap    *supervisor.Supervisor[connector.Connector]
	smtp    *supervisor.Supervisor[connector.Sender]
	cancel  context.CancelFunc
	done    chan struct{}

	// err is the reason the runner stopped. It may only be read once done is closed.
	err error
}

func (h *accountHandle) stopped() (bool, error) {
	select {
	case <-h.done:
		return true, h.err

	default:
		return false, nil
	}
}

// AccountStatus describes the sync progress of an account.
type AccountStatus struct {
	Running bool

	// Err is why the account stopped, e.g. a credential the server no longer accepts.
	Err error

	// Mailboxes maps each syncing mailbox to its current sync state.
	Mailboxes map[db.MailboxID]string
}

// New opens the engine data and starts syncing the accounts stored there.
func New(withOpt ...Option) (*Engine, error) {
	builder := newBuilder()

	for _, opt := range withOpt {
		opt.config(builder)
	}

	engine, err := builder.build()
	if err != nil {
		return nil, err
	}

	engine.runnerCfg.Publish = engine.publish

	ctx := reporter.NewContextWithReporter(context.Background(), engine.reporter)
	ctx = observability.NewContextWithMetrics(ctx, engine.metrics)

	engine.ctx, engine.cancel = context.WithCancel(ctx)
	engine.group.PanicHandler = reportingPanicHandler{ctx: engine.ctx, next: builder.panicHandler}

	if err := engine.start(); err != nil {
		return nil, errors.Join(err, engine.Close(context.Background()))
	}

	return engine, nil
}

func (e *Engine) start() error {
	if n, err := e.store.SweepOrphans(e.ctx); err != nil {
		return fmt.Errorf("failed to sweep orphaned blobs: %w", err)
	} else if n > 0 {
		logrus.WithField("count", n).Warn("Removed blobs left by an interrupted write")
	}

	accounts, err := durable.ReadResult(e.ctx, e.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.Account, error) {
		return rd.GetAccounts(ctx)
	})
	if err != nil {
		return err
	}

	e.accountsLock.Lock()
	defer e.accountsLock.Unlock()

	for _, acc := range accounts {
		e.accounts[acc.ID] = e.startAccount(acc)
	}

	e.group.GoAnnotated(e.ctx, e.indexer.Run, logging.Labels{"task": "indexer"})
	e.group.GoAnnotated(e.ctx, e.maintain, logging.Labels{"task": "maintenance"})

	return nil
}

// AddAccount stores the account and starts syncing it. A zero connection policy is replaced by the default one.
func (e *Engine) AddAccount(ctx context.Context, acc db.Account) (db.AccountID, error) {
	if acc.Policy == (db.ConnectionPolicy{}) {
		acc.Policy = db.DefaultConnectionPolicy()
	}

	e.accountsLock.Lock()
	defer e.accountsLock.Unlock()

	if err := e.limits.CheckAccountCount(len(e.accounts)); err != nil {
		return 0, err
	}

	stored, err := durable.WriteResult(ctx, e.store, func(ctx context.Context, tx *durable.Tx) (*db.Account, error) {
		id, err := tx.CreateAccount(ctx, &acc)
		if err != nil {
			return nil, err
		}

		return tx.GetAccount(ctx, id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create account: %w", err)
	}

	e.accounts[stored.ID] = e.startAccount(stored)

	e.publish(events.AccountAdded{
		AccountID: int64(stored.ID),
		Address:   stored.Address,
	})

	return stored.ID, nil
}

// RemoveAccount stops the account and deletes its local replica and outbox.
func (e *Engine) RemoveAccount(ctx context.Context, id db.AccountID) error {
	e.accountsLock.Lock()
	defer e.accountsLock.Unlock()

	handle, ok := e.accounts[id]
	if !ok {
		return ErrNoSuchAccount
	}

	handle.cancel()
	<-handle.done

	if err := e.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.DeleteAccount(ctx, id)
	}); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	delete(e.accounts, id)

	e.publish(events.AccountRemoved{
		AccountID: int64(id),
	})

	return nil
}

// ResumeAccount restarts an account which stopped, e.g. after its credential was replaced.
func (e *Engine) ResumeAccount(id db.AccountID) error {
	e.accountsLock.Lock()
	defer e.accountsLock.Unlock()

	handle, ok := e.accounts[id]
	if !ok {
		return ErrNoSuchAccount
	}

	if stopped, _ := handle.stopped(); !stopped {
		return nil
	}

	e.accounts[id] = e.startAccount(handle.account)

	return nil
}

func (e *Engine) Accounts(ctx context.Context) ([]*db.Account, error) {
	return durable.ReadResult(ctx, e.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.Account, error) {
		return rd.GetAccounts(ctx)
	})
}

func (e *Engine) AccountStatus(id db.AccountID) (AccountStatus, error) {
	handle, err := e.handle(id)
	if err != nil {
		return AccountStatus{}, err
	}

	stopped, stopErr := handle.stopped()

	status := AccountStatus{
		Running:   !stopped,
		Err:       stopErr,
		Mailboxes: make(map[db.MailboxID]string),
	}

	for mboxID, state := range handle.runner.States() {
		status.Mailboxes[mboxID] = string(state)
	}

	return status, nil
}

func (e *Engine) Mailboxes(ctx context.Context, id db.AccountID) ([]*db.Mailbox, error) {
	return durable.ReadResult(ctx, e.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.Mailbox, error) {
		return rd.GetMailboxes(ctx, id)
	})
}

// ListMessages returns a page of the mailbox's live messages. Pass the returned token to get the next page.
func (e *Engine) ListMessages(ctx context.Context, mailboxID db.MailboxID, filter db.ListFilter) (db.MessagePage, error) {
	return durable.ReadResult(ctx, e.store, func(ctx context.Context, rd db.ReadOnly) (db.MessagePage, error) {
		return rd.ListMessages(ctx, mailboxID, filter)
	})
}

func (e *Engine) GetMessage(ctx context.Context, id db.MessageID) (*db.Message, error) {
	return durable.ReadResult(ctx, e.store, func(ctx context.Context, rd db.ReadOnly) (*db.Message, error) {
		return rd.GetMessage(ctx, id)
	})
}

// GetLiteral returns the raw message as received from the server.
func (e *Engine) GetLiteral(ctx context.Context, id db.MessageID) ([]byte, error) {
	message, err := e.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.store.GetBlob(message.Blob)
}

func (e *Engine) GetAttachments(ctx context.Context, id db.MessageID) ([]db.Attachment, error) {
	return durable.ReadResult(ctx, e.store, func(ctx context.Context, rd db.ReadOnly) ([]db.Attachment, error) {
		return rd.GetMessageAttachments(ctx, id)
	})
}

// GetAttachmentContent returns the decoded content of the message's attachment with the given index.
func (e *Engine) GetAttachmentContent(ctx context.Context, id db.MessageID, index int) ([]byte, error) {
	attachments, err := e.GetAttachments(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, attachment := range attachments {
		if attachment.Index == index {
			return e.store.GetBlob(attachment.Blob)
		}
	}

	return nil, fmt.Errorf("%w: attachment %v of message %v", db.ErrNotFound, index, id)
}

// SetFlags changes the message's flags locally and pushes the change to the server on the next pass,
// which is started right away.
func (e *Engine) SetFlags(ctx context.Context, id db.MessageID, add, remove []string) error {
	message, err := durable.WriteResult(ctx, e.store, func(ctx context.Context, tx *durable.Tx) (*db.Message, error) {
		if err := tx.SetMessageFlags(ctx, id, add, remove); err != nil {
			return nil, err
		}

		return tx.GetMessage(ctx, id)
	})
	if err != nil {
		return err
	}

	e.RefreshMailbox(message.MailboxID)

	return nil
}

// MoveMessage moves the message to another mailbox of its account on the server.
func (e *Engine) MoveMessage(ctx context.Context, id db.MessageID, target db.MailboxID) error {
	mbox, err := durable.ReadResult(ctx, e.store, func(ctx context.Context, rd db.ReadOnly) (*db.Mailbox, error) {
		return rd.GetMailbox(ctx, target)
	})
	if err != nil {
		return err
	}

	handle, err := e.handle(mbox.AccountID)
	if err != nil {
		return err
	}

	return handle.runner.MoveMessage(ctx, id, target)
}

// Send queues a message for delivery. Sending again with the same key returns the queued item.
// An empty key is replaced by a generated one.
func (e *Engine) Send(ctx context.Context, id db.AccountID, key, from string, to []string, literal []byte) (*db.OutboxItem, error) {
	if err := e.limits.CheckMessageSize(len(literal)); err != nil {
		return nil, err
	}

	if err := e.limits.CheckRecipients(len(to)); err != nil {
		return nil, err
	}

	box, err := e.outbox(id)
	if err != nil {
		return nil, err
	}

	return box.Enqueue(ctx, key, from, to, literal)
}

func (e *Engine) OutboxItems(ctx context.Context, id db.AccountID, states ...db.OutboxState) ([]*db.OutboxItem, error) {
	box, err := e.outbox(id)
	if err != nil {
		return nil, err
	}

	return box.List(ctx, states...)
}

// ConfirmSend resolves an item whose delivery is uncertain: resend queues it again,
// otherwise it is recorded as delivered.
func (e *Engine) ConfirmSend(ctx context.Context, id db.AccountID, key string, resend bool) error {
	box, err := e.outbox(id)
	if err != nil {
		return err
	}

	return box.ConfirmSend(ctx, key, resend)
}

// RetryFailed queues a failed item again.
func (e *Engine) RetryFailed(ctx context.Context, id db.AccountID, key string) error {
	box, err := e.outbox(id)
	if err != nil {
		return err
	}

	return box.RetryFailed(ctx, key)
}

// Refresh lists the account's mailboxes and syncs each of them now.
func (e *Engine) Refresh(id db.AccountID) error {
	handle, err := e.handle(id)
	if err != nil {
		return err
	}

	handle.runner.Refresh()

	return nil
}

// RefreshMailbox syncs the mailbox now. It returns false if the mailbox is not syncing.
func (e *Engine) RefreshMailbox(id db.MailboxID) bool {
	e.accountsLock.RLock()
	defer e.accountsLock.RUnlock()

	for _, handle := range e.accounts {
		if handle.runner.RefreshMailbox(id) {
			return true
		}
	}

	return false
}

// ExportMailbox writes the mailbox's live messages to w in mbox format.
func (e *Engine) ExportMailbox(ctx context.Context, id db.MailboxID, w io.Writer) (int, error) {
	return export.Mailbox(ctx, e.store, id, w)
}

// FlushIndex delivers every pending change to the index sink before returning.
func (e *Engine) FlushIndex(ctx context.Context) error {
	return e.indexer.Flush(ctx)
}

// AddWatcher returns a channel of engine events of the given types, or of all events if none are given.
// The channel is closed when the engine is closed.
func (e *Engine) AddWatcher(ofType ...events.Event) <-chan events.Event {
	return e.AddWatcherFunc(ofTypes(ofType...))
}

// AddWatcherFunc returns a channel of the engine events for which match returns true.
// The channel is closed when the engine is closed.
func (e *Engine) AddWatcherFunc(match func(events.Event) bool) <-chan events.Event {
	e.watchersLock.Lock()
	defer e.watchersLock.Unlock()

	sub := subscribe(match)

	e.watchers = append(e.watchers, sub)

	return sub.events()
}

func (e *Engine) GetDataPath() string {
	return e.dir
}

// Close stops every account and closes the engine data. Sends in flight are completed first.
func (e *Engine) Close(ctx context.Context) error {
	var err error

	e.closeOnce.Do(func() {
		e.cancel()

		done := make(chan struct{})

		go func() {
			defer close(done)
			e.group.Wait()
		}()

		select {
		case <-done:

		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		e.watchersLock.Lock()
		for _, sub := range e.watchers {
			sub.cancel()
		}
		e.watchers = nil
		e.watchersLock.Unlock()

		if cerr := e.store.Close(); cerr != nil {
			err = fmt.Errorf("failed to close store: %w", cerr)
		}

		logrus.Debug("Engine was closed")
	})

	return err
}

func (e *Engine) startAccount(acc *db.Account) *accountHandle {
	log := logrus.WithField("account", acc.ID)

	handle := &accountHandle{
		account: acc,
		done:    make(chan struct{}),
	}

	handle.imap = supervisor.New[connector.Connector](supervisor.Config{
		Protocol:      "imap",
		CredentialRef: acc.CredentialRef,
		Credentials:   e.credentials,
		Policy:        acc.Policy,
		Metrics:       e.metrics,
		Log:           log,
	}, func(ctx context.Context, cred credential.Credential) (connector.Connector, error) {
		return e.imapConnect(ctx, acc, cred)
	})

	if acc.SMTPHost != "" {
		handle.smtp = supervisor.New[connector.Sender](supervisor.Config{
			Protocol:      "smtp",
			CredentialRef: acc.CredentialRef,
			Credentials:   e.credentials,
			Policy:        acc.Policy,
			Metrics:       e.metrics,
			Log:           log,
		}, func(ctx context.Context, cred credential.Credential) (connector.Sender, error) {
			return e.smtpConnect(ctx, acc, cred)
		})
	}

	handle.runner = account.New(acc, e.store, handle.imap, handle.smtp, e.runnerCfg)

	ctx, cancel := context.WithCancel(e.ctx)

	handle.cancel = cancel

	e.group.GoAnnotated(ctx, func(ctx context.Context) {
		defer close(handle.done)

		handle.err = handle.runner.Run(ctx)

		if handle.err != nil && !errors.Is(handle.err, context.Canceled) {
			log.WithError(handle.err).Error("Account stopped")
		}
	}, logging.Labels{"account": acc.ID})

	return handle
}

func (e *Engine) handle(id db.AccountID) (*accountHandle, error) {
	e.accountsLock.RLock()
	defer e.accountsLock.RUnlock()

	handle, ok := e.accounts[id]
	if !ok {
		return nil, ErrNoSuchAccount
	}

	return handle, nil
}

func (e *Engine) outbox(id db.AccountID) (*outbox.Outbox, error) {
	handle, err := e.handle(id)
	if err != nil {
		return nil, err
	}

	box := handle.runner.Outbox()
	if box == nil {
		return nil, ErrSendingDisabled
	}

	return box, nil
}

// reportingPanicHandler reports a recovered panic before passing it on.
type reportingPanicHandler struct {
	ctx  context.Context
	next async.PanicHandler
}

func (h reportingPanicHandler) HandlePanic(r any) {
	reporter.ExceptionWithContext(h.ctx, r, reporter.Context{"source": "engine task"})

	if h.next != nil {
		h.next.HandlePanic(r)
	}
}

func (e *Engine) publish(event events.Event) {
	e.watchersLock.RLock()
	defer e.watchersLock.RUnlock()

	for _, sub := range e.watchers {
		if !sub.deliver(event) {
			logrus.WithField("event", fmt.Sprintf("%T", event)).Warn("Dropped event for a closed watcher")
		}
	}
}
