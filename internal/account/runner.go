// Package account runs everything belonging to one account: mailbox discovery, one sync task per
// mailbox and the outbox drainer. The tasks share the account's connection supervisors.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/dedup"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/mailbox"
	"github.com/NostraDavid/mail/internal/outbox"
	"github.com/NostraDavid/mail/internal/supervisor"
	"github.com/NostraDavid/mail/logging"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/NostraDavid/mail/reporter"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultDiscoveryInterval = 15 * time.Minute

type Config struct {
	// DiscoveryInterval is the pause between listings of the account's mailboxes.
	DiscoveryInterval time.Duration

	Mailbox mailbox.Config
	Outbox  outbox.Config

	PanicHandler async.PanicHandler
	Publish      func(events.Event)
	Metrics      *metrics.Metrics
}

type Runner struct {
	account  db.Account
	store    *durable.Store
	imap     *supervisor.Supervisor[connector.Connector]
	resolver *dedup.Resolver
	outbox   *outbox.Outbox
	cfg      Config
	log      *logrus.Entry

	lock  sync.Mutex
	tasks map[db.MailboxID]*task

	refreshCh chan struct{}
	fatalOnce sync.Once
}

type task struct {
	syncer *mailbox.Syncer
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the runner. The sender supervisor may be nil for accounts which cannot send.
func New(
	account *db.Account,
	store *durable.Store,
	imapSessions *supervisor.Supervisor[connector.Connector],
	smtpSessions *supervisor.Supervisor[connector.Sender],
	cfg Config,
) *Runner {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}

	if cfg.Publish == nil {
		cfg.Publish = func(events.Event) {}
	}

	log := logrus.WithField("account", account.ID).WithField("address", account.Address)

	cfg.Mailbox.Publish, cfg.Mailbox.Metrics, cfg.Mailbox.Log = cfg.Publish, cfg.Metrics, log
	cfg.Outbox.Publish, cfg.Outbox.Metrics, cfg.Outbox.Log = cfg.Publish, cfg.Metrics, log

	r := &Runner{
		account:   *account,
		store:     store,
		imap:      imapSessions,
		resolver:  dedup.NewResolver(),
		cfg:       cfg,
		log:       log,
		tasks:     make(map[db.MailboxID]*task),
		refreshCh: make(chan struct{}, 1),
	}

	if smtpSessions != nil {
		r.outbox = outbox.New(account.ID, store, smtpSessions, cfg.Outbox)
	}

	return r
}

func (r *Runner) AccountID() db.AccountID {
	return r.account.ID
}

// Outbox returns the account's outbox, or nil if the account cannot send.
func (r *Runner) Outbox() *outbox.Outbox {
	return r.outbox
}

// Run runs the account until ctx is done or the account fails in a way only the user can fix.
func (r *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return r.discoverLoop(groupCtx, group)
	})

	if r.outbox != nil {
		group.Go(func() error {
			var err error

			logging.DoAnnotate(groupCtx, func(ctx context.Context) {
				defer async.HandlePanic(r.cfg.PanicHandler)

				err = r.outbox.Run(ctx)
			}, logging.Labels{"account": r.account.ID, "task": "outbox"})

			return ignoreCancel(err)
		})
	}

	err := group.Wait()

	r.lock.Lock()
	clear(r.tasks)
	r.lock.Unlock()

	if err != nil {
		return err
	}

	return ctx.Err()
}

// Refresh lists the mailboxes again and asks every mailbox to sync now.
func (r *Runner) Refresh() {
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, t := range r.tasks {
		t.syncer.Refresh()
	}
}

// RefreshMailbox asks one mailbox to sync now.
func (r *Runner) RefreshMailbox(id db.MailboxID) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	t, ok := r.tasks[id]
	if ok {
		t.syncer.Refresh()
	}

	return ok
}

// States returns the sync state of every running mailbox.
func (r *Runner) States() map[db.MailboxID]mailbox.State {
	r.lock.Lock()
	defer r.lock.Unlock()

	states := make(map[db.MailboxID]mailbox.State, len(r.tasks))

	for id, t := range r.tasks {
		states[id] = t.syncer.State()
	}

	return states
}

func (r *Runner) discoverLoop(ctx context.Context, group *errgroup.Group) error {
	// Mailboxes known from earlier runs sync without waiting for the first listing.
	stored, err := durable.ReadResult(ctx, r.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.Mailbox, error) {
		return rd.GetMailboxes(ctx, r.account.ID)
	})
	if err != nil {
		return err
	}

	for _, mbox := range stored {
		r.start(ctx, group, mbox)
	}

	retry := supervisor.NewBackOff(r.account.Policy.BackoffBase, r.account.Policy.BackoffCeiling)

	for {
		if err := r.discover(ctx, group); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, connector.ErrAuthFatal) {
				return r.fatal(ctx, err)
			}

			r.log.WithError(err).Warn("Failed to list mailboxes")

			if err := supervisor.Wait(ctx, retry); err != nil {
				return nil
			}

			continue
		}

		retry.Reset()

		timer := time.NewTimer(r.cfg.DiscoveryInterval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-r.refreshCh:
		case <-timer.C:
		}

		timer.Stop()
	}
}

// discover reconciles the stored mailboxes with the server's listing and starts a task for each.
func (r *Runner) discover(ctx context.Context, group *errgroup.Group) error {
	conn, err := r.imap.Acquire(ctx)
	if err != nil {
		return err
	}

	infos, err := conn.ListMailboxes(ctx)

	if err != nil {
		r.imap.Failed()
	} else {
		r.imap.Succeeded()
	}

	r.imap.Release(conn)

	if err != nil {
		return fmt.Errorf("failed to list mailboxes: %w", err)
	}

	added, removed, current, err := r.reconcile(ctx, infos)
	if err != nil {
		return err
	}

	for _, mbox := range removed {
		// The task must not write to the mailbox while its rows are deleted.
		r.stop(mbox.ID)

		if err := r.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
			return tx.DeleteMailbox(ctx, mbox.ID)
		}); err != nil {
			return fmt.Errorf("failed to delete mailbox %q: %w", mbox.Name, err)
		}

		r.log.WithField("mailbox", mbox.Name).Info("Mailbox removed")
		r.cfg.Publish(events.MailboxRemoved{AccountID: int64(r.account.ID), MailboxID: int64(mbox.ID), Name: mbox.Name})
	}

	for _, mbox := range added {
		r.log.WithField("mailbox", mbox.Name).WithField("role", mbox.Role).Info("Mailbox added")
		r.cfg.Publish(events.MailboxAdded{AccountID: int64(r.account.ID), MailboxID: int64(mbox.ID), Name: mbox.Name, Role: string(mbox.Role)})
	}

	for _, mbox := range current {
		r.start(ctx, group, mbox)
	}

	return nil
}

func (r *Runner) reconcile(ctx context.Context, infos []connector.MailboxInfo) (added, removed, current []*db.Mailbox, err error) {
	err = r.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		added, removed, current = nil, nil, nil

		stored, err := tx.GetMailboxes(ctx, r.account.ID)
		if err != nil {
			return err
		}

		byName := make(map[string]*db.Mailbox, len(stored))

		for _, mbox := range stored {
			byName[mbox.Name] = mbox
		}

		seen := make(map[string]struct{}, len(infos))

		for _, info := range infos {
			if !info.Selectable() {
				continue
			}

			seen[info.Name] = struct{}{}

			role := imap.ResolveRole(info.Name, info.Delimiter, info.Attributes)

			if mbox, ok := byName[info.Name]; ok {
				if mbox.Role != role || mbox.Delimiter != info.Delimiter {
					if err := tx.UpdateMailboxRole(ctx, mbox.ID, info.Delimiter, role); err != nil {
						return err
					}

					mbox.Role, mbox.Delimiter = role, info.Delimiter
				}

				current = append(current, mbox)

				continue
			}

			mbox, err := tx.CreateMailbox(ctx, r.account.ID, info.Name, info.Delimiter, role)
			if err != nil {
				return err
			}

			added = append(added, mbox)
			current = append(current, mbox)
		}

		for _, mbox := range stored {
			if _, ok := seen[mbox.Name]; ok {
				continue
			}

			removed = append(removed, mbox)
		}

		return nil
	})

	return added, removed, current, err
}

// start runs the mailbox's sync task unless one is running.
func (r *Runner) start(ctx context.Context, group *errgroup.Group, mbox *db.Mailbox) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.tasks[mbox.ID]; ok {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)

	t := &task{
		syncer: mailbox.New(mbox, r.store, r.resolver, r.imap, r.cfg.Mailbox),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.tasks[mbox.ID] = t

	group.Go(func() error {
		defer close(t.done)
		defer cancel()

		var err error

		logging.DoAnnotate(taskCtx, func(ctx context.Context) {
			defer async.HandlePanic(r.cfg.PanicHandler)

			err = t.syncer.Run(ctx)
		}, logging.Labels{"account": r.account.ID, "mailbox": mbox.Name})

		r.lock.Lock()
		if r.tasks[mbox.ID] == t {
			delete(r.tasks, mbox.ID)
		}
		r.lock.Unlock()

		switch {
		case errors.Is(err, connector.ErrAuthFatal):
			return r.fatal(ctx, err)

		case errors.Is(err, connector.ErrMailboxNotFound):
			r.log.WithField("mailbox", mbox.Name).Info("Mailbox vanished from the server, listing mailboxes again")
			r.Refresh()
		}

		return nil
	})
}

// stop cancels the mailbox's task and waits for it to finish.
func (r *Runner) stop(id db.MailboxID) {
	r.lock.Lock()
	t, ok := r.tasks[id]
	delete(r.tasks, id)
	r.lock.Unlock()

	if !ok {
		return
	}

	t.cancel()
	<-t.done
}

// fatal reports the account as needing user action; the returned error stops the runner.
func (r *Runner) fatal(ctx context.Context, err error) error {
	r.fatalOnce.Do(func() {
		r.log.WithError(err).Error("Account stopped, credential no longer accepted")

		reporter.MessageWithContext(ctx, "Account failed fatally", reporter.Context{"account": r.account.ID, "error": err})

		r.cfg.Publish(events.AccountFatal{AccountID: int64(r.account.ID), Err: err})
	})

	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
