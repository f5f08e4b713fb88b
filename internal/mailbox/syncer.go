// Package mailbox runs the sync state machine of one mailbox.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/dedup"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/supervisor"
	"github.com/NostraDavid/mail/mime"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultPushWindow   = 30 * time.Minute
	DefaultIdleTimeout  = 25 * time.Minute
	DefaultBatchSize    = 200
)

type Config struct {
	// PollInterval is the pause between passes on servers which cannot push changes.
	PollInterval time.Duration

	// PushWindow is how long the server is trusted to have delivered every change over push.
	// A mailbox not synced for longer goes through a full flag reconciliation.
	PushWindow time.Duration

	// IdleTimeout bounds how long a single wait for pushed changes lasts.
	IdleTimeout time.Duration

	// BatchSize is the number of messages fetched and committed together.
	BatchSize int

	Parser  mime.Parser
	Publish func(events.Event)
	Metrics *metrics.Metrics
	Log     *logrus.Entry

	// Now is the clock; it defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) normalize() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.PushWindow <= 0 {
		cfg.PushWindow = DefaultPushWindow
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.Parser == nil {
		cfg.Parser = mime.NewMessageParser()
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

// Syncer owns the local replica of one mailbox. It is the only writer of the mailbox's messages
// and cursor, so passes of one mailbox never overlap.
type Syncer struct {
	mailbox  db.Mailbox
	store    *durable.Store
	resolver *dedup.Resolver
	sessions *supervisor.Supervisor[connector.Connector]
	cfg      Config
	log      *logrus.Entry

	stateLock sync.Mutex
	state     State

	// passLock serialises sync passes started by Run and by Refresh callers.
	passLock sync.Mutex

	refreshCh chan struct{}
}

func New(
	mbox *db.Mailbox,
	store *durable.Store,
	resolver *dedup.Resolver,
	sessions *supervisor.Supervisor[connector.Connector],
	cfg Config,
) *Syncer {
	cfg.normalize()

	return &Syncer{
		mailbox:   *mbox,
		store:     store,
		resolver:  resolver,
		sessions:  sessions,
		cfg:       cfg,
		log:       cfg.Log.WithField("mailbox", mbox.Name).WithField("mailboxID", mbox.ID),
		state:     StateDisconnected,
		refreshCh: make(chan struct{}, 1),
	}
}

func (s *Syncer) MailboxID() db.MailboxID {
	return s.mailbox.ID
}

func (s *Syncer) State() State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	return s.state
}

// Hold runs fn between passes. No pass of the mailbox starts before fn returns.
func (s *Syncer) Hold(fn func() error) error {
	s.passLock.Lock()
	defer s.passLock.Unlock()

	return fn()
}

// Refresh asks the running syncer to start a pass as soon as possible.
func (s *Syncer) Refresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Run syncs the mailbox until ctx is done. It returns early only for errors that retrying cannot fix:
// the credential was permanently rejected or the mailbox no longer exists on the server.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.setState(context.Background(), StateDisconnected)

	for {
		s.setState(ctx, StateDisconnected)

		conn, err := s.sessions.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, connector.ErrAuthFatal) {
				return err
			}

			s.failed(ctx, err)

			continue
		}

		err = s.runSession(ctx, conn)

		s.sessions.Release(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, connector.ErrAuthFatal) || errors.Is(err, connector.ErrMailboxNotFound) {
			return err
		}

		s.failed(ctx, err)
		s.sessions.Failed()
	}
}

// runSession runs passes over one session until it fails.
func (s *Syncer) runSession(ctx context.Context, conn connector.Connector) error {
	strategy := conn.Capabilities().Strategy()

	for {
		if _, err := s.Sync(ctx, conn); err != nil {
			return err
		}

		s.sessions.Succeeded()

		s.setState(ctx, steadyState(strategy.Steady))

		if err := s.waitForChanges(ctx, conn, strategy.Steady == imap.SteadyIdle); err != nil {
			return err
		}
	}
}

// waitForChanges returns once the next pass is due.
func (s *Syncer) waitForChanges(ctx context.Context, conn connector.Connector, push bool) error {
	if !push {
		timer := time.NewTimer(s.cfg.PollInterval)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.refreshCh:
		case <-ctx.Done():
			return ctx.Err()
		}

		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-s.refreshCh:
			cancel()
		case <-stop:
		}
	}()

	if _, err := conn.WaitForChanges(waitCtx, s.cfg.IdleTimeout); err != nil && (ctx.Err() != nil || !errors.Is(err, context.Canceled)) {
		return err
	}

	return ctx.Err()
}

func (s *Syncer) failed(ctx context.Context, err error) {
	kind := errorKind(err)

	s.log.WithError(err).WithField("kind", kind).Warn("Sync attempt failed")

	s.cfg.Metrics.SyncFailed(kind)
	s.cfg.Publish(events.SyncFailed{MailboxID: int64(s.mailbox.ID), Err: err})

	s.setState(ctx, StateError)
}

func (s *Syncer) setState(ctx context.Context, state State) {
	s.stateLock.Lock()
	changed := s.state != state
	s.state = state
	s.stateLock.Unlock()

	if !changed {
		return
	}

	s.log.WithField("state", state).Debug("Sync state changed")

	s.cfg.Metrics.StateEntered(string(state))
	s.cfg.Publish(events.SyncStateChanged{MailboxID: int64(s.mailbox.ID), State: string(state)})

	if ctx.Err() != nil {
		return
	}

	if err := s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.SetMailboxSyncState(ctx, s.mailbox.ID, string(state))
	}); err != nil {
		s.log.WithError(err).Debug("Failed to record sync state")
	}
}
