// Package supervisor owns the connections of one account to one server: it bounds how many sessions
// are open at once, paces reconnects and keeps the credential fresh.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Session is anything the supervisor hands out and closes again.
type Session interface {
	Close() error
}

// ConnectFunc opens an authenticated session with the given credential.
// It reports rejected credentials with connector.ErrAuthExpired or connector.ErrAuthFatal.
type ConnectFunc[S Session] func(ctx context.Context, cred credential.Credential) (S, error)

type Supervisor[S Session] struct {
	protocol string
	ref      string
	creds    credential.Provider
	connect  ConnectFunc[S]
	policy   db.ConnectionPolicy
	metrics  *metrics.Metrics

	sem     *async.Semaphore
	backoff *backoff.ExponentialBackOff

	lock         sync.Mutex
	cred         *credential.Credential
	retryAt      time.Time
	authFailures int
	fatal        error

	log *logrus.Entry
}

type Config struct {
	// Protocol names the server in logs and metrics.
	Protocol string

	// CredentialRef is passed to the credential provider.
	CredentialRef string

	Credentials credential.Provider
	Policy      db.ConnectionPolicy
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
}

func New[S Session](cfg Config, connect ConnectFunc[S]) *Supervisor[S] {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if cfg.Policy.MaxAuthFailures < 1 {
		cfg.Policy.MaxAuthFailures = 1
	}

	return &Supervisor[S]{
		protocol: cfg.Protocol,
		ref:      cfg.CredentialRef,
		creds:    cfg.Credentials,
		connect:  connect,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
		sem:      async.NewSemaphore(cfg.Policy.MaxConnections, nil),
		backoff:  NewBackOff(cfg.Policy.BackoffBase, cfg.Policy.BackoffCeiling),
		log:      log.WithField("protocol", cfg.Protocol),
	}
}

// Acquire returns a new session. It waits for a free slot under the connection ceiling and for the
// backoff of a previous failure to elapse, then makes a single attempt. Rejected credentials are
// refreshed and retried until the policy's auth failure limit is reached, after which every call
// fails with connector.ErrAuthFatal.
func (s *Supervisor[S]) Acquire(ctx context.Context) (S, error) {
	var zero S

	if err := s.Fatal(); err != nil {
		return zero, err
	}

	if err := s.sem.Acquire(ctx); err != nil {
		return zero, err
	}

	session, err := s.attempt(ctx)
	if err != nil {
		s.sem.Release()
		return zero, err
	}

	s.metrics.SessionOpened(s.protocol)

	return session, nil
}

// Release closes the session and frees its slot.
func (s *Supervisor[S]) Release(session S) {
	if err := session.Close(); err != nil {
		s.log.WithError(err).Debug("Failed to close session")
	}

	s.metrics.SessionClosed(s.protocol)
	s.sem.Release()
}

// Succeeded resets the backoff after a successful exchange on a session.
func (s *Supervisor[S]) Succeeded() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.backoff.Reset()
	s.retryAt = time.Time{}
}

// Failed schedules the next attempt after a session broke down.
func (s *Supervisor[S]) Failed() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.scheduleRetry()
}

// Fatal returns the error that stopped the supervisor, if any.
func (s *Supervisor[S]) Fatal() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.fatal
}

// Reset clears a fatal state, e.g. after the user replaced the credential.
func (s *Supervisor[S]) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.fatal = nil
	s.cred = nil
	s.authFailures = 0
	s.retryAt = time.Time{}
	s.backoff.Reset()
}

// InUse returns the number of sessions currently held.
func (s *Supervisor[S]) InUse() int {
	return s.sem.InUse()
}

func (s *Supervisor[S]) attempt(ctx context.Context) (S, error) {
	var zero S

	if err := s.waitRetry(ctx); err != nil {
		return zero, err
	}

	for {
		cred, err := s.credential(ctx)
		if err != nil {
			return zero, err
		}

		session, err := s.connect(ctx, cred)

		s.metrics.ConnectAttempt(s.protocol, err)

		switch {
		case err == nil:
			s.connected()
			return session, nil

		case errors.Is(err, connector.ErrAuthExpired):
			if err := s.authRejected(err); err != nil {
				return zero, err
			}

			s.log.WithError(err).Info("Credential rejected, refreshing")

			if err := s.refresh(ctx); err != nil {
				return zero, err
			}

		case errors.Is(err, connector.ErrAuthFatal):
			return zero, s.setFatal(err)

		case ctx.Err() != nil:
			return zero, ctx.Err()

		default:
			s.lock.Lock()
			delay := s.scheduleRetry()
			s.lock.Unlock()

			s.log.WithError(err).WithField("retryIn", delay).Warn("Failed to connect")

			return zero, err
		}
	}
}

func (s *Supervisor[S]) waitRetry(ctx context.Context) error {
	s.lock.Lock()
	delay := time.Until(s.retryAt)
	s.lock.Unlock()

	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor[S]) credential(ctx context.Context) (credential.Credential, error) {
	s.lock.Lock()
	cached := s.cred
	s.lock.Unlock()

	if cached != nil {
		return *cached, nil
	}

	cred, err := s.creds.Get(ctx, s.ref)
	if errors.Is(err, credential.ErrExpired) {
		return s.refreshed(ctx)
	} else if errors.Is(err, credential.ErrUnknownReference) {
		return credential.Credential{}, s.setFatal(err)
	} else if err != nil {
		return credential.Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}

	s.lock.Lock()
	s.cred = &cred
	s.lock.Unlock()

	return cred, nil
}

func (s *Supervisor[S]) refresh(ctx context.Context) error {
	_, err := s.refreshed(ctx)

	return err
}

func (s *Supervisor[S]) refreshed(ctx context.Context) (credential.Credential, error) {
	cred, err := s.creds.Refresh(ctx, s.ref)
	if err != nil {
		if ctx.Err() != nil {
			return credential.Credential{}, ctx.Err()
		}

		if err := s.authRejected(err); err != nil {
			return credential.Credential{}, err
		}

		s.lock.Lock()
		s.cred = nil
		s.scheduleRetry()
		s.lock.Unlock()

		return credential.Credential{}, fmt.Errorf("%w: refresh failed: %v", connector.ErrAuthExpired, err)
	}

	s.lock.Lock()
	s.cred = &cred
	s.lock.Unlock()

	return cred, nil
}

// authRejected counts a consecutive auth failure and returns the fatal error once the limit is reached.
func (s *Supervisor[S]) authRejected(cause error) error {
	s.lock.Lock()
	s.authFailures++
	failures := s.authFailures
	s.lock.Unlock()

	if failures >= s.policy.MaxAuthFailures {
		return s.setFatal(fmt.Errorf("%d consecutive failures, last: %v", failures, cause))
	}

	return nil
}

func (s *Supervisor[S]) setFatal(cause error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !errors.Is(cause, connector.ErrAuthFatal) {
		cause = fmt.Errorf("%w: %w", connector.ErrAuthFatal, cause)
	}

	s.fatal = cause

	s.log.WithError(cause).Error("Giving up on authentication")

	return cause
}

func (s *Supervisor[S]) connected() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.authFailures = 0
	s.retryAt = time.Time{}
	s.backoff.Reset()
}

// scheduleRetry must be called with the lock held.
func (s *Supervisor[S]) scheduleRetry() time.Duration {
	delay := s.backoff.NextBackOff()

	if retryAt := time.Now().Add(delay); retryAt.After(s.retryAt) {
		s.retryAt = retryAt
	}

	return delay
}
