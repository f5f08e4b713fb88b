// Package credential defines how the engine obtains secrets for an account.
// The engine only ever persists an opaque reference; secrets are requested on demand.
package credential

//go:generate mockgen -destination mock_credential/credential.go . Provider

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrExpired is returned when the stored credential is no longer accepted and must be refreshed.
	ErrExpired = errors.New("credential expired")

	ErrUnknownReference = errors.New("unknown credential reference")
)

type Kind int

const (
	// KindPassword authenticates with SASL PLAIN.
	KindPassword Kind = iota

	// KindOAuth authenticates with SASL OAUTHBEARER.
	KindOAuth
)

type Credential struct {
	Kind     Kind
	Username string
	Secret   string
}

type Provider interface {
	// Get returns the current credential for the reference.
	Get(ctx context.Context, ref string) (Credential, error)

	// Refresh obtains a new credential after the server rejected the current one.
	Refresh(ctx context.Context, ref string) (Credential, error)
}

// Static serves fixed credentials. Refresh returns the same credential again.
type Static struct {
	creds map[string]Credential
	lock  sync.RWMutex
}

func NewStatic() *Static {
	return &Static{creds: make(map[string]Credential)}
}

func (s *Static) Set(ref string, cred Credential) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.creds[ref] = cred
}

func (s *Static) Get(_ context.Context, ref string) (Credential, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	cred, ok := s.creds[ref]
	if !ok {
		return Credential{}, ErrUnknownReference
	}

	return cred, nil
}

func (s *Static) Refresh(ctx context.Context, ref string) (Credential, error) {
	return s.Get(ctx, ref)
}
