package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// Refresher exchanges an expired credential for a new one, e.g. through an OAuth refresh token.
type Refresher func(ctx context.Context, ref string, expired Credential) (Credential, error)

// KeyringProvider stores credentials in the operating system keyring (or an encrypted file fallback).
type KeyringProvider struct {
	ring    keyring.Keyring
	refresh Refresher
}

func NewKeyringProvider(ring keyring.Keyring, refresh Refresher) *KeyringProvider {
	return &KeyringProvider{ring: ring, refresh: refresh}
}

// OpenKeyring opens the keyring for the given service, falling back to an encrypted file in dir.
func OpenKeyring(service, dir string, password func(string) (string, error)) (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName:      service,
		FileDir:          dir,
		FilePasswordFunc: password,
	})
}

func (p *KeyringProvider) Put(ref string, cred Credential) error {
	b, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	return p.ring.Set(keyring.Item{
		Key:   ref,
		Data:  b,
		Label: "mail account " + cred.Username,
	})
}

func (p *KeyringProvider) Get(_ context.Context, ref string) (Credential, error) {
	item, err := p.ring.Get(ref)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Credential{}, fmt.Errorf("%w: %v", ErrUnknownReference, ref)
	} else if err != nil {
		return Credential{}, err
	}

	var cred Credential

	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return Credential{}, fmt.Errorf("failed to decode credential %v: %w", ref, err)
	}

	return cred, nil
}

func (p *KeyringProvider) Refresh(ctx context.Context, ref string) (Credential, error) {
	cred, err := p.Get(ctx, ref)
	if err != nil {
		return Credential{}, err
	}

	if p.refresh == nil {
		return cred, nil
	}

	fresh, err := p.refresh(ctx, ref, cred)
	if err != nil {
		return Credential{}, err
	}

	if err := p.Put(ref, fresh); err != nil {
		return Credential{}, err
	}

	return fresh, nil
}

func (p *KeyringProvider) Delete(ref string) error {
	if err := p.ring.Remove(ref); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}

	return nil
}
