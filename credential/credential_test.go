package credential

import (
	"context"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := NewStatic()

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownReference)

	s.Set("ref", Credential{Kind: KindPassword, Username: "user", Secret: "pass"})

	cred, err := s.Refresh(context.Background(), "ref")
	require.NoError(t, err)
	require.Equal(t, "user", cred.Username)
}

func TestKeyringProvider_RefreshStoresNewSecret(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)

	var calls int

	p := NewKeyringProvider(ring, func(_ context.Context, ref string, expired Credential) (Credential, error) {
		calls++

		require.Equal(t, "old", expired.Secret)

		return Credential{Kind: KindOAuth, Username: expired.Username, Secret: "new"}, nil
	})

	require.NoError(t, p.Put("acct", Credential{Kind: KindOAuth, Username: "user@example.com", Secret: "old"}))

	fresh, err := p.Refresh(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, "new", fresh.Secret)
	require.Equal(t, 1, calls)

	stored, err := p.Get(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, "new", stored.Secret)

	require.NoError(t, p.Delete("acct"))
	require.NoError(t, p.Delete("acct"))

	_, err = p.Get(context.Background(), "acct")
	require.ErrorIs(t, err, ErrUnknownReference)
}
