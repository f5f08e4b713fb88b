package store_test

import (
	"bytes"
	"crypto/rand"
	"runtime"
	"testing"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/store"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]store.Store {
	disk, err := store.NewOnDiskStore(
		t.TempDir(),
		[]byte("pass"),
		store.WithCompressor(store.ZLibCompressor{}),
		store.WithSemaphore(async.NewSemaphore(runtime.NumCPU(), async.NoopPanicHandler{})),
	)
	require.NoError(t, err)

	badger, err := store.NewBadgerStore(t.TempDir(), []byte("pass"))
	require.NoError(t, err)

	return map[string]store.Store{
		"memory": store.NewInMemoryStore(),
		"disk":   disk,
		"badger": badger,
	}
}

func randomBlob(t *testing.T, size int) ([]byte, store.Digest) {
	data := make([]byte, size)

	_, err := rand.Read(data)
	require.NoError(t, err)

	return data, store.DigestOf(data)
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, st.Close()) }()

			data, digest := randomBlob(t, 1024*1204)

			require.NoError(t, store.Tx(st, func(tx store.Transaction) error {
				return tx.Set(digest, data)
			}))

			read, err := st.Get(digest)
			require.NoError(t, err)
			require.True(t, bytes.Equal(read, data))

			has, err := st.Has(digest)
			require.NoError(t, err)
			require.True(t, has)

			digests, err := st.List()
			require.NoError(t, err)
			require.Equal(t, []store.Digest{digest}, digests)

			require.NoError(t, store.Tx(st, func(tx store.Transaction) error {
				return tx.Delete(digest)
			}))

			_, err = st.Get(digest)
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestStore_RollbackDiscardsStagedWrites(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, st.Close()) }()

			data, digest := randomBlob(t, 512)

			tx := st.NewTransaction()
			require.NoError(t, tx.Set(digest, data))

			has, err := st.Has(digest)
			require.NoError(t, err)
			require.False(t, has, "staged blob must not be visible before commit")

			require.NoError(t, tx.Rollback())

			digests, err := st.List()
			require.NoError(t, err)
			require.Empty(t, digests)
		})
	}
}

func TestStore_RejectsDigestMismatch(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, st.Close()) }()

			data, _ := randomBlob(t, 64)
			_, other := randomBlob(t, 64)

			err := store.Tx(st, func(tx store.Transaction) error {
				return tx.Set(other, data)
			})
			require.ErrorIs(t, err, store.ErrDigestMismatch)
		})
	}
}

func TestParseDigest(t *testing.T) {
	digest := store.DigestOf([]byte("hello"))

	parsed, err := store.ParseDigest(digest.String())
	require.NoError(t, err)
	require.Equal(t, digest, parsed)

	_, err = store.ParseDigest("not-a-digest")
	require.Error(t, err)

	_, err = store.ParseDigest(string(bytes.Repeat([]byte("z"), 64)))
	require.Error(t, err)
}

func BenchmarkStoreRead(b *testing.B) {
	st, err := store.NewOnDiskStore(b.TempDir(), []byte("pass"))
	require.NoError(b, err)

	data := make([]byte, 15*1024*1204)

	_, err = rand.Read(data)
	require.NoError(b, err)

	digest := store.DigestOf(data)

	require.NoError(b, store.Tx(st, func(tx store.Transaction) error {
		return tx.Set(digest, data)
	}))

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := st.Get(digest)
		require.NoError(b, err)
	}
}
