package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnDiskStore_CommitSyncsBlobsAndDirectory(t *testing.T) {
	var synced []string

	prev := syncFile
	syncFile = func(f *os.File) error {
		synced = append(synced, f.Name())
		return prev(f)
	}

	t.Cleanup(func() { syncFile = prev })

	dir := t.TempDir()

	st, err := NewOnDiskStore(dir, []byte("pass"))
	require.NoError(t, err)

	data := []byte("message literal")
	digest := DigestOf(data)

	tx := st.NewTransaction()
	require.NoError(t, tx.Set(digest, data))

	// The staged file is flushed before commit renames it.
	require.Len(t, synced, 1)
	require.True(t, strings.HasPrefix(filepath.Base(synced[0]), tmpPrefix))

	require.NoError(t, tx.Commit())
	require.Equal(t, dir, synced[len(synced)-1])

	// Nothing staged, nothing to flush.
	synced = nil

	require.NoError(t, st.NewTransaction().Commit())
	require.Empty(t, synced)

	require.NoError(t, Tx(st, func(tx Transaction) error { return tx.Delete(digest) }))
	require.Equal(t, []string{dir}, synced)
}

func TestBadgerStore_SyncsWrites(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir(), nil)
	require.NoError(t, err)

	defer func() { require.NoError(t, st.Close()) }()

	require.True(t, st.db.Opts().SyncWrites)
}
