package store

import (
	"crypto/sha256"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"
)

type BadgerStore struct {
	db       *badger.DB
	gcExitCh chan struct{}
	wg       sync.WaitGroup
}

type badgerTransaction struct {
	db *badger.DB
	tx *badger.Txn
}

func NewBadgerStore(path string, passphrase []byte) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(logrus.StandardLogger()).
		WithLoggingLevel(badger.ERROR).
		WithIndexCacheSize(64 << 20).
		// A commit must be on disk before the SQL row referencing the blob commits.
		WithSyncWrites(true)

	if len(passphrase) > 0 {
		key := sha256.Sum256(passphrase)
		opts = opts.WithEncryptionKey(key[:])
	}

	return openBadger(opts)
}

// NewInMemoryBadgerStore keeps everything in memory; used by tests and ephemeral engines.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil),
	)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		db:       db,
		gcExitCh: make(chan struct{}),
	}

	store.wg.Add(1)

	go store.collectGarbage()

	return store, nil
}

// collectGarbage periodically compacts the value log, which badger never does on its own.
func (b *BadgerStore) collectGarbage() {
	defer b.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}

		case <-b.gcExitCh:
			return
		}
	}
}

func (b *BadgerStore) Get(digest Digest) ([]byte, error) {
	var data []byte

	if err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(digest))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)

		return err
	}); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	return data, nil
}

func (b *BadgerStore) Has(digest Digest) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(digest))
		return err
	})

	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil

	default:
		return false, err
	}
}

func (b *BadgerStore) List() ([]Digest, error) {
	var digests []Digest

	if err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			digest, err := ParseDigest(string(it.Item().Key()))
			if err != nil {
				logrus.WithError(err).Warn("Skipping unexpected key in blob store")
				continue
			}

			digests = append(digests, digest)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return digests, nil
}

func (b *BadgerStore) NewTransaction() Transaction {
	return &badgerTransaction{db: b.db, tx: b.db.NewTransaction(true)}
}

func (b *badgerTransaction) Set(digest Digest, data []byte) error {
	if err := checkDigest(digest, data); err != nil {
		return err
	}

	err := b.tx.Set([]byte(digest), data)
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}

	// Blobs are immutable and an early commit only risks orphans, which the sweep removes.
	if err := b.tx.Commit(); err != nil {
		return err
	}

	b.tx = b.db.NewTransaction(true)

	return b.tx.Set([]byte(digest), data)
}

func (b *badgerTransaction) Delete(digests ...Digest) error {
	for _, digest := range digests {
		if err := b.tx.Delete([]byte(digest)); err != nil {
			return err
		}
	}

	return nil
}

func (b *badgerTransaction) Commit() error {
	return b.tx.Commit()
}

func (b *badgerTransaction) Rollback() error {
	b.tx.Discard()

	return nil
}

func (b *BadgerStore) Close() error {
	close(b.gcExitCh)
	b.wg.Wait()

	return b.db.Close()
}

type BadgerStoreBuilder struct{}

func (*BadgerStoreBuilder) New(dir string, passphrase []byte) (Store, error) {
	return NewBadgerStore(dir, passphrase)
}

func (*BadgerStoreBuilder) Delete(dir string) error {
	return os.RemoveAll(dir)
}
