package store

import (
	"sync"

	"golang.org/x/exp/maps"
)

type inMemoryStore struct {
	data map[Digest][]byte
	lock sync.RWMutex
}

func NewInMemoryStore() Store {
	return &inMemoryStore{
		data: make(map[Digest][]byte),
	}
}

func (c *inMemoryStore) Get(digest Digest) ([]byte, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	literal, ok := c.data[digest]
	if !ok {
		return nil, ErrNotFound
	}

	return literal, nil
}

func (c *inMemoryStore) Has(digest Digest) (bool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	_, ok := c.data[digest]

	return ok, nil
}

func (c *inMemoryStore) List() ([]Digest, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return maps.Keys(c.data), nil
}

func (c *inMemoryStore) NewTransaction() Transaction {
	return &inMemoryTransaction{store: c, staged: make(map[Digest][]byte)}
}

func (c *inMemoryStore) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.data = make(map[Digest][]byte)

	return nil
}

type inMemoryTransaction struct {
	store   *inMemoryStore
	staged  map[Digest][]byte
	deleted []Digest
}

func (t *inMemoryTransaction) Set(digest Digest, data []byte) error {
	if err := checkDigest(digest, data); err != nil {
		return err
	}

	t.staged[digest] = append([]byte(nil), data...)

	return nil
}

func (t *inMemoryTransaction) Delete(digests ...Digest) error {
	t.deleted = append(t.deleted, digests...)

	return nil
}

func (t *inMemoryTransaction) Commit() error {
	t.store.lock.Lock()
	defer t.store.lock.Unlock()

	for digest, data := range t.staged {
		t.store.data[digest] = data
	}

	for _, digest := range t.deleted {
		delete(t.store.data, digest)
	}

	t.staged, t.deleted = make(map[Digest][]byte), nil

	return nil
}

func (t *inMemoryTransaction) Rollback() error {
	t.staged, t.deleted = make(map[Digest][]byte), nil

	return nil
}

type InMemoryStoreBuilder struct{}

func (InMemoryStoreBuilder) New(string, []byte) (Store, error) {
	return NewInMemoryStore(), nil
}

func (InMemoryStoreBuilder) Delete(string) error {
	return nil
}
