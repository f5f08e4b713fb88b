package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/NostraDavid/mail/async"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const tmpPrefix = ".tmp-"

type onDiskStore struct {
	path string
	gcm  cipher.AEAD
	cmp  Compressor
	sem  *async.Semaphore
}

// NewOnDiskStore stores each blob as one AES-GCM encrypted file named after its digest.
func NewOnDiskStore(path string, pass []byte, opt ...Option) (Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}

	key := sha256.Sum256(pass)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	store := &onDiskStore{
		path: path,
		gcm:  gcm,
	}

	for _, opt := range opt {
		opt.config(store)
	}

	// Leftovers from transactions interrupted by a crash.
	if tmps, err := filepath.Glob(filepath.Join(path, tmpPrefix+"*")); err == nil {
		for _, tmp := range tmps {
			_ = os.Remove(tmp)
		}
	}

	return store, nil
}

func (c *onDiskStore) lock() func() {
	if c.sem == nil {
		return func() {}
	}

	c.sem.Lock()

	return c.sem.Unlock
}

func (c *onDiskStore) Get(digest Digest) ([]byte, error) {
	defer c.lock()()

	enc, err := os.ReadFile(filepath.Join(c.path, digest.String()))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	if len(enc) < c.gcm.NonceSize() {
		return nil, fmt.Errorf("blob %v is truncated", digest.Short())
	}

	b, err := c.gcm.Open(nil, enc[:c.gcm.NonceSize()], enc[c.gcm.NonceSize():], nil)
	if err != nil {
		return nil, err
	}

	if c.cmp != nil {
		return c.cmp.Decompress(b)
	}

	return b, nil
}

func (c *onDiskStore) Has(digest Digest) (bool, error) {
	if _, err := os.Stat(filepath.Join(c.path, digest.String())); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return true, nil
}

func (c *onDiskStore) List() ([]Digest, error) {
	defer c.lock()()

	entries, err := os.ReadDir(c.path)
	if err != nil {
		return nil, err
	}

	var digests []Digest

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}

		digest, err := ParseDigest(entry.Name())
		if err != nil {
			logrus.WithError(err).Errorf("Invalid blob file in store: %v", entry.Name())
			continue
		}

		digests = append(digests, digest)
	}

	return digests, nil
}

func (c *onDiskStore) NewTransaction() Transaction {
	return &onDiskTransaction{store: c, staged: make(map[Digest]string)}
}

func (c *onDiskStore) Close() error {
	return nil
}

func (c *onDiskStore) seal(b []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())

	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	if c.cmp != nil {
		enc, err := c.cmp.Compress(b)
		if err != nil {
			return nil, err
		}

		b = enc
	}

	return c.gcm.Seal(nonce, nonce, b, nil), nil
}

// onDiskTransaction writes staged blobs to temporary files which are renamed into place on commit.
type onDiskTransaction struct {
	store   *onDiskStore
	staged  map[Digest]string
	deleted []Digest
}

func (t *onDiskTransaction) Set(digest Digest, data []byte) error {
	if err := checkDigest(digest, data); err != nil {
		return err
	}

	defer t.store.lock()()

	sealed, err := t.store.seal(data)
	if err != nil {
		return err
	}

	tmp := filepath.Join(t.store.path, tmpPrefix+uuid.NewString())

	if err := writeFileSync(tmp, sealed); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if prev, ok := t.staged[digest]; ok {
		_ = os.Remove(prev)
	}

	t.staged[digest] = tmp

	return nil
}

func (t *onDiskTransaction) Delete(digests ...Digest) error {
	t.deleted = append(t.deleted, digests...)

	return nil
}

// Commit returns once the renames are on disk, so a row committed afterwards never points at a
// blob lost in a crash.
func (t *onDiskTransaction) Commit() error {
	defer t.store.lock()()

	dirty := len(t.staged) > 0 || len(t.deleted) > 0

	for digest, tmp := range t.staged {
		if err := os.Rename(tmp, filepath.Join(t.store.path, digest.String())); err != nil {
			return err
		}

		delete(t.staged, digest)
	}

	for _, digest := range t.deleted {
		if err := os.Remove(filepath.Join(t.store.path, digest.String())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	t.deleted = nil

	if !dirty {
		return nil
	}

	return syncPath(t.store.path)
}

func (t *onDiskTransaction) Rollback() error {
	for digest, tmp := range t.staged {
		_ = os.Remove(tmp)
		delete(t.staged, digest)
	}

	t.deleted = nil

	return nil
}

// syncFile flushes a file to stable storage; tests replace it to observe the calls.
var syncFile = (*os.File).Sync

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}

	if err := syncFile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %v: %w", filepath.Base(path), err)
	}

	return f.Close()
}

// syncPath flushes a directory so the entries renamed into it survive a crash.
func syncPath(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}

	defer dir.Close()

	if err := syncFile(dir); err != nil {
		return fmt.Errorf("failed to sync blob directory: %w", err)
	}

	return nil
}

type OnDiskStoreBuilder struct {
	Options []Option
}

func (b *OnDiskStoreBuilder) New(dir string, passphrase []byte) (Store, error) {
	return NewOnDiskStore(dir, passphrase, b.Options...)
}

func (*OnDiskStoreBuilder) Delete(dir string) error {
	return os.RemoveAll(dir)
}
