// Package durable pairs the SQL store with the content-addressed blob store.
// Blob bytes are committed before the SQL transaction that references them; a failed SQL commit
// can only leave orphaned bytes behind, which SweepOrphans removes.
package durable

import (
	"context"
	"fmt"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/reporter"
	"github.com/NostraDavid/mail/store"
	"github.com/bradenaw/juniper/sets"
	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
)

type Store struct {
	client db.Client
	blobs  store.Store
}

func New(client db.Client, blobs store.Store) *Store {
	return &Store{client: client, blobs: blobs}
}

// Tx is a SQL transaction with a staged blob transaction attached.
type Tx struct {
	db.Transaction

	blobs      store.Store
	blobTx     store.Transaction
	storedOnce map[store.Digest]struct{}
}

// PutBlob stores the bytes under their digest and records the blob row. It is a no-op for known content.
func (tx *Tx) PutBlob(ctx context.Context, data []byte) (store.Digest, error) {
	digest := store.DigestOf(data)

	if err := tx.PutBlobRef(ctx, digest, int64(len(data))); err != nil {
		return "", fmt.Errorf("failed to record blob %v: %w", digest.Short(), err)
	}

	if _, ok := tx.storedOnce[digest]; ok {
		return digest, nil
	}

	// The row can outlive the bytes (failed commit during collection), so the bytes are checked separately.
	has, err := tx.blobs.Has(digest)
	if err != nil {
		return "", err
	}

	if !has {
		if err := tx.blobTx.Set(digest, data); err != nil {
			return "", fmt.Errorf("failed to store blob %v: %w", digest.Short(), err)
		}
	}

	tx.storedOnce[digest] = struct{}{}

	return digest, nil
}

func (s *Store) Read(ctx context.Context, fn func(context.Context, db.ReadOnly) error) error {
	return s.client.Read(ctx, fn)
}

// Write runs fn in a single SQL transaction. The blob transaction is wrapped by the SQL transaction.
func (s *Store) Write(ctx context.Context, fn func(context.Context, *Tx) error) error {
	return s.client.Write(ctx, func(ctx context.Context, sqlTx db.Transaction) error {
		return store.Tx(s.blobs, func(blobTx store.Transaction) error {
			err := fn(ctx, &Tx{
				Transaction: sqlTx,
				blobs:       s.blobs,
				blobTx:      blobTx,
				storedOnce:  make(map[store.Digest]struct{}),
			})

			if err != nil && ctx.Err() == nil {
				logrus.WithError(err).Debug("Durable write rolled back")
			}

			return err
		})
	})
}

func ReadResult[T any](ctx context.Context, s *Store, fn func(context.Context, db.ReadOnly) (T, error)) (T, error) {
	return db.ClientReadType(ctx, s.client, fn)
}

func WriteResult[T any](ctx context.Context, s *Store, fn func(context.Context, *Tx) (T, error)) (T, error) {
	var result T

	err := s.Write(ctx, func(ctx context.Context, tx *Tx) error {
		var err error

		result, err = fn(ctx, tx)

		return err
	})

	return result, err
}

// GetBlob returns the bytes of a blob.
func (s *Store) GetBlob(digest store.Digest) ([]byte, error) {
	return s.blobs.Get(digest)
}

// CollectGarbage removes blobs that no message, attachment or outbox item references.
func (s *Store) CollectGarbage(ctx context.Context) (int, error) {
	return WriteResult(ctx, s, func(ctx context.Context, tx *Tx) (int, error) {
		refs, err := tx.GetUnreferencedBlobs(ctx)
		if err != nil {
			return 0, err
		}

		if len(refs) == 0 {
			return 0, nil
		}

		digests := xslices.Map(refs, func(ref *db.BlobRef) store.Digest {
			return ref.Digest
		})

		if err := tx.DeleteBlobRefs(ctx, digests...); err != nil {
			return 0, err
		}

		if err := tx.blobTx.Delete(digests...); err != nil {
			return 0, err
		}

		return len(digests), nil
	})
}

// SweepOrphans removes stored bytes which have no blob row, left behind by interrupted writes.
// It runs inside a write so no concurrent PutBlob can be mid-flight.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	return WriteResult(ctx, s, func(ctx context.Context, tx *Tx) (int, error) {
		known, err := tx.GetBlobDigests(ctx)
		if err != nil {
			return 0, err
		}

		stored, err := s.blobs.List()
		if err != nil {
			return 0, err
		}

		knownSet := make(sets.Map[store.Digest], len(known))

		for _, digest := range known {
			knownSet.Add(digest)
		}

		orphans := xslices.Filter(stored, func(digest store.Digest) bool {
			return !knownSet.Contains(digest)
		})

		if len(orphans) == 0 {
			return 0, nil
		}

		if err := tx.blobTx.Delete(orphans...); err != nil {
			reporter.MessageWithContext(ctx, "Failed to sweep orphaned blobs", reporter.Context{"error": err, "count": len(orphans)})

			return 0, err
		}

		logrus.WithField("count", len(orphans)).Info("Removed orphaned blobs")

		return len(orphans), nil
	})
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return err
	}

	return s.blobs.Close()
}
