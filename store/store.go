package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrDigestMismatch = errors.New("blob content does not match digest")
)

// Digest is the lowercase hex SHA-256 of a blob's content.
type Digest string

func DigestOf(b []byte) Digest {
	sum := sha256.Sum256(b)

	return Digest(hex.EncodeToString(sum[:]))
}

// ParseDigest validates a digest read from an untrusted place such as a file name.
func ParseDigest(s string) (Digest, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length %v", len(s))
	}

	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid digest: %w", err)
	}

	return Digest(s), nil
}

func (d Digest) String() string {
	return string(d)
}

// Short returns an abbreviated form for logs.
func (d Digest) Short() string {
	if len(d) < 12 {
		return string(d)
	}

	return string(d[:12])
}

type Store interface {
	Get(digest Digest) ([]byte, error)
	Has(digest Digest) (bool, error)
	List() ([]Digest, error)
	NewTransaction() Transaction
	Close() error
}

// Transaction stages writes and deletes. Nothing is visible to readers before Commit.
type Transaction interface {
	Set(digest Digest, data []byte) error
	Delete(digest ...Digest) error
	Commit() error
	Rollback() error
}

type Builder interface {
	New(dir string, passphrase []byte) (Store, error)
	Delete(dir string) error
}

func Tx(store Store, fn func(Transaction) error) error {
	_, err := TxResult(store, func(tx Transaction) (struct{}, error) {
		return struct{}{}, fn(tx)
	})

	return err
}

func TxResult[T any](store Store, fn func(Transaction) (T, error)) (T, error) {
	tx := store.NewTransaction()

	var errResult T

	result, err := fn(tx)
	if err != nil {
		if te := tx.Rollback(); te != nil {
			return errResult, fmt.Errorf("failed to rollback transaction:%v - original error: %w", te, err)
		}

		return errResult, err
	}

	if err := tx.Commit(); err != nil {
		if te := tx.Rollback(); te != nil {
			return errResult, fmt.Errorf("failed to rollback transaction:%v - original error: %w", te, err)
		}

		return errResult, err
	}

	return result, nil
}

func checkDigest(digest Digest, data []byte) error {
	if DigestOf(data) != digest {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, digest.Short())
	}

	return nil
}
