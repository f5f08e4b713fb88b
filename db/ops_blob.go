package db

import (
	"context"

	"github.com/NostraDavid/mail/store"
)

type BlobReadOps interface {
	GetBlobRef(ctx context.Context, digest store.Digest) (*BlobRef, error)

	// GetUnreferencedBlobs returns blobs no message, attachment or outbox item points to.
	GetUnreferencedBlobs(ctx context.Context) ([]*BlobRef, error)

	GetBlobDigests(ctx context.Context) ([]store.Digest, error)
}

type BlobWriteOps interface {
	// PutBlobRef records a blob with no references; existing rows are left untouched.
	PutBlobRef(ctx context.Context, digest store.Digest, size int64) error

	DeleteBlobRefs(ctx context.Context, digests ...store.Digest) error
}
