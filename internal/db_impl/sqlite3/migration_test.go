package sqlite3

import (
	"context"
	"testing"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
	v0 "github.com/NostraDavid/mail/internal/db_impl/sqlite3/v0"
	v1 "github.com/NostraDavid/mail/internal/db_impl/sqlite3/v1"
	v2 "github.com/NostraDavid/mail/internal/db_impl/sqlite3/v2"
	"github.com/NostraDavid/mail/store"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMigration_VersionTooHigh(t *testing.T) {
	testDir := t.TempDir()
	ctx := context.Background()

	func() {
		client, _, err := NewClient(testDir, false, false)
		require.NoError(t, err)

		defer func() { require.NoError(t, client.Close()) }()

		require.NoError(t, client.Init(ctx))

		require.NoError(t, client.wrapTx(ctx, func(ctx context.Context, tx *sqlx.Tx, entry *logrus.Entry) error {
			return updateDBVersion(ctx, utils.TXWrapper{TX: tx}, 999999)
		}))
	}()

	client, _, err := NewClient(testDir, false, false)
	require.NoError(t, err)

	defer func() { require.NoError(t, client.Close()) }()

	err = client.Init(ctx)
	require.ErrorIs(t, err, db.ErrMigrationFailed)
}

func TestMigration_IsIdempotent(t *testing.T) {
	testDir := t.TempDir()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		client, _, err := NewClient(testDir, false, false)
		require.NoError(t, err)
		require.NoError(t, client.Init(ctx))

		version, err := db.ClientReadType(ctx, client, func(ctx context.Context, _ db.ReadOnly) (int, error) {
			return getDatabaseVersion(ctx, utils.DBWrapper{DB: client.db})
		})
		require.NoError(t, err)
		require.Equal(t, len(migrationList)-1, version)

		require.NoError(t, client.Close())
	}
}

// A database left at the first schema version keeps its messages and blobs when upgraded.
func TestMigration_UpgradePreservesBlobs(t *testing.T) {
	testDir := t.TempDir()
	ctx := context.Background()

	digest := store.DigestOf([]byte("body"))

	func() {
		client, _, err := NewClient(testDir, false, false)
		require.NoError(t, err)

		defer func() { require.NoError(t, client.Close()) }()

		require.NoError(t, client.wrapTx(ctx, func(ctx context.Context, tx *sqlx.Tx, entry *logrus.Entry) error {
			qw := utils.TXWrapper{TX: tx}

			if err := runMigrations(ctx, qw, migrationList[:1]); err != nil {
				return err
			}

			queries := []string{
				"INSERT INTO `accounts` (`id`, `address`, `imap_host`, `imap_port`, `smtp_host`, `smtp_port`, `credential_ref`, " +
					"`dns_timeout_ms`, `connect_timeout_ms`, `first_byte_timeout_ms`, `idle_read_timeout_ms`, `max_connections`, " +
					"`backoff_base_ms`, `backoff_ceiling_ms`, `max_auth_failures`, `created_at`) " +
					"VALUES (1, 'user@example.com', 'imap', 993, 'smtp', 587, '', 1, 1, 1, 1, 1, 1, 1, 1, 0)",
				"INSERT INTO `mailboxes` (`id`, `account_id`, `name`, `role`) VALUES (1, 1, 'INBOX', 'inbox')",
				"INSERT INTO `blobs` (`digest`, `size`, `created_at`) VALUES ('" + string(digest) + "', 4, 0)",
				"INSERT INTO `messages` (`id`, `account_id`, `mailbox_id`, `uid`, `uid_validity`, `identity_key`, `date`, `size`, " +
					"`blob_digest`, `updated_at`) VALUES ('msg-1', 1, 1, 1, 7, 'mid:a@b', 0, 4, '" + string(digest) + "', 0)",
			}

			for _, q := range queries {
				if _, err := utils.ExecQuery(ctx, qw, q); err != nil {
					return err
				}
			}

			return nil
		}))
	}()

	client, _, err := NewClient(testDir, false, false)
	require.NoError(t, err)

	defer func() { require.NoError(t, client.Close()) }()

	require.NoError(t, client.Init(ctx))

	require.NoError(t, client.Read(ctx, func(ctx context.Context, rd db.ReadOnly) error {
		ref, err := rd.GetBlobRef(ctx, digest)
		require.NoError(t, err)
		require.Equal(t, 1, ref.RefCount)

		msg, err := rd.GetMessage(ctx, "msg-1")
		require.NoError(t, err)
		require.Equal(t, digest, msg.Blob)

		attachments, err := rd.GetMessageAttachments(ctx, "msg-1")
		require.NoError(t, err)
		require.Empty(t, attachments)

		return nil
	}))

	for _, table := range []string{v0.MessagesTableName, v1.AttachmentsTableName, v1.FlagWriteBacksTableName, v2.MovesTableName} {
		exists, err := utils.QueryExists(ctx, utils.DBWrapper{DB: client.db},
			"SELECT 1 FROM sqlite_master WHERE `type` = 'table' AND `name` = ?", table)
		require.NoError(t, err)
		require.True(t, exists, table)
	}
}
