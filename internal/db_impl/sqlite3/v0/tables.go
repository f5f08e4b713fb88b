package v0

import (
	"context"

	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
)

type Table interface {
	Name() string
	Create(ctx context.Context, tx utils.QueryWrapper) error
}

func execQueries(ctx context.Context, tx utils.QueryWrapper, queries []string) error {
	for _, q := range queries {
		if _, err := utils.ExecQuery(ctx, tx, q); err != nil {
			return err
		}
	}

	return nil
}

type AccountsTable struct{}

func (AccountsTable) Name() string {
	return AccountsTableName
}

func (AccountsTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `accounts` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `address` text NOT NULL, " +
			"`imap_host` text NOT NULL, `imap_port` integer NOT NULL, `smtp_host` text NOT NULL, `smtp_port` integer NOT NULL, " +
			"`credential_ref` text NOT NULL, `dns_timeout_ms` integer NOT NULL, `connect_timeout_ms` integer NOT NULL, " +
			"`first_byte_timeout_ms` integer NOT NULL, `idle_read_timeout_ms` integer NOT NULL, `max_connections` integer NOT NULL, " +
			"`backoff_base_ms` integer NOT NULL, `backoff_ceiling_ms` integer NOT NULL, `max_auth_failures` integer NOT NULL, " +
			"`created_at` integer NOT NULL)",
		"CREATE UNIQUE INDEX `accounts_address_key` ON `accounts` (`address`)",
	}

	return execQueries(ctx, tx, queries)
}

type MailboxesTable struct{}

func (MailboxesTable) Name() string {
	return MailboxesTableName
}

func (MailboxesTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `mailboxes` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `account_id` integer NOT NULL, " +
			"`name` text NOT NULL, `delimiter` text NOT NULL DEFAULT '', `role` text NOT NULL, `sync_state` text NOT NULL DEFAULT 'disconnected', " +
			"CONSTRAINT `mailboxes_account` FOREIGN KEY (`account_id`) REFERENCES `accounts` (`id`) ON DELETE CASCADE)",
		"CREATE UNIQUE INDEX `mailboxes_account_name_key` ON `mailboxes` (`account_id`, `name`)",
	}

	return execQueries(ctx, tx, queries)
}

type CursorsTable struct{}

func (CursorsTable) Name() string {
	return CursorsTableName
}

func (CursorsTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `cursors` (`mailbox_id` integer NOT NULL PRIMARY KEY, `uid_validity` integer NOT NULL, " +
			"`high_watermark` integer NOT NULL, `mod_seq` integer NOT NULL DEFAULT 0, `synced_at` integer NOT NULL, " +
			"CONSTRAINT `cursors_mailbox` FOREIGN KEY (`mailbox_id`) REFERENCES `mailboxes` (`id`) ON DELETE CASCADE)",
	}

	return execQueries(ctx, tx, queries)
}

type BlobsTable struct{}

func (BlobsTable) Name() string {
	return BlobsTableName
}

func (BlobsTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `blobs` (`digest` text NOT NULL PRIMARY KEY, `size` integer NOT NULL, " +
			"`ref_count` integer NOT NULL DEFAULT 0, `created_at` integer NOT NULL)",
		"CREATE INDEX `blobs_ref_count` ON `blobs` (`ref_count`)",
	}

	return execQueries(ctx, tx, queries)
}

type MessagesTable struct{}

func (MessagesTable) Name() string {
	return MessagesTableName
}

func (MessagesTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `messages` (`id` text NOT NULL PRIMARY KEY, `account_id` integer NOT NULL, `mailbox_id` integer NOT NULL, " +
			"`uid` integer NULL, `uid_validity` integer NULL, `identity_key` text NOT NULL, `header_message_id` text NOT NULL DEFAULT '', " +
			"`heuristic_key` text NOT NULL DEFAULT '', `subject` text NOT NULL DEFAULT '', `from_addr` text NOT NULL DEFAULT '', " +
			"`to_addrs` text NOT NULL DEFAULT '', `date` integer NOT NULL, `size` integer NOT NULL, `blob_digest` text NOT NULL, " +
			"`deleted` bool NOT NULL DEFAULT false, `deleted_at` integer NULL, `anchor_mailbox_id` integer NULL, " +
			"`anchor_uid_validity` integer NULL, `anchor_uid` integer NULL, `updated_at` integer NOT NULL, " +
			"CONSTRAINT `messages_account` FOREIGN KEY (`account_id`) REFERENCES `accounts` (`id`) ON DELETE CASCADE, " +
			"CONSTRAINT `messages_mailbox` FOREIGN KEY (`mailbox_id`) REFERENCES `mailboxes` (`id`) ON DELETE CASCADE, " +
			"CONSTRAINT `messages_blob` FOREIGN KEY (`blob_digest`) REFERENCES `blobs` (`digest`))",
		"CREATE UNIQUE INDEX `messages_mailbox_uid_key` ON `messages` (`mailbox_id`, `uid_validity`, `uid`)",
		"CREATE INDEX `messages_mailbox_date` ON `messages` (`mailbox_id`, `deleted`, `date`)",
		"CREATE TRIGGER `messages_blob_acquire` AFTER INSERT ON `messages` BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` + 1 WHERE `digest` = NEW.`blob_digest`; END",
		"CREATE TRIGGER `messages_blob_release` AFTER DELETE ON `messages` BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` - 1 WHERE `digest` = OLD.`blob_digest`; END",
		"CREATE TRIGGER `messages_blob_swap` AFTER UPDATE OF `blob_digest` ON `messages` WHEN OLD.`blob_digest` != NEW.`blob_digest` BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` - 1 WHERE `digest` = OLD.`blob_digest`; " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` + 1 WHERE `digest` = NEW.`blob_digest`; END",
		"CREATE TRIGGER `messages_index_insert` AFTER INSERT ON `messages` WHEN NEW.`deleted` = 0 BEGIN " +
			"INSERT INTO `index_feed` (`message_id`, `op`, `created_at`) VALUES (NEW.`id`, 'insert', strftime('%s', 'now')); END",
		"CREATE TRIGGER `messages_index_update` AFTER UPDATE OF `deleted`, `mailbox_id`, `blob_digest` ON `messages` " +
			"WHEN NOT (OLD.`deleted` = 1 AND NEW.`deleted` = 1) BEGIN " +
			"INSERT INTO `index_feed` (`message_id`, `op`, `created_at`) VALUES (NEW.`id`, " +
			"CASE WHEN NEW.`deleted` = 1 THEN 'delete' WHEN OLD.`deleted` = 1 THEN 'insert' ELSE 'update' END, strftime('%s', 'now')); END",
		"CREATE TRIGGER `messages_index_delete` AFTER DELETE ON `messages` WHEN OLD.`deleted` = 0 BEGIN " +
			"INSERT INTO `index_feed` (`message_id`, `op`, `created_at`) VALUES (OLD.`id`, 'delete', strftime('%s', 'now')); END",
	}

	return execQueries(ctx, tx, queries)
}

type MessageFlagsTable struct{}

func (MessageFlagsTable) Name() string {
	return MessageFlagsTableName
}

func (MessageFlagsTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `message_flags` (`message_id` text NOT NULL, `value` text NOT NULL COLLATE NOCASE, " +
			"PRIMARY KEY (`message_id`, `value`), " +
			"CONSTRAINT `message_flags_message` FOREIGN KEY (`message_id`) REFERENCES `messages` (`id`) ON DELETE CASCADE)",
		"CREATE TRIGGER `message_flags_index_insert` AFTER INSERT ON `message_flags` " +
			"WHEN (SELECT `deleted` FROM `messages` WHERE `id` = NEW.`message_id`) = 0 BEGIN " +
			"INSERT INTO `index_feed` (`message_id`, `op`, `created_at`) VALUES (NEW.`message_id`, 'update', strftime('%s', 'now')); END",
		"CREATE TRIGGER `message_flags_index_delete` AFTER DELETE ON `message_flags` " +
			"WHEN (SELECT `deleted` FROM `messages` WHERE `id` = OLD.`message_id`) = 0 BEGIN " +
			"INSERT INTO `index_feed` (`message_id`, `op`, `created_at`) VALUES (OLD.`message_id`, 'update', strftime('%s', 'now')); END",
	}

	return execQueries(ctx, tx, queries)
}

type IndexFeedTable struct{}

func (IndexFeedTable) Name() string {
	return IndexFeedTableName
}

func (IndexFeedTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `index_feed` (`seq` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `message_id` text NOT NULL, " +
			"`op` text NOT NULL, `created_at` integer NOT NULL)",
	}

	return execQueries(ctx, tx, queries)
}

type OutboxTable struct{}

func (OutboxTable) Name() string {
	return OutboxTableName
}

func (OutboxTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `outbox` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `account_id` integer NOT NULL, " +
			"`idempotency_key` text NOT NULL, `mail_from` text NOT NULL, `rcpt_to` text NOT NULL, `blob_digest` text NOT NULL, " +
			"`state` text NOT NULL, `attempts` integer NOT NULL DEFAULT 0, `last_error` text NOT NULL DEFAULT '', " +
			"`next_attempt_at` integer NOT NULL, `needs_confirmation` bool NOT NULL DEFAULT false, " +
			"`created_at` integer NOT NULL, `updated_at` integer NOT NULL, " +
			"CONSTRAINT `outbox_account` FOREIGN KEY (`account_id`) REFERENCES `accounts` (`id`) ON DELETE CASCADE, " +
			"CONSTRAINT `outbox_blob` FOREIGN KEY (`blob_digest`) REFERENCES `blobs` (`digest`))",
		"CREATE UNIQUE INDEX `outbox_idempotency_key` ON `outbox` (`idempotency_key`)",
		"CREATE TRIGGER `outbox_blob_acquire` AFTER INSERT ON `outbox` BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` + 1 WHERE `digest` = NEW.`blob_digest`; END",
		"CREATE TRIGGER `outbox_blob_release` AFTER DELETE ON `outbox` BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` - 1 WHERE `digest` = OLD.`blob_digest`; END",
	}

	return execQueries(ctx, tx, queries)
}

type VersionTable struct{}

func (VersionTable) Name() string {
	return VersionTableName
}

func (VersionTable) Create(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE `mail_version` (`id` integer NOT NULL PRIMARY KEY, `version` integer NOT NULL)",
		"INSERT INTO `mail_version` (`id`, `version`) VALUES (0, 0)",
	}

	return execQueries(ctx, tx, queries)
}
