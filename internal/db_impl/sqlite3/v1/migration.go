package v1

import (
	"context"

	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
)

// Migration adds attachment metadata, the flag write-back queue and the identity lookup indexes.
// Existing rows, blobs included, are left untouched.
type Migration struct{}

func (m Migration) Run(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE IF NOT EXISTS `attachments` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `message_id` text NOT NULL, " +
			"`part_index` integer NOT NULL, `filename` text NOT NULL DEFAULT '', `content_type` text NOT NULL DEFAULT '', " +
			"`content_id` text NOT NULL DEFAULT '', `inline` bool NOT NULL DEFAULT false, `size` integer NOT NULL, `blob_digest` text NULL, " +
			"CONSTRAINT `attachments_message` FOREIGN KEY (`message_id`) REFERENCES `messages` (`id`) ON DELETE CASCADE, " +
			"CONSTRAINT `attachments_blob` FOREIGN KEY (`blob_digest`) REFERENCES `blobs` (`digest`))",
		"CREATE INDEX IF NOT EXISTS `attachments_message` ON `attachments` (`message_id`)",
		"CREATE TRIGGER IF NOT EXISTS `attachments_blob_acquire` AFTER INSERT ON `attachments` WHEN NEW.`blob_digest` IS NOT NULL BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` + 1 WHERE `digest` = NEW.`blob_digest`; END",
		"CREATE TRIGGER IF NOT EXISTS `attachments_blob_release` AFTER DELETE ON `attachments` WHEN OLD.`blob_digest` IS NOT NULL BEGIN " +
			"UPDATE `blobs` SET `ref_count` = `ref_count` - 1 WHERE `digest` = OLD.`blob_digest`; END",

		"CREATE TABLE IF NOT EXISTS `flag_writebacks` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, `message_id` text NOT NULL, " +
			"`add_flags` text NOT NULL DEFAULT '', `remove_flags` text NOT NULL DEFAULT '', `created_at` integer NOT NULL, " +
			"CONSTRAINT `flag_writebacks_message` FOREIGN KEY (`message_id`) REFERENCES `messages` (`id`) ON DELETE CASCADE)",

		"CREATE INDEX IF NOT EXISTS `messages_identity_key` ON `messages` (`account_id`, `identity_key`)",
		"CREATE INDEX IF NOT EXISTS `messages_header_message_id` ON `messages` (`account_id`, `header_message_id`)",
		"CREATE INDEX IF NOT EXISTS `messages_anchor` ON `messages` (`anchor_mailbox_id`, `anchor_uid_validity`, `anchor_uid`)",
		"CREATE INDEX IF NOT EXISTS `messages_tombstones` ON `messages` (`deleted`, `deleted_at`)",
		"CREATE INDEX IF NOT EXISTS `outbox_account_state` ON `outbox` (`account_id`, `state`, `id`)",
	}

	for _, q := range queries {
		if _, err := utils.ExecQuery(ctx, tx, q); err != nil {
			return err
		}
	}

	return nil
}
