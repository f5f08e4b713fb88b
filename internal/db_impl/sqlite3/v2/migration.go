package v2

import (
	"context"

	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
)

// Migration adds the moves table, which maps the UID a message was moved to onto the UID it was moved from.
type Migration struct{}

func (m Migration) Run(ctx context.Context, tx utils.QueryWrapper) error {
	queries := []string{
		"CREATE TABLE IF NOT EXISTS `message_moves` (`id` integer NOT NULL PRIMARY KEY AUTOINCREMENT, " +
			"`target_mailbox_id` integer NOT NULL, `target_uid_validity` integer NOT NULL, `target_uid` integer NOT NULL, " +
			"`source_mailbox_id` integer NOT NULL, `source_uid_validity` integer NOT NULL, `source_uid` integer NOT NULL, " +
			"`created_at` integer NOT NULL, " +
			"CONSTRAINT `message_moves_target` FOREIGN KEY (`target_mailbox_id`) REFERENCES `mailboxes` (`id`) ON DELETE CASCADE, " +
			"CONSTRAINT `message_moves_source` FOREIGN KEY (`source_mailbox_id`) REFERENCES `mailboxes` (`id`) ON DELETE CASCADE)",
		"CREATE UNIQUE INDEX IF NOT EXISTS `message_moves_target` ON `message_moves` " +
			"(`target_mailbox_id`, `target_uid_validity`, `target_uid`)",
	}

	for _, q := range queries {
		if _, err := utils.ExecQuery(ctx, tx, q); err != nil {
			return err
		}
	}

	return nil
}
