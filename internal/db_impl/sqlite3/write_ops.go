package sqlite3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
	v0 "github.com/NostraDavid/mail/internal/db_impl/sqlite3/v0"
	v1 "github.com/NostraDavid/mail/internal/db_impl/sqlite3/v1"
	v2 "github.com/NostraDavid/mail/internal/db_impl/sqlite3/v2"
	"github.com/NostraDavid/mail/store"
	"github.com/bradenaw/juniper/xslices"
)

type writeOps struct {
	readOps
	qw utils.QueryWrapper
}

func (w writeOps) CreateAccount(ctx context.Context, account *db.Account) (db.AccountID, error) {
	query := fmt.Sprintf("INSERT INTO %v (`address`, `imap_host`, `imap_port`, `smtp_host`, `smtp_port`, `credential_ref`, "+
		"`dns_timeout_ms`, `connect_timeout_ms`, `first_byte_timeout_ms`, `idle_read_timeout_ms`, `max_connections`, "+
		"`backoff_base_ms`, `backoff_ceiling_ms`, `max_auth_failures`, `created_at`) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING `id`",
		v0.AccountsTableName,
	)

	policy := account.Policy

	return utils.MapQueryRow[db.AccountID](ctx, w.qw, query,
		account.Address,
		account.IMAPHost,
		account.IMAPPort,
		account.SMTPHost,
		account.SMTPPort,
		account.CredentialRef,
		policy.DNSTimeout.Milliseconds(),
		policy.ConnectTimeout.Milliseconds(),
		policy.FirstByteTimeout.Milliseconds(),
		policy.IdleReadTimeout.Milliseconds(),
		policy.MaxConnections,
		policy.BackoffBase.Milliseconds(),
		policy.BackoffCeiling.Milliseconds(),
		policy.MaxAuthFailures,
		time.Now().Unix(),
	)
}

func (w writeOps) DeleteAccount(ctx context.Context, id db.AccountID) error {
	query := fmt.Sprintf("DELETE FROM %v WHERE `id` = ?", v0.AccountsTableName)

	return utils.ExecQueryAndCheckUpdatedNotZero(ctx, w.qw, query, id)
}

func (w writeOps) CreateMailbox(ctx context.Context, accountID db.AccountID, name, delimiter string, role imap.Role) (*db.Mailbox, error) {
	query := fmt.Sprintf("INSERT INTO %v (`account_id`, `name`, `delimiter`, `role`) VALUES (?, ?, ?, ?) RETURNING %v",
		v0.MailboxesTableName,
		mailboxColumns,
	)

	row, err := utils.GetStruct[mailboxRow](ctx, w.qw, query, accountID, name, delimiter, role)
	if err != nil {
		return nil, err
	}

	return row.toMailbox(), nil
}

func (w writeOps) UpdateMailboxRole(ctx context.Context, id db.MailboxID, delimiter string, role imap.Role) error {
	query := fmt.Sprintf("UPDATE %v SET `delimiter` = ?, `role` = ? WHERE `id` = ?", v0.MailboxesTableName)

	return utils.ExecQueryAndCheckUpdatedNotZero(ctx, w.qw, query, delimiter, role, id)
}

func (w writeOps) DeleteMailbox(ctx context.Context, id db.MailboxID) error {
	query := fmt.Sprintf("DELETE FROM %v WHERE `id` = ?", v0.MailboxesTableName)

	return utils.ExecQueryAndCheckUpdatedNotZero(ctx, w.qw, query, id)
}

func (w writeOps) SetMailboxSyncState(ctx context.Context, id db.MailboxID, state string) error {
	query := fmt.Sprintf("UPDATE %v SET `sync_state` = ? WHERE `id` = ?", v0.MailboxesTableName)

	_, err := utils.ExecQuery(ctx, w.qw, query, state, id)

	return err
}

func (w writeOps) SetCursor(ctx context.Context, id db.MailboxID, cursor db.Cursor) error {
	query := fmt.Sprintf("INSERT INTO %v (`mailbox_id`, `uid_validity`, `high_watermark`, `mod_seq`, `synced_at`) VALUES (?, ?, ?, ?, ?) "+
		"ON CONFLICT (`mailbox_id`) DO UPDATE SET `uid_validity` = excluded.`uid_validity`, `high_watermark` = excluded.`high_watermark`, "+
		"`mod_seq` = excluded.`mod_seq`, `synced_at` = excluded.`synced_at`",
		v0.CursorsTableName,
	)

	syncedAt := cursor.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	_, err := utils.ExecQuery(ctx, w.qw, query, id, cursor.Validity, cursor.HighWatermark, int64(cursor.ModSeq), syncedAt.UnixMilli())

	return err
}

func (w writeOps) ResetMailboxEpoch(ctx context.Context, id db.MailboxID) error {
	{
		query := fmt.Sprintf("DELETE FROM %v WHERE `mailbox_id` = ?", v0.CursorsTableName)

		if _, err := utils.ExecQuery(ctx, w.qw, query, id); err != nil {
			return err
		}
	}

	query := fmt.Sprintf("UPDATE %v SET `anchor_mailbox_id` = `mailbox_id`, `anchor_uid_validity` = `uid_validity`, `anchor_uid` = `uid`, "+
		"`uid` = NULL, `uid_validity` = NULL, `updated_at` = ? WHERE `mailbox_id` = ? AND `uid` IS NOT NULL",
		v0.MessagesTableName,
	)

	_, err := utils.ExecQuery(ctx, w.qw, query, time.Now().Unix(), id)

	return err
}

func (w writeOps) UpsertMessages(ctx context.Context, reqs ...*db.MessageUpsert) error {
	for _, req := range reqs {
		existing, err := w.GetMessage(ctx, req.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		if existing == nil {
			err = w.insertMessage(ctx, req)
		} else {
			err = w.remapMessage(ctx, req, existing)
		}

		if err != nil {
			return fmt.Errorf("failed to upsert message %v: %w", req.ID, err)
		}
	}

	return nil
}

func (w writeOps) insertMessage(ctx context.Context, req *db.MessageUpsert) error {
	query := fmt.Sprintf("INSERT INTO %[1]v (`id`, `account_id`, `mailbox_id`, `uid`, `uid_validity`, `identity_key`, "+
		"`header_message_id`, `heuristic_key`, `subject`, `from_addr`, `to_addrs`, `date`, `size`, `blob_digest`, `updated_at`) "+
		"VALUES (?, (SELECT `account_id` FROM %[2]v WHERE `id` = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		v0.MessagesTableName,
		v0.MailboxesTableName,
	)

	if _, err := utils.ExecQuery(ctx, w.qw, query,
		req.ID,
		req.MailboxID,
		req.MailboxID,
		nullUID(req.UID),
		nullValidity(req.Validity),
		req.IdentityKey,
		req.HeaderMessageID,
		req.HeuristicKey,
		req.Subject,
		req.From,
		joinList(req.To),
		req.Date.Unix(),
		req.Size,
		req.Blob,
		time.Now().Unix(),
	); err != nil {
		return err
	}

	if err := w.addFlags(ctx, req.ID, req.Flags.ToSlice()); err != nil {
		return err
	}

	return w.insertAttachments(ctx, req.ID, req.Attachments)
}

// remapMessage moves an existing message to the mailbox and UID it was just seen under.
func (w writeOps) remapMessage(ctx context.Context, req *db.MessageUpsert, existing *db.Message) error {
	query := fmt.Sprintf("UPDATE %v SET `mailbox_id` = ?, `uid` = ?, `uid_validity` = ?, `identity_key` = ?, `header_message_id` = ?, "+
		"`heuristic_key` = ?, `blob_digest` = ?, `deleted` = false, `deleted_at` = NULL, `updated_at` = ? WHERE `id` = ?",
		v0.MessagesTableName,
	)

	if _, err := utils.ExecQuery(ctx, w.qw, query,
		req.MailboxID,
		nullUID(req.UID),
		nullValidity(req.Validity),
		req.IdentityKey,
		req.HeaderMessageID,
		req.HeuristicKey,
		req.Blob,
		time.Now().Unix(),
		req.ID,
	); err != nil {
		return err
	}

	if !existing.Flags.Equals(req.Flags) {
		if err := w.replaceFlags(ctx, req.ID, existing.Flags, req.Flags); err != nil {
			return err
		}
	}

	if existing.Blob != req.Blob {
		query := fmt.Sprintf("DELETE FROM %v WHERE `message_id` = ?", v1.AttachmentsTableName)

		if _, err := utils.ExecQuery(ctx, w.qw, query, req.ID); err != nil {
			return err
		}

		return w.insertAttachments(ctx, req.ID, req.Attachments)
	}

	return nil
}

func (w writeOps) insertAttachments(ctx context.Context, id db.MessageID, attachments []db.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO %v (`message_id`, `part_index`, `filename`, `content_type`, `content_id`, `inline`, `size`, `blob_digest`) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		v1.AttachmentsTableName,
	)

	stmt, err := w.qw.PrepareStatement(ctx, query)
	if err != nil {
		return err
	}

	defer utils.WrapStmtClose(stmt)

	for _, att := range attachments {
		if _, err := utils.ExecStmt(ctx, stmt, id, att.Index, att.Filename, att.ContentType, att.ContentID, att.Inline, att.Size, nullDigest(att.Blob)); err != nil {
			return err
		}
	}

	return nil
}

func (w writeOps) addFlags(ctx context.Context, id db.MessageID, flags []string) error {
	if len(flags) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT OR IGNORE INTO %v (`%v`, `%v`) VALUES (?, ?)",
		v0.MessageFlagsTableName,
		v0.MessageFlagsFieldMessageID,
		v0.MessageFlagsFieldValue,
	)

	stmt, err := w.qw.PrepareStatement(ctx, query)
	if err != nil {
		return err
	}

	defer utils.WrapStmtClose(stmt)

	for _, flag := range flags {
		if _, err := utils.ExecStmt(ctx, stmt, id, flag); err != nil {
			return err
		}
	}

	return nil
}

func (w writeOps) removeFlags(ctx context.Context, id db.MessageID, flags []string) error {
	for _, chunk := range xslices.Chunk(flags, db.ChunkLimit) {
		query := fmt.Sprintf("DELETE FROM %v WHERE `%v` = ? AND `%v` IN (%v)",
			v0.MessageFlagsTableName,
			v0.MessageFlagsFieldMessageID,
			v0.MessageFlagsFieldValue,
			utils.GenSQLIn(len(chunk)),
		)

		if _, err := utils.ExecQuery(ctx, w.qw, query, append([]any{id}, utils.MapSliceToAny(chunk)...)...); err != nil {
			return err
		}
	}

	return nil
}

func (w writeOps) replaceFlags(ctx context.Context, id db.MessageID, current, target imap.FlagSet) error {
	add, remove := current.Diff(target)

	if err := w.removeFlags(ctx, id, remove); err != nil {
		return err
	}

	return w.addFlags(ctx, id, add)
}

func (w writeOps) ApplyFlagChanges(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, changes ...db.FlagChange) error {
	if len(changes) == 0 {
		return nil
	}

	current, err := w.GetMailboxFlags(ctx, mailboxID, validity)
	if err != nil {
		return err
	}

	uids, err := w.GetMailboxUIDs(ctx, mailboxID, validity)
	if err != nil {
		return err
	}

	for _, change := range changes {
		id, ok := uids[change.UID]
		if !ok {
			continue
		}

		if flags := current[change.UID]; !flags.Equals(change.Flags) {
			if err := w.replaceFlags(ctx, id, flags, change.Flags); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w writeOps) ApplyExpunges(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, uids ...imap.UID) error {
	now := time.Now().Unix()

	for _, chunk := range xslices.Chunk(uids, db.ChunkLimit) {
		query := fmt.Sprintf("UPDATE %v SET `deleted` = true, `deleted_at` = ?, `anchor_mailbox_id` = `mailbox_id`, "+
			"`anchor_uid_validity` = `uid_validity`, `anchor_uid` = `uid`, `uid` = NULL, `uid_validity` = NULL, `updated_at` = ? "+
			"WHERE `mailbox_id` = ? AND `uid_validity` = ? AND `uid` IN (%v)",
			v0.MessagesTableName,
			utils.GenSQLIn(len(chunk)),
		)

		args := append([]any{now, now, mailboxID, validity}, utils.MapSliceToAny(chunk)...)

		if _, err := utils.ExecQuery(ctx, w.qw, query, args...); err != nil {
			return err
		}
	}

	return nil
}

func (w writeOps) TombstoneUnmapped(ctx context.Context, mailboxID db.MailboxID) (int, error) {
	query := fmt.Sprintf("UPDATE %v SET `deleted` = true, `deleted_at` = ?, `updated_at` = ? "+
		"WHERE `mailbox_id` = ? AND `uid` IS NULL AND `deleted` = false",
		v0.MessagesTableName,
	)

	now := time.Now().Unix()

	return utils.ExecQuery(ctx, w.qw, query, now, now, mailboxID)
}

func (w writeOps) PruneTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf("DELETE FROM %v WHERE `created_at` < ?", v2.MovesTableName)

	if _, err := utils.ExecQuery(ctx, w.qw, query, olderThan.Unix()); err != nil {
		return 0, err
	}

	query = fmt.Sprintf("DELETE FROM %v WHERE `deleted` = true AND `deleted_at` < ?", v0.MessagesTableName)

	return utils.ExecQuery(ctx, w.qw, query, olderThan.Unix())
}

func (w writeOps) RecordMove(ctx context.Context, target, source db.UIDAnchor) error {
	query := fmt.Sprintf("INSERT OR REPLACE INTO %v (`target_mailbox_id`, `target_uid_validity`, `target_uid`, "+
		"`source_mailbox_id`, `source_uid_validity`, `source_uid`, `created_at`) VALUES (?, ?, ?, ?, ?, ?, ?)",
		v2.MovesTableName,
	)

	_, err := utils.ExecQuery(ctx, w.qw, query,
		target.MailboxID, target.Validity, target.UID,
		source.MailboxID, source.Validity, source.UID,
		time.Now().Unix(),
	)

	return err
}

func (w writeOps) DeleteMoves(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, uids ...imap.UID) error {
	for _, chunk := range xslices.Chunk(uids, db.ChunkLimit) {
		query := fmt.Sprintf("DELETE FROM %v WHERE `target_mailbox_id` = ? AND `target_uid_validity` = ? AND `target_uid` IN (%v)",
			v2.MovesTableName,
			utils.GenSQLIn(len(chunk)),
		)

		args := append([]any{mailboxID, validity}, utils.MapSliceToAny(chunk)...)

		if _, err := utils.ExecQuery(ctx, w.qw, query, args...); err != nil {
			return err
		}
	}

	return nil
}

func (w writeOps) SetMessageFlags(ctx context.Context, id db.MessageID, add, remove []string) error {
	message, err := w.GetMessage(ctx, id)
	if err != nil {
		return err
	}

	if message.Deleted {
		return fmt.Errorf("message %v is expunged: %w", id, db.ErrNotFound)
	}

	if err := w.replaceFlags(ctx, id, message.Flags, message.Flags.Apply(add, remove)); err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %v (`message_id`, `add_flags`, `remove_flags`, `created_at`) VALUES (?, ?, ?, ?)",
		v1.FlagWriteBacksTableName,
	)

	_, err = utils.ExecQuery(ctx, w.qw, query, id, joinList(add), joinList(remove), time.Now().Unix())

	return err
}

func (w writeOps) DeleteFlagWriteBack(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %v WHERE `id` = ?", v1.FlagWriteBacksTableName)

	_, err := utils.ExecQuery(ctx, w.qw, query, id)

	return err
}

func (w writeOps) PutBlobRef(ctx context.Context, digest store.Digest, size int64) error {
	query := fmt.Sprintf("INSERT INTO %v (`digest`, `size`, `ref_count`, `created_at`) VALUES (?, ?, 0, ?) ON CONFLICT (`digest`) DO NOTHING",
		v0.BlobsTableName,
	)

	_, err := utils.ExecQuery(ctx, w.qw, query, digest, size, time.Now().Unix())

	return err
}

// DeleteBlobRefs only removes rows which are still unreferenced.
func (w writeOps) DeleteBlobRefs(ctx context.Context, digests ...store.Digest) error {
	for _, chunk := range xslices.Chunk(digests, db.ChunkLimit) {
		query := fmt.Sprintf("DELETE FROM %v WHERE `ref_count` <= 0 AND `digest` IN (%v)",
			v0.BlobsTableName,
			utils.GenSQLIn(len(chunk)),
		)

		if _, err := utils.ExecQuery(ctx, w.qw, query, utils.MapSliceToAny(chunk)...); err != nil {
			return err
		}
	}

	return nil
}

func (w writeOps) EnqueueOutbox(ctx context.Context, item *db.OutboxItem) (*db.OutboxItem, bool, error) {
	if existing, err := w.GetOutboxItem(ctx, item.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()

	query := fmt.Sprintf("INSERT INTO %v (`account_id`, `idempotency_key`, `mail_from`, `rcpt_to`, `blob_digest`, `state`, "+
		"`next_attempt_at`, `created_at`, `updated_at`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING %v",
		v0.OutboxTableName,
		outboxColumns,
	)

	row, err := utils.GetStruct[outboxRow](ctx, w.qw, query,
		item.AccountID,
		item.IdempotencyKey,
		item.From,
		joinList(item.To),
		item.Blob,
		db.OutboxQueued,
		now.UnixMilli(),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return nil, false, err
	}

	return row.toItem(), true, nil
}

func (w writeOps) UpdateOutboxItem(ctx context.Context, item *db.OutboxItem) error {
	query := fmt.Sprintf("UPDATE %v SET `state` = ?, `attempts` = ?, `last_error` = ?, `next_attempt_at` = ?, "+
		"`needs_confirmation` = ?, `updated_at` = ? WHERE `id` = ?",
		v0.OutboxTableName,
	)

	return utils.ExecQueryAndCheckUpdatedNotZero(ctx, w.qw, query,
		item.State,
		item.Attempts,
		item.LastError,
		item.NextAttemptAt.UnixMilli(),
		item.NeedsConfirmation,
		time.Now().UnixMilli(),
		item.ID,
	)
}

// FailInterruptedOutboxItems resolves items left mid-send by a crash. The server may have accepted them.
func (w writeOps) FailInterruptedOutboxItems(ctx context.Context, accountID db.AccountID) (int, error) {
	query := fmt.Sprintf("UPDATE %v SET `state` = ?, `needs_confirmation` = true, `last_error` = ?, `updated_at` = ? "+
		"WHERE `account_id` = ? AND `state` = ?",
		v0.OutboxTableName,
	)

	return utils.ExecQuery(ctx, w.qw, query,
		db.OutboxFailed,
		"interrupted while sending",
		time.Now().UnixMilli(),
		accountID,
		db.OutboxSending,
	)
}

func (w writeOps) PruneSentOutboxItems(ctx context.Context, accountID db.AccountID, olderThan time.Time) (int, error) {
	query := fmt.Sprintf("DELETE FROM %v WHERE `account_id` = ? AND `state` = ? AND `updated_at` < ?", v0.OutboxTableName)

	return utils.ExecQuery(ctx, w.qw, query, accountID, db.OutboxSent, olderThan.UnixMilli())
}

func (w writeOps) DeleteIndexFeed(ctx context.Context, upTo int64) error {
	query := fmt.Sprintf("DELETE FROM %v WHERE `seq` <= ?", v0.IndexFeedTableName)

	_, err := utils.ExecQuery(ctx, w.qw, query, upTo)

	return err
}
