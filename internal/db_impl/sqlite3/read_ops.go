package sqlite3

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
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

const defaultPageSize = 50

var errInvalidPageToken = errors.New("invalid page token")

type readOps struct {
	qw utils.QueryWrapper
}

func (r readOps) GetAccount(ctx context.Context, id db.AccountID) (*db.Account, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `id` = ?", accountColumns, v0.AccountsTableName)

	row, err := utils.GetStruct[accountRow](ctx, r.qw, query, id)
	if err != nil {
		return nil, err
	}

	return row.toAccount(), nil
}

func (r readOps) GetAccountByAddress(ctx context.Context, address string) (*db.Account, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `address` = ?", accountColumns, v0.AccountsTableName)

	row, err := utils.GetStruct[accountRow](ctx, r.qw, query, address)
	if err != nil {
		return nil, err
	}

	return row.toAccount(), nil
}

func (r readOps) GetAccounts(ctx context.Context) ([]*db.Account, error) {
	query := fmt.Sprintf("SELECT %v FROM %v ORDER BY `id`", accountColumns, v0.AccountsTableName)

	rows, err := utils.SelectStructs[accountRow](ctx, r.qw, query)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, accountRow.toAccount), nil
}

func (r readOps) GetMailbox(ctx context.Context, id db.MailboxID) (*db.Mailbox, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `id` = ?", mailboxColumns, v0.MailboxesTableName)

	row, err := utils.GetStruct[mailboxRow](ctx, r.qw, query, id)
	if err != nil {
		return nil, err
	}

	return row.toMailbox(), nil
}

func (r readOps) GetMailboxByName(ctx context.Context, accountID db.AccountID, name string) (*db.Mailbox, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `account_id` = ? AND `name` = ?", mailboxColumns, v0.MailboxesTableName)

	row, err := utils.GetStruct[mailboxRow](ctx, r.qw, query, accountID, name)
	if err != nil {
		return nil, err
	}

	return row.toMailbox(), nil
}

func (r readOps) GetMailboxes(ctx context.Context, accountID db.AccountID) ([]*db.Mailbox, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `account_id` = ? ORDER BY `id`", mailboxColumns, v0.MailboxesTableName)

	rows, err := utils.SelectStructs[mailboxRow](ctx, r.qw, query, accountID)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, mailboxRow.toMailbox), nil
}

func (r readOps) GetCursor(ctx context.Context, id db.MailboxID) (db.Cursor, error) {
	query := fmt.Sprintf("SELECT `uid_validity`, `high_watermark`, `mod_seq`, `synced_at` FROM %v WHERE `mailbox_id` = ?",
		v0.CursorsTableName,
	)

	return utils.MapQueryRowFn(ctx, r.qw, query, func(scanner utils.RowScanner) (db.Cursor, error) {
		var (
			cursor   db.Cursor
			syncedAt int64
		)

		if err := scanner.Scan(&cursor.Validity, &cursor.HighWatermark, &cursor.ModSeq, &syncedAt); err != nil {
			return db.Cursor{}, err
		}

		cursor.SyncedAt = time.UnixMilli(syncedAt)

		return cursor, nil
	}, id)
}

func (r readOps) GetMessage(ctx context.Context, id db.MessageID) (*db.Message, error) {
	query := fmt.Sprintf("SELECT %v FROM %v m WHERE m.`id` = ?", messageColumns, v0.MessagesTableName)

	row, err := utils.GetStruct[messageRow](ctx, r.qw, query, id)
	if err != nil {
		return nil, err
	}

	return row.toMessage(), nil
}

func (r readOps) GetMessageAttachments(ctx context.Context, id db.MessageID) ([]db.Attachment, error) {
	query := fmt.Sprintf("SELECT `part_index`, `filename`, `content_type`, `content_id`, `inline`, `size`, `blob_digest` "+
		"FROM %v WHERE `message_id` = ? ORDER BY `part_index`",
		v1.AttachmentsTableName,
	)

	rows, err := utils.SelectStructs[attachmentRow](ctx, r.qw, query, id)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, func(row attachmentRow) db.Attachment {
		return db.Attachment{
			Index:       row.Index,
			Filename:    row.Filename,
			ContentType: row.ContentType,
			ContentID:   row.ContentID,
			Inline:      row.Inline,
			Size:        row.Size,
			Blob:        store.Digest(row.Blob.String),
		}
	}), nil
}

// ListMessages pages through live messages newest first. The page token encodes the last (date, id) returned.
func (r readOps) ListMessages(ctx context.Context, mailboxID db.MailboxID, filter db.ListFilter) (db.MessagePage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	} else if limit > db.ChunkLimit {
		limit = db.ChunkLimit
	}

	var (
		where = []string{"m.`mailbox_id` = ?", "m.`deleted` = 0"}
		args  = []any{mailboxID}
	)

	if filter.Flag != "" {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM %v f WHERE f.`message_id` = m.`id` AND f.`value` = ?)", v0.MessageFlagsTableName))
		args = append(args, filter.Flag)
	}

	if filter.Unflagged != "" {
		where = append(where, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %v f WHERE f.`message_id` = m.`id` AND f.`value` = ?)", v0.MessageFlagsTableName))
		args = append(args, filter.Unflagged)
	}

	if !filter.Since.IsZero() {
		where = append(where, "m.`date` >= ?")
		args = append(args, filter.Since.Unix())
	}

	if filter.PageToken != "" {
		date, id, err := decodePageToken(filter.PageToken)
		if err != nil {
			return db.MessagePage{}, err
		}

		where = append(where, "(m.`date` < ? OR (m.`date` = ? AND m.`id` > ?))")
		args = append(args, date, date, id)
	}

	query := fmt.Sprintf("SELECT %v FROM %v m WHERE %v ORDER BY m.`date` DESC, m.`id` ASC LIMIT %v",
		messageColumns,
		v0.MessagesTableName,
		strings.Join(where, " AND "),
		limit+1,
	)

	rows, err := utils.SelectStructs[messageRow](ctx, r.qw, query, args...)
	if err != nil {
		return db.MessagePage{}, err
	}

	var page db.MessagePage

	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextPageToken = encodePageToken(last.Date, last.ID)
	}

	page.Messages = xslices.Map(rows, messageRow.toMessage)

	return page, nil
}

func (r readOps) GetMailboxUIDs(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity) (map[imap.UID]db.MessageID, error) {
	query := fmt.Sprintf("SELECT `uid`, `id` FROM %v WHERE `mailbox_id` = ? AND `uid_validity` = ? AND `uid` IS NOT NULL",
		v0.MessagesTableName,
	)

	type pair struct {
		uid imap.UID
		id  db.MessageID
	}

	pairs, err := utils.MapQueryRowsFn(ctx, r.qw, query, func(scanner utils.RowScanner) (pair, error) {
		var p pair

		err := scanner.Scan(&p.uid, &p.id)

		return p, err
	}, mailboxID, validity)
	if err != nil {
		return nil, err
	}

	result := make(map[imap.UID]db.MessageID, len(pairs))

	for _, p := range pairs {
		result[p.uid] = p.id
	}

	return result, nil
}

func (r readOps) GetMailboxFlags(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity) (map[imap.UID]imap.FlagSet, error) {
	query := fmt.Sprintf("SELECT m.`uid`, f.`value` FROM %v m LEFT JOIN %v f ON f.`message_id` = m.`id` "+
		"WHERE m.`mailbox_id` = ? AND m.`uid_validity` = ? AND m.`uid` IS NOT NULL",
		v0.MessagesTableName,
		v0.MessageFlagsTableName,
	)

	type uidFlag struct {
		uid  imap.UID
		flag *string
	}

	rows, err := utils.MapQueryRowsFn(ctx, r.qw, query, func(scanner utils.RowScanner) (uidFlag, error) {
		var v uidFlag

		err := scanner.Scan(&v.uid, &v.flag)

		return v, err
	}, mailboxID, validity)
	if err != nil {
		return nil, err
	}

	result := make(map[imap.UID]imap.FlagSet)

	for _, row := range rows {
		flags, ok := result[row.uid]
		if !ok {
			flags = imap.NewFlagSet()
			result[row.uid] = flags
		}

		if row.flag != nil {
			result[row.uid] = flags.Add(*row.flag)
		}
	}

	return result, nil
}

func (r readOps) GetMessageCount(ctx context.Context, mailboxID db.MailboxID) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %v WHERE `mailbox_id` = ? AND `deleted` = 0", v0.MessagesTableName)

	return utils.MapQueryRow[int](ctx, r.qw, query, mailboxID)
}

func (r readOps) FindMessageByUID(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, uid imap.UID) (db.MessageID, error) {
	query := fmt.Sprintf("SELECT `id` FROM %v WHERE `mailbox_id` = ? AND `uid_validity` = ? AND `uid` = ?", v0.MessagesTableName)

	return utils.MapQueryRow[db.MessageID](ctx, r.qw, query, mailboxID, validity, uid)
}

func (r readOps) FindByIdentityKey(ctx context.Context, accountID db.AccountID, key string) ([]*db.IdentityRecord, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `account_id` = ? AND `identity_key` = ?", identityColumns, v0.MessagesTableName)

	return r.findIdentities(ctx, query, accountID, key)
}

func (r readOps) FindByHeaderMessageID(ctx context.Context, accountID db.AccountID, headerID string) ([]*db.IdentityRecord, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `account_id` = ? AND `header_message_id` = ?", identityColumns, v0.MessagesTableName)

	return r.findIdentities(ctx, query, accountID, headerID)
}

func (r readOps) FindByAnchor(ctx context.Context, anchor db.UIDAnchor) ([]*db.IdentityRecord, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `anchor_mailbox_id` = ? AND `anchor_uid_validity` = ? AND `anchor_uid` = ? "+
		"AND `anchor_uid_validity` = (SELECT `uid_validity` FROM %v WHERE `mailbox_id` = ?)",
		identityColumns,
		v0.MessagesTableName,
		v0.CursorsTableName,
	)

	return r.findIdentities(ctx, query, anchor.MailboxID, anchor.Validity, anchor.UID, anchor.MailboxID)
}

func (r readOps) GetMoveOrigins(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity) (map[imap.UID]db.UIDAnchor, error) {
	query := fmt.Sprintf("SELECT `target_uid`, `source_mailbox_id`, `source_uid_validity`, `source_uid` FROM %v "+
		"WHERE `target_mailbox_id` = ? AND `target_uid_validity` = ?",
		v2.MovesTableName,
	)

	type move struct {
		target imap.UID
		source db.UIDAnchor
	}

	moves, err := utils.MapQueryRowsFn(ctx, r.qw, query, func(scanner utils.RowScanner) (move, error) {
		var m move

		err := scanner.Scan(&m.target, &m.source.MailboxID, &m.source.Validity, &m.source.UID)

		return m, err
	}, mailboxID, validity)
	if err != nil {
		return nil, err
	}

	result := make(map[imap.UID]db.UIDAnchor, len(moves))

	for _, m := range moves {
		result[m.target] = m.source
	}

	return result, nil
}

func (r readOps) findIdentities(ctx context.Context, query string, args ...any) ([]*db.IdentityRecord, error) {
	rows, err := utils.SelectStructs[identityRow](ctx, r.qw, query, args...)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, identityRow.toRecord), nil
}

func (r readOps) GetFlagWriteBacks(ctx context.Context, mailboxID db.MailboxID) ([]*db.FlagWriteBack, error) {
	query := fmt.Sprintf("SELECT w.`id`, w.`message_id`, m.`mailbox_id`, m.`uid`, m.`uid_validity`, w.`add_flags`, w.`remove_flags` "+
		"FROM %v w JOIN %v m ON m.`id` = w.`message_id` "+
		"WHERE m.`mailbox_id` = ? AND m.`uid` IS NOT NULL AND m.`deleted` = 0 ORDER BY w.`id`",
		v1.FlagWriteBacksTableName,
		v0.MessagesTableName,
	)

	rows, err := utils.SelectStructs[writeBackRow](ctx, r.qw, query, mailboxID)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, func(row writeBackRow) *db.FlagWriteBack {
		return &db.FlagWriteBack{
			ID:        row.ID,
			MessageID: db.MessageID(row.MessageID),
			MailboxID: db.MailboxID(row.MailboxID),
			UID:       imap.UID(row.UID),
			Validity:  imap.UIDValidity(row.Validity),
			Add:       splitList(row.Add),
			Remove:    splitList(row.Remove),
		}
	}), nil
}

func (r readOps) GetBlobRef(ctx context.Context, digest store.Digest) (*db.BlobRef, error) {
	query := fmt.Sprintf("SELECT `digest`, `size`, `ref_count` FROM %v WHERE `digest` = ?", v0.BlobsTableName)

	row, err := utils.GetStruct[blobRow](ctx, r.qw, query, digest)
	if err != nil {
		return nil, err
	}

	return row.toRef(), nil
}

func (r readOps) GetUnreferencedBlobs(ctx context.Context) ([]*db.BlobRef, error) {
	query := fmt.Sprintf("SELECT `digest`, `size`, `ref_count` FROM %v WHERE `ref_count` <= 0", v0.BlobsTableName)

	rows, err := utils.SelectStructs[blobRow](ctx, r.qw, query)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, blobRow.toRef), nil
}

func (r readOps) GetBlobDigests(ctx context.Context) ([]store.Digest, error) {
	query := fmt.Sprintf("SELECT `digest` FROM %v", v0.BlobsTableName)

	return utils.MapQueryRows[store.Digest](ctx, r.qw, query)
}

func (r readOps) GetOutboxItem(ctx context.Context, key string) (*db.OutboxItem, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `idempotency_key` = ?", outboxColumns, v0.OutboxTableName)

	row, err := utils.GetStruct[outboxRow](ctx, r.qw, query, key)
	if err != nil {
		return nil, err
	}

	return row.toItem(), nil
}

func (r readOps) GetOutboxItems(ctx context.Context, accountID db.AccountID, states ...db.OutboxState) ([]*db.OutboxItem, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `account_id` = ?", outboxColumns, v0.OutboxTableName)
	args := []any{accountID}

	if len(states) > 0 {
		query += fmt.Sprintf(" AND `state` IN (%v)", utils.GenSQLIn(len(states)))
		args = append(args, utils.MapSliceToAny(states)...)
	}

	rows, err := utils.SelectStructs[outboxRow](ctx, r.qw, query+" ORDER BY `id`", args...)
	if err != nil {
		return nil, err
	}

	return xslices.Map(rows, outboxRow.toItem), nil
}

func (r readOps) GetOutboxHead(ctx context.Context, accountID db.AccountID) (*db.OutboxItem, error) {
	query := fmt.Sprintf("SELECT %v FROM %v WHERE `account_id` = ? AND `state` IN (?, ?) ORDER BY `id` LIMIT 1",
		outboxColumns,
		v0.OutboxTableName,
	)

	row, err := utils.GetStruct[outboxRow](ctx, r.qw, query, accountID, db.OutboxQueued, db.OutboxSending)
	if err != nil {
		return nil, err
	}

	return row.toItem(), nil
}

func (r readOps) GetIndexFeed(ctx context.Context, limit int) ([]db.IndexFeedEntry, error) {
	query := fmt.Sprintf("SELECT `seq`, `message_id`, `op` FROM %v ORDER BY `seq` LIMIT ?", v0.IndexFeedTableName)

	return utils.MapQueryRowsFn(ctx, r.qw, query, func(scanner utils.RowScanner) (db.IndexFeedEntry, error) {
		var entry db.IndexFeedEntry

		err := scanner.Scan(&entry.Seq, &entry.MessageID, &entry.Op)

		return entry, err
	}, limit)
}

func encodePageToken(date int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(date, 10) + ":" + id))
}

func decodePageToken(token string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", errInvalidPageToken, err)
	}

	dateStr, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, "", errInvalidPageToken
	}

	date, err := strconv.ParseInt(dateStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", errInvalidPageToken, err)
	}

	return date, id, nil
}
