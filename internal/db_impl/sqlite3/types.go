package sqlite3

import (
	"database/sql"
	"strings"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/store"
)

const accountColumns = "`id`, `address`, `imap_host`, `imap_port`, `smtp_host`, `smtp_port`, `credential_ref`, " +
	"`dns_timeout_ms`, `connect_timeout_ms`, `first_byte_timeout_ms`, `idle_read_timeout_ms`, `max_connections`, " +
	"`backoff_base_ms`, `backoff_ceiling_ms`, `max_auth_failures`, `created_at`"

type accountRow struct {
	ID                 int64  `db:"id"`
	Address            string `db:"address"`
	IMAPHost           string `db:"imap_host"`
	IMAPPort           int    `db:"imap_port"`
	SMTPHost           string `db:"smtp_host"`
	SMTPPort           int    `db:"smtp_port"`
	CredentialRef      string `db:"credential_ref"`
	DNSTimeoutMS       int64  `db:"dns_timeout_ms"`
	ConnectTimeoutMS   int64  `db:"connect_timeout_ms"`
	FirstByteTimeoutMS int64  `db:"first_byte_timeout_ms"`
	IdleReadTimeoutMS  int64  `db:"idle_read_timeout_ms"`
	MaxConnections     int    `db:"max_connections"`
	BackoffBaseMS      int64  `db:"backoff_base_ms"`
	BackoffCeilingMS   int64  `db:"backoff_ceiling_ms"`
	MaxAuthFailures    int    `db:"max_auth_failures"`
	CreatedAt          int64  `db:"created_at"`
}

func (r accountRow) toAccount() *db.Account {
	return &db.Account{
		ID:            db.AccountID(r.ID),
		Address:       r.Address,
		IMAPHost:      r.IMAPHost,
		IMAPPort:      r.IMAPPort,
		SMTPHost:      r.SMTPHost,
		SMTPPort:      r.SMTPPort,
		CredentialRef: r.CredentialRef,
		Policy: db.ConnectionPolicy{
			DNSTimeout:       msToDuration(r.DNSTimeoutMS),
			ConnectTimeout:   msToDuration(r.ConnectTimeoutMS),
			FirstByteTimeout: msToDuration(r.FirstByteTimeoutMS),
			IdleReadTimeout:  msToDuration(r.IdleReadTimeoutMS),
			MaxConnections:   r.MaxConnections,
			BackoffBase:      msToDuration(r.BackoffBaseMS),
			BackoffCeiling:   msToDuration(r.BackoffCeilingMS),
			MaxAuthFailures:  r.MaxAuthFailures,
		},
		CreatedAt: time.Unix(r.CreatedAt, 0),
	}
}

const mailboxColumns = "`id`, `account_id`, `name`, `delimiter`, `role`, `sync_state`"

type mailboxRow struct {
	ID        int64  `db:"id"`
	AccountID int64  `db:"account_id"`
	Name      string `db:"name"`
	Delimiter string `db:"delimiter"`
	Role      string `db:"role"`
	SyncState string `db:"sync_state"`
}

func (r mailboxRow) toMailbox() *db.Mailbox {
	return &db.Mailbox{
		ID:        db.MailboxID(r.ID),
		AccountID: db.AccountID(r.AccountID),
		Name:      r.Name,
		Delimiter: r.Delimiter,
		Role:      imap.Role(r.Role),
		SyncState: r.SyncState,
	}
}

const messageColumns = "m.`id`, m.`mailbox_id`, m.`uid`, m.`uid_validity`, m.`identity_key`, m.`header_message_id`, " +
	"m.`subject`, m.`from_addr`, m.`to_addrs`, m.`date`, m.`size`, m.`blob_digest`, m.`deleted`, m.`updated_at`, " +
	"(SELECT group_concat(f.`value`, char(10)) FROM `message_flags` f WHERE f.`message_id` = m.`id`) AS `flags`"

type messageRow struct {
	ID              string         `db:"id"`
	MailboxID       int64          `db:"mailbox_id"`
	UID             sql.NullInt64  `db:"uid"`
	Validity        sql.NullInt64  `db:"uid_validity"`
	IdentityKey     string         `db:"identity_key"`
	HeaderMessageID string         `db:"header_message_id"`
	Subject         string         `db:"subject"`
	From            string         `db:"from_addr"`
	To              string         `db:"to_addrs"`
	Date            int64          `db:"date"`
	Size            int64          `db:"size"`
	Blob            string         `db:"blob_digest"`
	Deleted         bool           `db:"deleted"`
	UpdatedAt       int64          `db:"updated_at"`
	Flags           sql.NullString `db:"flags"`
}

func (r messageRow) toMessage() *db.Message {
	return &db.Message{
		ID:              db.MessageID(r.ID),
		MailboxID:       db.MailboxID(r.MailboxID),
		UID:             imap.UID(r.UID.Int64),
		Validity:        imap.UIDValidity(r.Validity.Int64),
		IdentityKey:     r.IdentityKey,
		HeaderMessageID: r.HeaderMessageID,
		Subject:         r.Subject,
		From:            r.From,
		To:              splitList(r.To),
		Date:            time.Unix(r.Date, 0).UTC(),
		Size:            r.Size,
		Blob:            store.Digest(r.Blob),
		Flags:           imap.NewFlagSet(splitList(r.Flags.String)...),
		Deleted:         r.Deleted,
		UpdatedAt:       time.Unix(r.UpdatedAt, 0),
	}
}

const identityColumns = "`id`, `mailbox_id`, `uid`, `uid_validity`, `identity_key`, `header_message_id`, `heuristic_key`, " +
	"`from_addr`, `subject`, `date`, `deleted`, `anchor_mailbox_id`, `anchor_uid_validity`, `anchor_uid`"

type identityRow struct {
	ID              string        `db:"id"`
	MailboxID       int64         `db:"mailbox_id"`
	UID             sql.NullInt64 `db:"uid"`
	Validity        sql.NullInt64 `db:"uid_validity"`
	IdentityKey     string        `db:"identity_key"`
	HeaderMessageID string        `db:"header_message_id"`
	HeuristicKey    string        `db:"heuristic_key"`
	From            string        `db:"from_addr"`
	Subject         string        `db:"subject"`
	Date            int64         `db:"date"`
	Deleted         bool          `db:"deleted"`
	AnchorMailboxID sql.NullInt64 `db:"anchor_mailbox_id"`
	AnchorValidity  sql.NullInt64 `db:"anchor_uid_validity"`
	AnchorUID       sql.NullInt64 `db:"anchor_uid"`
}

func (r identityRow) toRecord() *db.IdentityRecord {
	return &db.IdentityRecord{
		ID:              db.MessageID(r.ID),
		MailboxID:       db.MailboxID(r.MailboxID),
		UID:             imap.UID(r.UID.Int64),
		Validity:        imap.UIDValidity(r.Validity.Int64),
		IdentityKey:     r.IdentityKey,
		HeaderMessageID: r.HeaderMessageID,
		HeuristicKey:    r.HeuristicKey,
		From:            r.From,
		Subject:         r.Subject,
		Date:            time.Unix(r.Date, 0).UTC(),
		Deleted:         r.Deleted,
		Anchor: db.UIDAnchor{
			MailboxID: db.MailboxID(r.AnchorMailboxID.Int64),
			Validity:  imap.UIDValidity(r.AnchorValidity.Int64),
			UID:       imap.UID(r.AnchorUID.Int64),
		},
	}
}

const outboxColumns = "`id`, `account_id`, `idempotency_key`, `mail_from`, `rcpt_to`, `blob_digest`, `state`, `attempts`, " +
	"`last_error`, `next_attempt_at`, `needs_confirmation`, `created_at`, `updated_at`"

type outboxRow struct {
	ID                int64  `db:"id"`
	AccountID         int64  `db:"account_id"`
	IdempotencyKey    string `db:"idempotency_key"`
	From              string `db:"mail_from"`
	To                string `db:"rcpt_to"`
	Blob              string `db:"blob_digest"`
	State             string `db:"state"`
	Attempts          int    `db:"attempts"`
	LastError         string `db:"last_error"`
	NextAttemptAt     int64  `db:"next_attempt_at"`
	NeedsConfirmation bool   `db:"needs_confirmation"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r outboxRow) toItem() *db.OutboxItem {
	return &db.OutboxItem{
		ID:                r.ID,
		AccountID:         db.AccountID(r.AccountID),
		IdempotencyKey:    r.IdempotencyKey,
		From:              r.From,
		To:                splitList(r.To),
		Blob:              store.Digest(r.Blob),
		State:             db.OutboxState(r.State),
		Attempts:          r.Attempts,
		LastError:         r.LastError,
		NextAttemptAt:     time.UnixMilli(r.NextAttemptAt),
		NeedsConfirmation: r.NeedsConfirmation,
		CreatedAt:         time.UnixMilli(r.CreatedAt),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt),
	}
}

type attachmentRow struct {
	Index       int            `db:"part_index"`
	Filename    string         `db:"filename"`
	ContentType string         `db:"content_type"`
	ContentID   string         `db:"content_id"`
	Inline      bool           `db:"inline"`
	Size        int64          `db:"size"`
	Blob        sql.NullString `db:"blob_digest"`
}

type blobRow struct {
	Digest   string `db:"digest"`
	Size     int64  `db:"size"`
	RefCount int    `db:"ref_count"`
}

func (r blobRow) toRef() *db.BlobRef {
	return &db.BlobRef{Digest: store.Digest(r.Digest), Size: r.Size, RefCount: r.RefCount}
}

type writeBackRow struct {
	ID        int64  `db:"id"`
	MessageID string `db:"message_id"`
	MailboxID int64  `db:"mailbox_id"`
	UID       int64  `db:"uid"`
	Validity  int64  `db:"uid_validity"`
	Add       string `db:"add_flags"`
	Remove    string `db:"remove_flags"`
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func joinList(v []string) string {
	return strings.Join(v, "\n")
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}

	return strings.Split(v, "\n")
}

func nullUID(uid imap.UID) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(uid), Valid: uid != 0}
}

func nullValidity(v imap.UIDValidity) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullDigest(d store.Digest) sql.NullString {
	return sql.NullString{String: string(d), Valid: d != ""}
}
