package utils

import (
	"context"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/store"
	"github.com/sirupsen/logrus"
)

// ReadTracer prints all method names to a trace log.
type ReadTracer struct {
	RD    db.ReadOnly
	Entry *logrus.Entry
}

func (r ReadTracer) GetAccount(ctx context.Context, id db.AccountID) (*db.Account, error) {
	r.Entry.Tracef("GetAccount")

	return r.RD.GetAccount(ctx, id)
}

func (r ReadTracer) GetAccountByAddress(ctx context.Context, address string) (*db.Account, error) {
	r.Entry.Tracef("GetAccountByAddress")

	return r.RD.GetAccountByAddress(ctx, address)
}

func (r ReadTracer) GetAccounts(ctx context.Context) ([]*db.Account, error) {
	r.Entry.Tracef("GetAccounts")

	return r.RD.GetAccounts(ctx)
}

func (r ReadTracer) GetMailbox(ctx context.Context, id db.MailboxID) (*db.Mailbox, error) {
	r.Entry.Tracef("GetMailbox")

	return r.RD.GetMailbox(ctx, id)
}

func (r ReadTracer) GetMailboxByName(ctx context.Context, accountID db.AccountID, name string) (*db.Mailbox, error) {
	r.Entry.Tracef("GetMailboxByName")

	return r.RD.GetMailboxByName(ctx, accountID, name)
}

func (r ReadTracer) GetMailboxes(ctx context.Context, accountID db.AccountID) ([]*db.Mailbox, error) {
	r.Entry.Tracef("GetMailboxes")

	return r.RD.GetMailboxes(ctx, accountID)
}

func (r ReadTracer) GetCursor(ctx context.Context, id db.MailboxID) (db.Cursor, error) {
	r.Entry.Tracef("GetCursor")

	return r.RD.GetCursor(ctx, id)
}

func (r ReadTracer) GetMessage(ctx context.Context, id db.MessageID) (*db.Message, error) {
	r.Entry.Tracef("GetMessage")

	return r.RD.GetMessage(ctx, id)
}

func (r ReadTracer) GetMessageAttachments(ctx context.Context, id db.MessageID) ([]db.Attachment, error) {
	r.Entry.Tracef("GetMessageAttachments")

	return r.RD.GetMessageAttachments(ctx, id)
}

func (r ReadTracer) ListMessages(ctx context.Context, mailboxID db.MailboxID, filter db.ListFilter) (db.MessagePage, error) {
	r.Entry.Tracef("ListMessages")

	return r.RD.ListMessages(ctx, mailboxID, filter)
}

func (r ReadTracer) GetMailboxUIDs(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity) (map[imap.UID]db.MessageID, error) {
	r.Entry.Tracef("GetMailboxUIDs")

	return r.RD.GetMailboxUIDs(ctx, mailboxID, validity)
}

func (r ReadTracer) GetMailboxFlags(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity) (map[imap.UID]imap.FlagSet, error) {
	r.Entry.Tracef("GetMailboxFlags")

	return r.RD.GetMailboxFlags(ctx, mailboxID, validity)
}

func (r ReadTracer) GetMessageCount(ctx context.Context, mailboxID db.MailboxID) (int, error) {
	r.Entry.Tracef("GetMessageCount")

	return r.RD.GetMessageCount(ctx, mailboxID)
}

func (r ReadTracer) FindMessageByUID(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, uid imap.UID) (db.MessageID, error) {
	r.Entry.Tracef("FindMessageByUID")

	return r.RD.FindMessageByUID(ctx, mailboxID, validity, uid)
}

func (r ReadTracer) FindByIdentityKey(ctx context.Context, accountID db.AccountID, key string) ([]*db.IdentityRecord, error) {
	r.Entry.Tracef("FindByIdentityKey")

	return r.RD.FindByIdentityKey(ctx, accountID, key)
}

func (r ReadTracer) FindByHeaderMessageID(ctx context.Context, accountID db.AccountID, headerID string) ([]*db.IdentityRecord, error) {
	r.Entry.Tracef("FindByHeaderMessageID")

	return r.RD.FindByHeaderMessageID(ctx, accountID, headerID)
}

func (r ReadTracer) FindByAnchor(ctx context.Context, anchor db.UIDAnchor) ([]*db.IdentityRecord, error) {
	r.Entry.Tracef("FindByAnchor")

	return r.RD.FindByAnchor(ctx, anchor)
}

func (r ReadTracer) GetMoveOrigins(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity) (map[imap.UID]db.UIDAnchor, error) {
	r.Entry.Tracef("GetMoveOrigins")

	return r.RD.GetMoveOrigins(ctx, mailboxID, validity)
}

func (r ReadTracer) GetFlagWriteBacks(ctx context.Context, mailboxID db.MailboxID) ([]*db.FlagWriteBack, error) {
	r.Entry.Tracef("GetFlagWriteBacks")

	return r.RD.GetFlagWriteBacks(ctx, mailboxID)
}

func (r ReadTracer) GetBlobRef(ctx context.Context, digest store.Digest) (*db.BlobRef, error) {
	r.Entry.Tracef("GetBlobRef")

	return r.RD.GetBlobRef(ctx, digest)
}

func (r ReadTracer) GetUnreferencedBlobs(ctx context.Context) ([]*db.BlobRef, error) {
	r.Entry.Tracef("GetUnreferencedBlobs")

	return r.RD.GetUnreferencedBlobs(ctx)
}

func (r ReadTracer) GetBlobDigests(ctx context.Context) ([]store.Digest, error) {
	r.Entry.Tracef("GetBlobDigests")

	return r.RD.GetBlobDigests(ctx)
}

func (r ReadTracer) GetOutboxItem(ctx context.Context, key string) (*db.OutboxItem, error) {
	r.Entry.Tracef("GetOutboxItem")

	return r.RD.GetOutboxItem(ctx, key)
}

func (r ReadTracer) GetOutboxItems(ctx context.Context, accountID db.AccountID, states ...db.OutboxState) ([]*db.OutboxItem, error) {
	r.Entry.Tracef("GetOutboxItems")

	return r.RD.GetOutboxItems(ctx, accountID, states...)
}

func (r ReadTracer) GetOutboxHead(ctx context.Context, accountID db.AccountID) (*db.OutboxItem, error) {
	r.Entry.Tracef("GetOutboxHead")

	return r.RD.GetOutboxHead(ctx, accountID)
}

func (r ReadTracer) GetIndexFeed(ctx context.Context, limit int) ([]db.IndexFeedEntry, error) {
	r.Entry.Tracef("GetIndexFeed")

	return r.RD.GetIndexFeed(ctx, limit)
}

// WriteTracer prints all method names to a trace log.
type WriteTracer struct {
	ReadTracer
	TX db.Transaction
}

func (r WriteTracer) CreateAccount(ctx context.Context, account *db.Account) (db.AccountID, error) {
	r.Entry.Tracef("CreateAccount")

	return r.TX.CreateAccount(ctx, account)
}

func (r WriteTracer) DeleteAccount(ctx context.Context, id db.AccountID) error {
	r.Entry.Tracef("DeleteAccount")

	return r.TX.DeleteAccount(ctx, id)
}

func (r WriteTracer) CreateMailbox(ctx context.Context, accountID db.AccountID, name, delimiter string, role imap.Role) (*db.Mailbox, error) {
	r.Entry.Tracef("CreateMailbox")

	return r.TX.CreateMailbox(ctx, accountID, name, delimiter, role)
}

func (r WriteTracer) UpdateMailboxRole(ctx context.Context, id db.MailboxID, delimiter string, role imap.Role) error {
	r.Entry.Tracef("UpdateMailboxRole")

	return r.TX.UpdateMailboxRole(ctx, id, delimiter, role)
}

func (r WriteTracer) DeleteMailbox(ctx context.Context, id db.MailboxID) error {
	r.Entry.Tracef("DeleteMailbox")

	return r.TX.DeleteMailbox(ctx, id)
}

func (r WriteTracer) SetMailboxSyncState(ctx context.Context, id db.MailboxID, state string) error {
	r.Entry.Tracef("SetMailboxSyncState")

	return r.TX.SetMailboxSyncState(ctx, id, state)
}

func (r WriteTracer) SetCursor(ctx context.Context, id db.MailboxID, cursor db.Cursor) error {
	r.Entry.Tracef("SetCursor")

	return r.TX.SetCursor(ctx, id, cursor)
}

func (r WriteTracer) ResetMailboxEpoch(ctx context.Context, id db.MailboxID) error {
	r.Entry.Tracef("ResetMailboxEpoch")

	return r.TX.ResetMailboxEpoch(ctx, id)
}

func (r WriteTracer) UpsertMessages(ctx context.Context, reqs ...*db.MessageUpsert) error {
	r.Entry.Tracef("UpsertMessages")

	return r.TX.UpsertMessages(ctx, reqs...)
}

func (r WriteTracer) ApplyFlagChanges(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, changes ...db.FlagChange) error {
	r.Entry.Tracef("ApplyFlagChanges")

	return r.TX.ApplyFlagChanges(ctx, mailboxID, validity, changes...)
}

func (r WriteTracer) ApplyExpunges(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, uids ...imap.UID) error {
	r.Entry.Tracef("ApplyExpunges")

	return r.TX.ApplyExpunges(ctx, mailboxID, validity, uids...)
}

func (r WriteTracer) TombstoneUnmapped(ctx context.Context, mailboxID db.MailboxID) (int, error) {
	r.Entry.Tracef("TombstoneUnmapped")

	return r.TX.TombstoneUnmapped(ctx, mailboxID)
}

func (r WriteTracer) PruneTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	r.Entry.Tracef("PruneTombstones")

	return r.TX.PruneTombstones(ctx, olderThan)
}

func (r WriteTracer) RecordMove(ctx context.Context, target, source db.UIDAnchor) error {
	r.Entry.Tracef("RecordMove")

	return r.TX.RecordMove(ctx, target, source)
}

func (r WriteTracer) DeleteMoves(ctx context.Context, mailboxID db.MailboxID, validity imap.UIDValidity, uids ...imap.UID) error {
	r.Entry.Tracef("DeleteMoves")

	return r.TX.DeleteMoves(ctx, mailboxID, validity, uids...)
}

func (r WriteTracer) SetMessageFlags(ctx context.Context, id db.MessageID, add, remove []string) error {
	r.Entry.Tracef("SetMessageFlags")

	return r.TX.SetMessageFlags(ctx, id, add, remove)
}

func (r WriteTracer) DeleteFlagWriteBack(ctx context.Context, id int64) error {
	r.Entry.Tracef("DeleteFlagWriteBack")

	return r.TX.DeleteFlagWriteBack(ctx, id)
}

func (r WriteTracer) PutBlobRef(ctx context.Context, digest store.Digest, size int64) error {
	r.Entry.Tracef("PutBlobRef")

	return r.TX.PutBlobRef(ctx, digest, size)
}

func (r WriteTracer) DeleteBlobRefs(ctx context.Context, digests ...store.Digest) error {
	r.Entry.Tracef("DeleteBlobRefs")

	return r.TX.DeleteBlobRefs(ctx, digests...)
}

func (r WriteTracer) EnqueueOutbox(ctx context.Context, item *db.OutboxItem) (*db.OutboxItem, bool, error) {
	r.Entry.Tracef("EnqueueOutbox")

	return r.TX.EnqueueOutbox(ctx, item)
}

func (r WriteTracer) UpdateOutboxItem(ctx context.Context, item *db.OutboxItem) error {
	r.Entry.Tracef("UpdateOutboxItem")

	return r.TX.UpdateOutboxItem(ctx, item)
}

func (r WriteTracer) FailInterruptedOutboxItems(ctx context.Context, accountID db.AccountID) (int, error) {
	r.Entry.Tracef("FailInterruptedOutboxItems")

	return r.TX.FailInterruptedOutboxItems(ctx, accountID)
}

func (r WriteTracer) PruneSentOutboxItems(ctx context.Context, accountID db.AccountID, olderThan time.Time) (int, error) {
	r.Entry.Tracef("PruneSentOutboxItems")

	return r.TX.PruneSentOutboxItems(ctx, accountID, olderThan)
}

func (r WriteTracer) DeleteIndexFeed(ctx context.Context, upTo int64) error {
	r.Entry.Tracef("DeleteIndexFeed")

	return r.TX.DeleteIndexFeed(ctx, upTo)
}
