package v0

const VersionTableName = "mail_version"

const AccountsTableName = "accounts"

const MailboxesTableName = "mailboxes"

const CursorsTableName = "cursors"

const BlobsTableName = "blobs"

const MessagesTableName = "messages"
const MessagesFieldID = "id"
const MessagesFieldMailboxID = "mailbox_id"
const MessagesFieldUID = "uid"
const MessagesFieldUIDValidity = "uid_validity"
const MessagesFieldDeleted = "deleted"
const MessagesFieldBlobDigest = "blob_digest"

const MessageFlagsTableName = "message_flags"
const MessageFlagsFieldMessageID = "message_id"
const MessageFlagsFieldValue = "value"

const IndexFeedTableName = "index_feed"

const OutboxTableName = "outbox"
