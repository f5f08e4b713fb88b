package db

type ReadOnly interface {
	AccountReadOps
	MailboxReadOps
	MessageReadOps
	BlobReadOps
	OutboxReadOps
	IndexReadOps
}

type Transaction interface {
	ReadOnly
	AccountWriteOps
	MailboxWriteOps
	MessageWriteOps
	BlobWriteOps
	OutboxWriteOps
	IndexWriteOps
}
