package db

import "context"

type AccountReadOps interface {
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	GetAccountByAddress(ctx context.Context, address string) (*Account, error)

	GetAccounts(ctx context.Context) ([]*Account, error)
}

type AccountWriteOps interface {
	CreateAccount(ctx context.Context, account *Account) (AccountID, error)

	// DeleteAccount removes the account with its mailboxes, messages and outbox items.
	DeleteAccount(ctx context.Context, id AccountID) error
}
