package db

import "errors"

var (
	ErrNotFound          = errors.New("value not found")
	ErrTransactionFailed = errors.New("transaction failed")
	ErrMigrationFailed   = errors.New("migration failed")
	ErrDuplicate         = errors.New("value already exists")
)

func IsErrNotFound(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrNotFound)
}
