package v0

import (
	"context"
	"fmt"

	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
	"github.com/bradenaw/juniper/sets"
	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
)

type Migration struct{}

func (m Migration) Run(ctx context.Context, tx utils.QueryWrapper) error {
	// Order matters: triggers reference tables created before them.
	tables := []Table{
		&AccountsTable{},
		&MailboxesTable{},
		&CursorsTable{},
		&BlobsTable{},
		&IndexFeedTable{},
		&MessagesTable{},
		&MessageFlagsTable{},
		&OutboxTable{},
		&VersionTable{},
	}

	tablesNames := xslices.Map(tables, func(t Table) string {
		return t.Name()
	})

	query := fmt.Sprintf("SELECT `name` FROM sqlite_master WHERE `type` = 'table' AND `name` NOT LIKE 'sqlite_%%' AND `name` IN (%v)",
		utils.GenSQLIn(len(tables)))

	sqlTables, err := utils.MapQueryRows[string](ctx, tx, query, utils.MapSliceToAny(tablesNames)...)
	if err != nil {
		return err
	}

	tablesSet := make(sets.Map[string], len(sqlTables))

	for _, name := range sqlTables {
		tablesSet.Add(name)
	}

	for _, table := range tables {
		if !tablesSet.Contains(table.Name()) {
			logrus.Debugf("Table '%v' does not exist, creating", table.Name())

			if err := table.Create(ctx, tx); err != nil {
				return fmt.Errorf("failed to create table %v: %w", table.Name(), err)
			}
		}
	}

	return nil
}
