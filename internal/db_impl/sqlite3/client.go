package sqlite3

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3/utils"
	mailutils "github.com/NostraDavid/mail/internal/utils"
	"github.com/NostraDavid/mail/observability"
	"github.com/NostraDavid/mail/reporter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const databaseFile = "mail.db"

// Client runs all writes on a single serialized transaction. Reads may proceed between writes.
type Client struct {
	db    *sqlx.DB
	lock  sync.RWMutex
	debug bool
	trace bool
}

func NewClient(dir string, debug, trace bool) (*Client, bool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, err
	}

	path := getDatabasePath(dir)

	exists, err := pathExists(path)
	if err != nil {
		return nil, false, err
	}

	client, err := sqlx.Open("sqlite3", getDatabaseConn(path))
	if err != nil {
		return nil, false, err
	}

	return &Client{db: client, debug: debug, trace: trace}, !exists, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.wrapTx(ctx, func(ctx context.Context, tx *sqlx.Tx, entry *logrus.Entry) error {
		entry.Debugf("Running database migrations")

		var qw utils.QueryWrapper = &utils.TXWrapper{TX: tx}

		if c.debug {
			qw = &utils.DebugQueryWrapper{QW: qw, Entry: entry}
		}

		if err := RunMigrations(ctx, qw); err != nil {
			return fmt.Errorf("%w: %v", db.ErrMigrationFailed, err)
		}

		return nil
	})
}

func (c *Client) Read(ctx context.Context, op func(context.Context, db.ReadOnly) error) error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	rdID := uuid.NewString()

	if c.debug {
		logrus.Debugf("Begin Read %v", rdID)
		defer logrus.Debugf("End Read %v", rdID)
	}

	entry := logrus.WithField("rd", rdID)

	var qw utils.QueryWrapper = &utils.DBWrapper{DB: c.db}

	if c.debug {
		qw = &utils.DebugQueryWrapper{QW: qw, Entry: entry}
	}

	var ops db.ReadOnly = &readOps{qw: qw}

	if c.trace {
		ops = &utils.ReadTracer{RD: ops, Entry: entry}
	}

	return op(ctx, ops)
}

// Write runs op in a transaction. Nothing op writes is visible to readers unless op returns nil and the commit succeeds.
func (c *Client) Write(ctx context.Context, op func(context.Context, db.Transaction) error) error {
	return c.wrapTx(ctx, func(ctx context.Context, tx *sqlx.Tx, entry *logrus.Entry) error {
		var qw utils.QueryWrapper = &utils.TXWrapper{TX: tx}

		if c.debug {
			qw = &utils.DebugQueryWrapper{QW: qw, Entry: entry}
		}

		var transaction db.Transaction = &writeOps{
			readOps: readOps{qw: qw},
			qw:      qw,
		}

		if c.trace {
			transaction = &utils.WriteTracer{TX: transaction, ReadTracer: utils.ReadTracer{RD: transaction, Entry: entry}}
		}

		return op(ctx, transaction)
	})
}

func (c *Client) wrapTx(ctx context.Context, op func(context.Context, *sqlx.Tx, *logrus.Entry) error) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var entry *logrus.Entry

	if c.debug {
		entry = logrus.WithField("tx", uuid.NewString())
	} else {
		entry = logrus.WithField("tx", "tx")
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if c.debug {
		entry.Debugf("Begin Transaction")
	}

	defer func() {
		if v := recover(); v != nil {
			if c.debug {
				entry.Debugf("Panic during Transaction")
			}

			if err := tx.Rollback(); err != nil {
				panic(fmt.Errorf("rolling back while recovering (%v): %w", v, err))
			}

			panic(v)
		}
	}()

	if err := op(ctx, tx, entry); err != nil {
		if c.debug {
			entry.Debugf("Rolling back Transaction")
		}

		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("rolling back transaction: %w", rerr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		observability.Metrics(ctx).CommitFailed()

		if !errors.Is(err, context.Canceled) {
			reporter.MessageWithContext(ctx,
				"Failed to commit database transaction",
				reporter.Context{"error": err, "type": mailutils.ErrCause(err)},
			)
		}

		if c.debug {
			entry.Debugf("Failed to commit Transaction")
		}

		return fmt.Errorf("%v: %w", err, db.ErrTransactionFailed)
	}

	if c.debug {
		entry.Debugf("Transaction Committed")
	}

	return nil
}

func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.db.Close()
}

type Builder struct {
	debug bool
	trace bool
}

type Option interface {
	apply(builder *Builder)
}

type dbDebugOption struct{}

func (dbDebugOption) apply(builder *Builder) {
	builder.debug = true
}

type dbTraceOption struct{}

func (dbTraceOption) apply(builder *Builder) {
	builder.trace = true
}

// Trace enables db interface call tracing. Name of the called functions will be written to trace log.
func Trace() Option {
	return &dbTraceOption{}
}

// Debug enables logging of the SQL queries and their values. Written to debug log.
func Debug() Option {
	return &dbDebugOption{}
}

func NewBuilder(options ...Option) db.ClientInterface {
	builder := &Builder{}

	for _, opt := range options {
		opt.apply(builder)
	}

	return builder
}

func (b Builder) New(dir string) (db.Client, bool, error) {
	return NewClient(dir, b.debug, b.trace)
}

// Delete removes the database together with its write-ahead log.
func (Builder) Delete(dir string) error {
	path := getDatabasePath(dir)

	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove db file %q: %w", p, err)
		}
	}

	return nil
}

func getDatabasePath(dir string) string {
	return filepath.Join(dir, databaseFile)
}

func pathExists(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return true, nil
}

// getDatabaseConn builds the DSN. Writers take the database lock up front so concurrent
// writers wait on the busy timeout instead of failing on lock upgrade.
func getDatabaseConn(path string) string {
	return fmt.Sprintf("%v?_fk=1&_journal=WAL&_busy_timeout=5000&_txlock=immediate", path)
}
