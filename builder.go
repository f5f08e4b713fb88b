package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/index"
	"github.com/NostraDavid/mail/internal/account"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/imapcodec"
	"github.com/NostraDavid/mail/internal/indexer"
	"github.com/NostraDavid/mail/internal/smtpcodec"
	"github.com/NostraDavid/mail/limits"
	"github.com/NostraDavid/mail/mime"
	"github.com/NostraDavid/mail/observability/metrics"
	"github.com/NostraDavid/mail/reporter"
	"github.com/NostraDavid/mail/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTombstoneRetention  = 30 * 24 * time.Hour
	DefaultMaintenanceInterval = time.Hour
)

var ErrNoCredentials = errors.New("no credential provider configured")

// Dialer opens the byte stream to a server address. *tls.Dialer is the default.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Resolver looks up the addresses of a host. net.DefaultResolver is the default.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// IMAPConnectFunc opens an authenticated session to the account's mail server.
type IMAPConnectFunc func(ctx context.Context, acc *db.Account, cred credential.Credential) (connector.Connector, error)

// SMTPConnectFunc opens an authenticated session to the account's submission server.
type SMTPConnectFunc func(ctx context.Context, acc *db.Account, cred credential.Credential) (connector.Sender, error)

type engineBuilder struct {
	dir          string
	storeBuilder store.Builder
	passphrase   []byte
	dbBuilder    db.ClientInterface
	dbDebug      bool
	dbTrace      bool
	reporter     reporter.Reporter
	panicHandler async.PanicHandler
	credentials  credential.Provider
	dialer       Dialer
	resolver     Resolver
	startTLS     *tls.Config
	protocolLog  io.Writer
	imapConnect  IMAPConnectFunc
	smtpConnect  SMTPConnectFunc
	parser       mime.Parser
	sink         index.Sink
	runner       account.Config
	retention    time.Duration
	maintenance  time.Duration
	limits       limits.Limits
	registerer   prometheus.Registerer
}

func newBuilder() *engineBuilder {
	return &engineBuilder{
		storeBuilder: &store.BadgerStoreBuilder{},
		reporter:     &reporter.NullReporter{},
		panicHandler: async.LogPanicHandler{},
		dialer:       &tls.Dialer{},
		resolver:     net.DefaultResolver,
		parser:       mime.NewMessageParser(),
		sink:         index.NullSink{},
		retention:    DefaultTombstoneRetention,
		maintenance:  DefaultMaintenanceInterval,
		limits:       limits.DefaultLimits(),
	}
}

func (builder *engineBuilder) build() (*Engine, error) {
	if builder.credentials == nil {
		return nil, ErrNoCredentials
	}

	if builder.dir == "" {
		dir, err := os.MkdirTemp("", "mail-*")
		if err != nil {
			return nil, err
		}

		builder.dir = dir
	}

	if err := os.MkdirAll(builder.dir, 0o700); err != nil {
		return nil, err
	}

	if builder.dbBuilder == nil {
		var opts []sqlite3.Option

		if builder.dbDebug {
			opts = append(opts, sqlite3.Debug())
		}

		if builder.dbTrace {
			opts = append(opts, sqlite3.Trace())
		}

		builder.dbBuilder = sqlite3.NewBuilder(opts...)
	}

	if builder.imapConnect == nil {
		builder.imapConnect = builder.defaultIMAPConnect
	}

	if builder.smtpConnect == nil {
		builder.smtpConnect = builder.defaultSMTPConnect
	}

	client, isNew, err := builder.dbBuilder.New(filepath.Join(builder.dir, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := reporter.NewContextWithReporter(context.Background(), builder.reporter)

	if err := client.Init(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialise database: %w", err), client.Close())
	}

	blobs, err := builder.storeBuilder.New(filepath.Join(builder.dir, "blobs"), builder.passphrase)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open blob store: %w", err), client.Close())
	}

	logrus.WithField("dir", builder.dir).WithField("new", isNew).Info("Opened engine data")

	var m *metrics.Metrics

	if builder.registerer != nil {
		m = metrics.New(builder.registerer)
	}

	st := durable.New(client, blobs)

	runnerCfg := builder.runner
	runnerCfg.Mailbox.Parser = builder.parser
	runnerCfg.PanicHandler = builder.panicHandler
	runnerCfg.Metrics = m

	return &Engine{
		dir:         builder.dir,
		store:       st,
		credentials: builder.credentials,
		imapConnect: builder.imapConnect,
		smtpConnect: builder.smtpConnect,
		indexer:     indexer.New(st, builder.sink, indexer.Config{Parser: builder.parser, Metrics: m}),
		runnerCfg:   runnerCfg,
		retention:   builder.retention,
		maintenance: builder.maintenance,
		limits:      builder.limits,
		metrics:     m,
		reporter:    builder.reporter,
		accounts:    make(map[db.AccountID]*accountHandle),
	}, nil
}

func (builder *engineBuilder) defaultIMAPConnect(ctx context.Context, acc *db.Account, cred credential.Credential) (connector.Connector, error) {
	return imapcodec.NewConnectFunc(imapcodec.Config{
		Host:     acc.IMAPHost,
		Port:     acc.IMAPPort,
		Policy:   acc.Policy,
		Resolver: builder.resolver,
		Dialer:   builder.dialer,
		Debug:    builder.protocolLog,
	})(ctx, cred)
}

func (builder *engineBuilder) defaultSMTPConnect(ctx context.Context, acc *db.Account, cred credential.Credential) (connector.Sender, error) {
	return smtpcodec.NewConnectFunc(smtpcodec.Config{
		Host:     acc.SMTPHost,
		Port:     acc.SMTPPort,
		Policy:   acc.Policy,
		Resolver: builder.resolver,
		Dialer:   builder.dialer,
		StartTLS: builder.startTLS,
		Debug:    builder.protocolLog,
	})(ctx, cred)
}
