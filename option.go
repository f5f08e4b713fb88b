package mail

import (
	"crypto/tls"
	"io"
	"time"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/index"
	"github.com/NostraDavid/mail/limits"
	"github.com/NostraDavid/mail/mime"
	"github.com/NostraDavid/mail/reporter"
	"github.com/NostraDavid/mail/store"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Option represents a type that can be used to configure the engine.
type Option interface {
	config(*engineBuilder)
}

type optionFunc func(*engineBuilder)

func (fn optionFunc) config(builder *engineBuilder) {
	fn(builder)
}

// WithDataDir sets the directory holding the database and the blob store.
func WithDataDir(dir string) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.dir = dir
	})
}

// WithStoreBuilder replaces the blob store backend (badger by default).
func WithStoreBuilder(storeBuilder store.Builder) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.storeBuilder = storeBuilder
	})
}

// WithBlobPassphrase encrypts blobs at rest with a key derived from the passphrase.
func WithBlobPassphrase(passphrase []byte) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.passphrase = passphrase
	})
}

// WithDatabase replaces the database backend (sqlite by default).
func WithDatabase(client db.ClientInterface) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.dbBuilder = client
	})
}

// WithDatabaseDebug logs every SQL query at debug level. Trace also logs every database call.
func WithDatabaseDebug(trace bool) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.dbDebug = true
		builder.dbTrace = trace
	})
}

func WithReporter(r reporter.Reporter) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.reporter = r
	})
}

func WithPanicHandler(handler async.PanicHandler) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.panicHandler = handler
	})
}

func WithCredentials(provider credential.Provider) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.credentials = provider
	})
}

// WithDialer sets the dialer opening server streams. The default dials implicit TLS.
func WithDialer(dialer Dialer) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.dialer = dialer
	})
}

func WithResolver(resolver Resolver) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.resolver = resolver
	})
}

// WithStartTLS makes submission connections upgrade a plain stream before authenticating.
func WithStartTLS(cfg *tls.Config) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.startTLS = cfg
	})
}

// WithProtocolLog writes the raw protocol exchange of every connection to w.
func WithProtocolLog(w io.Writer) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.protocolLog = w
	})
}

// WithConnectors replaces how sessions are opened. Either function may be nil to keep the default.
func WithConnectors(imapConnect IMAPConnectFunc, smtpConnect SMTPConnectFunc) Option {
	return optionFunc(func(builder *engineBuilder) {
		if imapConnect != nil {
			builder.imapConnect = imapConnect
		}

		if smtpConnect != nil {
			builder.smtpConnect = smtpConnect
		}
	})
}

func WithParser(parser mime.Parser) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.parser = parser
	})
}

func WithIndexSink(sink index.Sink) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.sink = sink
	})
}

// WithPollInterval sets the pause between passes on servers which cannot push changes.
func WithPollInterval(interval time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Mailbox.PollInterval = interval
	})
}

// WithPushWindow sets how long pushed changes are trusted before a mailbox gets a full flag reconciliation.
func WithPushWindow(window time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Mailbox.PushWindow = window
	})
}

// WithIdleTimeout bounds a single wait for pushed changes.
func WithIdleTimeout(timeout time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Mailbox.IdleTimeout = timeout
	})
}

func WithBatchSize(size int) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Mailbox.BatchSize = size
	})
}

func WithDiscoveryInterval(interval time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.DiscoveryInterval = interval
	})
}

// WithTombstoneRetention sets how long expunged messages are kept for move detection.
func WithTombstoneRetention(retention time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.retention = retention
	})
}

func WithMaintenanceInterval(interval time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.maintenance = interval
	})
}

// WithOutboxRetries sets how often and how patiently transient send failures are retried.
func WithOutboxRetries(maxAttempts int, base, ceiling time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Outbox.MaxAttempts = maxAttempts
		builder.runner.Outbox.BackoffBase = base
		builder.runner.Outbox.BackoffCeiling = ceiling
	})
}

// WithSentRetention sets how long sent items stay in the outbox.
func WithSentRetention(retention time.Duration) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Outbox.SentRetention = retention
	})
}

func WithSendRate(limit rate.Limit, burst int) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Outbox.SendRate = limit
		builder.runner.Outbox.SendBurst = burst
	})
}

// WithRetryAmbiguous resends after a failure that left delivery uncertain.
// Only use it with servers known to drop resubmissions of an envelope ID they already accepted.
func WithRetryAmbiguous() Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.runner.Outbox.RetryAmbiguous = true
	})
}

func WithLimits(l limits.Limits) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.limits = l
	})
}

// WithMetrics registers the engine's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return optionFunc(func(builder *engineBuilder) {
		builder.registerer = reg
	})
}
