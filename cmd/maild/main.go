// Command maild runs the mail sync engine as a daemon for the accounts in its config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/NostraDavid/mail"
	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/logging"
	"github.com/NostraDavid/mail/reporter"
	"github.com/NostraDavid/mail/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("maild stopped")
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.Log.Level, logging.Format(cfg.Log.Format), logOutput(cfg.Log)); err != nil {
		return err
	}

	ring, err := credential.OpenKeyring(cfg.Keyring.Service, keyringDir(cfg), func(string) (string, error) {
		if cfg.Keyring.Password == "" {
			return "", errors.New("keyring.password is required for the file keyring")
		}

		return cfg.Keyring.Password, nil
	})
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := mail.New(
		mail.WithDataDir(cfg.DataDir),
		mail.WithCredentials(credential.NewKeyringProvider(ring, nil)),
		mail.WithMetrics(registry),
		mail.WithPanicHandler(async.LogPanicHandler{}),
		mail.WithReporter(reporter.LogReporter{}),
		mail.WithPollInterval(cfg.Sync.PollInterval),
		mail.WithPushWindow(cfg.Sync.PushWindow),
		mail.WithBatchSize(cfg.Sync.BatchSize),
		mail.WithDiscoveryInterval(cfg.Sync.DiscoveryInterval),
		mail.WithOutboxRetries(cfg.Outbox.MaxAttempts, cfg.Outbox.BackoffBase, cfg.Outbox.BackoffCeiling),
		mail.WithSendRate(rate.Limit(cfg.Outbox.SendRate), cfg.Outbox.SendBurst),
		mail.WithSentRetention(cfg.Outbox.SentRetention),
		mail.WithTombstoneRetention(cfg.Maintenance.TombstoneRetention),
		mail.WithMaintenanceInterval(cfg.Maintenance.Interval),
		mail.WithStoreBuilder(blobStoreBuilder(cfg.Storage)),
		mail.WithBlobPassphrase([]byte(cfg.Storage.Passphrase)),
	)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := engine.Close(ctx); err != nil {
			logrus.WithError(err).Error("Failed to close engine")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := addAccounts(ctx, engine, cfg.Accounts); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	eventCh := engine.AddWatcher()

	group.Go(func() error {
		logEvents(ctx, eventCh)
		return nil
	})

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newDebugMux(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}

		group.Go(func() error {
			logrus.WithField("addr", cfg.MetricsAddr).Info("Serving metrics")

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		group.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		})
	}

	logrus.WithField("dir", engine.GetDataPath()).Info("maild is running")

	return group.Wait()
}

// addAccounts adds the configured accounts which are not stored yet.
func addAccounts(ctx context.Context, engine *mail.Engine, accounts []AccountConfig) error {
	stored, err := engine.Accounts(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(stored))

	for _, acc := range stored {
		known[acc.Address] = struct{}{}
	}

	for _, acc := range accounts {
		if _, ok := known[acc.Address]; ok {
			continue
		}

		id, err := engine.AddAccount(ctx, db.Account{
			Address:       acc.Address,
			IMAPHost:      acc.IMAPHost,
			IMAPPort:      acc.IMAPPort,
			SMTPHost:      acc.SMTPHost,
			SMTPPort:      acc.SMTPPort,
			CredentialRef: acc.CredentialRef,
		})
		if err != nil {
			return fmt.Errorf("failed to add account %v: %w", acc.Address, err)
		}

		logrus.WithField("account", id).WithField("address", acc.Address).Info("Added account")
	}

	return nil
}

// logEvents logs engine events until the engine closes the channel.
func logEvents(ctx context.Context, eventCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}

			entry := logrus.WithField("event", fmt.Sprintf("%T", event))

			switch event := event.(type) {
			case events.AccountFatal:
				entry.WithError(event.Err).WithField("account", event.AccountID).Error("Account stopped, user action required")

			case events.OutboxItemFailed:
				entry.WithField("key", event.IdempotencyKey).WithField("confirm", event.NeedsConfirmation).Warn(event.Err)

			case events.SyncFailed:
				entry.WithError(event.Err).WithField("mailbox", event.MailboxID).Debug("Sync failed")

			default:
				entry.Debugf("%+v", event)
			}
		}
	}
}

func newDebugMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

func logOutput(cfg LogConfig) io.Writer {
	if cfg.File == "" {
		return nil
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

func keyringDir(cfg *Config) string {
	if cfg.Keyring.Dir != "" {
		return cfg.Keyring.Dir
	}

	return filepath.Join(cfg.DataDir, "keyring")
}

func blobStoreBuilder(cfg StorageConfig) store.Builder {
	if cfg.Backend != "disk" {
		return &store.BadgerStoreBuilder{}
	}

	opts := []store.Option{store.WithSemaphore(async.NewSemaphore(4*runtime.NumCPU(), async.LogPanicHandler{}))}

	if cfg.Compress {
		opts = append(opts, store.WithCompressor(store.ZLibCompressor{Level: cfg.CompressionLevel}))
	}

	return &store.OnDiskStoreBuilder{Options: opts}
}
