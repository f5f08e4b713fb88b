package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NostraDavid/mail/store"
	"github.com/stretchr/testify/require"
)

const testConfig = `
data_dir: /var/lib/maild
log:
  level: debug
sync:
  poll_interval: 2m
accounts:
  - address: user@example.com
    imap_host: imap.example.com
    smtp_host: smtp.example.com
`

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	cfg, err := loadConfig([]string{"--config", path})
	require.NoError(t, err)

	require.Equal(t, "/var/lib/maild", cfg.DataDir)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 2*time.Minute, cfg.Sync.PollInterval)
	require.Equal(t, 30*time.Minute, cfg.Sync.PushWindow)
	require.Equal(t, 200, cfg.Sync.BatchSize)
	require.Equal(t, "badger", cfg.Storage.Backend)
	require.Equal(t, 7*24*time.Hour, cfg.Outbox.SentRetention)

	require.Len(t, cfg.Accounts, 1)
	require.Equal(t, AccountConfig{
		Address:       "user@example.com",
		IMAPHost:      "imap.example.com",
		IMAPPort:      993,
		SMTPHost:      "smtp.example.com",
		SMTPPort:      465,
		CredentialRef: "user@example.com",
	}, cfg.Accounts[0])
}

func TestLoadConfig_EnvironmentAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	t.Setenv("MAILD_LOG_LEVEL", "warn")
	t.Setenv("MAILD_OUTBOX_MAX_ATTEMPTS", "9")

	cfg, err := loadConfig([]string{"-c", path, "--data-dir", "/tmp/elsewhere"})
	require.NoError(t, err)

	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, 9, cfg.Outbox.MaxAttempts)
	require.Equal(t, "/tmp/elsewhere", cfg.DataDir)
}

func TestLoadConfig_RejectsDuplicateAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - address: user@example.com
    imap_host: imap.example.com
  - address: user@example.com
    imap_host: imap.example.com
`), 0o600))

	_, err := loadConfig([]string{"--config", path})
	require.ErrorContains(t, err, "duplicate address")
}

func TestLoadConfig_Storage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: disk
  compress: true
  compression_level: 9
`), 0o600))

	cfg, err := loadConfig([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, StorageConfig{Backend: "disk", Compress: true, CompressionLevel: 9}, cfg.Storage)

	builder, ok := blobStoreBuilder(cfg.Storage).(*store.OnDiskStoreBuilder)
	require.True(t, ok)
	require.Len(t, builder.Options, 2)

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: disk\n  compression_level: 12\n"), 0o600))

	_, err = loadConfig([]string{"--config", path})
	require.ErrorContains(t, err, "compression_level")

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: tape\n"), 0o600))

	_, err = loadConfig([]string{"--config", path})
	require.ErrorContains(t, err, "unknown backend")
}
