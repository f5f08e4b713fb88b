package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type SyncConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PushWindow        time.Duration `mapstructure:"push_window"`
	BatchSize         int           `mapstructure:"batch_size"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

type OutboxConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
	SendRate       float64       `mapstructure:"send_rate"`
	SendBurst      int           `mapstructure:"send_burst"`
	SentRetention  time.Duration `mapstructure:"sent_retention"`
}

type MaintenanceConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
}

// StorageConfig selects where message bytes are kept.
type StorageConfig struct {
	// Backend is "badger" or "disk".
	Backend string `mapstructure:"backend"`

	// Compress zlib-compresses blobs of the disk backend.
	Compress bool `mapstructure:"compress"`

	// CompressionLevel is the zlib level from 1 to 9; zero picks zlib's default.
	CompressionLevel int `mapstructure:"compression_level"`

	// Passphrase encrypts blobs at rest if set.
	Passphrase string `mapstructure:"passphrase"`
}

type KeyringConfig struct {
	Service string `mapstructure:"service"`

	// Dir holds the encrypted file keyring used where no system keyring exists.
	Dir string `mapstructure:"dir"`

	Password string `mapstructure:"password"`
}

// AccountConfig declares an account the daemon adds on start if it is not stored yet.
type AccountConfig struct {
	Address       string `mapstructure:"address"`
	IMAPHost      string `mapstructure:"imap_host"`
	IMAPPort      int    `mapstructure:"imap_port"`
	SMTPHost      string `mapstructure:"smtp_host"`
	SMTPPort      int    `mapstructure:"smtp_port"`
	CredentialRef string `mapstructure:"credential_ref"`
}

type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
	Log         LogConfig         `mapstructure:"log"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Keyring     KeyringConfig     `mapstructure:"keyring"`
	Accounts    []AccountConfig   `mapstructure:"accounts"`
}

// loadConfig reads, in increasing priority, defaults, the YAML config file, MAILD_ environment
// variables (a .env file in the working directory is loaded first) and command line flags.
func loadConfig(args []string) (*Config, error) {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("maild", pflag.ContinueOnError)

	flags.StringP("config", "c", "", "path to the YAML config file")
	flags.String("data-dir", "", "directory holding the local replica")
	flags.String("metrics-addr", "", "address serving /metrics and /debug/pprof, empty to disable")
	flags.String("log-level", "", "log level")
	flags.String("log-file", "", "log to this file with rotation instead of stderr")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("maild")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"data_dir":     "data-dir",
		"metrics_addr": "metrics-addr",
		"log.level":    "log-level",
		"log.file":     "log-file",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("maild")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "maild"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dataDir := "maild-data"

	if dir, err := os.UserCacheDir(); err == nil {
		dataDir = filepath.Join(dir, "maild")
	}

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("sync.poll_interval", "5m")
	v.SetDefault("sync.push_window", "30m")
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.discovery_interval", "15m")
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.backoff_base", "30s")
	v.SetDefault("outbox.backoff_ceiling", "30m")
	v.SetDefault("outbox.send_rate", 1.0)
	v.SetDefault("outbox.send_burst", 5)
	v.SetDefault("outbox.sent_retention", "168h")
	v.SetDefault("maintenance.interval", "1h")
	v.SetDefault("maintenance.tombstone_retention", "720h")
	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.compress", false)
	v.SetDefault("storage.compression_level", 0)
	v.SetDefault("storage.passphrase", "")
	v.SetDefault("keyring.service", "maild")
	v.SetDefault("keyring.dir", "")
	v.SetDefault("keyring.password", "")
}

func (cfg *Config) validate() error {
	if cfg.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}

	switch cfg.Storage.Backend {
	case "badger", "disk":

	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}

	if cfg.Storage.CompressionLevel < 0 || cfg.Storage.CompressionLevel > 9 {
		return fmt.Errorf("storage.compression_level: %v is not between 0 and 9", cfg.Storage.CompressionLevel)
	}

	seen := make(map[string]struct{}, len(cfg.Accounts))

	for i, acc := range cfg.Accounts {
		if acc.Address == "" || acc.IMAPHost == "" {
			return fmt.Errorf("accounts[%v]: address and imap_host are required", i)
		}

		if _, ok := seen[acc.Address]; ok {
			return fmt.Errorf("accounts[%v]: duplicate address %v", i, acc.Address)
		}

		seen[acc.Address] = struct{}{}

		if acc.IMAPPort == 0 {
			cfg.Accounts[i].IMAPPort = 993
		}

		if acc.SMTPHost != "" && acc.SMTPPort == 0 {
			cfg.Accounts[i].SMTPPort = 465
		}

		if acc.CredentialRef == "" {
			cfg.Accounts[i].CredentialRef = acc.Address
		}
	}

	return nil
}
