// Package config loads dentdesk configuration from a config file, DENTDESK_*
// environment variables and .env files.
//
// Precedence, highest first: explicit Set calls, environment, config file,
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dentdesk/dentdesk/internal/logging"
	"github.com/dentdesk/dentdesk/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. DENTDESK_REMOTE_KIND.
const EnvPrefix = "DENTDESK"

// FileName is the config file base name searched for.
const FileName = "dentdesk"

// Config is the complete process configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	DBPath   string `mapstructure:"db_path"`
	AutoSync bool   `mapstructure:"auto_sync"`
	InboxDir string `mapstructure:"inbox_dir"`

	Remote    remote.Config   `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       logging.Config  `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// SyncConfig tunes the sync engine and daemon.
type SyncConfig struct {
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// DashboardConfig configures the status WebSocket server.
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabasePath returns the SQLite path, defaulting to dentdesk.db in the data
// directory.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "dentdesk.db")
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DataDir == "" && c.DBPath == "" {
		return errors.New("data_dir or db_path must be set")
	}
	switch c.Remote.Kind {
	case remote.KindNone, "", remote.KindMemory, remote.KindS3, remote.KindGCS, remote.KindRedis:
	default:
		return fmt.Errorf("unknown remote.kind %q", c.Remote.Kind)
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dentdesk")
	}
	return ".dentdesk"
}

func setDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultConfig()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("auto_sync", true)
	v.SetDefault("inbox_dir", "")

	v.SetDefault("remote.kind", remote.KindNone)
	v.SetDefault("remote.prefix", "")
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.region", "")
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.access_key_id", "")
	v.SetDefault("remote.s3.secret_access_key", "")
	v.SetDefault("remote.s3.use_path_style", false)
	v.SetDefault("remote.gcs.bucket", "")
	v.SetDefault("remote.gcs.credentials_file", "")
	v.SetDefault("remote.gcs.credentials_json", "")
	v.SetDefault("remote.redis.addr", "")
	v.SetDefault("remote.redis.password", "")
	v.SetDefault("remote.redis.db", 0)
	v.SetDefault("remote.redis.pool_size", 0)

	v.SetDefault("sync.remote_timeout", 10*time.Second)
	v.SetDefault("sync.flush_interval", time.Minute)
	v.SetDefault("sync.probe_interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 50)

	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logDefaults.MaxSizeMB)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age_days", logDefaults.MaxAgeDays)

	v.SetDefault("dashboard.host", "")
	v.SetDefault("dashboard.port", 8080)
}

// Options control where configuration is looked for.
type Options struct {
	// File is an explicit config file; when empty the data directory and
	// the working directory are searched for dentdesk.{yaml,toml,json}.
	File string
	// DataDir overrides data_dir before the config file is searched for.
	DataDir string
	// EnvFiles are .env files loaded into the environment first. Missing
	// files are ignored. Defaults to ".env".
	EnvFiles []string
}

// Loader owns a viper instance and the Config decoded from it.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration.
func Load(opts Options) (*Loader, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Existing environment variables win over .env entries.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration. Callers must not modify it.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Set overrides key for this process and re-decodes the configuration.
func (l *Loader) Set(key string, value any) error {
	l.v.Set(key, value)
	cfg, err := l.decode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Persist sets key and writes the configuration file, creating
// dentdesk.yaml in the data directory when no file is in use.
func (l *Loader) Persist(key string, value any) (string, error) {
	if err := l.Set(key, value); err != nil {
		return "", err
	}

	path := l.File()
	if path == "" {
		dir := l.Config().DataDir
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create data directory: %w", err)
		}
		path = filepath.Join(dir, FileName+".yaml")
	}

	if err := l.v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// Watch reloads the configuration whenever the config file changes and calls
// onChange with the previous and new values. Invalid edits are reported
// through onError and leave the current configuration in place. Without a
// config file Watch does nothing.
func (l *Loader) Watch(onChange func(prev, next *Config), onError func(error)) {
	if l.File() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		next, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("%s: %w", e.Name, err))
			}
			return
		}

		l.mu.Lock()
		prev := l.cfg
		l.cfg = next
		l.mu.Unlock()

		if onChange != nil {
			onChange(prev, next)
		}
	})
	l.v.WatchConfig()
}
