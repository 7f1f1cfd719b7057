package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pigeon/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pigeon"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PIGEON_DATA_DIR"
	// EnvPrefix prefixes every environment override, e.g. PIGEON_RELAY_URL.
	EnvPrefix = "PIGEON"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
)

// Config is the full client configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Handle  string       `mapstructure:"handle"`
	Log     LogConfig    `mapstructure:"log"`
	Relay   RelayConfig  `mapstructure:"relay"`
	Replog  ReplogConfig `mapstructure:"replog"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Typing  TypingConfig `mapstructure:"typing"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RelayConfig points at the NATS relay.
type RelayConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Token         string        `mapstructure:"token"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// ReplogConfig launches the replicated log worker. An empty WorkerPath runs
// relay-only.
type ReplogConfig struct {
	WorkerPath     string        `mapstructure:"worker_path"`
	WorkerArgs     []string      `mapstructure:"worker_args"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
}

// SyncConfig tunes update batching and group metadata precedence.
type SyncConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	MetadataPolicy string        `mapstructure:"metadata_policy"`
	TiePriority    string        `mapstructure:"tie_priority"`
}

// TypingConfig throttles outgoing typing indicators, in events per second.
type TypingConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PIGEON_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// KeysDir returns the identity key directory for a data directory.
func KeysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		KeysDir(dataDir),
		filepath.Join(dataDir, "users"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("handle", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("relay.url", "nats://127.0.0.1:4222")
	v.SetDefault("relay.subject_prefix", "pigeon")
	v.SetDefault("relay.token", "")
	v.SetDefault("relay.auth_timeout", 5*time.Second)
	v.SetDefault("relay.reconnect_wait", 2*time.Second)
	v.SetDefault("relay.max_reconnects", -1)
	v.SetDefault("replog.worker_path", "")
	v.SetDefault("replog.worker_args", []string{})
	v.SetDefault("replog.command_timeout", 30*time.Second)
	v.SetDefault("replog.sync_interval", 30*time.Second)
	v.SetDefault("sync.debounce", 100*time.Millisecond)
	v.SetDefault("sync.metadata_policy", string(models.PolicyTimestamp))
	v.SetDefault("sync.tie_priority", string(models.ChannelLog))
	v.SetDefault("typing.rate", 0.5)
	v.SetDefault("typing.burst", 1)
}

func newViper(dataDir string) *viper.Viper {
	v := viper.New()
	setDefaults(v, dataDir)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when it exists) over the defaults and applies PIGEON_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := newViper(filepath.Dir(path))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrCreate ensures directories and a config file exist, then loads it.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		v := viper.New()
		setDefaults(v, dataDir)
		if err := v.WriteConfigAs(cfgPath); err != nil {
			return nil, "", fmt.Errorf("write default config: %w", err)
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if _, err := c.MetadataResolver(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Replog.CommandTimeout <= 0 {
		return errors.New("config: replog.command_timeout must be positive")
	}
	if c.Relay.AuthTimeout <= 0 {
		return errors.New("config: relay.auth_timeout must be positive")
	}
	if c.Typing.Rate < 0 || c.Typing.Burst < 0 {
		return errors.New("config: typing rate and burst must not be negative")
	}
	return nil
}

// MetadataResolver builds the group metadata precedence policy.
func (c *Config) MetadataResolver() (models.MetadataResolver, error) {
	return models.ParseMetadataResolver(c.Sync.MetadataPolicy, c.Sync.TiePriority)
}
