// Package config loads dgi settings from flags, DATAGOVINDIA_* environment
// variables, a TOML config file and built-in defaults, in that order of
// precedence.
package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/api"
)

// EnvPrefix prefixes every environment variable, e.g. DATAGOVINDIA_API_KEY.
const EnvPrefix = "DATAGOVINDIA"

// AppName names the config and cache directories.
const AppName = "datagovindia"

// DBFile is the cache file name inside the cache directory.
const DBFile = "metadata.db"

// Config holds all configuration for dgi.
type Config struct {
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	UseSampleKey bool   `mapstructure:"use_sample_key" yaml:"use_sample_key"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	CacheDir     string `mapstructure:"cache_dir" yaml:"cache_dir"`

	HTTP HTTPConfig `mapstructure:"http" yaml:"http"`
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`
	Data DataConfig `mapstructure:"data" yaml:"data"`
	Log  LogConfig  `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-" yaml:"-"`
}

// HTTPConfig holds remote API client settings.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries int           `mapstructure:"retries" yaml:"retries"`
}

// SyncConfig holds catalog refresh settings.
type SyncConfig struct {
	PageSize        int           `mapstructure:"page_size" yaml:"page_size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

// DataConfig holds dataset download settings.
type DataConfig struct {
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

var defaultConfig = Config{
	BaseURL: api.DefaultBaseURL,
	HTTP: HTTPConfig{
		Timeout: api.DefaultTimeout,
		Retries: 0,
	},
	Sync: SyncConfig{
		PageSize:        1000,
		RefreshInterval: time.Hour,
	},
	Data: DataConfig{
		PageSize: api.DefaultDataPage,
	},
	Log: LogConfig{
		Level: "warn",
	},
}

// flagKeys maps persistent CLI flags to config keys.
var flagKeys = map[string]string{
	"api-key":    "api_key",
	"sample-key": "use_sample_key",
	"base-url":   "base_url",
	"cache-dir":  "cache_dir",
	"timeout":    "http.timeout",
	"retries":    "http.retries",
	"log-level":  "log.level",
	"log-file":   "log.file",
	"log-json":   "log.json",
}

// LoadOptions selects the sources Load reads besides the environment.
type LoadOptions struct {
	// ConfigFile overrides the default config file location. A missing
	// explicit file is an error; a missing default file is not.
	ConfigFile string
	// Flags, when set, are bound by name (see flagKeys). Only flags that
	// were changed on the command line override other sources.
	Flags *pflag.FlagSet
}

// Load loads configuration from all sources. It does not validate; call
// Validate before use.
func Load(opts LoadOptions) (*Config, error) {
	const op = "config.Load"

	v := viper.New()

	// Set defaults
	v.SetDefault("api_key", "")
	v.SetDefault("use_sample_key", false)
	v.SetDefault("base_url", defaultConfig.BaseURL)
	v.SetDefault("cache_dir", DefaultCacheDir())
	v.SetDefault("http.timeout", defaultConfig.HTTP.Timeout)
	v.SetDefault("http.retries", defaultConfig.HTTP.Retries)
	v.SetDefault("sync.page_size", defaultConfig.Sync.PageSize)
	v.SetDefault("sync.refresh_interval", defaultConfig.Sync.RefreshInterval)
	v.SetDefault("data.page_size", defaultConfig.Data.PageSize)
	v.SetDefault("log.level", defaultConfig.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, apperrors.Errorf(apperrors.ErrConfig, op, "bind flag --%s: %w", name, err)
				}
			}
		}
	}

	file := opts.ConfigFile
	explicit := file != ""
	if !explicit {
		file = DefaultPath()
	}
	v.SetConfigFile(file)
	v.SetConfigType("toml")

	read := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, apperrors.Errorf(apperrors.ErrConfig, op, "config file %s not found", file)
			}
		default:
			return nil, apperrors.Errorf(apperrors.ErrConfig, op, "read %s: %w", file, err)
		}
	} else {
		read = true
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "unmarshal config: %w", err)
	}
	if read {
		cfg.File = file
	}
	cfg.CacheDir = expandHome(cfg.CacheDir)
	cfg.Log.File = expandHome(cfg.Log.File)
	return &cfg, nil
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	cfg := defaultConfig
	cfg.CacheDir = DefaultCacheDir()
	return &cfg
}

// Validate checks every setting except the API key, which only remote
// operations need (see ResolvedAPIKey).
func (c *Config) Validate() error {
	const op = "config.Validate"

	if c.CacheDir == "" {
		return apperrors.Errorf(apperrors.ErrConfig, op, "cache_dir must not be empty")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apperrors.Errorf(apperrors.ErrConfig, op, "base_url %q is not an absolute URL", c.BaseURL)
		}
	}
	if c.HTTP.Timeout <= 0 {
		return apperrors.Errorf(apperrors.ErrConfig, op, "http.timeout must be positive (got %s)", c.HTTP.Timeout)
	}
	if c.HTTP.Retries < 0 {
		return apperrors.Errorf(apperrors.ErrConfig, op, "http.retries must not be negative (got %d)", c.HTTP.Retries)
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > api.MaxCatalogPage {
		return apperrors.Errorf(apperrors.ErrConfig, op, "sync.page_size must be 1..%d (got %d)", api.MaxCatalogPage, c.Sync.PageSize)
	}
	if c.Sync.RefreshInterval < 0 {
		return apperrors.Errorf(apperrors.ErrConfig, op, "sync.refresh_interval must not be negative (got %s)", c.Sync.RefreshInterval)
	}
	if c.Data.PageSize <= 0 {
		return apperrors.Errorf(apperrors.ErrConfig, op, "data.page_size must be positive (got %d)", c.Data.PageSize)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return apperrors.Errorf(apperrors.ErrConfig, op, "log.level: %w", err)
	}
	return nil
}

// ResolvedAPIKey returns the key to send to the API. Without a configured
// key it returns the public sample key if use_sample_key is set, and a
// configuration error otherwise.
func (c *Config) ResolvedAPIKey() (string, error) {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key, nil
	}
	if c.UseSampleKey {
		return api.SampleAPIKey, nil
	}
	return "", apperrors.Errorf(apperrors.ErrConfig, "config.ResolvedAPIKey",
		"no API key: set %s_API_KEY, run `dgi config init`, or set use_sample_key", EnvPrefix)
}

// UsingSampleKey reports whether requests will use the public sample key.
func (c *Config) UsingSampleKey() bool {
	return strings.TrimSpace(c.APIKey) == "" && c.UseSampleKey
}

// DBPath returns the cache database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.CacheDir, DBFile)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.APIKey != "" {
		out.APIKey = redactKey(out.APIKey)
	}
	return &out
}

func redactKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// fileConfig is the on-disk TOML layout written by Save. Durations are
// stored as strings ("30s") which viper decodes back into time.Duration.
type fileConfig struct {
	APIKey       string `toml:"api_key,omitempty"`
	UseSampleKey bool   `toml:"use_sample_key,omitempty"`
	BaseURL      string `toml:"base_url,omitempty"`
	CacheDir     string `toml:"cache_dir,omitempty"`
	HTTP         struct {
		Timeout string `toml:"timeout"`
		Retries int    `toml:"retries"`
	} `toml:"http"`
	Sync struct {
		PageSize        int    `toml:"page_size"`
		RefreshInterval string `toml:"refresh_interval"`
	} `toml:"sync"`
	Data struct {
		PageSize int `toml:"page_size"`
	} `toml:"data"`
	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file,omitempty"`
		JSON  bool   `toml:"json,omitempty"`
	} `toml:"log"`
}

// Save writes cfg to path as TOML, readable only by the owner since it
// holds the API key.
func Save(path string, cfg *Config) error {
	const op = "config.Save"

	var fc fileConfig
	fc.APIKey = cfg.APIKey
	fc.UseSampleKey = cfg.UseSampleKey
	if cfg.BaseURL != api.DefaultBaseURL {
		fc.BaseURL = cfg.BaseURL
	}
	if cfg.CacheDir != DefaultCacheDir() {
		fc.CacheDir = cfg.CacheDir
	}
	fc.HTTP.Timeout = cfg.HTTP.Timeout.String()
	fc.HTTP.Retries = cfg.HTTP.Retries
	fc.Sync.PageSize = cfg.Sync.PageSize
	fc.Sync.RefreshInterval = cfg.Sync.RefreshInterval.String()
	fc.Data.PageSize = cfg.Data.PageSize
	fc.Log.Level = cfg.Log.Level
	fc.Log.File = cfg.Log.File
	fc.Log.JSON = cfg.Log.JSON

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return apperrors.Errorf(apperrors.ErrConfig, op, "create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrConfig, op, "create %s: %w", tmpPath, err)
	}
	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return apperrors.Errorf(apperrors.ErrConfig, op, "encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Errorf(apperrors.ErrConfig, op, "close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Errorf(apperrors.ErrConfig, op, "rename %s: %w", tmpPath, err)
	}
	return nil
}

// DefaultPath returns $XDG_CONFIG_HOME/datagovindia/config.toml, falling
// back to ~/.config.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(homeDir(), ".config")
	}
	return filepath.Join(dir, AppName, "config.toml")
}

// DefaultCacheDir returns $XDG_CACHE_HOME/datagovindia, falling back to
// ~/.cache/datagovindia.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = filepath.Join(homeDir(), ".cache")
	}
	return filepath.Join(dir, AppName)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
