package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PATCHER_"

// Config is the top-level configuration
type Config struct {
	Target   TargetConfig   `yaml:"target"`
	Manifest ManifestConfig `yaml:"manifest"`
	Transfer TransferConfig `yaml:"transfer"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// TargetConfig names the directory being patched
type TargetConfig struct {
	Root string `yaml:"root"`
}

// ManifestConfig says where the manifest comes from
type ManifestConfig struct {
	Location string `yaml:"location"`
	// Provider is a mirror key, "none" for the origin, or "auto".
	Provider string `yaml:"provider"`
}

// TransferConfig holds scan and transfer settings
type TransferConfig struct {
	Workers      int           `yaml:"workers"`
	ScanWorkers  int           `yaml:"scan_workers"`
	Prehash      bool          `yaml:"prehash"`
	RetryCount   int           `yaml:"retry_count"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	FileTimeout  time.Duration `yaml:"file_timeout"`
	MaxBandwidth string        `yaml:"max_bandwidth"`
	UserAgent    string        `yaml:"user_agent"`
	Force        bool          `yaml:"force"`
}

// StoreConfig holds run history settings
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// homedirDir is replaced in tests.
var homedirDir = homedir.Dir

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Root: ".",
		},
		Manifest: ManifestConfig{
			Location: "manifest.json",
			Provider: "none",
		},
		Transfer: TransferConfig{
			Workers:      4,
			ScanWorkers:  4,
			RetryCount:   3,
			StallTimeout: 60 * time.Second,
			UserAgent:    "patcher/1.0",
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.local/state/patcher/patcher.db",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"patcher.yaml",
		"/etc/patcher/patcher.yaml",
	}

	// Add user config path
	if home, err := homedirDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "patcher", "patcher.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// LoadDotEnv loads KEY=value pairs from envFile into the process
// environment without overriding variables already set. An empty envFile
// tries ".env" in the working directory and ignores its absence.
func LoadDotEnv(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}
	return nil
}

// ApplyEnv overrides fields from PATCHER_* variables using lookup, which is
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ROOT", &c.Target.Root)
	str("MANIFEST", &c.Manifest.Location)
	str("PROVIDER", &c.Manifest.Provider)
	integer("WORKERS", &c.Transfer.Workers)
	integer("SCAN_WORKERS", &c.Transfer.ScanWorkers)
	boolean("PREHASH", &c.Transfer.Prehash)
	integer("RETRY_COUNT", &c.Transfer.RetryCount)
	duration("STALL_TIMEOUT", &c.Transfer.StallTimeout)
	duration("FILE_TIMEOUT", &c.Transfer.FileTimeout)
	str("MAX_BANDWIDTH", &c.Transfer.MaxBandwidth)
	str("USER_AGENT", &c.Transfer.UserAgent)
	boolean("FORCE", &c.Transfer.Force)
	boolean("STORE_ENABLED", &c.Store.Enabled)
	str("DB_PATH", &c.Store.DBPath)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

// ExpandPaths replaces a leading "~" in path-valued fields with the home
// directory.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.Target.Root, &c.Store.DBPath, &c.Log.File} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	if !strings.Contains(c.Manifest.Location, "://") {
		expanded, err := homedir.Expand(c.Manifest.Location)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", c.Manifest.Location, err)
		}
		c.Manifest.Location = expanded
	}
	return nil
}

// BandwidthLimit returns max_bandwidth in bytes per second; 0 means
// unlimited.
func (c *Config) BandwidthLimit() (int64, error) {
	if strings.TrimSpace(c.Transfer.MaxBandwidth) == "" {
		return 0, nil
	}
	return ParseSize(c.Transfer.MaxBandwidth)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Transfer.Workers < 1 {
		errs = append(errs, fmt.Errorf("transfer.workers must be at least 1, got %d", c.Transfer.Workers))
	}
	if c.Transfer.ScanWorkers < 1 {
		errs = append(errs, fmt.Errorf("transfer.scan_workers must be at least 1, got %d", c.Transfer.ScanWorkers))
	}
	if c.Transfer.RetryCount < 1 {
		errs = append(errs, fmt.Errorf("transfer.retry_count must be at least 1, got %d", c.Transfer.RetryCount))
	}
	if c.Transfer.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("transfer.stall_timeout must not be negative"))
	}
	if c.Transfer.FileTimeout < 0 {
		errs = append(errs, fmt.Errorf("transfer.file_timeout must not be negative"))
	}
	if _, err := c.BandwidthLimit(); err != nil {
		errs = append(errs, fmt.Errorf("transfer.max_bandwidth: %w", err))
	}
	if strings.TrimSpace(c.Manifest.Provider) == "" {
		errs = append(errs, errors.New("manifest.provider must not be empty"))
	}
	if c.Store.Enabled && c.Store.DBPath == "" {
		errs = append(errs, errors.New("store.db_path is required when the store is enabled"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
