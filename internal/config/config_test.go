package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// chdir switches the working directory for the rest of the test
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"root", func(c *Config) string { return c.Target.Root }, "."},
		{"manifest", func(c *Config) string { return c.Manifest.Location }, "manifest.json"},
		{"provider", func(c *Config) string { return c.Manifest.Provider }, "none"},
		{"user agent", func(c *Config) string { return c.Transfer.UserAgent }, "patcher/1.0"},
		{"db path", func(c *Config) string { return c.Store.DBPath }, "~/.local/state/patcher/patcher.db"},
		{"log level", func(c *Config) string { return c.Log.Level }, "info"},
		{"log format", func(c *Config) string { return c.Log.Format }, "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Transfer.Workers != 4 || cfg.Transfer.RetryCount != 3 {
		t.Errorf("unexpected transfer defaults: %+v", cfg.Transfer)
	}
	if cfg.Transfer.StallTimeout != time.Minute {
		t.Errorf("StallTimeout = %v, want 1m", cfg.Transfer.StallTimeout)
	}
	if !cfg.Store.Enabled {
		t.Error("Store.Enabled = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "patcher.yaml")

	configContent := `
target:
  root: /srv/game
manifest:
  location: https://patch.example.com/manifest.json
  provider: auto
transfer:
  workers: 8
  retry_count: 5
  stall_timeout: 30s
  file_timeout: 10m
  max_bandwidth: 10MB
store:
  enabled: false
log:
  level: debug
  format: json
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Target.Root != "/srv/game" {
		t.Errorf("Target.Root = %q, want %q", cfg.Target.Root, "/srv/game")
	}
	if cfg.Manifest.Provider != "auto" {
		t.Errorf("Manifest.Provider = %q, want %q", cfg.Manifest.Provider, "auto")
	}
	if cfg.Transfer.Workers != 8 || cfg.Transfer.RetryCount != 5 {
		t.Errorf("unexpected transfer settings: %+v", cfg.Transfer)
	}
	if cfg.Transfer.StallTimeout != 30*time.Second || cfg.Transfer.FileTimeout != 10*time.Minute {
		t.Errorf("unexpected timeouts: %v %v", cfg.Transfer.StallTimeout, cfg.Transfer.FileTimeout)
	}
	if cfg.Store.Enabled {
		t.Error("Store.Enabled = true, want false")
	}

	// Unset fields keep their defaults
	if cfg.Transfer.ScanWorkers != 4 {
		t.Errorf("ScanWorkers = %d, want default 4", cfg.Transfer.ScanWorkers)
	}
	if cfg.Transfer.UserAgent != "patcher/1.0" {
		t.Errorf("UserAgent = %q, want default", cfg.Transfer.UserAgent)
	}

	limit, err := cfg.BandwidthLimit()
	if err != nil || limit != 10*1024*1024 {
		t.Errorf("BandwidthLimit() = %d, %v", limit, err)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "invalid.yaml")

	invalidContent := `
target:
  root: "/srv"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() succeeded, want error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestFindConfigFile covers the working directory and home lookups
func TestFindConfigFile(t *testing.T) {
	home := t.TempDir()
	orig := homedirDir
	homedirDir = func() (string, error) { return home, nil }
	t.Cleanup(func() { homedirDir = orig })

	chdir(t, t.TempDir())

	if _, err := FindConfigFile(); err == nil {
		t.Fatal("FindConfigFile() succeeded with no config present")
	} else if !strings.Contains(err.Error(), filepath.Join(home, ".config", "patcher", "patcher.yaml")) {
		t.Errorf("error should list the home path: %v", err)
	}

	userPath := filepath.Join(home, ".config", "patcher", "patcher.yaml")
	if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(userPath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfigFile()
	if err != nil || got != userPath {
		t.Errorf("FindConfigFile() = %q, %v; want %q", got, err, userPath)
	}

	// The working directory wins over the home directory
	if err := os.WriteFile("patcher.yaml", []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = FindConfigFile()
	if err != nil || got != "patcher.yaml" {
		t.Errorf("FindConfigFile() = %q, %v; want patcher.yaml", got, err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PATCHER_ROOT":          "/opt/app",
		"PATCHER_MANIFEST":      "/tmp/manifest.json",
		"PATCHER_WORKERS":       "2",
		"PATCHER_PREHASH":       "true",
		"PATCHER_STALL_TIMEOUT": "5s",
		"PATCHER_STORE_ENABLED": "false",
		"PATCHER_LOG_LEVEL":     "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() failed: %v", err)
	}
	if cfg.Target.Root != "/opt/app" || cfg.Manifest.Location != "/tmp/manifest.json" {
		t.Errorf("string overrides not applied: %+v", cfg)
	}
	if cfg.Transfer.Workers != 2 || !cfg.Transfer.Prehash || cfg.Transfer.StallTimeout != 5*time.Second {
		t.Errorf("typed overrides not applied: %+v", cfg.Transfer)
	}
	if cfg.Store.Enabled || cfg.Log.Level != "warn" {
		t.Errorf("unexpected store/log: %+v %+v", cfg.Store, cfg.Log)
	}
	if cfg.Transfer.RetryCount != 3 {
		t.Errorf("unset variables must keep defaults, RetryCount = %d", cfg.Transfer.RetryCount)
	}

	env = map[string]string{"PATCHER_WORKERS": "many", "PATCHER_FORCE": "maybe"}
	err := DefaultConfig().ApplyEnv(lookup)
	if err == nil {
		t.Fatal("ApplyEnv() succeeded with invalid values")
	}
	if !strings.Contains(err.Error(), "PATCHER_WORKERS") || !strings.Contains(err.Error(), "PATCHER_FORCE") {
		t.Errorf("expected both variables in error: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "patcher.env")
	if err := os.WriteFile(envFile, []byte("PATCHER_TEST_DOTENV=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATCHER_TEST_DOTENV", "")
	os.Unsetenv("PATCHER_TEST_DOTENV")

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv() failed: %v", err)
	}
	if got := os.Getenv("PATCHER_TEST_DOTENV"); got != "from-file" {
		t.Errorf("PATCHER_TEST_DOTENV = %q", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for an explicit missing env file")
	}

	chdir(t, t.TempDir())
	if err := LoadDotEnv(""); err != nil {
		t.Errorf("missing default .env must be ignored: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero workers", func(c *Config) { c.Transfer.Workers = 0 }, "transfer.workers"},
		{"zero retries", func(c *Config) { c.Transfer.RetryCount = 0 }, "transfer.retry_count"},
		{"negative stall", func(c *Config) { c.Transfer.StallTimeout = -time.Second }, "stall_timeout"},
		{"bad bandwidth", func(c *Config) { c.Transfer.MaxBandwidth = "fast" }, "max_bandwidth"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"store without path", func(c *Config) { c.Store.DBPath = "" }, "store.db_path"},
		{"store disabled without path", func(c *Config) { c.Store.Enabled = false; c.Store.DBPath = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Manifest.Location = "https://example.com/~user/manifest.json"
	if err := cfg.ExpandPaths(); err != nil {
		t.Fatalf("ExpandPaths() failed: %v", err)
	}
	if strings.HasPrefix(cfg.Store.DBPath, "~") {
		t.Errorf("DBPath not expanded: %q", cfg.Store.DBPath)
	}
	if cfg.Manifest.Location != "https://example.com/~user/manifest.json" {
		t.Errorf("URL locations must be left alone: %q", cfg.Manifest.Location)
	}
}

// TestConfigRoundTrip checks that the effective config prints as YAML that
// loads back to the same values.
func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfer.FileTimeout = 90 * time.Second

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() failed: %v", err)
	}
	if !strings.Contains(string(out), "stall_timeout: 1m0s") {
		t.Errorf("durations should print as strings:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "patcher.yaml")
	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}
