package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/patcher/internal/config"
	"github.com/BadgerOps/patcher/internal/download"
	"github.com/BadgerOps/patcher/internal/engine"
	"github.com/BadgerOps/patcher/internal/logging"
	"github.com/BadgerOps/patcher/internal/mirror"
	"github.com/BadgerOps/patcher/internal/safety"
	"github.com/BadgerOps/patcher/internal/scan"
	"github.com/BadgerOps/patcher/internal/store"
)

var version = "0.1.0"

var (
	// Global flags
	cfgPath   string
	envFile   string
	logLevel  string
	logFormat string
	logFile   string
	quiet     bool
	noColor   bool
	globalCfg *config.Config
	logger    *slog.Logger
	closeLog  func() error

	// Global components
	globalStore  *store.Store
	globalEngine *engine.Reconciler
)

// initializeComponents builds the store, transfer client, scanner, mirror speed tester
// and reconciler from the loaded config
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// Run history is optional; without it retry and status are unavailable
	if globalCfg.Store.Enabled {
		st, err := store.New(globalCfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		globalStore = st
	}

	limit, err := globalCfg.BandwidthLimit()
	if err != nil {
		return fmt.Errorf("invalid max_bandwidth: %w", err)
	}

	fs := afero.NewOsFs()
	client := download.NewClient(logger,
		download.WithFs(fs),
		download.WithUserAgent(globalCfg.Transfer.UserAgent),
		download.WithStallTimeout(globalCfg.Transfer.StallTimeout),
		download.WithFileTimeout(globalCfg.Transfer.FileTimeout),
		download.WithBandwidthLimit(limit),
	)

	scanner := scan.NewScanner(fs, scan.Options{
		Workers: globalCfg.Transfer.ScanWorkers,
		Prehash: globalCfg.Transfer.Prehash,
	}, logger)

	globalEngine = engine.New(engine.Options{
		Client:      client,
		Scanner:     scanner,
		Store:       globalStore,
		SpeedTester: mirror.NewSpeedTester(nil, logger),
		HTTPClient:  safety.NewHTTPClient(0),
		Fs:          fs,
		Logger:      logger,
	})

	logger.Debug("components initialized", "store", globalStore != nil)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"show":       true,
		"completion": true,
	}
	return skipInitCmds[cmdName]
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// closeComponents releases the store and the log file
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if closeLog != nil {
		closeLog()
		closeLog = nil
	}
}

// loadConfig resolves the effective config: defaults, then the config file,
// then .env and PATCHER_* variables, then command-line flags
func loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, "", err
	}

	path := cfgPath
	if path == "" {
		if found, err := config.FindConfigFile(); err == nil {
			path = found
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, "", fmt.Errorf("invalid environment: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patcher",
		Short: "Bring a directory in line with a published file manifest",
		Long: `patcher reads a manifest listing every file a directory should contain,
with sizes and content hashes, compares it against what is on disk, and
downloads only the files that are missing or out of date.

Every transfer is verified against the manifest before it replaces the
existing file, so an interrupted or failed run never leaves a partially
written file in place.`,
		Example: `  patcher apply --manifest https://patch.example.com/manifest.json --root ./game
  patcher plan --manifest ./manifest.json --root ./game
  patcher verify --root ./game
  patcher retry --root ./game
  patcher status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				setupLogging(config.DefaultConfig().Log)
				return nil
			}

			cfg, path, err := loadConfig()
			if err != nil {
				setupLogging(config.DefaultConfig().Log)
				return err
			}
			globalCfg = cfg
			setupLogging(cfg.Log)

			if path == "" {
				logger.Debug("no config file found, using defaults")
			} else {
				logger.Debug("config loaded", "path", path)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load PATCHER_* variables from this file (default .env if present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated by size")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress the overview and per-file progress")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	// Add subcommands
	cmd.AddCommand(
		newApplyCmd(),
		newPlanCmd(),
		newVerifyCmd(),
		newRetryCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging installs the process logger
func setupLogging(lc config.LogConfig) {
	if closeLog != nil {
		closeLog()
	}
	logger, closeLog = logging.New(logging.Options{
		Level:      lc.Level,
		Format:     lc.Format,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
	})
	slog.SetDefault(logger)
}
