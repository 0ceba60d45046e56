package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/patcher/internal/engine"
	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/plan"
	"github.com/BadgerOps/patcher/internal/progress"
)

// targetFlags are shared by every command that reconciles a root
type targetFlags struct {
	manifest string
	root     string
	provider string
	workers  int
	force    bool
}

var (
	applyFlags  targetFlags
	applyYes    bool
	applyDryRun bool

	planFlags   targetFlags
	verifyFlags targetFlags
)

func addTargetFlags(cmd *cobra.Command, f *targetFlags) {
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "manifest file path or http(s) URL (default from config)")
	cmd.Flags().StringVar(&f.root, "root", "", "target directory (default from config)")
	cmd.Flags().StringVar(&f.provider, "provider", "", providerUsage())
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent transfers (default from config)")
	cmd.Flags().BoolVar(&f.force, "force", false, "re-download every file regardless of hashes")
}

// providerUsage lists the built-in mirrors with the names shown in the overview
func providerUsage() string {
	var keys []string
	for _, p := range manifest.KnownProviders() {
		keys = append(keys, fmt.Sprintf("%s (%s)", p, p.DisplayName()))
	}
	return "mirror to download from: " + strings.Join(keys, ", ") + ", auto, or another key from the manifest"
}

// runOptions merges command-line flags over the loaded config and prints
// the banner unless --quiet is set
func runOptions(f targetFlags) (engine.RunOptions, error) {
	if globalCfg == nil {
		return engine.RunOptions{}, fmt.Errorf("config not loaded")
	}
	if !quiet {
		printBanner(os.Stdout)
	}

	opts := engine.RunOptions{
		Manifest:   globalCfg.Manifest.Location,
		Root:       globalCfg.Target.Root,
		Provider:   manifest.ParseProvider(globalCfg.Manifest.Provider),
		Workers:    globalCfg.Transfer.Workers,
		RetryCount: globalCfg.Transfer.RetryCount,
		Force:      globalCfg.Transfer.Force || f.force,
		Sink:       newRenderer(),
	}
	if f.manifest != "" {
		opts.Manifest = f.manifest
	}
	if f.root != "" {
		opts.Root = f.root
	}
	if f.provider != "" {
		opts.Provider = manifest.ParseProvider(f.provider)
	}
	if f.workers != 0 {
		if f.workers < 0 {
			return opts, fmt.Errorf("--workers must be at least 1, got %d", f.workers)
		}
		opts.Workers = f.workers
	}

	if opts.Manifest == "" {
		return opts, fmt.Errorf("no manifest given: use --manifest or set manifest.location")
	}
	if opts.Root == "" {
		return opts, fmt.Errorf("no target root given: use --root or set target.root")
	}
	return opts, nil
}

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = func() bool { return progress.IsTerminal(os.Stdin) }

func newRenderer() *progress.Renderer {
	tty := progress.IsTerminal(os.Stdout)
	return progress.NewRenderer(os.Stdout, progress.RendererOptions{
		Color:       tty && !noColor,
		Interactive: tty,
		Quiet:       quiet,
	})
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Download missing and outdated files",
		Long: `Load the manifest, scan the target root, and show what would change.
After confirmation every missing or outdated file is downloaded, verified
against the manifest hash, and moved into place.

The apply command will:
  1. Load and validate the manifest
  2. Compare every entry with the file on disk
  3. Show the transaction overview and ask for confirmation
  4. Transfer pending files, retrying each up to transfer.retry_count times
  5. Record failures so they can be retried with 'patcher retry'

Without a terminal on stdin the plan is only applied with --yes.`,
		Example: `  patcher apply --manifest https://patch.example.com/manifest.json --root ./game
  patcher apply --root ./game --provider auto --yes
  patcher apply --root ./game --dry-run
  patcher apply --root ./game --force --workers 8`,
		RunE: applyRun,
	}

	addTargetFlags(cmd, &applyFlags)
	cmd.Flags().BoolVarP(&applyYes, "yes", "y", false, "apply without asking for confirmation")
	cmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "show what would be done without making changes")

	return cmd
}

func applyRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalEngine == nil {
		return fmt.Errorf("reconciler not initialized")
	}

	opts, err := runOptions(applyFlags)
	if err != nil {
		return err
	}
	opts.DryRun = applyDryRun
	if !applyYes {
		opts.Confirm = confirmPlan(os.Stdin, os.Stdout, stdinIsTerminal())
	}

	log.Debug("apply", "manifest", opts.Manifest, "root", opts.Root, "provider", opts.Provider, "dry_run", opts.DryRun)

	res, err := globalEngine.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}
	return resultError(cmd, res)
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the transaction overview without changing anything",
		Long: `Load the manifest, scan the target root, and print which files are up to
date, outdated, or missing together with the download size. Nothing is
transferred and no confirmation is asked for.`,
		Example: `  patcher plan --manifest ./manifest.json --root ./game`,
		RunE:    planRun,
	}

	addTargetFlags(cmd, &planFlags)

	return cmd
}

func planRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("reconciler not initialized")
	}

	opts, err := runOptions(planFlags)
	if err != nil {
		return err
	}
	opts.DryRun = true

	_, err = globalEngine.Run(cmd.Context(), opts)
	return err
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every file against the manifest hash",
		Long: `Hash every file in the target root and compare it with the manifest.
Nothing is transferred. The command exits with status 1 when any file is
missing or out of date.`,
		Example: `  patcher verify --root ./game
  patcher verify --manifest ./manifest.json --root ./game --quiet`,
		RunE: verifyRun,
	}

	addTargetFlags(cmd, &verifyFlags)

	return cmd
}

func verifyRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("reconciler not initialized")
	}

	opts, err := runOptions(verifyFlags)
	if err != nil {
		return err
	}
	opts.VerifyOnly = true

	res, err := globalEngine.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if res.Stale > 0 {
		return &exitError{code: exitFailures, err: fmt.Errorf("%d files out of date", res.Stale)}
	}
	return resultError(cmd, res)
}

// resultError turns a finished run into the command's error. A run that
// reached execution exits with status 1 when interrupted or when any file
// failed, since some files may already have been replaced.
func resultError(cmd *cobra.Command, res *plan.Result) error {
	if err := cmd.Context().Err(); err != nil {
		return &exitError{code: exitFailures, err: fmt.Errorf("run interrupted: %w", err)}
	}
	if n := len(res.Failed); n > 0 {
		return &exitError{code: exitFailures, err: fmt.Errorf("%d files failed", n)}
	}
	return nil
}
