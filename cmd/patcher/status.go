package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/patcher/internal/engine"
)

var (
	statusRoot   string
	statusAll    bool
	statusLimit  int
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent runs and unresolved failures",
		Long: `Display the run history recorded for the target root: when each run
started, what it changed, and how it ended, followed by the files still
waiting to be retried.

Use --all to show every root, or --failed to show only the retry queue.`,
		Example: `  patcher status
  patcher status --root ./game --limit 20
  patcher status --all --failed`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusRoot, "root", "", "target directory (default from config)")
	cmd.Flags().BoolVar(&statusAll, "all", false, "show runs for every root")
	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only unresolved failed files")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return engine.ErrNoStore
	}

	root := ""
	if !statusAll {
		root = globalCfg.Target.Root
		if statusRoot != "" {
			root = statusRoot
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolving root %s: %w", root, err)
		}
		root = abs
	}

	if !statusFailed {
		if err := printRuns(root); err != nil {
			return err
		}
	}
	return printFailed(root)
}

func printRuns(root string) error {
	runs, err := globalStore.ListRuns(root, statusLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	fmt.Println("Recent Runs")
	fmt.Println("===========")
	fmt.Println("")
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		fmt.Println("")
		return nil
	}

	fmt.Printf("%-8s %-8s %-10s %6s %6s %6s %10s %-14s %s\n",
		"Run", "Mode", "Status", "Added", "Upd", "Failed", "Size", "Started", "Version")
	fmt.Println(strings.Repeat("-", 90))
	for _, r := range runs {
		version := r.ManifestVersion
		if version == "" {
			version = "-"
		}
		fmt.Printf("%-8s %-8s %-10s %6d %6d %6d %10s %-14s %s\n",
			shortID(r.UID),
			r.Mode,
			r.Status,
			r.FilesAdded,
			r.FilesUpdated,
			r.FilesFailed,
			humanize.Bytes(uint64(r.BytesTransferred)),
			humanize.Time(r.StartTime),
			version,
		)
		if statusAll {
			fmt.Printf("         %s\n", r.Root)
		}
		if r.ErrorMessage != "" {
			fmt.Printf("         error: %s\n", r.ErrorMessage)
		}
	}
	fmt.Println("")

	if root != "" {
		files, err := globalStore.CountFileRecords(root)
		if err != nil {
			return fmt.Errorf("counting file records: %w", err)
		}
		size, err := globalStore.SumFileSize(root)
		if err != nil {
			return fmt.Errorf("summing file sizes: %w", err)
		}
		fmt.Printf("%d files (%s) written by patcher in %s\n\n", files, humanize.IBytes(uint64(size)), root)
	}
	return nil
}

func printFailed(root string) error {
	failed, err := globalStore.ListFailedFiles(root)
	if err != nil {
		return fmt.Errorf("listing failed files: %w", err)
	}

	if len(failed) == 0 {
		fmt.Println("No unresolved failures")
		return nil
	}

	fmt.Printf("Unresolved Failures (%d)\n", len(failed))
	fmt.Println("========================")
	for _, f := range failed {
		fmt.Printf("  %s  (%d attempts, last %s)\n", f.FilePath, f.RetryCount, humanize.Time(f.LastFailure))
		fmt.Printf("    %s\n", f.Error)
	}
	fmt.Println("")
	fmt.Println("Run 'patcher retry' to try these files again.")
	return nil
}

func shortID(uid string) string {
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}
