package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/patcher/internal/engine"
)

var (
	retryFlags targetFlags
	retryYes   bool
)

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry files that failed in earlier runs",
		Long: `Re-run the manifest restricted to the files recorded as failed for the
target root. Files that are now current are marked resolved; files that are
no longer listed in the manifest are dropped from the queue.

Requires the run history store (store.enabled).`,
		Example: `  patcher retry --root ./game
  patcher retry --root ./game --provider digitalocean --yes`,
		RunE: retryRun,
	}

	addTargetFlags(cmd, &retryFlags)
	cmd.Flags().BoolVarP(&retryYes, "yes", "y", false, "apply without asking for confirmation")

	return cmd
}

func retryRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("reconciler not initialized")
	}

	opts, err := runOptions(retryFlags)
	if err != nil {
		return err
	}
	if !retryYes {
		opts.Confirm = confirmPlan(os.Stdin, os.Stdout, stdinIsTerminal())
	}

	res, err := globalEngine.Retry(cmd.Context(), opts)
	if errors.Is(err, engine.ErrNothingToRetry) {
		fmt.Println("Nothing to retry:", err)
		return nil
	}
	if err != nil {
		return err
	}
	return resultError(cmd, res)
}
