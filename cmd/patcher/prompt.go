package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/BadgerOps/patcher/internal/engine"
	"github.com/BadgerOps/patcher/internal/plan"
)

// confirmPlan asks "Is this ok [y/N]" on out and reads the answer from in.
// Anything other than y or yes declines. Without a terminal the plan is
// declined unless the caller skipped confirmation with --yes.
func confirmPlan(in io.Reader, out io.Writer, interactive bool) engine.Confirmer {
	return func(p *plan.Plan) (bool, error) {
		if !interactive {
			fmt.Fprintln(out, "Not applying: stdin is not a terminal. Re-run with --yes to apply without confirmation.")
			return false, nil
		}

		fmt.Fprint(out, "Is this ok [y/N]: ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("reading answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			fmt.Fprintln(out, "Operation aborted.")
			return false, nil
		}
	}
}
