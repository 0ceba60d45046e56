package plan

import (
	"fmt"
	"time"

	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/scan"
)

// Reasons attached to actions that callers match on.
const (
	ReasonMissing     = "missing"
	ReasonUpToDate    = "up to date"
	ReasonNotSelected = "not selected"
	ReasonForced      = "forced"
)

// Options adjusts how Diff classifies entries.
type Options struct {
	// Force transfers every entry that is not an Error, even when it matches.
	Force bool
	// VerifyOnly reports stale entries as ActionVerifyOnly instead of
	// scheduling a transfer.
	VerifyOnly bool
	// Only restricts the plan to these paths; every other entry is a Skip
	// with reason "not selected". Nil means all entries.
	Only map[string]bool
	// Provider is recorded on the plan for display.
	Provider manifest.Provider
}

// Diff compares each manifest entry with its scanned state and returns one
// action per entry, in manifest order. Checks run cheapest first; a file is
// only hashed when its size already matches.
func Diff(m *manifest.Manifest, states scan.States, opts Options) *Plan {
	entries := m.Entries()
	p := &Plan{
		Version:   m.Version(),
		Provider:  opts.Provider,
		Actions:   make([]Action, 0, len(entries)),
		Timestamp: time.Now(),
	}
	for _, e := range entries {
		p.Actions = append(p.Actions, classify(e, states[e.Path], opts))
	}
	return p
}

func classify(e manifest.Entry, st *scan.FileState, opts Options) Action {
	a := Action{Entry: e}
	if opts.Only != nil && !opts.Only[e.Path] {
		a.Kind, a.Reason = ActionSkip, ReasonNotSelected
		return a
	}

	a.Kind, a.Reason = compare(e, st, &a)
	if opts.Force && a.Kind == ActionSkip {
		a.Kind, a.Reason = ActionUpdate, ReasonForced
	}
	if opts.VerifyOnly && a.Kind.Pending() {
		a.Kind = ActionVerifyOnly
	}
	return a
}

func compare(e manifest.Entry, st *scan.FileState, a *Action) (ActionKind, string) {
	switch {
	case st == nil:
		return ActionAdd, ReasonMissing
	case st.IsUnreadable():
		return ActionError, st.Unreadable
	case !st.Exists:
		return ActionAdd, ReasonMissing
	}

	a.LocalExists = true
	if st.Symlink {
		return ActionUpdate, "symbolic link"
	}
	a.LocalSize = st.Size
	if st.Size != e.Size {
		return ActionUpdate, fmt.Sprintf("size mismatch (have %d, want %d)", st.Size, e.Size)
	}

	sum, err := st.Digest(e.Hash.Algorithm)
	if err != nil {
		return ActionError, fmt.Sprintf("hashing local file: %v", err)
	}
	if !sum.Equal(e.Hash) {
		return ActionUpdate, "hash mismatch"
	}
	return ActionSkip, ReasonUpToDate
}
