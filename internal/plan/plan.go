// Package plan computes the transaction plan that reconciles a target
// directory with a manifest.
package plan

import (
	"time"

	"github.com/BadgerOps/patcher/internal/manifest"
)

// ActionKind represents what to do with a file during a run
type ActionKind string

const (
	ActionSkip   ActionKind = "skip"
	ActionAdd    ActionKind = "add"
	ActionUpdate ActionKind = "update"
	// ActionVerifyOnly reports a stale or missing file without transferring it.
	ActionVerifyOnly ActionKind = "verify"
	ActionError      ActionKind = "error"
)

// Pending reports whether the action transfers a file.
func (k ActionKind) Pending() bool {
	return k == ActionAdd || k == ActionUpdate
}

// Action is the planned operation for one manifest entry.
type Action struct {
	Kind   ActionKind
	Entry  manifest.Entry
	Reason string // human-readable reason (e.g. "missing", "hash mismatch")
	// LocalSize is the size observed on disk, zero when absent.
	LocalSize int64
	// LocalExists records whether the path existed during the scan.
	LocalExists bool
}

// Path is the entry's relative path.
func (a Action) Path() string { return a.Entry.Path }

// Plan is the ordered list of actions, one per manifest entry, in manifest
// order. It is not modified once built.
type Plan struct {
	Version   string
	Provider  manifest.Provider // mirror that transfers prefer
	Actions   []Action
	Timestamp time.Time
}

// Pending returns the actions that transfer a file, in plan order.
func (p *Plan) Pending() []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Kind.Pending() {
			out = append(out, a)
		}
	}
	return out
}

// ByKind returns the actions of the given kind, in plan order.
func (p *Plan) ByKind(kind ActionKind) []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Summary is the overview shown before confirmation.
type Summary struct {
	Total      int
	Skip       int
	Add        int
	Update     int
	VerifyOnly int
	Error      int
	// Pending is the number of files that will be transferred.
	Pending int
	// DownloadSize is the sum of expected sizes over pending files.
	DownloadSize int64
	// DiskChange is the net change in bytes on disk once pending files are
	// written; negative when the run frees space.
	DiskChange int64
}

// Summary tallies the plan.
func (p *Plan) Summary() Summary {
	s := Summary{Total: len(p.Actions)}
	for _, a := range p.Actions {
		switch a.Kind {
		case ActionSkip:
			s.Skip++
		case ActionAdd:
			s.Add++
		case ActionUpdate:
			s.Update++
		case ActionVerifyOnly:
			s.VerifyOnly++
		case ActionError:
			s.Error++
		}
		if a.Kind.Pending() {
			s.Pending++
			s.DownloadSize += a.Entry.Size
			s.DiskChange += a.Entry.Size - a.LocalSize
		}
	}
	return s
}

// NothingToDo reports whether executing the plan would not touch the disk.
func (p *Plan) NothingToDo() bool {
	for _, a := range p.Actions {
		if a.Kind.Pending() {
			return false
		}
	}
	return true
}

// FailedFile records a file that could not be brought up to date
type FailedFile struct {
	Path     string
	Source   string
	Error    string
	Attempts int
}

// Result is the outcome of executing a plan.
type Result struct {
	RunID            string
	Skipped          int
	Added            int
	Updated          int
	Failed           []FailedFile
	// Stale counts pending actions left unapplied by a verify or dry run.
	Stale            int
	BytesTransferred int64
	StartTime        time.Time
	EndTime          time.Time
}

// Elapsed is the wall time of the execution phase.
func (r *Result) Elapsed() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Success reports whether every file is now up to date.
func (r *Result) Success() bool { return len(r.Failed) == 0 }
