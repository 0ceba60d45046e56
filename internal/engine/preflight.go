package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"

	"github.com/BadgerOps/patcher/internal/plan"
)

// ErrInsufficientSpace is wrapped by a FatalIOError when the target
// filesystem cannot hold the pending transfers.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// FatalIOError aborts a run before any transfer starts.
type FatalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *FatalIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FatalIOError) Unwrap() error { return e.Err }

// preflight checks that root is writable and has room for the plan.
func (r *Reconciler) preflight(root string, p *plan.Plan) error {
	if err := r.fs.MkdirAll(root, 0o755); err != nil {
		return &FatalIOError{Op: "create root", Path: root, Err: err}
	}

	tmp, err := afero.TempFile(r.fs, root, ".patcher-preflight-*")
	if err != nil {
		return &FatalIOError{Op: "write to root", Path: root, Err: err}
	}
	name := tmp.Name()
	tmp.Close()
	if err := r.fs.Remove(name); err != nil {
		r.logger.Warn("failed to remove preflight file", "path", name, "error", err)
	}

	need := requiredSpace(p)
	if need <= 0 {
		return nil
	}
	free, err := r.diskFree(root)
	if err != nil {
		r.logger.Warn("could not determine free disk space", "path", root, "error", err)
		return nil
	}
	if free < uint64(need) {
		return &FatalIOError{
			Op:   "check disk space",
			Path: root,
			Err: fmt.Errorf("%w: need %s, have %s",
				ErrInsufficientSpace, humanize.IBytes(uint64(need)), humanize.IBytes(free)),
		}
	}
	r.logger.Debug("preflight passed", "root", root, "need", need, "free", free)
	return nil
}

// requiredSpace is the net growth of the plan plus the largest replaced
// file, since an update's temp file sits beside the old copy until rename.
func requiredSpace(p *plan.Plan) int64 {
	need := p.Summary().DiskChange
	if need < 0 {
		need = 0
	}
	var largest int64
	for _, a := range p.Pending() {
		if a.LocalExists && a.Entry.Size > largest {
			largest = a.Entry.Size
		}
	}
	return need + largest
}

// osDiskFree reports free space on the filesystem holding path, walking up
// to the nearest existing directory.
func osDiskFree(path string) (uint64, error) {
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.Free, nil
}
