package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"

	"github.com/BadgerOps/patcher/internal/download"
	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/plan"
	"github.com/BadgerOps/patcher/internal/store"
)

// recorder persists one run to the store. Every method is a no-op when no
// store is configured.
type recorder struct {
	store  *store.Store
	logger *slog.Logger
	clock  clockwork.Clock
	run    *store.Run
}

func (r *Reconciler) startRecord(uid, root, mode, location string, start time.Time) (*recorder, error) {
	rec := &recorder{
		store:  r.store,
		logger: r.logger,
		clock:  r.clock,
		run: &store.Run{
			UID:              uid,
			Root:             root,
			Mode:             mode,
			ManifestLocation: location,
			StartTime:        start,
			Status:           store.StatusRunning,
		},
	}
	if r.store == nil {
		return rec, nil
	}
	if err := r.store.CreateRun(rec.run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	return rec, nil
}

func (rec *recorder) fail(err error) {
	rec.close(store.StatusFailed, err.Error())
}

func (rec *recorder) cancel(err error) {
	rec.close(store.StatusCancelled, err.Error())
}

func (rec *recorder) close(status, msg string) {
	if rec.store == nil {
		return
	}
	rec.run.Status = status
	rec.run.ErrorMessage = msg
	rec.run.EndTime = rec.clock.Now()
	if err := rec.store.UpdateRun(rec.run); err != nil {
		rec.logger.Error("failed to update run record", "run_id", rec.run.UID, "error", err)
	}
}

// finish stores the final counts. With track set it also records applied
// files and maintains the failed-file queue.
func (rec *recorder) finish(ctx context.Context, p *plan.Plan, res *plan.Result, results []download.Result, track bool) {
	if rec.store == nil {
		return
	}
	rec.run.FilesAdded = res.Added
	rec.run.FilesUpdated = res.Updated
	rec.run.FilesSkipped = res.Skipped
	rec.run.FilesFailed = len(res.Failed)
	rec.run.BytesTransferred = res.BytesTransferred

	if track {
		rec.track(p, results)
	}

	switch {
	case ctx.Err() != nil:
		rec.close(store.StatusCancelled, "interrupted")
	case len(res.Failed) > 0:
		rec.close(store.StatusPartial, fmt.Sprintf("%d files failed", len(res.Failed)))
	default:
		rec.close(store.StatusSuccess, "")
	}
}

func (rec *recorder) track(p *plan.Plan, results []download.Result) {
	now := rec.clock.Now()
	root := rec.run.Root

	for _, result := range results {
		path := result.Job.Path
		if result.Success {
			fileRec := &store.FileRecord{
				Root:      root,
				Path:      path,
				Size:      result.Fetch.Size,
				Hash:      result.Fetch.Digest.String(),
				Source:    result.Fetch.Source,
				AppliedAt: now,
				RunID:     rec.run.ID,
			}
			if err := rec.store.UpsertFileRecord(fileRec); err != nil {
				rec.logger.Error("failed to upsert file record", "path", path, "error", err)
			}
			if err := rec.store.ResolveFailedFile(root, path); err != nil {
				rec.logger.Error("failed to resolve failed file", "path", path, "error", err)
			}
			continue
		}

		ff := failedFile(result)
		rec.addFailed(&store.FailedFileRecord{
			Root:         root,
			FilePath:     path,
			Source:       ff.Source,
			ExpectedHash: result.Job.Expected.String(),
			ExpectedSize: result.Job.ExpectedSize,
			Error:        ff.Error,
			LastFailure:  now,
		})
	}

	for _, a := range p.ByKind(plan.ActionError) {
		rec.addFailed(&store.FailedFileRecord{
			Root:         root,
			FilePath:     a.Path(),
			ExpectedHash: a.Entry.Hash.String(),
			ExpectedSize: a.Entry.Size,
			Error:        a.Reason,
			LastFailure:  now,
		})
	}

	// Queue entries whose files turned out current need no retry.
	queued, err := rec.store.ListFailedFiles(root)
	if err != nil {
		rec.logger.Error("failed to list failed files", "error", err)
		return
	}
	current := make(map[string]bool)
	for _, a := range p.ByKind(plan.ActionSkip) {
		if a.Reason == plan.ReasonUpToDate {
			current[a.Path()] = true
		}
	}
	for _, q := range queued {
		if current[q.FilePath] {
			if err := rec.store.ResolveFailedFile(root, q.FilePath); err != nil {
				rec.logger.Error("failed to resolve failed file", "path", q.FilePath, "error", err)
			}
		}
	}
}

func (rec *recorder) addFailed(f *store.FailedFileRecord) {
	if err := rec.store.AddFailedFile(f); err != nil {
		rec.logger.Error("failed to add failed file record", "path", f.FilePath, "error", err)
	}
}

// resolveUnknown drops queued failures for paths the manifest no longer
// lists.
func (rec *recorder) resolveUnknown(m *manifest.Manifest, paths map[string]bool) {
	if rec.store == nil {
		return
	}
	for path := range paths {
		if _, ok := m.Lookup(path); ok {
			continue
		}
		rec.logger.Warn("failed file no longer in manifest", "path", path)
		if err := rec.store.ResolveFailedFile(rec.run.Root, path); err != nil {
			rec.logger.Error("failed to resolve failed file", "path", path, "error", err)
		}
	}
}

// checkVersion compares the manifest version with the last one applied to
// root. Versions that do not parse are only compared for equality.
func (r *Reconciler) checkVersion(root, current string) {
	if r.store == nil || current == "" {
		return
	}
	last, err := r.store.LastAppliedVersion(root)
	if err != nil {
		r.logger.Warn("could not read last applied version", "error", err)
		return
	}
	if last == "" {
		return
	}

	cur, err1 := version.NewVersion(current)
	prev, err2 := version.NewVersion(last)
	if err1 != nil || err2 != nil {
		if current != last {
			r.logger.Info("manifest version changed", "from", last, "to", current)
		}
		return
	}

	switch {
	case cur.LessThan(prev):
		r.logger.Warn("manifest is older than the last applied version", "last_applied", last, "manifest", current)
	case cur.Equal(prev):
		r.logger.Info("manifest version already applied, verifying files", "version", current)
	default:
		r.logger.Info("upgrading", "from", last, "to", current)
	}
}
