// Package engine drives a reconcile run: load the manifest, scan the target
// root, diff, confirm, and apply the plan through the transfer pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/BadgerOps/patcher/internal/download"
	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/mirror"
	"github.com/BadgerOps/patcher/internal/plan"
	"github.com/BadgerOps/patcher/internal/progress"
	"github.com/BadgerOps/patcher/internal/safety"
	"github.com/BadgerOps/patcher/internal/scan"
	"github.com/BadgerOps/patcher/internal/store"
)

var (
	// ErrCancelled is returned when the plan was declined at confirmation.
	ErrCancelled = errors.New("operation cancelled by user")
	// ErrNoStore is returned by operations that need run history when no
	// store is configured.
	ErrNoStore = errors.New("run history store is not configured")
	// ErrNothingToRetry is returned by Retry when no unresolved failures are
	// recorded for the root.
	ErrNothingToRetry = errors.New("no failed files recorded")
)

// Phase is the reconciler's position in a run.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseManifestLoaded Phase = "manifest_loaded"
	PhaseScanned        Phase = "scanned"
	PhasePlanned        Phase = "planned"
	PhaseConfirmed      Phase = "confirmed"
	PhaseCancelled      Phase = "cancelled"
	PhaseExecuting      Phase = "executing"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// Run modes recorded in history.
const (
	ModeApply  = "apply"
	ModePlan   = "plan"
	ModeVerify = "verify"
	ModeRetry  = "retry"
)

// Confirmer decides whether a plan with pending work is applied.
type Confirmer func(p *plan.Plan) (bool, error)

// Options wires a Reconciler's collaborators. Client and Scanner are
// required; everything else is optional.
type Options struct {
	Client      *download.Client
	Scanner     *scan.Scanner
	Store       *store.Store
	SpeedTester *mirror.SpeedTester
	// HTTPClient fetches manifest documents.
	HTTPClient *http.Client
	Fs         afero.Fs
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// DiskFree reports free bytes for the filesystem holding path. Nil
	// queries the OS.
	DiskFree func(path string) (uint64, error)
}

// RunOptions controls one reconcile run.
type RunOptions struct {
	Manifest   string // file path or http(s) URL
	Root       string
	Provider   manifest.Provider
	Workers    int
	RetryCount int // attempts per file; 0 keeps the pool default
	Force      bool
	DryRun     bool
	VerifyOnly bool
	Confirm    Confirmer // nil applies without asking
	Sink       progress.Sink

	only map[string]bool
	mode string
}

func (o RunOptions) runMode() string {
	switch {
	case o.mode != "":
		return o.mode
	case o.VerifyOnly:
		return ModeVerify
	case o.DryRun:
		return ModePlan
	default:
		return ModeApply
	}
}

// Reconciler brings a target root in line with a manifest.
type Reconciler struct {
	client      *download.Client
	scanner     *scan.Scanner
	store       *store.Store
	speedTester *mirror.SpeedTester
	httpClient  *http.Client
	fs          afero.Fs
	clock       clockwork.Clock
	logger      *slog.Logger
	diskFree    func(path string) (uint64, error)

	mu    sync.Mutex
	phase Phase
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	r := &Reconciler{
		client:      opts.Client,
		scanner:     opts.Scanner,
		store:       opts.Store,
		speedTester: opts.SpeedTester,
		httpClient:  opts.HTTPClient,
		fs:          opts.Fs,
		clock:       opts.Clock,
		logger:      opts.Logger,
		diskFree:    opts.DiskFree,
		phase:       PhaseIdle,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.httpClient == nil {
		r.httpClient = safety.NewHTTPClient(0)
	}
	if r.diskFree == nil {
		r.diskFree = osDiskFree
	}
	if r.client == nil {
		r.client = download.NewClient(r.logger, download.WithFs(r.fs))
	}
	if r.scanner == nil {
		r.scanner = scan.NewScanner(r.fs, scan.Options{}, r.logger)
	}
	return r
}

// Phase returns the current phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Reconciler) setPhase(p Phase) {
	r.mu.Lock()
	prev := r.phase
	r.phase = p
	r.mu.Unlock()
	r.logger.Debug("phase transition", "from", prev, "to", p)
}

// Run performs one reconcile pass. A non-nil error means the run was
// aborted before any file was touched: manifest or scan failure, failed
// preflight, or a declined confirmation (ErrCancelled). Per-file transfer
// failures are reported in the Result instead.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*plan.Result, error) {
	r.setPhase(PhaseIdle)

	if opts.Root == "" {
		r.setPhase(PhaseFailed)
		return nil, errors.New("target root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		r.setPhase(PhaseFailed)
		return nil, fmt.Errorf("resolving root %s: %w", opts.Root, err)
	}

	start := r.clock.Now()
	runID := uuid.NewString()
	mode := opts.runMode()
	logger := r.logger.With("run_id", runID, "root", root)
	logger.Info("starting run", "mode", mode, "manifest", opts.Manifest)

	rec, err := r.startRecord(runID, root, mode, opts.Manifest, start)
	if err != nil {
		r.setPhase(PhaseFailed)
		return nil, err
	}

	m, err := r.loadManifest(ctx, opts.Manifest)
	if err != nil {
		return nil, r.abort(rec, err)
	}
	r.setPhase(PhaseManifestLoaded)
	rec.run.ManifestVersion = m.Version()
	logger.Info("manifest loaded", "version", m.Version(), "entries", m.Len(), "total_size", m.TotalSize())
	r.checkVersion(root, m.Version())

	provider := r.chooseProvider(ctx, m, opts.Provider)
	rec.run.Provider = string(provider)
	logger.Info("using mirror", "provider", provider, "name", provider.DisplayName())

	if opts.only != nil {
		rec.resolveUnknown(m, opts.only)
	}

	states, err := r.scanner.Scan(ctx, root, m)
	if err != nil {
		return nil, r.abort(rec, fmt.Errorf("scanning %s: %w", root, err))
	}
	r.setPhase(PhaseScanned)

	p := plan.Diff(m, states, plan.Options{
		Force:      opts.Force,
		VerifyOnly: opts.VerifyOnly,
		Only:       opts.only,
		Provider:   provider,
	})
	p.Timestamp = start
	r.setPhase(PhasePlanned)

	summary := p.Summary()
	logger.Info("plan ready",
		"skip", summary.Skip,
		"add", summary.Add,
		"update", summary.Update,
		"verify", summary.VerifyOnly,
		"error", summary.Error,
		"download_size", summary.DownloadSize,
	)

	agg := progress.NewAggregator(opts.Sink, r.clock)
	defer agg.Close()
	agg.Emit(progress.PlanReady(p))
	// The overview must be on screen before any confirmation prompt.
	agg.Flush()

	res := &plan.Result{
		RunID:     runID,
		StartTime: start,
		Skipped:   summary.Skip,
		Failed:    planErrors(p),
	}

	if opts.DryRun || opts.VerifyOnly || summary.Pending == 0 {
		res.Stale = summary.Pending + summary.VerifyOnly
		res.EndTime = r.clock.Now()
		r.setPhase(PhaseDone)
		agg.Emit(progress.RunCompleted(res))
		rec.finish(ctx, p, res, nil, mode == ModeApply || mode == ModeRetry)
		return res, nil
	}

	if opts.Confirm != nil {
		ok, err := opts.Confirm(p)
		if err != nil {
			return nil, r.abort(rec, fmt.Errorf("confirmation: %w", err))
		}
		if !ok {
			r.setPhase(PhaseCancelled)
			rec.cancel(ErrCancelled)
			logger.Info("plan declined")
			return nil, ErrCancelled
		}
	}
	r.setPhase(PhaseConfirmed)

	if err := r.preflight(root, p); err != nil {
		return nil, r.abort(rec, err)
	}

	r.setPhase(PhaseExecuting)
	results := r.execute(ctx, root, provider, p, opts, agg, res)
	res.EndTime = r.clock.Now()
	r.setPhase(PhaseDone)

	agg.Emit(progress.RunCompleted(res))
	rec.finish(ctx, p, res, results, true)

	logger.Info("run completed",
		"added", res.Added,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"failed", len(res.Failed),
		"bytes_transferred", res.BytesTransferred,
		"duration", res.Elapsed(),
	)
	return res, nil
}

// Retry re-runs the manifest restricted to the unresolved failures recorded
// for the root. Records whose files end up current are resolved.
func (r *Reconciler) Retry(ctx context.Context, opts RunOptions) (*plan.Result, error) {
	if r.store == nil {
		return nil, ErrNoStore
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", opts.Root, err)
	}

	failed, err := r.store.ListFailedFiles(root)
	if err != nil {
		return nil, fmt.Errorf("listing failed files: %w", err)
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNothingToRetry, root)
	}

	opts.only = make(map[string]bool, len(failed))
	for _, f := range failed {
		opts.only[f.FilePath] = true
	}
	opts.mode = ModeRetry
	opts.DryRun = false
	opts.VerifyOnly = false

	r.logger.Info("retrying failed files", "root", root, "count", len(failed))
	return r.Run(ctx, opts)
}

func (r *Reconciler) abort(rec *recorder, err error) error {
	r.setPhase(PhaseFailed)
	rec.fail(err)
	r.logger.Error("run aborted", "error", err)
	return err
}

func (r *Reconciler) loadManifest(ctx context.Context, location string) (*manifest.Manifest, error) {
	loc, err := manifest.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	m, err := manifest.FetchAndLoad(ctx, loc, r.httpClient)
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", loc, err)
	}
	return m, nil
}

func (r *Reconciler) chooseProvider(ctx context.Context, m *manifest.Manifest, want manifest.Provider) manifest.Provider {
	if want == "" {
		want = manifest.None
	}
	if want != manifest.Auto {
		return want
	}
	if r.speedTester == nil {
		r.logger.Debug("no mirror speed tester configured, using origin")
		return manifest.None
	}
	chosen, _ := r.speedTester.Fastest(ctx, m)
	return chosen
}

func (r *Reconciler) execute(
	ctx context.Context,
	root string,
	provider manifest.Provider,
	p *plan.Plan,
	opts RunOptions,
	agg *progress.Aggregator,
	res *plan.Result,
) []download.Result {
	pending := p.Pending()
	kinds := make(map[string]plan.ActionKind, len(pending))
	jobs := make([]download.Job, 0, len(pending))

	for _, a := range pending {
		dest, err := safety.SafeJoinUnder(root, a.Path())
		if err == nil {
			dest, err = safety.EnsureResolvedUnderRoot(root, dest)
		}
		if err != nil {
			r.logger.Error("refusing destination", "path", a.Path(), "error", err)
			res.Failed = append(res.Failed, plan.FailedFile{Path: a.Path(), Error: err.Error()})
			agg.Emit(progress.FileCompleted(a.Path(), progress.OutcomeFailed, err.Error()))
			continue
		}
		kinds[a.Path()] = a.Kind
		jobs = append(jobs, download.Job{
			Path:         a.Path(),
			Sources:      a.Entry.SourcesFor(provider),
			DestPath:     dest,
			Expected:     a.Entry.Hash,
			ExpectedSize: a.Entry.Size,
			Mode:         a.Entry.FileMode(),
		})
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	pool := download.NewPool(r.client, workers, r.logger)
	if opts.RetryCount > 0 {
		pool.SetRetryCount(opts.RetryCount)
	}
	pool.OnStart = func(job download.Job) {
		agg.Emit(progress.FileStarted(job.Path, job.ExpectedSize))
	}
	pool.OnProgress = func(job download.Job, done, total int64) {
		agg.Emit(progress.FileProgress(job.Path, done, total))
	}
	pool.OnComplete = func(result download.Result) {
		outcome, msg := outcomeOf(result, kinds[result.Job.Path])
		agg.Emit(progress.FileCompleted(result.Job.Path, outcome, msg))
	}

	results := pool.Execute(ctx, jobs)

	for _, result := range results {
		if result.Success {
			if kinds[result.Job.Path] == plan.ActionAdd {
				res.Added++
			} else {
				res.Updated++
			}
			res.BytesTransferred += result.Fetch.Size
			continue
		}
		res.Failed = append(res.Failed, failedFile(result))
	}
	return results
}

func outcomeOf(result download.Result, kind plan.ActionKind) (progress.Outcome, string) {
	switch {
	case result.Success && kind == plan.ActionAdd:
		return progress.OutcomeAdded, ""
	case result.Success:
		return progress.OutcomeUpdated, ""
	case result.Cancelled():
		return progress.OutcomeCancelled, errString(result.Error)
	default:
		return progress.OutcomeFailed, errString(result.Error)
	}
}

func failedFile(result download.Result) plan.FailedFile {
	ff := plan.FailedFile{
		Path:     result.Job.Path,
		Error:    errString(result.Error),
		Attempts: result.Attempts,
	}
	var fe *download.FetchError
	if errors.As(result.Error, &fe) {
		ff.Source = fe.Source
	}
	if result.Cancelled() {
		ff.Error = "cancelled"
	}
	return ff
}

// planErrors lists the entries the diff could not classify.
func planErrors(p *plan.Plan) []plan.FailedFile {
	var out []plan.FailedFile
	for _, a := range p.ByKind(plan.ActionError) {
		out = append(out, plan.FailedFile{Path: a.Path(), Error: a.Reason})
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
