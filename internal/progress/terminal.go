package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/BadgerOps/patcher/internal/plan"
)

const (
	maxFilenameLength = 20
	progressBarWidth  = 20
	redrawInterval    = 100 * time.Millisecond
)

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// RendererOptions controls terminal output.
type RendererOptions struct {
	// Color enables green/yellow/red highlighting.
	Color bool
	// Interactive redraws a live progress line; otherwise only one line per
	// finished file is written.
	Interactive bool
	// Quiet suppresses the overview and per-file lines; failures and the
	// final summary are still written.
	Quiet bool
}

// Renderer is a Sink that writes the plan overview, progress lines, and the
// final report to a terminal or log stream.
type Renderer struct {
	w    io.Writer
	opts RendererOptions

	green  *color.Color
	yellow *color.Color
	red    *color.Color
	bold   *color.Color

	lastDraw time.Time
	liveLine bool
}

// NewRenderer returns a Renderer writing to w.
func NewRenderer(w io.Writer, opts RendererOptions) *Renderer {
	r := &Renderer{
		w:      w,
		opts:   opts,
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		bold:   color.New(color.Bold),
	}
	for _, c := range []*color.Color{r.green, r.yellow, r.red, r.bold} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Handle implements Sink.
func (r *Renderer) Handle(ev Event, snap Snapshot) {
	switch ev.Kind {
	case EventPlanReady:
		if !r.opts.Quiet && ev.Plan != nil {
			r.Overview(ev.Plan)
		}
	case EventFileProgress:
		if r.opts.Quiet || !r.opts.Interactive || snap.Current == nil {
			return
		}
		if ev.Time.Sub(r.lastDraw) < redrawInterval && ev.Done < ev.Total {
			return
		}
		r.lastDraw = ev.Time
		fmt.Fprint(r.w, "\r\x1b[2K"+r.progressLine(*snap.Current, snap))
		r.liveLine = true
	case EventFileCompleted:
		if snap.Current == nil {
			return
		}
		failed := !ev.Outcome.Succeeded()
		if r.opts.Quiet && !failed {
			return
		}
		r.clearLive()
		if failed {
			fmt.Fprintln(r.w, r.failedLine(*snap.Current, snap))
			return
		}
		fmt.Fprintln(r.w, r.completeLine(*snap.Current, snap))
	case EventRunCompleted:
		r.clearLive()
		if ev.Result != nil {
			r.Report(ev.Result)
		}
	}
}

func (r *Renderer) clearLive() {
	if r.liveLine {
		fmt.Fprint(r.w, "\r\x1b[2K")
		r.liveLine = false
	}
}

// Overview prints the plan the way it is shown before confirmation: file
// lists by state followed by the transaction summary.
func (r *Renderer) Overview(p *plan.Plan) {
	var upToDate, outdated, missing, unreadable []plan.Action
	verifyOnly := false
	for _, a := range p.Actions {
		switch a.Kind {
		case plan.ActionSkip:
			if a.Reason != "not selected" {
				upToDate = append(upToDate, a)
			}
		case plan.ActionError:
			unreadable = append(unreadable, a)
		case plan.ActionVerifyOnly:
			verifyOnly = true
			fallthrough
		default:
			if a.LocalExists {
				outdated = append(outdated, a)
			} else {
				missing = append(missing, a)
			}
		}
	}

	fmt.Fprintln(r.w, "\nManifest Overview:")
	fmt.Fprintf(r.w, " Version: %s\n", p.Version)
	if p.Provider != "" {
		fmt.Fprintf(r.w, " Server: %s\n", p.Provider.DisplayName())
	}

	fmt.Fprintf(r.w, "\n %s\n", r.green.Sprint("Up-to-date files:"))
	for _, a := range upToDate {
		fmt.Fprintf(r.w, "  %s\n", r.green.Sprint(a.Path()))
	}

	outdatedHeader, missingHeader := "Outdated files (will be updated):", "Missing files (will be downloaded):"
	if verifyOnly {
		outdatedHeader, missingHeader = "Outdated files:", "Missing files:"
	}
	fmt.Fprintf(r.w, "\n %s\n", r.yellow.Sprint(outdatedHeader))
	for _, a := range outdated {
		fmt.Fprintf(r.w, "  %s\n", r.yellow.Sprint(a.Path()))
	}
	fmt.Fprintf(r.w, "\n %s\n", r.red.Sprint(missingHeader))
	for _, a := range missing {
		fmt.Fprintf(r.w, "  %s\n", r.red.Sprint(a.Path()))
	}

	if len(unreadable) > 0 {
		fmt.Fprintf(r.w, "\n %s\n", r.red.Sprint("Unreadable files (will be left untouched):"))
		for _, a := range unreadable {
			fmt.Fprintf(r.w, "  %s: %s\n", r.red.Sprint(a.Path()), a.Reason)
		}
	}

	s := p.Summary()
	if s.Pending == 0 {
		if !verifyOnly {
			fmt.Fprintln(r.w, "\nNothing to do.")
		}
		return
	}

	fmt.Fprintln(r.w, "\nTransaction Summary:")
	fmt.Fprintf(r.w, " Installing/Updating: %d files\n", s.Pending)
	size := humanize.IBytes(uint64(s.DownloadSize))
	fmt.Fprintf(r.w, "\nTotal size of inbound files is %s. Need to download %s.\n", size, size)
	if s.DiskChange > 0 {
		fmt.Fprintf(r.w, "After this operation, %s of additional disk space will be used.\n", humanize.IBytes(uint64(s.DiskChange)))
	} else {
		fmt.Fprintf(r.w, "After this operation, %s of disk space will be freed.\n", humanize.IBytes(uint64(-s.DiskChange)))
	}
}

// Report prints the final transaction result, listing every failure.
func (r *Renderer) Report(res *plan.Result) {
	fmt.Fprintln(r.w, "\nTransaction Result:")
	fmt.Fprintf(r.w, " Added: %d  Updated: %d  Skipped: %d  Failed: %s\n",
		res.Added, res.Updated, res.Skipped, r.failCount(len(res.Failed)))
	fmt.Fprintf(r.w, " Transferred %s in %s\n",
		humanize.Bytes(uint64(res.BytesTransferred)), res.Elapsed().Round(100*time.Millisecond))
	if res.Stale > 0 {
		fmt.Fprintf(r.w, " %s\n", r.yellow.Sprintf("%d files out of date", res.Stale))
	}

	if len(res.Failed) == 0 {
		return
	}
	fmt.Fprintf(r.w, "\n %s\n", r.red.Sprint("Failed files:"))
	for _, f := range res.Failed {
		fmt.Fprintf(r.w, "  %s: %s\n", r.red.Sprint(f.Path), f.Error)
	}
}

func (r *Renderer) failCount(n int) string {
	if n == 0 {
		return "0"
	}
	return r.red.Sprint(strconv.Itoa(n))
}

func (r *Renderer) prefix(fs FileState, snap Snapshot) string {
	total := strconv.Itoa(snap.FilesTotal)
	return fmt.Sprintf("[%*d/%s] %-*s", len(total), fs.Index, total, maxFilenameLength-1, truncateFilename(fs.Path))
}

func (r *Renderer) progressLine(fs FileState, snap Snapshot) string {
	var pct float64
	if fs.Total > 0 {
		pct = float64(fs.Done) / float64(fs.Total) * 100
	}
	return fmt.Sprintf("%s %s %5.1f%% | %-8s/s | %s | Left: %s | ETA: %s",
		r.prefix(fs, snap),
		progressBar(fs.Done, fs.Total),
		pct,
		humanize.Bytes(uint64(snap.BytesPerSecond)),
		humanize.Bytes(uint64(fs.Total)),
		humanize.Bytes(uint64(snap.BytesLeft())),
		FormatETA(snap.ETA),
	)
}

func (r *Renderer) completeLine(fs FileState, snap Snapshot) string {
	return fmt.Sprintf("%s %s 100%% (complete) | %s | Left: %s | ETA: %s",
		r.prefix(fs, snap),
		progressBar(1, 1),
		humanize.Bytes(uint64(fs.Total)),
		humanize.Bytes(uint64(snap.BytesLeft())),
		FormatETA(snap.ETA),
	)
}

func (r *Renderer) failedLine(fs FileState, snap Snapshot) string {
	label := "FAILED"
	if fs.Outcome == OutcomeCancelled {
		label = "CANCELLED"
	}
	line := fmt.Sprintf("%s %s", r.prefix(fs, snap), r.red.Sprint(label))
	if fs.Err != "" {
		line += ": " + fs.Err
	}
	return line
}

// FormatETA renders d as "1h01m01s", "1m01s" or "30s". Unknown, zero and
// estimates beyond a day print as "--".
func FormatETA(d time.Duration) string {
	if d <= 0 || d > 24*time.Hour {
		return "--"
	}
	secs := int(d / time.Second)
	h, m, s := secs/3600, secs%3600/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// truncateFilename pads short names to a fixed width and cuts long ones
// with an ellipsis.
func truncateFilename(name string) string {
	if len(name) <= maxFilenameLength {
		return fmt.Sprintf("%-*s", maxFilenameLength, name)
	}
	return name[:maxFilenameLength-3] + "..."
}

func progressBar(current, total int64) string {
	filled := 0
	if total > 0 {
		filled = int(float64(current) / float64(total) * progressBarWidth)
	}
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("-", filled) + strings.Repeat(" ", progressBarWidth-filled) + "]"
}
