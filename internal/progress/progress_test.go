package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/patcher/internal/digest"
	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/plan"
)

func testPlan() *plan.Plan {
	entry := func(path string, size int64) manifest.Entry {
		return manifest.Entry{Path: path, Size: size, Hash: digest.Bytes(digest.MD5, []byte(path))}
	}
	return &plan.Plan{
		Version:  "3.3.5",
		Provider: manifest.Cloudflare,
		Actions: []plan.Action{
			{Kind: plan.ActionSkip, Entry: entry("a.txt", 5), Reason: "up to date", LocalExists: true, LocalSize: 5},
			{Kind: plan.ActionUpdate, Entry: entry("b.txt", 100), Reason: "hash mismatch", LocalExists: true, LocalSize: 100},
			{Kind: plan.ActionAdd, Entry: entry("data/c.bin", 300), Reason: "missing"},
		},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	snaps  []Snapshot
}

func (r *recordingSink) Handle(ev Event, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.snaps = append(r.snaps, snap)
}

func TestAggregatorTracksTotals(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	agg := NewAggregator(sink, clock)

	agg.Emit(PlanReady(testPlan()))
	agg.Emit(FileStarted("b.txt", 100))
	agg.Emit(FileStarted("data/c.bin", 300))
	agg.Emit(FileProgress("b.txt", 50, 100))
	clock.Advance(2 * time.Second)
	agg.Emit(FileProgress("data/c.bin", 150, 300))
	agg.Emit(FileCompleted("b.txt", OutcomeUpdated, ""))
	agg.Emit(FileCompleted("data/c.bin", OutcomeFailed, "boom"))

	final := agg.Close()
	require.Len(t, sink.events, 7)

	afterProgress := sink.snaps[4]
	assert.Equal(t, int64(400), afterProgress.BytesTotal)
	assert.Equal(t, int64(200), afterProgress.BytesDone)
	assert.Equal(t, int64(100), afterProgress.BytesPerSecond)
	assert.Equal(t, 2*time.Second, afterProgress.ETA)
	assert.Len(t, afterProgress.InFlight, 2)
	assert.Equal(t, "data/c.bin", afterProgress.Current.Path)
	assert.Equal(t, 2, afterProgress.Current.Index)

	assert.Equal(t, 2, final.FilesTotal)
	assert.Equal(t, 1, final.FilesCompleted)
	assert.Equal(t, 1, final.FilesFailed)
	assert.Equal(t, int64(100), final.BytesTotal, "failed file bytes leave the total")
	assert.Equal(t, int64(100), final.BytesDone)
	assert.Equal(t, float64(100), final.Percent())
	assert.Empty(t, final.InFlight)
}

func TestAggregatorRetryRestart(t *testing.T) {
	agg := NewAggregator(nil, clockwork.NewFakeClock())
	agg.Emit(PlanReady(testPlan()))
	agg.Emit(FileStarted("b.txt", 100))
	agg.Emit(FileProgress("b.txt", 80, 100))
	agg.Emit(FileProgress("b.txt", 10, 100))
	agg.Emit(FileProgress("b.txt", 100, 100))

	final := agg.Close()
	assert.Equal(t, int64(100), final.BytesDone)
	assert.Equal(t, int64(180), final.BytesReceived)
}

func TestAggregatorCancelledBeforeStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	agg := NewAggregator(nil, clock)
	agg.Emit(PlanReady(testPlan()))
	agg.Emit(FileStarted("b.txt", 100))
	agg.Emit(FileProgress("b.txt", 100, 100))
	agg.Emit(FileCompleted("b.txt", OutcomeUpdated, ""))
	agg.Emit(FileCompleted("data/c.bin", OutcomeCancelled, "context canceled"))

	final := agg.Close()
	assert.Equal(t, 1, final.FilesFailed)
	assert.Equal(t, int64(100), final.BytesTotal, "unstarted file bytes leave the total")
	assert.Zero(t, final.BytesLeft())
	assert.Equal(t, float64(100), final.Percent())
	assert.Empty(t, final.InFlight)
}

func TestAggregatorConcurrentEmit(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(sink, nil)
	agg.Emit(PlanReady(testPlan()))

	var wg sync.WaitGroup
	for _, path := range []string{"b.txt", "data/c.bin"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			agg.Emit(FileStarted(path, 10))
			for i := int64(1); i <= 10; i++ {
				agg.Emit(FileProgress(path, i, 10))
			}
			agg.Emit(FileCompleted(path, OutcomeAdded, ""))
		}(path)
	}
	wg.Wait()

	final := agg.Close()
	assert.Equal(t, 2, final.FilesCompleted)
	assert.Len(t, sink.events, 1+2*12)
	assert.Equal(t, final, agg.Close(), "Close is idempotent")
}

func TestRendererOverview(t *testing.T) {
	var buf bytes.Buffer
	NewRenderer(&buf, RendererOptions{}).Overview(testPlan())
	out := buf.String()

	assert.Contains(t, out, "Manifest Overview:")
	assert.Contains(t, out, " Version: 3.3.5")
	assert.Contains(t, out, " Server: Server #1\n")
	assert.Contains(t, out, "Up-to-date files:\n  a.txt\n")
	assert.Contains(t, out, "Outdated files (will be updated):\n  b.txt\n")
	assert.Contains(t, out, "Missing files (will be downloaded):\n  data/c.bin\n")
	assert.Contains(t, out, " Installing/Updating: 2 files")
	assert.Contains(t, out, "Total size of inbound files is 400 B. Need to download 400 B.")
	assert.Contains(t, out, "After this operation, 300 B of additional disk space will be used.")
	assert.NotContains(t, out, "\x1b[", "color disabled")
}

func TestRendererOverviewNothingToDo(t *testing.T) {
	p := &plan.Plan{Version: "1", Actions: []plan.Action{{Kind: plan.ActionSkip, Entry: manifest.Entry{Path: "a"}}}}
	var buf bytes.Buffer
	NewRenderer(&buf, RendererOptions{}).Overview(p)
	assert.Contains(t, buf.String(), "Nothing to do.")
	assert.NotContains(t, buf.String(), "Transaction Summary")
}

func TestRendererProgressLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, RendererOptions{Interactive: true})

	snap := Snapshot{FilesTotal: 12, BytesTotal: 2000, BytesDone: 1000, BytesPerSecond: 500, ETA: 2 * time.Second}
	fs := FileState{Path: "a-very-long-file-name-indeed.bin", Index: 3, Done: 500, Total: 1000}
	snap.Current = &fs

	r.Handle(Event{Kind: EventFileProgress, Path: fs.Path, Done: 500, Total: 1000, Time: time.Now()}, snap)
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "\r\x1b[2K[ 3/12] a-very-long-file-... [----------          ]  50.0% | 500 B"), line)
	assert.Contains(t, line, "| 1.0 kB | Left: 1.0 kB | ETA: 2s")

	buf.Reset()
	fs.Outcome = OutcomeAdded
	r.Handle(FileCompleted(fs.Path, OutcomeAdded, ""), snap)
	assert.Contains(t, buf.String(), "[--------------------] 100% (complete) | 1.0 kB | Left: 1.0 kB")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestFormatETA(t *testing.T) {
	tests := map[time.Duration]string{
		3661 * time.Second:         "1h01m01s",
		61 * time.Second:           "1m01s",
		30 * time.Second:           "30s",
		1500 * time.Millisecond:    "1s",
		0:                          "--",
		-time.Second:               "--",
		24*time.Hour + time.Second: "--",
		24 * time.Hour:             "24h00m00s",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatETA(in), "FormatETA(%v)", in)
	}
}

func TestRendererQuietKeepsFailures(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, RendererOptions{Quiet: true})

	ok := FileState{Path: "ok.txt", Index: 1, Outcome: OutcomeAdded}
	bad := FileState{Path: "bad.txt", Index: 2, Outcome: OutcomeFailed, Err: "http error 404: 404 Not Found"}

	r.Handle(PlanReady(testPlan()), Snapshot{})
	r.Handle(FileCompleted(ok.Path, ok.Outcome, ""), Snapshot{FilesTotal: 2, Current: &ok})
	r.Handle(FileCompleted(bad.Path, bad.Outcome, bad.Err), Snapshot{FilesTotal: 2, Current: &bad})
	r.Handle(RunCompleted(&plan.Result{
		Added:  1,
		Failed: []plan.FailedFile{{Path: "bad.txt", Error: "http error 404: 404 Not Found"}},
	}), Snapshot{})

	out := buf.String()
	assert.NotContains(t, out, "Manifest Overview")
	assert.NotContains(t, out, "ok.txt")
	assert.Contains(t, out, "bad.txt")
	assert.Contains(t, out, "FAILED: http error 404")
	assert.Contains(t, out, "Added: 1  Updated: 0  Skipped: 0  Failed: 1")
	assert.Contains(t, out, "Failed files:\n  bad.txt: http error 404: 404 Not Found\n")
}

func TestTruncateFilename(t *testing.T) {
	assert.Equal(t, "short               ", truncateFilename("short"))
	assert.Equal(t, "abcdefghijklmnopq...", truncateFilename("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "["+strings.Repeat(" ", 20)+"]", progressBar(0, 0))
	assert.Equal(t, "["+strings.Repeat("-", 20)+"]", progressBar(30, 20))
}

func TestAggregatorFlush(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(sink, clockwork.NewFakeClock())
	defer agg.Close()

	agg.Emit(PlanReady(testPlan()))
	agg.Flush()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1, "flush barrier is not forwarded")
	assert.Equal(t, EventPlanReady, sink.events[0].Kind)
}
