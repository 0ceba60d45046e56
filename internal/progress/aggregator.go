package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FileState tracks the transfer state of an individual file.
type FileState struct {
	Path    string
	Index   int // 1-based order in which the file was started
	Done    int64
	Total   int64
	Outcome Outcome // empty while in flight
	Err     string
}

// Snapshot is a copy of the aggregate state, safe to keep.
type Snapshot struct {
	FilesTotal     int
	FilesStarted   int
	FilesCompleted int
	FilesFailed    int
	BytesTotal     int64
	BytesDone      int64
	// BytesReceived counts every byte read, including bytes of failed and
	// retried attempts; it drives the speed estimate.
	BytesReceived  int64
	BytesPerSecond int64
	ETA            time.Duration
	StartTime      time.Time
	Elapsed        time.Duration
	// Current is the file the event was about, if any.
	Current *FileState
	// InFlight lists files started but not finished, sorted by path.
	InFlight []FileState
}

// Percent is overall byte progress in [0, 100].
func (s Snapshot) Percent() float64 {
	if s.BytesTotal <= 0 {
		if s.FilesTotal > 0 && s.FilesCompleted+s.FilesFailed >= s.FilesTotal {
			return 100
		}
		return 0
	}
	pct := float64(s.BytesDone) / float64(s.BytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// BytesLeft is the number of bytes still to transfer.
func (s Snapshot) BytesLeft() int64 {
	if left := s.BytesTotal - s.BytesDone; left > 0 {
		return left
	}
	return 0
}

// Aggregator owns all progress state. Workers call Emit from any goroutine;
// a single goroutine applies events in arrival order and forwards them to
// the sink, so the sink never needs locking.
type Aggregator struct {
	events chan Event
	sink   Sink
	clock  clockwork.Clock
	done   chan struct{}

	closeOnce sync.Once
	final     Snapshot

	// Owned by the run goroutine.
	filesTotal    int
	filesStarted  int
	completed     int
	failed        int
	bytesTotal    int64
	bytesDone     int64
	bytesReceived int64
	startTime     time.Time
	files         map[string]*FileState
}

// NewAggregator starts the aggregating goroutine. A nil sink discards
// events; a nil clock uses the real clock.
func NewAggregator(sink Sink, clock clockwork.Clock) *Aggregator {
	if sink == nil {
		sink = Discard
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Aggregator{
		events:    make(chan Event, 256),
		sink:      sink,
		clock:     clock,
		done:      make(chan struct{}),
		startTime: clock.Now(),
		files:     make(map[string]*FileState),
	}
	go a.run()
	return a
}

// Emit queues an event. It must not be called after Close.
func (a *Aggregator) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = a.clock.Now()
	}
	a.events <- ev
}

// Flush blocks until every event emitted before it has been handled by the
// sink.
func (a *Aggregator) Flush() {
	ack := make(chan struct{})
	a.events <- Event{ack: ack}
	<-ack
}

// Close drains pending events, stops the goroutine, and returns the final
// snapshot. It is safe to call more than once.
func (a *Aggregator) Close() Snapshot {
	a.closeOnce.Do(func() {
		close(a.events)
	})
	<-a.done
	return a.final
}

func (a *Aggregator) run() {
	defer close(a.done)
	for ev := range a.events {
		if ev.ack != nil {
			close(ev.ack)
			continue
		}
		current := a.apply(ev)
		a.sink.Handle(ev, a.snapshot(ev.Time, current))
	}
	a.final = a.snapshot(a.clock.Now(), nil)
}

func (a *Aggregator) apply(ev Event) *FileState {
	switch ev.Kind {
	case EventPlanReady:
		if ev.Plan != nil {
			s := ev.Plan.Summary()
			a.filesTotal = s.Pending
			a.bytesTotal = s.DownloadSize
			// Seed each pending file's size so a file that fails or is
			// cancelled before it starts still leaves the byte total.
			for _, act := range ev.Plan.Pending() {
				if act.Entry.Size > 0 {
					a.file(act.Path()).Total = act.Entry.Size
				}
			}
		}
		return nil

	case EventFileStarted:
		fs := a.file(ev.Path)
		if fs.Index == 0 {
			a.filesStarted++
			fs.Index = a.filesStarted
		}
		if ev.Total > 0 {
			a.bytesTotal += ev.Total - fs.Total
			fs.Total = ev.Total
		}
		return fs

	case EventFileProgress:
		fs := a.file(ev.Path)
		delta := ev.Done - fs.Done
		a.bytesDone += delta
		if delta > 0 {
			a.bytesReceived += delta
		} else if ev.Done > 0 {
			// A retry restarted the file; count the new attempt's bytes.
			a.bytesReceived += ev.Done
		}
		fs.Done = ev.Done
		if ev.Total > 0 {
			a.bytesTotal += ev.Total - fs.Total
			fs.Total = ev.Total
		}
		return fs

	case EventFileCompleted:
		fs := a.file(ev.Path)
		fs.Outcome = ev.Outcome
		fs.Err = ev.Err
		if ev.Outcome.Succeeded() {
			a.completed++
			if fs.Total > fs.Done {
				a.bytesDone += fs.Total - fs.Done
				fs.Done = fs.Total
			}
		} else {
			a.failed++
			a.bytesDone -= fs.Done
			a.bytesTotal -= fs.Total
		}
		return fs
	}
	return nil
}

func (a *Aggregator) file(path string) *FileState {
	fs, ok := a.files[path]
	if !ok {
		fs = &FileState{Path: path}
		a.files[path] = fs
	}
	return fs
}

func (a *Aggregator) snapshot(now time.Time, current *FileState) Snapshot {
	s := Snapshot{
		FilesTotal:     a.filesTotal,
		FilesStarted:   a.filesStarted,
		FilesCompleted: a.completed,
		FilesFailed:    a.failed,
		BytesTotal:     a.bytesTotal,
		BytesDone:      a.bytesDone,
		BytesReceived:  a.bytesReceived,
		StartTime:      a.startTime,
		Elapsed:        now.Sub(a.startTime),
	}
	if current != nil {
		c := *current
		s.Current = &c
	}

	for _, fs := range a.files {
		if fs.Outcome == "" && fs.Index > 0 {
			s.InFlight = append(s.InFlight, *fs)
		}
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i].Path < s.InFlight[j].Path })

	if s.Elapsed >= time.Second && a.bytesReceived > 0 {
		s.BytesPerSecond = int64(float64(a.bytesReceived) / s.Elapsed.Seconds())
		if s.BytesPerSecond > 0 {
			left := s.BytesLeft()
			s.ETA = time.Duration(float64(left) / float64(s.BytesPerSecond) * float64(time.Second))
		}
	}
	return s
}
