// Package progress carries transfer events from workers to a single
// aggregating goroutine and on to a user-facing sink.
package progress

import (
	"time"

	"github.com/BadgerOps/patcher/internal/plan"
)

// EventKind identifies an event type.
type EventKind string

const (
	EventPlanReady     EventKind = "plan_ready"
	EventFileStarted   EventKind = "file_started"
	EventFileProgress  EventKind = "file_progress"
	EventFileCompleted EventKind = "file_completed"
	EventRunCompleted  EventKind = "run_completed"
)

// Outcome is how a file transfer ended.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeUpdated   Outcome = "updated"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Succeeded reports whether the file is now up to date.
func (o Outcome) Succeeded() bool {
	return o == OutcomeAdded || o == OutcomeUpdated
}

// Event is an immutable notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Time time.Time

	Plan   *plan.Plan   // EventPlanReady
	Result *plan.Result // EventRunCompleted

	Path    string // file events
	Done    int64  // EventFileProgress
	Total   int64  // EventFileStarted, EventFileProgress
	Outcome Outcome
	Err     string // EventFileCompleted with OutcomeFailed

	ack chan struct{} // flush barrier, never forwarded to the sink
}

// PlanReady announces the plan before confirmation.
func PlanReady(p *plan.Plan) Event {
	return Event{Kind: EventPlanReady, Plan: p}
}

// FileStarted announces that a worker picked up path.
func FileStarted(path string, total int64) Event {
	return Event{Kind: EventFileStarted, Path: path, Total: total}
}

// FileProgress reports bytes written so far for path.
func FileProgress(path string, done, total int64) Event {
	return Event{Kind: EventFileProgress, Path: path, Done: done, Total: total}
}

// FileCompleted reports the final outcome for path.
func FileCompleted(path string, outcome Outcome, errMsg string) Event {
	return Event{Kind: EventFileCompleted, Path: path, Outcome: outcome, Err: errMsg}
}

// RunCompleted carries the final result.
func RunCompleted(r *plan.Result) Event {
	return Event{Kind: EventRunCompleted, Result: r}
}

// Sink receives every event together with the aggregate state after it was
// applied. Handle is always called from a single goroutine.
type Sink interface {
	Handle(ev Event, snap Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event, snap Snapshot)

func (f SinkFunc) Handle(ev Event, snap Snapshot) { f(ev, snap) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event, Snapshot) {})

// Multi fans events out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ev Event, snap Snapshot) {
		for _, s := range sinks {
			s.Handle(ev, snap)
		}
	})
}
