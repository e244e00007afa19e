package poller

import (
	"context"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// Job is one independently scheduled unit of collection or aggregation
type Job interface {
	Name() string
	Run(ctx context.Context, run *Run) error
}

// State is what the scheduler knows about a job between runs. A copy of the
// state before the run is handed to every invocation.
type State struct {
	Name            string    `json:"name"`
	Status          Status    `json:"status"`
	IntervalSeconds float64   `json:"intervalSeconds"`
	LastStarted     time.Time `json:"lastStarted"`
	LastFinished    time.Time `json:"lastFinished"`
	LastSuccess     time.Time `json:"lastSuccess"`
	LastItems       int       `json:"lastItems"`
	LastSkipped     int       `json:"lastSkipped"`
	LastPages       int       `json:"lastPages"`
	LastError       string    `json:"lastError,omitempty"`
	// Cursor a listing walk stopped at, empty once a walk completes
	Cursor       string `json:"cursor,omitempty"`
	Runs         int    `json:"runs"`
	Failures     int    `json:"failures"`
	DroppedTicks int    `json:"droppedTicks"`
}

// Run is a single execution of a job. Jobs report progress on it while
// they work; whatever was counted is kept even when the run fails.
type Run struct {
	Id       string
	Job      string
	Started  time.Time
	Previous State

	Items   int
	Skipped int
	Pages   int
	// Set by listing walks that stop before the end
	Cursor string

	stop <-chan struct{}
	now  func() time.Time
}

// Stopping reports whether the scheduler is shutting down. Jobs check it
// between pages and return early.
func (r *Run) Stopping() bool {
	if r.stop == nil {
		return false
	}
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Now is the scheduler's clock
func (r *Run) Now() time.Time {
	if r.now == nil {
		return time.Now().UTC()
	}
	return r.now()
}
