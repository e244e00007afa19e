package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"observatory/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrStopped        = errors.New("scheduler is stopped")
)

// Recorder persists the outcome of every run
type Recorder interface {
	RecordJobRun(ctx context.Context, run models.JobRun) error
}

type entry struct {
	job      Job
	interval time.Duration

	// Held for the duration of a run, at most one run per job
	running sync.Mutex

	mu    sync.Mutex
	state State
}

func (e *entry) snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Scheduler runs registered jobs on independent intervals. A job never
// overlaps itself, a tick that fires while it runs is dropped. Different
// jobs run concurrently. Job errors and panics are logged and recorded, they
// never stop the scheduler or other jobs.
type Scheduler struct {
	entries   []*entry
	byName    map[string]*entry
	recorders []Recorder
	now       func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

// WithRecorder adds a recorder that is told about every finished run
func WithRecorder(recorder Recorder) Option {
	return func(s *Scheduler) {
		s.recorders = append(s.recorders, recorder)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		byName: map[string]*entry{},
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job with its interval. Registering after Start or twice
// under the same name panics.
func (s *Scheduler) Register(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		panic("poller: register after start")
	}
	if _, exists := s.byName[job.Name()]; exists {
		panic(fmt.Sprintf("poller: job %s registered twice", job.Name()))
	}
	if interval <= 0 {
		panic(fmt.Sprintf("poller: job %s needs a positive interval", job.Name()))
	}

	e := &entry{
		job:      job,
		interval: interval,
		state: State{
			Name:            job.Name(),
			Status:          StatusIdle,
			IntervalSeconds: interval.Seconds(),
		},
	}
	s.entries = append(s.entries, e)
	s.byName[job.Name()] = e
}

// Start runs the startup jobs once, synchronously and in order, then starts
// the interval loops. Startup failures are logged like any other run.
// Cancelling ctx stops the scheduler, also while the startup jobs run; the
// job in progress returns at its next page boundary and Start returns
// ErrStopped.
func (s *Scheduler) Start(ctx context.Context, startup ...string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.halt()
		case <-s.stop:
		}
	}()

	log.WithField("jobs", startup).Info("Running startup fetch")
	for _, name := range startup {
		if _, err := s.RunNow(ctx, name); err != nil {
			if errors.Is(err, ErrUnknownJob) {
				log.WithField("job", name).Warn("Startup job is not registered")
				continue
			}
			return err
		}
	}

	// Loops are added under the lock so a concurrent Stop either sees them
	// in the wait group or keeps them from starting
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		log.Info("Scheduler stopped during the startup fetch")
		return ErrStopped
	}
	for _, e := range s.entries {
		log.WithFields(log.Fields{
			"job":      e.job.Name(),
			"interval": e.interval,
		}).Info("Scheduling job")

		s.wg.Add(1)
		go s.loop(ctx, e)
	}

	return nil
}

// Stop ends the interval loops and waits for in-flight runs. Runs are told
// to stop between pages and finish the write they are doing.
func (s *Scheduler) Stop() {
	s.halt()

	log.Info("Waiting for running jobs to finish")
	s.wg.Wait()
	log.Info("Scheduler stopped")
}

// halt marks the scheduler stopped and closes the stop channel once
func (s *Scheduler) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

// RunNow runs a job immediately in the calling goroutine
func (s *Scheduler) RunNow(ctx context.Context, name string) (State, error) {
	e, ok := s.byName[name]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if s.isStopped() {
		return e.snapshot(), ErrStopped
	}
	if !e.running.TryLock() {
		return e.snapshot(), fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	defer e.running.Unlock()

	return s.execute(ctx, e), nil
}

// States returns the state of every job in registration order
func (s *Scheduler) States() []State {
	return lo.Map(s.entries, func(e *entry, _ int) State {
		return e.snapshot()
	})
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.trigger(ctx, e)
		}
	}
}

// trigger starts a run unless one is in progress, in which case the tick
// is dropped
func (s *Scheduler) trigger(ctx context.Context, e *entry) {
	if !e.running.TryLock() {
		ticksDroppedTotal.WithLabelValues(e.job.Name()).Inc()
		e.mu.Lock()
		e.state.DroppedTicks++
		e.mu.Unlock()
		log.WithField("job", e.job.Name()).Debug("Dropping tick, job still running")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Unlock()
		s.execute(ctx, e)
	}()
}

// execute runs the job and folds the outcome into its state. The run gets
// a context that outlives shutdown so the write in progress completes; the
// stop channel tells it to return between pages.
func (s *Scheduler) execute(ctx context.Context, e *entry) State {
	name := e.job.Name()
	started := s.now()

	e.mu.Lock()
	previous := e.state
	e.state.Status = StatusRunning
	e.state.LastStarted = started
	e.mu.Unlock()

	run := &Run{
		Id:       uuid.NewString(),
		Job:      name,
		Started:  started,
		Previous: previous,
		stop:     s.stop,
		now:      s.now,
	}

	log.WithFields(log.Fields{
		"job": name,
		"run": run.Id,
	}).Debug("Starting job")

	err := safeRun(context.WithoutCancel(ctx), e.job, run)
	finished := s.now()
	jobDuration.WithLabelValues(name).Observe(finished.Sub(started).Seconds())

	e.mu.Lock()
	e.state.Runs++
	e.state.LastFinished = finished
	e.state.LastItems = run.Items
	e.state.LastSkipped = run.Skipped
	e.state.LastPages = run.Pages
	e.state.Cursor = run.Cursor
	if err != nil {
		e.state.Status = StatusFailed
		e.state.Failures++
		e.state.LastError = err.Error()
	} else {
		e.state.Status = StatusIdle
		e.state.LastSuccess = finished
		e.state.LastError = ""
	}
	state := e.state
	e.mu.Unlock()

	fields := log.Fields{
		"job":      name,
		"run":      run.Id,
		"items":    run.Items,
		"skipped":  run.Skipped,
		"pages":    run.Pages,
		"duration": finished.Sub(started),
	}
	switch {
	case err == nil:
		jobRunsTotal.WithLabelValues(name, "success").Inc()
		log.WithFields(fields).Info("Job finished")
	case models.IsFatalConfig(err):
		jobRunsTotal.WithLabelValues(name, "fatal_config").Inc()
		log.WithFields(fields).WithError(err).Error("Moltbook rejected the API key, check the configured credential")
	case models.IsTransient(err):
		jobRunsTotal.WithLabelValues(name, "transient").Inc()
		log.WithFields(fields).WithError(err).Warn("Job stopped early, the next run retries")
	default:
		jobRunsTotal.WithLabelValues(name, "error").Inc()
		log.WithFields(fields).WithError(err).Error("Job failed")
	}

	record := models.JobRun{
		Id:         run.Id,
		Job:        name,
		StartedAt:  started.Unix(),
		FinishedAt: finished.Unix(),
		Items:      run.Items,
		Skipped:    run.Skipped,
		Pages:      run.Pages,
	}
	if err != nil {
		record.Error = err.Error()
	}
	for _, recorder := range s.recorders {
		if err := recorder.RecordJobRun(context.WithoutCancel(ctx), record); err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to record job run")
		}
	}

	return state
}

// safeRun turns a panicking job into an error
func safeRun(ctx context.Context, job Job, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx, run)
}
