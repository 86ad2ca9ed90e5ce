// Package scheduler runs the daemon's periodic maintenance jobs, such as
// verifying the ledger chain and re-embedding notes.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantumlife/ponder/internal/logging"
)

// JobFunc is the work a job does on each run
type JobFunc func(ctx context.Context) error

// Job is a named periodic task. Exactly one of Every and At is set.
type Job struct {
	ID      string
	Every   time.Duration // run at a fixed interval
	At      string        // run daily at "HH:MM" local time
	Timeout time.Duration // per run; default 5m
	Run     JobFunc
}

// JobStatus is a job's run history
type JobStatus struct {
	ID         string     `json:"id"`
	Schedule   string     `json:"schedule"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    time.Time  `json:"next_run"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

type entry struct {
	job    Job
	status JobStatus
}

// Scheduler runs registered jobs until stopped
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	now     func() time.Time
}

// New creates an empty scheduler
func New() *Scheduler {
	return &Scheduler{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func is required", job.ID)
	}
	if (job.Every > 0) == (job.At != "") {
		return fmt.Errorf("job %s: set exactly one of interval and daily time", job.ID)
	}
	if job.At != "" {
		if _, _, err := parseClock(job.At); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", job.ID)
	}
	if _, dup := s.jobs[job.ID]; dup {
		return fmt.Errorf("job %s already registered", job.ID)
	}

	e := &entry{job: job, status: JobStatus{ID: job.ID, Schedule: describe(job)}}
	e.status.NextRun = s.nextRun(job, s.now())
	s.jobs[job.ID] = e
	return nil
}

// Start launches one loop per job. The loops stop with ctx or Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	logging.Info("scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop cancels running jobs and waits for their loops to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunNow runs a job synchronously, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	return s.execute(ctx, e)
}

// Jobs returns the status of every job, ordered by id
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		wait := e.status.NextRun.Sub(s.now())
		s.mu.RUnlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.execute(ctx, e)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	runCtx, cancel := context.WithTimeout(ctx, e.job.Timeout)
	defer cancel()

	start := s.now()
	err := e.job.Run(runCtx)

	s.mu.Lock()
	e.status.LastRun = &start
	e.status.RunCount++
	if err != nil {
		e.status.ErrorCount++
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	e.status.NextRun = s.nextRun(e.job, s.now())
	s.mu.Unlock()

	if err != nil {
		logging.WithFields(map[string]interface{}{
			"job":   e.job.ID,
			"error": err.Error(),
		}).Warn("scheduled job failed")
	} else {
		logging.Debug("job %s finished in %s", e.job.ID, s.now().Sub(start))
	}
	return err
}

// nextRun returns the first run time strictly after now
func (s *Scheduler) nextRun(job Job, now time.Time) time.Time {
	if job.Every > 0 {
		return now.Add(job.Every)
	}
	hour, minute, _ := parseClock(job.At)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func parseClock(at string) (int, int, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, 0, fmt.Errorf("daily time must be HH:MM, got %q", at)
	}
	return t.Hour(), t.Minute(), nil
}

func describe(job Job) string {
	if job.Every > 0 {
		return "every " + job.Every.String()
	}
	return "daily at " + job.At
}
