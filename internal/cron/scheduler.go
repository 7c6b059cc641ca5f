// Package cron runs the periodic maintenance jobs. Every process may run a
// Scheduler; a shared lock per job keeps each run to a single process.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/stockdesk/internal/lock"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ErrUnknownJob is returned by RunNow for names that were never registered.
var ErrUnknownJob = errors.New("unknown maintenance job")

// Job is one maintenance task. Run returns how many items it touched.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Locks    *lock.Manager
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	LockTTL  time.Duration // maintenance lock lease; defaults to 5 minutes
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler fires due jobs on each tick.
type Scheduler struct {
	locks    *lock.Manager
	logger   *slog.Logger
	interval time.Duration
	lockTTL  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with no jobs.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		locks:    cfg.Locks,
		logger:   logger.With("component", "cron"),
		interval: interval,
		lockTTL:  lockTTL,
		now:      now,
		entries:  map[string]*entry{},
	}
}

// Add registers job. The first run is one schedule period after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron: job needs a name and a run func")
	}
	sched, err := cronParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("cron: parse %s spec %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("cron: job %s already registered", job.Name)
	}
	s.entries[job.Name] = &entry{job: job, schedule: sched, next: sched.Next(s.now())}
	return nil
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", s.Jobs())
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	var due []Job
	s.mu.Lock()
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e.job)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.run(ctx, job)
	}
}

// RunNow runs the named job immediately under its maintenance lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e.job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (int, error) {
	var n int
	start := s.now()
	runJob := func(ctx context.Context) error {
		var err error
		n, err = job.Run(ctx)
		return err
	}
	var err error
	if s.locks != nil {
		err = s.locks.WithLock(ctx, lock.MaintenanceKey(job.Name), s.lockTTL, 0, runJob)
	} else {
		err = runJob(ctx)
	}
	switch {
	case errors.Is(err, lock.ErrLockContention):
		s.logger.Debug("maintenance job running elsewhere", "job", job.Name)
		return 0, err
	case err != nil:
		s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("maintenance job done", "job", job.Name, "affected", n, "duration_ms", s.now().Sub(start).Milliseconds())
	} else {
		s.logger.Debug("maintenance job done", "job", job.Name)
	}
	return n, nil
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
