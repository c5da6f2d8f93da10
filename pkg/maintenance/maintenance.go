// Package maintenance runs recurring housekeeping on a cron schedule.
//
// Every task runs under a distributed lock named after it, so when several
// engine instances share a store each tick executes on at most one of them.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/lock"
	"github.com/jdziat/jobengine/pkg/security"
)

// lockPrefix namespaces maintenance locks.
const lockPrefix = "jobengine:maintenance:"

// DefaultLockLease is the lease held while a task runs. It is renewed.
const DefaultLockLease = time.Minute

// ErrUnknownTask is returned by RunNow for an unregistered task.
var ErrUnknownTask = errors.New("jobengine: unknown maintenance task")

var _ core.Starter = (*Scheduler)(nil)

// Task is one recurring housekeeping job.
type Task struct {
	Name string
	// Schedule is a standard five field cron expression or a descriptor such
	// as "@daily" or "@every 1h".
	Schedule string
	Run      func(ctx context.Context) error
}

type registered struct {
	task     Task
	schedule cron.Schedule
}

// Scheduler runs registered tasks on their schedules.
type Scheduler struct {
	locker *lock.Locker
	holder string
	lease  time.Duration
	loc    *time.Location
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*registered
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHolder names this instance in lock records.
func WithHolder(holder string) Option {
	return func(s *Scheduler) { s.holder = holder }
}

// WithLockLease sets the lease taken while a task runs.
func WithLockLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler that serializes tasks through locker.
func New(locker *lock.Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		locker: locker,
		holder: defaultHolder(),
		lease:  DefaultLockLease,
		loc:    time.UTC,
		logger: slog.Default(),
		tasks:  make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobengine"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Register adds a task. Names must be unique and schedules must parse.
func (s *Scheduler) Register(t Task) error {
	if err := security.ValidateLockName(lockPrefix + t.Name); err != nil || t.Name == "" {
		return fmt.Errorf("jobengine: invalid maintenance task name %q", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("jobengine: maintenance task %q has no Run func", t.Name)
	}
	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("jobengine: maintenance task %q: invalid schedule %q: %w", t.Name, t.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("jobengine: maintenance task %q already registered", t.Name)
	}
	s.tasks[t.Name] = &registered{task: t, schedule: sched}
	return nil
}

// Tasks returns the registered task names, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns when the named task fires next after from.
func (s *Scheduler) Next(name string, from time.Time) (time.Time, error) {
	r, err := s.lookup(name)
	if err != nil {
		return time.Time{}, err
	}
	return r.schedule.Next(from.In(s.loc)), nil
}

// RunNow runs the named task immediately under its lock. It returns
// lock.ErrBusy when another instance is running it.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	r, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.run(ctx, r.task)
}

// Start runs the schedules until ctx is cancelled, then waits for running
// tasks to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	s.mu.Lock()
	for _, r := range s.tasks {
		task := r.task
		c.Schedule(r.schedule, cron.FuncJob(func() {
			if err := s.run(ctx, task); err != nil && !errors.Is(err, lock.ErrBusy) && ctx.Err() == nil {
				s.logger.Error("maintenance task failed", "task", task.Name, "error", err)
			}
		}))
	}
	n := len(s.tasks)
	s.mu.Unlock()

	s.logger.Info("maintenance scheduler started", "tasks", n, "holder", s.holder)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) lookup(name string) (*registered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r, nil
}

func (s *Scheduler) run(ctx context.Context, t Task) error {
	start := time.Now()
	err := s.locker.WithLock(ctx, lockPrefix+t.Name, s.holder, s.lease, t.Run)
	switch {
	case errors.Is(err, lock.ErrBusy):
		s.logger.Debug("maintenance task held elsewhere, skipping", "task", t.Name)
	case err != nil:
		s.logger.Warn("maintenance task returned error", "task", t.Name, "duration", time.Since(start), "error", err)
	default:
		s.logger.Info("maintenance task finished", "task", t.Name, "duration", time.Since(start))
	}
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
