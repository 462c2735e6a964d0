// Package scheduler runs user-defined commands on cron schedules inside the
// server process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimeout bounds a single task run.
const DefaultTimeout = 5 * time.Minute

type entry struct {
	task Task
	id   cron.EntryID
}

// Scheduler manages all scheduled tasks
type Scheduler struct {
	mu       sync.RWMutex
	tasks    map[string]*entry
	cron     *cron.Cron
	executor Executor
	timeout  time.Duration
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}

	return &Scheduler{
		tasks:    make(map[string]*entry),
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		executor: executor,
		timeout:  DefaultTimeout,
		logger:   logger,
		ctx:      context.Background(),
		now:      time.Now,
	}
}

// Start begins firing tasks. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", n)
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Add validates t and schedules it. A task with the same name is replaced.
func (s *Scheduler) Add(t Task) (Task, error) {
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	if t.Created.IsZero() {
		t.Created = s.now()
	}
	t.State = TaskState{}

	name := t.Name
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	if old, ok := s.tasks[name]; ok {
		s.cron.Remove(old.id)
		replaced = true
	}

	id, err := s.cron.AddFunc(t.Schedule, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		_ = s.runTask(ctx, name)
	})
	if err != nil {
		delete(s.tasks, name)
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	e := &entry{task: t, id: id}
	s.tasks[name] = e
	s.logger.Info("task scheduled", "task", name, "schedule", t.Schedule, "replaced", replaced)
	return s.snapshot(e), nil
}

// Remove unschedules the named task.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.tasks, name)
	s.logger.Info("task removed", "task", name)
	return nil
}

// Get returns a copy of the named task.
func (s *Scheduler) Get(name string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[name]
	if !ok {
		return Task{}, false
	}
	return s.snapshot(e), true
}

// List returns copies of all tasks sorted by name.
func (s *Scheduler) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, s.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow executes the named task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.runTask(ctx, name)
}

// Stats summarizes the scheduler.
type Stats struct {
	TotalTasks  int   `json:"total_tasks"`
	TotalRuns   int64 `json:"total_runs"`
	TotalErrors int64 `json:"total_errors"`
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{TotalTasks: len(s.tasks)}
	for _, e := range s.tasks {
		st.TotalRuns += e.task.State.RunCount
		st.TotalErrors += e.task.State.ErrorCount
	}
	return st
}

// snapshot copies e with NextRunAt filled in. Callers hold s.mu.
func (s *Scheduler) snapshot(e *entry) Task {
	t := e.task
	if next := s.cron.Entry(e.id).Next; !next.IsZero() {
		t.State.NextRunAt = next
	} else if next, err := t.NextRun(s.now()); err == nil {
		t.State.NextRunAt = next
	}
	return t
}
