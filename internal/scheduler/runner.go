package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Executor runs a task's command and reports its exit status.
type Executor interface {
	Execute(ctx context.Context, command string) (exitCode int, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string) (int, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, command string) (int, error) {
	return f(ctx, command)
}

// runTask executes one firing of the named task and records the outcome.
func (s *Scheduler) runTask(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.tasks[name]
	var command string
	if ok {
		command = e.task.Command
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	s.logger.Info("executing task", "task", name)
	code, err := s.executor.Execute(ctx, command)
	if err == nil && code != 0 {
		err = fmt.Errorf("exit status %d", code)
	}
	duration := time.Since(start)

	s.mu.Lock()
	if cur, ok := s.tasks[name]; ok && cur == e {
		st := &cur.task.State
		st.LastRunAt = start
		st.LastDuration = duration
		st.LastExitCode = code
		st.RunCount++
		if err != nil {
			st.ErrorCount++
			st.LastError = err.Error()
		} else {
			st.LastError = ""
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed", "task", name, "error", err, "duration", duration)
		return err
	}
	s.logger.Info("task completed", "task", name, "duration", duration)
	return nil
}

// cronLogger routes robfig/cron's internal logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
