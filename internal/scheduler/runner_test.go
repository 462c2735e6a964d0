package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunNowRecordsSuccess(t *testing.T) {
	executor := &MockExecutor{}
	sched := NewScheduler(executor, nil)

	if _, err := sched.Add(Task{Name: "echo", Command: "echo hi", Schedule: "@daily"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sched.RunNow(context.Background(), "echo"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	task, _ := sched.Get("echo")
	if task.State.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", task.State.RunCount)
	}
	if task.State.ErrorCount != 0 || task.State.LastError != "" {
		t.Errorf("unexpected error state: %+v", task.State)
	}
	if task.State.LastRunAt.IsZero() {
		t.Error("LastRunAt not set")
	}
	if got := executor.Commands(); len(got) != 1 || got[0] != "echo hi" {
		t.Errorf("executed %v", got)
	}
}

func TestRunNowRecordsNonZeroExit(t *testing.T) {
	executor := &MockExecutor{exitCode: 3}
	sched := NewScheduler(executor, nil)
	sched.Add(Task{Name: "fail", Command: "exit 3", Schedule: "@daily"})

	if err := sched.RunNow(context.Background(), "fail"); err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	task, _ := sched.Get("fail")
	if task.State.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", task.State.ErrorCount)
	}
	if task.State.LastExitCode != 3 {
		t.Errorf("LastExitCode = %d, want 3", task.State.LastExitCode)
	}
	if task.State.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestRunNowRecordsExecutorError(t *testing.T) {
	executor := &MockExecutor{err: errors.New("boom")}
	sched := NewScheduler(executor, nil)
	sched.Add(Task{Name: "broken", Command: "x", Schedule: "@daily"})

	err := sched.RunNow(context.Background(), "broken")
	if err == nil || err.Error() != "boom" {
		t.Fatalf("RunNow error = %v, want boom", err)
	}
	task, _ := sched.Get("broken")
	if task.State.LastError != "boom" {
		t.Errorf("LastError = %q", task.State.LastError)
	}
}

func TestRunNowUnknownTask(t *testing.T) {
	sched := NewScheduler(&MockExecutor{}, nil)
	if err := sched.RunNow(context.Background(), "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestRunAppliesTimeout(t *testing.T) {
	var deadline time.Time
	executor := ExecutorFunc(func(ctx context.Context, command string) (int, error) {
		deadline, _ = ctx.Deadline()
		return 0, nil
	})
	sched := NewScheduler(executor, nil)
	sched.timeout = time.Minute
	sched.Add(Task{Name: "t", Command: "c", Schedule: "@daily"})

	before := time.Now()
	if err := sched.RunNow(context.Background(), "t"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if deadline.IsZero() || deadline.Sub(before) > time.Minute+time.Second {
		t.Errorf("deadline %v not bounded by timeout", deadline)
	}
}
