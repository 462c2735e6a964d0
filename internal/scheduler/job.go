package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrTaskNotFound = errors.New("scheduler: task not found")
	ErrInvalidTask  = errors.New("scheduler: invalid task")
)

// Task is a shell command run on a cron schedule.
type Task struct {
	Name     string    `json:"name"`
	Command  string    `json:"command"`
	Schedule string    `json:"schedule"`
	Created  time.Time `json:"created"`
	State    TaskState `json:"state"`
}

// TaskState tracks task execution state
type TaskState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastExitCode int           `json:"lastExitCode"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Letters, digits, underscore, whitespace, hyphen, dot and path separators.
var validName = regexp.MustCompile(`^[\w\s\-./\\]+$`)

// ValidName reports whether name is acceptable as a task name.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

var clockTime = regexp.MustCompile(`^\d{2}:\d{2}$`)

// NormalizeSchedule accepts a standard five-field cron expression, a
// descriptor such as "@daily" or "@every 1h", or a daily "HH:MM" time, and
// returns the equivalent cron expression.
func NormalizeSchedule(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if clockTime.MatchString(expr) {
		t, err := time.Parse("15:04", expr)
		if err != nil {
			return "", fmt.Errorf("%w: invalid time %q (use HH:MM)", ErrInvalidTask, expr)
		}
		expr = fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidTask, expr, err)
	}
	return expr, nil
}

// Validate checks the task and normalizes its schedule in place.
func (t *Task) Validate() error {
	if !ValidName(t.Name) {
		return fmt.Errorf("%w: name may only contain letters, digits, spaces, hyphens, dots and path separators", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("%w: command required", ErrInvalidTask)
	}
	expr, err := NormalizeSchedule(t.Schedule)
	if err != nil {
		return err
	}
	t.Schedule = expr
	return nil
}

// NextRun calculates the next run time after from.
func (t *Task) NextRun(from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron: %w", err)
	}
	return schedule.Next(from), nil
}
