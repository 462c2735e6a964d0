package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when an invocation outlives its timeout.
var ErrTimeout = errors.New("tools: command timed out")

// Invocation describes one external program run.
type Invocation struct {
	Name    string
	Args    []string
	Stdin   string
	Timeout time.Duration
}

func (inv Invocation) String() string {
	return strings.TrimSpace(inv.Name + " " + strings.Join(inv.Args, " "))
}

// RunResult holds the output of a finished program.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external programs. Handlers never call os/exec directly so
// tests can substitute a fake.
type Runner interface {
	// Run waits for the program to exit. A non-zero exit status is reported
	// in ExitCode, not as an error.
	Run(ctx context.Context, inv Invocation) (RunResult, error)
	// Start launches the program and returns without waiting for it.
	Start(inv Invocation) error
}

// ExecRunner runs programs on the local host.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, inv Invocation) (RunResult, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", inv.Name, err)
	}
	return res, nil
}

// Start implements Runner. The child is reaped in the background.
func (ExecRunner) Start(inv Invocation) error {
	cmd := exec.Command(inv.Name, inv.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", inv.Name, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// shellInvocation wraps a command line for the host shell.
func shellInvocation(goos, command string, timeout time.Duration) Invocation {
	if goos == "windows" {
		return Invocation{Name: "powershell", Args: []string{"-NoProfile", "-NonInteractive", "-Command", command}, Timeout: timeout}
	}
	return Invocation{Name: "sh", Args: []string{"-c", command}, Timeout: timeout}
}
