package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clawinfra/hostgate/internal/confirm"
	"github.com/clawinfra/hostgate/internal/scheduler"
)

const (
	maxListedTasks  = 50
	defaultSchedule = "0 9 * * *"
	desktopTimeout  = 15 * time.Second
)

const msgBadTaskName = "Invalid task name. Only alphanumeric characters, spaces, hyphens, dots and path separators are allowed."

// ShellExecutor runs scheduled task commands through the host shell.
func ShellExecutor(r Runner, goos string) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, command string) (int, error) {
		var timeout time.Duration
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		out, err := r.Run(ctx, shellInvocation(goos, command, timeout))
		return out.ExitCode, err
	})
}

func (h *host) desktopTools() []*Tool {
	schedule := h.deferred("schedule_task", h.execSchedule)
	unschedule := h.deferred("delete_scheduled_task", h.execUnschedule)

	return []*Tool{
		{
			Name:        "send_notification",
			Description: "Show a desktop notification.",
			Params: []Param{
				{Name: "title", Type: "string", Description: "Notification title", Required: true},
				{Name: "message", Type: "string", Description: "Notification body", Required: true},
			},
			Handler: h.sendNotification,
		},
		{
			Name: "schedule_task",
			Description: "Schedule a shell command to run periodically while the server is running. " +
				"Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "name", Type: "string", Description: "Unique task name", Required: true},
				{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
				{Name: "schedule", Type: "string", Description: "Cron expression, descriptor (@daily, @every 1h) or daily HH:MM", Default: defaultSchedule},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestSchedule(args, schedule)
			},
		},
		{
			Name:        "list_scheduled_tasks",
			Description: "List scheduled tasks.",
			Params: []Param{
				{Name: "filter_str", Type: "string", Description: "Only list tasks whose name contains this"},
			},
			Handler: h.listScheduledTasks,
		},
		{
			Name:        "delete_scheduled_task",
			Description: "Delete a scheduled task. Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "name", Type: "string", Description: "Task name", Required: true},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestUnschedule(args, unschedule)
			},
		},
		{
			Name:        "get_window_list",
			Description: "List open application windows.",
			Handler:     h.windowList,
		},
	}
}

func (h *host) sendNotification(ctx context.Context, args Args) (Result, error) {
	title, err := args.Require("title")
	if err != nil {
		return nil, err
	}
	message := args.String("message")

	var inv Invocation
	switch h.GOOS {
	case "windows":
		inv = powershell(`[void] [System.Reflection.Assembly]::LoadWithPartialName("System.Windows.Forms"); `+
			`$n = New-Object System.Windows.Forms.NotifyIcon; `+
			`$n.Icon = [System.Drawing.SystemIcons]::Information; `+
			`$n.BalloonTipIcon = "Info"; `+
			`$n.BalloonTipTitle = `+psQuote(title)+`; `+
			`$n.BalloonTipText = `+psQuote(message)+`; `+
			`$n.Visible = $True; $n.ShowBalloonTip(10000); Start-Sleep -Seconds 2; $n.Dispose()`, desktopTimeout)
	case "darwin":
		inv = Invocation{Name: "osascript", Args: []string{
			"-e", "on run argv",
			"-e", "display notification (item 2 of argv) with title (item 1 of argv)",
			"-e", "end run",
			title, message,
		}, Timeout: desktopTimeout}
	default:
		inv = Invocation{Name: "notify-send", Args: []string{"--", title, message}, Timeout: desktopTimeout}
	}

	out, err := h.Runner.Run(ctx, inv)
	if err == nil && out.ExitCode != 0 {
		err = errors.New(strings.TrimSpace(out.Stderr + out.Stdout))
	}
	if err != nil {
		return errorResult("Failed to send notification: %v", err), nil
	}
	return Result{"status": "success", "message": fmt.Sprintf("Notification '%s' sent.", title)}, nil
}

func (h *host) requestSchedule(args Args, issue issueFunc) (Result, error) {
	name, err := args.Require("name")
	if err != nil {
		return nil, err
	}
	command, err := args.Require("command")
	if err != nil {
		return nil, err
	}
	if !scheduler.ValidName(name) {
		return errorResult(msgBadTaskName), nil
	}
	spec := args.String("schedule")
	if strings.TrimSpace(spec) == "" {
		spec = defaultSchedule
	}
	spec, err = scheduler.NormalizeSchedule(spec)
	if err != nil {
		return errorResult("Invalid schedule: %v", err), nil
	}

	description := fmt.Sprintf("Create scheduled task '%s' to run '%s' (%s)", name, command, spec)
	if _, exists := h.Scheduler.Get(name); exists {
		description += " replacing the existing task"
	}
	return issue(description, map[string]any{"name": name, "command": command, "schedule": spec})
}

func (h *host) execSchedule(_ context.Context, cmd confirm.Command) (any, error) {
	task, err := h.Scheduler.Add(scheduler.Task{
		Name:     cmd.String("name"),
		Command:  cmd.String("command"),
		Schedule: cmd.String("schedule"),
	})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Successfully scheduled task '%s'. Next run: %s",
		task.Name, task.State.NextRunAt.Format(time.RFC3339)), nil
}

type taskView struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Schedule    string `json:"schedule"`
	NextRunTime string `json:"next_run_time"`
	LastRunTime string `json:"last_run_time,omitempty"`
	LastResult  string `json:"last_result,omitempty"`
	RunCount    int64  `json:"run_count"`
}

func (h *host) listScheduledTasks(_ context.Context, args Args) (Result, error) {
	filter := strings.ToLower(args.String("filter_str"))

	tasks := []taskView{}
	for _, t := range h.Scheduler.List() {
		if filter != "" && !strings.Contains(strings.ToLower(t.Name), filter) {
			continue
		}
		v := taskView{
			Name:        t.Name,
			Command:     t.Command,
			Schedule:    t.Schedule,
			NextRunTime: formatTime(t.State.NextRunAt),
			RunCount:    t.State.RunCount,
		}
		if !t.State.LastRunAt.IsZero() {
			v.LastRunTime = formatTime(t.State.LastRunAt)
			v.LastResult = "exit " + strconv.Itoa(t.State.LastExitCode)
			if t.State.LastError != "" {
				v.LastResult = t.State.LastError
			}
		}
		tasks = append(tasks, v)
	}

	res := Result{"status": "success", "total_tasks": len(tasks)}
	if len(tasks) > maxListedTasks {
		tasks = tasks[:maxListedTasks]
		res["note"] = "Showing max 50 tasks. Use filter_str to narrow down."
	}
	res["tasks"] = tasks
	return res, nil
}

func (h *host) requestUnschedule(args Args, issue issueFunc) (Result, error) {
	name, err := args.Require("name")
	if err != nil {
		return nil, err
	}
	if !scheduler.ValidName(name) {
		return errorResult(msgBadTaskName), nil
	}
	if _, ok := h.Scheduler.Get(name); !ok {
		return errorResult("No scheduled task named '%s'.", name), nil
	}
	return issue(fmt.Sprintf("Delete scheduled task '%s'", name), map[string]any{"name": name})
}

func (h *host) execUnschedule(_ context.Context, cmd confirm.Command) (any, error) {
	name := cmd.String("name")
	if err := h.Scheduler.Remove(name); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Successfully deleted task '%s'.", name), nil
}

type windowInfo struct {
	PID         int    `json:"pid,omitempty"`
	Title       string `json:"title,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
}

func (h *host) windowList(ctx context.Context, _ Args) (Result, error) {
	var (
		windows []windowInfo
		err     error
	)
	switch h.GOOS {
	case "windows":
		windows, err = h.windowsWindows(ctx)
	case "darwin":
		windows, err = h.darwinWindows(ctx)
	default:
		windows, err = h.x11Windows(ctx)
	}
	if err != nil {
		return errorResult("Failed to get window list: %v", err), nil
	}
	if windows == nil {
		windows = []windowInfo{}
	}
	return Result{"status": "success", "count": len(windows), "windows": windows}, nil
}

func (h *host) windowsWindows(ctx context.Context) ([]windowInfo, error) {
	out, err := h.firstSuccess(ctx, []Invocation{powershell(
		`Get-Process | Where-Object {$_.MainWindowTitle -ne ""} | Select-Object Id, MainWindowTitle, ProcessName | ConvertTo-Json`,
		desktopTimeout)})
	if err != nil {
		return nil, err
	}
	return parsePSWindows(out.Stdout)
}

// parsePSWindows decodes ConvertTo-Json output, which is a bare object when
// there is a single window.
func parsePSWindows(out string) ([]windowInfo, error) {
	type psWindow struct {
		ID              int    `json:"Id"`
		MainWindowTitle string `json:"MainWindowTitle"`
		ProcessName     string `json:"ProcessName"`
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var list []psWindow
	if strings.HasPrefix(out, "{") {
		var one psWindow
		if err := json.Unmarshal([]byte(out), &one); err != nil {
			return nil, fmt.Errorf("parse PowerShell output: %w", err)
		}
		list = append(list, one)
	} else if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse PowerShell output: %w", err)
	}
	windows := make([]windowInfo, 0, len(list))
	for _, w := range list {
		windows = append(windows, windowInfo{PID: w.ID, Title: w.MainWindowTitle, ProcessName: w.ProcessName})
	}
	return windows, nil
}

func (h *host) darwinWindows(ctx context.Context) ([]windowInfo, error) {
	out, err := h.firstSuccess(ctx, []Invocation{{
		Name:    "osascript",
		Args:    []string{"-e", `tell application "System Events" to get name of every process whose background only is false`},
		Timeout: desktopTimeout,
	}})
	if err != nil {
		return nil, err
	}
	var windows []windowInfo
	for _, name := range strings.Split(strings.TrimSpace(out.Stdout), ", ") {
		if name = strings.TrimSpace(name); name != "" {
			windows = append(windows, windowInfo{ProcessName: name})
		}
	}
	return windows, nil
}

func (h *host) x11Windows(ctx context.Context) ([]windowInfo, error) {
	out, err := h.firstSuccess(ctx, []Invocation{{Name: "wmctrl", Args: []string{"-lp"}, Timeout: desktopTimeout}})
	if err != nil {
		return nil, err
	}
	return parseWmctrl(out.Stdout), nil
}

// parseWmctrl reads `wmctrl -lp`: id, desktop, pid, host, title.
func parseWmctrl(out string) []windowInfo {
	var windows []windowInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, _ := strconv.Atoi(fields[2])
		windows = append(windows, windowInfo{PID: pid, Title: strings.Join(fields[4:], " ")})
	}
	return windows
}
