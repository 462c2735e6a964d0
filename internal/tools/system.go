package tools

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"mvdan.cc/sh/v3/syntax"

	"github.com/clawinfra/hostgate/internal/confirm"
)

const (
	maxStdout       = 10000
	maxStderr       = 5000
	maxCommandTTL   = 300
	commandPreview  = 100
	defaultCmdLimit = 30
)

// Grace period between SIGTERM and SIGKILL in kill_process.
var (
	killGrace     = 5 * time.Second
	killPollEvery = 250 * time.Millisecond
)

// truncate cuts s to n runes and appends note when it had to.
func truncate(s string, n int, note string) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	r := []rune(s)
	return string(r[:n]) + note, true
}

func (h *host) systemTools() []*Tool {
	runCommand := h.deferred("run_command", h.execRunCommand)
	killProcess := h.deferred("kill_process", h.execKill)
	power := h.deferred("shutdown_restart", h.execPower)

	return []*Tool{
		{
			Name:        "get_system_info",
			Description: "Get system information: OS, CPU, memory and disks.",
			Handler:     h.systemInfo,
		},
		{
			Name: "run_command",
			Description: "Run a shell command (PowerShell on Windows, sh elsewhere) and return its output. " +
				"Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
				{Name: "timeout", Type: "integer", Description: "Timeout in seconds (1-300)", Default: defaultCmdLimit},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestRunCommand(args, runCommand)
			},
		},
		{
			Name:        "list_processes",
			Description: "List running processes with their resource usage.",
			Params: []Param{
				{Name: "sort_by", Type: "string", Description: "memory, cpu or name", Default: "memory", Enum: []string{"memory", "cpu", "name"}},
				{Name: "limit", Type: "integer", Description: "Maximum processes to return (1-100)", Default: 20},
			},
			Handler: h.listProcesses,
		},
		{
			Name:        "kill_process",
			Description: "Terminate a running process by PID. Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "pid", Type: "integer", Description: "Process ID", Required: true},
				{Name: "process_name", Type: "string", Description: "Name shown in the confirmation message"},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestKill(ctx, args, killProcess)
			},
		},
		{
			Name:        "get_battery_status",
			Description: "Get battery charge level and charging state.",
			Handler:     h.batteryStatus,
		},
		{
			Name:        "shutdown_restart",
			Description: "Shut down, restart or suspend the computer. Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "action", Type: "string", Description: "shutdown, restart or sleep", Required: true, Enum: []string{"shutdown", "restart", "sleep"}},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestPower(args, power)
			},
		},
		{
			Name:        "get_network_info",
			Description: "List network interfaces and their addresses.",
			Handler:     h.networkInfo,
		},
	}
}

func (h *host) systemInfo(ctx context.Context, _ Args) (Result, error) {
	hostname, _ := os.Hostname()
	res := Result{
		"status": "success",
		"os": map[string]any{
			"system":       h.GOOS,
			"architecture": runtime.GOARCH,
			"hostname":     hostname,
		},
		"cpu": map[string]any{
			"logical_cores": runtime.NumCPU(),
		},
	}

	if f, err := os.Open("/proc/meminfo"); err == nil {
		if mem, err := parseMeminfo(f); err == nil {
			res["memory"] = mem
		}
		f.Close()
	}

	if h.GOOS != "windows" {
		out, err := h.Runner.Run(ctx, Invocation{Name: "df", Args: []string{"-kP"}, Timeout: 10 * time.Second})
		if err == nil && out.ExitCode == 0 {
			res["disk"] = parseDF(out.Stdout)
		}
	}
	return res, nil
}

func gib(kb uint64) float64 {
	return float64(int(float64(kb)/(1024*1024)*100)) / 100
}

// parseMeminfo reads /proc/meminfo.
func parseMeminfo(r io.Reader) (map[string]any, error) {
	vals := make(map[string]uint64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		vals[strings.TrimSuffix(fields[0], ":")] = n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	total, ok := vals["MemTotal"]
	if !ok || total == 0 {
		return nil, fmt.Errorf("MemTotal missing")
	}
	avail := vals["MemAvailable"]
	used := total - avail
	return map[string]any{
		"total_gb":      gib(total),
		"available_gb":  gib(avail),
		"used_gb":       gib(used),
		"usage_percent": float64(int(float64(used)/float64(total)*1000)) / 10,
	}, nil
}

type diskUsage struct {
	Device       string  `json:"device"`
	Mountpoint   string  `json:"mountpoint"`
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	FreeGB       float64 `json:"free_gb"`
	UsagePercent string  `json:"usage_percent"`
}

// parseDF reads POSIX `df -kP` output.
func parseDF(out string) []diskUsage {
	var disks []diskUsage
	for i, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if i == 0 || len(fields) < 6 {
			continue
		}
		total, err1 := strconv.ParseUint(fields[1], 10, 64)
		used, err2 := strconv.ParseUint(fields[2], 10, 64)
		free, err3 := strconv.ParseUint(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || total == 0 {
			continue
		}
		disks = append(disks, diskUsage{
			Device:       fields[0],
			Mountpoint:   strings.Join(fields[5:], " "),
			TotalGB:      gib(total),
			UsedGB:       gib(used),
			FreeGB:       gib(free),
			UsagePercent: fields[4],
		})
	}
	return disks
}

// shellPrograms lists the programs a POSIX command line invokes and whether
// it contains command or process substitution.
func shellPrograms(command string) (programs []string, substitution bool, err error) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, false, err
	}
	seen := make(map[string]bool)
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				break
			}
			if name := n.Args[0].Lit(); name != "" && !seen[name] {
				seen[name] = true
				programs = append(programs, name)
			}
		case *syntax.CmdSubst, *syntax.ProcSubst:
			substitution = true
		}
		return true
	})
	return programs, substitution, nil
}

func (h *host) requestRunCommand(args Args, issue issueFunc) (Result, error) {
	command, err := args.Require("command")
	if err != nil {
		return nil, err
	}
	timeout := clamp(args.Int("timeout", defaultCmdLimit), 1, maxCommandTTL)

	preview, _ := truncate(command, commandPreview, "...")
	description := "Execute shell command: " + preview

	var programs, flagged []string
	if h.GOOS != "windows" {
		progs, subst, err := shellPrograms(command)
		if err == nil {
			programs = progs
			for _, p := range progs {
				if v := h.Policy.EvaluateExecutionTarget(p); !v.Allowed {
					flagged = append(flagged, p)
				}
			}
			if len(flagged) > 0 {
				description += " [starts interpreter: " + strings.Join(flagged, ", ") + "]"
			}
			if subst {
				description += " [uses command substitution]"
			}
		}
	}

	res, err := issue(description, map[string]any{"command": command, "timeout": timeout})
	if err != nil {
		return nil, err
	}
	// The description is truncated; the approver sees what will run.
	res["command"] = command
	if len(programs) > 0 {
		res["programs"] = programs
	}
	if len(flagged) > 0 {
		res["flagged_programs"] = flagged
	}
	return res, nil
}

func (h *host) execRunCommand(ctx context.Context, cmd confirm.Command) (any, error) {
	command := cmd.String("command")
	timeout := clamp(cmd.Int("timeout"), 1, maxCommandTTL)

	out, err := h.Runner.Run(ctx, shellInvocation(h.GOOS, command, time.Duration(timeout)*time.Second))
	if err != nil {
		return nil, err
	}

	res := Result{
		"status":    "success",
		"exit_code": out.ExitCode,
		"command":   command,
	}
	if out.ExitCode != 0 {
		res["status"] = "error"
	}
	if s := strings.TrimSpace(out.Stdout); s != "" {
		res["stdout"], _ = truncate(s, maxStdout, "\n... (output truncated)")
	}
	if s := strings.TrimSpace(out.Stderr); s != "" {
		res["stderr"], _ = truncate(s, maxStderr, "\n... (stderr truncated)")
	}
	return res, nil
}

type processInfo struct {
	PID           int     `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	MemoryKB      int64   `json:"memory_kb,omitempty"`
	Status        string  `json:"status,omitempty"`
}

func (h *host) processes(ctx context.Context) ([]processInfo, error) {
	if h.GOOS == "windows" {
		out, err := h.Runner.Run(ctx, Invocation{Name: "tasklist", Args: []string{"/fo", "csv", "/nh"}, Timeout: 30 * time.Second})
		if err != nil {
			return nil, err
		}
		if out.ExitCode != 0 {
			return nil, fmt.Errorf("tasklist: %s", strings.TrimSpace(out.Stderr))
		}
		return parseTasklist(out.Stdout)
	}
	out, err := h.Runner.Run(ctx, Invocation{Name: "ps", Args: []string{"-axo", "pid=,pcpu=,pmem=,stat=,comm="}, Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("ps: %s", strings.TrimSpace(out.Stderr))
	}
	return parsePS(out.Stdout), nil
}

// parsePS reads `ps -axo pid=,pcpu=,pmem=,stat=,comm=` output.
func parsePS(out string) []processInfo {
	var procs []processInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cpu, _ := strconv.ParseFloat(fields[1], 64)
		mem, _ := strconv.ParseFloat(fields[2], 64)
		procs = append(procs, processInfo{
			PID:           pid,
			CPUPercent:    cpu,
			MemoryPercent: mem,
			Status:        fields[3],
			Name:          filepath.Base(strings.Join(fields[4:], " ")),
		})
	}
	return procs
}

var nonDigits = regexp.MustCompile(`\D`)

// parseTasklist reads `tasklist /fo csv /nh` output.
func parseTasklist(out string) ([]processInfo, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse tasklist: %w", err)
	}
	var procs []processInfo
	for _, rec := range records {
		if len(rec) < 5 {
			continue
		}
		pid, err := strconv.Atoi(rec[1])
		if err != nil {
			continue
		}
		kb, _ := strconv.ParseInt(nonDigits.ReplaceAllString(rec[4], ""), 10, 64)
		procs = append(procs, processInfo{PID: pid, Name: rec[0], MemoryKB: kb})
	}
	return procs, nil
}

func (h *host) listProcesses(ctx context.Context, args Args) (Result, error) {
	sortBy := args.String("sort_by")
	if sortBy != "cpu" && sortBy != "name" {
		sortBy = "memory"
	}
	limit := clamp(args.Int("limit", 20), 1, 100)

	procs, err := h.processes(ctx)
	if err != nil {
		return errorResult("Failed to list processes: %v", err), nil
	}

	sort.SliceStable(procs, func(i, j int) bool {
		a, b := procs[i], procs[j]
		switch sortBy {
		case "cpu":
			return a.CPUPercent > b.CPUPercent
		case "name":
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
		if a.MemoryPercent != b.MemoryPercent {
			return a.MemoryPercent > b.MemoryPercent
		}
		return a.MemoryKB > b.MemoryKB
	})

	showing := min(limit, len(procs))
	return Result{
		"status":          "success",
		"total_processes": len(procs),
		"showing":         showing,
		"sort_by":         sortBy,
		"processes":       procs[:showing],
	}, nil
}

func (h *host) requestKill(ctx context.Context, args Args, issue issueFunc) (Result, error) {
	pid := args.Int("pid", 0)
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid must be a positive integer", ErrInvalidArgs)
	}
	if pid == os.Getpid() {
		return errorResult("Refusing to terminate the hostgate server itself."), nil
	}

	procs, err := h.processes(ctx)
	if err != nil {
		return errorResult("Failed to look up process: %v", err), nil
	}
	var actual string
	found := false
	for _, p := range procs {
		if p.PID == pid {
			actual, found = p.Name, true
			break
		}
	}
	if !found {
		return errorResult("No process found with PID %d.", pid), nil
	}

	name := args.String("process_name")
	if name == "" {
		name = actual
	}
	return issue(fmt.Sprintf("Terminate process '%s' (PID: %d)", name, pid), map[string]any{"pid": pid, "name": name})
}

func (h *host) execKill(ctx context.Context, cmd confirm.Command) (any, error) {
	pid := cmd.Int("pid")
	name := cmd.String("name")
	id := strconv.Itoa(pid)

	if h.GOOS == "windows" {
		out, err := h.Runner.Run(ctx, Invocation{Name: "taskkill", Args: []string{"/PID", id}, Timeout: 15 * time.Second})
		if err == nil && out.ExitCode != 0 {
			out, err = h.Runner.Run(ctx, Invocation{Name: "taskkill", Args: []string{"/F", "/PID", id}, Timeout: 15 * time.Second})
		}
		if err != nil {
			return nil, err
		}
		if out.ExitCode != 0 {
			return nil, fmt.Errorf("cannot terminate PID %d: %s", pid, strings.TrimSpace(out.Stderr+out.Stdout))
		}
		return fmt.Sprintf("Process '%s' (PID %d) has been terminated.", name, pid), nil
	}

	out, err := h.Runner.Run(ctx, Invocation{Name: "kill", Args: []string{"-TERM", id}, Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if strings.Contains(strings.ToLower(msg), "no such process") {
			return fmt.Sprintf("Process PID %d no longer exists (may have already exited).", pid), nil
		}
		return nil, fmt.Errorf("cannot terminate PID %d: %s", pid, msg)
	}

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		alive, err := h.Runner.Run(ctx, Invocation{Name: "kill", Args: []string{"-0", id}, Timeout: 5 * time.Second})
		if err != nil || alive.ExitCode != 0 {
			return fmt.Sprintf("Process '%s' (PID %d) has been terminated.", name, pid), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(killPollEvery):
		}
	}

	out, err = h.Runner.Run(ctx, Invocation{Name: "kill", Args: []string{"-KILL", id}, Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("cannot kill PID %d: %s", pid, strings.TrimSpace(out.Stderr))
	}
	return fmt.Sprintf("Process '%s' (PID %d) did not exit after SIGTERM and was killed.", name, pid), nil
}

func (h *host) batteryStatus(ctx context.Context, _ Args) (Result, error) {
	noBattery := Result{
		"status":  "info",
		"message": "No battery detected (desktop computer or battery not accessible).",
	}

	switch h.GOOS {
	case "windows":
		out, err := h.Runner.Run(ctx, Invocation{
			Name:    "powershell",
			Args:    []string{"-NoProfile", "-NonInteractive", "-Command", "Get-CimInstance Win32_Battery | Select-Object EstimatedChargeRemaining, BatteryStatus | ConvertTo-Json"},
			Timeout: 15 * time.Second,
		})
		if err != nil || out.ExitCode != 0 || strings.TrimSpace(out.Stdout) == "" {
			return noBattery, nil
		}
		var b struct {
			EstimatedChargeRemaining float64
			BatteryStatus            int
		}
		if err := json.Unmarshal([]byte(out.Stdout), &b); err != nil {
			return noBattery, nil
		}
		// BatteryStatus 2 means on AC power.
		return Result{"status": "success", "percent": b.EstimatedChargeRemaining, "plugged_in": b.BatteryStatus == 2, "time_remaining": "Unknown"}, nil
	case "darwin":
		out, err := h.Runner.Run(ctx, Invocation{Name: "pmset", Args: []string{"-g", "batt"}, Timeout: 10 * time.Second})
		if err != nil || out.ExitCode != 0 {
			return noBattery, nil
		}
		if res, ok := parsePmset(out.Stdout); ok {
			return res, nil
		}
		return noBattery, nil
	}

	res, ok := readPowerSupply(h.PowerSupplyDir)
	if !ok {
		return noBattery, nil
	}
	return res, nil
}

var pmsetRe = regexp.MustCompile(`(\d+)%;\s*([^;]+);\s*(\S+)`)

func parsePmset(out string) (Result, bool) {
	m := pmsetRe.FindStringSubmatch(out)
	if m == nil {
		return nil, false
	}
	pct, _ := strconv.ParseFloat(m[1], 64)
	state := strings.TrimSpace(m[2])
	remaining := "Unknown"
	if strings.Contains(m[3], ":") && !strings.HasPrefix(m[3], "(") {
		parts := strings.SplitN(m[3], ":", 2)
		remaining = parts[0] + "h " + parts[1] + "m"
	}
	return Result{
		"status":         "success",
		"percent":        pct,
		"plugged_in":     state != "discharging",
		"time_remaining": remaining,
	}, true
}

// readPowerSupply reads the first battery under a Linux power_supply
// directory.
func readPowerSupply(dir string) (Result, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}
	read := func(base, name string) string {
		b, err := os.ReadFile(filepath.Join(base, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
	for _, e := range entries {
		base := filepath.Join(dir, e.Name())
		if read(base, "type") != "Battery" {
			continue
		}
		pct, err := strconv.ParseFloat(read(base, "capacity"), 64)
		if err != nil {
			continue
		}
		status := read(base, "status")
		remaining := "Unknown"
		if status == "Charging" || status == "Full" {
			remaining = "Charging / Unlimited"
		} else if energy, power := read(base, "energy_now"), read(base, "power_now"); energy != "" && power != "" {
			en, err1 := strconv.ParseFloat(energy, 64)
			pw, err2 := strconv.ParseFloat(power, 64)
			if err1 == nil && err2 == nil && pw > 0 {
				secs := int(en / pw * 3600)
				remaining = fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
			}
		}
		return Result{
			"status":         "success",
			"percent":        pct,
			"plugged_in":     status != "Discharging",
			"charge_state":   status,
			"time_remaining": remaining,
		}, true
	}
	return nil, false
}

var powerActions = map[string]bool{"shutdown": true, "restart": true, "sleep": true}

func (h *host) requestPower(args Args, issue issueFunc) (Result, error) {
	action := strings.ToLower(args.String("action"))
	if !powerActions[action] {
		return errorResult("Invalid action '%s'. Must be one of: shutdown, restart, sleep", args.String("action")), nil
	}
	description := strings.ToUpper(action[:1]) + action[1:] + " this computer (60-second delay for shutdown/restart)"
	return issue(description, map[string]any{"action": action})
}

func powerInvocation(goos, action string) Invocation {
	switch goos {
	case "windows":
		switch action {
		case "shutdown":
			return Invocation{Name: "shutdown", Args: []string{"/s", "/t", "60"}}
		case "restart":
			return Invocation{Name: "shutdown", Args: []string{"/r", "/t", "60"}}
		}
		return Invocation{Name: "rundll32.exe", Args: []string{"powrprof.dll,SetSuspendState", "0,1,0"}}
	case "darwin":
		if action == "sleep" {
			return Invocation{Name: "pmset", Args: []string{"sleepnow"}}
		}
	default:
		if action == "sleep" {
			return Invocation{Name: "systemctl", Args: []string{"suspend"}}
		}
	}
	if action == "restart" {
		return Invocation{Name: "shutdown", Args: []string{"-r", "+1"}}
	}
	return Invocation{Name: "shutdown", Args: []string{"-h", "+1"}}
}

func (h *host) execPower(ctx context.Context, cmd confirm.Command) (any, error) {
	action := cmd.String("action")
	if !powerActions[action] {
		return nil, fmt.Errorf("invalid power action %q", action)
	}
	inv := powerInvocation(h.GOOS, action)
	inv.Timeout = 30 * time.Second

	out, err := h.Runner.Run(ctx, inv)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("failed to %s: %s", action, strings.TrimSpace(out.Stderr))
	}
	if action == "sleep" {
		return "System is entering sleep mode.", nil
	}
	abort := "shutdown -c"
	if h.GOOS == "windows" {
		abort = "shutdown /a"
	}
	return fmt.Sprintf("System %s scheduled in 60 seconds. To abort, run: %s", action, abort), nil
}

type ifaceAddr struct {
	Family  string `json:"family"`
	Address string `json:"address"`
	Netmask string `json:"netmask,omitempty"`
}

type ifaceInfo struct {
	Name         string      `json:"name"`
	IsUp         bool        `json:"is_up"`
	MTU          int         `json:"mtu"`
	HardwareAddr string      `json:"hardware_addr,omitempty"`
	Addresses    []ifaceAddr `json:"addresses"`
}

func (h *host) networkInfo(context.Context, Args) (Result, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return errorResult("Failed to list network interfaces: %v", err), nil
	}
	out := make([]ifaceInfo, 0, len(ifaces))
	for _, ifc := range ifaces {
		info := ifaceInfo{
			Name:         ifc.Name,
			IsUp:         ifc.Flags&net.FlagUp != 0,
			MTU:          ifc.MTU,
			HardwareAddr: ifc.HardwareAddr.String(),
			Addresses:    []ifaceAddr{},
		}
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			fam := "IPv6"
			if ipnet.IP.To4() != nil {
				fam = "IPv4"
			}
			info.Addresses = append(info.Addresses, ifaceAddr{
				Family:  fam,
				Address: ipnet.IP.String(),
				Netmask: net.IP(ipnet.Mask).String(),
			})
		}
		out = append(out, info)
	}
	return Result{"status": "success", "interfaces": out}, nil
}
