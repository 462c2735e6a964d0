package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/clawinfra/hostgate/internal/confirm"
)

const (
	wingetQueryTimeout   = 120 * time.Second
	wingetInstallTimeout = 300 * time.Second
)

// Package IDs look like "Google.Chrome" or "Mozilla.Firefox".
var validAppID = regexp.MustCompile(`^[\w.\-+]+$`)

func checkAppID(id string) error {
	if !validAppID.MatchString(id) || strings.HasPrefix(id, "-") {
		return fmt.Errorf("%w: invalid app_id %q", ErrInvalidArgs, id)
	}
	return nil
}

func (h *host) appTools() []*Tool {
	install := h.deferred("install_app", h.execWinget("install", "installed"))
	uninstall := h.deferred("uninstall_app", h.execWinget("uninstall", "uninstalled"))
	update := h.deferred("update_app", h.execWinget("upgrade", "updated"))

	appID := Param{Name: "app_id", Type: "string", Description: "winget package ID (e.g. 'Google.Chrome')", Required: true}

	return []*Tool{
		{
			Name:        "list_installed_apps",
			Description: "List installed applications using winget.",
			Params: []Param{
				{Name: "filter_name", Type: "string", Description: "Only list apps whose name contains this"},
			},
			Handler: h.listInstalledApps,
		},
		{
			Name:        "search_available_apps",
			Description: "Search the winget repository for applications.",
			Params: []Param{
				{Name: "query", Type: "string", Description: "Search query", Required: true},
			},
			Handler: h.searchApps,
		},
		{
			Name:        "install_app",
			Description: "Install an application using winget. Requires confirmation.",
			Destructive: true,
			Params: []Param{
				appID,
				{Name: "source", Type: "string", Description: "Package source", Default: "winget"},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestWinget(args, "Install application '%s' from source '%s'", install)
			},
		},
		{
			Name:        "uninstall_app",
			Description: "Uninstall an application using winget. Requires confirmation.",
			Destructive: true,
			Params:      []Param{appID},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestWinget(args, "Uninstall application '%s' from this computer", uninstall)
			},
		},
		{
			Name:        "update_app",
			Description: "Update an installed application using winget. Requires confirmation.",
			Destructive: true,
			Params:      []Param{appID},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestWinget(args, "Update application '%s' to the latest version", update)
			},
		},
	}
}

func (h *host) winget(ctx context.Context, timeout time.Duration, args ...string) (RunResult, error) {
	return h.Runner.Run(ctx, Invocation{Name: "winget", Args: args, Timeout: timeout})
}

func (h *host) wingetAvailable() bool { return h.GOOS == "windows" }

const msgNoWinget = "Application management requires winget and is only available on Windows."

func (h *host) listInstalledApps(ctx context.Context, args Args) (Result, error) {
	if !h.wingetAvailable() {
		return errorResult("%s", msgNoWinget), nil
	}
	wargs := []string{"list", "--accept-source-agreements"}
	if f := strings.TrimSpace(args.String("filter_name")); f != "" {
		wargs = append(wargs, "--name", f)
	}
	out, err := h.winget(ctx, wingetQueryTimeout, wargs...)
	if err != nil {
		return errorResult("Failed to list apps: %v", err), nil
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = "Unknown error"
		}
		return errorResult("Failed to list apps: %s", msg), nil
	}
	return Result{"status": "success", "output": strings.TrimSpace(out.Stdout)}, nil
}

func (h *host) searchApps(ctx context.Context, args Args) (Result, error) {
	query, err := args.Require("query")
	if err != nil {
		return nil, err
	}
	if !h.wingetAvailable() {
		return errorResult("%s", msgNoWinget), nil
	}
	// "--" keeps a query starting with "-" from being read as an option.
	out, err := h.winget(ctx, wingetQueryTimeout, "search", "--accept-source-agreements", "--", query)
	if err != nil {
		return errorResult("Search failed: %v", err), nil
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = "No results found"
		}
		return errorResult("Search failed: %s", msg), nil
	}
	return Result{"status": "success", "query": query, "output": strings.TrimSpace(out.Stdout)}, nil
}

func (h *host) requestWinget(args Args, describe string, issue issueFunc) (Result, error) {
	id, err := args.Require("app_id")
	if err != nil {
		return nil, err
	}
	if err := checkAppID(id); err != nil {
		return nil, err
	}
	if !h.wingetAvailable() {
		return errorResult("%s", msgNoWinget), nil
	}

	params := map[string]any{"app_id": id}
	if !strings.Contains(describe, "source") {
		return issue(fmt.Sprintf(describe, id), params)
	}
	source := args.String("source")
	if source == "" {
		source = "winget"
	}
	if !validAppID.MatchString(source) || strings.HasPrefix(source, "-") {
		return nil, fmt.Errorf("%w: invalid source %q", ErrInvalidArgs, source)
	}
	params["source"] = source
	return issue(fmt.Sprintf(describe, id, source), params)
}

// execWinget builds the executor for a winget verb ("install", "uninstall",
// "upgrade"). done is the past tense used in the result message.
func (h *host) execWinget(verb, done string) confirm.ExecutorFunc {
	return func(ctx context.Context, cmd confirm.Command) (any, error) {
		id := cmd.String("app_id")
		if err := checkAppID(id); err != nil {
			return nil, err
		}
		args := []string{verb, "--id", id, "--exact"}
		if source := cmd.String("source"); source != "" {
			args = append(args, "--source", source)
		}
		args = append(args, "--silent", "--accept-source-agreements")
		if verb != "uninstall" {
			args = append(args, "--accept-package-agreements")
		}

		out, err := h.winget(ctx, wingetInstallTimeout, args...)
		if err != nil {
			return nil, err
		}
		if out.ExitCode != 0 {
			msg := strings.TrimSpace(out.Stderr)
			if msg == "" {
				msg = strings.TrimSpace(out.Stdout)
			}
			return nil, fmt.Errorf("winget %s %s: %s", verb, id, msg)
		}
		return fmt.Sprintf("Successfully %s '%s'.\n%s", done, id, strings.TrimSpace(out.Stdout)), nil
	}
}
