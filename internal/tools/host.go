package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/confirm"
	"github.com/clawinfra/hostgate/internal/metrics"
	"github.com/clawinfra/hostgate/internal/policy"
	"github.com/clawinfra/hostgate/internal/scheduler"
	"github.com/clawinfra/hostgate/internal/webclient"
)

// Deps are the collaborators the host tools need. Policy and Gate are
// required; the rest have working defaults.
type Deps struct {
	Policy    *policy.Engine
	Gate      *confirm.Gate
	Runner    Runner
	Web       *webclient.Client
	// Scheduler backs the scheduled task tools. The caller starts and
	// stops it.
	Scheduler *scheduler.Scheduler
	Recorder  *audit.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// GOOS selects platform commands. Defaults to runtime.GOOS.
	GOOS string
	// DataDir receives screenshots when no path is given.
	DataDir string
	// MaxDownloadBytes caps download_file. Zero means 512 MiB.
	MaxDownloadBytes int64
	// SearchURL is the DuckDuckGo HTML endpoint used by web_search.
	SearchURL string
	// PowerSupplyDir is where battery state is read on Linux.
	PowerSupplyDir string
}

// host carries the dependencies shared by every handler.
type host struct {
	Deps
	logger *slog.Logger
}

// New builds a registry holding every host tool and binds the destructive
// ones to the gate.
func New(d Deps) (*Registry, error) {
	if d.Policy == nil || d.Gate == nil {
		return nil, errors.New("tools: policy engine and confirmation gate are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Runner == nil {
		d.Runner = ExecRunner{}
	}
	if d.GOOS == "" {
		d.GOOS = runtime.GOOS
	}
	if d.Web == nil {
		d.Web = webclient.New(d.Policy, webclient.DefaultConfig(), d.Logger)
	}
	if d.Scheduler == nil {
		d.Scheduler = scheduler.NewScheduler(ShellExecutor(d.Runner, d.GOOS), d.Logger)
	}
	if d.DataDir == "" {
		home, _ := os.UserHomeDir()
		d.DataDir = filepath.Join(home, ".hostgate")
	}
	if d.MaxDownloadBytes <= 0 {
		d.MaxDownloadBytes = 512 << 20
	}
	if d.SearchURL == "" {
		d.SearchURL = "https://html.duckduckgo.com/html/"
	}
	if d.PowerSupplyDir == "" {
		d.PowerSupplyDir = "/sys/class/power_supply"
	}

	h := &host{Deps: d, logger: d.Logger.With("component", "tools")}
	reg := NewRegistry(d.Recorder, d.Metrics, d.Logger)

	groups := [][]*Tool{
		h.fileTools(),
		h.systemTools(),
		h.webTools(),
		h.appTools(),
		h.utilityTools(),
		h.desktopTools(),
		{h.confirmTool()},
	}
	for _, g := range groups {
		for _, t := range g {
			if err := reg.Register(t); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// deferred registers ex for action and returns a function that issues a token
// for it. Handlers call the returned function instead of acting.
func (h *host) deferred(action string, ex confirm.ExecutorFunc) func(description string, params map[string]any) (Result, error) {
	h.Gate.Register(action, ex)
	return func(description string, params map[string]any) (Result, error) {
		return h.requestConfirmation(action, description, params)
	}
}

func (h *host) requestConfirmation(action, description string, params map[string]any) (Result, error) {
	ticket, err := h.Gate.Issue(action, description, params, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot request confirmation: %w", err)
	}
	return Result{
		"status":  "confirmation_required",
		"token":   ticket.ID,
		"action":  action,
		"warning": "DESTRUCTIVE ACTION: " + description,
		"message": fmt.Sprintf("This action (%s) is destructive and may not be reversible. "+
			"To proceed, call the confirm_action tool with token: %s", action, ticket.ID),
		"expires_in_seconds": ticket.ExpiresInSeconds(),
		"expires_at":         ticket.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

func (h *host) confirmTool() *Tool {
	return &Tool{
		Name: "confirm_action",
		Description: "Confirm and execute a previously requested destructive action. " +
			"Pass the token returned by the destructive tool.",
		Params: []Param{
			{Name: "token", Type: "string", Description: "The confirmation token", Required: true},
		},
		Handler: h.confirmAction,
	}
}

func (h *host) confirmAction(ctx context.Context, args Args) (Result, error) {
	token, err := args.Require("token")
	if err != nil {
		return nil, err
	}

	out, err := h.Gate.Redeem(ctx, token)
	var failed *confirm.OperationFailedError
	switch {
	case errors.Is(err, confirm.ErrTokenNotFound):
		return errorResult("Invalid or already used confirmation token. Please re-request the action."), nil
	case errors.Is(err, confirm.ErrTokenExpired):
		return errorResult("Confirmation token has expired. Please re-request the action."), nil
	case errors.As(err, &failed):
		var rejected *policy.RejectedError
		if errors.As(failed.Err, &rejected) {
			return nil, rejected
		}
		return Result{
			"status":  "error",
			"action":  failed.Action,
			"message": "Action failed: " + failed.Err.Error(),
		}, nil
	case err != nil:
		return nil, err
	}

	return Result{
		"status": "success",
		"action": out.Action,
		"result": out.Result,
	}, nil
}
