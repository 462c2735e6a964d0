// Package tools implements the host-control operations served over MCP and
// the HTTP API. Every handler checks the security policy before touching a
// path, URL or executable, and destructive handlers defer their effect
// behind the confirmation gate.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/metrics"
	"github.com/clawinfra/hostgate/internal/policy"
)

var (
	ErrUnknownTool   = errors.New("tools: unknown tool")
	ErrInvalidArgs   = errors.New("tools: invalid arguments")
	errDuplicateTool = errors.New("tools: tool already registered")
)

// Result is the JSON object a tool returns. Every result has a "status".
type Result map[string]any

// Status returns the result's status field.
func (r Result) Status() string {
	s, _ := r["status"].(string)
	return s
}

func errorResult(format string, a ...any) Result {
	return Result{"status": "error", "message": fmt.Sprintf(format, a...)}
}

// Param describes one tool argument.
type Param struct {
	Name        string
	Type        string // string | integer | boolean
	Description string
	Required    bool
	Default     any
	Enum        []string
}

// Handler performs a tool call. A returned error becomes an error result;
// a *policy.RejectedError is additionally audited.
type Handler func(ctx context.Context, args Args) (Result, error)

// Tool is a registered capability.
type Tool struct {
	Name        string
	Description string
	Destructive bool
	Params      []Param
	Handler     Handler
}

// InputSchema renders the parameters as a JSON Schema object.
func (t *Tool) InputSchema() map[string]any {
	props := make(map[string]any, len(t.Params))
	required := make([]string, 0)
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Args are the decoded arguments of a call.
type Args map[string]any

// String returns the named argument as a string, or "".
func (a Args) String(name string) string {
	switch v := a[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// Require returns the named string argument or ErrInvalidArgs when it is
// missing or blank.
func (a Args) Require(name string) (string, error) {
	s := a.String(name)
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
	}
	return s, nil
}

// Int returns the named numeric argument, or def when absent or not a number.
func (a Args) Int(name string, def int) int {
	switch v := a[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the named boolean argument, or def.
func (a Args) Bool(name string, def bool) bool {
	switch v := a[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Registry holds the tools and dispatches calls to them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. recorder and m may be nil.
func NewRegistry(recorder *audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		recorder: recorder,
		metrics:  m,
		logger:   logger.With("component", "tools"),
	}
}

// Register adds a tool.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", errDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Call runs the named tool. Handler failures, policy rejections and panics
// all come back as a Result with status "error"; the only error returned is
// ErrUnknownTool.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	res, err := r.invoke(ctx, t, Args(args))
	status := res.Status()

	var rejected *policy.RejectedError
	switch {
	case errors.As(err, &rejected):
		status = "rejected"
		res = Result{"status": "error", "message": rejected.Error()}
		r.logger.Warn("policy rejected request", "tool", name, "kind", rejected.Kind, "reason", rejected.Reason)
		if r.recorder != nil {
			r.recorder.PolicyRejected(ctx, name, rejected.Reason)
		}
		if r.metrics != nil {
			r.metrics.PolicyRejected(string(rejected.Kind), name)
		}
	case err != nil:
		status = "error"
		res = Result{"status": "error", "message": err.Error()}
	case res == nil:
		status = "error"
		res = errorResult("%s returned no result", name)
	}

	elapsed := time.Since(start)
	r.logger.Info("tool call", "tool", name, "status", status, "duration", elapsed)
	if r.metrics != nil {
		r.metrics.ToolCall(name, status, elapsed)
	}
	return res, nil
}

func (r *Registry) invoke(ctx context.Context, t *Tool, args Args) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", t.Name, "panic", p)
			res, err = nil, fmt.Errorf("internal error in %s", t.Name)
		}
	}()
	if args == nil {
		args = Args{}
	}
	return t.Handler(ctx, args)
}
