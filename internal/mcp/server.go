package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/hostgate/internal/tools"
)

// HealthURI is the resource reporting server health.
const HealthURI = "server://health"

const instructions = "Destructive tools do not act immediately. They return a token; " +
	"show the warning to the user and call confirm_action with the token only after " +
	"the user approves. Tokens expire after five minutes and work once."

// Options configures a Server.
type Options struct {
	Info ServerInfo
	// Pending reports outstanding confirmations for the health resource.
	Pending func() int
	Logger  *slog.Logger
	// MaxConcurrent bounds in-flight tool calls. Zero means 16.
	MaxConcurrent int
	Clock         func() time.Time
}

// Server answers MCP requests from the tool registry.
type Server struct {
	tools   *tools.Registry
	opts    Options
	logger  *slog.Logger
	started time.Time
}

// NewServer creates a Server.
func NewServer(reg *tools.Registry, opts Options) *Server {
	if opts.Info.Name == "" {
		opts.Info.Name = "hostgate"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Server{
		tools:   reg,
		opts:    opts,
		logger:  opts.Logger.With("component", "mcp"),
		started: opts.Clock(),
	}
}

// conn serializes writes of responses produced by concurrent handlers.
type conn struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *conn) send(resp Response) error {
	resp.JSONRPC = "2.0"
	if resp.ID == nil {
		resp.ID = nullID
	}
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &Error{Code: ErrCodeInternalError, Message: "cannot encode result: " + err.Error()},
		})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.out.Write(append(data, '\n'))
	return err
}

// Serve reads requests from in and writes responses to out until in reaches
// EOF or ctx is cancelled. In-flight calls finish before Serve returns.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := &conn{out: out}
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrent)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		r := bufio.NewReaderSize(in, 64<<10)
		for {
			line, err := r.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				readErr <- err
				return
			}
		}
	}()

	s.logger.Info("MCP server ready", "tools", s.tools.Len())
	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return nil
		case err := <-readErr:
			g.Wait()
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}
			s.logger.Info("client closed the stream")
			return nil
		case line := <-lines:
			s.dispatch(ctx, &g, c, line)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, g *errgroup.Group, c *conn, line []byte) {
	line = bytes.TrimSpace(line)
	if line[0] == '[' {
		s.reply(c, nil, nil, &Error{Code: ErrCodeInvalidRequest, Message: "batch requests are not supported"})
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(c, nil, nil, &Error{Code: ErrCodeParseError, Message: "parse error: " + err.Error()})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.IsNotification() {
			s.reply(c, req.ID, nil, &Error{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC 2.0 request"})
		}
		return
	}

	if req.IsNotification() {
		s.logger.Debug("notification", "method", req.Method)
		return
	}

	// Tool calls may block on external programs; everything else is answered
	// in arrival order.
	if req.Method == "tools/call" {
		g.Go(func() error {
			result, rpcErr := s.handle(ctx, &req)
			s.reply(c, req.ID, result, rpcErr)
			return nil
		})
		return
	}
	result, rpcErr := s.handle(ctx, &req)
	s.reply(c, req.ID, result, rpcErr)
}

func (s *Server) reply(c *conn, id json.RawMessage, result any, rpcErr *Error) {
	resp := Response{ID: id, Result: result, Error: rpcErr}
	if rpcErr == nil && result == nil {
		resp.Result = struct{}{}
	}
	if err := c.send(resp); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) handle(ctx context.Context, req *Request) (result any, rpcErr *Error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("request handler panicked", "method", req.Method, "panic", p)
			result, rpcErr = nil, &Error{Code: ErrCodeInternalError, Message: "internal error"}
		}
	}()

	s.logger.Debug("request", "method", req.Method)
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]any{
				"tools":     map[string]any{"listChanged": false},
				"resources": map[string]any{"listChanged": false, "subscribe": false},
			},
			ServerInfo:   s.opts.Info,
			Instructions: instructions,
		}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return map[string]any{"tools": s.descriptors()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	case "resources/list":
		return map[string]any{"resources": []Resource{{
			URI:         HealthURI,
			Name:        "health",
			Description: "Server health status: uptime, memory usage, tool count and pending confirmations.",
			MimeType:    "application/json",
		}}}, nil
	case "resources/read":
		return s.readResource(req.Params)
	}
	return nil, &Error{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
}

func (s *Server) descriptors() []ToolDescriptor {
	list := s.tools.List()
	out := make([]ToolDescriptor, 0, len(list))
	for _, t := range list {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema(),
			Annotations: ToolAnnotations{DestructiveHint: t.Destructive},
		})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p callParams
	if len(raw) == 0 {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if p.Name == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "tool name is required"}
	}

	res, err := s.tools.Call(ctx, p.Name, p.Arguments)
	if errors.Is(err, tools.ErrUnknownTool) {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "unknown tool: " + p.Name}
	}
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}

	text, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: "cannot encode result: " + err.Error()}
	}
	return CallResult{
		Content: []Content{{Type: "text", Text: string(text)}},
		IsError: res.Status() == "error",
	}, nil
}

func (s *Server) readResource(raw json.RawMessage) (any, *Error) {
	var p readParams
	if err := json.Unmarshal(raw, &p); err != nil || p.URI == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "uri is required"}
	}
	if p.URI != HealthURI {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "unknown resource: " + p.URI}
	}
	text, _ := json.MarshalIndent(s.Health(), "", "  ")
	return map[string]any{"contents": []ResourceContent{{
		URI:      HealthURI,
		MimeType: "application/json",
		Text:     string(text),
	}}}, nil
}

// Health reports uptime, memory use, tool count and pending confirmations.
func (s *Server) Health() map[string]any {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	up := s.opts.Clock().Sub(s.started)
	secs := int(up.Seconds())
	h := map[string]any{
		"status":           "healthy",
		"uptime":           fmt.Sprintf("%dh %dm %ds", secs/3600, secs%3600/60, secs%60),
		"uptime_seconds":   math.Round(up.Seconds()*10) / 10,
		"server_memory_mb": math.Round(float64(ms.Sys)/(1<<20)*10) / 10,
		"goroutines":       runtime.NumGoroutine(),
		"tool_count":       s.tools.Len(),
	}
	if s.opts.Pending != nil {
		h["pending_confirmations"] = s.opts.Pending()
	}
	return h
}
