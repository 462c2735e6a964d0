// Package api exposes the host tools, the confirmation gate and the audit
// trail over HTTP for dashboards and operators.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/confirm"
	"github.com/clawinfra/hostgate/internal/metrics"
	"github.com/clawinfra/hostgate/internal/security"
	"github.com/clawinfra/hostgate/internal/tools"
)

// Config controls the HTTP listener and its middleware.
type Config struct {
	Addr string
	// JWTSecret enables bearer authentication. Nil runs in dev mode.
	JWTSecret          []byte
	RateLimitPerMinute int
	Burst              int
	AgentMayConfirm    bool
	// CORSOrigins lists allowed browser origins. Empty allows only
	// same-origin requests.
	CORSOrigins []string
	Version     string
}

// Deps are the components the API serves. Metrics and Hub may be nil.
type Deps struct {
	Tools    *tools.Registry
	Gate     *confirm.Gate
	Recorder *audit.Recorder
	Hub      *audit.Hub
	Metrics  *metrics.Metrics
}

// Server is the HTTP API server
type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	httpServer *http.Server
	limiter    *limiterSet
	started    time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.NewRecorder(nil, logger)
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "api"),
		limiter: newLimiterSet(cfg.RateLimitPerMinute, cfg.Burst),
		started: time.Now(),
	}
}

// Handler builds the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools/{name}", s.handleCallTool)
	mux.HandleFunc("POST /api/confirm/{token}", s.handleConfirm)
	mux.HandleFunc("GET /api/pending", s.handlePending)
	mux.Handle("DELETE /api/pending/{token}",
		security.RequireRole(security.RoleOwner)(http.HandlerFunc(s.handleDeny)))
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	authz := security.NewAuthorizer(s.cfg.AgentMayConfirm)
	protected := security.AuthMiddleware(s.cfg.JWTSecret, s.logger)(
		authz.Middleware(s.limiter.middleware(requireJSON(mux))),
	)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", s.handleHealth)
	root.Handle("/", protected)
	return s.corsMiddleware(s.loggingMiddleware(root))
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if s.cfg.JWTSecret == nil {
		s.logger.Warn("API authentication disabled, set " + security.SecretEnv + " to require tokens")
	}
	s.logger.Info("API server starting", "addr", s.cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets /api/events upgrade through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers for configured origins and refuses
// browser requests from any other site.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(r, origin) {
				s.logger.Warn("cross-origin request refused", "origin", origin, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts listed origins and same-origin requests.
func (s *Server) originAllowed(r *http.Request, origin string) bool {
	if slices.Contains(s.cfg.CORSOrigins, origin) || slices.Contains(s.cfg.CORSOrigins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

// requireJSON rejects state-changing requests that are not declared as
// JSON. Browsers cannot send that content type cross-site without a
// preflight, which corsMiddleware refuses.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mt != "application/json" {
				writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"version":        s.cfg.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"tool_count":     s.deps.Tools.Len(),
	}
	if s.deps.Gate != nil {
		resp["pending_confirmations"] = len(s.deps.Gate.Pending())
	}
	writeJSON(w, http.StatusOK, resp)
}

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Destructive bool           `json:"destructive"`
	InputSchema map[string]any `json:"input_schema"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Tools.List()
	out := make([]toolView, 0, len(list))
	for _, t := range list {
		out = append(out, toolView{
			Name:        t.Name,
			Description: t.Description,
			Destructive: t.Destructive,
			InputSchema: t.InputSchema(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out, "count": len(out)})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	args, err := decodeArgs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.call(w, r, name, args)
}

// handleConfirm redeems a token through the confirm_action tool so HTTP and
// MCP redemptions share auditing and metrics.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, "confirm_action", map[string]any{"token": r.PathValue("token")})
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	res, err := s.deps.Tools.Call(r.Context(), name, args)
	if errors.Is(err, tools.ErrUnknownTool) {
		writeError(w, http.StatusNotFound, "unknown tool: "+name)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.deps.Recorder.Record(r.Context(), audit.Event{
		Time:   time.Now(),
		Kind:   audit.KindToolCalled,
		Action: name,
		Detail: "via http by " + caller(r) + ": " + res.Status(),
	})
	writeJSON(w, http.StatusOK, res)
}

func caller(r *http.Request) string {
	if claims, err := security.GetClaims(r); err == nil {
		return claims.Subject
	}
	return "anonymous"
}

// PendingItem is a pending confirmation as shown to API clients.
type PendingItem struct {
	Token            string    `json:"token"`
	Action           string    `json:"action"`
	Description      string    `json:"description"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

// handlePending lists outstanding confirmations. Full tokens are redeemable,
// so only the owner (or dev mode) sees them; other roles get the short id.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	out := s.pendingItems(s.seesFullTokens(r))
	writeJSON(w, http.StatusOK, map[string]any{"pending": out, "count": len(out)})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.deps.Gate.Deny(r.PathValue("token"))
	switch {
	case errors.Is(err, confirm.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "no pending confirmation with that token")
		return
	case errors.Is(err, confirm.ErrTokenExpired):
		writeError(w, http.StatusGone, "confirmation token has expired")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "denied",
		"action": ticket.Action,
		"token":  confirm.ShortID(ticket.ID),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	if err := s.deps.Recorder.Flush(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "audit log busy")
		return
	}
	events, err := s.deps.Recorder.Log().Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("read audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
