package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/confirm"
	"github.com/clawinfra/hostgate/internal/security"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Frame is one message on the /api/events stream. The first frame is a
// snapshot; every later frame carries an audit event together with the
// pending confirmations after it.
type Frame struct {
	Type    string        `json:"type"` // snapshot | event
	Event   *audit.Event  `json:"event,omitempty"`
	Pending []PendingItem `json:"pending"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(s.cfg.CORSOrigins),
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	events, unsubscribe := s.deps.Hub.Subscribe(eventBuffer)
	defer unsubscribe()

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	full := s.seesFullTokens(r)
	s.logger.Info("event stream connected", "remote", r.RemoteAddr, "caller", caller(r))

	if !s.sendFrame(ctx, conn, Frame{Type: "snapshot", Pending: s.pendingItems(full)}) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !s.sendFrame(ctx, conn, Frame{Type: "event", Event: &e, Pending: s.pendingItems(full)}) {
				return
			}
		}
	}
}

func (s *Server) sendFrame(ctx context.Context, conn *websocket.Conn, f Frame) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, f); err != nil {
		s.logger.Debug("ws write error", "error", err)
		return false
	}
	return true
}

func (s *Server) seesFullTokens(r *http.Request) bool {
	claims, err := security.GetClaims(r)
	return err != nil || claims.Role == security.RoleOwner
}

func (s *Server) pendingItems(full bool) []PendingItem {
	if s.deps.Gate == nil {
		return []PendingItem{}
	}
	tickets := s.deps.Gate.Pending()
	out := make([]PendingItem, 0, len(tickets))
	for _, t := range tickets {
		id := t.ID
		if !full {
			id = confirm.ShortID(id)
		}
		out = append(out, PendingItem{
			Token:            id,
			Action:           t.Action,
			Description:      t.Description,
			ExpiresAt:        t.ExpiresAt.UTC(),
			ExpiresInSeconds: t.ExpiresInSeconds(),
		})
	}
	return out
}

// originHosts converts CORS origins to the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
