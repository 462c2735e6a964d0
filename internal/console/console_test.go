package console

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/hostgate/internal/api"
	"github.com/clawinfra/hostgate/internal/audit"
)

const fullToken = "0f8fad5b-d9cb-469f-a165-70867728950e"

// fakeAPI serves the endpoints the console uses.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	auth     []string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
	}
	mux.HandleFunc("POST /api/confirm/{token}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Write([]byte(`{"status":"success","action":"delete_file","result":"Successfully deleted"}`))
	})
	mux.HandleFunc("DELETE /api/pending/{token}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.PathValue("token") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"no pending confirmation with that token"}`))
			return
		}
		w.Write([]byte(`{"status":"denied"}`))
	})
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		wsjson.Write(ctx, conn, api.Frame{Type: "snapshot", Pending: []api.PendingItem{}})
		wsjson.Write(ctx, conn, api.Frame{
			Type:    "event",
			Event:   &audit.Event{Kind: "confirmation_issued", Action: "delete_file"},
			Pending: []api.PendingItem{{Token: fullToken, Action: "delete_file"}},
		})
	})
	return mux
}

func (f *fakeAPI) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func TestClient_ApproveDeny(t *testing.T) {
	fake := &fakeAPI{}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()
	c := NewClient(ts.URL+"/", "jwt-token")
	ctx := context.Background()

	res, err := c.Approve(ctx, fullToken)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res["status"] != "success" {
		t.Errorf("result = %v", res)
	}
	if err := c.Deny(ctx, fullToken); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	err = c.Deny(ctx, "gone")
	if err == nil || !strings.Contains(err.Error(), "no pending confirmation") {
		t.Errorf("Deny(gone) err = %v", err)
	}

	got := fake.seen()
	if got[0] != "POST /api/confirm/"+fullToken || got[1] != "DELETE /api/pending/"+fullToken {
		t.Errorf("requests = %v", got)
	}
	if fake.auth[0] != "Bearer jwt-token" {
		t.Errorf("auth header = %q", fake.auth[0])
	}
}

func TestClient_Stream(t *testing.T) {
	fake := &fakeAPI{}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	var frames []api.Frame
	err := NewClient(ts.URL, "").Stream(context.Background(), func(f api.Frame) {
		frames = append(frames, f)
	})
	if err == nil {
		t.Error("Stream should report the closed connection")
	}
	if len(frames) != 2 || frames[0].Type != "snapshot" || frames[1].Event.Kind != "confirmation_issued" {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestFollow_ReportsDisconnect(t *testing.T) {
	fake := &fakeAPI{}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan tea.Msg, 16)
	done := make(chan struct{})
	go func() {
		follow(ctx, NewClient(ts.URL, ""), func(m tea.Msg) { msgs <- m }, slog.New(slog.DiscardHandler))
		close(done)
	}()

	var frames int
	for frames < 2 {
		select {
		case m := <-msgs:
			switch m.(type) {
			case frameMsg:
				frames++
			case disconnectedMsg:
				t.Fatal("disconnected before frames arrived")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no frames")
		}
	}
	select {
	case m := <-msgs:
		if _, ok := m.(disconnectedMsg); !ok {
			t.Fatalf("msg = %T, want disconnectedMsg", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect message")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop")
	}
}

func sized(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func TestModel_FrameUpdatesView(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := sized(NewModel(context.Background(), nil))
	m.now = func() time.Time { return now }

	if !strings.Contains(m.View(), "OFFLINE") {
		t.Error("new model should show offline")
	}

	m, _ = update(t, m, frameMsg(api.Frame{
		Type:  "event",
		Event: &audit.Event{Time: now, Kind: "confirmation_issued", Action: "delete_file", Token: "0f8fad5b"},
		Pending: []api.PendingItem{
			{Token: fullToken, Action: "delete_file", Description: "Delete file: /tmp/a", ExpiresAt: now.Add(90 * time.Second)},
		},
	}))

	view := m.View()
	for _, want := range []string{"LIVE", "Pending confirmations (1)", "delete_file", "expires in 1m 30s", "[0f8fad5b]"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_EventsCapped(t *testing.T) {
	m := sized(NewModel(context.Background(), nil))
	for i := 0; i < maxEvents+10; i++ {
		m, _ = update(t, m, frameMsg(api.Frame{Type: "event", Event: &audit.Event{Kind: "tool_called"}}))
	}
	if len(m.events) != maxEvents {
		t.Errorf("events = %d, want %d", len(m.events), maxEvents)
	}
}

func TestModel_SelectionClamped(t *testing.T) {
	m := sized(NewModel(context.Background(), nil))
	m, _ = update(t, m, frameMsg(api.Frame{Pending: []api.PendingItem{{Token: "a"}, {Token: "b"}, {Token: "c"}}}))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = update(t, m, runes("j"))
	m, _ = update(t, m, runes("j"))
	if m.selected != 2 {
		t.Fatalf("selected = %d, want 2", m.selected)
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.selected != 1 {
		t.Fatalf("selected = %d, want 1", m.selected)
	}

	m, _ = update(t, m, frameMsg(api.Frame{Pending: []api.PendingItem{{Token: "a"}}}))
	if m.selected != 0 {
		t.Errorf("selected = %d after list shrank", m.selected)
	}
}

func TestModel_ApproveRunsAgainstAPI(t *testing.T) {
	fake := &fakeAPI{}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	m := sized(NewModel(context.Background(), NewClient(ts.URL, "")))
	m, _ = update(t, m, frameMsg(api.Frame{Pending: []api.PendingItem{{Token: fullToken, Action: "delete_file"}}}))

	m, cmd := update(t, m, runes("a"))
	if cmd == nil || !m.busy {
		t.Fatal("approve did not start")
	}
	if _, again := update(t, m, runes("a")); again != nil {
		t.Error("second approve started while busy")
	}

	m, _ = update(t, m, cmd())
	if m.busy || m.status != "delete_file executed" {
		t.Errorf("status = %q busy = %v", m.status, m.busy)
	}
	if got := fake.seen(); len(got) != 1 || !strings.HasPrefix(got[0], "POST /api/confirm/") {
		t.Errorf("requests = %v", got)
	}
}

func TestModel_MaskedTokenNotActionable(t *testing.T) {
	m := sized(NewModel(context.Background(), nil))
	m, _ = update(t, m, frameMsg(api.Frame{Pending: []api.PendingItem{{Token: "0f8fad5b", Action: "kill_process"}}}))

	m, cmd := update(t, m, runes("d"))
	if cmd != nil {
		t.Fatal("deny with a masked token should not call the API")
	}
	if !strings.Contains(m.status, "owner token") {
		t.Errorf("status = %q", m.status)
	}
}

func TestModel_Disconnected(t *testing.T) {
	m := sized(NewModel(context.Background(), nil))
	m, _ = update(t, m, frameMsg(api.Frame{}))
	m, _ = update(t, m, disconnectedMsg{err: errStreamClosed})
	if m.connected || !strings.Contains(m.status, "closed by server") {
		t.Errorf("connected = %v status = %q", m.connected, m.status)
	}
}

func TestDescribeAction(t *testing.T) {
	tests := []struct {
		msg  actionDoneMsg
		want string
	}{
		{actionDoneMsg{verb: "deny", action: "kill_process"}, "denied kill_process"},
		{actionDoneMsg{verb: "approve", action: "delete_file", result: map[string]any{"status": "success"}}, "delete_file executed"},
		{actionDoneMsg{verb: "approve", action: "delete_file", result: map[string]any{"status": "error", "message": "Confirmation token has expired."}}, "delete_file: Confirmation token has expired."},
		{actionDoneMsg{verb: "deny", action: "x", err: errStreamClosed}, "deny x failed: event stream closed by server"},
	}
	for _, tt := range tests {
		if got := describeAction(tt.msg); got != tt.want {
			t.Errorf("describeAction(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatDuration(-time.Second); got != "0s" {
		t.Errorf("formatDuration(-1s) = %q", got)
	}
	if got := formatDuration(45 * time.Second); got != "45s" {
		t.Errorf("formatDuration(45s) = %q", got)
	}
	if got := formatDuration(4*time.Minute + 5*time.Second); got != "4m 05s" {
		t.Errorf("formatDuration(4m5s) = %q", got)
	}
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
}
