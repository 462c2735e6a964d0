package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/hostgate/internal/api"
	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/confirm"
)

const maxEvents = 200

// Bubble Tea messages

type frameMsg api.Frame

type disconnectedMsg struct{ err error }

type actionDoneMsg struct {
	verb   string
	action string
	result map[string]any
	err    error
}

type tickMsg time.Time

// Styles

var (
	primaryColor   = lipgloss.Color("#7C3AED") // violet
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	successColor   = lipgloss.Color("#10B981") // green
	errorColor     = lipgloss.Color("#EF4444") // red
	warnColor      = lipgloss.Color("#F59E0B") // amber

	sidebarStyle = lipgloss.NewStyle().
			Width(44).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(warnColor).
			Padding(0, 1)

	sidebarTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(warnColor).
			MarginBottom(1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor)

	itemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	metricStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			PaddingLeft(2)

	logBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	statusOnline  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	statusOffline = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
)

// Model is the watch console: pending confirmations on the left, the live
// audit trail on the right.
type Model struct {
	ctx    context.Context
	client *Client
	now    func() time.Time

	pending   []api.PendingItem
	events    []audit.Event
	selected  int
	connected bool
	status    string
	busy      bool

	log    viewport.Model
	width  int
	height int
	ready  bool
}

// NewModel creates a console model. client performs approve and deny.
func NewModel(ctx context.Context, client *Client) Model {
	return Model{
		ctx:    ctx,
		client: client,
		now:    time.Now,
		status: "connecting...",
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case frameMsg:
		if !m.connected {
			m.status = "connected"
		}
		m.connected = true
		m.pending = msg.Pending
		if msg.Event != nil {
			m.events = append(m.events, *msg.Event)
			if len(m.events) > maxEvents {
				m.events = m.events[len(m.events)-maxEvents:]
			}
		}
		m.clampSelection()
		m.refreshLog()
		return m, nil

	case disconnectedMsg:
		m.connected = false
		m.status = "disconnected: " + msg.err.Error()
		return m, nil

	case actionDoneMsg:
		m.busy = false
		m.status = describeAction(msg)
		return m, nil

	case tickMsg:
		return m, tickCmd()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logW := max(20, m.width-sidebarStyle.GetWidth()-4)
		logH := max(5, m.height-4)
		if !m.ready {
			m.log = viewport.New(logW, logH)
			m.ready = true
		} else {
			m.log.Width = logW
			m.log.Height = logH
		}
		m.refreshLog()
		return m, nil
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	case "down", "j":
		if m.selected < len(m.pending)-1 {
			m.selected++
		}
		return m, nil
	case "a", "enter":
		return m.act("approve")
	case "d", "x":
		return m.act("deny")
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

// act approves or denies the selected confirmation.
func (m Model) act(verb string) (tea.Model, tea.Cmd) {
	if m.busy || len(m.pending) == 0 {
		return m, nil
	}
	item := m.pending[m.selected]
	if confirm.ShortID(item.Token) == item.Token {
		m.status = "token hidden by the server; an owner token is required to " + verb
		return m, nil
	}

	m.busy = true
	m.status = fmt.Sprintf("%s %s...", verb, item.Action)
	ctx, client := m.ctx, m.client
	return m, func() tea.Msg {
		done := actionDoneMsg{verb: verb, action: item.Action}
		if verb == "approve" {
			done.result, done.err = client.Approve(ctx, item.Token)
		} else {
			done.err = client.Deny(ctx, item.Token)
		}
		return done
	}
}

func describeAction(msg actionDoneMsg) string {
	if msg.err != nil {
		return fmt.Sprintf("%s %s failed: %v", msg.verb, msg.action, msg.err)
	}
	if msg.verb == "deny" {
		return "denied " + msg.action
	}
	if status, _ := msg.result["status"].(string); status != "success" {
		text, _ := msg.result["message"].(string)
		return fmt.Sprintf("%s: %s", msg.action, text)
	}
	return fmt.Sprintf("%s executed", msg.action)
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.pending) {
		m.selected = max(0, len(m.pending)-1)
	}
}

func (m *Model) refreshLog() {
	if !m.ready {
		return
	}
	m.log.SetContent(m.renderEvents())
	m.log.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing hostgate console..."
	}

	conn := statusOffline.Render("● OFFLINE")
	if m.connected {
		conn = statusOnline.Render("● LIVE")
	}
	header := headerStyle.Width(m.width).Render("  hostgate watch  " + conn)

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderPending(),
		" ",
		logBorder.Width(m.log.Width).Render(m.log.View()),
	)

	footer := footerStyle.Render(
		"  ↑↓: select │ a: approve │ d: deny │ q: quit  │ " + m.status,
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

// Rendering helpers

func (m Model) renderPending() string {
	var sb strings.Builder
	sb.WriteString(sidebarTitle.Render(fmt.Sprintf("Pending confirmations (%d)", len(m.pending))))
	sb.WriteString("\n")

	if len(m.pending) == 0 {
		sb.WriteString(metricStyle.Render("nothing waiting"))
	}

	now := m.now()
	for i, p := range m.pending {
		line := fmt.Sprintf("%s  %s", confirm.ShortID(p.Token), p.Action)
		if i == m.selected {
			sb.WriteString(selectedStyle.Render("▸ " + line))
		} else {
			sb.WriteString(itemStyle.Render("  " + line))
		}
		sb.WriteString("\n")
		sb.WriteString(metricStyle.Render(truncate(p.Description, 38)))
		sb.WriteString("\n")
		left := p.ExpiresAt.Sub(now)
		style := metricStyle
		if left < 30*time.Second {
			style = metricStyle.Foreground(errorColor)
		}
		sb.WriteString(style.Render("expires in " + formatDuration(left)))
		sb.WriteString("\n\n")
	}

	return sidebarStyle.Height(max(5, m.height-4)).Render(sb.String())
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(1).
			Render("No events yet. Destructive tool calls and policy rejections appear here.")
	}

	var sb strings.Builder
	for _, e := range m.events {
		ts := lipgloss.NewStyle().Foreground(mutedColor).Render(e.Time.Local().Format("15:04:05"))
		kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Bold(true).Render(e.Kind)
		fmt.Fprintf(&sb, "%s %s %s", ts, kind, e.Action)
		if e.Token != "" {
			fmt.Fprintf(&sb, " [%s]", e.Token)
		}
		sb.WriteString("\n")
		if e.Detail != "" {
			sb.WriteString(metricStyle.Render(e.Detail))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func kindColor(kind string) lipgloss.Color {
	switch kind {
	case string(confirm.EventRedeemed):
		return successColor
	case string(confirm.EventFailed), audit.KindPolicyRejected:
		return errorColor
	case string(confirm.EventIssued):
		return warnColor
	case audit.KindToolCalled:
		return secondaryColor
	}
	return mutedColor
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
}
