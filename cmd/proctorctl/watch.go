package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"proctord/internal/protocol"

	tea "github.com/charmbracelet/bubbletea"
)

// watchInterval is how often the dashboard re-polls the server.
const watchInterval = 2 * time.Second

// Styles for the watch dashboard.
var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
	colorDim    = lipgloss.Color("#444444")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	dimStyle       = lipgloss.NewStyle().Foreground(colorGray)
	dividerStyle   = lipgloss.NewStyle().Foreground(colorDim)
	upDotStyle     = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	downDotStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	headerRowStyle = lipgloss.NewStyle().Bold(true)
	activeStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	endedStyle     = lipgloss.NewStyle().Foreground(colorGray)
	warnStyle      = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	endStyle       = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	errorStyle     = lipgloss.NewStyle().Foreground(colorRed)
	footerKeyStyle = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	footerDescStyle = lipgloss.NewStyle().Foreground(colorGray)
)

// Messages.

type sessionsMsg struct {
	sessions []protocol.SessionInfo
	err      error
}

type statusMsg struct {
	status protocol.StatusResult
	err    error
}

type tickMsg time.Time

// watchModel is the root bubbletea model for the live dashboard.
type watchModel struct {
	client     *adminClient
	activeOnly bool

	status      protocol.StatusResult
	statusKnown bool
	sessions    []protocol.SessionInfo
	fetched     bool
	lastUpdate  time.Time

	errMessage string

	width  int
	height int
}

func newWatchModel(client *adminClient, activeOnly bool) watchModel {
	return watchModel{client: client, activeOnly: activeOnly}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(fetchStatusCmd(m.client), fetchSessionsCmd(m.client, m.activeOnly), tickCmd())
}

func fetchStatusCmd(client *adminClient) tea.Cmd {
	return func() tea.Msg {
		var status protocol.StatusResult
		if err := client.get(protocol.PathStatus, &status); err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{status: status}
	}
}

func fetchSessionsCmd(client *adminClient, activeOnly bool) tea.Cmd {
	return func() tea.Msg {
		var list protocol.SessionListResult
		if err := client.get(sessionsPath(activeOnly, 0), &list); err != nil {
			return sessionsMsg{err: err}
		}
		return sessionsMsg{sessions: list.Sessions}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(watchInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c":
			return m, tea.Quit
		case "r", "R":
			return m, tea.Batch(fetchStatusCmd(m.client), fetchSessionsCmd(m.client, m.activeOnly))
		case "a", "A":
			m.activeOnly = !m.activeOnly
			return m, fetchSessionsCmd(m.client, m.activeOnly)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchStatusCmd(m.client), fetchSessionsCmd(m.client, m.activeOnly), tickCmd())

	case statusMsg:
		if msg.err != nil {
			m.errMessage = msg.err.Error()
			return m, nil
		}
		m.status = msg.status
		m.statusKnown = true
		m.errMessage = ""
		return m, nil

	case sessionsMsg:
		if msg.err != nil {
			m.errMessage = msg.err.Error()
			return m, nil
		}
		m.sessions = msg.sessions
		m.fetched = true
		m.lastUpdate = time.Now()
		m.errMessage = ""
		return m, nil
	}

	return m, nil
}

func (m watchModel) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStatusBar())
	sections = append(sections, dividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderTable())

	if m.errMessage != "" {
		sections = append(sections, errorStyle.Render("Error: "+m.errMessage))
	}
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m watchModel) renderHeader() string {
	title := titleStyle.Render("PROCTORD")
	server := dimStyle.Render(" — " + m.client.base)

	var filter string
	if m.activeOnly {
		filter = warnStyle.Render(" [ACTIVE ONLY]")
	}
	return title + server + filter
}

func (m watchModel) renderStatusBar() string {
	if m.errMessage != "" && !m.statusKnown {
		return downDotStyle.Render("○ UNREACHABLE")
	}
	if !m.statusKnown {
		return dimStyle.Render("Fetching status...")
	}

	dot := upDotStyle.Render("● UP")
	uptime := (time.Duration(m.status.UptimeSeconds) * time.Second).String()
	info := fmt.Sprintf("  %s  %s  up %s", m.status.Version, m.status.Driver, uptime)
	totals := fmt.Sprintf("  open %d / sessions %d / events %d",
		m.status.OpenSessions, m.status.TotalSessions, m.status.TotalEvents)

	var refreshed string
	if !m.lastUpdate.IsZero() {
		refreshed = dimStyle.Render("  refreshed " + m.lastUpdate.Format("15:04:05"))
	}
	return dot + info + dimStyle.Render(totals) + refreshed
}

func (m watchModel) renderTable() string {
	height := m.tableHeight()

	var lines []string
	header := fmt.Sprintf("%-36s %-12s %-6s %-9s %-11s %s",
		"ATTEMPT", "EXAM", "USER", "STARTED", "VIOLATIONS", "STATE")
	lines = append(lines, headerRowStyle.Render(truncateRow(header, m.width)))

	switch {
	case !m.fetched:
		lines = append(lines, dimStyle.Render("  Loading sessions..."))
	case len(m.sessions) == 0:
		lines = append(lines, dimStyle.Render("  No sessions."))
	default:
		rows := m.sessions
		if len(rows) > height-1 {
			rows = rows[:height-1]
		}
		for _, s := range rows {
			lines = append(lines, m.renderRow(s))
		}
	}

	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m watchModel) renderRow(s protocol.SessionInfo) string {
	plain := fmt.Sprintf("%-36s %-12s %-6d %-9s ",
		s.AttemptID,
		truncateRow(s.SessionID, 12),
		s.UserID,
		s.StartedAt.Local().Format("15:04:05"),
	)

	violations := fmt.Sprintf("%-11d", s.Violations)
	switch {
	case s.Violations >= 3:
		violations = endStyle.Render(violations)
	case s.Violations == 2:
		violations = warnStyle.Render(violations)
	}

	state := sessionState(s)
	if s.EndedAt == nil {
		state = activeStyle.Render(state)
	} else {
		state = endedStyle.Render(state)
	}

	return truncateRow(plain, m.width-lipgloss.Width(violations)-lipgloss.Width(state)-1) + violations + " " + state
}

func (m watchModel) renderFooter() string {
	parts := []string{
		footerKeyStyle.Render("q") + footerDescStyle.Render(" Quit"),
		footerKeyStyle.Render("r") + footerDescStyle.Render(" Refresh"),
		footerKeyStyle.Render("a") + footerDescStyle.Render(" Active only"),
	}
	return strings.Join(parts, "  ")
}

// tableHeight is the rows available between status bar and footer.
func (m watchModel) tableHeight() int {
	if m.height == 0 {
		return 20
	}
	// Reserve: header(1) + status(1) + divider(1) + error(1) + footer(1)
	reserved := 5
	if m.height-reserved < 3 {
		return 3
	}
	return m.height - reserved
}

func truncateRow(s string, width int) string {
	if width <= 0 {
		return s
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if len(runes) > width-1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}

func cmdWatch() {
	c := newClient()

	p := tea.NewProgram(newWatchModel(c, *activeOnly), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
