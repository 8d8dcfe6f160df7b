// Package tui provides the interactive terminal chat for toolchat.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/orchestrator"
	"github.com/mwiater/toolchat/internal/providers"
	"github.com/mwiater/toolchat/internal/registry"
)

// Session is the part of orchestrator.Session the chat screen drives.
type Session interface {
	Ask(ctx context.Context, query string) (orchestrator.Result, error)
	Refresh(ctx context.Context) error
	Statuses() []registry.Status
	Model() providers.Model
	Scope() string
}

// chatEntry is one line of conversation on screen.
type chatEntry struct {
	role     string
	content  string
	rendered string
	calls    []orchestrator.Call
	err      error
}

type answerMsg struct {
	query  string
	result orchestrator.Result
	err    error
}

type refreshedMsg struct {
	statuses []registry.Status
	err      error
}

// model is the Bubble Tea model for the chat screen.
type model struct {
	ctx              context.Context
	cancelPending    context.CancelFunc
	session          Session
	statuses         []registry.Status
	isLoading        bool
	loadingLabel     string
	err              error
	textArea         textarea.Model
	viewport         viewport.Model
	spinner          spinner.Model
	history          []chatEntry
	width, height    int
	requestStartTime time.Time
}

func initialModel(ctx context.Context, s Session) *model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ta := textarea.New()
	ta.Placeholder = "Ask about anything your tools can reach..."
	ta.Focus()
	ta.Prompt = "Query: "
	ta.ShowLineNumbers = false
	ta.CharLimit = -1
	ta.SetHeight(1)
	ta.KeyMap.InsertNewline.SetEnabled(false)

	return &model{
		ctx:      ctx,
		session:  s,
		statuses: s.Statuses(),
		spinner:  sp,
		textArea: ta,
		viewport: viewport.New(100, 5),
	}
}

func (m *model) Init() tea.Cmd {
	return textarea.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelInFlight()
			return m, tea.Quit
		case "ctrl+r":
			if !m.isLoading {
				m.startLoading("Refreshing tools")
				return m, tea.Batch(m.spinner.Tick, m.refreshCmd())
			}
			return m, nil
		case "enter":
			if m.isLoading {
				return m, nil
			}
			query := strings.TrimSpace(m.textArea.Value())
			if query == "" {
				return m, nil
			}
			m.history = append(m.history, chatEntry{role: "user", content: query})
			m.textArea.Reset()
			m.startLoading("Assistant is thinking")
			m.refreshViewport()
			return m, tea.Batch(m.spinner.Tick, m.askCmd(query))
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.textArea.SetWidth(msg.Width - 3)
		headerHeight := 3
		footerHeight := 3
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)
		m.refreshViewport()

	case answerMsg:
		m.cancelInFlight()
		m.isLoading = false
		entry := chatEntry{role: "assistant", content: msg.result.Text, calls: msg.result.Calls, err: msg.err}
		entry.rendered = RenderMarkdown(msg.result.Text, m.contentWidth())
		m.history = append(m.history, entry)
		m.statuses = m.session.Statuses()
		m.textArea.Focus()
		m.refreshViewport()
		return m, nil

	case refreshedMsg:
		m.cancelInFlight()
		m.isLoading = false
		m.statuses = msg.statuses
		m.err = msg.err
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	m.textArea, cmd = m.textArea.Update(msg)
	cmds = append(cmds, cmd)

	if m.isLoading {
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *model) startLoading(label string) {
	m.isLoading = true
	m.loadingLabel = label
	m.requestStartTime = time.Now()
	m.err = nil
}

// pendingContext derives the context for the next query or refresh. It is
// cancelled when that work completes or the user quits.
func (m *model) pendingContext() context.Context {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelPending = cancel
	return ctx
}

func (m *model) cancelInFlight() {
	if m.cancelPending != nil {
		m.cancelPending()
		m.cancelPending = nil
	}
}

func (m *model) askCmd(query string) tea.Cmd {
	ctx, s := m.pendingContext(), m.session
	return func() tea.Msg {
		res, err := s.Ask(ctx, query)
		if err != nil {
			logging.LogEvent("chat query failed: %v", err)
		}
		return answerMsg{query: query, result: res, err: err}
	}
}

func (m *model) refreshCmd() tea.Cmd {
	ctx, s := m.pendingContext(), m.session
	return func() tea.Msg {
		err := s.Refresh(ctx)
		return refreshedMsg{statuses: s.Statuses(), err: err}
	}
}

func (m *model) contentWidth() int {
	if m.width <= 0 {
		return 80
	}
	return max(m.width-lipgloss.Width("Assistant: ")-2, 20)
}

func (m *model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var b strings.Builder
	b.WriteString(m.header() + "\n\n")
	b.WriteString(m.viewport.View())

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	if m.isLoading {
		timer := fmt.Sprintf("%.1f", time.Since(m.requestStartTime).Seconds())
		b.WriteString(fmt.Sprintf("\n%s %s... %ss", m.spinner.View(), m.loadingLabel, timer))
	} else {
		b.WriteString("\n" + m.textArea.View())
	}
	return b.String()
}

func (m *model) header() string {
	labelStyle := lipgloss.NewStyle().Background(lipgloss.Color("0")).Foreground(lipgloss.Color("255")).Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("230")).Padding(0, 1).MarginLeft(1)

	parts := []string{
		labelStyle.Render("toolchat"),
		headerStyle.Render("Model: " + m.session.Model().Name()),
		renderScopeBadge(m.session.Scope()),
	}
	for _, st := range m.statuses {
		parts = append(parts, renderProviderBadge(st))
	}
	help := helpStyle.Render(" (ctrl+r refresh tools, esc to quit)")
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...) + help
}

func (m *model) refreshViewport() {
	var b strings.Builder
	userStyle := lipgloss.NewStyle().Bold(true)
	assistantStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))

	for _, e := range m.history {
		if e.role == "user" {
			role := userStyle.Render("You: ")
			content := lipgloss.NewStyle().Width(m.contentWidth()).Render(e.content)
			b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, role, content) + "\n")
			continue
		}
		for _, c := range e.calls {
			b.WriteString(renderCall(c) + "\n")
		}
		role := assistantStyle.Render("Assistant: ")
		content := e.rendered
		if content == "" {
			content = e.content
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, role, content) + "\n")
		if e.err != nil && !strings.Contains(e.content, "❌") {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", e.err)) + "\n")
		}
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// Start runs the chat screen until the user quits or ctx is cancelled.
func Start(ctx context.Context, s Session) error {
	m := initialModel(ctx, s)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat screen: %w", err)
	}
	return nil
}
