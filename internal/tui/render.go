package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/mcp"
	"github.com/mwiater/toolchat/internal/orchestrator"
	"github.com/mwiater/toolchat/internal/registry"
	"github.com/mwiater/toolchat/internal/util"
)

var (
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	callStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).PaddingLeft(2)
)

// RenderMarkdown renders an answer for the terminal. The input is returned
// unchanged when it cannot be rendered.
func RenderMarkdown(text string, width int) string {
	var margin uint
	dark := styles.DarkStyleConfig
	dark.Document.Color = nil
	dark.Document.Margin = &margin
	dark.Code.Prefix = ""
	dark.Code.Suffix = ""
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStyles(dark),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}
	out, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}

// FormatCall describes one tool invocation on a single line.
func FormatCall(c orchestrator.Call) string {
	mark := "ok"
	if !c.Success {
		mark = "failed: " + util.Summarize(c.Text, 120)
	}
	provider := c.Provider
	if provider == "" {
		provider = "unrouted"
	}
	return fmt.Sprintf("🔧 %s [%s] %s", c.Name, provider, mark)
}

func renderCall(c orchestrator.Call) string {
	if !c.Success {
		return callStyle.Foreground(lipgloss.Color("9")).Render(FormatCall(c))
	}
	return callStyle.Render(FormatCall(c))
}

// renderProviderBadge colours a provider by its connection state.
func renderProviderBadge(st registry.Status) string {
	bg := "241"
	switch st.State {
	case mcp.StateInitialized.String():
		bg = "40"
	case registry.StatusFailed, mcp.StateFailed.String():
		bg = "160"
	}
	label := st.Name
	if n := len(st.Tools); n > 0 {
		label = fmt.Sprintf("%s: %d tools", st.Name, n)
	} else if st.State != mcp.StateInitialized.String() {
		label = fmt.Sprintf("%s: %s", st.Name, st.State)
	}
	return lipgloss.NewStyle().Background(lipgloss.Color(bg)).Foreground(lipgloss.Color("0")).Padding(0, 1).MarginLeft(1).Render(label)
}

func renderScopeBadge(scope string) string {
	label := "Connections: per session"
	if scope == appconfig.ScopeQuery {
		label = "Connections: per query"
	}
	return lipgloss.NewStyle().Background(lipgloss.Color("229")).Foreground(lipgloss.Color("0")).Padding(0, 1).MarginLeft(1).Render(label)
}
