package tui

import "github.com/charmbracelet/lipgloss"

// Palette by role, shared by the status bar and command outcomes.
var (
	colorAccent  = lipgloss.AdaptiveColor{Light: "#5A3FD1", Dark: "#8B6CF6"}
	colorOK      = lipgloss.Color("#2E9E6B")
	colorPending = lipgloss.Color("#D19A3F")
	colorFailed  = lipgloss.Color("#E0474C")
	colorMuted   = lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6C6C6C"}
	colorText    = lipgloss.AdaptiveColor{Light: "#2B2B2B", Dark: "#B8B8B8"}
	colorOnFill  = lipgloss.Color("#F5F5F5")
	colorInput   = lipgloss.Color("#3B8FD9")
)

// segment is one block of the status bar.
func segment(bg lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(colorOnFill).Background(bg).Padding(0, 1)
}

func framed(border lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)
}

var (
	styleStatusBar    = lipgloss.NewStyle().Height(1).Foreground(colorOnFill)
	styleStatusApp    = segment(colorInput).Bold(true)
	styleStatusConfig = segment(colorAccent)
	styleStatusIdle   = segment(colorOK)
	styleStatusBusy   = segment(colorPending)
	styleStatusText   = segment(colorMuted)

	styleViewport       = framed(colorAccent)
	styleBox            = framed(colorMuted)
	styleInputContainer = framed(colorAccent).MarginRight(1)

	styleTitle  = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).MarginBottom(1)
	stylePrompt = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)

	// command outcomes and log levels
	styleError   = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(colorPending)
	styleSuccess = lipgloss.NewStyle().Foreground(colorOK).Bold(true)

	styleUserInput    = lipgloss.NewStyle().Foreground(colorInput).Bold(true)
	styleSystemOutput = lipgloss.NewStyle().Foreground(colorText)

	styleSuggestion         = lipgloss.NewStyle().Foreground(colorMuted).PaddingLeft(2)
	styleSuggestionSelected = lipgloss.NewStyle().Foreground(colorOnFill).Background(colorAccent).Padding(0, 2).Bold(true)
)
