// Package tui is the interactive sync console: a scrolling log of engine
// output with a prompt for triggering runs and inspecting stored state.
package tui

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/ingest-sync/internal/logging"
)

// Command is a console command backed by the engine.
type Command struct {
	Name        string // without the leading slash
	Usage       string
	Description string
	// Run executes off the UI goroutine. The returned text is shown boxed.
	Run func(ctx context.Context, args []string) (string, error)
}

// Options configures the console.
type Options struct {
	Title    string // shown in the status bar, usually the config path
	Commands []Command
}

// OutputMsg carries raw output (log lines) for the console.
type OutputMsg string

// BoxedOutputMsg is output that should be displayed in a bordered box
type BoxedOutputMsg string

// CommandDoneMsg signals that a command has finished.
type CommandDoneMsg struct {
	Name   string
	Output string
	Err    error
}

// TickMsg refreshes the elapsed time in the status bar.
type TickMsg time.Time

var builtins = []Command{
	{Name: "help", Description: "Show available commands"},
	{Name: "clear", Description: "Clear screen"},
	{Name: "logs", Usage: "[FILE]", Description: "Save session logs to a file (default session.log)"},
	{Name: "quit", Description: "Exit (cancels a running command first)"},
}

// Model is the main TUI model
type Model struct {
	viewport      viewport.Model
	textInput     textinput.Model
	ready         bool
	width         int
	height        int
	title         string
	commands      []Command
	history       []string
	historyIdx    int
	logBuffer     string   // Persistent buffer for the session
	lineBuffer    string   // Buffer for incoming partial lines
	suggestions   []string // Auto-completion suggestions
	suggestionIdx int

	// In-flight command
	running    string
	runStarted time.Time
	cancel     context.CancelFunc

	now func() time.Time
}

// New returns the initial model state
func New(opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Type /help for commands"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 20
	ti.Prompt = "❯ "
	ti.PromptStyle = stylePrompt

	cmds := append([]Command(nil), opts.Commands...)
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	return Model{
		textInput:  ti,
		title:      opts.Title,
		commands:   cmds,
		historyIdx: -1,
		now:        time.Now,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Running returns the name of the command in flight, if any.
func (m Model) Running() string { return m.running }

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if len(m.suggestions) > 0 {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx--
				if m.suggestionIdx < 0 {
					m.suggestionIdx = len(m.suggestions) - 1
				}
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx++
				if m.suggestionIdx >= len(m.suggestions) {
					m.suggestionIdx = 0
				}
				return m, nil
			case tea.KeyTab:
				m.acceptSuggestion()
				return m, nil
			case tea.KeyEnter:
				// Enter on a partial command completes it; on a complete one it runs
				if completion := strings.Fields(m.suggestions[m.suggestionIdx])[0]; completion != strings.TrimSpace(m.textInput.Value()) {
					m.acceptSuggestion()
					return m, nil
				}
				m.suggestions = nil
			case tea.KeyEsc:
				m.suggestions = nil
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC:
			if m.running != "" {
				m.cancelRunning()
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.running == "" {
				return m, tea.Quit
			}
			return m, nil
		case tea.KeyEnter:
			value := strings.TrimSpace(m.textInput.Value())
			if value == "" {
				return m, nil
			}
			m.appendLine(styleUserInput.Render("> " + value))
			m.textInput.Reset()
			m.suggestions = nil
			m.history = append(m.history, value)
			m.historyIdx = len(m.history)
			return m, m.handleCommand(value)
		case tea.KeyTab:
			m.autocompleteCommand()
			return m, nil
		case tea.KeyPgUp:
			m.viewport.LineUp(m.viewport.Height / 2)
			return m, nil
		case tea.KeyPgDown:
			m.viewport.LineDown(m.viewport.Height / 2)
			return m, nil
		case tea.KeyHome:
			m.viewport.GotoTop()
			return m, nil
		case tea.KeyEnd:
			m.viewport.GotoBottom()
			return m, nil
		case tea.KeyUp:
			if m.historyIdx > 0 {
				m.historyIdx--
				m.textInput.SetValue(m.history[m.historyIdx])
				m.textInput.CursorEnd()
			}
			return m, nil
		case tea.KeyDown:
			if m.historyIdx < len(m.history)-1 {
				m.historyIdx++
				m.textInput.SetValue(m.history[m.historyIdx])
				m.textInput.CursorEnd()
			} else {
				m.historyIdx = len(m.history)
				m.textInput.Reset()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		footerHeight := 7 // Bordered input (3) + Status bar (1) + Separator (1) + Suggestions (1) + Safety (1)
		vpHeight := max(msg.Height-footerHeight, 3)

		if !m.ready {
			m.viewport = viewport.New(msg.Width-2, vpHeight)
			m.logBuffer = m.welcomeMessage()
			m.viewport.SetContent(m.logBuffer)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 2
			m.viewport.Height = vpHeight
		}
		m.width = msg.Width
		m.height = msg.Height
		m.textInput.Width = msg.Width - 4

	case OutputMsg:
		m.appendOutput(string(msg))

	case BoxedOutputMsg:
		m.appendBox(string(msg))

	case CommandDoneMsg:
		elapsed := m.now().Sub(m.runStarted).Round(time.Millisecond)
		m.running = ""
		m.cancel = nil
		if m.lineBuffer != "" {
			m.appendOutput("\n")
		}
		if msg.Output != "" {
			m.appendBox(msg.Output)
		}
		if msg.Err != nil {
			m.appendLine(styleError.Render(fmt.Sprintf("✖ /%s: %v", msg.Name, msg.Err)))
		} else {
			m.appendLine(styleSuccess.Render(fmt.Sprintf("✔ /%s finished in %s", msg.Name, elapsed)))
		}

	case TickMsg:
		return m, tickCmd()
	}

	prev := m.textInput.Value()
	m.textInput, tiCmd = m.textInput.Update(msg)
	if m.textInput.Value() != prev {
		m.updateSuggestions()
	}

	// Keys belong to the prompt; the viewport only scrolls on the mouse
	if _, isKey := msg.(tea.KeyMsg); !isKey && m.ready {
		m.viewport, vpCmd = m.viewport.Update(msg)
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *Model) handleCommand(value string) tea.Cmd {
	parts := strings.Fields(value)
	if !strings.HasPrefix(parts[0], "/") {
		return func() tea.Msg { return OutputMsg("Commands start with /, type /help to list them\n") }
	}
	name := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	switch name {
	case "quit", "exit":
		m.cancelRunning()
		return tea.Quit

	case "clear":
		m.logBuffer = m.welcomeMessage()
		m.lineBuffer = ""
		m.viewport.SetContent(m.logBuffer)
		return nil

	case "help":
		help := m.helpText()
		return func() tea.Msg { return BoxedOutputMsg(help) }

	case "logs":
		logFile := "session.log"
		if len(args) > 0 {
			logFile = args[0]
		}
		content := m.logBuffer
		return func() tea.Msg {
			if err := os.WriteFile(logFile, []byte(content), 0644); err != nil {
				return OutputMsg(fmt.Sprintf("Error saving logs: %v\n", err))
			}
			return OutputMsg(fmt.Sprintf("Logs saved to %s\n", logFile))
		}
	}

	cmd, ok := m.lookup(name)
	if !ok {
		return func() tea.Msg { return OutputMsg("Unknown command: /" + name + "\n") }
	}
	if m.running != "" {
		busy := fmt.Sprintf("/%s is still running, press ctrl+c to cancel it\n", m.running)
		return func() tea.Msg { return OutputMsg(busy) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = name
	m.runStarted = m.now()
	m.cancel = cancel

	return func() tea.Msg {
		defer cancel()
		out, err := cmd.Run(ctx, args)
		return CommandDoneMsg{Name: name, Output: out, Err: err}
	}
}

func (m *Model) cancelRunning() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.appendLine(styleSystemOutput.Render(fmt.Sprintf("Cancelling /%s... please wait", m.running)))
}

func (m Model) lookup(name string) (Command, bool) {
	for _, c := range m.commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// allCommands lists engine commands followed by the built-ins.
func (m Model) allCommands() []Command {
	return append(append([]Command(nil), m.commands...), builtins...)
}

func (m Model) helpText() string {
	var b strings.Builder
	b.WriteString("Available Commands:\n")
	for _, c := range m.allCommands() {
		usage := "/" + c.Name
		if c.Usage != "" {
			usage += " " + c.Usage
		}
		fmt.Fprintf(&b, "  %-34s %s\n", usage, c.Description)
	}
	b.WriteString("\nctrl+c cancels a running command, PgUp/PgDn scroll the log.")
	return b.String()
}

// updateSuggestions lists the commands matching a partial "/name" input.
func (m *Model) updateSuggestions() {
	input := m.textInput.Value()
	m.suggestions = nil
	m.suggestionIdx = 0
	if !strings.HasPrefix(input, "/") || strings.Contains(input, " ") {
		return
	}
	for _, c := range m.allCommands() {
		if strings.HasPrefix("/"+c.Name, input) {
			m.suggestions = append(m.suggestions, fmt.Sprintf("/%-10s %s", c.Name, c.Description))
		}
	}
}

func (m *Model) acceptSuggestion() {
	if m.suggestionIdx < 0 || m.suggestionIdx >= len(m.suggestions) {
		return
	}
	completion := strings.Fields(m.suggestions[m.suggestionIdx])[0]
	m.textInput.SetValue(completion)
	m.textInput.CursorEnd()
	m.suggestions = nil
	m.suggestionIdx = 0
}

// autocompleteCommand completes the current input to the first matching command
func (m *Model) autocompleteCommand() {
	input := m.textInput.Value()
	if input == "" || strings.Contains(input, " ") {
		return
	}
	for _, c := range m.allCommands() {
		if strings.HasPrefix("/"+c.Name, input) {
			m.textInput.SetValue("/" + c.Name)
			m.textInput.CursorEnd()
			m.suggestions = nil
			return
		}
	}
}

func (m *Model) wrapWidth() int {
	w := m.viewport.Width - 4
	if w < 20 {
		w = 80 // Fallback for uninitialized viewport
	}
	return w
}

// appendOutput adds raw output, styling complete lines by log level.
func (m *Model) appendOutput(s string) {
	m.lineBuffer += s
	for {
		idx := strings.Index(m.lineBuffer, "\n")
		if idx == -1 {
			break
		}
		line := m.lineBuffer[:idx]
		m.lineBuffer = m.lineBuffer[idx+1:]
		if line == "" {
			continue
		}

		for _, wrapped := range strings.Split(wrapLine(line, m.wrapWidth()), "\n") {
			switch {
			case strings.Contains(line, "[ERROR]"):
				m.logBuffer += styleError.Render("✖ "+wrapped) + "\n"
			case strings.Contains(line, "[WARN]"):
				m.logBuffer += styleWarn.Render("! "+wrapped) + "\n"
			default:
				m.logBuffer += styleSystemOutput.Render("  "+wrapped) + "\n"
			}
		}
	}
	m.refresh()
}

func (m *Model) appendBox(s string) {
	m.logBuffer += styleBox.Render(strings.TrimRight(s, "\n")) + "\n"
	m.refresh()
}

func (m *Model) appendLine(s string) {
	m.logBuffer += s + "\n"
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.logBuffer)
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// View renders the TUI
func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	suggestionsView := ""
	if len(m.suggestions) > 0 {
		lines := make([]string, 0, len(m.suggestions))
		for i, s := range m.suggestions {
			style := styleSuggestion
			if i == m.suggestionIdx {
				style = styleSuggestionSelected
			}
			lines = append(lines, style.Render(s))
		}
		suggestionsView = strings.Join(lines, "\n") + "\n"
	}

	vp := styleViewport.Width(m.viewport.Width + 2).Render(m.viewport.View())
	return fmt.Sprintf("%s\n%s\n%s%s",
		vp,
		styleInputContainer.Width(m.width-2).Render(m.textInput.View()),
		suggestionsView,
		m.statusBarView(),
	)
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	app := styleStatusApp.Render("ingest-sync")
	title := ""
	if m.title != "" {
		title = styleStatusConfig.Render(m.title)
	}
	hint := styleStatusText.Render("/help")

	state := styleStatusIdle.Render("idle")
	if m.running != "" {
		elapsed := m.now().Sub(m.runStarted).Truncate(time.Second)
		state = styleStatusBusy.Render(fmt.Sprintf("/%s running %s", m.running, elapsed))
	}

	usedWidth := min(w(app)+w(title)+w(hint)+w(state), m.width)
	spacer := styleStatusBar.Width(max(m.width-usedWidth, 0)).Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top,
		app,
		title,
		hint,
		spacer,
		state,
	)
}

func (m Model) welcomeMessage() string {
	logo := `
  _                       _
 (_)_ __   __ _  ___  ___| |_      ___ _   _ _ __   ___
 | | '_ \ / _' |/ _ \/ __| __|____/ __| | | | '_ \ / __|
 | | | | | (_| |  __/\__ \ ||_____\__ \ |_| | | | | (__
 |_|_| |_|\__, |\___||___/\__|    |___/\__, |_| |_|\___|
          |___/                        |___/
  INTERACTIVE CONSOLE
`

	welcome := styleTitle.Render(logo)

	body := `
 Pull paginated APIs into the warehouse, one run at a time.
 Engine logs stream here while a run is in progress.

 Type /help to see available commands.
`

	tips := lipgloss.NewStyle().Foreground(colorMuted).Render(`
 Tip: /run --dry-run fetches and transforms without writing anything.
      Hold Shift to select text with mouse.`)

	return welcome + body + tips + "\n"
}

// wrapLine wraps a line of text to fit within the specified width.
// It preserves word boundaries when possible.
func wrapLine(line string, width int) string {
	if width <= 0 || len(line) <= width {
		return line
	}

	var result strings.Builder
	currentLine := ""

	for _, word := range splitIntoWords(line) {
		if len(currentLine)+len(word) > width {
			if currentLine != "" {
				result.WriteString(strings.TrimRight(currentLine, " "))
				result.WriteString("\n")
			}
			for len(word) > width {
				result.WriteString(word[:width])
				result.WriteString("\n")
				word = word[width:]
			}
			currentLine = strings.TrimLeft(word, " ")
		} else {
			currentLine += word
		}
	}

	if currentLine != "" {
		result.WriteString(currentLine)
	}

	return result.String()
}

// splitIntoWords splits text into words while preserving whitespace.
func splitIntoWords(s string) []string {
	var words []string
	var current strings.Builder

	for _, r := range s {
		if unicode.IsSpace(r) {
			if current.Len() > 0 {
				words = append(words, current.String())
				current.Reset()
			}
			words = append(words, string(r))
		} else {
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		words = append(words, current.String())
	}

	return words
}

// programWriter forwards log output to the running program.
type programWriter struct {
	p *tea.Program
}

func (w programWriter) Write(b []byte) (int, error) {
	w.p.Send(OutputMsg(string(b)))
	return len(b), nil
}

// Start runs the console until the user quits. Engine logs are redirected
// into the console for the duration and restored to stderr afterwards.
func Start(opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithMouseCellMotion())

	logging.SetOutput(programWriter{p: p})
	defer logging.SetOutput(os.Stderr)

	final, err := p.Run()
	if err != nil {
		return err
	}
	// A command still running when the program exits is cancelled
	if fm, ok := final.(Model); ok && fm.cancel != nil {
		fm.cancel()
	}
	return nil
}
